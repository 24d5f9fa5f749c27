// Package scheduler owns the pending build queue and the scheduler's view of builder
// capacity. It matches queued builds to nodes by architecture and cache affinity,
// triggers autoscaling and recovers builds from nodes that stop heartbeating.
package scheduler

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/drewstone/docker-builder-platform/internal/bus"
	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/metrics"
	"github.com/drewstone/docker-builder-platform/internal/repository"
	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/pkg/config"
)

const (
	defaultPriority     = 5
	userPriorityBoost   = 2
	requeuePriority     = 10
	secondsPerPosition  = 5
	defaultScaledSlots  = 5
	defaultScaledCPUs   = 16
	defaultScaledMemory = 32
)

// Store is the persistence the scheduler needs.
type Store interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	CreateBuild(ctx context.Context, build *domain.Build) error
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	ListBuildsByArchStatus(ctx context.Context, arch domain.Architecture, status domain.BuildStatus) ([]domain.Build, error)
	ListBuildsByBuilderStatus(ctx context.Context, builderID string, status domain.BuildStatus) ([]domain.Build, error)
	MarkBuildBuilding(ctx context.Context, buildID, builderID string, startedAt *time.Time) error
	MarkBuildQueued(ctx context.Context, buildID string) error
	FinishBuild(ctx context.Context, buildID string, outcome domain.BuildOutcome) error
}

// CacheResolver resolves the cache a build needs attached, creating it on first use.
type CacheResolver interface {
	GetOrCreateCache(ctx context.Context, projectID string, arch domain.Architecture) (*domain.Cache, error)
}

// Stopper kills builds running in this process.
type Stopper interface {
	StopBuild(ctx context.Context, buildID string) (bool, error)
}

// SecretSealer encrypts build secrets for storage with the build.
type SecretSealer interface {
	SealSecrets(secrets map[string]string) ([]byte, error)
	OpenSecrets(payload []byte) (map[string]string, error)
}

// Scheduled is the result of accepting a build.
type Scheduled struct {
	Build         *domain.Build
	Position      int
	EstimatedWait time.Duration
}

// Stats is the scheduler metrics snapshot.
type Stats struct {
	QueueDepth    int       `json:"queueDepth"`
	ReadyNodes    int       `json:"readyNodes"`
	TotalCapacity int       `json:"totalCapacity"`
	CurrentLoad   int       `json:"currentLoad"`
	Timestamp     time.Time `json:"timestamp"`
}

// Scheduler assigns queued builds to builder nodes.
type Scheduler struct {
	store     Store
	bus       bus.Publisher
	snapshots snapshot.Store
	caches    CacheResolver
	stopper   Stopper
	sealer    SecretSealer
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       config.SchedulerConfig

	now       func() time.Time
	afterFunc func(d time.Duration, f func())
	newID     func() string

	ticking atomic.Bool

	mu           sync.Mutex
	queue        []*domain.BuildRequest
	seq          uint64
	nodes        map[string]*domain.BuilderNode
	provisioning map[string]struct{}
	regionNext   int
}

// New constructs a scheduler. stopper and metrics may be nil.
func New(store Store, publisher bus.Publisher, snapshots snapshot.Store, caches CacheResolver, stopper Stopper, m *metrics.Metrics, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.MetricsInterval <= 0 {
		cfg.MetricsInterval = 30 * time.Second
	}
	if cfg.MetricsTTL <= 0 {
		cfg.MetricsTTL = time.Minute
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.ProvisioningDelay <= 0 {
		cfg.ProvisioningDelay = 30 * time.Second
	}
	if cfg.RecoveryScope == "" {
		cfg.RecoveryScope = config.RecoveryArchitecture
	}
	if cfg.ScaledMaxConcurrency <= 0 {
		cfg.ScaledMaxConcurrency = defaultScaledSlots
	}
	if cfg.DefaultCPUs <= 0 {
		cfg.DefaultCPUs = defaultScaledCPUs
	}
	if cfg.DefaultMemoryGB <= 0 {
		cfg.DefaultMemoryGB = defaultScaledMemory
	}
	return &Scheduler{
		store:     store,
		bus:       publisher,
		snapshots: snapshots,
		caches:    caches,
		stopper:   stopper,
		metrics:   m,
		logger:    logger.With("component", "scheduler"),
		cfg:       cfg,
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		newID: func() string {
			return "builder-" + strings.SplitN(uuid.NewString(), "-", 2)[0]
		},
		nodes:        make(map[string]*domain.BuilderNode),
		provisioning: make(map[string]struct{}),
	}
}

// SetSealer makes the scheduler store build secrets encrypted, so retried and requeued
// builds keep them. Without a sealer secrets live only in the queue.
func (s *Scheduler) SetSealer(sealer SecretSealer) {
	s.sealer = sealer
}

func (s *Scheduler) openSecrets(build *domain.Build) map[string]string {
	if s.sealer == nil || len(build.SealedSecrets) == 0 {
		return nil
	}
	secrets, err := s.sealer.OpenSecrets(build.SealedSecrets)
	if err != nil {
		s.logger.Warn("failed to open build secrets", "build_id", build.ID, "error", err)
		return nil
	}
	return secrets
}

// ScheduleBuild persists a queued build and enqueues it.
func (s *Scheduler) ScheduleBuild(ctx context.Context, req domain.BuildRequest) (*Scheduled, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, fmt.Errorf("%w: projectId is required", domain.ErrValidation)
	}
	if len(req.Platforms) == 0 {
		return nil, fmt.Errorf("%w: at least one platform is required", domain.ErrValidation)
	}
	if _, err := s.store.GetProjectByID(ctx, req.ProjectID); err != nil {
		return nil, fmt.Errorf("load project: %w", err)
	}

	arch := domain.ArchitectureForPlatforms(req.Platforms)
	now := s.now().UTC()
	build := &domain.Build{
		ID:          uuid.NewString(),
		ProjectID:   req.ProjectID,
		UserID:      req.UserID,
		Status:      domain.BuildQueued,
		Config:      req.BuildConfig,
		BuilderArch: arch,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if s.sealer != nil {
		sealed, err := s.sealer.SealSecrets(req.Secrets)
		if err != nil {
			return nil, fmt.Errorf("seal secrets: %w", err)
		}
		build.SealedSecrets = sealed
	}
	if err := s.store.CreateBuild(ctx, build); err != nil {
		return nil, fmt.Errorf("create build: %w", err)
	}

	req.BuildID = build.ID
	req.Priority = defaultPriority
	if req.UserID != "" {
		req.Priority += userPriorityBoost
	}
	position := s.enqueue(req)
	s.metrics.BuildScheduled(string(arch))

	if s.bus != nil {
		if err := s.bus.Publish(ctx, bus.BuildQueued{BuildID: build.ID, ProjectID: build.ProjectID}); err != nil {
			s.logger.Warn("failed to publish build queued", "build_id", build.ID, "error", err)
		}
	}
	s.logger.Info("build scheduled", "build_id", build.ID, "project_id", build.ProjectID,
		"architecture", arch, "priority", req.Priority, "position", position)

	return &Scheduled{
		Build:         build,
		Position:      position,
		EstimatedWait: time.Duration(position*secondsPerPosition) * time.Second,
	}, nil
}

// enqueue appends req unless its build is already queued and returns its 1-based position.
func (s *Scheduler) enqueue(req domain.BuildRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if queued.BuildID == req.BuildID {
			return i + 1
		}
	}
	s.seq++
	req.Sequence = s.seq
	req.EnqueuedAt = s.now().UTC()
	s.queue = append(s.queue, &req)
	return len(s.queue)
}

// dequeue removes the queued request for buildID and reports whether it was queued.
func (s *Scheduler) dequeue(buildID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if queued.BuildID == buildID {
			s.queue = slices.Delete(s.queue, i, i+1)
			return true
		}
	}
	return false
}

// Queue returns the pending requests in current order, without secrets.
func (s *Scheduler) Queue() []domain.BuildRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BuildRequest, 0, len(s.queue))
	for _, queued := range s.queue {
		req := *queued
		req.Secrets = nil
		out = append(out, req)
	}
	return out
}

// Tick runs one scheduling pass. A tick that starts while another is running is skipped.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.ticking.CompareAndSwap(false, true) {
		s.metrics.TickSkipped()
		s.logger.Debug("tick skipped, previous tick still running")
		return
	}
	defer s.ticking.Store(false)

	s.mu.Lock()
	s.sortQueueLocked()
	pending := slices.Clone(s.queue)
	s.mu.Unlock()

	for _, req := range pending {
		if ctx.Err() != nil {
			return
		}
		if !s.place(ctx, req) {
			// later requests must not overtake one that is going back to the queue
			return
		}
	}
}

// sortQueueLocked orders the queue by priority, then submission.
func (s *Scheduler) sortQueueLocked() {
	slices.SortFunc(s.queue, func(a, b *domain.BuildRequest) int {
		if a.Priority != b.Priority {
			return b.Priority - a.Priority
		}
		return cmp.Compare(a.Sequence, b.Sequence)
	})
}

// restore puts req back in the queue with its original sequence.
func (s *Scheduler) restore(req *domain.BuildRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, queued := range s.queue {
		if queued.BuildID == req.BuildID {
			return
		}
	}
	s.queue = append(s.queue, req)
	s.sortQueueLocked()
}

// place assigns req to an accepting node, or triggers autoscaling when none exists. It
// returns false when the assignment failed and req went back to the queue.
func (s *Scheduler) place(ctx context.Context, req *domain.BuildRequest) bool {
	arch := domain.ArchitectureForPlatforms(req.Platforms)
	cache, err := s.caches.GetOrCreateCache(ctx, req.ProjectID, arch)
	if err != nil {
		s.logger.Warn("failed to resolve cache", "build_id", req.BuildID, "project_id", req.ProjectID, "error", err)
		return true
	}

	s.mu.Lock()
	if !slices.Contains(s.queue, req) {
		// cancelled since the tick started
		s.mu.Unlock()
		return true
	}
	node := s.acceptingNodeLocked(arch, cache.ID)
	if node != nil {
		node.CurrentBuilds++
		node.LastAssigned = s.now().UTC()
		s.queue = slices.DeleteFunc(s.queue, func(q *domain.BuildRequest) bool { return q == req })
	}
	s.mu.Unlock()

	if node == nil {
		s.maybeScaleUp(ctx, req, arch, cache.ID)
		return true
	}

	if err := s.assign(ctx, req, node.ID); err != nil {
		s.mu.Lock()
		node.Release()
		s.mu.Unlock()
		if errors.Is(err, repository.ErrBuildFinalized) || errors.Is(err, repository.ErrNotFound) {
			s.logger.Info("dropping finished build from queue", "build_id", req.BuildID, "error", err)
			return true
		}
		s.logger.Warn("assignment failed, requeueing", "build_id", req.BuildID, "builder_id", node.ID, "error", err)
		if err := s.store.MarkBuildQueued(ctx, req.BuildID); err != nil {
			if errors.Is(err, repository.ErrBuildFinalized) || errors.Is(err, repository.ErrNotFound) {
				return true
			}
			s.logger.Error("failed to return build to queued", "build_id", req.BuildID, "error", err)
		}
		s.restore(req)
		return false
	}
	s.metrics.BuildAssigned(string(arch))
	s.logger.Info("build assigned", "build_id", req.BuildID, "builder_id", node.ID,
		"architecture", arch, "priority", req.Priority)
	return true
}

func (s *Scheduler) assign(ctx context.Context, req *domain.BuildRequest, builderID string) error {
	if err := s.store.MarkBuildBuilding(ctx, req.BuildID, builderID, nil); err != nil {
		return err
	}
	if s.bus == nil {
		return nil
	}
	return s.bus.Publish(ctx, bus.BuildAssignment{
		BuilderID:   builderID,
		BuildID:     req.BuildID,
		ProjectID:   req.ProjectID,
		BuildConfig: req.BuildConfig,
		Secrets:     req.Secrets,
	})
}

// acceptingNodeLocked returns the first node, in id order, that accepts the build.
func (s *Scheduler) acceptingNodeLocked(arch domain.Architecture, cacheID string) *domain.BuilderNode {
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if n := s.nodes[id]; n.Accepts(arch, cacheID) {
			return n
		}
	}
	return nil
}

// Handle applies bus traffic to the node view.
func (s *Scheduler) Handle(_ context.Context, msg bus.Message) {
	c, ok := msg.(bus.BuildCompleted)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[c.BuilderID]
	if !ok {
		return
	}
	n.Release()
	if n.Status == domain.NodeBusy && n.HasCapacity() {
		n.Status = domain.NodeReady
	}
}

// ListNodes returns copies of every known node ordered by id.
func (s *Scheduler) ListNodes() []domain.BuilderNode {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BuilderNode, 0, len(s.nodes))
	for _, n := range s.nodes {
		out = append(out, n.Clone())
	}
	slices.SortFunc(out, func(a, b domain.BuilderNode) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// RemoveNode forgets a node and announces the scale down.
func (s *Scheduler) RemoveNode(ctx context.Context, builderID string) error {
	s.mu.Lock()
	node, ok := s.nodes[builderID]
	if ok {
		node.Status = domain.NodeTerminating
		delete(s.nodes, builderID)
		delete(s.provisioning, builderID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("builder %s: %w", builderID, repository.ErrNotFound)
	}
	if s.bus != nil {
		err := s.bus.Publish(ctx, bus.BuilderScale{
			Action:       bus.ScaleDown,
			BuilderID:    builderID,
			Architecture: node.Architecture,
		})
		if err != nil {
			return fmt.Errorf("publish scale down: %w", err)
		}
	}
	s.logger.Info("builder removed", "builder_id", builderID)
	return nil
}

// CancelBuild cancels a queued or running build.
func (s *Scheduler) CancelBuild(ctx context.Context, buildID string) (*domain.Build, error) {
	build, err := s.store.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if build.Status.Terminal() {
		return nil, fmt.Errorf("build %s is %s: %w", buildID, build.Status, repository.ErrBuildFinalized)
	}

	s.dequeue(buildID)
	if build.Status == domain.BuildBuilding && s.stopper != nil {
		if _, err := s.stopper.StopBuild(ctx, buildID); err != nil {
			return nil, fmt.Errorf("stop build: %w", err)
		}
	}
	err = s.store.FinishBuild(ctx, buildID, domain.BuildOutcome{
		Status:  domain.BuildCancelled,
		EndedAt: s.now().UTC(),
	})
	if err != nil && !errors.Is(err, repository.ErrBuildFinalized) {
		return nil, fmt.Errorf("mark build cancelled: %w", err)
	}
	s.logger.Info("build cancelled", "build_id", buildID, "previous_status", build.Status)
	return s.store.GetBuildByID(ctx, buildID)
}

// RetryBuild schedules a new build with the configuration of a finished one. Secrets come
// back only when they were sealed with the build; otherwise the retry runs without them.
func (s *Scheduler) RetryBuild(ctx context.Context, buildID string) (*Scheduled, error) {
	build, err := s.store.GetBuildByID(ctx, buildID)
	if err != nil {
		return nil, err
	}
	if !build.Status.Terminal() {
		return nil, fmt.Errorf("%w: build %s is still %s", domain.ErrValidation, buildID, build.Status)
	}
	return s.ScheduleBuild(ctx, domain.BuildRequest{
		ProjectID:   build.ProjectID,
		UserID:      build.UserID,
		BuildConfig: build.Config,
		Secrets:     s.openSecrets(build),
	})
}
