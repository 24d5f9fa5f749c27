// Package builder implements the Builder Manager: it owns worker nodes, executes the
// builds assigned to them and keeps their shared snapshots alive.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/bus"
	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/executor"
	"github.com/drewstone/docker-builder-platform/internal/host"
	"github.com/drewstone/docker-builder-platform/internal/metrics"
	"github.com/drewstone/docker-builder-platform/internal/repository"
	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/pkg/config"
)

// Store is the persistence the manager needs.
type Store interface {
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
	MarkBuildBuilding(ctx context.Context, buildID, builderID string, startedAt *time.Time) error
	FinishBuild(ctx context.Context, buildID string, outcome domain.BuildOutcome) error
}

// CacheReporter receives per build cache results and resolves cache ids.
type CacheReporter interface {
	GetOrCreateCache(ctx context.Context, projectID string, arch domain.Architecture) (*domain.Cache, error)
	RecordBuildHits(ctx context.Context, projectID string, arch domain.Architecture, hits, total int) (float64, error)
}

// LogSink receives executor output.
type LogSink interface {
	Append(ctx context.Context, buildID, line string)
	Finish(ctx context.Context, buildID string)
}

// Manager drives owned builder nodes.
type Manager struct {
	store     Store
	bus       bus.Publisher
	snapshots snapshot.Store
	runner    executor.Runner
	cache     CacheReporter
	logs      LogSink
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       config.BuilderConfig

	now func() time.Time

	mu        sync.Mutex
	localArch domain.Architecture
	owned     map[string]*domain.BuilderNode
	remote    map[string]*domain.BuilderNode
	processes map[string]*process

	builds sync.WaitGroup
}

// process is the handle of a running executor invocation.
type process struct {
	builderID string
	cancel    context.CancelFunc
	stopped   bool
}

// New constructs a builder manager. cache, logs and metrics may be nil.
func New(store Store, publisher bus.Publisher, snapshots snapshot.Store, runner executor.Runner, cache CacheReporter, logs LogSink, m *metrics.Metrics, logger *slog.Logger, cfg config.BuilderConfig) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	if cfg.SnapshotTTL <= 0 {
		cfg.SnapshotTTL = time.Minute
	}
	return &Manager{
		store:     store,
		bus:       publisher,
		snapshots: snapshots,
		runner:    runner,
		cache:     cache,
		logs:      logs,
		metrics:   m,
		logger:    logger.With("component", "builder"),
		cfg:       cfg,
		now:       time.Now,
		owned:     make(map[string]*domain.BuilderNode),
		remote:    make(map[string]*domain.BuilderNode),
		processes: make(map[string]*process),
	}
}

// RegisterLocal registers the node representing host capacity and publishes its snapshot.
func (m *Manager) RegisterLocal(ctx context.Context, facts host.Facts) domain.BuilderNode {
	now := m.now().UTC()
	node := &domain.BuilderNode{
		ID:             facts.NodeID,
		Architecture:   facts.Architecture,
		Region:         m.cfg.Region,
		Status:         domain.NodeReady,
		MaxConcurrency: m.cfg.MaxConcurrency,
		CacheVolumes:   []string{},
		LastHeartbeat:  now,
		LastAssigned:   now,
		Resources:      facts.Resources,
	}
	m.mu.Lock()
	m.localArch = facts.Architecture
	m.owned[node.ID] = node
	snap := node.Clone()
	m.mu.Unlock()

	m.publishSnapshot(ctx, snap)
	m.logger.Info("local builder registered", "builder_id", node.ID, "architecture", node.Architecture,
		"cpus", node.Resources.CPUs, "memory_gb", node.Resources.MemoryGB)
	return snap
}

// Nodes returns copies of the owned nodes.
func (m *Manager) Nodes() []domain.BuilderNode {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.BuilderNode, 0, len(m.owned))
	for _, n := range m.owned {
		out = append(out, n.Clone())
	}
	slices.SortFunc(out, func(a, b domain.BuilderNode) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}

// Node returns a copy of an owned or known remote node.
func (m *Manager) Node(id string) (domain.BuilderNode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n, ok := m.owned[id]; ok {
		return n.Clone(), true
	}
	if n, ok := m.remote[id]; ok {
		return n.Clone(), true
	}
	return domain.BuilderNode{}, false
}

// Ready reports whether at least one owned node accepts work.
func (m *Manager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range m.owned {
		if n.Status == domain.NodeReady || n.Status == domain.NodeBusy {
			return true
		}
	}
	return false
}

// Run subscribes to builder traffic and publishes heartbeats until ctx is cancelled. It
// returns after running builds have finished.
func (m *Manager) Run(ctx context.Context, sub bus.Bus) error {
	interval := m.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sub.Subscribe(ctx, m.Handle)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	m.logger.Info("builder manager started", "heartbeat_interval", interval)

	for {
		select {
		case <-ctx.Done():
			m.builds.Wait()
			m.logger.Info("builder manager stopped")
			return nil
		case err := <-errCh:
			if err != nil {
				m.builds.Wait()
				return fmt.Errorf("builder subscription: %w", err)
			}
			errCh = nil
		case <-ticker.C:
			m.Heartbeat(ctx)
		}
	}
}

// Wait blocks until every running build has finished.
func (m *Manager) Wait() {
	m.builds.Wait()
}

// Handle dispatches one bus message. Builds run on their own goroutines.
func (m *Manager) Handle(ctx context.Context, msg bus.Message) {
	switch msg := msg.(type) {
	case bus.BuildAssignment:
		m.handleAssignment(ctx, msg)
	case bus.BuildCompleted:
		m.handleCompletion(msg)
	case bus.BuilderScale:
		m.handleScale(ctx, msg)
	case bus.BuildQueued:
		m.handleQueued(ctx, msg)
	}
}

// Heartbeat refreshes every owned node's snapshot.
func (m *Manager) Heartbeat(ctx context.Context) {
	now := m.now().UTC()
	m.mu.Lock()
	snaps := make([]domain.BuilderNode, 0, len(m.owned))
	for _, n := range m.owned {
		n.LastHeartbeat = now
		snaps = append(snaps, n.Clone())
	}
	m.mu.Unlock()
	for _, n := range snaps {
		m.publishSnapshot(ctx, n)
	}
}

func (m *Manager) handleAssignment(ctx context.Context, a bus.BuildAssignment) {
	m.mu.Lock()
	node, ok := m.owned[a.BuilderID]
	if !ok {
		// Remote workers execute their own assignments; only their load is tracked here.
		if r, known := m.remote[a.BuilderID]; known {
			r.CurrentBuilds++
		}
		m.mu.Unlock()
		return
	}
	reason := ""
	switch {
	case node.Status != domain.NodeReady && node.Status != domain.NodeBusy:
		reason = fmt.Sprintf("builder %s is %s", node.ID, node.Status)
	case !node.HasCapacity():
		reason = fmt.Sprintf("builder %s is at capacity (%d/%d)", node.ID, node.CurrentBuilds, node.MaxConcurrency)
	}
	if reason == "" {
		// Reserve the slot before handing off so concurrent assignments see it.
		m.acquireLocked(node)
		node.LastAssigned = m.now().UTC()
	}
	m.mu.Unlock()

	if reason != "" {
		m.logger.Warn("builder not available for assignment", "build_id", a.BuildID, "builder_id", a.BuilderID, "reason", reason)
		m.reject(ctx, a, reason)
		return
	}

	m.logger.Info("starting build", "build_id", a.BuildID, "builder_id", a.BuilderID)
	m.builds.Add(1)
	go func() {
		defer m.builds.Done()
		if err := m.execute(ctx, a, true); err != nil && !errors.Is(err, ErrStopped) {
			m.logger.Error("build execution failed", "build_id", a.BuildID, "error", err)
		}
	}()
}

// reject records an assignment that could not run and releases the scheduler's slot.
func (m *Manager) reject(ctx context.Context, a bus.BuildAssignment, reason string) {
	err := m.store.FinishBuild(ctx, a.BuildID, domain.BuildOutcome{
		Status:  domain.BuildError,
		EndedAt: m.now().UTC(),
		Error:   reason,
	})
	if err != nil && !errors.Is(err, repository.ErrBuildFinalized) {
		m.logger.Warn("failed to record rejected build", "build_id", a.BuildID, "error", err)
	}
	m.metrics.BuildFinished("rejected", 0)
	m.publishCompleted(ctx, a.BuilderID, a.BuildID)
}

func (m *Manager) handleCompletion(c bus.BuildCompleted) {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Owned nodes release their slot when the build finishes locally.
	if n, ok := m.remote[c.BuilderID]; ok {
		n.Release()
	}
}

func (m *Manager) handleScale(ctx context.Context, s bus.BuilderScale) {
	switch s.Action {
	case bus.ScaleUp:
		m.adopt(ctx, s)
	case bus.ScaleDown:
		m.remove(ctx, s.BuilderID)
	}
}

// adopt takes ownership of a provisioned node of the host architecture. Nodes of another
// architecture are tracked as remote so their completions can be counted.
func (m *Manager) adopt(ctx context.Context, s bus.BuilderScale) {
	if s.BuilderID == "" {
		return
	}
	now := m.now().UTC()
	node := &domain.BuilderNode{
		ID:             s.BuilderID,
		Architecture:   s.Architecture,
		Region:         s.Region,
		Status:         domain.NodeReady,
		MaxConcurrency: s.MaxConcurrency,
		CacheVolumes:   []string{},
		LastHeartbeat:  now,
		LastAssigned:   now,
	}
	if node.MaxConcurrency <= 0 {
		node.MaxConcurrency = m.cfg.MaxConcurrency
	}
	if s.Resources != nil {
		node.Resources = *s.Resources
	}
	node.AttachCache(s.CacheID)

	m.mu.Lock()
	if _, exists := m.owned[node.ID]; exists {
		m.mu.Unlock()
		return
	}
	owned := m.localArch != "" && node.Architecture == m.localArch
	if owned {
		m.owned[node.ID] = node
	} else {
		node.Status = domain.NodeProvisioning
		m.remote[node.ID] = node
	}
	snap := node.Clone()
	m.mu.Unlock()

	if !owned {
		m.logger.Info("tracking remote builder", "builder_id", node.ID, "architecture", node.Architecture)
		return
	}
	m.publishSnapshot(ctx, snap)
	m.logger.Info("builder scaled up", "builder_id", node.ID, "architecture", node.Architecture, "cache_id", s.CacheID)
}

func (m *Manager) remove(ctx context.Context, builderID string) {
	m.mu.Lock()
	node, owned := m.owned[builderID]
	if owned {
		node.Status = domain.NodeTerminating
		delete(m.owned, builderID)
	}
	delete(m.remote, builderID)
	m.mu.Unlock()
	if !owned {
		return
	}
	if m.snapshots != nil {
		if err := m.snapshots.Delete(ctx, snapshot.BuilderKey(builderID)); err != nil {
			m.logger.Warn("failed to delete builder snapshot", "builder_id", builderID, "error", err)
		}
	}
	m.metrics.ForgetBuilder(builderID)
	m.logger.Info("builder scaled down", "builder_id", builderID)
}

// handleQueued mounts the project's cache on owned nodes of the build's architecture that
// lack it, so the scheduler can place the build on host capacity.
func (m *Manager) handleQueued(ctx context.Context, q bus.BuildQueued) {
	if m.cache == nil {
		return
	}
	build, err := m.store.GetBuildByID(ctx, q.BuildID)
	if err != nil {
		m.logger.Debug("queued build not readable", "build_id", q.BuildID, "error", err)
		return
	}
	m.mu.Lock()
	matching := false
	for _, n := range m.owned {
		if n.Architecture == build.BuilderArch {
			matching = true
			break
		}
	}
	m.mu.Unlock()
	if !matching {
		return
	}

	cache, err := m.cache.GetOrCreateCache(ctx, build.ProjectID, build.BuilderArch)
	if err != nil {
		m.logger.Warn("failed to resolve cache for queued build", "build_id", build.ID, "error", err)
		return
	}
	m.mu.Lock()
	var changed []domain.BuilderNode
	for _, n := range m.owned {
		if n.Architecture == build.BuilderArch && !n.HasCache(cache.ID) {
			n.AttachCache(cache.ID)
			changed = append(changed, n.Clone())
		}
	}
	m.mu.Unlock()
	for _, n := range changed {
		m.publishSnapshot(ctx, n)
		m.logger.Info("cache attached", "builder_id", n.ID, "cache_id", cache.ID, "project_id", build.ProjectID)
	}
}

// acquireLocked takes one build slot on node.
func (m *Manager) acquireLocked(node *domain.BuilderNode) {
	node.CurrentBuilds++
	if !node.HasCapacity() {
		node.Status = domain.NodeBusy
	}
	m.metrics.SetCurrentBuilds(node.ID, node.CurrentBuilds)
}

// releaseLocked returns one build slot on node.
func (m *Manager) releaseLocked(node *domain.BuilderNode) {
	node.Release()
	if node.Status == domain.NodeBusy && node.HasCapacity() {
		node.Status = domain.NodeReady
	}
	m.metrics.SetCurrentBuilds(node.ID, node.CurrentBuilds)
}

func (m *Manager) publishSnapshot(ctx context.Context, node domain.BuilderNode) {
	if m.snapshots == nil {
		return
	}
	if err := snapshot.PutJSON(ctx, m.snapshots, snapshot.BuilderKey(node.ID), node, m.cfg.SnapshotTTL); err != nil {
		m.logger.Warn("failed to publish builder snapshot", "builder_id", node.ID, "error", err)
	}
}

func (m *Manager) publishCompleted(ctx context.Context, builderID, buildID string) {
	if m.bus == nil {
		return
	}
	if err := m.bus.Publish(ctx, bus.BuildCompleted{BuilderID: builderID, BuildID: buildID}); err != nil {
		m.logger.Warn("failed to publish completion", "build_id", buildID, "builder_id", builderID, "error", err)
	}
}
