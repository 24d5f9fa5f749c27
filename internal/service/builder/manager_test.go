package builder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/drewstone/docker-builder-platform/internal/bus"
	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/executor"
	"github.com/drewstone/docker-builder-platform/internal/host"
	"github.com/drewstone/docker-builder-platform/internal/repository/memory"
	"github.com/drewstone/docker-builder-platform/internal/service/logs"
	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/pkg/config"
)

const buildOutput = `#1 => [internal] load build definition from Dockerfile
#2 => CACHED [2/3] RUN apt-get update
#3 => [3/3] COPY . .
#4 exporting to image sha256:1111111111111111111111111111111111111111111111111111111111111111
#4 size: 2048
`

type fakeCache struct {
	mu      sync.Mutex
	reports []int
	cacheID string
}

func (c *fakeCache) GetOrCreateCache(_ context.Context, projectID string, arch domain.Architecture) (*domain.Cache, error) {
	return &domain.Cache{ID: c.cacheID, ProjectID: projectID, Architecture: arch}, nil
}

func (c *fakeCache) RecordBuildHits(_ context.Context, _ string, _ domain.Architecture, hits, total int) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, hits, total)
	return 0, nil
}

// clockRunner advances the fixture clock while a build runs.
type clockRunner struct {
	inner   executor.Runner
	advance func()
}

func (r clockRunner) Run(ctx context.Context, inv executor.Invocation, onLine executor.LineFunc) (string, error) {
	out, err := r.inner.Run(ctx, inv, onLine)
	r.advance()
	return out, err
}

// hookStore runs afterBuilding once a build has been marked building.
type hookStore struct {
	*memory.Repository
	afterBuilding func(buildID string)
}

func (s *hookStore) MarkBuildBuilding(ctx context.Context, buildID, builderID string, startedAt *time.Time) error {
	if err := s.Repository.MarkBuildBuilding(ctx, buildID, builderID, startedAt); err != nil {
		return err
	}
	s.afterBuilding(buildID)
	return nil
}

type fixture struct {
	mgr    *Manager
	repo   *memory.Repository
	bus    *bus.Memory
	snaps  *snapshot.Memory
	runner *executor.Fake
	cache  *fakeCache
	logs   *logs.Service
	local  domain.BuilderNode

	mu  sync.Mutex
	now time.Time

	completed chan bus.BuildCompleted
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func newFixture(t *testing.T, cfg config.BuilderConfig) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	f := &fixture{
		repo:      memory.New(),
		bus:       bus.NewMemory(),
		snaps:     snapshot.NewMemory(),
		runner:    &executor.Fake{Output: buildOutput},
		cache:     &fakeCache{cacheID: "cache-1"},
		now:       time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC),
		completed: make(chan bus.BuildCompleted, 16),
	}
	f.logs = logs.New(f.snaps, nil, logger, time.Hour)
	if cfg.MaxConcurrency == 0 {
		cfg.MaxConcurrency = 2
	}
	cfg.Region = "local"
	cfg.SnapshotTTL = time.Minute
	runner := clockRunner{inner: f.runner, advance: func() { f.advance(95 * time.Second) }}
	f.mgr = New(f.repo, f.bus, f.snaps, runner, f.cache, f.logs, nil, logger, cfg)
	f.mgr.now = f.clock
	f.snaps.SetClock(f.clock)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		f.mgr.Wait()
	})
	go func() {
		_ = f.bus.Subscribe(ctx, func(_ context.Context, msg bus.Message) {
			if c, ok := msg.(bus.BuildCompleted); ok {
				f.completed <- c
			}
		})
	}()
	waitUntil(t, func() bool { return f.bus.Subscribers() == 1 })

	if err := f.repo.CreateProject(context.Background(), &domain.Project{ID: "p1", Name: "api"}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	f.local = f.mgr.RegisterLocal(context.Background(), host.Facts{
		NodeID:       "local-1",
		Architecture: domain.ArchX86_64,
		Resources:    domain.Resources{CPUs: 4, MemoryGB: 8},
	})
	return f
}

func (f *fixture) queue(t *testing.T, id string) bus.BuildAssignment {
	t.Helper()
	cfg := domain.BuildConfig{Platforms: []string{"linux/amd64"}, Tags: []string{"app:" + id}}
	build := &domain.Build{ID: id, ProjectID: "p1", Status: domain.BuildQueued, Config: cfg, BuilderArch: domain.ArchX86_64}
	if err := f.repo.CreateBuild(context.Background(), build); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return bus.BuildAssignment{BuilderID: f.local.ID, BuildID: id, ProjectID: "p1", BuildConfig: cfg, Secrets: map[string]string{"token": "s3cr3t"}}
}

func (f *fixture) build(t *testing.T, id string) *domain.Build {
	t.Helper()
	b, err := f.repo.GetBuildByID(context.Background(), id)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return b
}

func (f *fixture) expectCompleted(t *testing.T, buildID string) {
	t.Helper()
	select {
	case c := <-f.completed:
		if c.BuildID != buildID || c.BuilderID != f.local.ID {
			t.Fatalf("unexpected completion %+v", c)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no completion published for %s", buildID)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met in time")
}

func TestRegisterLocalPublishesSnapshot(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	var node domain.BuilderNode
	if err := snapshot.GetJSON(context.Background(), f.snaps, snapshot.BuilderKey("local-1"), &node); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if node.Status != domain.NodeReady || node.MaxConcurrency != 2 || node.Region != "local" {
		t.Fatalf("unexpected snapshot %+v", node)
	}
	if ttl := f.snaps.TTL(snapshot.BuilderKey("local-1")); ttl != time.Minute {
		t.Fatalf("expected 60s ttl, got %s", ttl)
	}
	if !f.mgr.Ready() {
		t.Fatalf("expected manager ready")
	}
}

func TestExecuteBuildSuccess(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{Executor: "buildctl", BuildkitHost: "tcp://buildkitd:1234"})
	a := f.queue(t, "b1")

	if err := f.mgr.ExecuteBuild(context.Background(), a); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	b := f.build(t, "b1")
	if b.Status != domain.BuildSuccess {
		t.Fatalf("expected success, got %s (%s)", b.Status, b.Error)
	}
	if b.DurationSeconds != 95 || b.BillableMinutes != 2 {
		t.Fatalf("expected 95s and 2 billable minutes, got %d and %d", b.DurationSeconds, b.BillableMinutes)
	}
	if b.CacheHitRate != 1.0/3.0 || b.CacheSavedSeconds != 2 {
		t.Fatalf("unexpected cache figures %v %d", b.CacheHitRate, b.CacheSavedSeconds)
	}
	if b.SizeBytes != 2048 || !strings.HasPrefix(b.Digest, "sha256:1111") {
		t.Fatalf("unexpected image facts %q %d", b.Digest, b.SizeBytes)
	}
	if b.StartedAt == nil || b.EndedAt == nil || b.BuilderID != "local-1" {
		t.Fatalf("expected timestamps and builder id, got %+v", b)
	}

	node, _ := f.mgr.Node("local-1")
	if node.CurrentBuilds != 0 {
		t.Fatalf("expected slot released, got %d", node.CurrentBuilds)
	}
	if f.mgr.Running("b1") {
		t.Fatalf("expected process handle removed")
	}
	f.expectCompleted(t, "b1")

	if got := f.cache.reports; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("expected cache report 1/3, got %v", got)
	}

	calls := f.runner.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected one executor call, got %d", len(calls))
	}
	if strings.Contains(calls[0].String(), "s3cr3t") {
		t.Fatalf("secret leaked into command line")
	}

	lines, _ := f.logs.Lines(context.Background(), "b1")
	if len(lines) != 5 {
		t.Fatalf("expected 5 stored log lines, got %d", len(lines))
	}
}

func TestExecuteBuildFailureReleasesSlot(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	f.runner.Err = errors.New("exit status 1")
	a := f.queue(t, "b1")

	err := f.mgr.ExecuteBuild(context.Background(), a)
	if !errors.Is(err, domain.ErrExecution) {
		t.Fatalf("expected ErrExecution, got %v", err)
	}
	b := f.build(t, "b1")
	if b.Status != domain.BuildError || b.Error == "" || b.EndedAt == nil || b.DurationSeconds != 95 {
		t.Fatalf("unexpected failed build %+v", b)
	}
	node, _ := f.mgr.Node("local-1")
	if node.CurrentBuilds != 0 {
		t.Fatalf("expected slot released, got %d", node.CurrentBuilds)
	}
	f.expectCompleted(t, "b1")
	if len(f.cache.reports) != 0 {
		t.Fatalf("failed builds must not report cache hits")
	}
}

func TestStopBuild(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	f.runner.Gate = make(chan struct{})
	a := f.queue(t, "b1")

	f.mgr.Handle(context.Background(), a)
	waitUntil(t, func() bool { return f.mgr.Running("b1") })

	stopped, err := f.mgr.StopBuild(context.Background(), "b1")
	if err != nil || !stopped {
		t.Fatalf("expected build stopped, got %v %v", stopped, err)
	}
	f.mgr.Wait()

	b := f.build(t, "b1")
	if b.Status != domain.BuildCancelled || b.EndedAt == nil {
		t.Fatalf("expected cancelled build, got %+v", b)
	}
	node, _ := f.mgr.Node("local-1")
	if node.CurrentBuilds != 0 {
		t.Fatalf("expected slot released, got %d", node.CurrentBuilds)
	}
	f.expectCompleted(t, "b1")

	stopped, err = f.mgr.StopBuild(context.Background(), "b1")
	if err != nil || stopped {
		t.Fatalf("expected second stop to be a no-op, got %v %v", stopped, err)
	}
}

func TestStopBeforeExecutionStartsSkipsRun(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	a := f.queue(t, "b1")
	var stopped bool
	f.mgr.store = &hookStore{Repository: f.repo, afterBuilding: func(buildID string) {
		var err error
		stopped, err = f.mgr.StopBuild(context.Background(), buildID)
		if err != nil {
			t.Errorf("didn't want %q", err)
		}
	}}

	if err := f.mgr.ExecuteBuild(context.Background(), a); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if !stopped {
		t.Fatalf("expected stop to find the pending run")
	}
	if len(f.runner.Calls()) != 0 {
		t.Fatalf("executor must not run for a stopped build")
	}
	if b := f.build(t, "b1"); b.Status != domain.BuildCancelled {
		t.Fatalf("expected cancelled build, got %s", b.Status)
	}
	f.expectCompleted(t, "b1")
}

func TestAssignmentAtCapacityIsRejected(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{MaxConcurrency: 1})
	f.runner.Gate = make(chan struct{})
	first := f.queue(t, "b1")
	second := f.queue(t, "b2")

	f.mgr.Handle(context.Background(), first)
	waitUntil(t, func() bool { return f.mgr.Running("b1") })
	node, _ := f.mgr.Node("local-1")
	if node.Status != domain.NodeBusy {
		t.Fatalf("expected busy node, got %s", node.Status)
	}

	f.mgr.Handle(context.Background(), second)
	b := f.build(t, "b2")
	if b.Status != domain.BuildError || !strings.Contains(b.Error, "capacity") {
		t.Fatalf("expected capacity rejection, got %+v", b)
	}
	f.expectCompleted(t, "b2")

	close(f.runner.Gate)
	f.mgr.Wait()
	f.expectCompleted(t, "b1")
	node, _ = f.mgr.Node("local-1")
	if node.Status != domain.NodeReady || node.CurrentBuilds != 0 {
		t.Fatalf("expected ready idle node, got %+v", node)
	}
}

func TestAssignmentSkipsFinalizedBuild(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	a := f.queue(t, "b1")
	_ = f.repo.FinishBuild(context.Background(), "b1", domain.BuildOutcome{Status: domain.BuildCancelled, EndedAt: f.clock()})

	if err := f.mgr.ExecuteBuild(context.Background(), a); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if len(f.runner.Calls()) != 0 {
		t.Fatalf("executor must not run for a finalized build")
	}
	f.expectCompleted(t, "b1")
}

func TestBuildTimeout(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{DefaultBuildTimeout: 50 * time.Millisecond})
	f.runner.Gate = make(chan struct{})
	a := f.queue(t, "b1")

	err := f.mgr.ExecuteBuild(context.Background(), a)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	b := f.build(t, "b1")
	if b.Status != domain.BuildError || !strings.Contains(b.Error, "timed out") {
		t.Fatalf("expected timeout failure, got %+v", b)
	}
}

func TestAssignmentForUnknownNodeIsIgnored(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	a := f.queue(t, "b1")
	a.BuilderID = "someone-else"
	f.mgr.Handle(context.Background(), a)
	if f.build(t, "b1").Status != domain.BuildQueued {
		t.Fatalf("expected build untouched")
	}
}

func TestScaleUpAdoptsHostArchitecture(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	ctx := context.Background()

	f.mgr.Handle(ctx, bus.BuilderScale{
		Action: bus.ScaleUp, BuilderID: "scaled-1", Architecture: domain.ArchX86_64,
		CacheID: "cache-9", MaxConcurrency: 5, Resources: &domain.Resources{CPUs: 16, MemoryGB: 32},
	})
	node, ok := f.mgr.Node("scaled-1")
	if !ok || node.Status != domain.NodeReady || !node.HasCache("cache-9") || node.MaxConcurrency != 5 {
		t.Fatalf("unexpected adopted node %+v", node)
	}
	if _, err := f.snaps.Get(ctx, snapshot.BuilderKey("scaled-1")); err != nil {
		t.Fatalf("expected snapshot for adopted node, got %v", err)
	}

	f.mgr.Handle(ctx, bus.BuilderScale{Action: bus.ScaleDown, BuilderID: "scaled-1"})
	if _, ok := f.mgr.Node("scaled-1"); ok {
		t.Fatalf("expected node removed")
	}
	if _, err := f.snaps.Get(ctx, snapshot.BuilderKey("scaled-1")); !errors.Is(err, snapshot.ErrNotFound) {
		t.Fatalf("expected snapshot deleted, got %v", err)
	}
}

func TestRemoteNodeLoadTracking(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	ctx := context.Background()
	f.mgr.Handle(ctx, bus.BuilderScale{Action: bus.ScaleUp, BuilderID: "arm-1", Architecture: domain.ArchARM64})

	f.mgr.Handle(ctx, bus.BuildAssignment{BuilderID: "arm-1", BuildID: "x"})
	node, _ := f.mgr.Node("arm-1")
	if node.CurrentBuilds != 1 {
		t.Fatalf("expected 1 remote build, got %d", node.CurrentBuilds)
	}
	f.mgr.Handle(ctx, bus.BuildCompleted{BuilderID: "arm-1"})
	f.mgr.Handle(ctx, bus.BuildCompleted{BuilderID: "arm-1"})
	node, _ = f.mgr.Node("arm-1")
	if node.CurrentBuilds != 0 {
		t.Fatalf("expected counter floored at 0, got %d", node.CurrentBuilds)
	}
	if len(f.mgr.Nodes()) != 1 {
		t.Fatalf("remote nodes must not be listed as owned")
	}
}

func TestQueuedBuildAttachesCacheToLocalNode(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	f.queue(t, "b1")
	f.mgr.Handle(context.Background(), bus.BuildQueued{BuildID: "b1", ProjectID: "p1"})

	node, _ := f.mgr.Node("local-1")
	if !node.HasCache("cache-1") {
		t.Fatalf("expected cache attached, got %v", node.CacheVolumes)
	}
	var snap domain.BuilderNode
	_ = snapshot.GetJSON(context.Background(), f.snaps, snapshot.BuilderKey("local-1"), &snap)
	if !snap.HasCache("cache-1") {
		t.Fatalf("expected snapshot to carry the cache volume")
	}
}

func TestHeartbeatRefreshesSnapshot(t *testing.T) {
	f := newFixture(t, config.BuilderConfig{})
	f.advance(30 * time.Second)
	f.mgr.Heartbeat(context.Background())

	var snap domain.BuilderNode
	if err := snapshot.GetJSON(context.Background(), f.snaps, snapshot.BuilderKey("local-1"), &snap); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if !snap.LastHeartbeat.Equal(f.clock()) {
		t.Fatalf("expected heartbeat %s, got %s", f.clock(), snap.LastHeartbeat)
	}
}
