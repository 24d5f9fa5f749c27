package httpx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drewstone/docker-builder-platform/internal/bus"
	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/metrics"
	"github.com/drewstone/docker-builder-platform/internal/objectstore"
	"github.com/drewstone/docker-builder-platform/internal/repository/memory"
	"github.com/drewstone/docker-builder-platform/internal/service/cache"
	"github.com/drewstone/docker-builder-platform/internal/service/logs"
	"github.com/drewstone/docker-builder-platform/internal/service/project"
	"github.com/drewstone/docker-builder-platform/internal/service/scheduler"
	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/internal/ws"
	"github.com/drewstone/docker-builder-platform/pkg/api/client"
	"github.com/drewstone/docker-builder-platform/pkg/config"
	jwtpkg "github.com/drewstone/docker-builder-platform/pkg/jwt"
)

type testEnv struct {
	router *Router
	repo   *memory.Repository
	sched  *scheduler.Scheduler
	logs   *logs.Service
	snaps  *snapshot.Memory
	hub    *ws.Hub
	reg    *prometheus.Registry
	keys   *jwtpkg.Keyring
}

func newTestEnv(t *testing.T, secret string, checks map[string]Check) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	env := &testEnv{
		repo:  memory.New(),
		snaps: snapshot.NewMemory(),
		hub:   ws.NewHub(),
		reg:   prometheus.NewRegistry(),
	}
	t.Cleanup(env.hub.Stop)

	m := metrics.New(env.reg)
	caches := cache.New(env.repo, objectstore.NewMemory(), env.snaps, m, logger, config.CacheConfig{DefaultTargetGB: 50})
	env.sched = scheduler.New(env.repo, bus.NewMemory(), env.snaps, caches, nil, m, logger, config.SchedulerConfig{})
	env.logs = logs.New(env.snaps, env.hub, logger, time.Hour)

	var tokens TokenVerifier
	if secret != "" {
		keys, err := jwtpkg.NewKeyring(secret)
		if err != nil {
			t.Fatalf("didn't want %q", err)
		}
		env.keys = keys
		tokens = keys
	}
	env.router = NewRouter(logger, Dependencies{
		Projects:  project.New(env.repo, caches, env.sched, logger),
		Builds:    env.repo,
		Scheduler: env.sched,
		Cache:     caches,
		Logs:      env.logs,
		Metrics:   m,
		Gatherer:  env.reg,
		Tokens:    tokens,
		Checks:    checks,
	})

	if err := env.repo.CreateProject(context.Background(), &domain.Project{ID: "p1", Name: "api"}); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
}

func TestHealthEndpoints(t *testing.T) {
	env := newTestEnv(t, "", map[string]Check{
		"database": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	rr := env.do(t, http.MethodGet, "/healthz", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var health struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	decode(t, rr, &health)
	if health.Status != "ok" || health.Components["database"]["status"] != "up" {
		t.Fatalf("unexpected healthz payload %s", rr.Body.String())
	}

	if rr := env.do(t, http.MethodGet, "/health/live", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/health/ready", "", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
	decode(t, rr, &health)
	if health.Status != "degraded" || health.Components["redis"]["error"] != "connection refused" {
		t.Fatalf("unexpected readiness payload %s", rr.Body.String())
	}

	if rr := env.do(t, http.MethodPost, "/healthz", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
}

func TestProjectRoutes(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rr := env.do(t, http.MethodPost, "/projects", `{"name":"web","autoscaling":true,"cacheStorageTargetGB":{"arm64":20}}`, "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var created domain.Project
	decode(t, rr, &created)
	if created.ID == "" || created.Name != "web" || !created.Autoscaling {
		t.Fatalf("unexpected project %+v", created)
	}
	if created.CacheTargetGB[domain.ArchARM64] != 20 {
		t.Fatalf("expected arm64 target 20, got %+v", created.CacheTargetGB)
	}

	rr = env.do(t, http.MethodGet, "/projects/"+created.ID, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/projects", "", "")
	var list []domain.Project
	decode(t, rr, &list)
	if len(list) != 2 {
		t.Fatalf("expected 2 projects, got %d", len(list))
	}

	if rr := env.do(t, http.MethodPost, "/projects", `{"name":""}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/projects", `{`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects/missing", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects/p1/unknown", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestBuildLifecycleRoutes(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rr := env.do(t, http.MethodPost, "/builds", `{"projectId":"p1","platforms":["linux/arm64"],"tags":["api:1"]}`, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var scheduled struct {
		Build                domain.Build `json:"build"`
		Position             int          `json:"position"`
		EstimatedWaitSeconds int          `json:"estimatedWaitSeconds"`
	}
	decode(t, rr, &scheduled)
	if scheduled.Position != 1 || scheduled.EstimatedWaitSeconds != 5 {
		t.Fatalf("unexpected placement %+v", scheduled)
	}
	if scheduled.Build.Status != domain.BuildQueued || scheduled.Build.BuilderArch != domain.ArchARM64 {
		t.Fatalf("unexpected build %+v", scheduled.Build)
	}
	buildID := scheduled.Build.ID

	rr = env.do(t, http.MethodGet, "/builds/"+buildID, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	if rr := env.do(t, http.MethodPost, "/builds/"+buildID+"/retry", "", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected retry of a queued build to fail with 400, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodDelete, "/builds/"+buildID, "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var cancelled domain.Build
	decode(t, rr, &cancelled)
	if cancelled.Status != domain.BuildCancelled {
		t.Fatalf("expected cancelled build, got %s", cancelled.Status)
	}
	if len(env.sched.Queue()) != 0 {
		t.Fatalf("expected cancelled build to leave the queue")
	}

	if rr := env.do(t, http.MethodDelete, "/builds/"+buildID, "", ""); rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/builds/"+buildID+"/retry", "", "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	decode(t, rr, &scheduled)
	if scheduled.Build.ID == buildID || scheduled.Build.Config.Tags[0] != "api:1" {
		t.Fatalf("unexpected retried build %+v", scheduled.Build)
	}

	rr = env.do(t, http.MethodGet, "/projects/p1/builds?status=cancelled", "", "")
	var page project.BuildPage
	decode(t, rr, &page)
	if page.Total != 1 || page.Builds[0].ID != buildID {
		t.Fatalf("unexpected build page %+v", page)
	}

	if rr := env.do(t, http.MethodPost, "/builds", `{"projectId":"p1"}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPost, "/builds", `{"projectId":"nope","platforms":["linux/amd64"]}`, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/builds/missing", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestCacheRoutes(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rr := env.do(t, http.MethodPost, "/projects/p1/cache/prune", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var pruned map[string]float64
	decode(t, rr, &pruned)
	if pruned["prunedGB"] != 0 {
		t.Fatalf("expected nothing pruned, got %v", pruned)
	}

	if rr := env.do(t, http.MethodPost, "/projects/p1/cache/prune", `{"targetSizeGB":-1}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/projects/p1/cache", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	var stats domain.CacheStats
	decode(t, rr, &stats)
	if len(stats.Architectures) != len(domain.Architectures) || stats.EntryCount != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	if rr := env.do(t, http.MethodPost, "/projects/p1/cache/reset", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects/p1/cache/reset", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects/missing/cache", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestProjectSettingsUsageAndDelete(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rr := env.do(t, http.MethodPatch, "/projects/p1/settings", `{"autoscaling":true,"buildTimeoutMinutes":20,"cacheStorageTargetGB":{"amd64":30}}`, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var proj domain.Project
	decode(t, rr, &proj)
	if !proj.Autoscaling || proj.BuildTimeoutMinutes != 20 || proj.CacheTargetGB[domain.ArchX86_64] != 30 {
		t.Fatalf("unexpected settings %+v", proj)
	}
	if rr := env.do(t, http.MethodPatch, "/projects/p1/settings", `{}`, ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for empty update, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodPatch, "/projects/missing/settings", `{"autoscaling":false}`, ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects/p1/settings", "", ""); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status 405, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodPost, "/builds", `{"projectId":"p1","platforms":["linux/amd64"]}`, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	var scheduled struct {
		Build domain.Build `json:"build"`
	}
	decode(t, rr, &scheduled)

	rr = env.do(t, http.MethodGet, "/projects/p1/usage?days=7", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var usage project.Usage
	decode(t, rr, &usage)
	if usage.Days != 7 || usage.TotalBuilds != 1 || len(usage.Daily) != 1 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if rr := env.do(t, http.MethodGet, "/projects/p1/usage?days=abc", "", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}

	if rr := env.do(t, http.MethodDelete, "/projects/p1", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(env.sched.Queue()) != 0 {
		t.Fatalf("expected the project's queued build to be cancelled")
	}
	if rr := env.do(t, http.MethodGet, "/projects/p1", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 after delete, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/builds/"+scheduled.Build.ID, "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected builds to be removed with the project, got %d", rr.Code)
	}
}

func TestCacheEntryRoutes(t *testing.T) {
	env := newTestEnv(t, "", nil)

	rr := env.do(t, http.MethodPut, "/projects/p1/cache/amd64/entries/deps/node_modules?buildId=b1", "layer-bytes", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	var entry domain.CacheEntry
	decode(t, rr, &entry)
	if entry.Key != "deps/node_modules" || entry.BuildID != "b1" || entry.SizeBytes != int64(len("layer-bytes")) {
		t.Fatalf("unexpected entry %+v", entry)
	}

	rr = env.do(t, http.MethodPut, "/projects/p1/cache/x86_64/entries/alias", "layer-bytes", "")
	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d", rr.Code)
	}
	var alias domain.CacheEntry
	decode(t, rr, &alias)
	if alias.ID != entry.ID {
		t.Fatalf("expected identical content to share an entry, got %s and %s", alias.ID, entry.ID)
	}

	rr = env.do(t, http.MethodGet, "/projects/p1/cache/amd64/entries/alias", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Body.String() != "layer-bytes" || rr.Header().Get("X-Cache-Digest") != entry.Digest {
		t.Fatalf("unexpected blob %q digest %q", rr.Body.String(), rr.Header().Get("X-Cache-Digest"))
	}

	if rr := env.do(t, http.MethodGet, "/projects/p1/cache/amd64/entries/unknown", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 on miss, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects/p1/cache/riscv/entries/alias", "", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400 for unknown architecture, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects/missing/cache/amd64/entries/alias", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404 for unknown project, got %d", rr.Code)
	}

	rr = env.do(t, http.MethodGet, "/projects/p1/cache", "", "")
	var stats domain.CacheStats
	decode(t, rr, &stats)
	if stats.EntryCount != 1 {
		t.Fatalf("expected the stored entry to be counted, got %+v", stats)
	}
}

func TestBuilderRoutes(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()

	node := domain.BuilderNode{
		ID:             "builder-a",
		Architecture:   domain.ArchX86_64,
		Status:         domain.NodeReady,
		MaxConcurrency: 3,
		LastHeartbeat:  time.Now().UTC(),
	}
	if err := snapshot.PutJSON(ctx, env.snaps, snapshot.BuilderKey(node.ID), node, time.Minute); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if err := env.sched.LoadNodes(ctx); err != nil {
		t.Fatalf("didn't want %q", err)
	}

	rr := env.do(t, http.MethodGet, "/builders", "", "")
	var nodes []domain.BuilderNode
	decode(t, rr, &nodes)
	if len(nodes) != 1 || nodes[0].ID != "builder-a" || nodes[0].MaxConcurrency != 3 {
		t.Fatalf("unexpected nodes %+v", nodes)
	}

	rr = env.do(t, http.MethodGet, "/scheduler/metrics", "", "")
	var stats scheduler.Stats
	decode(t, rr, &stats)
	if stats.ReadyNodes != 1 || stats.TotalCapacity != 3 {
		t.Fatalf("unexpected scheduler stats %+v", stats)
	}

	if rr := env.do(t, http.MethodDelete, "/builders/builder-a", "", ""); rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/builders/builder-a", "", ""); rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestAuthRequiredWhenSecretConfigured(t *testing.T) {
	const secret = "test-secret"
	env := newTestEnv(t, secret, nil)

	if rr := env.do(t, http.MethodGet, "/projects", "", ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects", "", "garbage"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/health/live", "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected health to stay public, got %d", rr.Code)
	}

	token, err := env.keys.Mint("user-7", jwtpkg.RoleDeveloper, time.Hour)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	rr := env.do(t, http.MethodPost, "/builds", `{"projectId":"p1","platforms":["linux/amd64"],"userId":"spoofed"}`, token)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", rr.Code, rr.Body.String())
	}
	var scheduled struct {
		Build domain.Build `json:"build"`
	}
	decode(t, rr, &scheduled)
	if scheduled.Build.UserID != "user-7" {
		t.Fatalf("expected user id from token, got %q", scheduled.Build.UserID)
	}
	queue := env.sched.Queue()
	if len(queue) != 1 || queue[0].Priority != 7 {
		t.Fatalf("expected boosted priority for authenticated user, got %+v", queue)
	}

	if rr := env.do(t, http.MethodPost, "/projects/p1/cache/reset", "", token); rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for developer reset, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/builders/arm-1", "", token); rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for developer drain, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodDelete, "/projects/p1", "", token); rr.Code != http.StatusForbidden {
		t.Fatalf("expected status 403 for developer project delete, got %d", rr.Code)
	}
	operator, err := env.keys.Mint("ops-1", jwtpkg.RoleOperator, time.Hour)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if rr := env.do(t, http.MethodPost, "/projects/p1/cache/reset", "", operator); rr.Code != http.StatusOK {
		t.Fatalf("expected status 200 for operator reset, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr := env.do(t, http.MethodDelete, "/builders/arm-1", "", operator); rr.Code != http.StatusNotFound {
		t.Fatalf("expected operator to reach the handler, got %d", rr.Code)
	}
	if rr := env.do(t, http.MethodGet, "/projects?access_token="+operator, "", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected query token accepted, got %d", rr.Code)
	}
}

func TestRequestMetricsRecorded(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.do(t, http.MethodGet, "/builders", "", "")

	rr := env.do(t, http.MethodGet, "/metrics", "", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if !bytes.Contains(rr.Body.Bytes(), []byte(`route="/builders"`)) {
		t.Fatalf("expected request metrics for /builders")
	}
}

func TestBuildLogsAndStream(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()

	res, err := env.sched.ScheduleBuild(ctx, domain.BuildRequest{ProjectID: "p1", BuildConfig: domain.BuildConfig{Platforms: []string{"linux/amd64"}}})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	buildID := res.Build.ID
	env.logs.Append(ctx, buildID, "#1 load build definition")
	env.logs.Append(ctx, buildID, "#2 DONE 0.1s")

	rr := env.do(t, http.MethodGet, "/builds/"+buildID+"/logs", "", "")
	var lines []logs.Line
	decode(t, rr, &lines)
	if len(lines) != 2 || lines[1].Message != "#2 DONE 0.1s" {
		t.Fatalf("unexpected lines %+v", lines)
	}

	srv := httptest.NewServer(env.router)
	defer srv.Close()

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, srv.URL+"/builds/"+buildID+"/logs/stream", nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	next := func() logs.Line {
		t.Helper()
		for {
			raw, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			payload, ok := strings.CutPrefix(strings.TrimSpace(raw), "data: ")
			if !ok {
				continue
			}
			var line logs.Line
			if err := json.Unmarshal([]byte(payload), &line); err != nil {
				t.Fatalf("didn't want %q", err)
			}
			return line
		}
	}
	if first := next(); first.Seq != 1 {
		t.Fatalf("expected backlog first, got %+v", first)
	}
	if second := next(); second.Seq != 2 {
		t.Fatalf("expected second backlog line, got %+v", second)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers(buildID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.logs.Append(ctx, buildID, "#3 exporting layers")
	if live := next(); live.Seq != 3 || live.Message != "#3 exporting layers" {
		t.Fatalf("unexpected live line %+v", live)
	}
}

func TestBuildLogStreamsResumeAndEnd(t *testing.T) {
	env := newTestEnv(t, "", nil)
	ctx := context.Background()
	const buildID = "b-resume"
	for _, msg := range []string{"#1 load", "#2 copy", "#3 run"} {
		env.logs.Append(ctx, buildID, msg)
	}
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/builds/"+buildID+"/logs/ws?lastEventId=2", nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer conn.Close()
	var first logs.Line
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if first.Seq != 3 {
		t.Fatalf("expected websocket replay to resume after seq 2, got %+v", first)
	}

	streamCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, srv.URL+"/builds/"+buildID+"/logs/stream", nil)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	req.Header.Set("Last-Event-ID", "1")
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	readEvent := func() (id, event, data string) {
		t.Helper()
		for {
			raw, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("didn't want %q", err)
			}
			raw = strings.TrimRight(raw, "\n")
			switch {
			case raw == "":
				if data != "" {
					return id, event, data
				}
			case strings.HasPrefix(raw, "id: "):
				id = strings.TrimPrefix(raw, "id: ")
			case strings.HasPrefix(raw, "event: "):
				event = strings.TrimPrefix(raw, "event: ")
			case strings.HasPrefix(raw, "data: "):
				data = strings.TrimPrefix(raw, "data: ")
			}
		}
	}
	if id, _, _ := readEvent(); id != "2" {
		t.Fatalf("expected event stream to resume at id 2, got %q", id)
	}
	if id, _, _ := readEvent(); id != "3" {
		t.Fatalf("expected id 3, got %q", id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Subscribers(buildID) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("followers never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.logs.Finish(ctx, buildID)
	if id, event, data := readEvent(); event != "end" || id != "4" || !strings.Contains(data, `"lines":3`) {
		t.Fatalf("unexpected end event id=%q event=%q data=%q", id, event, data)
	}
	if _, err := reader.ReadString('\n'); !errors.Is(err, io.EOF) {
		t.Fatalf("expected stream closed after end, got %v", err)
	}
	_, last, err := conn.ReadMessage()
	if err != nil || !strings.Contains(string(last), `"lines":3`) {
		t.Fatalf("expected end payload over websocket, got %q %v", last, err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected websocket closed after end, got %v", err)
	}
}

func TestClientRoundTrip(t *testing.T) {
	env := newTestEnv(t, "", nil)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	cli, err := client.New(srv.URL, client.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	ctx := context.Background()

	proj, err := cli.CreateProject(ctx, client.CreateProjectInput{Name: "worker", Region: "eu-central"})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	scheduled, err := cli.CreateBuild(ctx, client.CreateBuildInput{ProjectID: proj.ID, Platforms: []string{"linux/amd64"}})
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if scheduled.Position != 1 {
		t.Fatalf("expected position 1, got %d", scheduled.Position)
	}
	build, err := cli.GetBuild(ctx, scheduled.Build.ID)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if build.ProjectID != proj.ID {
		t.Fatalf("unexpected build %+v", build)
	}
	page, err := cli.ListBuilds(ctx, proj.ID, "", 10, 0)
	if err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if page.Total != 1 || page.Limit != 10 {
		t.Fatalf("unexpected page %+v", page)
	}
	if _, err := cli.CancelBuild(ctx, build.ID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if _, err := cli.RetryBuild(ctx, build.ID); err != nil {
		t.Fatalf("didn't want %q", err)
	}
	if freed, err := cli.PruneCache(ctx, proj.ID, 0); err != nil || freed != 0 {
		t.Fatalf("unexpected prune result %v %v", freed, err)
	}

	_, err = cli.GetProject(ctx, "missing")
	var apiErr client.APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected not found api error, got %v", err)
	}
}
