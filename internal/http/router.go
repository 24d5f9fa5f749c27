package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/metrics"
	cachesvc "github.com/drewstone/docker-builder-platform/internal/service/cache"
	"github.com/drewstone/docker-builder-platform/internal/service/logs"
	"github.com/drewstone/docker-builder-platform/internal/service/project"
	"github.com/drewstone/docker-builder-platform/internal/service/scheduler"
	"github.com/drewstone/docker-builder-platform/internal/ws"
)

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 1 << 20
	maxEntryBytes      = 1 << 30
)

// Projects manages project configuration.
type Projects interface {
	Create(ctx context.Context, input project.CreateInput) (*domain.Project, error)
	Get(ctx context.Context, projectID string) (*domain.Project, error)
	List(ctx context.Context) ([]domain.Project, error)
	UpdateSettings(ctx context.Context, projectID string, input project.SettingsInput) (*domain.Project, error)
	Delete(ctx context.Context, projectID string) error
	Usage(ctx context.Context, projectID string, days int) (*project.Usage, error)
	ListBuilds(ctx context.Context, projectID, status string, limit, offset int) (*project.BuildPage, error)
}

// Builds reads persisted builds.
type Builds interface {
	GetBuildByID(ctx context.Context, buildID string) (*domain.Build, error)
}

// Scheduler accepts, cancels and retries builds and exposes the node view.
type Scheduler interface {
	ScheduleBuild(ctx context.Context, req domain.BuildRequest) (*scheduler.Scheduled, error)
	CancelBuild(ctx context.Context, buildID string) (*domain.Build, error)
	RetryBuild(ctx context.Context, buildID string) (*scheduler.Scheduled, error)
	ListNodes() []domain.BuilderNode
	RemoveNode(ctx context.Context, builderID string) error
	Stats() scheduler.Stats
}

// Cache exposes per project cache maintenance.
type Cache interface {
	GetCacheStats(ctx context.Context, projectID string) (*domain.CacheStats, error)
	ResetCache(ctx context.Context, projectID string) error
	PruneCache(ctx context.Context, projectID string, targetGB float64) (float64, error)
	StoreCacheEntry(ctx context.Context, projectID string, arch domain.Architecture, key string, payload []byte, meta domain.CacheEntryMetadata) (*domain.CacheEntry, error)
	RetrieveCacheEntry(ctx context.Context, projectID string, arch domain.Architecture, key string) (io.ReadCloser, *domain.CacheEntry, error)
}

// Logs serves build output.
type Logs interface {
	Lines(ctx context.Context, buildID string) ([]logs.Line, error)
	Hub() *ws.Hub
}

// Check reports the health of one dependency.
type Check func(ctx context.Context) error

// Dependencies are the services the router exposes.
type Dependencies struct {
	Projects  Projects
	Builds    Builds
	Scheduler Scheduler
	Cache     Cache
	Logs      Logs
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	// Tokens authenticates requests; nil disables authentication.
	Tokens TokenVerifier
	// Checks back /health/ready, keyed by component name.
	Checks map[string]Check
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux       *http.ServeMux
	logger    *slog.Logger
	projects  Projects
	builds    Builds
	scheduler Scheduler
	cache     Cache
	logs      Logs
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	tokens    TokenVerifier
	checks    map[string]Check
	upgrader  websocket.Upgrader
	now       func() time.Time
}

// NewRouter assembles routes with dependencies.
func NewRouter(logger *slog.Logger, deps Dependencies) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:       http.NewServeMux(),
		logger:    logger.With("component", "http"),
		projects:  deps.Projects,
		builds:    deps.Builds,
		scheduler: deps.Scheduler,
		cache:     deps.Cache,
		logs:      deps.Logs,
		metrics:   deps.Metrics,
		gatherer:  deps.Gatherer,
		tokens:    deps.Tokens,
		checks:    deps.Checks,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
	if r.gatherer == nil {
		r.gatherer = prometheus.DefaultGatherer
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) register() {
	r.mux.HandleFunc("/healthz", r.audit("/healthz", r.handleHealthz))
	r.mux.HandleFunc("/health/live", r.audit("/health/live", r.handleLive))
	r.mux.HandleFunc("/health/ready", r.audit("/health/ready", r.handleReady))
	r.mux.Handle("/metrics", promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{}))
	r.mux.HandleFunc("/projects", r.audit("/projects", r.authenticate(r.handleProjects)))
	r.mux.HandleFunc("/projects/", r.audit("/projects/{id}", r.authenticate(r.handleProjectSubroutes)))
	r.mux.HandleFunc("/builds", r.audit("/builds", r.authenticate(r.handleBuilds)))
	r.mux.HandleFunc("/builds/", r.audit("/builds/{id}", r.authenticate(r.handleBuildSubroutes)))
	r.mux.HandleFunc("/builders", r.audit("/builders", r.authenticate(r.handleBuilders)))
	r.mux.HandleFunc("/builders/", r.audit("/builders/{id}", r.authenticate(r.handleBuilder)))
	r.mux.HandleFunc("/scheduler/metrics", r.audit("/scheduler/metrics", r.authenticate(r.handleSchedulerMetrics)))
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodPost:
		var payload project.CreateInput
		if !decodeBody(w, req, &payload) {
			return
		}
		proj, err := r.projects.Create(req.Context(), payload)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	case http.MethodGet:
		projects, err := r.projects.List(req.Context())
		if err != nil {
			writeServiceError(w, err)
			return
		}
		if projects == nil {
			projects = []domain.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "settings":
		r.handleProjectSettings(w, req, projectID)
	case len(parts) == 2 && parts[1] == "usage":
		r.handleProjectUsage(w, req, projectID)
	case len(parts) == 2 && parts[1] == "builds":
		r.handleProjectBuilds(w, req, projectID)
	case len(parts) == 2 && parts[1] == "cache":
		r.handleCacheStats(w, req, projectID)
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "reset":
		r.handleCacheReset(w, req, projectID)
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "prune":
		r.handleCachePrune(w, req, projectID)
	case len(parts) >= 5 && parts[1] == "cache" && parts[3] == "entries":
		r.handleCacheEntry(w, req, projectID, parts[2], strings.Join(parts[4:], "/"))
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	switch req.Method {
	case http.MethodGet:
		proj, err := r.projects.Get(req.Context(), projectID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, proj)
	case http.MethodDelete:
		if !r.allowOperator(w, req) {
			return
		}
		if err := r.projects.Delete(req.Context(), projectID); err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSettings(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPatch {
		r.methodNotAllowed(w)
		return
	}
	var payload project.SettingsInput
	if !decodeBody(w, req, &payload) {
		return
	}
	proj, err := r.projects.UpdateSettings(req.Context(), projectID, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (r *Router) handleProjectUsage(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	days := 0
	if raw := req.URL.Query().Get("days"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "days must be an integer")
			return
		}
		days = parsed
	}
	usage, err := r.projects.Usage(req.Context(), projectID, days)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

func (r *Router) handleProjectBuilds(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	query := req.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	page, err := r.projects.ListBuilds(req.Context(), projectID, query.Get("status"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (r *Router) handleCacheStats(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	stats, err := r.cache.GetCacheStats(req.Context(), projectID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (r *Router) handleCacheReset(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	if !r.allowOperator(w, req) {
		return
	}
	if err := r.cache.ResetCache(req.Context(), projectID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (r *Router) handleCachePrune(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		TargetSizeGB float64 `json:"targetSizeGB"`
	}
	// An empty body prunes to the configured target.
	err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxBodyBytes)).Decode(&payload)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if payload.TargetSizeGB < 0 {
		writeError(w, http.StatusBadRequest, "targetSizeGB must not be negative")
		return
	}
	freed, err := r.cache.PruneCache(req.Context(), projectID, payload.TargetSizeGB)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]float64{"prunedGB": freed})
}

// handleCacheEntry stores and serves raw cache content addressed by key.
func (r *Router) handleCacheEntry(w http.ResponseWriter, req *http.Request, projectID, rawArch, key string) {
	arch, ok := domain.ParseArchitecture(rawArch)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown architecture")
		return
	}
	if _, err := r.projects.Get(req.Context(), projectID); err != nil {
		writeServiceError(w, err)
		return
	}
	switch req.Method {
	case http.MethodPut:
		payload, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxEntryBytes))
		if err != nil {
			writeError(w, http.StatusRequestEntityTooLarge, "cache entry too large")
			return
		}
		meta := domain.CacheEntryMetadata{
			BuildID: req.URL.Query().Get("buildId"),
			Command: req.Header.Get("X-Cache-Command"),
		}
		entry, err := r.cache.StoreCacheEntry(req.Context(), projectID, arch, key, payload, meta)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, entry)
	case http.MethodGet:
		body, entry, err := r.cache.RetrieveCacheEntry(req.Context(), projectID, arch, key)
		if errors.Is(err, cachesvc.ErrMiss) {
			writeError(w, http.StatusNotFound, "cache miss")
			return
		}
		if err != nil {
			writeServiceError(w, err)
			return
		}
		defer body.Close()
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(entry.SizeBytes, 10))
		w.Header().Set("X-Cache-Digest", entry.Digest)
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, body); err != nil {
			r.logger.Warn("failed to stream cache entry", "project_id", projectID, "key", key, "error", err)
		}
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleBuilds(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload domain.BuildRequest
	if !decodeBody(w, req, &payload) {
		return
	}
	if p, ok := principalFrom(req.Context()); ok {
		payload.UserID = p.UserID
	}
	res, err := r.scheduler.ScheduleBuild(req.Context(), payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduledResponse(res))
}

func scheduledResponse(res *scheduler.Scheduled) map[string]any {
	return map[string]any{
		"build":                res.Build,
		"position":             res.Position,
		"estimatedWaitSeconds": int(res.EstimatedWait / time.Second),
	}
}

func (r *Router) handleBuildSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/builds/"), "/")
	parts := strings.Split(trimmed, "/")
	buildID := parts[0]
	if buildID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleBuild(w, req, buildID)
	case len(parts) == 2 && parts[1] == "retry":
		r.handleRetry(w, req, buildID)
	case len(parts) == 2 && parts[1] == "logs":
		r.handleBuildLogs(w, req, buildID)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "ws":
		r.handleLogsWS(w, req, buildID)
	case len(parts) == 3 && parts[1] == "logs" && parts[2] == "stream":
		r.handleLogsStream(w, req, buildID)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleBuild(w http.ResponseWriter, req *http.Request, buildID string) {
	switch req.Method {
	case http.MethodGet:
		build, err := r.builds.GetBuildByID(req.Context(), buildID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, build)
	case http.MethodDelete:
		build, err := r.scheduler.CancelBuild(req.Context(), buildID)
		if err != nil {
			writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, build)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleRetry(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	res, err := r.scheduler.RetryBuild(req.Context(), buildID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, scheduledResponse(res))
}

func (r *Router) handleBuildLogs(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if _, err := r.builds.GetBuildByID(req.Context(), buildID); err != nil {
		writeServiceError(w, err)
		return
	}
	lines, err := r.logs.Lines(req.Context(), buildID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lines)
}

func (r *Router) handleLogsWS(w http.ResponseWriter, req *http.Request, buildID string) {
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming unavailable")
		return
	}
	after := ws.LastEventID(req)
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	socket := ws.NewSocket(conn, r.logger)
	defer socket.Close()
	r.replay(req.Context(), buildID, after, socket)
	hub.Register(buildID, socket)
	defer hub.Unregister(buildID, socket)
	socket.Keepalive()
}

func (r *Router) handleLogsStream(w http.ResponseWriter, req *http.Request, buildID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	hub := r.logs.Hub()
	if hub == nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming unavailable")
		return
	}
	stream, err := ws.NewEventStream(w)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "log streaming unavailable")
		return
	}
	r.replay(req.Context(), buildID, ws.LastEventID(req), stream)
	hub.Register(buildID, stream)
	defer hub.Unregister(buildID, stream)

	ticker := time.NewTicker(sseHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-req.Context().Done():
			stream.Close()
			return
		case <-stream.Done():
			return
		case <-ticker.C:
			if err := stream.Heartbeat(); err != nil {
				return
			}
		}
	}
}

// replay sends the output after line seq after to a new follower.
func (r *Router) replay(ctx context.Context, buildID string, after int, sub ws.Subscriber) {
	lines, err := r.logs.Lines(ctx, buildID)
	if err != nil {
		r.logger.Warn("failed to load build logs", "build_id", buildID, "error", err)
		return
	}
	for _, line := range lines {
		if line.Seq <= after {
			continue
		}
		payload, err := logs.MarshalLine(line)
		if err != nil {
			continue
		}
		if err := sub.Send(ws.Frame{ID: line.Seq, Data: payload}); err != nil {
			return
		}
	}
}

func (r *Router) handleBuilders(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.scheduler.ListNodes())
}

func (r *Router) handleBuilder(w http.ResponseWriter, req *http.Request) {
	builderID := strings.Trim(strings.TrimPrefix(req.URL.Path, "/builders/"), "/")
	if builderID == "" || strings.Contains(builderID, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	if !r.allowOperator(w, req) {
		return
	}
	if err := r.scheduler.RemoveNode(req.Context(), builderID); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

func (r *Router) handleSchedulerMetrics(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, r.scheduler.Stats())
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any)
	status := "ok"
	if check, ok := r.checks["database"]; ok {
		if err := r.runCheck(req.Context(), check); err != nil {
			status = "degraded"
			components["database"] = map[string]any{"status": "down", "error": err.Error()}
		} else {
			components["database"] = map[string]any{"status": "up"}
		}
	}
	r.writeHealth(w, status, components)
}

func (r *Router) handleLive(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	r.writeHealth(w, "ok", map[string]any{})
}

func (r *Router) handleReady(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	components := make(map[string]any, len(r.checks))
	status := "ok"
	for name, check := range r.checks {
		if err := r.runCheck(req.Context(), check); err != nil {
			status = "degraded"
			components[name] = map[string]any{"status": "down", "error": err.Error()}
			continue
		}
		components[name] = map[string]any{"status": "up"}
	}
	r.writeHealth(w, status, components)
}

func (r *Router) runCheck(parent context.Context, check Check) error {
	ctx, cancel := context.WithTimeout(parent, healthCheckTimeout)
	defer cancel()
	return check(ctx)
}

func (r *Router) writeHealth(w http.ResponseWriter, status string, components map[string]any) {
	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  r.now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, payload)
}

func decodeBody(w http.ResponseWriter, req *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, req.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "request body required")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		ctx := recorder.ctx
		if ctx == nil {
			ctx = req.Context()
		}
		duration := time.Since(start)
		r.metrics.ObserveRequest(req.Method, route, status, duration)

		actor := "anonymous"
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}
		if p, ok := principalFrom(ctx); ok {
			actor = "developer"
			if p.Operator {
				actor = "operator"
			}
			fields = append(fields, "user_id", p.UserID)
		}
		fields = append(fields, "actor", actor)

		switch {
		case status >= http.StatusInternalServerError:
			r.logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			r.logger.Warn("http_request", fields...)
		case strings.HasPrefix(route, "/health"):
			r.logger.Debug("http_request", fields...)
		default:
			r.logger.Info("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	ctx    context.Context
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) SetContext(ctx context.Context) {
	sr.ctx = ctx
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
