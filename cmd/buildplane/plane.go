package main

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drewstone/docker-builder-platform/internal/domain"
	"github.com/drewstone/docker-builder-platform/internal/executor"
	"github.com/drewstone/docker-builder-platform/internal/host"
	httpx "github.com/drewstone/docker-builder-platform/internal/http"
	"github.com/drewstone/docker-builder-platform/internal/service/builder"
	"github.com/drewstone/docker-builder-platform/internal/service/cache"
	"github.com/drewstone/docker-builder-platform/internal/service/logs"
	"github.com/drewstone/docker-builder-platform/internal/service/project"
	"github.com/drewstone/docker-builder-platform/internal/service/scheduler"
	"github.com/drewstone/docker-builder-platform/internal/ws"
	"github.com/drewstone/docker-builder-platform/pkg/crypto"
	"github.com/drewstone/docker-builder-platform/pkg/jwt"
)

// controlPlane is the API, the scheduler and the cache maintenance loops.
type controlPlane struct {
	inf       *infra
	cache     *cache.Manager
	logs      *logs.Service
	hub       *ws.Hub
	scheduler *scheduler.Scheduler
	router    *httpx.Router
}

// newControlPlane wires the control plane services. stopper may be nil when no builder
// runs in this process.
func newControlPlane(ctx context.Context, inf *infra, caches *cache.Manager, logSvc *logs.Service, hub *ws.Hub, stopper scheduler.Stopper) (*controlPlane, error) {
	if err := caches.Init(ctx); err != nil {
		return nil, err
	}
	sched := scheduler.New(inf.store, inf.bus, inf.snaps, caches, stopper, inf.metrics, inf.log, inf.cfg.Scheduler)
	if key := inf.cfg.API.SecretsKey; key != "" {
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			return nil, err
		}
		sched.SetSealer(sealer)
	} else {
		inf.log.Warn("SECRETS_KEY not set, build secrets are dropped on retry and recovery")
	}
	var tokens httpx.TokenVerifier
	if secret := inf.cfg.API.JWTSecret; secret != "" {
		keys, err := jwt.NewKeyring(secret)
		if err != nil {
			return nil, err
		}
		tokens = keys
	} else {
		inf.log.Warn("JWT_SECRET not set, the API accepts unauthenticated requests")
	}
	router := httpx.NewRouter(inf.log, httpx.Dependencies{
		Projects:  project.New(inf.store, caches, sched, inf.log),
		Builds:    inf.store,
		Scheduler: sched,
		Cache:     caches,
		Logs:      logSvc,
		Metrics:   inf.metrics,
		Tokens:    tokens,
		Checks:    inf.checks,
	})
	return &controlPlane{
		inf:       inf,
		cache:     caches,
		logs:      logSvc,
		hub:       hub,
		scheduler: sched,
		router:    router,
	}, nil
}

// start runs the control plane loops and the HTTP server on g.
func (cp *controlPlane) start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error { return cp.scheduler.Run(ctx, cp.inf.bus) })
	g.Go(func() error { cp.cache.Run(ctx); return nil })
	g.Go(func() error {
		defer cp.hub.Stop()
		srv := &http.Server{
			Addr:              cp.inf.cfg.API.Addr,
			Handler:           cp.router,
			ReadHeaderTimeout: 5 * time.Second,
		}
		return serveHTTP(ctx, srv, cp.inf.cfg.API.ShutdownTimeout, cp.inf.log)
	})
}

// newBuilder detects the host, constructs the Builder Manager and registers the local
// node. The returned func releases the Docker client.
func newBuilder(ctx context.Context, inf *infra, caches *cache.Manager, logSvc *logs.Service) (*builder.Manager, func()) {
	cfg := inf.cfg.Builder
	var (
		src     host.InfoSource
		release = func() {}
	)
	docker, err := host.NewDocker(cfg.DockerHost)
	if err != nil {
		inf.log.Warn("docker client unavailable, using configured resources", "error", err)
	} else {
		src = docker
		release = func() { _ = docker.Close() }
	}
	facts := host.Detect(ctx, src, cfg.ID, domain.Resources{CPUs: cfg.CPUs, MemoryGB: cfg.MemoryGB}, inf.log)

	mgr := builder.New(inf.store, inf.bus, inf.snaps, executor.NewExec(inf.log), caches, logSvc, inf.metrics, inf.log, cfg)
	mgr.RegisterLocal(ctx, facts)
	return mgr, release
}
