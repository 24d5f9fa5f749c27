package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drewstone/docker-builder-platform/internal/app/migrate"
	"github.com/drewstone/docker-builder-platform/internal/bus"
	httpx "github.com/drewstone/docker-builder-platform/internal/http"
	"github.com/drewstone/docker-builder-platform/internal/metrics"
	"github.com/drewstone/docker-builder-platform/internal/objectstore"
	"github.com/drewstone/docker-builder-platform/internal/redisutil"
	"github.com/drewstone/docker-builder-platform/internal/repository"
	"github.com/drewstone/docker-builder-platform/internal/repository/memory"
	"github.com/drewstone/docker-builder-platform/internal/repository/postgres"
	"github.com/drewstone/docker-builder-platform/internal/snapshot"
	"github.com/drewstone/docker-builder-platform/pkg/config"
)

// infra holds the connections shared by every long running subcommand.
type infra struct {
	cfg     config.Config
	log     *slog.Logger
	store   repository.Store
	bus     bus.Bus
	snaps   snapshot.Store
	objects objectstore.Store
	metrics *metrics.Metrics
	checks  map[string]httpx.Check
	closers []func()
}

// connect opens the database, the bus, the snapshot store and the object store. The
// memory bus keeps everything in process, which only makes sense for serve.
func connect(ctx context.Context, cfg config.Config, log *slog.Logger) (*infra, error) {
	inf := &infra{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(prometheus.DefaultRegisterer),
		checks:  make(map[string]httpx.Check),
	}
	if err := inf.openStore(ctx); err != nil {
		inf.close()
		return nil, err
	}
	if err := inf.openMessaging(ctx); err != nil {
		inf.close()
		return nil, err
	}
	if err := inf.openObjects(); err != nil {
		inf.close()
		return nil, err
	}
	return inf, nil
}

func (inf *infra) openStore(ctx context.Context) error {
	if inf.cfg.UsesMemoryDatabase() {
		inf.log.Warn("using in-memory repository, state is lost on exit")
		inf.store = memory.New()
		inf.checks["database"] = inf.store.Ping
		return nil
	}
	pool, err := openPool(ctx, inf.cfg, inf.log)
	if err != nil {
		return err
	}
	inf.closers = append(inf.closers, pool.Close)
	inf.store = postgres.New(pool)
	inf.checks["database"] = inf.store.Ping
	return nil
}

// openPool connects to postgres and applies migrations when configured to.
func openPool(ctx context.Context, cfg config.Config, log *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.Postgres.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}
	if !cfg.Postgres.AutoMigrate {
		return pool, nil
	}
	migrator, err := migrate.New(pool, cfg.Postgres.MigrationsDir, log)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("configure migrations: %w", err)
	}
	defer migrator.Close()
	if err := migrator.Up(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func (inf *infra) openMessaging(ctx context.Context) error {
	if inf.cfg.Bus.Backend == config.BusMemory {
		inf.bus = bus.NewMemory()
		inf.snaps = snapshot.NewMemory()
		inf.closers = append(inf.closers, func() { _ = inf.bus.Close() })
		return nil
	}

	client, err := redisutil.Connect(ctx, inf.cfg.Redis)
	if err != nil {
		return err
	}
	inf.closers = append(inf.closers, func() { _ = client.Close() })
	inf.snaps = snapshot.NewRedis(client)
	inf.checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }

	switch inf.cfg.Bus.Backend {
	case config.BusAMQP:
		amqpBus, err := bus.DialAMQP(inf.cfg.Bus.AMQPURL, inf.cfg.Bus.Exchange, inf.log)
		if err != nil {
			return fmt.Errorf("connect to amqp: %w", err)
		}
		inf.bus = amqpBus
	default:
		inf.bus = bus.NewRedis(client, inf.log)
	}
	inf.closers = append(inf.closers, func() { _ = inf.bus.Close() })
	return nil
}

func (inf *infra) openObjects() error {
	if strings.HasPrefix(inf.cfg.ObjectStore.URL, "memory://") {
		inf.objects = objectstore.NewMemory()
		return nil
	}
	store, err := objectstore.NewS3(inf.cfg.ObjectStore.URL, inf.cfg.ObjectStore.Region)
	if err != nil {
		return fmt.Errorf("configure object store: %w", err)
	}
	inf.objects = store
	return nil
}

// close releases connections in reverse order of opening.
func (inf *infra) close() {
	for i := len(inf.closers) - 1; i >= 0; i-- {
		inf.closers[i]()
	}
	inf.closers = nil
}

// serveHTTP runs srv until ctx is cancelled and then shuts it down gracefully.
func serveHTTP(ctx context.Context, srv *http.Server, shutdownTimeout time.Duration, log *slog.Logger) error {
	errorCh := make(chan error, 1)
	go func() {
		log.Info("http server starting", "addr", srv.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("http server stopped", "addr", srv.Addr)
		return nil
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}
}
