package main

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drewstone/docker-builder-platform/internal/service/builder"
	"github.com/drewstone/docker-builder-platform/internal/service/cache"
	"github.com/drewstone/docker-builder-platform/internal/service/logs"
)

var builderCmd = &cobra.Command{
	Use:   "builder",
	Short: "Run a Builder Manager that executes assigned builds on this host",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, "builder")
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		inf, err := connect(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer inf.close()

		caches := cache.New(inf.store, inf.objects, inf.snaps, inf.metrics, log, cfg.Cache)
		// Output reaches API followers through the snapshot store.
		logSvc := logs.New(inf.snaps, nil, log, cfg.Builder.LogTTL)
		mgr, release := newBuilder(ctx, inf, caches, logSvc)
		defer release()

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return mgr.Run(ctx, inf.bus) })
		g.Go(func() error {
			srv := &http.Server{
				Addr:              cfg.Builder.Addr,
				Handler:           builderMux(mgr),
				ReadHeaderTimeout: 5 * time.Second,
			}
			return serveHTTP(ctx, srv, cfg.API.ShutdownTimeout, log)
		})
		return g.Wait()
	},
}

// builderMux exposes liveness and metrics of a standalone builder process.
func builderMux(mgr *builder.Manager) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if !mgr.Ready() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready\n"))
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
