package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/drewstone/docker-builder-platform/internal/service/cache"
	"github.com/drewstone/docker-builder-platform/internal/service/logs"
	"github.com/drewstone/docker-builder-platform/internal/ws"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, the scheduler and a local builder in one process",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, "buildplane")
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
		hub := ws.NewHub()
		logSvc := logs.New(inf.snaps, hub, log, cfg.Builder.LogTTL)
		mgr, release := newBuilder(ctx, inf, caches, logSvc)
		defer release()

		cp, err := newControlPlane(ctx, inf, caches, logSvc, hub, mgr)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return mgr.Run(ctx, inf.bus) })
		cp.start(ctx, g)
		return g.Wait()
	},
}
