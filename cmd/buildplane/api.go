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

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Run the HTTP API, the scheduler and the cache maintenance loops",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig(cmd, "api")
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
		cp, err := newControlPlane(ctx, inf, caches, logSvc, hub, nil)
		if err != nil {
			return err
		}

		g, ctx := errgroup.WithContext(ctx)
		cp.start(ctx, g)
		return g.Wait()
	},
}
