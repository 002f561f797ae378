package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"placementflow/config"
	"placementflow/db"
	"placementflow/notify"
	"placementflow/route"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer logger.Sync()

	if err := route.Validate(); err != nil {
		logger.Fatal("route tables invalid", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("bootstrap database pool", zap.Error(err))
	}
	defer pool.Close()

	dispatcher := notify.NewDispatcher(pool, notify.NewLogNotifier(logger), logger)
	dispatcher.Interval = cfg.OutboxInterval
	dispatcher.MaxAttempts = cfg.OutboxMaxAttempts

	logger.Info("placementflow worker ready",
		zap.String("portal_base_url", cfg.PortalBaseURL),
		zap.Duration("outbox_interval", dispatcher.Interval),
		zap.Int("outbox_max_attempts", dispatcher.MaxAttempts))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		logger.Fatal("worker exited", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = lvl
	return cfg.Build()
}
