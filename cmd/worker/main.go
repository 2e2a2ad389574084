package main

import (
	"context"
	"os/signal"
	"syscall"

	"renderfarm/internal/config"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/storage"
	"renderfarm/internal/worker"
	"renderfarm/internal/worker/api"
	"renderfarm/internal/worker/renderer"
)

func main() {
	logCfg := logger.DefaultConfig()
	logCfg.ServiceName = "renderfarm-worker"
	log := logger.New(logCfg)

	cfg, err := config.LoadAgent()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	deps := worker.Deps{
		API:               api.New(cfg.APIBaseURL),
		Renderer:          renderer.NewHTTPClient(cfg.RendererBaseURL),
		SP:                sp,
		Log:               log,
		WorkerID:          cfg.WorkerID,
		WorkDir:           cfg.WorkDir,
		CleanupLocal:      cfg.CleanupLocal,
		PollInterval:      cfg.PollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}

	log.Info("render worker started", "api", cfg.APIBaseURL)
	if err := worker.Run(ctx, deps); err != nil && ctx.Err() == nil {
		log.LogFatal("worker stopped", err)
	}
	log.Info("render worker stopped")
}
