package main

import (
	"context"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"renderfarm/internal/config"
	"renderfarm/internal/dispatch"
	"renderfarm/internal/httpapi"
	"renderfarm/internal/liveness"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/pkg/shutdown"
	"renderfarm/internal/store"
	"renderfarm/internal/store/memory"
	"renderfarm/internal/store/postgres"
	"renderfarm/internal/store/redis"
)

func main() {
	// Initialize logger
	logCfg := logger.DefaultConfig()
	logCfg.ServiceName = "renderfarm-api"
	log := logger.New(logCfg)

	log.Info("starting render farm API",
		"version", "0.1.0",
	)

	// Load configuration
	cfg, err := config.LoadAPI()
	if err != nil {
		log.LogFatal("invalid configuration", err)
	}

	ctx := context.Background()

	// Initialize shutdown manager
	shutdownMgr := shutdown.NewManager(log, cfg.ShutdownTimeout)

	// Open the task/worker store
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		log.LogFatal("failed to open store", err, "driver", cfg.StoreDriver)
	}
	shutdownMgr.Register("store", func(ctx context.Context) error {
		return st.Close()
	})
	log.Info("store ready", "provider", st.Provider())

	svc := dispatch.New(st, dispatch.Config{
		HeartbeatTimeout: cfg.HeartbeatTimeout,
		AutoRegister:     cfg.AutoRegister,
		ClaimRetries:     cfg.ClaimRetries,
	}, log)

	// Start liveness monitor; it stops as soon as shutdown begins.
	monitor := liveness.NewMonitor(svc, cfg.SweepInterval, log)
	go func() {
		if err := monitor.Run(shutdownMgr.Context()); err != nil && shutdownMgr.Context().Err() == nil {
			log.LogError(ctx, "liveness monitor stopped", err)
		}
	}()
	shutdownMgr.Register("liveness-monitor", func(ctx context.Context) error {
		select {
		case <-monitor.Done():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	log.Info("liveness monitor started",
		"heartbeat_timeout", cfg.HeartbeatTimeout.String(),
		"sweep_interval", cfg.SweepInterval.String(),
	)

	// Create HTTP router
	router := httpapi.NewRouter(httpapi.Deps{
		Service: svc,
		Store:   st,
		Log:     log,
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTPPort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Register server shutdown last so it drains first
	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	// Start server in goroutine
	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.HTTPPort,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	// Wait for shutdown signal
	shutdownMgr.Wait()
}

func openStore(ctx context.Context, cfg config.API, log *logger.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		log.Info("connecting to PostgreSQL")
		pg, err := postgres.Open(ctx, cfg.DatabaseURL, log)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		log.Info("PostgreSQL connected")
		return pg, nil

	case config.DriverRedis:
		log.Info("connecting to Redis")
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		rs := redis.New(rdb, cfg.RedisPrefix, log)
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, err
		}
		log.Info("Redis connected")
		return rs, nil

	default:
		log.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil
	}
}
