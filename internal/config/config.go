package config

import (
	"fmt"
	"time"
)

const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

// API configures cmd/api.
type API struct {
	HTTPPort         string
	StoreDriver      string
	DatabaseURL      string
	RedisAddr        string
	RedisPassword    string
	RedisDB          int
	RedisPrefix      string
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	AutoRegister     bool
	ClaimRetries     int
	ShutdownTimeout  time.Duration
}

// LoadAPI reads the API configuration and checks that the selected store
// driver has its connection settings.
func LoadAPI() (API, error) {
	cfg := API{
		HTTPPort:         Env("HTTP_PORT", "8080"),
		StoreDriver:      Env("STORE_DRIVER", DriverMemory),
		DatabaseURL:      Env("DATABASE_URL", ""),
		RedisAddr:        Env("REDIS_ADDR", ""),
		RedisPassword:    Env("REDIS_PASSWORD", ""),
		RedisDB:          IntEnv("REDIS_DB", 0),
		RedisPrefix:      Env("REDIS_PREFIX", "renderfarm"),
		HeartbeatTimeout: DurationEnv("HEARTBEAT_TIMEOUT", 30*time.Second),
		SweepInterval:    DurationEnv("SWEEP_INTERVAL", 30*time.Second),
		AutoRegister:     BoolEnv("AUTO_REGISTER", true),
		ClaimRetries:     IntEnv("CLAIM_RETRIES", 3),
		ShutdownTimeout:  DurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	switch cfg.StoreDriver {
	case DriverMemory:
	case DriverPostgres:
		if cfg.DatabaseURL == "" {
			return cfg, fmt.Errorf("STORE_DRIVER=postgres requires DATABASE_URL")
		}
	case DriverRedis:
		if cfg.RedisAddr == "" {
			return cfg, fmt.Errorf("STORE_DRIVER=redis requires REDIS_ADDR")
		}
	default:
		return cfg, fmt.Errorf("unknown STORE_DRIVER %q (want memory, postgres or redis)", cfg.StoreDriver)
	}
	if cfg.ClaimRetries < 0 {
		cfg.ClaimRetries = 0
	}
	return cfg, nil
}

// Agent configures cmd/worker.
type Agent struct {
	APIBaseURL        string
	WorkerID          string
	RendererBaseURL   string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WorkDir           string
	CleanupLocal      bool
	Storage           Storage
}

// Storage selects where rendered artifacts are uploaded.
type Storage struct {
	Provider           string
	LocalRoot          string
	GDriveClientID     string
	GDriveClientSecret string
	GDriveRefreshToken string
	GDriveFolderID     string
}

const (
	StorageLocalFS = "localfs"
	StorageGDrive  = "gdrive"
)

// LoadAgent reads the worker agent configuration.
func LoadAgent() (Agent, error) {
	cfg := Agent{
		APIBaseURL:        Env("API_BASE_URL", "http://localhost:8080"),
		WorkerID:          Env("WORKER_ID", ""),
		RendererBaseURL:   Env("RENDERER_HTTP_BASEURL", ""),
		PollInterval:      DurationEnv("POLL_INTERVAL", 2*time.Second),
		HeartbeatInterval: DurationEnv("HEARTBEAT_INTERVAL", 10*time.Second),
		WorkDir:           Env("WORK_DIR", "/tmp/renderfarm"),
		CleanupLocal:      BoolEnv("CLEANUP_LOCAL", true),
	}
	if cfg.RendererBaseURL == "" {
		return cfg, fmt.Errorf("missing env: RENDERER_HTTP_BASEURL")
	}

	st, err := LoadStorage()
	if err != nil {
		return cfg, err
	}
	cfg.Storage = st
	return cfg, nil
}

// LoadStorage reads STORAGE_PROVIDER and the settings it needs.
func LoadStorage() (Storage, error) {
	cfg := Storage{
		Provider:           Env("STORAGE_PROVIDER", StorageLocalFS),
		LocalRoot:          Env("STORAGE_LOCAL_ROOT", "/var/lib/renderfarm/artifacts"),
		GDriveClientID:     Env("GDRIVE_CLIENT_ID", ""),
		GDriveClientSecret: Env("GDRIVE_CLIENT_SECRET", ""),
		GDriveRefreshToken: Env("GDRIVE_REFRESH_TOKEN", ""),
		GDriveFolderID:     Env("GDRIVE_FOLDER_ID", ""),
	}

	switch cfg.Provider {
	case StorageLocalFS:
	case StorageGDrive:
		for k, v := range map[string]string{
			"GDRIVE_CLIENT_ID":     cfg.GDriveClientID,
			"GDRIVE_CLIENT_SECRET": cfg.GDriveClientSecret,
			"GDRIVE_REFRESH_TOKEN": cfg.GDriveRefreshToken,
		} {
			if v == "" {
				return cfg, fmt.Errorf("STORAGE_PROVIDER=gdrive requires %s", k)
			}
		}
	default:
		return cfg, fmt.Errorf("unknown STORAGE_PROVIDER %q (want localfs or gdrive)", cfg.Provider)
	}
	return cfg, nil
}
