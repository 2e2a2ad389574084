package worker

import (
	"context"
	"time"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/ports"
	"renderfarm/internal/worker/api"
	"renderfarm/internal/worker/renderer"
)

// API is the subset of the render farm API the agent drives.
type API interface {
	Register(ctx context.Context, workerID string) (*models.Worker, error)
	RequestTask(ctx context.Context, workerID string) (api.Assignment, error)
	Heartbeat(ctx context.Context, workerID string) error
	SetStatus(ctx context.Context, workerID string, status models.WorkerStatus) error
	ReportProgress(ctx context.Context, taskID string, progress float64) error
	Complete(ctx context.Context, taskID, resultKey string) error
	Fail(ctx context.Context, taskID, reason string) error
}

type Deps struct {
	API      API
	Renderer renderer.Client
	SP       ports.StorageProvider
	Log      *logger.Logger

	// WorkerID is the id to register under. Empty lets the API assign one.
	WorkerID          string
	WorkDir           string
	CleanupLocal      bool
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
}
