// Package worker is the render node agent. It registers with the API,
// heartbeats while alive, and loops requesting, rendering and reporting
// tasks. On shutdown it reports itself Offline so its task is requeued.
package worker

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"

	contracts "renderfarm/internal/contracts/renderer/v0"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/ports"
	"renderfarm/internal/worker/api"
)

const (
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeatInterval = 10 * time.Second

	offlineTimeout = 5 * time.Second
)

func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")

	if d.PollInterval <= 0 {
		d.PollInterval = defaultPollInterval
	}
	if d.HeartbeatInterval <= 0 {
		d.HeartbeatInterval = defaultHeartbeatInterval
	}

	w, err := register(ctx, d.API, d.WorkerID, d.PollInterval, log)
	if err != nil {
		return err
	}
	workerID := w.ID
	log = log.WithWorkerID(workerID)
	d.Log = log
	log.Info("worker registered", "status", w.Status)

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		heartbeat(hbCtx, d.API, workerID, d.HeartbeatInterval, log)
	}()

	defer func() {
		stopHeartbeat()
		<-hbDone
		goOffline(ctx, d.API, workerID, log)
	}()

	for {
		if ctx.Err() != nil {
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		}

		a, err := d.API.RequestTask(ctx, workerID)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			switch {
			case errors.IsNotFound(err):
				// Forgotten by the API (auto-registration disabled); register again.
				if _, rerr := d.API.Register(ctx, workerID); rerr != nil {
					log.Warn("re-register failed", "error", rerr.Error())
				}
			case errors.IsConflict(err):
				// The loop runs one task at a time, so a task the API still
				// binds to us is a leftover from a previous run. Going
				// Offline requeues it; the next request rejoins as Ready.
				log.Warn("api reports a leftover task, releasing it", "error", err.Error())
				if serr := d.API.SetStatus(ctx, workerID, models.WorkerOffline); serr != nil {
					log.Warn("release failed", "error", serr.Error())
					sleep(ctx, d.PollInterval)
				}
				continue
			default:
				log.Warn("task request failed, retrying", "error", err.Error())
			}
			sleep(ctx, d.PollInterval)
			continue
		}

		if !a.Available {
			sleep(ctx, d.PollInterval)
			continue
		}

		taskCtx := logger.ContextWithTaskID(ctx, a.TaskID)
		taskLog := log.WithTaskID(a.TaskID)

		taskLog.Info("processing task", "priority", a.Priority, "attempt", a.Attempts)
		startTime := time.Now()

		if err := process(taskCtx, d, a); err != nil {
			taskLog.Error("task failed",
				"error", err.Error(),
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		} else {
			taskLog.Info("task completed",
				"duration_ms", time.Since(startTime).Milliseconds(),
			)
		}
	}
}

func register(ctx context.Context, client API, workerID string, backoff time.Duration, log *logger.Logger) (*models.Worker, error) {
	for {
		w, err := client.Register(ctx, workerID)
		if err == nil {
			return w, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Warn("register failed, retrying", "error", err.Error())
		sleep(ctx, backoff)
	}
}

func heartbeat(ctx context.Context, client API, workerID string, every time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := client.Heartbeat(ctx, workerID); err != nil && ctx.Err() == nil {
				log.Warn("heartbeat failed", "error", err.Error())
			}
		}
	}
}

// goOffline runs after ctx is canceled, so it gets its own deadline.
func goOffline(ctx context.Context, client API, workerID string, log *logger.Logger) {
	offCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), offlineTimeout)
	defer cancel()

	if err := client.SetStatus(offCtx, workerID, models.WorkerOffline); err != nil {
		log.Warn("failed to report offline", "error", err.Error())
		return
	}
	log.Info("worker offline")
}

// process renders one task, uploads its output and reports the outcome.
// A canceled ctx leaves the task assigned; going Offline requeues it.
func process(ctx context.Context, d Deps, a api.Assignment) error {
	spec := contracts.RenderSpec{
		TaskID:   a.TaskID,
		Priority: string(a.Priority),
		Attempt:  a.Attempts,
	}
	spec.Output.ObjectKey = objectKey(a.TaskID, a.Attempts)

	resultKey, err := renderAndUpload(ctx, d, spec)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if ferr := d.API.Fail(ctx, a.TaskID, err.Error()); ferr != nil {
			return fmt.Errorf("%w (reporting failure: %v)", err, ferr)
		}
		return err
	}

	if err := d.API.Complete(ctx, a.TaskID, resultKey); err != nil {
		return fmt.Errorf("complete: %w", err)
	}
	return nil
}

func renderAndUpload(ctx context.Context, d Deps, spec contracts.RenderSpec) (string, error) {
	res, err := d.Renderer.Render(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("render: %w", err)
	}

	if err := d.API.ReportProgress(ctx, spec.TaskID, 0.9); err != nil {
		d.Log.FromContext(ctx).Warn("progress report failed", "error", err.Error())
	}

	return upload(ctx, d, res)
}

func upload(ctx context.Context, d Deps, res contracts.RenderResult) (string, error) {
	localPath := filepath.Join(d.WorkDir, filepath.FromSlash(res.ObjectKey))
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("render output not found: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", fmt.Errorf("render output: %w", err)
	}

	contentType := res.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(localPath))
	}

	out, err := d.SP.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   res.ObjectKey,
		ContentType: contentType,
		Reader:      f,
		Size:        st.Size(),
	})
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}

	// localfs may share the work directory, so only remote uploads clean up.
	if d.CleanupLocal && d.SP.Provider() != "localfs" {
		_ = os.Remove(localPath)
	}
	return out.ObjectKey, nil
}

func objectKey(taskID string, attempt int) string {
	return fmt.Sprintf("renders/%s/attempt-%d.exr", taskID, attempt)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
