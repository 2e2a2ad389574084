// Package liveness runs the stale-worker sweep in the background.
package liveness

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"time"

	"renderfarm/internal/dispatch"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
)

const DefaultSweepInterval = 30 * time.Second

// ErrAlreadyStarted is returned by a second call to Run.
var ErrAlreadyStarted = stderrors.New("liveness: monitor already started")

// Reclaimer is the part of dispatch.Service the monitor drives.
type Reclaimer interface {
	ReclaimStale(ctx context.Context) ([]dispatch.Reclamation, error)
}

// Monitor periodically takes silent workers offline and requeues their
// tasks. It touches the store only through the Reclaimer's transactions.
type Monitor struct {
	reclaimer Reclaimer
	interval  time.Duration
	log       *logger.Logger

	started atomic.Bool
	done    chan struct{}
}

// NewMonitor returns a Monitor sweeping every interval (DefaultSweepInterval
// when interval <= 0).
func NewMonitor(r Reclaimer, interval time.Duration, log *logger.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Monitor{
		reclaimer: r,
		interval:  interval,
		log:       log.WithComponent("liveness"),
		done:      make(chan struct{}),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
// Sweep errors are logged and do not stop the loop. Run may be called once.
func (m *Monitor) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	defer close(m.done)

	m.log.Info("starting liveness monitor", "interval", m.interval)

	if ctx.Err() != nil {
		return nil
	}
	m.Sweep(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("liveness monitor stopped")
			return nil
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Done is closed when Run returns.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Sweep runs one reclamation pass and returns how many workers were taken
// offline.
func (m *Monitor) Sweep(ctx context.Context) int {
	start := time.Now()
	reclaimed, err := m.reclaimer.ReclaimStale(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0
		}
		if errors.IsConflict(err) {
			m.log.Warn("sweep lost a race, retrying next tick", "error", err.Error())
			return 0
		}
		m.log.LogError(ctx, "liveness sweep failed", err)
		return 0
	}

	requeued := 0
	for _, r := range reclaimed {
		args := []any{"worker_id", r.WorkerID}
		if r.LastHeartbeat != nil {
			args = append(args, "last_heartbeat", r.LastHeartbeat.Format(time.RFC3339Nano))
		}
		if r.TaskID != "" {
			requeued++
			args = append(args, "task_id", r.TaskID)
			m.log.Warn("worker missed heartbeats; task requeued", args...)
			continue
		}
		m.log.Warn("worker missed heartbeats; marked offline", args...)
	}

	m.log.Debug("liveness sweep finished",
		"offline", len(reclaimed),
		"requeued", requeued,
		"duration", time.Since(start),
	)
	return len(reclaimed)
}
