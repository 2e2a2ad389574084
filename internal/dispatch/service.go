// Package dispatch implements render task dispatch and the worker
// lifecycle on top of a store.Store. Every operation is one store
// transaction, so the task/worker binding is never observed half written.
package dispatch

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/store"
)

const (
	DefaultHeartbeatTimeout = 30 * time.Second
	DefaultClaimRetries     = 3

	retryBaseDelay = 5 * time.Millisecond
)

// Config tunes a Service. Zero values take defaults.
type Config struct {
	// HeartbeatTimeout is how long a worker may stay silent before it is
	// considered failed.
	HeartbeatTimeout time.Duration
	// AutoRegister lets an unknown worker id register itself on its first
	// task request. When false such a request fails with NotFound.
	AutoRegister bool
	// ClaimRetries bounds retries of a transaction that lost a race.
	ClaimRetries int
	// Clock supplies every timestamp the service writes.
	Clock func() time.Time
	// NewID generates task and worker ids.
	NewID func() string
}

// Service is safe for concurrent use.
type Service struct {
	store store.Store
	cfg   Config
	log   *logger.Logger
}

// New creates a Service. A nil log discards.
func New(st store.Store, cfg Config, log *logger.Logger) *Service {
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.ClaimRetries < 0 {
		cfg.ClaimRetries = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = defaultClock
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Service{store: st, cfg: cfg, log: log.WithComponent("dispatch")}
}

// defaultClock truncates to microseconds, the resolution every store keeps.
func defaultClock() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// HeartbeatTimeout returns the configured liveness window.
func (s *Service) HeartbeatTimeout() time.Duration { return s.cfg.HeartbeatTimeout }

// Store returns the backing store.
func (s *Service) Store() store.Store { return s.store }

func (s *Service) now() time.Time { return s.cfg.Clock() }

// retry runs op until it succeeds, fails with an error op marks as final,
// or ClaimRetries is exhausted. op reports whether its error may be retried.
func (s *Service) retry(ctx context.Context, name string, op func() (retryable bool, err error)) error {
	for attempt := 0; ; attempt++ {
		retryable, err := op()
		if err == nil || !retryable || attempt >= s.cfg.ClaimRetries {
			return err
		}

		delay := retryBaseDelay<<attempt + rand.N(retryBaseDelay)
		s.log.FromContext(ctx).Debug("retrying after conflict",
			"op", name,
			"attempt", attempt+1,
			"delay", delay,
			"error", err.Error(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
}

// storeConflict reports a lost race inside the store, as opposed to a
// conflict the operation raised itself.
func storeConflict(err error, raised bool) bool {
	return !raised && errors.IsConflict(err)
}

// releaseTask detaches t from its worker, if the worker still references it.
func releaseTask(t *models.Task, w *models.Worker, now time.Time) (workerChanged bool) {
	if w != nil && w.CurrentTask == t.ID {
		models.Release(t, w, now)
		return true
	}
	t.AssignedWorker = ""
	t.UpdatedAt = now
	return false
}

// withTask runs fn on a task and the worker it is assigned to, both locked
// in worker-then-task order. The worker is learned from a snapshot read;
// if the assignment moved before the locks were taken the transaction is
// retried. w is nil when the task is unassigned.
func (s *Service) withTask(ctx context.Context, op, taskID string,
	fn func(tx store.Tx, t *models.Task, w *models.Worker) (bool, error),
) error {
	return s.retry(ctx, op, func() (bool, error) {
		snapshot, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return false, err
		}

		var raised, moved bool
		err = s.store.InTx(ctx, func(tx store.Tx) error {
			var w *models.Worker
			if snapshot.AssignedWorker != "" {
				found, err := tx.GetWorker(ctx, snapshot.AssignedWorker)
				if err != nil && !errors.IsNotFound(err) {
					return err
				}
				w = found
			}
			t, err := tx.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			if t.AssignedWorker != snapshot.AssignedWorker {
				moved = true
				return errors.Conflict("task assignment changed concurrently")
			}
			raised, err = fn(tx, t, w)
			return err
		})
		return moved || storeConflict(err, raised), err
	})
}
