package dispatch

import (
	"context"
	"time"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/store"
)

// Assignment is the outcome of a task request.
type Assignment struct {
	// Available is false when no pending task existed.
	Available bool
	// WorkerID is the requesting worker, generated when the request
	// carried none.
	WorkerID string
	// Registered reports that the request created the worker.
	Registered bool
	// Task is the claimed task when Available.
	Task *models.Task
}

func (s *Service) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	return s.store.GetWorker(ctx, id)
}

func (s *Service) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	return s.store.ListWorkers(ctx)
}

// RequestTask claims the best pending task for workerID. Unknown or empty
// ids register a new worker when AutoRegister is set. Offline workers
// rejoin as Ready. A worker that still holds an assigned task is refused
// with a conflict.
func (s *Service) RequestTask(ctx context.Context, workerID string) (Assignment, error) {
	var a Assignment
	generated := ""
	if workerID == "" && s.cfg.AutoRegister {
		generated = s.cfg.NewID()
	}

	err := s.retry(ctx, "request_task", func() (bool, error) {
		var busy bool
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			var err error
			a, busy, err = s.claim(ctx, tx, workerID, generated)
			return err
		})
		return storeConflict(err, busy), err
	})
	if err != nil {
		return Assignment{}, err
	}

	log := s.log.FromContext(ctx).WithWorkerID(a.WorkerID)
	if a.Registered {
		log.Info("worker registered on first request")
	}
	if a.Available {
		log.Info("task assigned",
			"task_id", a.Task.ID,
			"priority", a.Task.Priority,
			"attempt", a.Task.Attempts,
		)
	}
	return a, nil
}

func (s *Service) claim(ctx context.Context, tx store.Tx, workerID, generated string) (Assignment, bool, error) {
	now := s.now()
	a := Assignment{WorkerID: workerID}

	var w *models.Worker
	if workerID != "" {
		found, err := tx.GetWorker(ctx, workerID)
		if err != nil && !errors.IsNotFound(err) {
			return a, false, err
		}
		w = found
	}

	if w == nil {
		if !s.cfg.AutoRegister {
			return a, true, errors.NotFound("worker", workerID)
		}
		id := workerID
		if id == "" {
			id = generated
		}
		w = models.NewWorker(id, now)
		if err := tx.CreateWorker(ctx, w); err != nil {
			return a, false, err
		}
		a.WorkerID = id
		a.Registered = true
	}

	if w.CurrentTask != "" {
		held, err := tx.GetTask(ctx, w.CurrentTask)
		switch {
		case err == nil && held.Status == models.TaskAssigned && held.AssignedWorker == w.ID:
			return a, true, errors.Conflict("worker already has an active task").
				WithField("worker_id", w.ID).
				WithField("task_id", held.ID)
		case err != nil && !errors.IsNotFound(err):
			return a, false, err
		}
		w.CurrentTask = ""
	}

	w.Status = models.WorkerReady
	w.Touch(now)

	task, err := tx.NextPending(ctx)
	if err != nil {
		return a, false, err
	}
	if task == nil {
		return a, false, tx.SaveWorker(ctx, w)
	}

	models.Bind(task, w, now)
	if err := tx.SaveTask(ctx, task); err != nil {
		return a, false, err
	}
	if err := tx.SaveWorker(ctx, w); err != nil {
		return a, false, err
	}
	a.Available = true
	a.Task = task
	return a, false, nil
}

// RegisterWorker creates a Ready worker, or refreshes an existing one.
// An Offline worker rejoins as Ready. An empty id is generated. The
// boolean reports whether the worker was created.
func (s *Service) RegisterWorker(ctx context.Context, workerID string) (*models.Worker, bool, error) {
	if workerID == "" {
		workerID = s.cfg.NewID()
	}

	var out *models.Worker
	var created bool
	err := s.retry(ctx, "register_worker", func() (bool, error) {
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			now := s.now()
			w, err := tx.GetWorker(ctx, workerID)
			if errors.IsNotFound(err) {
				w = models.NewWorker(workerID, now)
				created = true
				out = w
				return tx.CreateWorker(ctx, w)
			}
			if err != nil {
				return err
			}
			created = false
			rejoin(w)
			w.Touch(now)
			out = w
			return tx.SaveWorker(ctx, w)
		})
		return errors.IsConflict(err), err
	})
	if err != nil {
		return nil, false, err
	}

	if created {
		s.log.FromContext(ctx).Info("worker registered", "worker_id", workerID)
	}
	return out, created, nil
}

// rejoin moves an Offline worker back to Ready.
func rejoin(w *models.Worker) {
	if w.Status == models.WorkerOffline {
		w.Status = models.WorkerReady
		w.CurrentTask = ""
	}
}

// Heartbeat records that workerID is alive. An Offline worker rejoins as
// Ready without getting its old task back.
func (s *Service) Heartbeat(ctx context.Context, workerID string) (*models.Worker, error) {
	var out *models.Worker
	var rejoined bool
	err := s.retry(ctx, "heartbeat", func() (bool, error) {
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			w, err := tx.GetWorker(ctx, workerID)
			if err != nil {
				return err
			}
			rejoined = w.Status == models.WorkerOffline
			rejoin(w)
			w.Touch(s.now())
			out = w
			return tx.SaveWorker(ctx, w)
		})
		return errors.IsConflict(err), err
	})
	if err != nil {
		return nil, err
	}

	if rejoined {
		s.log.FromContext(ctx).Info("offline worker rejoined", "worker_id", workerID)
	}
	return out, nil
}

// UpdateWorkerStatus sets a worker's status. Offline clears the heartbeat
// and returns any held task to the queue. Ready and Busy refresh the
// heartbeat and must agree with whether the worker holds a task.
func (s *Service) UpdateWorkerStatus(ctx context.Context, workerID, status string) (*models.Worker, error) {
	st, err := models.ParseWorkerStatus(status)
	if err != nil {
		return nil, err
	}

	var out *models.Worker
	var reclaimed string
	err = s.retry(ctx, "update_worker_status", func() (bool, error) {
		var raised bool
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			reclaimed = ""
			now := s.now()
			w, err := tx.GetWorker(ctx, workerID)
			if err != nil {
				return err
			}

			switch st {
			case models.WorkerOffline:
				id, err := s.reclaim(ctx, tx, w, now)
				if err != nil {
					return err
				}
				reclaimed = id
			case models.WorkerReady:
				if w.CurrentTask != "" {
					raised = true
					return errors.Conflict("worker holds a task; complete or fail it first").
						WithField("task_id", w.CurrentTask)
				}
				w.Status = models.WorkerReady
				w.Touch(now)
			case models.WorkerBusy:
				if w.CurrentTask == "" {
					raised = true
					return errors.Conflict("worker holds no task; request one first")
				}
				w.Status = models.WorkerBusy
				w.Touch(now)
			}

			out = w
			return tx.SaveWorker(ctx, w)
		})
		return storeConflict(err, raised), err
	})
	if err != nil {
		return nil, err
	}

	if reclaimed != "" {
		s.log.FromContext(ctx).Warn("worker went offline holding a task",
			"worker_id", workerID,
			"task_id", reclaimed,
		)
	}
	return out, nil
}

// Reclamation records one stale worker taken offline by a sweep.
type Reclamation struct {
	WorkerID      string
	TaskID        string
	LastHeartbeat *time.Time
}

// ReclaimStale takes every worker whose heartbeat is older than
// HeartbeatTimeout offline and returns its task to the queue. createdAt is
// kept, so a reclaimed task resumes its original place in its band.
func (s *Service) ReclaimStale(ctx context.Context) ([]Reclamation, error) {
	var out []Reclamation
	err := s.retry(ctx, "reclaim_stale", func() (bool, error) {
		err := s.store.InTx(ctx, func(tx store.Tx) error {
			out = out[:0]
			now := s.now()
			stale, err := tx.StaleWorkers(ctx, now.Add(-s.cfg.HeartbeatTimeout))
			if err != nil {
				return err
			}
			for _, w := range stale {
				r := Reclamation{WorkerID: w.ID, LastHeartbeat: w.LastHeartbeat}
				taskID, err := s.reclaim(ctx, tx, w, now)
				if err != nil {
					return err
				}
				if err := tx.SaveWorker(ctx, w); err != nil {
					return err
				}
				r.TaskID = taskID
				out = append(out, r)
			}
			return nil
		})
		return errors.IsConflict(err), err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// reclaim marks w Offline in place and puts its task, if it still holds
// one, back to pending. The caller saves w. It returns the reclaimed task id.
func (s *Service) reclaim(ctx context.Context, tx store.Tx, w *models.Worker, now time.Time) (string, error) {
	taskID := ""
	if w.CurrentTask != "" {
		t, err := tx.GetTask(ctx, w.CurrentTask)
		switch {
		case err == nil && t.Status == models.TaskAssigned && t.AssignedWorker == w.ID:
			t.Status = models.TaskPending
			t.AssignedWorker = ""
			t.Progress = 0
			t.UpdatedAt = now
			if err := tx.SaveTask(ctx, t); err != nil {
				return "", err
			}
			taskID = t.ID
		case err != nil && !errors.IsNotFound(err):
			return "", err
		}
	}

	w.Status = models.WorkerOffline
	w.CurrentTask = ""
	w.LastHeartbeat = nil
	return taskID, nil
}
