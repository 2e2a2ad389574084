package dispatch

import (
	"context"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/store"
)

// TaskUpdate carries the fields of a status report. Nil fields are left
// unchanged.
type TaskUpdate struct {
	Status   *string
	Progress *float64
}

// SubmitTask creates a pending task. An empty priority means MEDIUM.
func (s *Service) SubmitTask(ctx context.Context, priority string) (*models.Task, error) {
	p, err := models.ParsePriority(priority)
	if err != nil {
		return nil, err
	}

	task := models.NewTask(s.cfg.NewID(), p, s.now())
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateTask(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	s.log.FromContext(ctx).Info("task submitted", "task_id", task.ID, "priority", task.Priority)
	return task, nil
}

func (s *Service) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasks(ctx context.Context) ([]*models.Task, error) {
	return s.store.ListTasks(ctx)
}

// UpdateTaskStatus applies a progress or status report. Progress must stay
// within [0,1] and may not decrease while the task is assigned. A task
// leaving assigned releases its worker; entering assigned is only possible
// through RequestTask.
func (s *Service) UpdateTaskStatus(ctx context.Context, taskID string, upd TaskUpdate) (*models.Task, error) {
	var status models.TaskStatus
	if upd.Status != nil {
		st, err := models.ParseTaskStatus(*upd.Status)
		if err != nil {
			return nil, err
		}
		status = st
	}
	if upd.Progress != nil {
		if err := models.ValidateProgress(*upd.Progress); err != nil {
			return nil, err
		}
	}

	var out *models.Task
	err := s.withTask(ctx, "update_task_status", taskID, func(tx store.Tx, t *models.Task, w *models.Worker) (bool, error) {
		now := s.now()
		next := t.Status
		if status != "" {
			next = status
		}

		if next == models.TaskAssigned && t.Status != models.TaskAssigned {
			return true, errors.InvalidArgument("status", "tasks become assigned only through a task request")
		}
		if upd.Progress != nil && next == models.TaskAssigned && *upd.Progress < t.Progress {
			return true, errors.InvalidArgumentf("progress",
				"progress may not decrease while assigned (%v < %v)", *upd.Progress, t.Progress)
		}

		workerChanged := false
		if t.Status == models.TaskAssigned && next != models.TaskAssigned {
			workerChanged = releaseTask(t, w, now)
		}
		if next == models.TaskPending && t.Status != models.TaskPending {
			t.Progress = 0
		}
		t.Status = next
		if upd.Progress != nil {
			t.Progress = *upd.Progress
		}
		t.UpdatedAt = now

		if err := tx.SaveTask(ctx, t); err != nil {
			return false, err
		}
		if workerChanged {
			if err := tx.SaveWorker(ctx, w); err != nil {
				return false, err
			}
		}
		out = t
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CompleteTask marks a task completed with full progress and frees its
// worker. Completing a completed task returns it unchanged; completing a
// failed task is a conflict.
func (s *Service) CompleteTask(ctx context.Context, taskID, resultKey string) (*models.Task, error) {
	var out *models.Task
	var freed string
	err := s.withTask(ctx, "complete_task", taskID, func(tx store.Tx, t *models.Task, w *models.Worker) (bool, error) {
		switch t.Status {
		case models.TaskCompleted:
			out = t
			return false, nil
		case models.TaskFailed:
			return true, errors.Conflict("task already failed: " + t.ID)
		}

		now := s.now()
		workerChanged := false
		if t.Status == models.TaskAssigned {
			freed = t.AssignedWorker
			workerChanged = releaseTask(t, w, now)
		}
		t.Status = models.TaskCompleted
		t.Progress = 1
		t.ResultKey = resultKey
		t.UpdatedAt = now

		if err := tx.SaveTask(ctx, t); err != nil {
			return false, err
		}
		if workerChanged {
			if err := tx.SaveWorker(ctx, w); err != nil {
				return false, err
			}
		}
		out = t
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	if freed != "" {
		s.log.FromContext(ctx).Info("task completed", "task_id", taskID, "worker_id", freed)
	}
	return out, nil
}

// FailTask marks a task failed with reason and frees its worker. Failing a
// failed task returns it unchanged; failing a completed task is a conflict.
func (s *Service) FailTask(ctx context.Context, taskID, reason string) (*models.Task, error) {
	var out *models.Task
	err := s.withTask(ctx, "fail_task", taskID, func(tx store.Tx, t *models.Task, w *models.Worker) (bool, error) {
		switch t.Status {
		case models.TaskFailed:
			out = t
			return false, nil
		case models.TaskCompleted:
			return true, errors.Conflict("task already completed: " + t.ID)
		}

		now := s.now()
		workerChanged := false
		if t.Status == models.TaskAssigned {
			workerChanged = releaseTask(t, w, now)
		}
		t.Status = models.TaskFailed
		t.FailureReason = reason
		t.UpdatedAt = now

		if err := tx.SaveTask(ctx, t); err != nil {
			return false, err
		}
		if workerChanged {
			if err := tx.SaveWorker(ctx, w); err != nil {
				return false, err
			}
		}
		out = t
		return false, nil
	})
	if err != nil {
		return nil, err
	}

	s.log.FromContext(ctx).Warn("task failed", "task_id", taskID, "reason", reason)
	return out, nil
}
