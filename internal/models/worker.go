package models

import (
	"fmt"
	"strings"
	"time"

	"renderfarm/internal/pkg/errors"
)

// WorkerStatus is the availability of a worker.
type WorkerStatus string

const (
	WorkerOffline WorkerStatus = "Offline"
	WorkerReady   WorkerStatus = "Ready"
	WorkerBusy    WorkerStatus = "Busy"
)

func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerOffline, WorkerReady, WorkerBusy:
		return true
	}
	return false
}

// ParseWorkerStatus accepts any letter case and returns the canonical form.
func ParseWorkerStatus(s string) (WorkerStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "offline":
		return WorkerOffline, nil
	case "ready":
		return WorkerReady, nil
	case "busy":
		return WorkerBusy, nil
	}
	return "", errors.InvalidArgumentf("status", "invalid worker status %q", s)
}

// Worker is an agent that claims and renders tasks.
type Worker struct {
	ID            string       `json:"id"`
	Status        WorkerStatus `json:"status"`
	LastHeartbeat *time.Time   `json:"last_heartbeat"`
	CurrentTask   string       `json:"current_task_id,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at"`
}

// NewWorker returns a Ready worker with a heartbeat at now.
func NewWorker(id string, now time.Time) *Worker {
	hb := now
	return &Worker{
		ID:            id,
		Status:        WorkerReady,
		LastHeartbeat: &hb,
		RegisteredAt:  now,
	}
}

// Clone returns a deep copy safe to mutate.
func (w *Worker) Clone() *Worker {
	cp := *w
	if w.LastHeartbeat != nil {
		hb := *w.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	return &cp
}

// Touch records a heartbeat at now.
func (w *Worker) Touch(now time.Time) {
	hb := now
	w.LastHeartbeat = &hb
}

// Stale reports whether a live worker's last heartbeat precedes cutoff.
func (w *Worker) Stale(cutoff time.Time) bool {
	if w.Status == WorkerOffline {
		return false
	}
	return w.LastHeartbeat == nil || w.LastHeartbeat.Before(cutoff)
}

// Bind assigns t to w. Both records are mutated in place. Progress
// restarts at zero for each attempt.
func Bind(t *Task, w *Worker, now time.Time) {
	t.Status = TaskAssigned
	t.AssignedWorker = w.ID
	t.Attempts++
	t.Progress = 0
	t.UpdatedAt = now

	w.Status = WorkerBusy
	w.CurrentTask = t.ID
	w.Touch(now)
}

// Release detaches w from its task and leaves it Ready. The task side is
// the caller's responsibility since its next status depends on why.
func Release(t *Task, w *Worker, now time.Time) {
	if t != nil {
		t.AssignedWorker = ""
		t.UpdatedAt = now
	}
	w.CurrentTask = ""
	w.Status = WorkerReady
}

// CheckBinding verifies the bidirectional task/worker invariant for a task
// and the worker it names (w may be nil when the task is unassigned).
func CheckBinding(t *Task, w *Worker) error {
	if t.Status != TaskAssigned {
		if t.AssignedWorker != "" {
			return fmt.Errorf("task %s is %s but names worker %s", t.ID, t.Status, t.AssignedWorker)
		}
		if w != nil && w.CurrentTask == t.ID {
			return fmt.Errorf("worker %s still references %s task %s", w.ID, t.Status, t.ID)
		}
		return nil
	}
	if t.AssignedWorker == "" {
		return fmt.Errorf("task %s is assigned without a worker", t.ID)
	}
	if w == nil || w.ID != t.AssignedWorker {
		return fmt.Errorf("task %s names worker %s which was not supplied", t.ID, t.AssignedWorker)
	}
	if w.Status != WorkerBusy || w.CurrentTask != t.ID {
		return fmt.Errorf("worker %s is %s with task %q, want Busy with %s", w.ID, w.Status, w.CurrentTask, t.ID)
	}
	return nil
}

// CheckWorker verifies the worker side of the invariant: Busy iff it holds a task.
func CheckWorker(w *Worker) error {
	if (w.Status == WorkerBusy) != (w.CurrentTask != "") {
		return fmt.Errorf("worker %s is %s with current task %q", w.ID, w.Status, w.CurrentTask)
	}
	if w.Status == WorkerOffline && w.LastHeartbeat != nil {
		return fmt.Errorf("offline worker %s has a heartbeat", w.ID)
	}
	return nil
}
