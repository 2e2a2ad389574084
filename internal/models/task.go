package models

import (
	"strings"
	"time"

	"renderfarm/internal/pkg/errors"
)

// TaskStatus is the lifecycle state of a render task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskCompleted, TaskFailed:
		return true
	}
	return false
}

// Terminal reports whether no further dispatch can happen from s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus accepts any letter case. "rendering" is accepted as an
// alias of assigned for older render clients.
func ParseTaskStatus(s string) (TaskStatus, error) {
	v := TaskStatus(strings.ToLower(strings.TrimSpace(s)))
	if v == "rendering" {
		v = TaskAssigned
	}
	if !v.Valid() {
		return "", errors.InvalidArgumentf("status", "invalid task status %q", s)
	}
	return v, nil
}

// Task is a unit of render work.
type Task struct {
	ID             string     `json:"id"`
	Status         TaskStatus `json:"status"`
	Priority       Priority   `json:"priority"`
	Progress       float64    `json:"progress"`
	AssignedWorker string     `json:"assigned_worker,omitempty"`
	Attempts       int        `json:"attempts"`
	ResultKey      string     `json:"result_key,omitempty"`
	FailureReason  string     `json:"failure_reason,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NewTask returns a pending task created at now.
func NewTask(id string, priority Priority, now time.Time) *Task {
	return &Task{
		ID:        id,
		Status:    TaskPending,
		Priority:  priority,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a copy safe to mutate.
func (t *Task) Clone() *Task {
	cp := *t
	return &cp
}

// Less orders pending tasks for dispatch: priority rank, then creation time.
func (t *Task) Less(o *Task) bool {
	if t.Priority.Rank() != o.Priority.Rank() {
		return t.Priority.Rank() < o.Priority.Rank()
	}
	return t.CreatedAt.Before(o.CreatedAt)
}

// ValidateProgress checks that p is within [0,1].
func ValidateProgress(p float64) error {
	if p < 0 || p > 1 || p != p {
		return errors.InvalidArgumentf("progress", "progress must be within [0,1], got %v", p)
	}
	return nil
}
