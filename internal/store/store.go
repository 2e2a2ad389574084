// Package store defines the persistence contract for render tasks and the
// worker registry. Every mutation runs inside Store.InTx so claim and
// reclaim of the same record serialize on the backend's own transaction
// primitive.
package store

import (
	"context"
	"time"

	"renderfarm/internal/models"
)

// Store is implemented by the memory, postgres and redis backends.
type Store interface {
	// Provider names the backend ("memory", "postgres", "redis").
	Provider() string

	// InTx runs fn in a read-modify-write transaction. Writes staged by fn
	// are applied together if fn returns nil and discarded otherwise. A lost
	// race is reported as a CodeConflict error; callers may retry.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// GetTask reads a task outside any transaction.
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// ListTasks returns all tasks in submission order.
	ListTasks(ctx context.Context) ([]*models.Task, error)
	// GetWorker reads a worker outside any transaction.
	GetWorker(ctx context.Context, id string) (*models.Worker, error)
	// ListWorkers returns all workers in registration order.
	ListWorkers(ctx context.Context) ([]*models.Worker, error)

	Ping(ctx context.Context) error
	Close() error
}

// Tx is a transaction handle. Records returned by Tx are locked (or
// watched) until the transaction ends and are private copies: mutate them
// and pass them back to SaveTask/SaveWorker.
//
// Lock order: when a transaction touches both a worker and its task it must
// read the worker first.
type Tx interface {
	// GetTask returns the task or a CodeNotFound error.
	GetTask(ctx context.Context, id string) (*models.Task, error)
	// GetWorker returns the worker or a CodeNotFound error.
	GetWorker(ctx context.Context, id string) (*models.Worker, error)

	// NextPending returns the pending task to dispatch next: lowest priority
	// rank, then earliest creation time, then insertion order. It returns
	// nil, nil when the queue is empty. Tasks locked by concurrent
	// transactions may be skipped.
	NextPending(ctx context.Context) (*models.Task, error)

	// StaleWorkers returns workers that are not Offline and whose last
	// heartbeat is before cutoff.
	StaleWorkers(ctx context.Context, cutoff time.Time) ([]*models.Worker, error)

	// CreateTask inserts a new task; an existing id is a CodeConflict error.
	CreateTask(ctx context.Context, t *models.Task) error
	// CreateWorker inserts a new worker; an existing id is a CodeConflict error.
	CreateWorker(ctx context.Context, w *models.Worker) error

	// SaveTask writes back a task previously read or created in this transaction.
	SaveTask(ctx context.Context, t *models.Task) error
	// SaveWorker writes back a worker previously read or created in this transaction.
	SaveWorker(ctx context.Context, w *models.Worker) error
}
