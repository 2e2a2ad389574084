// Package memory is an in-process implementation of store.Store. A single
// mutex is held for the duration of each transaction, which makes every
// transaction serializable. Intended for tests, development and
// single-node deployments.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/store"
)

var _ store.Store = (*Store)(nil)

type taskRecord struct {
	task *models.Task
	seq  int64
}

type workerRecord struct {
	worker *models.Worker
	seq    int64
}

// Store keeps tasks and workers in maps guarded by mu.
type Store struct {
	mu      sync.RWMutex
	seq     int64
	tasks   map[string]*taskRecord
	workers map[string]*workerRecord
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tasks:   make(map[string]*taskRecord),
		workers: make(map[string]*workerRecord),
	}
}

func (s *Store) Provider() string { return "memory" }

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

// InTx stages writes in a private overlay and merges it on success.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		s:       s,
		tasks:   make(map[string]*taskRecord),
		workers: make(map[string]*workerRecord),
		seq:     s.seq,
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, rec := range tx.tasks {
		s.tasks[id] = rec
	}
	for id, rec := range tx.workers {
		s.workers[id] = rec
	}
	s.seq = tx.seq
	return nil
}

func (s *Store) GetTask(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tasks[id]
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return rec.task.Clone(), nil
}

func (s *Store) ListTasks(context.Context) ([]*models.Task, error) {
	s.mu.RLock()
	recs := make([]*taskRecord, 0, len(s.tasks))
	for _, rec := range s.tasks {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]*models.Task, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.task.Clone())
	}
	return out, nil
}

func (s *Store) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.workers[id]
	if !ok {
		return nil, errors.NotFound("worker", id)
	}
	return rec.worker.Clone(), nil
}

func (s *Store) ListWorkers(context.Context) ([]*models.Worker, error) {
	s.mu.RLock()
	recs := make([]*workerRecord, 0, len(s.workers))
	for _, rec := range s.workers {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]*models.Worker, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.worker.Clone())
	}
	return out, nil
}

// memTx reads through its overlay to the committed maps. The store mutex is
// held by InTx for the lifetime of the transaction.
type memTx struct {
	s       *Store
	tasks   map[string]*taskRecord
	workers map[string]*workerRecord
	seq     int64
}

func (tx *memTx) task(id string) (*taskRecord, bool) {
	if rec, ok := tx.tasks[id]; ok {
		return rec, true
	}
	rec, ok := tx.s.tasks[id]
	return rec, ok
}

func (tx *memTx) worker(id string) (*workerRecord, bool) {
	if rec, ok := tx.workers[id]; ok {
		return rec, true
	}
	rec, ok := tx.s.workers[id]
	return rec, ok
}

func (tx *memTx) GetTask(_ context.Context, id string) (*models.Task, error) {
	rec, ok := tx.task(id)
	if !ok {
		return nil, errors.NotFound("task", id)
	}
	return rec.task.Clone(), nil
}

func (tx *memTx) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	rec, ok := tx.worker(id)
	if !ok {
		return nil, errors.NotFound("worker", id)
	}
	return rec.worker.Clone(), nil
}

func (tx *memTx) NextPending(context.Context) (*models.Task, error) {
	var best *taskRecord
	consider := func(rec *taskRecord) {
		if rec.task.Status != models.TaskPending {
			return
		}
		if best == nil || rec.task.Less(best.task) ||
			(!best.task.Less(rec.task) && rec.seq < best.seq) {
			best = rec
		}
	}

	for id, rec := range tx.s.tasks {
		if _, shadowed := tx.tasks[id]; shadowed {
			continue
		}
		consider(rec)
	}
	for _, rec := range tx.tasks {
		consider(rec)
	}

	if best == nil {
		return nil, nil
	}
	return best.task.Clone(), nil
}

func (tx *memTx) StaleWorkers(_ context.Context, cutoff time.Time) ([]*models.Worker, error) {
	var recs []*workerRecord
	for id, rec := range tx.s.workers {
		if _, shadowed := tx.workers[id]; shadowed {
			continue
		}
		if rec.worker.Stale(cutoff) {
			recs = append(recs, rec)
		}
	}
	for _, rec := range tx.workers {
		if rec.worker.Stale(cutoff) {
			recs = append(recs, rec)
		}
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]*models.Worker, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.worker.Clone())
	}
	return out, nil
}

func (tx *memTx) CreateTask(_ context.Context, t *models.Task) error {
	if _, exists := tx.task(t.ID); exists {
		return errors.Conflict("task already exists: " + t.ID)
	}
	tx.seq++
	tx.tasks[t.ID] = &taskRecord{task: t.Clone(), seq: tx.seq}
	return nil
}

func (tx *memTx) CreateWorker(_ context.Context, w *models.Worker) error {
	if _, exists := tx.worker(w.ID); exists {
		return errors.Conflict("worker already exists: " + w.ID)
	}
	tx.seq++
	tx.workers[w.ID] = &workerRecord{worker: w.Clone(), seq: tx.seq}
	return nil
}

func (tx *memTx) SaveTask(_ context.Context, t *models.Task) error {
	rec, ok := tx.task(t.ID)
	if !ok {
		return errors.NotFound("task", t.ID)
	}
	tx.tasks[t.ID] = &taskRecord{task: t.Clone(), seq: rec.seq}
	return nil
}

func (tx *memTx) SaveWorker(_ context.Context, w *models.Worker) error {
	rec, ok := tx.worker(w.ID)
	if !ok {
		return errors.NotFound("worker", w.ID)
	}
	tx.workers[w.ID] = &workerRecord{worker: w.Clone(), seq: rec.seq}
	return nil
}
