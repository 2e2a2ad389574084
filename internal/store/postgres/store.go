// Package postgres implements store.Store on PostgreSQL using pgx.
//
// Transactions run at read committed. Rows are locked with SELECT ... FOR
// UPDATE (worker before task), and dispatch selection uses SKIP LOCKED so
// concurrent claims pick different pending tasks instead of queueing
// behind one another.
package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store wraps a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

// New wraps an existing pool. The pool is owned by the caller unless Close
// is called.
func New(pool *pgxpool.Pool, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{pool: pool, log: log.WithComponent("store.postgres")}
}

// Open connects to dsn and verifies the connection.
func Open(ctx context.Context, dsn string, log *logger.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres.open", "failed to create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "postgres.open", "failed to ping")
	}
	return New(pool, log), nil
}

func (s *Store) Provider() string { return "postgres" }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "postgres.ping", "ping failed")
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err, "postgres.begin")
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err, "postgres.tx")
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(err, "postgres.commit")
	}
	return nil
}

const taskColumns = `id, status, priority, progress, COALESCE(assigned_worker, ''), attempts,
	result_key, failure_reason, created_at, updated_at`

const workerColumns = `id, status, last_heartbeat, COALESCE(current_task, ''), registered_at`

func scanTask(row pgx.Row) (*models.Task, error) {
	var t models.Task
	err := row.Scan(&t.ID, &t.Status, &t.Priority, &t.Progress, &t.AssignedWorker, &t.Attempts,
		&t.ResultKey, &t.FailureReason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func scanWorker(row pgx.Row) (*models.Worker, error) {
	var w models.Worker
	if err := row.Scan(&w.ID, &w.Status, &w.LastHeartbeat, &w.CurrentTask, &w.RegisteredAt); err != nil {
		return nil, err
	}
	if w.LastHeartbeat != nil {
		hb := w.LastHeartbeat.UTC()
		w.LastHeartbeat = &hb
	}
	w.RegisteredAt = w.RegisteredAt.UTC()
	return &w, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	t, err := scanTask(s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM render_tasks WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("task", id)
	}
	return t, classify(err, "postgres.get_task")
}

func (s *Store) ListTasks(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM render_tasks ORDER BY seq`)
	if err != nil {
		return nil, classify(err, "postgres.list_tasks")
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, classify(err, "postgres.list_tasks")
		}
		out = append(out, t)
	}
	return out, classify(rows.Err(), "postgres.list_tasks")
}

func (s *Store) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w, err := scanWorker(s.pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM render_workers WHERE id = $1`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("worker", id)
	}
	return w, classify(err, "postgres.get_worker")
}

func (s *Store) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	return listWorkers(ctx, s.pool, `SELECT `+workerColumns+` FROM render_workers ORDER BY seq`)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func listWorkers(ctx context.Context, q querier, sql string, args ...any) ([]*models.Worker, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err, "postgres.list_workers")
	}
	defer rows.Close()

	var out []*models.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, classify(err, "postgres.list_workers")
		}
		out = append(out, w)
	}
	return out, classify(rows.Err(), "postgres.list_workers")
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM render_tasks WHERE id = $1 FOR UPDATE`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("task", id)
	}
	return task, classify(err, "postgres.get_task")
}

func (t *pgTx) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	w, err := scanWorker(t.tx.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM render_workers WHERE id = $1 FOR UPDATE`, id))
	if isNoRows(err) {
		return nil, errors.NotFound("worker", id)
	}
	return w, classify(err, "postgres.get_worker")
}

func (t *pgTx) NextPending(ctx context.Context) (*models.Task, error) {
	task, err := scanTask(t.tx.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM render_tasks
		WHERE status = 'pending'
		ORDER BY priority_rank, created_at, seq
		LIMIT 1
		FOR UPDATE SKIP LOCKED`))
	if isNoRows(err) {
		return nil, nil
	}
	return task, classify(err, "postgres.claim")
}

func (t *pgTx) StaleWorkers(ctx context.Context, cutoff time.Time) ([]*models.Worker, error) {
	return listWorkers(ctx, t.tx, `
		SELECT `+workerColumns+`
		FROM render_workers
		WHERE status <> 'Offline'
		  AND (last_heartbeat IS NULL OR last_heartbeat < $1)
		ORDER BY seq
		FOR UPDATE SKIP LOCKED`, cutoff)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (t *pgTx) CreateTask(ctx context.Context, task *models.Task) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO render_tasks (
			id, status, priority, priority_rank, progress, assigned_worker, attempts,
			result_key, failure_reason, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		task.ID, task.Status, task.Priority, task.Priority.Rank(), task.Progress,
		nullable(task.AssignedWorker), task.Attempts, task.ResultKey, task.FailureReason,
		task.CreatedAt, task.UpdatedAt,
	)
	if isDuplicateKey(err) {
		return errors.Conflict("task already exists: " + task.ID)
	}
	return classify(err, "postgres.create_task")
}

func (t *pgTx) CreateWorker(ctx context.Context, w *models.Worker) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO render_workers (id, status, last_heartbeat, current_task, registered_at)
		VALUES ($1, $2, $3, $4, $5)`,
		w.ID, w.Status, w.LastHeartbeat, nullable(w.CurrentTask), w.RegisteredAt,
	)
	if isDuplicateKey(err) {
		return errors.Conflict("worker already exists: " + w.ID)
	}
	return classify(err, "postgres.create_worker")
}

func (t *pgTx) SaveTask(ctx context.Context, task *models.Task) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE render_tasks SET
			status = $2, progress = $3, assigned_worker = $4, attempts = $5,
			result_key = $6, failure_reason = $7, updated_at = $8
		WHERE id = $1`,
		task.ID, task.Status, task.Progress, nullable(task.AssignedWorker), task.Attempts,
		task.ResultKey, task.FailureReason, task.UpdatedAt,
	)
	if err != nil {
		return classify(err, "postgres.save_task")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("task", task.ID)
	}
	return nil
}

func (t *pgTx) SaveWorker(ctx context.Context, w *models.Worker) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE render_workers SET status = $2, last_heartbeat = $3, current_task = $4
		WHERE id = $1`,
		w.ID, w.Status, w.LastHeartbeat, nullable(w.CurrentTask),
	)
	if err != nil {
		return classify(err, "postgres.save_worker")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("worker", w.ID)
	}
	return nil
}
