// Package redis implements store.Store on Redis. Tasks and workers are
// Hashes; the dispatch queue and the liveness index are Sorted Sets.
//
// Transactions are optimistic: every key is WATCHed before it is read,
// writes are buffered and flushed in a single MULTI/EXEC on commit. EXEC
// aborts when a watched key changed and the transaction surfaces as a
// CodeConflict error. All keys must live on one node, so Redis Cluster is
// not supported.
package redis

import (
	"context"
	stderrors "errors"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/store"
)

var _ store.Store = (*Store)(nil)

// pendingScanBatch bounds how many queue heads NextPending inspects per
// round trip.
const pendingScanBatch = 16

// Store implements store.Store on a go-redis client. The caller owns the
// client unless Close is called.
type Store struct {
	client *goredis.Client
	keys   keys
	log    *logger.Logger
}

// New creates a Redis-backed store using prefix as the key namespace.
func New(client *goredis.Client, prefix string, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{client: client, keys: newKeys(prefix), log: log.WithComponent("store.redis")}
}

func (s *Store) Provider() string { return "redis" }

func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "redis.ping", "ping failed")
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	err := s.client.Watch(ctx, func(rtx *goredis.Tx) error {
		tx := &redisTx{
			s:       s,
			rtx:     rtx,
			watched: make(map[string]bool),
			tasks:   make(map[string]*taskEntry),
			workers: make(map[string]*workerEntry),
		}
		if err := fn(tx); err != nil {
			return err
		}
		return tx.commit(ctx)
	})

	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, goredis.TxFailedErr):
		return errors.WrapWithCode(err, errors.CodeConflict, "redis.tx", "transaction aborted by concurrent update")
	}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return err
	}
	return errors.Wrap(err, "redis.tx", "transaction failed")
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.task(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis.get_task", "hgetall failed")
	}
	if len(vals) == 0 {
		return nil, errors.NotFound("task", id)
	}
	t, _ := taskFromMap(vals)
	return t, nil
}

func (s *Store) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	vals, err := s.client.HGetAll(ctx, s.keys.worker(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis.get_worker", "hgetall failed")
	}
	if len(vals) == 0 {
		return nil, errors.NotFound("worker", id)
	}
	w, _ := workerFromMap(vals)
	return w, nil
}

func (s *Store) ListTasks(ctx context.Context) ([]*models.Task, error) {
	ids, err := s.client.ZRange(ctx, s.keys.tasks(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis.list_tasks", "zrange failed")
	}
	rows, err := s.hgetAll(ctx, ids, s.keys.task)
	if err != nil {
		return nil, errors.Wrap(err, "redis.list_tasks", "hgetall failed")
	}

	out := make([]*models.Task, 0, len(rows))
	for _, vals := range rows {
		t, _ := taskFromMap(vals)
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) ListWorkers(ctx context.Context) ([]*models.Worker, error) {
	ids, err := s.client.ZRange(ctx, s.keys.workers(), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis.list_workers", "zrange failed")
	}
	rows, err := s.hgetAll(ctx, ids, s.keys.worker)
	if err != nil {
		return nil, errors.Wrap(err, "redis.list_workers", "hgetall failed")
	}

	out := make([]*models.Worker, 0, len(rows))
	for _, vals := range rows {
		w, _ := workerFromMap(vals)
		out = append(out, w)
	}
	return out, nil
}

// hgetAll fetches the hashes of ids in one pipeline, skipping missing ones.
func (s *Store) hgetAll(ctx context.Context, ids []string, key func(string) string) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err := s.client.Pipelined(ctx, func(p goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = p.HGetAll(ctx, key(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]map[string]string, 0, len(ids))
	for _, cmd := range cmds {
		if vals := cmd.Val(); len(vals) > 0 {
			out = append(out, vals)
		}
	}
	return out, nil
}

type taskEntry struct {
	task *models.Task
	seq  int64
}

type workerEntry struct {
	worker *models.Worker
	seq    int64
}

// redisTx caches every record it reads or stages, so reads by id observe
// the transaction's own writes.
type redisTx struct {
	s       *Store
	rtx     *goredis.Tx
	watched map[string]bool
	tasks   map[string]*taskEntry
	workers map[string]*workerEntry
	ops     []func(ctx context.Context, p goredis.Pipeliner)
}

func (tx *redisTx) watch(ctx context.Context, keys ...string) error {
	var fresh []string
	for _, k := range keys {
		if !tx.watched[k] {
			fresh = append(fresh, k)
		}
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := tx.rtx.Watch(ctx, fresh...).Err(); err != nil {
		return errors.Wrap(err, "redis.watch", "watch failed")
	}
	for _, k := range fresh {
		tx.watched[k] = true
	}
	return nil
}

func (tx *redisTx) commit(ctx context.Context) error {
	if len(tx.ops) == 0 {
		return nil
	}
	_, err := tx.rtx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		for _, op := range tx.ops {
			op(ctx, p)
		}
		return nil
	})
	return err
}

func (tx *redisTx) nextSeq(ctx context.Context) (int64, error) {
	seq, err := tx.rtx.Incr(ctx, tx.s.keys.seq()).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis.seq", "incr failed")
	}
	return seq, nil
}

func (tx *redisTx) loadTask(ctx context.Context, id string) (*taskEntry, error) {
	if e, ok := tx.tasks[id]; ok {
		return e, nil
	}
	key := tx.s.keys.task(id)
	if err := tx.watch(ctx, key); err != nil {
		return nil, err
	}
	vals, err := tx.rtx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis.get_task", "hgetall failed")
	}
	if len(vals) == 0 {
		return nil, errors.NotFound("task", id)
	}
	t, seq := taskFromMap(vals)
	e := &taskEntry{task: t, seq: seq}
	tx.tasks[id] = e
	return e, nil
}

func (tx *redisTx) loadWorker(ctx context.Context, id string) (*workerEntry, error) {
	if e, ok := tx.workers[id]; ok {
		return e, nil
	}
	key := tx.s.keys.worker(id)
	if err := tx.watch(ctx, key); err != nil {
		return nil, err
	}
	vals, err := tx.rtx.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis.get_worker", "hgetall failed")
	}
	if len(vals) == 0 {
		return nil, errors.NotFound("worker", id)
	}
	w, seq := workerFromMap(vals)
	e := &workerEntry{worker: w, seq: seq}
	tx.workers[id] = e
	return e, nil
}

func (tx *redisTx) GetTask(ctx context.Context, id string) (*models.Task, error) {
	e, err := tx.loadTask(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.task.Clone(), nil
}

func (tx *redisTx) GetWorker(ctx context.Context, id string) (*models.Worker, error) {
	e, err := tx.loadWorker(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.worker.Clone(), nil
}

func (tx *redisTx) NextPending(ctx context.Context) (*models.Task, error) {
	key := tx.s.keys.pending()
	if err := tx.watch(ctx, key); err != nil {
		return nil, err
	}

	for start := int64(0); ; start += pendingScanBatch {
		ids, err := tx.rtx.ZRange(ctx, key, start, start+pendingScanBatch-1).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis.claim", "zrange failed")
		}
		for _, id := range ids {
			e, err := tx.loadTask(ctx, id)
			if errors.IsNotFound(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			if e.task.Status == models.TaskPending {
				return e.task.Clone(), nil
			}
		}
		if len(ids) < pendingScanBatch {
			return nil, nil
		}
	}
}

func (tx *redisTx) StaleWorkers(ctx context.Context, cutoff time.Time) ([]*models.Worker, error) {
	// The heartbeat index is read unwatched; each candidate hash is watched
	// by loadWorker and re-checked, so heartbeats from live workers do not
	// abort the sweep.
	ids, err := tx.rtx.ZRangeByScore(ctx, tx.s.keys.heartbeats(), &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMicro(), 10),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis.stale_workers", "zrangebyscore failed")
	}

	var out []*models.Worker
	for _, id := range ids {
		e, err := tx.loadWorker(ctx, id)
		if errors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.worker.Stale(cutoff) {
			out = append(out, e.worker.Clone())
		}
	}
	return out, nil
}

func (tx *redisTx) CreateTask(ctx context.Context, t *models.Task) error {
	_, err := tx.loadTask(ctx, t.ID)
	switch {
	case err == nil:
		return errors.Conflict("task already exists: " + t.ID)
	case !errors.IsNotFound(err):
		return err
	}
	seq, err := tx.nextSeq(ctx)
	if err != nil {
		return err
	}
	tx.tasks[t.ID] = &taskEntry{task: t.Clone(), seq: seq}

	id := t.ID
	tx.ops = append(tx.ops, func(ctx context.Context, p goredis.Pipeliner) {
		p.ZAdd(ctx, tx.s.keys.tasks(), goredis.Z{Score: float64(seq), Member: id})
	})
	tx.stageTask(t, seq)
	return nil
}

func (tx *redisTx) CreateWorker(ctx context.Context, w *models.Worker) error {
	_, err := tx.loadWorker(ctx, w.ID)
	switch {
	case err == nil:
		return errors.Conflict("worker already exists: " + w.ID)
	case !errors.IsNotFound(err):
		return err
	}
	seq, err := tx.nextSeq(ctx)
	if err != nil {
		return err
	}
	tx.workers[w.ID] = &workerEntry{worker: w.Clone(), seq: seq}

	id := w.ID
	tx.ops = append(tx.ops, func(ctx context.Context, p goredis.Pipeliner) {
		p.ZAdd(ctx, tx.s.keys.workers(), goredis.Z{Score: float64(seq), Member: id})
	})
	tx.stageWorker(w, seq)
	return nil
}

func (tx *redisTx) SaveTask(_ context.Context, t *models.Task) error {
	e, ok := tx.tasks[t.ID]
	if !ok {
		return errors.Internal("task saved without being read in transaction: " + t.ID)
	}
	e.task = t.Clone()
	tx.stageTask(t, e.seq)
	return nil
}

func (tx *redisTx) SaveWorker(_ context.Context, w *models.Worker) error {
	e, ok := tx.workers[w.ID]
	if !ok {
		return errors.Internal("worker saved without being read in transaction: " + w.ID)
	}
	e.worker = w.Clone()
	tx.stageWorker(w, e.seq)
	return nil
}

// stageTask buffers the hash write and keeps the pending queue in step
// with the task status.
func (tx *redisTx) stageTask(t *models.Task, seq int64) {
	fields := taskToMap(t, seq)
	id, pending, score := t.ID, t.Status == models.TaskPending, pendingScore(t.Priority, seq)
	tx.ops = append(tx.ops, func(ctx context.Context, p goredis.Pipeliner) {
		p.HSet(ctx, tx.s.keys.task(id), fields)
		if pending {
			p.ZAdd(ctx, tx.s.keys.pending(), goredis.Z{Score: score, Member: id})
		} else {
			p.ZRem(ctx, tx.s.keys.pending(), id)
		}
	})
}

// stageWorker buffers the hash write and keeps the heartbeat index in step
// with the worker status.
func (tx *redisTx) stageWorker(w *models.Worker, seq int64) {
	fields := workerToMap(w, seq)
	id := w.ID
	live := w.Status != models.WorkerOffline && w.LastHeartbeat != nil
	var score float64
	if live {
		score = heartbeatScore(*w.LastHeartbeat)
	}
	tx.ops = append(tx.ops, func(ctx context.Context, p goredis.Pipeliner) {
		p.HSet(ctx, tx.s.keys.worker(id), fields)
		if live {
			p.ZAdd(ctx, tx.s.keys.heartbeats(), goredis.Z{Score: score, Member: id})
		} else {
			p.ZRem(ctx, tx.s.keys.heartbeats(), id)
		}
	})
}
