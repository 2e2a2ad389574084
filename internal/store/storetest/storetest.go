// Package storetest is a conformance suite for store.Store implementations.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/store"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

// Run executes the suite against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateCreate", testDuplicateCreate},
		{"RollbackOnError", testRollbackOnError},
		{"ReadOwnWrites", testReadOwnWrites},
		{"NextPendingOrder", testNextPendingOrder},
		{"NextPendingEmpty", testNextPendingEmpty},
		{"StaleWorkers", testStaleWorkers},
		{"SaveRoundTrip", testSaveRoundTrip},
		{"ListOrder", testListOrder},
		{"ConcurrentClaims", testConcurrentClaims},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func createTask(t *testing.T, s store.Store, id string, p models.Priority, at time.Time) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateTask(context.Background(), models.NewTask(id, p, at))
	}))
}

func createWorker(t *testing.T, s store.Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, s.InTx(context.Background(), func(tx store.Tx) error {
		return tx.CreateWorker(context.Background(), models.NewWorker(id, at))
	}))
}

// claim binds the next pending task to workerID and returns its id, or ""
// when the queue is empty.
func claim(ctx context.Context, s store.Store, workerID string, now time.Time) (string, error) {
	var claimed string
	err := s.InTx(ctx, func(tx store.Tx) error {
		claimed = ""
		w, err := tx.GetWorker(ctx, workerID)
		if err != nil {
			return err
		}
		task, err := tx.NextPending(ctx)
		if err != nil || task == nil {
			return err
		}
		models.Bind(task, w, now)
		if err := tx.SaveTask(ctx, task); err != nil {
			return err
		}
		claimed = task.ID
		return tx.SaveWorker(ctx, w)
	})
	return claimed, err
}

func testCreateAndGet(t *testing.T, s store.Store) {
	ctx := context.Background()
	createTask(t, s, "t1", models.PriorityHigh, base)
	createWorker(t, s, "w1", base)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, task.Status)
	assert.Equal(t, models.PriorityHigh, task.Priority)
	assert.True(t, base.Equal(task.CreatedAt))

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerReady, w.Status)
	require.NotNil(t, w.LastHeartbeat)
	assert.True(t, base.Equal(*w.LastHeartbeat))

	_, err = s.GetTask(ctx, "missing")
	assert.True(t, errors.IsNotFound(err), "got %v", err)
	_, err = s.GetWorker(ctx, "missing")
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		_, err := tx.GetTask(ctx, "missing")
		return err
	})
	assert.True(t, errors.IsNotFound(err), "got %v", err)
}

func testDuplicateCreate(t *testing.T, s store.Store) {
	ctx := context.Background()
	createTask(t, s, "t1", models.PriorityLow, base)
	createWorker(t, s, "w1", base)

	err := s.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateTask(ctx, models.NewTask("t1", models.PriorityLow, base))
	})
	assert.True(t, errors.IsConflict(err), "got %v", err)

	err = s.InTx(ctx, func(tx store.Tx) error {
		return tx.CreateWorker(ctx, models.NewWorker("w1", base))
	})
	assert.True(t, errors.IsConflict(err), "got %v", err)
}

func testRollbackOnError(t *testing.T, s store.Store) {
	ctx := context.Background()
	createWorker(t, s, "w1", base)
	boom := errors.Internal("boom")

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateTask(ctx, models.NewTask("t1", models.PriorityRush, base)); err != nil {
			return err
		}
		w, err := tx.GetWorker(ctx, "w1")
		if err != nil {
			return err
		}
		w.Status = models.WorkerOffline
		w.LastHeartbeat = nil
		if err := tx.SaveWorker(ctx, w); err != nil {
			return err
		}
		return boom
	})
	require.Error(t, err)

	_, err = s.GetTask(ctx, "t1")
	assert.True(t, errors.IsNotFound(err), "task must not survive rollback, got %v", err)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerReady, w.Status)
}

func testReadOwnWrites(t *testing.T, s store.Store) {
	ctx := context.Background()

	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateWorker(ctx, models.NewWorker("w1", base)); err != nil {
			return err
		}
		w, err := tx.GetWorker(ctx, "w1")
		if err != nil {
			return err
		}
		w.Status = models.WorkerOffline
		w.LastHeartbeat = nil
		if err := tx.SaveWorker(ctx, w); err != nil {
			return err
		}
		again, err := tx.GetWorker(ctx, "w1")
		if err != nil {
			return err
		}
		if again.Status != models.WorkerOffline {
			return fmt.Errorf("staged write not visible: %s", again.Status)
		}
		return nil
	})
	require.NoError(t, err)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerOffline, w.Status)
	assert.Nil(t, w.LastHeartbeat)
}

func testNextPendingOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	createTask(t, s, "low", models.PriorityLow, base)
	createTask(t, s, "medium-late", models.PriorityMedium, base.Add(2*time.Second))
	createTask(t, s, "medium-early", models.PriorityMedium, base.Add(time.Second))
	createTask(t, s, "rush-a", models.PriorityRush, base.Add(5*time.Second))
	createTask(t, s, "rush-b", models.PriorityRush, base.Add(5*time.Second))
	createTask(t, s, "high", models.PriorityHigh, base.Add(3*time.Second))
	createWorker(t, s, "w1", base)

	want := []string{"rush-a", "rush-b", "high", "medium-early", "medium-late", "low"}
	var got []string
	for range want {
		var id string
		err := s.InTx(ctx, func(tx store.Tx) error {
			task, err := tx.NextPending(ctx)
			if err != nil || task == nil {
				return err
			}
			id = task.ID
			task.Status = models.TaskCompleted
			return tx.SaveTask(ctx, task)
		})
		require.NoError(t, err)
		got = append(got, id)
	}
	assert.Equal(t, want, got)
}

func testNextPendingEmpty(t *testing.T, s store.Store) {
	ctx := context.Background()
	createWorker(t, s, "w1", base)

	id, err := claim(ctx, s, "w1", base)
	require.NoError(t, err)
	assert.Empty(t, id)

	createTask(t, s, "t1", models.PriorityMedium, base)
	id, err = claim(ctx, s, "w1", base)
	require.NoError(t, err)
	assert.Equal(t, "t1", id)

	createWorker(t, s, "w2", base)
	id, err = claim(ctx, s, "w2", base)
	require.NoError(t, err)
	assert.Empty(t, id, "assigned tasks are not pending")
}

func testStaleWorkers(t *testing.T, s store.Store) {
	ctx := context.Background()
	createWorker(t, s, "old", base)
	createWorker(t, s, "fresh", base.Add(time.Minute))
	createWorker(t, s, "edge", base.Add(30*time.Second))
	createWorker(t, s, "gone", base)

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker(ctx, "gone")
		if err != nil {
			return err
		}
		w.Status = models.WorkerOffline
		w.LastHeartbeat = nil
		return tx.SaveWorker(ctx, w)
	}))

	var ids []string
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		stale, err := tx.StaleWorkers(ctx, base.Add(30*time.Second))
		for _, w := range stale {
			ids = append(ids, w.ID)
		}
		return err
	}))
	assert.Equal(t, []string{"old"}, ids)
}

func testSaveRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	createTask(t, s, "t1", models.PriorityHigh, base)
	createWorker(t, s, "w1", base)

	now := base.Add(time.Second)
	id, err := claim(ctx, s, "w1", now)
	require.NoError(t, err)
	require.Equal(t, "t1", id)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	require.NoError(t, models.CheckBinding(task, w))
	assert.Equal(t, 1, task.Attempts)
	assert.True(t, now.Equal(task.UpdatedAt))

	later := now.Add(time.Second)
	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		w, err := tx.GetWorker(ctx, "w1")
		if err != nil {
			return err
		}
		task, err := tx.GetTask(ctx, "t1")
		if err != nil {
			return err
		}
		models.Release(task, w, later)
		task.Status = models.TaskCompleted
		task.Progress = 1
		task.ResultKey = "renders/t1.png"
		if err := tx.SaveTask(ctx, task); err != nil {
			return err
		}
		return tx.SaveWorker(ctx, w)
	}))

	task, err = s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, task.Status)
	assert.Equal(t, 1.0, task.Progress)
	assert.Equal(t, "renders/t1.png", task.ResultKey)
	assert.Empty(t, task.AssignedWorker)
	assert.True(t, base.Equal(task.CreatedAt), "createdAt is immutable")

	w, err = s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerReady, w.Status)
	assert.Empty(t, w.CurrentTask)
	require.NoError(t, models.CheckBinding(task, w))
}

func testListOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, id := range []string{"c", "a", "b"} {
		createTask(t, s, id, models.PriorityLow, base.Add(time.Duration(i)*time.Second))
		createWorker(t, s, "w-"+id, base)
	}

	tasks, err := s.ListTasks(ctx)
	require.NoError(t, err)
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []string{"c", "a", "b"}, ids)

	workers, err := s.ListWorkers(ctx)
	require.NoError(t, err)
	ids = ids[:0]
	for _, w := range workers {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{"w-c", "w-a", "w-b"}, ids)
}

// testConcurrentClaims races workers for a small queue. Every task must be
// claimed by exactly one worker even when transactions conflict.
func testConcurrentClaims(t *testing.T, s store.Store) {
	ctx := context.Background()
	const tasks, workers = 5, 12

	for i := 0; i < tasks; i++ {
		createTask(t, s, fmt.Sprintf("t%d", i), models.PriorityMedium, base.Add(time.Duration(i)*time.Millisecond))
	}
	for i := 0; i < workers; i++ {
		createWorker(t, s, fmt.Sprintf("w%d", i), base)
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		owners = make(map[string]string)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID string) {
			defer wg.Done()
			for attempt := 0; attempt < 50; attempt++ {
				id, err := claim(ctx, s, workerID, base)
				if errors.IsConflict(err) {
					continue
				}
				if !assert.NoError(t, err) {
					return
				}
				if id != "" {
					mu.Lock()
					assert.NotContains(t, owners, id, "task claimed twice")
					owners[id] = workerID
					mu.Unlock()
				}
				return
			}
		}(fmt.Sprintf("w%d", i))
	}
	wg.Wait()

	assert.Len(t, owners, tasks)
	for taskID, workerID := range owners {
		task, err := s.GetTask(ctx, taskID)
		require.NoError(t, err)
		w, err := s.GetWorker(ctx, workerID)
		require.NoError(t, err)
		assert.NoError(t, models.CheckBinding(task, w))
	}
}
