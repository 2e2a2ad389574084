package redis

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderfarm/internal/models"
	"renderfarm/internal/store"
	"renderfarm/internal/store/storetest"
)

// openTestStore connects to TEST_REDIS_ADDR under a unique key prefix and
// removes the prefix's keys on cleanup.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	require.NoError(t, client.Ping(ctx).Err())

	prefix := "renderfarm-test-" + uuid.NewString()
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, prefix+":*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return New(client, prefix, nil)
}

func TestConformance(t *testing.T) {
	if os.Getenv("TEST_REDIS_ADDR") == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store { return openTestStore(t) })
}

func TestPendingScoreOrdersByRankThenSequence(t *testing.T) {
	assert.Less(t, pendingScore(models.PriorityRush, 900), pendingScore(models.PriorityHigh, 1))
	assert.Less(t, pendingScore(models.PriorityLow, 10), pendingScore(models.PriorityLow, 11))

	big := int64(1)<<40 + 1
	assert.NotEqual(t, pendingScore(models.PriorityLow, big), pendingScore(models.PriorityLow, big+1))
}

func TestTaskCodecRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 4, 5, 6, 7, 891011, time.UTC)
	task := models.NewTask("t1", models.PriorityHigh, now)
	task.Progress = 0.25
	task.ResultKey = "out/t1.mp4"

	fields := taskToMap(task, 42)
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		str[k] = toString(v)
	}

	got, seq := taskFromMap(str)
	assert.Equal(t, int64(42), seq)
	assert.Equal(t, task, got)
}

func TestWorkerCodecOfflineHasNoHeartbeat(t *testing.T) {
	w := models.NewWorker("w1", time.Now().UTC())
	w.Status = models.WorkerOffline
	w.LastHeartbeat = nil

	fields := workerToMap(w, 7)
	str := make(map[string]string, len(fields))
	for k, v := range fields {
		str[k] = toString(v)
	}

	got, _ := workerFromMap(str)
	assert.Nil(t, got.LastHeartbeat)
	assert.Equal(t, models.WorkerOffline, got.Status)
}

func toString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	}
	return ""
}

func TestStaleSweepSurvivesLiveHeartbeats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateWorker(ctx, models.NewWorker("node-old", now.Add(-time.Hour))); err != nil {
			return err
		}
		return tx.CreateWorker(ctx, models.NewWorker("node-live", now))
	}))

	err := s.InTx(ctx, func(tx store.Tx) error {
		stale, err := tx.StaleWorkers(ctx, now.Add(-time.Minute))
		if err != nil {
			return err
		}
		require.Len(t, stale, 1)
		assert.Equal(t, "node-old", stale[0].ID)

		// A live worker heartbeats while the sweep is open.
		require.NoError(t, s.InTx(ctx, func(hb store.Tx) error {
			w, err := hb.GetWorker(ctx, "node-live")
			if err != nil {
				return err
			}
			w.Touch(now.Add(time.Second))
			return hb.SaveWorker(ctx, w)
		}))

		w := stale[0]
		w.Status = models.WorkerOffline
		w.LastHeartbeat = nil
		return tx.SaveWorker(ctx, w)
	})
	require.NoError(t, err)

	got, err := s.GetWorker(ctx, "node-old")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerOffline, got.Status)
}
