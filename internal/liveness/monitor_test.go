package liveness

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderfarm/internal/dispatch"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/store/memory"
)

type fakeReclaimer struct {
	calls atomic.Int32
	err   error
	out   []dispatch.Reclamation
}

func (f *fakeReclaimer) ReclaimStale(context.Context) ([]dispatch.Reclamation, error) {
	f.calls.Add(1)
	return f.out, f.err
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunSweepsImmediatelyAndOnTick(t *testing.T) {
	r := &fakeReclaimer{}
	m := NewMonitor(r, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Run(ctx) }()

	assert.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	<-m.Done()
}

func TestRunOnlyOnce(t *testing.T) {
	m := NewMonitor(&fakeReclaimer{}, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, m.Run(ctx))
	assert.ErrorIs(t, m.Run(ctx), ErrAlreadyStarted)
}

func TestSweepErrorsDoNotStopLoop(t *testing.T) {
	r := &fakeReclaimer{err: errors.Internal("store down")}
	m := NewMonitor(r, 5*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx) //nolint:errcheck

	assert.Eventually(t, func() bool { return r.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
}

func TestSweepLogsReclamations(t *testing.T) {
	var buf syncBuffer
	log := logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})
	hb := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &fakeReclaimer{out: []dispatch.Reclamation{
		{WorkerID: "w1", TaskID: "t1", LastHeartbeat: &hb},
		{WorkerID: "w2"},
	}}

	n := NewMonitor(r, time.Hour, log).Sweep(context.Background())
	assert.Equal(t, 2, n)

	out := buf.String()
	assert.Contains(t, out, `"task_id":"t1"`)
	assert.Contains(t, out, "task requeued")
	assert.Contains(t, out, "marked offline")
	assert.Contains(t, out, `"requeued":1`)
	assert.Equal(t, 2, strings.Count(out, `"level":"WARN"`))
}

// TestMonitorRequeuesStaleTask drives a real Service over the memory store.
func TestMonitorRequeuesStaleTask(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	var n atomic.Int64
	svc := dispatch.New(memory.New(), dispatch.Config{
		HeartbeatTimeout: 30 * time.Second,
		AutoRegister:     true,
		Clock:            clock,
		NewID:            func() string { return fmt.Sprintf("id-%d", n.Add(1)) },
	}, nil)

	ctx := context.Background()
	task, err := svc.SubmitTask(ctx, "HIGH")
	require.NoError(t, err)
	_, err = svc.RequestTask(ctx, "w1")
	require.NoError(t, err)

	m := NewMonitor(svc, time.Hour, nil)
	assert.Zero(t, m.Sweep(ctx))

	mu.Lock()
	now = now.Add(45 * time.Second)
	mu.Unlock()
	assert.Equal(t, 1, m.Sweep(ctx))

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", string(got.Status))
}
