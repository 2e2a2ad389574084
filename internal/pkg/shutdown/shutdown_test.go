package shutdown

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"renderfarm/internal/pkg/logger"
)

func newTestManager(timeout time.Duration) (*Manager, *bytes.Buffer) {
	var buf bytes.Buffer
	log := logger.New(logger.Config{Level: "debug", Format: "json", Output: &buf})
	return NewManager(log, timeout), &buf
}

func TestNewManagerDefaults(t *testing.T) {
	m := NewManager(nil, 0)
	if m.timeout != 30*time.Second {
		t.Errorf("expected default timeout 30s, got %v", m.timeout)
	}
	if m.Context().Err() != nil {
		t.Error("context must not be canceled before shutdown")
	}
}

func TestShutdownRunsHandlersInReverseOrder(t *testing.T) {
	m, _ := newTestManager(time.Second)

	var mu sync.Mutex
	var order []string
	record := func(name string) func() {
		return func() {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
		}
	}
	m.RegisterSimple("store", record("store"))
	m.RegisterSimple("monitor", record("monitor"))
	m.RegisterSimple("http-server", record("http-server"))

	if failed := m.Shutdown(); failed != 0 {
		t.Errorf("expected no failures, got %d", failed)
	}

	want := "http-server,monitor,store"
	if got := strings.Join(order, ","); got != want {
		t.Errorf("expected order %s, got %s", want, got)
	}
}

func TestShutdownContinuesAfterFailure(t *testing.T) {
	m, buf := newTestManager(time.Second)

	ran := false
	m.RegisterSimple("first", func() { ran = true })
	m.Register("second", func(context.Context) error { return errors.New("close failed") })

	if failed := m.Shutdown(); failed != 1 {
		t.Errorf("expected 1 failure, got %d", failed)
	}
	if !ran {
		t.Error("handler after a failure should still run")
	}
	if !strings.Contains(buf.String(), "close failed") {
		t.Errorf("expected failure in log, got: %s", buf.String())
	}
}

func TestShutdownTimeoutSkipsRemaining(t *testing.T) {
	m, _ := newTestManager(20 * time.Millisecond)

	skipped := true
	m.RegisterSimple("last", func() { skipped = false })
	m.Register("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	if failed := m.Shutdown(); failed != 2 {
		t.Errorf("expected slow handler and skipped handler to count, got %d", failed)
	}
	if !skipped {
		t.Error("handler after the deadline should not run")
	}
}

func TestShutdownOnce(t *testing.T) {
	m, _ := newTestManager(time.Second)

	calls := 0
	m.RegisterSimple("count", func() { calls++ })

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Shutdown()
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected handler to run once, ran %d times", calls)
	}
}

func TestContextCanceledAtStartAndDoneAtEnd(t *testing.T) {
	m, _ := newTestManager(time.Second)

	sawCanceled := false
	m.RegisterSimple("check", func() { sawCanceled = m.Context().Err() != nil })

	select {
	case <-m.Done():
		t.Fatal("done closed before shutdown")
	default:
	}

	m.Shutdown()

	if !sawCanceled {
		t.Error("context should be canceled before handlers run")
	}
	select {
	case <-m.Done():
	default:
		t.Error("done should be closed after shutdown")
	}
}

func TestWaitWithContext(t *testing.T) {
	m, buf := newTestManager(time.Second)
	ctx, cancel := context.WithCancel(context.Background())

	finished := make(chan struct{})
	go func() {
		m.WaitWithContext(ctx)
		close(finished)
	}()
	cancel()

	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("WaitWithContext did not return")
	}
	if !strings.Contains(buf.String(), "context canceled") {
		t.Errorf("expected cancel log, got: %s", buf.String())
	}
}
