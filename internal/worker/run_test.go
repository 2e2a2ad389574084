package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderfarm/internal/adapters/storage/localfs"
	contracts "renderfarm/internal/contracts/renderer/v0"
	"renderfarm/internal/dispatch"
	"renderfarm/internal/httpapi"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/store/memory"
	"renderfarm/internal/worker/api"
	"renderfarm/internal/worker/renderer"
)

// fakeRenderer writes a small file for every spec, or fails tasks whose
// priority is LOW.
func fakeRenderer(t *testing.T, workDir string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var spec contracts.RenderSpec
		if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if spec.Priority == string(models.PriorityLow) {
			http.Error(w, "scene missing", http.StatusUnprocessableEntity)
			return
		}
		dst := filepath.Join(workDir, filepath.FromSlash(spec.Output.ObjectKey))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if err := os.WriteFile(dst, []byte("frame:"+spec.TaskID), 0o644); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type harness struct {
	svc         *dispatch.Service
	deps        Deps
	storageRoot string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	svc := dispatch.New(st, dispatch.Config{AutoRegister: true}, nil)
	apiSrv := httptest.NewServer(httpapi.NewRouter(httpapi.Deps{Service: svc, Store: st}))
	t.Cleanup(apiSrv.Close)

	workDir := t.TempDir()
	storageRoot := t.TempDir()

	return &harness{
		svc:         svc,
		storageRoot: storageRoot,
		deps: Deps{
			API:               api.New(apiSrv.URL),
			Renderer:          renderer.NewHTTPClient(fakeRenderer(t, workDir).URL),
			SP:                localfs.New(storageRoot),
			Log:               logger.Discard(),
			WorkerID:          "node-1",
			WorkDir:           workDir,
			PollInterval:      10 * time.Millisecond,
			HeartbeatInterval: 20 * time.Millisecond,
		},
	}
}

func (h *harness) start(t *testing.T) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, cancelFn := context.WithCancel(context.Background())
	ch := make(chan error, 1)
	go func() { ch <- Run(ctx, h.deps) }()
	return cancelFn, ch
}

func (h *harness) waitStatus(t *testing.T, taskID string, want models.TaskStatus) *models.Task {
	t.Helper()
	var task *models.Task
	require.Eventually(t, func() bool {
		got, err := h.svc.GetTask(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return got.Status == want
	}, 5*time.Second, 10*time.Millisecond, "task %s never reached %s", taskID, want)
	return task
}

func TestRunCompletesAndFailsTasks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ok, err := h.svc.SubmitTask(ctx, "RUSH")
	require.NoError(t, err)
	bad, err := h.svc.SubmitTask(ctx, "LOW")
	require.NoError(t, err)

	cancel, done := h.start(t)

	completed := h.waitStatus(t, ok.ID, models.TaskCompleted)
	assert.Equal(t, "renders/"+ok.ID+"/attempt-1.exr", completed.ResultKey)
	assert.InDelta(t, 1.0, completed.Progress, 1e-9)

	failed := h.waitStatus(t, bad.ID, models.TaskFailed)
	assert.Contains(t, failed.FailureReason, "scene missing")

	body, err := os.ReadFile(filepath.Join(h.storageRoot, "renders", ok.ID, "attempt-1.exr"))
	require.NoError(t, err)
	assert.Equal(t, "frame:"+ok.ID, string(body))

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	w, err := h.svc.GetWorker(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, models.WorkerOffline, w.Status)
}

func TestRunHeartbeats(t *testing.T) {
	h := newHarness(t)
	cancel, done := h.start(t)
	defer func() {
		cancel()
		<-done
	}()

	var first time.Time
	require.Eventually(t, func() bool {
		w, err := h.svc.GetWorker(context.Background(), "node-1")
		if err != nil || w.LastHeartbeat == nil {
			return false
		}
		if first.IsZero() {
			first = *w.LastHeartbeat
			return false
		}
		return w.LastHeartbeat.After(first)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRunReleasesLeftoverTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	task, err := h.svc.SubmitTask(ctx, "HIGH")
	require.NoError(t, err)
	a, err := h.svc.RequestTask(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, a.Available)

	cancel, done := h.start(t)
	defer func() {
		cancel()
		<-done
	}()

	got := h.waitStatus(t, task.ID, models.TaskCompleted)
	assert.Equal(t, 2, got.Attempts)
	assert.True(t, strings.HasSuffix(got.ResultKey, "attempt-2.exr"), got.ResultKey)
}
