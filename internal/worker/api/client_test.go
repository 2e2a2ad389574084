package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderfarm/internal/dispatch"
	"renderfarm/internal/httpapi"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/store/memory"
)

func newClient(t *testing.T, cfg dispatch.Config) (*Client, *dispatch.Service) {
	t.Helper()
	st := memory.New()
	svc := dispatch.New(st, cfg, nil)
	srv := httptest.NewServer(httpapi.NewRouter(httpapi.Deps{Service: svc, Store: st}))
	t.Cleanup(srv.Close)
	return New(srv.URL), svc
}

func TestTaskRoundTrip(t *testing.T) {
	c, svc := newClient(t, dispatch.Config{AutoRegister: true})
	ctx := context.Background()

	w, err := c.Register(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "node-1", w.ID)
	assert.Equal(t, models.WorkerReady, w.Status)

	a, err := c.RequestTask(ctx, "node-1")
	require.NoError(t, err)
	assert.False(t, a.Available)
	assert.Equal(t, "node-1", a.WorkerID)

	task, err := svc.SubmitTask(ctx, "HIGH")
	require.NoError(t, err)

	a, err = c.RequestTask(ctx, "node-1")
	require.NoError(t, err)
	require.True(t, a.Available)
	assert.Equal(t, task.ID, a.TaskID)
	assert.Equal(t, models.PriorityHigh, a.Priority)
	assert.Equal(t, 1, a.Attempts)

	require.NoError(t, c.Heartbeat(ctx, "node-1"))
	require.NoError(t, c.ReportProgress(ctx, task.ID, 0.25))
	require.NoError(t, c.Complete(ctx, task.ID, "renders/out.exr"))

	got, err := svc.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, "renders/out.exr", got.ResultKey)
}

func TestAnonymousRequest(t *testing.T) {
	c, _ := newClient(t, dispatch.Config{AutoRegister: true})

	a, err := c.RequestTask(context.Background(), "")
	require.NoError(t, err)
	assert.NotEmpty(t, a.WorkerID)
}

func TestCodedErrors(t *testing.T) {
	c, svc := newClient(t, dispatch.Config{AutoRegister: false})
	ctx := context.Background()

	err := c.Heartbeat(ctx, "ghost")
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	_, err = c.RequestTask(ctx, "ghost")
	assert.True(t, errors.IsNotFound(err), "got %v", err)

	_, _, err = svc.RegisterWorker(ctx, "node-2")
	require.NoError(t, err)
	err = c.SetStatus(ctx, "node-2", models.WorkerStatus("sleeping"))
	assert.True(t, errors.IsInvalidArgument(err), "got %v", err)

	task, err := svc.SubmitTask(ctx, "")
	require.NoError(t, err)
	_, err = c.RequestTask(ctx, "node-2")
	require.NoError(t, err)

	_, err = c.RequestTask(ctx, "node-2")
	require.True(t, errors.IsConflict(err), "got %v", err)
	assert.Equal(t, task.ID, errors.GetFields(err)["task_id"])

	require.NoError(t, c.Fail(ctx, task.ID, "gpu fault"))
	err = c.Complete(ctx, task.ID, "late")
	assert.True(t, errors.IsConflict(err), "got %v", err)
}

func TestNonEnvelopeError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := New(srv.URL).Heartbeat(context.Background(), "w1")
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url).Heartbeat(context.Background(), "w1")
	assert.Equal(t, errors.CodeUnavailable, errors.GetCode(err))
}
