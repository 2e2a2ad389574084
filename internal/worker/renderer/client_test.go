package renderer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	contracts "renderfarm/internal/contracts/renderer/v0"
)

func spec(taskID, key string) contracts.RenderSpec {
	s := contracts.RenderSpec{TaskID: taskID, Priority: "RUSH", Attempt: 1}
	s.Output.ObjectKey = key
	return s
}

func TestRender(t *testing.T) {
	var got contracts.RenderSpec
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/render" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"content_type":"image/x-exr"}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL).Render(context.Background(), spec("t-1", "renders/t-1/attempt-1.exr"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got.TaskID != "t-1" || got.Output.ObjectKey != "renders/t-1/attempt-1.exr" {
		t.Errorf("renderer received %+v", got)
	}
	if res.ObjectKey != "renders/t-1/attempt-1.exr" || res.ContentType != "image/x-exr" {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestRenderEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	res, err := NewHTTPClient(srv.URL).Render(context.Background(), spec("t-2", "out.exr"))
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if res.ObjectKey != "out.exr" {
		t.Errorf("expected requested key to be kept, got %+v", res)
	}
}

func TestRenderHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "scene missing", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL).Render(context.Background(), spec("t-3", "out.exr"))
	if err == nil || !strings.Contains(err.Error(), "422") || !strings.Contains(err.Error(), "scene missing") {
		t.Errorf("expected http error with body, got %v", err)
	}
}

func TestRenderCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHTTPClient(srv.URL).Render(ctx, spec("t-4", "out.exr")); err == nil {
		t.Error("expected error for canceled context")
	}
}
