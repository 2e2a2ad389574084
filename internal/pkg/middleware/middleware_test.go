package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
)

// captureLogger returns a JSON logger writing into the returned buffer.
func captureLogger(level string) (*logger.Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return logger.New(logger.Config{Level: level, Format: "json", Output: &buf}), &buf
}

// logEntry returns the first JSON log line whose msg equals msg.
func logEntry(t *testing.T, buf *bytes.Buffer, msg string) map[string]any {
	t.Helper()
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	for {
		var line map[string]any
		if err := dec.Decode(&line); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("log is not JSON lines: %v\n%s", err, buf.String())
		}
		if line["msg"] == msg {
			return line
		}
	}
	t.Fatalf("no %q entry in log:\n%s", msg, buf.String())
	return nil
}

func TestRequestIDPropagation(t *testing.T) {
	tests := []struct {
		name   string
		header string
		check  func(t *testing.T, got string)
	}{
		{
			name:   "keeps caller id",
			header: "req-renderfarm-1",
			check: func(t *testing.T, got string) {
				if got != "req-renderfarm-1" {
					t.Errorf("expected req-renderfarm-1, got %q", got)
				}
			},
		},
		{
			name: "generates hex id",
			check: func(t *testing.T, got string) {
				if len(got) != 32 {
					t.Errorf("expected 32 hex chars, got %q", got)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen, _ = r.Context().Value(logger.RequestIDKey).(string)
				w.WriteHeader(http.StatusNoContent)
			}))

			req := httptest.NewRequest(http.MethodPost, "/api/workers/w1/request-task", nil)
			if tt.header != "" {
				req.Header.Set(RequestIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			got := rec.Header().Get(RequestIDHeader)
			tt.check(t, got)
			if seen != got {
				t.Errorf("context id %q does not match response header %q", seen, got)
			}
		})
	}
}

func TestLoggingRecordsCompletedRequest(t *testing.T) {
	log, buf := captureLogger("info")
	body := `{"id":"t-1","status":"PENDING"}`

	handler := RequestID(Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, body)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/renders/t-1", nil)
	req.Header.Set(RequestIDHeader, "req-renderfarm-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	entry := logEntry(t, buf, "request completed")
	want := map[string]any{
		"method":     http.MethodGet,
		"path":       "/api/renders/t-1",
		"status":     float64(http.StatusOK),
		"size":       float64(len(body)),
		"request_id": "req-renderfarm-7",
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, entry[k])
		}
	}
	if _, ok := entry["duration_ms"]; !ok {
		t.Errorf("expected duration_ms in %v", entry)
	}
}

func TestLoggingLevelFollowsStatus(t *testing.T) {
	tests := []struct {
		method string
		path   string
		status int
		level  string
	}{
		{http.MethodPost, "/api/renders", http.StatusCreated, "INFO"},
		{http.MethodGet, "/api/renders/missing", http.StatusNotFound, "WARN"},
		{http.MethodPost, "/api/workers/w1/request-task", http.StatusConflict, "WARN"},
		{http.MethodGet, "/health", http.StatusServiceUnavailable, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			log, buf := captureLogger("debug")
			handler := Logging(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tt.method, tt.path, nil))

			if got := logEntry(t, buf, "request completed")["level"]; got != tt.level {
				t.Errorf("expected level %s for %d, got %v", tt.level, tt.status, got)
			}
		})
	}
}

func TestRecoveryWritesInternalEnvelope(t *testing.T) {
	log, buf := captureLogger("info")
	handler := Recovery(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("renderer exited while holding t-1")
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/renders/t-1/complete", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected status 500, got %d", rec.Code)
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if env.Error.Code != string(errors.CodeInternal) {
		t.Errorf("expected code %s, got %s", errors.CodeInternal, env.Error.Code)
	}
	if strings.Contains(rec.Body.String(), "t-1") {
		t.Errorf("panic value leaked to client: %s", rec.Body.String())
	}

	entry := logEntry(t, buf, "panic recovered")
	if entry["panic"] != "renderer exited while holding t-1" {
		t.Errorf("unexpected panic field: %v", entry["panic"])
	}
	if entry["path"] != "/api/renders/t-1/complete" {
		t.Errorf("unexpected path field: %v", entry["path"])
	}
}

func TestRecoveryRethrowsAbortHandler(t *testing.T) {
	handler := Recovery(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))

	defer func() {
		if rec := recover(); rec != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", rec)
		}
	}()
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/renders", nil))
}

func TestResponseWriter(t *testing.T) {
	tests := []struct {
		name       string
		write      func(rw *responseWriter)
		wantStatus int
		wantSize   int
	}{
		{
			name:       "explicit status",
			write:      func(rw *responseWriter) { rw.WriteHeader(http.StatusAccepted) },
			wantStatus: http.StatusAccepted,
		},
		{
			name:       "implicit ok counts bytes",
			write:      func(rw *responseWriter) { rw.Write([]byte(`{"task_id":"t-1"}`)) },
			wantStatus: http.StatusOK,
			wantSize:   len(`{"task_id":"t-1"}`),
		},
		{
			name: "first status wins",
			write: func(rw *responseWriter) {
				rw.WriteHeader(http.StatusConflict)
				rw.WriteHeader(http.StatusOK)
			},
			wantStatus: http.StatusConflict,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rw := wrapResponseWriter(httptest.NewRecorder())
			tt.write(rw)
			if rw.status != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rw.status)
			}
			if rw.size != tt.wantSize {
				t.Errorf("expected size %d, got %d", tt.wantSize, rw.size)
			}
		})
	}
}

func TestWrapHandler(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"no error", nil, http.StatusAccepted, `"ok":true`},
		{"unknown worker", errors.NotFound("worker", "w-9"), http.StatusNotFound, "NOT_FOUND"},
		{"bad priority", errors.InvalidArgumentf("priority", "invalid priority %q", "URGENT"), http.StatusBadRequest, "INVALID_ARGUMENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := WrapHandler(logger.Discard(), func(w http.ResponseWriter, r *http.Request) error {
				if tt.err != nil {
					return tt.err
				}
				w.WriteHeader(http.StatusAccepted)
				io.WriteString(w, `{"ok":true}`)
				return nil
			})

			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/workers/w-9/heartbeat", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Errorf("expected %s in body, got: %s", tt.wantBody, rec.Body.String())
			}
		})
	}
}

func TestWriteErrorResponse(t *testing.T) {
	tests := []struct {
		name     string
		code     errors.Code
		message  string
		details  map[string]any
		expected int
	}{
		{
			name:     "invalid argument",
			code:     errors.CodeInvalidArgument,
			message:  "invalid priority \"URGENT\"",
			details:  map[string]any{"field": "priority"},
			expected: 400,
		},
		{
			name:     "not found",
			code:     errors.CodeNotFound,
			message:  "worker not found: w-9",
			details:  nil,
			expected: 404,
		},
		{
			name:     "internal error",
			code:     errors.CodeInternal,
			message:  "unexpected error",
			details:  nil,
			expected: 500,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()

			WriteErrorResponse(rec, tt.code, tt.message, tt.details)

			if rec.Code != tt.expected {
				t.Errorf("expected status %d, got %d", tt.expected, rec.Code)
			}

			var env struct {
				Error struct {
					Code    string         `json:"code"`
					Message string         `json:"message"`
					Details map[string]any `json:"details"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("body is not JSON: %v", err)
			}
			if env.Error.Code != string(tt.code) {
				t.Errorf("expected code %s, got %s", tt.code, env.Error.Code)
			}
			if env.Error.Message != tt.message {
				t.Errorf("expected message %q, got %q", tt.message, env.Error.Message)
			}
		})
	}
}

func TestGenerateRequestID(t *testing.T) {
	id1 := generateRequestID()
	id2 := generateRequestID()

	if id1 == id2 {
		t.Error("expected unique request IDs")
	}

	if len(id1) != 32 {
		t.Errorf("expected length 32, got %d", len(id1))
	}
}

func TestHandleErrorHidesInternalCause(t *testing.T) {
	var logBuf bytes.Buffer
	log := logger.New(logger.Config{Level: "info", Format: "json", Output: &logBuf})

	req := httptest.NewRequest("POST", "/api/workers/w1/request-task", nil)
	rec := httptest.NewRecorder()
	HandleError(rec, req, log, errors.Wrap(context.DeadlineExceeded, "postgres.claim", "claim failed"))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "postgres.claim") {
		t.Errorf("internal cause leaked to client: %s", rec.Body.String())
	}
	if !strings.Contains(logBuf.String(), "postgres.claim") {
		t.Errorf("expected cause in log, got: %s", logBuf.String())
	}
}

func TestHandleErrorConflictDetails(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/workers/w1/request-task", nil)
	rec := httptest.NewRecorder()
	err := errors.Conflict("worker already has an active task").WithField("task_id", "t-1")
	HandleError(rec, req, logger.Discard(), err)

	if rec.Code != http.StatusConflict {
		t.Errorf("expected status 409, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, `"task_id":"t-1"`) || !strings.Contains(body, "active task") {
		t.Errorf("unexpected body: %s", body)
	}
}

func TestTimeoutSetsDeadline(t *testing.T) {
	handler := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Context().Deadline(); !ok {
			t.Error("expected request context to carry a deadline")
		}
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))
}
