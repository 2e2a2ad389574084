package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"renderfarm/internal/httpkit"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
)

type RegisterWorkerRequest struct {
	WorkerID string `json:"worker_id"`
}

type UpdateWorkerStatusRequest struct {
	Status string `json:"status"`
}

type workerSummary struct {
	ID            string              `json:"id"`
	Status        models.WorkerStatus `json:"status"`
	LastHeartbeat *time.Time          `json:"last_heartbeat"`
	CurrentTask   string              `json:"current_task_id,omitempty"`
}

func summarizeWorker(w *models.Worker) workerSummary {
	return workerSummary{
		ID:            w.ID,
		Status:        w.Status,
		LastHeartbeat: w.LastHeartbeat,
		CurrentTask:   w.CurrentTask,
	}
}

func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) error {
	workers, err := h.svc.ListWorkers(r.Context())
	if err != nil {
		return err
	}

	out := make([]workerSummary, 0, len(workers))
	for _, wk := range workers {
		out = append(out, summarizeWorker(wk))
	}
	httpkit.WriteJSON(w, http.StatusOK, out)
	return nil
}

func (h *Handler) GetWorker(w http.ResponseWriter, r *http.Request) error {
	wk, err := h.svc.GetWorker(r.Context(), chi.URLParam(r, "workerId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, wk)
	return nil
}

func (h *Handler) PostWorker(w http.ResponseWriter, r *http.Request) error {
	var req RegisterWorkerRequest
	if err := httpkit.DecodeOptionalJSON(r, &req); err != nil {
		return invalidBody(err)
	}
	if req.WorkerID == anonymousWorker {
		return errors.InvalidArgumentf("worker_id", "worker id %q is reserved", anonymousWorker)
	}

	wk, created, err := h.svc.RegisterWorker(r.Context(), req.WorkerID)
	if err != nil {
		return err
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	httpkit.WriteJSON(w, status, wk)
	return nil
}

func (h *Handler) PostRequestTask(w http.ResponseWriter, r *http.Request) error {
	workerID := workerParam(r)
	ctx := logger.ContextWithWorkerID(r.Context(), workerID)

	a, err := h.svc.RequestTask(ctx, workerID)
	if err != nil {
		return err
	}

	if !a.Available {
		httpkit.WriteJSON(w, http.StatusOK, map[string]any{
			"message":    "no task available",
			"worker_id":  a.WorkerID,
			"registered": a.Registered,
		})
		return nil
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"task_id":    a.Task.ID,
		"status":     a.Task.Status,
		"priority":   a.Task.Priority,
		"attempts":   a.Task.Attempts,
		"worker_id":  a.WorkerID,
		"registered": a.Registered,
	})
	return nil
}

func (h *Handler) PostWorkerStatus(w http.ResponseWriter, r *http.Request) error {
	var req UpdateWorkerStatusRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return invalidBody(err)
	}

	workerID := chi.URLParam(r, "workerId")
	ctx := logger.ContextWithWorkerID(r.Context(), workerID)
	wk, err := h.svc.UpdateWorkerStatus(ctx, workerID, req.Status)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, summarizeWorker(wk))
	return nil
}

func (h *Handler) PostHeartbeat(w http.ResponseWriter, r *http.Request) error {
	workerID := chi.URLParam(r, "workerId")
	ctx := logger.ContextWithWorkerID(r.Context(), workerID)

	wk, err := h.svc.Heartbeat(ctx, workerID)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, summarizeWorker(wk))
	return nil
}
