package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderfarm/internal/dispatch"
	"renderfarm/internal/httpkit"
	"renderfarm/internal/models"
	"renderfarm/internal/pkg/logger"
)

type SubmitRenderRequest struct {
	Priority string `json:"priority"`
}

type UpdateRenderStatusRequest struct {
	Status   *string  `json:"status"`
	Progress *float64 `json:"progress"`
}

type CompleteRenderRequest struct {
	ResultKey string `json:"result_key"`
}

type FailRenderRequest struct {
	Reason string `json:"reason"`
}

type renderSummary struct {
	ID       string            `json:"id"`
	Status   models.TaskStatus `json:"status"`
	Priority models.Priority   `json:"priority"`
	Progress float64           `json:"progress"`
}

func (h *Handler) PostRender(w http.ResponseWriter, r *http.Request) error {
	var req SubmitRenderRequest
	if err := httpkit.DecodeOptionalJSON(r, &req); err != nil {
		return invalidBody(err)
	}

	task, err := h.svc.SubmitTask(r.Context(), req.Priority)
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{
		"task_id":    task.ID,
		"status":     task.Status,
		"priority":   task.Priority,
		"created_at": task.CreatedAt,
	})
	return nil
}

func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) error {
	tasks, err := h.svc.ListTasks(r.Context())
	if err != nil {
		return err
	}

	out := make([]renderSummary, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, renderSummary{ID: t.ID, Status: t.Status, Priority: t.Priority, Progress: t.Progress})
	}
	httpkit.WriteJSON(w, http.StatusOK, out)
	return nil
}

func (h *Handler) GetRender(w http.ResponseWriter, r *http.Request) error {
	task, err := h.svc.GetTask(r.Context(), chi.URLParam(r, "taskId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, task)
	return nil
}

func (h *Handler) PostRenderStatus(w http.ResponseWriter, r *http.Request) error {
	var req UpdateRenderStatusRequest
	if err := httpkit.DecodeJSON(r, &req); err != nil {
		return invalidBody(err)
	}

	taskID := chi.URLParam(r, "taskId")
	ctx := logger.ContextWithTaskID(r.Context(), taskID)
	task, err := h.svc.UpdateTaskStatus(ctx, taskID, dispatch.TaskUpdate{
		Status:   req.Status,
		Progress: req.Progress,
	})
	if err != nil {
		return err
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"task_id":  task.ID,
		"status":   task.Status,
		"progress": task.Progress,
	})
	return nil
}

func (h *Handler) PostRenderComplete(w http.ResponseWriter, r *http.Request) error {
	var req CompleteRenderRequest
	if err := httpkit.DecodeOptionalJSON(r, &req); err != nil {
		return invalidBody(err)
	}

	taskID := chi.URLParam(r, "taskId")
	ctx := logger.ContextWithTaskID(r.Context(), taskID)
	task, err := h.svc.CompleteTask(ctx, taskID, req.ResultKey)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, task)
	return nil
}

func (h *Handler) PostRenderFail(w http.ResponseWriter, r *http.Request) error {
	var req FailRenderRequest
	if err := httpkit.DecodeOptionalJSON(r, &req); err != nil {
		return invalidBody(err)
	}

	taskID := chi.URLParam(r, "taskId")
	ctx := logger.ContextWithTaskID(r.Context(), taskID)
	task, err := h.svc.FailTask(ctx, taskID, req.Reason)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, task)
	return nil
}
