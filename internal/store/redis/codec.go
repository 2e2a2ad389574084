package redis

import (
	"strconv"
	"time"

	"renderfarm/internal/models"
)

// pendingScore orders the queue by priority rank, then insertion sequence.
// Scores stay exact in a float64 while seq < 1e15.
func pendingScore(p models.Priority, seq int64) float64 {
	return float64(p.Rank())*1e15 + float64(seq)
}

func heartbeatScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t.UTC()
}

func taskToMap(t *models.Task, seq int64) map[string]any {
	return map[string]any{
		"id":              t.ID,
		"status":          string(t.Status),
		"priority":        string(t.Priority),
		"progress":        strconv.FormatFloat(t.Progress, 'g', -1, 64),
		"assigned_worker": t.AssignedWorker,
		"attempts":        t.Attempts,
		"result_key":      t.ResultKey,
		"failure_reason":  t.FailureReason,
		"created_at":      formatTime(t.CreatedAt),
		"updated_at":      formatTime(t.UpdatedAt),
		"seq":             seq,
	}
}

func taskFromMap(m map[string]string) (*models.Task, int64) {
	progress, _ := strconv.ParseFloat(m["progress"], 64)
	attempts, _ := strconv.Atoi(m["attempts"])
	seq, _ := strconv.ParseInt(m["seq"], 10, 64)
	return &models.Task{
		ID:             m["id"],
		Status:         models.TaskStatus(m["status"]),
		Priority:       models.Priority(m["priority"]),
		Progress:       progress,
		AssignedWorker: m["assigned_worker"],
		Attempts:       attempts,
		ResultKey:      m["result_key"],
		FailureReason:  m["failure_reason"],
		CreatedAt:      parseTime(m["created_at"]),
		UpdatedAt:      parseTime(m["updated_at"]),
	}, seq
}

func workerToMap(w *models.Worker, seq int64) map[string]any {
	hb := ""
	if w.LastHeartbeat != nil {
		hb = formatTime(*w.LastHeartbeat)
	}
	return map[string]any{
		"id":             w.ID,
		"status":         string(w.Status),
		"last_heartbeat": hb,
		"current_task":   w.CurrentTask,
		"registered_at":  formatTime(w.RegisteredAt),
		"seq":            seq,
	}
}

func workerFromMap(m map[string]string) (*models.Worker, int64) {
	seq, _ := strconv.ParseInt(m["seq"], 10, 64)
	w := &models.Worker{
		ID:           m["id"],
		Status:       models.WorkerStatus(m["status"]),
		CurrentTask:  m["current_task"],
		RegisteredAt: parseTime(m["registered_at"]),
	}
	if hb := m["last_heartbeat"]; hb != "" {
		t := parseTime(hb)
		w.LastHeartbeat = &t
	}
	return w, seq
}
