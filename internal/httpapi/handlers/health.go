package handlers

import (
	"context"
	"net/http"
	"time"

	"renderfarm/internal/httpkit"
)

// Health reports liveness. With ?deep=true it also pings the store.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	health := map[string]any{
		"status":  "ok",
		"service": "renderfarm-api",
		"store":   h.store.Provider(),
	}

	if r.URL.Query().Get("deep") == "true" {
		check := h.checkStore(ctx)
		health["checks"] = map[string]any{"store": check}
		if check["status"] != "ok" {
			health["status"] = "degraded"
			h.log.FromContext(ctx).Warn("health check degraded", "store", check)
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) checkStore(ctx context.Context) map[string]any {
	start := time.Now()
	result := map[string]any{
		"status":   "ok",
		"provider": h.store.Provider(),
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := h.store.Ping(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}

	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
