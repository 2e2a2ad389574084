package httpapi

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"renderfarm/internal/dispatch"
	"renderfarm/internal/httpapi/handlers"
	"renderfarm/internal/httpkit"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/pkg/middleware"
	"renderfarm/internal/store"
)

const requestTimeout = 15 * time.Second

type Deps struct {
	Service *dispatch.Service
	Store   store.Store
	Log     *logger.Logger
}

func NewRouter(d Deps) http.Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.Use(middleware.Logging(log))
	r.Use(middleware.Timeout(requestTimeout))

	allowedOrigins := envCSV("CORS_ALLOWED_ORIGINS", []string{
		"http://localhost:8081",
		"http://localhost:5173",
	})
	r.Use(httpkit.CORS(httpkit.CORSOptions{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: false,
		MaxAgeSeconds:    600,
	}))

	h := handlers.New(handlers.Deps{
		Service: d.Service,
		Store:   d.Store,
		Log:     log,
	})

	// ---- HEALTH ----
	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		// ---- RENDERS ----
		r.Post("/renders", h.Wrap(h.PostRender))
		r.Get("/renders", h.Wrap(h.ListRenders))
		r.Get("/renders/{taskId}", h.Wrap(h.GetRender))
		r.Post("/renders/{taskId}/status", h.Wrap(h.PostRenderStatus))
		r.Post("/renders/{taskId}/complete", h.Wrap(h.PostRenderComplete))
		r.Post("/renders/{taskId}/fail", h.Wrap(h.PostRenderFail))

		// ---- WORKERS ----
		r.Get("/workers", h.Wrap(h.ListWorkers))
		r.Post("/workers", h.Wrap(h.PostWorker))
		r.Get("/workers/{workerId}", h.Wrap(h.GetWorker))
		r.Post("/workers/{workerId}/request-task", h.Wrap(h.PostRequestTask))
		r.Post("/workers/{workerId}/status", h.Wrap(h.PostWorkerStatus))
		r.Post("/workers/{workerId}/heartbeat", h.Wrap(h.PostHeartbeat))
	})

	return r
}

func envCSV(key string, def []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
