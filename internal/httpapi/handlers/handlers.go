// Package handlers implements the render farm HTTP endpoints.
package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"renderfarm/internal/dispatch"
	"renderfarm/internal/pkg/errors"
	"renderfarm/internal/pkg/logger"
	"renderfarm/internal/pkg/middleware"
	"renderfarm/internal/store"
)

type Deps struct {
	Service *dispatch.Service
	Store   store.Store
	Log     *logger.Logger
}

type Handler struct {
	svc   *dispatch.Service
	store store.Store
	log   *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	st := d.Store
	if st == nil && d.Service != nil {
		st = d.Service.Store()
	}
	return &Handler{
		svc:   d.Service,
		store: st,
		log:   log.WithComponent("httpapi"),
	}
}

// Wrap adapts an error-returning handler method to http.HandlerFunc.
func (h *Handler) Wrap(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
	return middleware.WrapHandler(h.log, fn)
}

// anonymousWorker is the path placeholder for a request without a worker id.
const anonymousWorker = "_"

func workerParam(r *http.Request) string {
	id := chi.URLParam(r, "workerId")
	if id == anonymousWorker {
		return ""
	}
	return id
}

func invalidBody(err error) error {
	return errors.InvalidArgumentf("body", "invalid json body: %v", err)
}
