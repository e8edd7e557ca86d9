// SPDX-License-Identifier: MIT

// Package api exposes the control surface over HTTP. It is a thin JSON
// veneer: all semantics live in the control service and the queue.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nbost130/transcription-palantir-sub001/internal/control"
	"github.com/nbost130/transcription-palantir-sub001/internal/health"
)

// Server holds the HTTP dependencies.
type Server struct {
	svc    *control.Service
	health *health.Manager
}

func NewServer(svc *control.Service, hm *health.Manager) *Server {
	return &Server{svc: svc, health: hm}
}

// Router builds the chi handler tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(httprate.LimitByIP(100, time.Minute))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(60 * time.Second))

			r.Get("/jobs", s.handleListJobs)
			r.Get("/jobs/{id}", s.handleGetJob)
			r.Post("/jobs/{id}/retry", s.handleRetryJob)
			r.Post("/jobs/{id}/requeue", s.handleRequeueJob)
			r.Put("/jobs/{id}/priority", s.handleSetPriority)
			r.Delete("/jobs/{id}", s.handleDeleteJob)

			r.Post("/reconcile", s.handleReconcile)
			r.Get("/stats", s.handleStats)
			r.Post("/pause", s.handlePause)
			r.Post("/resume", s.handleResume)
		})

		// The SSE stream stays open indefinitely; no timeout middleware.
		r.Get("/events", s.handleEvents)
	})

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
