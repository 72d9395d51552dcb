package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// healthCheckTimeout bounds the bridge health check behind /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Get("/pending", s.handlePending)
	})

	r.Handle("/metrics", promhttp.HandlerFor(s.newRegistry(), promhttp.HandlerOpts{}))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	return r
}

// handleHealth returns 200 while the bridge can forward and 503 otherwise.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	body := map[string]any{
		"status":  "ok",
		"version": s.version,
		"bridge":  s.bridgeID,
	}

	if err := s.bridge.HealthCheck(ctx); err != nil {
		body["status"] = "degraded"
		body["reason"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}

	writeJSON(w, http.StatusOK, body)
}

// PendingResponse lists the delivery ids awaiting acknowledgement.
type PendingResponse struct {
	Topic string   `json:"topic"`
	Count int      `json:"count"`
	IDs   []uint64 `json:"ids"`
}

func (s *Server) handlePending(w http.ResponseWriter, _ *http.Request) {
	ids := s.bridge.Pending()
	writeJSON(w, http.StatusOK, PendingResponse{
		Topic: s.bridge.Topic(),
		Count: len(ids),
		IDs:   ids,
	})
}
