// Package httpx exposes the worker's operational HTTP surface: liveness
// plus Prometheus metrics. Build traffic never flows through here.
package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"log/slog"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const healthCheckTimeout = 2 * time.Second

// ComponentCheck probes one dependency for the health endpoint.
type ComponentCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Router exposes HTTP endpoints for the build worker.
type Router struct {
	mux     *http.ServeMux
	logger  *slog.Logger
	metrics *Metrics
	checks  []ComponentCheck
}

// New creates and registers handlers.
func New(logger *slog.Logger, metrics *Metrics, checks ...ComponentCheck) *Router {
	r := &Router{
		mux:     http.NewServeMux(),
		logger:  logger,
		metrics: metrics,
		checks:  checks,
	}
	r.routes()
	return r
}

// ServeHTTP satisfies http.Handler.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

func (r *Router) routes() {
	r.mux.HandleFunc("/metrics", promhttp.Handler().ServeHTTP)
	r.mux.HandleFunc("/healthz", r.instrument("/healthz", r.handleHealth))
}

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
	defer cancel()

	status := "ok"
	components := map[string]any{}
	for _, check := range r.checks {
		if err := check.Check(ctx); err != nil {
			status = "degraded"
			components[check.Name] = map[string]any{
				"status": "down",
				"error":  err.Error(),
			}
			continue
		}
		components[check.Name] = map[string]any{"status": "up"}
	}

	payload := map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
	}
	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	r.writeJSON(w, code, payload)
}

func (r *Router) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		r.logger.Error("failed to encode response", "error", err)
	}
}

func (r *Router) writeError(w http.ResponseWriter, status int, msg string) {
	r.writeJSON(w, status, map[string]string{"error": msg})
}
