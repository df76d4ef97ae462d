package api

import (
	"context"
	"net/http"
	"sort"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// HealthDependencies defines the interface for the core liveness probe.
type HealthDependencies interface {
	Healthy(ctx context.Context) error
}

// HealthHandler handles health check requests.
type HealthHandler struct {
	deps   HealthDependencies
	checks map[string]HealthCheck
	names  []string
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(deps HealthDependencies, checks map[string]HealthCheck) *HealthHandler {
	h := &HealthHandler{deps: deps, checks: checks}
	for name := range checks {
		h.names = append(h.names, name)
	}
	sort.Strings(h.names)
	return h
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HandleHealth handles GET /healthz requests. Any failing probe turns the
// response into a 503.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	resp := healthResponse{Status: "ok", Checks: map[string]string{}}
	record := func(name string, err error) {
		if err != nil {
			resp.Status = "unavailable"
			resp.Checks[name] = err.Error()
			return
		}
		resp.Checks[name] = "ok"
	}

	record("service", h.deps.Healthy(ctx))
	for _, name := range h.names {
		record(name, h.checks[name](ctx))
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
