package api

import (
	"net/http"
	"time"

	"github.com/onnwee/chaintrail/internal/health"
)

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	registry *health.Registry
}

// NewHealthHandlers creates the health endpoint handlers.
func NewHealthHandlers(registry *health.Registry) *HealthHandlers {
	return &HealthHandlers{registry: registry}
}

// healthResponse is the JSON shape for both probes.
type healthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe). If the process can respond,
// it is alive.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	WriteJSON(w, r.Context(), http.StatusOK, healthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": "ok"},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe), running all registered
// dependency checks. Returns 503 when any dependency is down.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r)
		return
	}

	status := h.registry.Check(r.Context())
	resp := healthResponse{
		Status:    "ready",
		Checks:    status.Checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	code := http.StatusOK
	if !status.Healthy {
		resp.Status = "not ready"
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, r.Context(), code, resp)
}
