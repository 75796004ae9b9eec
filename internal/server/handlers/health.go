package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// PoolStatus exposes worker availability snapshots. Satisfied by
// *worker.Pool.
type PoolStatus interface {
	Statuses() []core.WorkerStatus
}

// HealthResponse is the health endpoint payload.
type HealthResponse struct {
	Status    string              `json:"status"`
	Timestamp string              `json:"timestamp"`
	Workers   []core.WorkerStatus `json:"workers"`
}

// Health handles GET /health. The proxy is healthy while any worker can
// accept dispatch.
type Health struct {
	Pool PoolStatus
}

// ServeHTTP implements the health endpoint.
func (h *Health) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	statuses := h.Pool.Statuses()

	anyAvailable := false
	for _, status := range statuses {
		if status.Available {
			anyAvailable = true
			break
		}
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Workers:   statuses,
	}

	code := http.StatusOK
	if !anyAvailable {
		response.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(response)
}
