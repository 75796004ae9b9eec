package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// StatisticsReader exposes the read-only reporting queries. Satisfied by
// *store.Store.
type StatisticsReader interface {
	EndpointStatistics(ctx context.Context) ([]core.EndpointStatistics, error)
}

// StatsResponse is the statistics endpoint payload.
type StatsResponse struct {
	Endpoints []core.EndpointStatistics `json:"endpoints"`
	Workers   []core.WorkerStatus       `json:"workers"`
}

// Stats handles GET /stats.
type Stats struct {
	Store  StatisticsReader
	Pool   PoolStatus
	Logger *zap.Logger
}

// ServeHTTP implements the statistics endpoint.
func (h *Stats) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	stats, err := h.Store.EndpointStatistics(r.Context())
	if err != nil {
		if h.Logger != nil {
			h.Logger.Error("fetch endpoint statistics failed", zap.Error(err))
		}
		http.Error(w, "failed to load statistics", http.StatusInternalServerError)
		return
	}

	response := StatsResponse{Endpoints: stats}
	if h.Pool != nil {
		response.Workers = h.Pool.Statuses()
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}
