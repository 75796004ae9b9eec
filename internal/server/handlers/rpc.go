// Package handlers implements the ingress HTTP endpoints.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
	"github.com/rpcsentinel/rpcsentinel/internal/core/worker"
	servermw "github.com/rpcsentinel/rpcsentinel/internal/server/middleware"
)

// maxRequestBody caps the ingress body size at 10 MiB.
const maxRequestBody = 10 << 20

// Router is the routing dependency of the RPC handler.
type Router interface {
	Route(ctx context.Context, job worker.Job) ([]byte, error)
}

// RequestObserver records ingress request measurements.
type RequestObserver interface {
	ObserveRequest(method string, outcome string, duration time.Duration)
}

// RPC handles POST / — the JSON-RPC proxy ingress.
type RPC struct {
	Router   Router
	Logger   *zap.Logger
	Observer RequestObserver
}

// ServeHTTP validates the envelope, routes the request across the pool,
// and forwards the winning upstream body byte-for-byte.
func (h *RPC) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	start := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeBadRequest(w, nil)
		return
	}

	var req core.Request
	if err := json.Unmarshal(body, &req); err != nil || !req.Validate() {
		h.observe("invalid", "bad_request", time.Since(start))
		writeBadRequest(w, req.ID)
		return
	}

	requestID := servermw.GetRequestID(r.Context())
	logger.Debug("routing request",
		zap.String("request_id", requestID),
		zap.String("rpc_method", req.Method))

	respBody, err := h.Router.Route(r.Context(), worker.Job{Method: req.Method, Body: body})
	if err != nil {
		if r.Context().Err() != nil {
			// Client is gone; nothing useful to write.
			return
		}

		var exhausted *core.AllEndpointsFailedError
		if errors.As(err, &exhausted) {
			h.observe(req.Method, "all_failed", time.Since(start))
			logger.Error("all endpoints failed",
				zap.String("request_id", requestID),
				zap.String("rpc_method", req.Method),
				zap.Error(err))
			writeRPCError(w, core.CodeInternalError,
				fmt.Sprintf("Internal error: All RPC endpoints failed: %v", exhausted.Last), req.ID)
			return
		}

		h.observe(req.Method, "error", time.Since(start))
		logger.Error("routing failed",
			zap.String("request_id", requestID),
			zap.String("rpc_method", req.Method),
			zap.Error(err))
		writeRPCError(w, core.CodeInternalError, "Internal error", req.ID)
		return
	}

	h.observe(req.Method, "ok", time.Since(start))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(respBody)
}

func (h *RPC) observe(method string, outcome string, duration time.Duration) {
	if h.Observer != nil {
		h.Observer.ObserveRequest(method, outcome, duration)
	}
}

func writeBadRequest(w http.ResponseWriter, id json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_, _ = w.Write(core.ErrorEnvelope(core.CodeInvalidRequest, "Invalid Request", id))
}

func writeRPCError(w http.ResponseWriter, code int64, message string, id json.RawMessage) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(core.ErrorEnvelope(code, message, id))
}
