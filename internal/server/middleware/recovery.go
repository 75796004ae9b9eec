package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// Recovery recovers from handler panics, logs the stack, and answers with
// a JSON-RPC internal-error envelope.
func Recovery(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("handler panic",
						zap.String("request_id", GetRequestID(r.Context())),
						zap.Any("panic", err),
						zap.ByteString("stack", debug.Stack()))

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_, _ = w.Write(core.ErrorEnvelope(core.CodeInternalError,
						fmt.Sprintf("Internal error: %v", err), nil))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
