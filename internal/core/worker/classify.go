package worker

import (
	"strings"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// transientCodes are JSON-RPC error codes retryable on another endpoint.
// 19 shows up from gRPC-backed nodes, -32000/-32603 are generic
// server-side failures, 429/503 leak through from HTTP-aware gateways.
var transientCodes = map[int64]bool{
	19:     true,
	-32000: true,
	-32603: true,
	429:    true,
	503:    true,
}

// transientKeywords mark an RPC error message as retryable.
var transientKeywords = []string{
	"temporary",
	"retry",
	"timeout",
	"timed out",
	"unavailable",
	"connection",
	"network",
	"try again",
	"overloaded",
	"capacity",
	"grpc",
	"cancel",
}

// isTransientRPCError reports whether a well-formed upstream RPC error
// should trigger failover instead of being forwarded to the client.
func isTransientRPCError(rpcErr *core.RPCError) bool {
	if rpcErr == nil {
		return false
	}

	if transientCodes[rpcErr.Code] {
		return true
	}

	message := strings.ToLower(rpcErr.Message)
	for _, keyword := range transientKeywords {
		if strings.Contains(message, keyword) {
			return true
		}
	}

	return false
}
