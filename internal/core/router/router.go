// Package router dispatches client requests across the worker pool with
// failover. It prefers holding the client connection over returning an
// error while any endpoint is pending recovery.
package router

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
	"github.com/rpcsentinel/rpcsentinel/internal/core/worker"
)

// maxIdleWait bounds the sleep while no worker is available so the router
// notices newly-revived workers promptly.
const maxIdleWait = 5 * time.Second

// Router routes one request at a time across the pool.
type Router struct {
	Pool   *worker.Pool
	Logger *zap.Logger

	// MaxHoldTime is the wall-clock bound on one routed request across all
	// retries and waits. Zero means no bound.
	MaxHoldTime time.Duration

	Clock func() time.Time
}

// New creates a router over the pool.
func New(pool *worker.Pool, maxHoldTime time.Duration, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{Pool: pool, Logger: logger, MaxHoldTime: maxHoldTime}
}

// Route dispatches the job with failover semantics. It blocks until some
// upstream produces a completable response, the retry policy is exhausted,
// the hold-time bound lapses, or ctx is cancelled.
func (r *Router) Route(ctx context.Context, job worker.Job) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var deadline time.Time
	if r.MaxHoldTime > 0 {
		deadline = r.now().Add(r.MaxHoldTime)
	}

	all := r.Pool.All()
	maxAttempts := 2 * len(all)

	tried := make(map[string]bool)
	attempts := 0
	var lastErr error

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !deadline.IsZero() && r.now().After(deadline) {
			return nil, &core.AllEndpointsFailedError{Last: lastErr}
		}

		available := r.Pool.Available()
		candidate := pick(available, tried)

		if candidate == nil {
			if err := r.waitForRecovery(ctx, deadline); err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				if lastErr == nil {
					lastErr = err
				}
				return nil, &core.AllEndpointsFailedError{Last: lastErr}
			}
			continue
		}

		attempts++
		body, err := candidate.Do(ctx, job)
		if err == nil {
			return body, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		lastErr = err
		tried[candidate.URL] = true
		r.Logger.Debug("endpoint rejected request, failing over",
			zap.String("endpoint", candidate.URL),
			zap.Int("attempt", attempts),
			zap.Error(err))

		if len(tried) >= len(available) {
			if attempts >= maxAttempts {
				return nil, &core.AllEndpointsFailedError{Last: lastErr}
			}
			// Give exhausted endpoints a second chance within this request.
			tried = make(map[string]bool)
		}
	}
}

// pick selects the least-loaded untried worker, falling back to the
// least-loaded available worker. Ties go to the earliest-registered.
func pick(available []*worker.Worker, tried map[string]bool) *worker.Worker {
	var candidate *worker.Worker
	candidateLen := 0

	for _, w := range available {
		if tried[w.URL] {
			continue
		}
		queueLen := w.QueueLength()
		if candidate == nil || queueLen < candidateLen {
			candidate = w
			candidateLen = queueLen
		}
	}
	if candidate != nil {
		return candidate
	}

	for _, w := range available {
		queueLen := w.QueueLength()
		if candidate == nil || queueLen < candidateLen {
			candidate = w
			candidateLen = queueLen
		}
	}
	return candidate
}

// waitForRecovery sleeps until the nearest cooldown expiry, capped at
// maxIdleWait, holding the client connection instead of failing.
func (r *Router) waitForRecovery(ctx context.Context, deadline time.Time) error {
	wait := r.Pool.ShortestRecovery()
	if wait <= 0 || wait > maxIdleWait {
		wait = maxIdleWait
	}
	if !deadline.IsZero() {
		if remaining := deadline.Sub(r.now()); remaining < wait {
			wait = remaining
		}
	}
	if wait <= 0 {
		return context.DeadlineExceeded
	}

	r.Logger.Debug("no endpoint available, holding request",
		zap.Duration("wait", wait))

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (r *Router) now() time.Time {
	if r != nil && r.Clock != nil {
		return r.Clock()
	}
	return time.Now().UTC()
}
