package worker

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// probeBody is the health-probe RPC issued against parked endpoints.
var probeBody = []byte(`{"jsonrpc":"2.0","method":"eth_blockNumber","params":[],"id":1}`)

// Prober periodically probes workers parked in ERROR. Cooling-down workers
// are left alone; their timers drive recovery. Probes go straight to the
// endpoint, bypassing the worker queue, so they cannot deadlock behind
// queued user traffic.
type Prober struct {
	Pool     *Pool
	Interval time.Duration
	Logger   *zap.Logger
}

// NewProber creates a prober over the pool.
func NewProber(pool *Pool, interval time.Duration, logger *zap.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{Pool: pool, Interval: interval, Logger: logger}
}

// Run probes on the configured interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) {
	if p == nil || p.Pool == nil {
		return
	}

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep probes every ERROR-state worker once.
func (p *Prober) Sweep(ctx context.Context) {
	for _, w := range p.Pool.All() {
		if w.State() != core.StateError {
			continue
		}
		if probe(ctx, w) {
			w.markHealthy()
			p.Logger.Info("health probe succeeded, worker revived",
				zap.String("endpoint", w.URL))
		} else {
			p.Logger.Debug("health probe failed",
				zap.String("endpoint", w.URL))
		}
	}
}

// probe issues the probe RPC and reports whether the endpoint answered
// with a non-empty result.
func probe(ctx context.Context, w *Worker) bool {
	if ctx == nil {
		ctx = context.Background()
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodPost, w.URL, bytes.NewReader(probeBody))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false
	}

	envelope := core.ParseResponse(body)
	return envelope != nil && envelope.Error == nil && len(envelope.Result) > 0 && string(envelope.Result) != "null"
}
