// Package worker owns the per-endpoint dispatch machinery: one serialized
// queue and drain loop per upstream, cooldown enforcement, and the
// transient/permanent classification of upstream replies.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
	"github.com/rpcsentinel/rpcsentinel/internal/core"
	"github.com/rpcsentinel/rpcsentinel/internal/core/detector"
)

// Job is one client request bound for an upstream. Body is the full
// JSON-RPC request body, forwarded byte-for-byte; Method is used for
// logging and the request log only.
type Job struct {
	Method string
	Body   []byte
}

// StatsRecorder receives per-call outcomes and rate-limit events.
type StatsRecorder interface {
	RecordRequest(ctx context.Context, entry core.RequestLogEntry) error
	RecordRateLimitEvent(ctx context.Context, event core.RateLimitEvent) error
}

// UpstreamObserver receives upstream call measurements.
type UpstreamObserver interface {
	ObserveUpstream(url string, outcome string, duration time.Duration)
}

// result is what a queued item's future resolves to.
type result struct {
	body []byte
	err  error
}

// item is one queued request plus its completion channel.
type item struct {
	ctx        context.Context
	job        Job
	reply      chan result
	enqueuedAt time.Time
}

// Worker serializes upstream traffic for exactly one endpoint.
type Worker struct {
	EndpointID int64
	URL        string
	Client     *http.Client
	Detector   *detector.Detector
	Stats      StatsRecorder
	Observer   UpstreamObserver
	Logger     *zap.Logger
	Config     config.WorkerConfig
	Clock      func() time.Time

	mu                sync.Mutex
	state             core.WorkerState
	cooldownUntil     time.Time
	queue             []*item
	processing        bool
	transportFailures int
}

// New creates a worker for one endpoint URL.
func New(endpointID int64, url string, det *detector.Detector, stats StatsRecorder, cfg config.WorkerConfig, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Worker{
		EndpointID: endpointID,
		URL:        url,
		Client:     &http.Client{Timeout: timeout},
		Detector:   det,
		Stats:      stats,
		Logger:     logger.With(zap.String("endpoint", url)),
		Config:     cfg,
		state:      core.StateHealthy,
	}
}

// Do enqueues a job and blocks until this endpoint produces a terminal
// outcome or ctx is cancelled. It returns core.ErrQueueFull immediately
// when the queue is at capacity; a *core.TransientError tells the caller
// to try another endpoint.
func (w *Worker) Do(ctx context.Context, job Job) ([]byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	it := &item{
		ctx:        ctx,
		job:        job,
		reply:      make(chan result, 1),
		enqueuedAt: w.now(),
	}

	w.mu.Lock()
	maxQueue := w.Config.MaxQueueSize
	if maxQueue <= 0 {
		maxQueue = 1000
	}
	if len(w.queue) >= maxQueue {
		w.mu.Unlock()
		return nil, core.ErrQueueFull
	}
	w.queue = append(w.queue, it)
	w.startDrainLocked()
	w.mu.Unlock()

	select {
	case res := <-it.reply:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// startDrainLocked launches the drain loop if none is running.
// Caller holds w.mu.
func (w *Worker) startDrainLocked() {
	if w.processing {
		return
	}
	w.processing = true
	go w.drain()
}

// drain is the single-consumer loop. At most one runs per worker; it exits
// when the queue is empty or the worker is parked in ERROR.
func (w *Worker) drain() {
	for {
		w.mu.Lock()

		if w.state == core.StateCoolingDown {
			now := w.now()
			if now.Before(w.cooldownUntil) {
				wait := w.cooldownUntil.Sub(now)
				if wait > time.Second {
					wait = time.Second
				}
				w.mu.Unlock()
				time.Sleep(wait)
				continue
			}
			w.state = core.StateHealthy
			w.cooldownUntil = time.Time{}
			w.mu.Unlock()
			w.Detector.ResetStrikes(w.EndpointID)
			w.Logger.Info("cooldown expired, resuming")
			continue
		}

		if w.state == core.StateError || len(w.queue) == 0 {
			w.processing = false
			w.mu.Unlock()
			return
		}

		it := w.queue[0]
		w.queue = w.queue[1:]
		w.mu.Unlock()

		if it.ctx != nil && it.ctx.Err() != nil {
			// Abandoned while queued; skip without contacting upstream.
			it.reply <- result{err: it.ctx.Err()}
			continue
		}

		w.process(it)
	}
}

// process issues one upstream call and resolves or re-queues the item.
func (w *Worker) process(it *item) {
	ctx := it.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	start := w.now()
	body, status, header, transportErr := w.post(ctx, it.job.Body)
	elapsed := w.now().Sub(start)

	w.Logger.Debug("upstream call",
		zap.String("method", it.job.Method),
		zap.Duration("queue_wait", start.Sub(it.enqueuedAt)),
		zap.Duration("elapsed", elapsed),
		zap.Int("status", status))

	obs := detector.Observation{
		Body:         body,
		HTTPStatus:   status,
		Header:       header,
		ResponseTime: elapsed,
		TransportErr: transportErr,
	}
	detection := w.Detector.Detect(ctx, w.EndpointID, obs)

	if detection.IsRateLimited {
		w.enterCooldown(ctx, it, detection, status, transportErr)
		return
	}

	if transportErr != nil {
		w.observe("transport_error", elapsed)
		w.recordOutcome(ctx, it.job.Method, false, elapsed, status, transportErr.Error())
		w.noteTransportFailure()
		it.reply <- result{err: &core.TransientError{Err: transportErr}}
		return
	}

	w.clearTransportFailures()

	if envelope := core.ParseResponse(body); envelope != nil && envelope.Error != nil {
		if isTransientRPCError(envelope.Error) {
			w.observe("transient_error", elapsed)
			w.recordOutcome(ctx, it.job.Method, false, elapsed, status, envelope.Error.Message)
			it.reply <- result{err: &core.TransientError{RPCError: envelope.Error}}
			return
		}
		// A well-formed RPC error is a correct upstream answer; it is
		// forwarded verbatim and counts as a success.
		w.observe("rpc_error", elapsed)
		w.recordOutcome(ctx, it.job.Method, true, elapsed, status, envelope.Error.Message)
		it.reply <- result{body: body}
		return
	}

	w.observe("success", elapsed)
	w.recordOutcome(ctx, it.job.Method, true, elapsed, status, "")
	it.reply <- result{body: body}
}

// post sends the request body upstream. Any HTTP status is accepted; only
// transport-level failures surface as an error.
func (w *Worker) post(ctx context.Context, body []byte) ([]byte, int, http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.URL, bytes.NewReader(body))
	if err != nil {
		return nil, 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.Client.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, resp.Header, fmt.Errorf("read upstream response: %w", err)
	}

	return respBody, resp.StatusCode, resp.Header, nil
}

// enterCooldown records the rate-limit event, starts the cooldown, and
// re-inserts the item at the head of the queue so it retries first.
func (w *Worker) enterCooldown(ctx context.Context, it *item, detection core.Detection, status int, transportErr error) {
	message := ""
	if transportErr != nil {
		message = transportErr.Error()
	}

	now := w.now()
	until := now.Add(detection.Cooldown)

	if w.Stats != nil {
		err := w.Stats.RecordRateLimitEvent(ctx, core.RateLimitEvent{
			EndpointID: w.EndpointID,
			DetectedAt: now,
			RecoverAt:  until,
			CooldownMs: detection.Cooldown.Milliseconds(),
			HTTPStatus: status,
			Message:    message,
		})
		if err != nil {
			w.Logger.Warn("record rate limit event failed", zap.Error(err))
		}
	}

	w.mu.Lock()
	w.state = core.StateCoolingDown
	w.cooldownUntil = until
	w.queue = append([]*item{it}, w.queue...)
	w.mu.Unlock()

	w.observe("rate_limited", 0)
	w.Logger.Warn("rate limit detected, cooling down",
		zap.Duration("cooldown", detection.Cooldown),
		zap.Float64("confidence", detection.Confidence),
		zap.Strings("signals", detection.Signals),
		zap.Int("http_status", status))
}

// noteTransportFailure counts consecutive transport failures and parks the
// worker in ERROR once the threshold is crossed. Only health probes revive
// an ERROR worker.
func (w *Worker) noteTransportFailure() {
	threshold := w.Config.ErrorThreshold
	if threshold <= 0 {
		threshold = 3
	}

	w.mu.Lock()
	w.transportFailures++
	tripped := w.transportFailures >= threshold && w.state == core.StateHealthy
	var stranded []*item
	if tripped {
		w.state = core.StateError
		stranded = w.queue
		w.queue = nil
	}
	w.mu.Unlock()

	if tripped {
		w.Logger.Error("consecutive transport failures, parking worker",
			zap.Int("failures", threshold),
			zap.Int("rejected_items", len(stranded)))
		// Queued items are bounced back so their routers can fail over
		// instead of waiting on a parked endpoint.
		for _, queued := range stranded {
			queued.reply <- result{err: &core.TransientError{Err: errEndpointParked}}
		}
	}
}

// errEndpointParked rejects items stranded behind an ERROR transition.
var errEndpointParked = errors.New("endpoint parked after repeated transport failures")

func (w *Worker) clearTransportFailures() {
	w.mu.Lock()
	w.transportFailures = 0
	w.mu.Unlock()
}

func (w *Worker) recordOutcome(ctx context.Context, method string, success bool, elapsed time.Duration, status int, errMessage string) {
	if w.Stats == nil {
		return
	}
	err := w.Stats.RecordRequest(ctx, core.RequestLogEntry{
		EndpointID:     w.EndpointID,
		Method:         method,
		Success:        success,
		ResponseTimeMs: elapsed.Milliseconds(),
		HTTPStatus:     status,
		ErrorMessage:   errMessage,
	})
	if err != nil {
		w.Logger.Warn("record request failed", zap.Error(err))
	}
}

func (w *Worker) observe(outcome string, duration time.Duration) {
	if w.Observer != nil {
		w.Observer.ObserveUpstream(w.URL, outcome, duration)
	}
}

// Available reports whether the worker accepts dispatch right now. A
// worker whose cooldown has lapsed counts as available even before its
// drain loop has observed the expiry.
func (w *Worker) Available() bool {
	if w == nil {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	switch w.state {
	case core.StateHealthy:
		return true
	case core.StateCoolingDown:
		return !w.now().Before(w.cooldownUntil)
	default:
		return false
	}
}

// QueueLength returns the number of queued items.
func (w *Worker) QueueLength() int {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// RecoveryTime returns the time until the cooldown expires, or zero.
func (w *Worker) RecoveryTime() time.Duration {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state != core.StateCoolingDown {
		return 0
	}
	remaining := w.cooldownUntil.Sub(w.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// State returns the worker's current lifecycle state.
func (w *Worker) State() core.WorkerState {
	if w == nil {
		return core.StateError
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Status returns a read-only snapshot for health and stats surfaces.
func (w *Worker) Status() core.WorkerStatus {
	if w == nil {
		return core.WorkerStatus{}
	}
	w.mu.Lock()
	state := w.state
	queueLen := len(w.queue)
	until := w.cooldownUntil
	w.mu.Unlock()

	recovery := time.Duration(0)
	if state == core.StateCoolingDown {
		if remaining := until.Sub(w.now()); remaining > 0 {
			recovery = remaining
		}
	}

	available := state == core.StateHealthy || (state == core.StateCoolingDown && recovery == 0)

	return core.WorkerStatus{
		EndpointID:     w.EndpointID,
		URL:            w.URL,
		State:          state,
		QueueLength:    queueLen,
		RecoveryTimeMs: recovery.Milliseconds(),
		Available:      available,
	}
}

// markHealthy revives the worker after a successful health probe and
// restarts the drain loop if work is pending.
func (w *Worker) markHealthy() {
	w.mu.Lock()
	w.state = core.StateHealthy
	w.cooldownUntil = time.Time{}
	w.transportFailures = 0
	restart := len(w.queue) > 0
	if restart {
		w.startDrainLocked()
	}
	w.mu.Unlock()

	w.Detector.ResetStrikes(w.EndpointID)
}

func (w *Worker) now() time.Time {
	if w != nil && w.Clock != nil {
		return w.Clock()
	}
	return time.Now().UTC()
}
