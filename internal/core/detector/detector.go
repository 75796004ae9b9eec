// Package detector classifies upstream outcomes as rate limiting and
// recommends cooldown durations. Detection is a pure function of the
// observation plus two pieces of state: per-endpoint consecutive-strike
// counters and the endpoint's recent request history.
package detector

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// rateLimitStatuses are HTTP statuses treated as rate-limit signals.
// 403 is kept deliberately: several hosted RPC providers answer quota
// exhaustion with it, though it can also mean auth misconfiguration.
var rateLimitStatuses = map[int]bool{
	http.StatusTooManyRequests:    true,
	http.StatusServiceUnavailable: true,
	http.StatusForbidden:          true,
}

// rateLimitKeywords is the vocabulary matched against response and error
// text, lowercased.
var rateLimitKeywords = []string{
	"rate limit",
	"too many requests",
	"exceeded",
	"quota",
	"throttle",
	"too many",
}

const minFailureSamples = 5

// HistoryStore supplies the historical signals.
type HistoryStore interface {
	RecentOutcomes(ctx context.Context, endpointID int64, n int) ([]bool, error)
	AverageCooldown(ctx context.Context, endpointID int64, days int) (time.Duration, error)
}

// Observation is one upstream outcome handed to the detector.
type Observation struct {
	Body         []byte
	HTTPStatus   int
	Header       http.Header
	ResponseTime time.Duration
	TransportErr error
}

// Detector analyzes upstream outcomes for rate limiting.
type Detector struct {
	History HistoryStore
	Config  config.RateLimitConfig
	Logger  *zap.Logger
	Clock   func() time.Time

	mu      sync.Mutex
	strikes map[int64]int
}

// New creates a detector with the given history source and tuning.
func New(history HistoryStore, cfg config.RateLimitConfig, logger *zap.Logger) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		History: history,
		Config:  cfg,
		Logger:  logger,
		strikes: make(map[int64]int),
	}
}

// Detect evaluates the four rate-limit signals for one observation. Any
// positive signal yields a rate-limited verdict; confidence is the fraction
// of signals positive. A clean observation resets the endpoint's strikes.
func (d *Detector) Detect(ctx context.Context, endpointID int64, obs Observation) core.Detection {
	if d == nil {
		return core.Detection{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var signals []string

	if rateLimitStatuses[obs.HTTPStatus] {
		signals = append(signals, "http_status")
	}
	if matchesKeywords(obs) {
		signals = append(signals, "body_keyword")
	}
	if d.failureRateExceeded(ctx, endpointID) {
		signals = append(signals, "failure_rate")
	}
	if isTimeout(obs.TransportErr) {
		signals = append(signals, "timeout")
	}

	if len(signals) == 0 {
		d.ResetStrikes(endpointID)
		return core.Detection{}
	}

	cooldown := d.cooldownFor(ctx, endpointID, obs)

	detection := core.Detection{
		IsRateLimited: true,
		Cooldown:      cooldown,
		Confidence:    float64(len(signals)) / 4,
		Signals:       signals,
	}

	d.Logger.Debug("rate limit detected",
		zap.Int64("endpoint_id", endpointID),
		zap.Int("http_status", obs.HTTPStatus),
		zap.Duration("response_time", obs.ResponseTime),
		zap.Duration("cooldown", cooldown),
		zap.Float64("confidence", detection.Confidence),
		zap.Strings("signals", signals))

	return detection
}

// Strikes returns the current consecutive-strike count for an endpoint.
func (d *Detector) Strikes(endpointID int64) int {
	if d == nil {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.strikes[endpointID]
}

// ResetStrikes clears the consecutive-strike counter for an endpoint.
// Called on any non-rate-limited verdict, on cooldown expiry, and on
// health-check success.
func (d *Detector) ResetStrikes(endpointID int64) {
	if d == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.strikes, endpointID)
}

// cooldownFor picks the cooldown in order of precedence: Retry-After
// header, exponential backoff from the strike count, then the historical
// average as a floor. The strike counter increments on every detection.
func (d *Detector) cooldownFor(ctx context.Context, endpointID int64, obs Observation) time.Duration {
	maxCooldown := d.Config.MaxCooldown
	if maxCooldown <= 0 {
		maxCooldown = 300 * time.Second
	}
	minCooldown := d.Config.MinCooldown
	if minCooldown <= 0 {
		minCooldown = 60 * time.Second
	}
	multiplier := d.Config.BackoffMultiplier
	if multiplier < 1 {
		multiplier = 2
	}

	strike := d.incrementStrikes(endpointID)

	if retryAfter, ok := parseRetryAfter(obs.Header, d.now()); ok {
		if retryAfter > maxCooldown {
			retryAfter = maxCooldown
		}
		if retryAfter < 0 {
			retryAfter = 0
		}
		return retryAfter
	}

	cooldown := time.Duration(float64(minCooldown) * math.Pow(multiplier, float64(strike)))
	if cooldown < minCooldown {
		cooldown = minCooldown
	}
	if cooldown > maxCooldown {
		cooldown = maxCooldown
	}

	if d.History != nil {
		historical, err := d.History.AverageCooldown(ctx, endpointID, 7)
		if err != nil {
			d.Logger.Warn("historical cooldown lookup failed",
				zap.Int64("endpoint_id", endpointID), zap.Error(err))
		} else if historical > cooldown {
			cooldown = historical
			if cooldown > maxCooldown {
				cooldown = maxCooldown
			}
		}
	}

	return cooldown
}

// incrementStrikes bumps the counter and returns the pre-increment value.
func (d *Detector) incrementStrikes(endpointID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	current := d.strikes[endpointID]
	d.strikes[endpointID] = current + 1
	return current
}

func (d *Detector) failureRateExceeded(ctx context.Context, endpointID int64) bool {
	if d.History == nil {
		return false
	}

	window := d.Config.HistoryWindowSize
	if window <= 0 {
		window = 20
	}

	outcomes, err := d.History.RecentOutcomes(ctx, endpointID, window)
	if err != nil {
		d.Logger.Warn("recent outcome lookup failed",
			zap.Int64("endpoint_id", endpointID), zap.Error(err))
		return false
	}
	if len(outcomes) < minFailureSamples {
		return false
	}

	failed := 0
	for _, success := range outcomes {
		if !success {
			failed++
		}
	}

	threshold := d.Config.DetectionThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	return float64(failed)/float64(len(outcomes)) >= threshold
}

func (d *Detector) now() time.Time {
	if d != nil && d.Clock != nil {
		return d.Clock()
	}
	return time.Now().UTC()
}

func matchesKeywords(obs Observation) bool {
	var text strings.Builder

	if len(obs.Body) > 0 {
		var envelope struct {
			Error *core.RPCError `json:"error"`
		}
		if err := json.Unmarshal(obs.Body, &envelope); err == nil && envelope.Error != nil {
			text.WriteString(envelope.Error.Message)
			text.WriteString(" ")
		}
		text.Write(obs.Body)
		text.WriteString(" ")
	}
	if obs.TransportErr != nil {
		text.WriteString(obs.TransportErr.Error())
	}

	haystack := strings.ToLower(text.String())
	if haystack == "" {
		return false
	}

	for _, keyword := range rateLimitKeywords {
		if strings.Contains(haystack, keyword) {
			return true
		}
	}
	return false
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// parseRetryAfter interprets the Retry-After header as integer seconds or
// an HTTP-date. The boolean reports whether a usable value was present.
func parseRetryAfter(header http.Header, now time.Time) (time.Duration, bool) {
	if header == nil {
		return 0, false
	}

	value := strings.TrimSpace(header.Get("Retry-After"))
	if value == "" {
		return 0, false
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds < 0 {
			seconds = 0
		}
		return time.Duration(seconds) * time.Second, true
	}

	if when, err := http.ParseTime(value); err == nil {
		wait := when.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}

	return 0, false
}
