package core

import "time"

// Endpoint is a configured upstream RPC URL with its stored identity.
type Endpoint struct {
	ID        int64     `json:"id"`
	URL       string    `json:"url"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EndpointStatistics are the per-endpoint aggregate counters.
// Invariant: TotalRequests = SuccessfulRequests + FailedRequests.
type EndpointStatistics struct {
	EndpointID          int64      `json:"endpoint_id"`
	URL                 string     `json:"url,omitempty"`
	TotalRequests       int64      `json:"total_requests"`
	SuccessfulRequests  int64      `json:"successful_requests"`
	FailedRequests      int64      `json:"failed_requests"`
	RateLimitedRequests int64      `json:"rate_limited_requests"`
	TotalResponseTimeMs int64      `json:"total_response_time_ms"`
	AvgResponseTimeMs   float64    `json:"avg_response_time_ms"`
	LastRequestAt       *time.Time `json:"last_request_at,omitempty"`
}

// RateLimitEvent is one append-only row in the rate-limit log.
type RateLimitEvent struct {
	ID         int64     `json:"id"`
	EndpointID int64     `json:"endpoint_id"`
	DetectedAt time.Time `json:"detected_at"`
	RecoverAt  time.Time `json:"recover_at"`
	CooldownMs int64     `json:"cooldown_ms"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// RequestLogEntry is one append-only row in the per-call request log.
type RequestLogEntry struct {
	ID             int64     `json:"id"`
	EndpointID     int64     `json:"endpoint_id"`
	Method         string    `json:"method"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	HTTPStatus     int       `json:"http_status,omitempty"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// WorkerState is the lifecycle state of an endpoint worker.
type WorkerState int

const (
	// StateHealthy means the worker drains its queue normally.
	StateHealthy WorkerState = iota
	// StateCoolingDown means the worker sits out a rate-limit cooldown.
	StateCoolingDown
	// StateError means the worker is parked until a health probe revives it.
	StateError
)

// String returns the state label used in logs and status payloads.
func (s WorkerState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateCoolingDown:
		return "cooling_down"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state as its label.
func (s WorkerState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// UnmarshalJSON parses a state label.
func (s *WorkerState) UnmarshalJSON(data []byte) error {
	switch string(data) {
	case `"healthy"`:
		*s = StateHealthy
	case `"cooling_down"`:
		*s = StateCoolingDown
	case `"error"`:
		*s = StateError
	default:
		*s = StateHealthy
	}
	return nil
}

// WorkerStatus is a read-only snapshot of one worker.
type WorkerStatus struct {
	EndpointID     int64       `json:"endpoint_id"`
	URL            string      `json:"url"`
	State          WorkerState `json:"state"`
	QueueLength    int         `json:"queue_length"`
	RecoveryTimeMs int64       `json:"recovery_time_ms"`
	Available      bool        `json:"available"`
}

// Detection is the rate-limit detector's verdict for one upstream outcome.
type Detection struct {
	IsRateLimited bool
	Cooldown      time.Duration
	Confidence    float64
	Signals       []string
}
