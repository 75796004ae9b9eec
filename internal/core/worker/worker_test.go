package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
	"github.com/rpcsentinel/rpcsentinel/internal/core"
	"github.com/rpcsentinel/rpcsentinel/internal/core/detector"
)

// memoryStats collects outcomes and doubles as the detector's history.
type memoryStats struct {
	mu       sync.Mutex
	requests []core.RequestLogEntry
	events   []core.RateLimitEvent
}

func (m *memoryStats) RecordRequest(ctx context.Context, entry core.RequestLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, entry)
	return nil
}

func (m *memoryStats) RecordRateLimitEvent(ctx context.Context, event core.RateLimitEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *memoryStats) RecentOutcomes(ctx context.Context, endpointID int64, n int) ([]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var outcomes []bool
	for _, entry := range m.requests {
		if entry.EndpointID == endpointID {
			outcomes = append(outcomes, entry.Success)
		}
	}
	if len(outcomes) > n {
		outcomes = outcomes[len(outcomes)-n:]
	}
	return outcomes, nil
}

func (m *memoryStats) AverageCooldown(ctx context.Context, endpointID int64, days int) (time.Duration, error) {
	return 0, nil
}

func (m *memoryStats) requestCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *memoryStats) eventCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

func fastRateLimitConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		DetectionThreshold: 0.5,
		MinCooldown:        150 * time.Millisecond,
		MaxCooldown:        time.Second,
		BackoffMultiplier:  2,
		HistoryWindowSize:  20,
	}
}

func testWorkerConfig() config.WorkerConfig {
	return config.WorkerConfig{
		RequestTimeout: 5 * time.Second,
		MaxQueueSize:   100,
		ErrorThreshold: 3,
	}
}

func newTestWorker(t *testing.T, url string, stats *memoryStats) *Worker {
	t.Helper()
	det := detector.New(stats, fastRateLimitConfig(), nil)
	return New(1, url, det, stats, testWorkerConfig(), nil)
}

func TestWorkerForwardsResponseVerbatim(t *testing.T) {
	body := `{"jsonrpc":"2.0","result":"0x1","id":1}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	got, err := w.Do(context.Background(), Job{Method: "eth_chainId", Body: []byte(`{"jsonrpc":"2.0","method":"eth_chainId","id":1}`)})
	require.NoError(t, err)
	require.Equal(t, body, string(got))

	require.Equal(t, 1, stats.requestCount())
	require.True(t, stats.requests[0].Success)
	require.Equal(t, "eth_chainId", stats.requests[0].Method)
}

func TestWorkerTransientRPCError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":19,"message":"Temporary internal error"},"id":1}`))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	_, err := w.Do(context.Background(), Job{Method: "eth_chainId", Body: []byte(`{}`)})
	require.Error(t, err)

	var transient *core.TransientError
	require.ErrorAs(t, err, &transient)
	require.NotNil(t, transient.RPCError)
	require.EqualValues(t, 19, transient.RPCError.Code)

	require.Equal(t, 1, stats.requestCount())
	require.False(t, stats.requests[0].Success)
}

func TestWorkerTransientByMessageKeyword(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","error":{"code":14,"message":"GRPC Context cancellation"},"id":1}`))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	_, err := w.Do(context.Background(), Job{Method: "eth_chainId", Body: []byte(`{}`)})

	var transient *core.TransientError
	require.ErrorAs(t, err, &transient)
}

func TestWorkerForwardsPermanentRPCError(t *testing.T) {
	body := `{"jsonrpc":"2.0","error":{"code":-32601,"message":"Method not found"},"id":7}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	got, err := w.Do(context.Background(), Job{Method: "eth_foo", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.Equal(t, body, string(got))

	// A well-formed RPC error is a correct upstream answer.
	require.Equal(t, 1, stats.requestCount())
	require.True(t, stats.requests[0].Success)
	require.Equal(t, 0, stats.eventCount())
}

func TestWorkerRateLimitCooldownAndHeadRetry(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limit exceeded"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"0x10","id":1}`))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	start := time.Now()
	got, err := w.Do(context.Background(), Job{Method: "eth_blockNumber", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.Contains(t, string(got), "0x10")

	// The item was re-queued at the head and retried after the cooldown.
	require.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	require.EqualValues(t, 2, calls.Load())
	require.Equal(t, 1, stats.eventCount())
	require.EqualValues(t, 150, stats.events[0].CooldownMs)

	// The rate-limited attempt itself is not a request-log entry.
	require.Equal(t, 1, stats.requestCount())
}

func TestWorkerRetryAfterDrivesCooldown(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"result":"0x10"}`))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	start := time.Now()
	_, err := w.Do(context.Background(), Job{Method: "eth_blockNumber", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), time.Second)
	require.Equal(t, 1, stats.eventCount())
	require.EqualValues(t, 1000, stats.events[0].CooldownMs)
}

func TestWorkerUnavailableDuringCooldown(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_, _ = w.Do(ctx, Job{Method: "eth_blockNumber", Body: []byte(`{}`)})
		close(done)
	}()

	require.Eventually(t, func() bool {
		return w.State() == core.StateCoolingDown
	}, time.Second, 5*time.Millisecond)

	require.False(t, w.Available())
	require.Greater(t, w.RecoveryTime(), time.Duration(0))

	cancel()
	<-done
}

func TestWorkerQueueFull(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		_, _ = w.Write([]byte(`{"result":"0x1"}`))
	}))
	defer upstream.Close()
	defer close(release)

	stats := &memoryStats{}
	det := detector.New(stats, fastRateLimitConfig(), nil)
	cfg := testWorkerConfig()
	cfg.MaxQueueSize = 1
	w := New(1, upstream.URL, det, stats, cfg, nil)

	// First job is dequeued and blocks in flight; the second fills the queue.
	go w.Do(context.Background(), Job{Method: "a", Body: []byte(`{}`)})
	require.Eventually(t, func() bool { return w.QueueLength() == 0 }, time.Second, time.Millisecond)
	go w.Do(context.Background(), Job{Method: "b", Body: []byte(`{}`)})
	require.Eventually(t, func() bool { return w.QueueLength() == 1 }, time.Second, time.Millisecond)

	_, err := w.Do(context.Background(), Job{Method: "c", Body: []byte(`{}`)})
	require.ErrorIs(t, err, core.ErrQueueFull)
}

func TestWorkerSerializesUpstreamCalls(t *testing.T) {
	var inFlight, peak atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		current := inFlight.Add(1)
		for {
			observed := peak.Load()
			if current <= observed || peak.CompareAndSwap(observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		_, _ = w.Write([]byte(`{"result":"0x1"}`))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.Do(context.Background(), Job{Method: "eth_chainId", Body: []byte(`{}`)})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 1, peak.Load())
	require.Equal(t, 5, stats.requestCount())
}

func TestWorkerParksAfterConsecutiveTransportFailures(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstream.Close() // refuse every connection

	stats := &memoryStats{}
	det := detector.New(stats, fastRateLimitConfig(), nil)
	cfg := testWorkerConfig()
	cfg.ErrorThreshold = 2
	w := New(1, upstream.URL, det, stats, cfg, nil)

	for i := 0; i < 2; i++ {
		_, err := w.Do(context.Background(), Job{Method: "eth_chainId", Body: []byte(`{}`)})
		var transient *core.TransientError
		require.ErrorAs(t, err, &transient)
	}

	require.Equal(t, core.StateError, w.State())
	require.False(t, w.Available())
}

func TestWorkerCancelledContext(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"result":"0x1"}`))
	}))
	defer upstream.Close()

	stats := &memoryStats{}
	w := newTestWorker(t, upstream.URL, stats)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := w.Do(ctx, Job{Method: "eth_chainId", Body: []byte(`{}`)})
	require.ErrorIs(t, err, context.Canceled)
}
