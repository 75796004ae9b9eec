package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
	"github.com/rpcsentinel/rpcsentinel/internal/core/detector"
)

func newIdleWorker(id int64, url string) *Worker {
	stats := &memoryStats{}
	det := detector.New(stats, fastRateLimitConfig(), nil)
	return New(id, url, det, stats, testWorkerConfig(), nil)
}

func TestPoolAvailable(t *testing.T) {
	a := newIdleWorker(1, "http://a.example")
	b := newIdleWorker(2, "http://b.example")
	c := newIdleWorker(3, "http://c.example")

	b.mu.Lock()
	b.state = core.StateCoolingDown
	b.cooldownUntil = time.Now().Add(time.Minute)
	b.mu.Unlock()

	c.mu.Lock()
	c.state = core.StateError
	c.mu.Unlock()

	pool := NewPool([]*Worker{a, b, c})

	available := pool.Available()
	require.Len(t, available, 1)
	require.Equal(t, "http://a.example", available[0].URL)

	require.Len(t, pool.All(), 3)
}

func TestPoolAvailableAfterCooldownLapse(t *testing.T) {
	a := newIdleWorker(1, "http://a.example")

	a.mu.Lock()
	a.state = core.StateCoolingDown
	a.cooldownUntil = time.Now().Add(-time.Second)
	a.mu.Unlock()

	pool := NewPool([]*Worker{a})
	require.Len(t, pool.Available(), 1)
}

func TestPoolShortestRecovery(t *testing.T) {
	a := newIdleWorker(1, "http://a.example")
	b := newIdleWorker(2, "http://b.example")

	a.mu.Lock()
	a.state = core.StateCoolingDown
	a.cooldownUntil = time.Now().Add(30 * time.Second)
	a.mu.Unlock()

	b.mu.Lock()
	b.state = core.StateCoolingDown
	b.cooldownUntil = time.Now().Add(5 * time.Second)
	b.mu.Unlock()

	pool := NewPool([]*Worker{a, b})

	shortest := pool.ShortestRecovery()
	require.Greater(t, shortest, time.Duration(0))
	require.LessOrEqual(t, shortest, 5*time.Second)
}

func TestPoolShortestRecoveryAllHealthy(t *testing.T) {
	pool := NewPool([]*Worker{newIdleWorker(1, "http://a.example")})
	require.Equal(t, time.Duration(0), pool.ShortestRecovery())
}

func TestPoolStatuses(t *testing.T) {
	a := newIdleWorker(1, "http://a.example")
	pool := NewPool([]*Worker{a})

	statuses := pool.Statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, "http://a.example", statuses[0].URL)
	require.Equal(t, core.StateHealthy, statuses[0].State)
	require.True(t, statuses[0].Available)
}

func TestProberRevivesErrorWorker(t *testing.T) {
	var probes atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","result":"0x10d4f","id":1}`))
	}))
	defer upstream.Close()

	w := newIdleWorker(1, upstream.URL)
	w.mu.Lock()
	w.state = core.StateError
	w.mu.Unlock()

	pool := NewPool([]*Worker{w})
	prober := NewProber(pool, time.Minute, nil)

	prober.Sweep(context.Background())

	require.EqualValues(t, 1, probes.Load())
	require.Equal(t, core.StateHealthy, w.State())
	require.True(t, w.Available())
}

func TestProberSkipsCoolingWorkers(t *testing.T) {
	var probes atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
	}))
	defer upstream.Close()

	w := newIdleWorker(1, upstream.URL)
	w.mu.Lock()
	w.state = core.StateCoolingDown
	w.cooldownUntil = time.Now().Add(time.Minute)
	w.mu.Unlock()

	pool := NewPool([]*Worker{w})
	NewProber(pool, time.Minute, nil).Sweep(context.Background())

	require.EqualValues(t, 0, probes.Load())
	require.Equal(t, core.StateCoolingDown, w.State())
}

func TestProberLeavesFailingWorkerParked(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	w := newIdleWorker(1, upstream.URL)
	w.mu.Lock()
	w.state = core.StateError
	w.mu.Unlock()

	pool := NewPool([]*Worker{w})
	NewProber(pool, time.Minute, nil).Sweep(context.Background())

	require.Equal(t, core.StateError, w.State())
	require.False(t, w.Available())
}
