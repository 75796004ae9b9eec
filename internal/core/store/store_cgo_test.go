//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	ctx := context.Background()
	st, err := Open(ctx, config.StoreConfig{Driver: "libsql", Path: ":memory:", HistoryWindowSize: 20})
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))

	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestOpenMemoryStore(t *testing.T) {
	st := openTestStore(t)
	require.Equal(t, "libsql", st.Driver())
}

func TestEnsureEndpointIdempotent(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	first, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)
	require.Positive(t, first)

	second, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := st.EnsureEndpoint(ctx, "https://backup.example.com")
	require.NoError(t, err)
	require.NotEqual(t, first, other)

	endpoints, err := st.Endpoints(ctx)
	require.NoError(t, err)
	require.Len(t, endpoints, 2)

	// First registration also created the statistics row.
	stats, err := st.EndpointStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Zero(t, stats[0].TotalRequests)
}

func TestRecordRequestUpdatesAggregates(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)

	require.NoError(t, st.RecordRequest(ctx, core.RequestLogEntry{
		EndpointID: id, Method: "eth_chainId", Success: true, ResponseTimeMs: 100,
	}))
	require.NoError(t, st.RecordRequest(ctx, core.RequestLogEntry{
		EndpointID: id, Method: "eth_blockNumber", Success: false, ResponseTimeMs: 300,
		HTTPStatus: 502, ErrorMessage: "bad gateway",
	}))

	stats, err := st.EndpointStatistics(ctx)
	require.NoError(t, err)
	require.Len(t, stats, 1)

	row := stats[0]
	require.EqualValues(t, 2, row.TotalRequests)
	require.EqualValues(t, 1, row.SuccessfulRequests)
	require.EqualValues(t, 1, row.FailedRequests)
	require.EqualValues(t, row.TotalRequests, row.SuccessfulRequests+row.FailedRequests)
	require.EqualValues(t, 400, row.TotalResponseTimeMs)
	require.InDelta(t, 200, row.AvgResponseTimeMs, 0.001)
	require.NotNil(t, row.LastRequestAt)
}

func TestRecentRequestsChronological(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)

	methods := []string{"m1", "m2", "m3", "m4"}
	for _, method := range methods {
		require.NoError(t, st.RecordRequest(ctx, core.RequestLogEntry{
			EndpointID: id, Method: method, Success: true, ResponseTimeMs: 10,
		}))
	}

	entries, err := st.RecentRequests(ctx, id, 3)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "m2", entries[0].Method)
	require.Equal(t, "m4", entries[2].Method)
}

func TestRateLimitEventIncrementsCounter(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)

	require.NoError(t, st.RecordRateLimitEvent(ctx, core.RateLimitEvent{
		EndpointID: id, CooldownMs: 2000, HTTPStatus: 429, Message: "rate limit exceeded",
	}))

	stats, err := st.EndpointStatistics(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats[0].RateLimitedRequests)

	events, err := st.RateLimitEvents(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.EqualValues(t, 2000, events[0].CooldownMs)
	require.Equal(t, 429, events[0].HTTPStatus)
}

func TestAverageCooldown(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)

	avg, err := st.AverageCooldown(ctx, id, 7)
	require.NoError(t, err)
	require.Zero(t, avg)

	for _, cooldown := range []int64{60000, 120000} {
		require.NoError(t, st.RecordRateLimitEvent(ctx, core.RateLimitEvent{
			EndpointID: id, CooldownMs: cooldown,
		}))
	}

	avg, err = st.AverageCooldown(ctx, id, 7)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, avg)
}

func TestRecentOutcomesWindow(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, st.RecordRequest(ctx, core.RequestLogEntry{
			EndpointID: id, Method: "eth_chainId", Success: i%2 == 0, ResponseTimeMs: 10,
		}))
	}

	outcomes, err := st.RecentOutcomes(ctx, id, 20)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false, true, false}, outcomes)

	outcomes, err = st.RecentOutcomes(ctx, id, 2)
	require.NoError(t, err)
	require.Equal(t, []bool{true, false}, outcomes)
}

func TestRecentOutcomesHydratesFromLog(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	id, err := st.EnsureEndpoint(ctx, "https://rpc.example.com")
	require.NoError(t, err)

	require.NoError(t, st.RecordRequest(ctx, core.RequestLogEntry{
		EndpointID: id, Method: "eth_chainId", Success: false, ResponseTimeMs: 10,
	}))

	// A fresh store over the same database must rebuild the window from
	// the persisted log. In-memory databases are per-connection, so this
	// exercises the hydration path by clearing the cached window instead.
	st.windowMu.Lock()
	delete(st.windows, id)
	st.windowMu.Unlock()

	outcomes, err := st.RecentOutcomes(ctx, id, 20)
	require.NoError(t, err)
	require.Equal(t, []bool{false}, outcomes)
}
