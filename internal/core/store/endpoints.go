package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// EnsureEndpoint registers an endpoint URL if it is not already known and
// returns its id. First registration also creates the matching statistics
// row. The operation is idempotent.
func (s *Store) EnsureEndpoint(ctx context.Context, rawURL string) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return 0, errors.New("endpoint url is required")
	}

	now := s.now().Unix()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin endpoint upsert: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO endpoints (url, active, created_at, updated_at)
		VALUES (?, 1, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			active = 1,
			updated_at = excluded.updated_at
	`, rawURL, now, now)
	if err != nil {
		return 0, fmt.Errorf("upsert endpoint: %w", err)
	}

	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM endpoints WHERE url = ?`, rawURL).Scan(&id); err != nil {
		return 0, fmt.Errorf("fetch endpoint id: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO endpoint_statistics (endpoint_id)
		VALUES (?)
		ON CONFLICT(endpoint_id) DO NOTHING
	`, id)
	if err != nil {
		return 0, fmt.Errorf("create endpoint statistics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit endpoint upsert: %w", err)
	}

	return id, nil
}

// Endpoints returns every known endpoint.
func (s *Store) Endpoints(ctx context.Context) ([]core.Endpoint, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, url, active, created_at, updated_at
		FROM endpoints
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var endpoints []core.Endpoint
	for rows.Next() {
		var (
			ep                   core.Endpoint
			active               int
			createdAt, updatedAt int64
		)
		if err := rows.Scan(&ep.ID, &ep.URL, &active, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan endpoint: %w", err)
		}
		ep.Active = active != 0
		ep.CreatedAt = time.Unix(createdAt, 0).UTC()
		ep.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		endpoints = append(endpoints, ep)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	return endpoints, nil
}

// EndpointStatistics returns the aggregate counters for every endpoint,
// joined with its URL, for read-only reporting.
func (s *Store) EndpointStatistics(ctx context.Context) ([]core.EndpointStatistics, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT st.endpoint_id, e.url, st.total_requests, st.successful_requests,
			st.failed_requests, st.rate_limited_requests, st.total_response_time_ms,
			st.avg_response_time_ms, st.last_request_at
		FROM endpoint_statistics st
		JOIN endpoints e ON e.id = st.endpoint_id
		ORDER BY st.endpoint_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list endpoint statistics: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var stats []core.EndpointStatistics
	for rows.Next() {
		var (
			row           core.EndpointStatistics
			lastRequestAt sql.NullInt64
		)
		if err := rows.Scan(&row.EndpointID, &row.URL, &row.TotalRequests,
			&row.SuccessfulRequests, &row.FailedRequests, &row.RateLimitedRequests,
			&row.TotalResponseTimeMs, &row.AvgResponseTimeMs, &lastRequestAt); err != nil {
			return nil, fmt.Errorf("scan endpoint statistics: %w", err)
		}
		if lastRequestAt.Valid {
			value := time.Unix(lastRequestAt.Int64, 0).UTC()
			row.LastRequestAt = &value
		}
		stats = append(stats, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list endpoint statistics: %w", err)
	}

	return stats, nil
}
