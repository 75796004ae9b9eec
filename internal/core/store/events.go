package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// RecordRateLimitEvent appends a rate-limit event and increments the
// endpoint's rate-limited counter in the same transaction.
func (s *Store) RecordRateLimitEvent(ctx context.Context, event core.RateLimitEvent) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if event.EndpointID == 0 {
		return errors.New("endpoint id is required")
	}

	detectedAt := event.DetectedAt
	if detectedAt.IsZero() {
		detectedAt = s.now()
	}
	recoverAt := event.RecoverAt
	if recoverAt.IsZero() {
		recoverAt = detectedAt.Add(time.Duration(event.CooldownMs) * time.Millisecond)
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rate limit record: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	var httpStatus sql.NullInt64
	if event.HTTPStatus != 0 {
		httpStatus = sql.NullInt64{Int64: int64(event.HTTPStatus), Valid: true}
	}
	var message sql.NullString
	if event.Message != "" {
		message = sql.NullString{String: event.Message, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limit_events (endpoint_id, detected_at, recover_at, cooldown_ms, http_status, message)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.EndpointID, detectedAt.Unix(), recoverAt.Unix(), event.CooldownMs, httpStatus, message)
	if err != nil {
		return fmt.Errorf("append rate limit event: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE endpoint_statistics
		SET rate_limited_requests = rate_limited_requests + 1
		WHERE endpoint_id = ?
	`, event.EndpointID)
	if err != nil {
		return fmt.Errorf("update rate limited counter: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rate limit record: %w", err)
	}

	return nil
}

// AverageCooldown returns the mean cooldown chosen for an endpoint over the
// trailing number of days, or zero when no events exist in that window.
func (s *Store) AverageCooldown(ctx context.Context, endpointID int64, days int) (time.Duration, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if days <= 0 {
		days = 7
	}

	since := s.now().AddDate(0, 0, -days).Unix()

	var avg sql.NullFloat64
	err := s.DB.QueryRowContext(ctx, `
		SELECT AVG(cooldown_ms)
		FROM rate_limit_events
		WHERE endpoint_id = ? AND detected_at >= ?
	`, endpointID, since).Scan(&avg)
	if err != nil {
		return 0, fmt.Errorf("fetch average cooldown: %w", err)
	}

	if !avg.Valid {
		return 0, nil
	}

	return time.Duration(avg.Float64) * time.Millisecond, nil
}

// RateLimitEvents returns the most recent events for an endpoint, newest
// first, capped at limit.
func (s *Store) RateLimitEvents(ctx context.Context, endpointID int64, limit int) ([]core.RateLimitEvent, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		limit = 50
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, endpoint_id, detected_at, recover_at, cooldown_ms, http_status, message
		FROM rate_limit_events
		WHERE endpoint_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch rate limit events: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var events []core.RateLimitEvent
	for rows.Next() {
		var (
			event                 core.RateLimitEvent
			detectedAt, recoverAt int64
			httpStatus            sql.NullInt64
			message               sql.NullString
		)
		if err := rows.Scan(&event.ID, &event.EndpointID, &detectedAt, &recoverAt,
			&event.CooldownMs, &httpStatus, &message); err != nil {
			return nil, fmt.Errorf("scan rate limit event: %w", err)
		}
		event.DetectedAt = time.Unix(detectedAt, 0).UTC()
		event.RecoverAt = time.Unix(recoverAt, 0).UTC()
		if httpStatus.Valid {
			event.HTTPStatus = int(httpStatus.Int64)
		}
		if message.Valid {
			event.Message = message.String
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch rate limit events: %w", err)
	}

	return events, nil
}
