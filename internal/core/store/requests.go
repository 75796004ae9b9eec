package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rpcsentinel/rpcsentinel/internal/core"
)

// RecordRequest appends a request-log row and recomputes the endpoint's
// aggregate counters in the same transaction.
func (s *Store) RecordRequest(ctx context.Context, entry core.RequestLogEntry) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if entry.EndpointID == 0 {
		return errors.New("endpoint id is required")
	}

	now := s.now()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin request record: %w", err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	var httpStatus sql.NullInt64
	if entry.HTTPStatus != 0 {
		httpStatus = sql.NullInt64{Int64: int64(entry.HTTPStatus), Valid: true}
	}
	var errorMessage sql.NullString
	if entry.ErrorMessage != "" {
		errorMessage = sql.NullString{String: entry.ErrorMessage, Valid: true}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO request_log (endpoint_id, method, success, response_time_ms, http_status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, entry.EndpointID, entry.Method, boolToInt(entry.Success), entry.ResponseTimeMs, httpStatus, errorMessage, now.Unix())
	if err != nil {
		return fmt.Errorf("append request log: %w", err)
	}

	success, failure := 0, 0
	if entry.Success {
		success = 1
	} else {
		failure = 1
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE endpoint_statistics SET
			total_requests = total_requests + 1,
			successful_requests = successful_requests + ?,
			failed_requests = failed_requests + ?,
			total_response_time_ms = total_response_time_ms + ?,
			avg_response_time_ms = CAST(total_response_time_ms + ? AS REAL) / (total_requests + 1),
			last_request_at = ?
		WHERE endpoint_id = ?
	`, success, failure, entry.ResponseTimeMs, entry.ResponseTimeMs, now.Unix(), entry.EndpointID)
	if err != nil {
		return fmt.Errorf("update endpoint statistics: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit request record: %w", err)
	}

	s.pushOutcome(entry.EndpointID, entry.Success)

	return nil
}

// RecentRequests returns the most recent request-log entries for an
// endpoint in chronological order.
func (s *Store) RecentRequests(ctx context.Context, endpointID int64, limit int) ([]core.RequestLogEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, endpoint_id, method, success, response_time_ms, http_status, error_message, created_at
		FROM request_log
		WHERE endpoint_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, endpointID, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch recent requests: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup on SQL rows

	var entries []core.RequestLogEntry
	for rows.Next() {
		var (
			entry        core.RequestLogEntry
			success      int
			httpStatus   sql.NullInt64
			errorMessage sql.NullString
			createdAt    int64
		)
		if err := rows.Scan(&entry.ID, &entry.EndpointID, &entry.Method, &success,
			&entry.ResponseTimeMs, &httpStatus, &errorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("scan request log entry: %w", err)
		}
		entry.Success = success != 0
		if httpStatus.Valid {
			entry.HTTPStatus = int(httpStatus.Int64)
		}
		if errorMessage.Valid {
			entry.ErrorMessage = errorMessage.String
		}
		entry.CreatedAt = time.Unix(createdAt, 0).UTC()
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fetch recent requests: %w", err)
	}

	// The query walks newest-first; callers expect chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}

	return entries, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
