package store

import (
	"context"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS endpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		url TEXT NOT NULL UNIQUE,
		active INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS endpoint_statistics (
		endpoint_id INTEGER PRIMARY KEY REFERENCES endpoints(id),
		total_requests INTEGER NOT NULL DEFAULT 0,
		successful_requests INTEGER NOT NULL DEFAULT 0,
		failed_requests INTEGER NOT NULL DEFAULT 0,
		rate_limited_requests INTEGER NOT NULL DEFAULT 0,
		total_response_time_ms INTEGER NOT NULL DEFAULT 0,
		avg_response_time_ms REAL NOT NULL DEFAULT 0,
		last_request_at INTEGER
	);`,
	`CREATE TABLE IF NOT EXISTS rate_limit_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint_id INTEGER NOT NULL REFERENCES endpoints(id),
		detected_at INTEGER NOT NULL,
		recover_at INTEGER NOT NULL,
		cooldown_ms INTEGER NOT NULL,
		http_status INTEGER,
		message TEXT
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rate_limit_events_endpoint ON rate_limit_events(endpoint_id, detected_at);`,
	`CREATE TABLE IF NOT EXISTS request_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		endpoint_id INTEGER NOT NULL REFERENCES endpoints(id),
		method TEXT NOT NULL,
		success INTEGER NOT NULL,
		response_time_ms INTEGER NOT NULL,
		http_status INTEGER,
		error_message TEXT,
		created_at INTEGER NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_request_log_endpoint ON request_log(endpoint_id, created_at);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}

	return nil
}
