// Package storage contains the query-log persistence layer; this file
// provides the SQLite implementation.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"dns-relay/pkg/config"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	client_ip TEXT NOT NULL,
	query_name TEXT NOT NULL,
	query_type TEXT NOT NULL,
	query_class TEXT NOT NULL,
	response_code TEXT NOT NULL,
	error_reason TEXT NOT NULL DEFAULT '',
	upstream TEXT NOT NULL DEFAULT '',
	answer_count INTEGER NOT NULL DEFAULT 0,
	response_time_ms REAL NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queries_timestamp ON queries(timestamp);
CREATE INDEX IF NOT EXISTS idx_queries_client_ip ON queries(client_ip);
`

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db         *sql.DB
	stmtInsert *sql.Stmt
	mu         sync.RWMutex
	closed     bool
}

// NewSQLiteStorage opens (and if needed creates) the query-log database
func NewSQLiteStorage(cfg *config.StorageConfig) (Storage, error) {
	if cfg == nil || cfg.DatabasePath == "" {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single writer connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if pingErr := db.Ping(); pingErr != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, pingErr)
	}

	pragmas := []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, pragmaErr := db.Exec(pragma); pragmaErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", pragmaErr)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	stmtInsert, err := db.Prepare(`
		INSERT INTO queries
		(timestamp, client_ip, query_name, query_type, query_class, response_code, error_reason, upstream, answer_count, response_time_ms, failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to prepare insert statement: %w", err)
	}

	return &SQLiteStorage{
		db:         db,
		stmtInsert: stmtInsert,
	}, nil
}

// LogQuery writes one query log entry
func (s *SQLiteStorage) LogQuery(ctx context.Context, entry *QueryLog) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	_, err := s.stmtInsert.ExecContext(ctx,
		entry.Timestamp.UTC(),
		entry.ClientIP,
		entry.QueryName,
		entry.QueryType,
		entry.QueryClass,
		entry.ResponseCode,
		entry.ErrorReason,
		entry.Upstream,
		entry.AnswerCount,
		entry.ResponseTimeMs,
		boolToInt(entry.Failed),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// GetRecentQueries returns query log entries, newest first
func (s *SQLiteStorage) GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, timestamp, client_ip, query_name, query_type, query_class, response_code, error_reason, upstream, answer_count, response_time_ms, failed
		FROM queries
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	defer rows.Close()

	var entries []*QueryLog
	for rows.Next() {
		var entry QueryLog
		var failed int
		if err := rows.Scan(
			&entry.ID,
			&entry.Timestamp,
			&entry.ClientIP,
			&entry.QueryName,
			&entry.QueryType,
			&entry.QueryClass,
			&entry.ResponseCode,
			&entry.ErrorReason,
			&entry.Upstream,
			&entry.AnswerCount,
			&entry.ResponseTimeMs,
			&failed,
		); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrQueryFailed, err)
		}
		entry.Failed = failed != 0
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// Cleanup deletes entries older than the given time
func (s *SQLiteStorage) Cleanup(ctx context.Context, olderThan time.Time) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM queries WHERE timestamp < ?`, olderThan.UTC()); err != nil {
		return fmt.Errorf("%w: %v", ErrQueryFailed, err)
	}
	return nil
}

// Ping checks database connectivity
func (s *SQLiteStorage) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}
	return s.db.PingContext(ctx)
}

// Close closes the database. Safe to call once; further calls return ErrClosed
// from the other methods, not from Close itself.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if s.stmtInsert != nil {
		_ = s.stmtInsert.Close()
	}
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
