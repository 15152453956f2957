package storage

import (
	"context"
	"errors"
	"time"
)

// DefaultLogTimeout bounds a single LogQuery call
const DefaultLogTimeout = 1 * time.Second

var (
	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrConnectionFailed is returned when opening the database fails
	ErrConnectionFailed = errors.New("connection failed")

	// ErrQueryFailed is returned when a statement fails
	ErrQueryFailed = errors.New("query failed")

	// ErrClosed is returned when attempting to use a closed storage
	ErrClosed = errors.New("storage is closed")
)

// Storage persists query log entries. Implementations must be safe for
// concurrent use.
type Storage interface {
	LogQuery(ctx context.Context, entry *QueryLog) error
	GetRecentQueries(ctx context.Context, limit, offset int) ([]*QueryLog, error)
	Cleanup(ctx context.Context, olderThan time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

// QueryLog represents one relayed DNS request
type QueryLog struct {
	Timestamp      time.Time `json:"timestamp"`
	ClientIP       string    `json:"client_ip"`
	QueryName      string    `json:"query_name"`
	QueryType      string    `json:"query_type"`
	QueryClass     string    `json:"query_class"`
	ResponseCode   string    `json:"response_code"`
	ErrorReason    string    `json:"error_reason,omitempty"`
	Upstream       string    `json:"upstream,omitempty"`
	ID             int64     `json:"id"`
	AnswerCount    int       `json:"answer_count"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Failed         bool      `json:"failed"`
}
