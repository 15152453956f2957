package events

import (
	"context"
	"sync"
	"sync/atomic"

	"dns-relay/pkg/logging"
	"dns-relay/pkg/storage"
)

// QueryLogger manages a fixed worker pool for asynchronous query-log writes.
// Request workers never block on storage: entries go through a bounded
// channel and are dropped (with accounting) when the buffer is full.
type QueryLogger struct {
	logCh     chan *storage.QueryLog
	workers   int
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	storage   storage.Storage
	logger    *logging.Logger
	dropped   atomic.Uint64
	closeOnce sync.Once
}

// NewQueryLogger creates a query logger with a fixed worker pool
func NewQueryLogger(stor storage.Storage, logger *logging.Logger, bufferSize, workers int) *QueryLogger {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())

	ql := &QueryLogger{
		logCh:   make(chan *storage.QueryLog, bufferSize),
		workers: workers,
		ctx:     ctx,
		cancel:  cancel,
		storage: stor,
		logger:  logger,
	}

	for i := 0; i < workers; i++ {
		ql.wg.Add(1)
		go ql.worker(i)
	}

	logger.Info("Query logger worker pool started",
		"workers", workers,
		"buffer_size", bufferSize)

	return ql
}

// worker processes query log entries from the channel
func (ql *QueryLogger) worker(id int) {
	defer ql.wg.Done()

	for {
		select {
		case <-ql.ctx.Done():
			ql.drainChannel()
			return

		case entry := <-ql.logCh:
			ql.persist(id, entry)
		}
	}
}

// persist writes one entry with a bounded timeout
func (ql *QueryLogger) persist(worker int, entry *storage.QueryLog) {
	logCtx, cancel := context.WithTimeout(context.Background(), storage.DefaultLogTimeout)
	defer cancel()

	if err := ql.storage.LogQuery(logCtx, entry); err != nil {
		ql.logger.Error("Failed to persist query log",
			"worker", worker,
			"query_name", entry.QueryName,
			"client_ip", entry.ClientIP,
			"error", err)
	}
}

// drainChannel processes remaining entries during shutdown
func (ql *QueryLogger) drainChannel() {
	for {
		select {
		case entry := <-ql.logCh:
			ql.persist(-1, entry)
		default:
			return
		}
	}
}

// LogAsync queues an entry for async persistence. Non-blocking: a full
// buffer drops the entry and counts the drop.
func (ql *QueryLogger) LogAsync(entry *storage.QueryLog) {
	select {
	case ql.logCh <- entry:
	default:
		dropped := ql.dropped.Add(1)
		ql.logger.Warn("Query log buffer full, dropping entry",
			"query_name", entry.QueryName,
			"client_ip", entry.ClientIP,
			"dropped_total", dropped)
	}
}

// Dropped returns the number of entries dropped so far
func (ql *QueryLogger) Dropped() uint64 {
	return ql.dropped.Load()
}

// Close shuts down the worker pool, draining buffered entries first. Safe to
// call multiple times. The channel is left open on purpose: a request worker
// still finishing its reply may call LogAsync after shutdown, which must land
// in the buffer or drop, never panic.
func (ql *QueryLogger) Close() {
	ql.closeOnce.Do(func() {
		ql.cancel()
		ql.wg.Wait()
		ql.logger.Info("Query logger shutdown complete",
			"dropped_total", ql.dropped.Load())
	})
}
