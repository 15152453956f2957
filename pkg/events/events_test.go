package events

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dns-relay/pkg/codec"
	"dns-relay/pkg/logging"
	"dns-relay/pkg/storage"
)

type recordSink struct {
	mu      sync.Mutex
	records []slog.Record
}

func (s *recordSink) Enabled(context.Context, slog.Level) bool { return true }

func (s *recordSink) Handle(_ context.Context, r slog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r.Clone())
	return nil
}

func (s *recordSink) WithAttrs([]slog.Attr) slog.Handler { return s }
func (s *recordSink) WithGroup(string) slog.Handler      { return s }

// find returns the first record with the given message and its attrs as a map
func (s *recordSink) find(msg string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Message != msg {
			continue
		}
		attrs := make(map[string]any)
		r.Attrs(func(a slog.Attr) bool {
			attrs[a.Key] = a.Value.Any()
			return true
		})
		return attrs, true
	}
	return nil, false
}

// mockStorage records LogQuery calls; an optional gate blocks writes
type mockStorage struct {
	mu      sync.Mutex
	entries []*storage.QueryLog
	gate    chan struct{}
}

func (m *mockStorage) LogQuery(ctx context.Context, entry *storage.QueryLog) error {
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entry)
	return nil
}

func (m *mockStorage) GetRecentQueries(context.Context, int, int) ([]*storage.QueryLog, error) {
	return nil, nil
}
func (m *mockStorage) Cleanup(context.Context, time.Time) error { return nil }
func (m *mockStorage) Ping(context.Context) error               { return nil }
func (m *mockStorage) Close() error                             { return nil }

func (m *mockStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func captureEmitter(queryLogger *QueryLogger) (*Emitter, *recordSink) {
	sink := &recordSink{}
	logger := logging.FromSlog(slog.New(sink))
	return NewEmitter(logger, queryLogger), sink
}

func TestEmitter_QueryReceived(t *testing.T) {
	emitter, sink := captureEmitter(nil)

	emitter.QueryReceived("192.0.2.5", codec.QueryFacts{
		Name:  "example.com.",
		Type:  "A",
		Class: "IN",
	})

	attrs, ok := sink.find("dns_query_received")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.5", attrs["client_ip"])
	assert.Equal(t, "example.com.", attrs["query_name"])
	assert.Equal(t, "A", attrs["query_type"])
	assert.Equal(t, "IN", attrs["query_class"])
}

func TestEmitter_ResponseSent(t *testing.T) {
	emitter, sink := captureEmitter(nil)

	emitter.ResponseSent("192.0.2.5",
		codec.QueryFacts{Name: "example.com.", Type: "A", Class: "IN"},
		codec.ResponseFacts{Rcode: "NOERROR", AnswerCount: 2, Answers: []string{"93.184.216.34", "93.184.216.35"}},
		"1.1.1.1:53",
		3500*time.Microsecond,
	)

	attrs, ok := sink.find("dns_response_sent")
	require.True(t, ok)
	assert.Equal(t, "NOERROR", attrs["response_code"])
	assert.Equal(t, int64(2), attrs["answer_count"])
	assert.Equal(t, "93.184.216.34,93.184.216.35", attrs["response_data"])
	assert.Equal(t, 3.5, attrs["processing_time_ms"])
}

func TestEmitter_Error(t *testing.T) {
	emitter, sink := captureEmitter(nil)

	emitter.Error("192.0.2.5",
		codec.QueryFacts{Name: "example.com.", Type: "A", Class: "IN"},
		"upstream_timeout", "1.1.1.1:53", time.Millisecond,
	)

	attrs, ok := sink.find("dns_error")
	require.True(t, ok)
	assert.Equal(t, "192.0.2.5", attrs["client_ip"])
	assert.Equal(t, "example.com.", attrs["query_name"])
	assert.Equal(t, "upstream_timeout", attrs["error_reason"])
}

func TestEmitter_MalformedQueryUsesSentinels(t *testing.T) {
	emitter, sink := captureEmitter(nil)

	facts := codec.QueryFactsFrom([]byte{0x01, 0x02, 0x03})
	emitter.QueryReceived("192.0.2.5", facts)

	attrs, ok := sink.find("dns_query_received")
	require.True(t, ok)
	assert.Equal(t, codec.SentinelName, attrs["query_name"])
	assert.Equal(t, codec.SentinelType, attrs["query_type"])
}

func TestEmitter_PersistsThroughQueryLogger(t *testing.T) {
	store := &mockStorage{}
	logger := logging.FromSlog(slog.New(&recordSink{}))
	ql := NewQueryLogger(store, logger, 10, 1)
	defer ql.Close()

	emitter, _ := captureEmitter(ql)
	emitter.ResponseSent("192.0.2.5",
		codec.QueryFacts{Name: "example.com.", Type: "A", Class: "IN"},
		codec.ResponseFacts{Rcode: "NOERROR", AnswerCount: 1},
		"1.1.1.1:53", time.Millisecond,
	)
	emitter.Error("192.0.2.6",
		codec.QueryFacts{Name: "down.test.", Type: "A", Class: "IN"},
		"send_failed", "1.1.1.1:53", time.Millisecond,
	)

	assert.Eventually(t, func() bool { return store.count() == 2 }, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	defer store.mu.Unlock()
	var failed *storage.QueryLog
	for _, e := range store.entries {
		if e.Failed {
			failed = e
		}
	}
	require.NotNil(t, failed)
	assert.Equal(t, "SERVFAIL", failed.ResponseCode)
	assert.Equal(t, "send_failed", failed.ErrorReason)
}
