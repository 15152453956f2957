package events

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dns-relay/pkg/logging"
	"dns-relay/pkg/storage"
)

func testQueryLogger(store storage.Storage, bufferSize, workers int) *QueryLogger {
	logger := logging.FromSlog(slog.New(&recordSink{}))
	return NewQueryLogger(store, logger, bufferSize, workers)
}

func TestQueryLogger_PersistsEntries(t *testing.T) {
	store := &mockStorage{}
	ql := testQueryLogger(store, 100, 2)
	defer ql.Close()

	for i := 0; i < 20; i++ {
		ql.LogAsync(&storage.QueryLog{
			ClientIP:  fmt.Sprintf("192.0.2.%d", i),
			QueryName: "example.com.",
		})
	}

	assert.Eventually(t, func() bool { return store.count() == 20 }, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, ql.Dropped())
}

func TestQueryLogger_DropsWhenBufferFull(t *testing.T) {
	gate := make(chan struct{})
	store := &mockStorage{gate: gate}
	ql := testQueryLogger(store, 1, 1)

	// One entry ends up blocked on the gate inside the worker, one fills
	// the buffer; whether the worker has taken the first by the time the
	// second arrives is racy, so 8 or 9 of the rest are dropped.
	for i := 0; i < 10; i++ {
		ql.LogAsync(&storage.QueryLog{QueryName: "example.com."})
	}

	dropped := int(ql.Dropped())
	require.GreaterOrEqual(t, dropped, 8)
	require.LessOrEqual(t, dropped, 9)

	close(gate)
	ql.Close()
	assert.Equal(t, 10-dropped, store.count())
}

func TestQueryLogger_CloseDrainsBuffer(t *testing.T) {
	store := &mockStorage{}
	ql := testQueryLogger(store, 100, 1)

	for i := 0; i < 10; i++ {
		ql.LogAsync(&storage.QueryLog{QueryName: "example.com."})
	}
	ql.Close()

	assert.Equal(t, 10, store.count())
}

func TestQueryLogger_CloseIsIdempotent(t *testing.T) {
	ql := testQueryLogger(&mockStorage{}, 10, 1)
	ql.Close()
	ql.Close()
}

func TestQueryLogger_LogAsyncAfterClose(t *testing.T) {
	store := &mockStorage{}
	ql := testQueryLogger(store, 2, 1)
	ql.Close()

	// A request worker finishing its reply can still log after shutdown.
	// Entries land in the buffer or are dropped; neither may panic.
	for i := 0; i < 5; i++ {
		ql.LogAsync(&storage.QueryLog{QueryName: "late.test."})
	}
	assert.Equal(t, uint64(3), ql.Dropped())
	assert.Zero(t, store.count())
}
