package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dns-relay/pkg/config"
)

func newTestStorage(t *testing.T) Storage {
	t.Helper()
	store, err := NewSQLiteStorage(&config.StorageConfig{
		DatabasePath: filepath.Join(t.TempDir(), "queries.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestNewSQLiteStorage_InvalidConfig(t *testing.T) {
	_, err := NewSQLiteStorage(nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewSQLiteStorage(&config.StorageConfig{})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestSQLiteStorage_LogAndRead(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	entry := &QueryLog{
		Timestamp:      time.Now(),
		ClientIP:       "192.0.2.10",
		QueryName:      "example.com.",
		QueryType:      "A",
		QueryClass:     "IN",
		ResponseCode:   "NOERROR",
		Upstream:       "1.1.1.1:53",
		AnswerCount:    2,
		ResponseTimeMs: 12.5,
	}
	require.NoError(t, store.LogQuery(ctx, entry))

	entries, err := store.GetRecentQueries(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, "192.0.2.10", got.ClientIP)
	assert.Equal(t, "example.com.", got.QueryName)
	assert.Equal(t, "A", got.QueryType)
	assert.Equal(t, "NOERROR", got.ResponseCode)
	assert.Equal(t, "1.1.1.1:53", got.Upstream)
	assert.Equal(t, 2, got.AnswerCount)
	assert.Equal(t, 12.5, got.ResponseTimeMs)
	assert.False(t, got.Failed)
	assert.NotZero(t, got.ID)
}

func TestSQLiteStorage_FailedEntryRoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.LogQuery(ctx, &QueryLog{
		ClientIP:     "192.0.2.11",
		QueryName:    "timeout.test.",
		QueryType:    "AAAA",
		QueryClass:   "IN",
		ResponseCode: "SERVFAIL",
		ErrorReason:  "upstream_timeout",
		Failed:       true,
	}))

	entries, err := store.GetRecentQueries(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, entries[0].Failed)
	assert.Equal(t, "upstream_timeout", entries[0].ErrorReason)
	// Zero timestamp is filled in at write time
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestSQLiteStorage_RecentOrderingAndPaging(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	for i := 0; i < 5; i++ {
		require.NoError(t, store.LogQuery(ctx, &QueryLog{
			Timestamp:    base.Add(time.Duration(i) * time.Minute),
			ClientIP:     "192.0.2.1",
			QueryName:    "host.test.",
			QueryType:    "A",
			QueryClass:   "IN",
			ResponseCode: "NOERROR",
		}))
	}

	entries, err := store.GetRecentQueries(ctx, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, entries[0].Timestamp.After(entries[1].Timestamp))

	paged, err := store.GetRecentQueries(ctx, 2, 4)
	require.NoError(t, err)
	assert.Len(t, paged, 1)
}

func TestSQLiteStorage_Cleanup(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	for _, ts := range []time.Time{old, recent} {
		require.NoError(t, store.LogQuery(ctx, &QueryLog{
			Timestamp:    ts,
			ClientIP:     "192.0.2.1",
			QueryName:    "host.test.",
			QueryType:    "A",
			QueryClass:   "IN",
			ResponseCode: "NOERROR",
		}))
	}

	require.NoError(t, store.Cleanup(ctx, time.Now().Add(-24*time.Hour)))

	entries, err := store.GetRecentQueries(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.WithinDuration(t, recent, entries[0].Timestamp, time.Minute)
}

func TestSQLiteStorage_Closed(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.Ping(context.Background()))
	require.NoError(t, store.Close())
	// Close is idempotent
	require.NoError(t, store.Close())

	err := store.LogQuery(context.Background(), &QueryLog{})
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = store.GetRecentQueries(context.Background(), 1, 0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, store.Ping(context.Background()), ErrClosed)
}
