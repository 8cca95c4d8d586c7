package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamwatch/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sink, err := New("sqlite://" + dbPath)
	require.NoError(t, err)
	defer func() { assert.NoError(t, sink.Close()) }()

	ctx := context.Background()
	start := time.Now().Add(-time.Hour).UTC()
	rec := history.Record{SessionID: "s-1", Entity: "alice", StartedAt: start, Tags: []string{"music"}}

	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: start, Record: rec}))

	rec.StoppedAt = start.Add(time.Hour)
	rec.Reason = "live_end"
	rec.Counts = history.Counts{Comments: 10, Likes: 99}
	require.NoError(t, sink.Send(ctx, history.Event{Type: history.EventStopped, OccurredAt: rec.StoppedAt, Record: rec}))

	n, err := sink.Count(ctx, "alice", history.EventStarted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = sink.Count(ctx, "alice", history.EventStopped)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var dur float64
	var likes int64
	var reason string
	require.NoError(t, sink.db.QueryRowContext(ctx,
		`SELECT duration_seconds, likes, reason FROM recording_history WHERE event = ?`, string(history.EventStopped)).
		Scan(&dur, &likes, &reason))
	assert.InDelta(t, 3600, dur, 0.001)
	assert.Equal(t, int64(99), likes)
	assert.Equal(t, "live_end", reason)
}

func TestSQLiteSink_Memory(t *testing.T) {
	sink, err := New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()
	require.NoError(t, sink.Send(context.Background(), history.Event{
		Type: history.EventRejected, OccurredAt: time.Now(),
		Record: history.Record{Entity: "bob", Reason: "capacity_exceeded"},
	}))
	n, err := sink.Count(context.Background(), "bob", history.EventRejected)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteSink_EmptyDSN(t *testing.T) {
	_, err := New("  ")
	assert.Error(t, err)
}
