package csvlog

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamwatch/internal/history"
)

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestSink_WritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	day1 := time.Date(2024, 3, 1, 23, 59, 0, 0, time.Local)
	day2 := day1.Add(2 * time.Minute)
	ctx := context.Background()

	rec := history.Record{Entity: "alice", StartedAt: day1, Tags: []string{"a", "b"}}
	require.NoError(t, s.Send(ctx, history.Event{Type: history.EventStarted, OccurredAt: day1, Record: rec}))
	rec.StoppedAt = day2
	rec.Counts.Comments = 4
	require.NoError(t, s.Send(ctx, history.Event{Type: history.EventStopped, OccurredAt: day2, Record: rec}))
	require.NoError(t, s.Send(ctx, history.Event{Type: history.EventFailed, OccurredAt: day2,
		Record: history.Record{Entity: "bob", Error: "boom"}}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	rows1 := readRows(t, filepath.Join(dir, FileName(day1)))
	require.Len(t, rows1, 2)
	assert.Equal(t, Header, rows1[0])
	assert.Equal(t, []string{"alice", "start_recording", "success"}, rows1[1][1:4])
	assert.Equal(t, "a,b", rows1[1][11])

	rows2 := readRows(t, filepath.Join(dir, FileName(day2)))
	require.Len(t, rows2, 3)
	assert.Equal(t, "stop_recording", rows2[1][2])
	assert.Equal(t, "2.00", rows2[1][4])
	assert.Equal(t, "4", rows2[1][5])
	assert.Equal(t, "error", rows2[2][3])
	assert.Equal(t, "boom", rows2[2][13])

	assert.Error(t, s.Send(ctx, history.Event{Type: history.EventStarted}))
}

func TestSink_AppendsWithoutDuplicateHeader(t *testing.T) {
	dir := t.TempDir()
	at := time.Date(2024, 5, 5, 12, 0, 0, 0, time.Local)
	for i := 0; i < 2; i++ {
		s, err := New(dir)
		require.NoError(t, err)
		require.NoError(t, s.Send(context.Background(), history.Event{Type: history.EventRejected, OccurredAt: at,
			Record: history.Record{Entity: "carol"}}))
		require.NoError(t, s.Close())
	}
	rows := readRows(t, filepath.Join(dir, FileName(at)))
	assert.Len(t, rows, 3)
}
