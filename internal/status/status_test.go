package status

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileReportAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "monitor_status.json")
	now := time.Now().Truncate(time.Second)
	f := File{Path: path}

	require.NoError(t, f.Report(Snapshot{Timestamp: now, Status: Monitoring, CurrentlyRecording: []string{"a"}, ActiveRecordings: 1}))
	require.NoError(t, f.Report(Snapshot{Timestamp: now, Status: Paused, Extra: "Paused for 60 seconds"}))

	s, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, Paused, s.Status)
	assert.Equal(t, "Paused for 60 seconds", s.Extra)
	assert.Equal(t, os.Getpid(), s.PID)
	assert.True(t, s.Recent(now.Add(time.Minute)))
	assert.False(t, s.Recent(now.Add(10*time.Minute)))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestRead_Errors(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o644))
	_, err = Read(bad)
	assert.Error(t, err)
}

func TestMemoryAndMulti(t *testing.T) {
	var mem Memory
	m := Multi{&mem, File{Path: filepath.Join(t.TempDir(), "nodir", "x.json")}}
	err := m.Report(Snapshot{Status: Stopping})
	assert.Error(t, err)
	assert.Equal(t, Stopping, mem.Last().Status)
}
