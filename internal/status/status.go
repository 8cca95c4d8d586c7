// Package status publishes a snapshot of the monitor's state once per
// cycle so that other processes can inspect it.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// State of the monitor as a whole.
type State string

const (
	Starting     State = "starting"
	Monitoring   State = "monitoring"
	Paused       State = "paused"
	Stopping     State = "stopping"
	ShuttingDown State = "shutting_down"
	Stopped      State = "stopped"
	Error        State = "error"
)

// RecentAge is how old a snapshot may be and still count as current.
const RecentAge = 5 * time.Minute

// Snapshot is what a Reporter publishes.
type Snapshot struct {
	Timestamp          time.Time `json:"timestamp"`
	Status             State     `json:"status"`
	Cycle              int       `json:"cycle"`
	Streamers          int       `json:"streamers"`
	Live               []string  `json:"live"`
	ActiveRecordings   int       `json:"active_recordings"`
	CurrentlyRecording []string  `json:"currently_recording"`
	PendingDisconnects int       `json:"pending_disconnects"`
	PendingUsers       []string  `json:"pending_disconnect_users"`
	Extra              string    `json:"extra_info,omitempty"`
	PID                int       `json:"pid"`
	Platform           string    `json:"platform"`
}

// Age returns how long ago the snapshot was taken.
func (s Snapshot) Age(now time.Time) time.Duration { return now.Sub(s.Timestamp) }

// Recent reports whether the snapshot is younger than RecentAge.
func (s Snapshot) Recent(now time.Time) bool { return s.Age(now) < RecentAge }

// Reporter receives a snapshot once per cycle and on state changes.
type Reporter interface {
	Report(s Snapshot) error
}

// Memory keeps the last snapshot for in-process readers such as the API.
type Memory struct {
	mu   sync.RWMutex
	last Snapshot
}

func (m *Memory) Report(s Snapshot) error {
	m.mu.Lock()
	m.last = s
	m.mu.Unlock()
	return nil
}

// Last returns the most recent snapshot.
func (m *Memory) Last() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// File rewrites a JSON document atomically on every report.
type File struct {
	Path string
}

func (f File) Report(s Snapshot) error {
	if s.PID == 0 {
		s.PID = os.Getpid()
	}
	if s.Platform == "" {
		s.Platform = runtime.GOOS
	}
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.Path)
	tmp, err := os.CreateTemp(dir, ".status-*")
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("status: %w", err)
	}
	return os.Rename(tmp.Name(), f.Path)
}

// Multi reports to several reporters and returns the first error.
type Multi []Reporter

func (m Multi) Report(s Snapshot) error {
	var first error
	for _, r := range m {
		if err := r.Report(s); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Read loads a snapshot written by File.
func Read(path string) (Snapshot, error) {
	var s Snapshot
	b, err := os.ReadFile(path)
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("status: parse %s: %w", path, err)
	}
	return s, nil
}
