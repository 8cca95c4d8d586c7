// Package csvlog appends session history to daily CSV files.
package csvlog

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/loykin/streamwatch/internal/history"
)

// Header is the column layout of every daily file.
var Header = []string{
	"timestamp", "username", "action", "status", "duration_minutes",
	"comments_count", "gifts_count", "follows_count", "shares_count", "joins_count", "likes_count",
	"tags", "notes", "error_message",
}

// Sink writes one row per event into monitoring_sessions_YYYYMMDD.csv.
type Sink struct {
	dir string
	now func() time.Time

	mu     sync.Mutex
	day    string
	f      *os.File
	w      *csv.Writer
	closed bool
}

// New creates the directory if needed.
func New(dir string) (*Sink, error) {
	if dir == "" {
		return nil, errors.New("empty csv history directory")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}
	return &Sink{dir: dir, now: time.Now}, nil
}

// FileName returns the daily file for t.
func FileName(t time.Time) string {
	return "monitoring_sessions_" + t.Format("20060102") + ".csv"
}

func action(t history.EventType) (string, string) {
	switch t {
	case history.EventStarted:
		return "start_recording", "success"
	case history.EventStopped:
		return "stop_recording", "success"
	case history.EventRejected:
		return "start_recording", "rejected"
	case history.EventFailed:
		return "start_recording", "error"
	default:
		return string(t), ""
	}
}

func (s *Sink) rotate(day string) error {
	if s.day == day && s.f != nil {
		return nil
	}
	if s.f != nil {
		s.w.Flush()
		_ = s.f.Close()
		s.f = nil
	}
	path := filepath.Join(s.dir, "monitoring_sessions_"+day+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	w := csv.NewWriter(f)
	if st.Size() == 0 {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return err
		}
	}
	s.day, s.f, s.w = day, f, w
	return nil
}

func (s *Sink) Send(_ context.Context, e history.Event) error {
	at := e.OccurredAt
	if at.IsZero() {
		at = s.now()
	}
	act, status := action(e.Type)
	r := e.Record
	c := r.Counts
	dur := ""
	if d := r.Duration(); d > 0 {
		dur = strconv.FormatFloat(d.Minutes(), 'f', 2, 64)
	}
	row := []string{
		at.Format("2006-01-02 15:04:05"), r.Entity, act, status, dur,
		fmt.Sprint(c.Comments), fmt.Sprint(c.Gifts), fmt.Sprint(c.Follows),
		fmt.Sprint(c.Shares), fmt.Sprint(c.Joins), fmt.Sprint(c.Likes),
		r.TagString(), r.Notes, r.Error,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("csv history sink closed")
	}
	if err := s.rotate(at.Format("20060102")); err != nil {
		return err
	}
	if err := s.w.Write(row); err != nil {
		return err
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.f == nil {
		return nil
	}
	s.w.Flush()
	return errors.Join(s.w.Error(), s.f.Close())
}
