// Package eventlog persists audience events of a recording session, one
// CSV file per event kind.
package eventlog

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/loykin/streamwatch/internal/broadcast"
)

// ErrClosed is returned by Append after Close.
var ErrClosed = errors.New("eventlog: sinks closed")

// TimestampLayout is used in file names.
const TimestampLayout = "20060102_150405"

// Opener opens the sinks of one session.
type Opener interface {
	Open(entity string, start time.Time) (Sinks, error)
}

// Sinks receives the events of one session. Implementations must be safe
// for concurrent use and Close must be idempotent.
type Sinks interface {
	Append(ev broadcast.Event) error
	Close() error
}

type layout struct {
	suffix  string
	columns []string // after the leading timestamp
}

var layouts = map[broadcast.EventKind]layout{
	broadcast.EventComment: {"comments", []string{"user_id", "nickname", "comment", "follower_count"}},
	broadcast.EventGift:    {"gifts", []string{"user_id", "nickname", "gift_name", "repeat_count", "streakable", "streaking"}},
	broadcast.EventFollow:  {"follows", []string{"user_id", "nickname", "follow_count", "share_type", "action"}},
	broadcast.EventShare:   {"shares", []string{"user_id", "nickname", "share_type", "share_target", "share_count", "users_joined", "action"}},
	broadcast.EventJoin:    {"joins", []string{"user_id", "nickname", "count", "is_top_user", "enter_type", "action", "user_share_type", "client_enter_source"}},
	broadcast.EventLike:    {"likes", []string{"user_id", "nickname", "count", "total", "color", "effect_cnt"}},
}

// Header returns the CSV header for kind.
func Header(kind broadcast.EventKind) []string {
	l, ok := layouts[kind]
	if !ok {
		return nil
	}
	return append([]string{"timestamp"}, l.columns...)
}

// FileName returns the CSV file name for a session and kind.
func FileName(entity string, start time.Time, kind broadcast.EventKind) string {
	return fmt.Sprintf("%s_%s_%s.csv", CleanEntity(entity), start.Format(TimestampLayout), layouts[kind].suffix)
}

// CleanEntity strips characters that do not belong in file names.
func CleanEntity(entity string) string {
	entity = strings.TrimPrefix(entity, "@")
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, entity)
}

// CSV opens one file per audience event kind under Dir.
type CSV struct {
	Dir string
}

func (o CSV) Open(entity string, start time.Time) (Sinks, error) {
	if err := os.MkdirAll(o.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("eventlog: create dir: %w", err)
	}
	s := &csvSinks{files: make(map[broadcast.EventKind]*csvFile, len(layouts))}
	for _, kind := range broadcast.DataKinds {
		path := filepath.Join(o.Dir, FileName(entity, start, kind))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("eventlog: open %s: %w", path, err)
		}
		w := csv.NewWriter(f)
		_ = w.Write(Header(kind))
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			_ = s.Close()
			return nil, fmt.Errorf("eventlog: header %s: %w", path, err)
		}
		s.files[kind] = &csvFile{f: f, w: w}
	}
	return s, nil
}

type csvFile struct {
	f *os.File
	w *csv.Writer
}

type csvSinks struct {
	mu     sync.Mutex
	files  map[broadcast.EventKind]*csvFile
	closed bool
}

func (s *csvSinks) Append(ev broadcast.Event) error {
	l, ok := layouts[ev.Kind]
	if !ok {
		return fmt.Errorf("eventlog: no sink for %q", ev.Kind)
	}
	row := make([]string, 0, len(l.columns)+1)
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	row = append(row, at.Format(time.RFC3339Nano))
	for _, c := range l.columns {
		row = append(row, ev.Attrs[c])
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cf := s.files[ev.Kind]
	if err := cf.w.Write(row); err != nil {
		return err
	}
	cf.w.Flush()
	return cf.w.Error()
}

func (s *csvSinks) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var errs []error
	for _, cf := range s.files {
		cf.w.Flush()
		if err := cf.w.Error(); err != nil {
			errs = append(errs, err)
		}
		if err := cf.f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards every event.
type Nop struct{}

func (Nop) Open(string, time.Time) (Sinks, error) { return nopSinks{}, nil }

type nopSinks struct{}

func (nopSinks) Append(broadcast.Event) error { return nil }
func (nopSinks) Close() error                 { return nil }
