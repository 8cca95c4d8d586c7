// Package history exports recording session lifecycle events to analytics
// stores.
package history

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// EventType defines the kind of lifecycle event.
type EventType string

const (
	EventStarted  EventType = "recording_started"
	EventStopped  EventType = "recording_stopped"
	EventRejected EventType = "start_rejected"
	EventFailed   EventType = "start_failed"
)

// Counts holds per-kind audience event counters of a session.
type Counts struct {
	Comments int64 `json:"comments"`
	Gifts    int64 `json:"gifts"`
	Follows  int64 `json:"follows"`
	Shares   int64 `json:"shares"`
	Joins    int64 `json:"joins"`
	Likes    int64 `json:"likes"`
}

// Total sums all counters.
func (c Counts) Total() int64 {
	return c.Comments + c.Gifts + c.Follows + c.Shares + c.Joins + c.Likes
}

// Record describes one recording session as seen at event time.
type Record struct {
	SessionID  string    `json:"session_id"`
	Entity     string    `json:"entity"`
	StartedAt  time.Time `json:"started_at"`
	StoppedAt  time.Time `json:"stopped_at,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	Counts     Counts    `json:"counts"`
	OutputPath string    `json:"output_path,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Notes      string    `json:"notes,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Duration is the session length, zero while running.
func (r Record) Duration() time.Duration {
	if r.StoppedAt.IsZero() || r.StartedAt.IsZero() {
		return 0
	}
	return r.StoppedAt.Sub(r.StartedAt)
}

// TagString joins tags for flat storage.
func (r Record) TagString() string { return strings.Join(r.Tags, ",") }

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Record     Record    `json:"record"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Multi fans an event out to several sinks.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that implements io.Closer.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
