// Package broadcast defines the contract between the monitor and a live
// broadcast platform client: status probes, event connections and the
// failure taxonomy shared by every implementation.
package broadcast

import (
	"context"
	"time"
)

// EventKind names a push event delivered over a connection.
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventLiveEnded    EventKind = "live_end"
	EventDisconnected EventKind = "disconnected"
	EventComment      EventKind = "comment"
	EventGift         EventKind = "gift"
	EventFollow       EventKind = "follow"
	EventShare        EventKind = "share"
	EventJoin         EventKind = "join"
	EventLike         EventKind = "like"
)

// DataKinds are the event kinds that carry audience data and are logged.
var DataKinds = []EventKind{EventComment, EventGift, EventFollow, EventShare, EventJoin, EventLike}

// IsData reports whether k is one of DataKinds.
func (k EventKind) IsData() bool {
	switch k {
	case EventComment, EventGift, EventFollow, EventShare, EventJoin, EventLike:
		return true
	}
	return false
}

// Event is a single push event. Attrs carries kind specific fields such as
// user_id, nickname, comment or gift_name.
type Event struct {
	Kind  EventKind         `json:"kind"`
	At    time.Time         `json:"at"`
	Attrs map[string]string `json:"attrs,omitempty"`
}

// Handler consumes one event. Handlers run on the connection's reader
// goroutine and must not block for long.
type Handler func(Event)

// Handlers maps event kinds to their handler. Kinds without an entry are
// dropped by the connection.
type Handlers map[EventKind]Handler

// Dispatch invokes the handler registered for ev.Kind, if any.
func (h Handlers) Dispatch(ev Event) {
	if fn, ok := h[ev.Kind]; ok && fn != nil {
		fn(ev)
	}
}

// Auth carries the per-channel credentials and the signing host.
type Auth struct {
	SessionID  string
	Region     string
	SignServer string
}

// Client creates probes and event connections for channels.
type Client interface {
	// Probe returns a reusable status handle for entity.
	Probe(entity string, auth Auth) (Probe, error)
	// Connect opens an event connection and returns once it is established.
	// Events are delivered through h until the connection is closed.
	Connect(ctx context.Context, entity string, auth Auth, h Handlers) (Conn, error)
}

// Probe checks whether a channel is broadcasting.
type Probe interface {
	IsLive(ctx context.Context) (bool, error)
	Close() error
}

// Conn is an established event connection. Close must be idempotent.
type Conn interface {
	Connected() bool
	// StreamURL returns the media URL to capture from.
	StreamURL(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}
