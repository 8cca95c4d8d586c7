// Package control delivers operator requests (stop, pause, resume, reload)
// to the monitoring loop without blocking it.
package control

import (
	"fmt"
	"time"
)

// Kind of a control request.
type Kind int

const (
	None Kind = iota
	Stop
	Pause
	Resume
	Reload
)

func (k Kind) String() string {
	switch k {
	case Stop:
		return "stop"
	case Pause:
		return "pause"
	case Resume:
		return "resume"
	case Reload:
		return "reload"
	default:
		return "none"
	}
}

// Request is one operator instruction. Duration applies to Pause; zero
// pauses until a Resume arrives.
type Request struct {
	Kind     Kind
	Reason   string
	Duration time.Duration
}

func (r Request) String() string {
	switch r.Kind {
	case Stop:
		return fmt.Sprintf("stop:%s", r.Reason)
	case Pause:
		return fmt.Sprintf("pause:%s", r.Duration)
	default:
		return r.Kind.String()
	}
}

// Source is polled once per cycle and while paused. Poll must not block.
type Source interface {
	Poll() Request
}

// Multi returns the first non-empty request of its sources.
type Multi []Source

func (m Multi) Poll() Request {
	for _, s := range m {
		if s == nil {
			continue
		}
		if r := s.Poll(); r.Kind != None {
			return r
		}
	}
	return Request{}
}

// Channel is an in-process source fed by the API and the schedule.
type Channel struct {
	ch chan Request
}

func NewChannel(size int) *Channel {
	if size <= 0 {
		size = 8
	}
	return &Channel{ch: make(chan Request, size)}
}

// Send queues r. It reports false when the queue is full.
func (c *Channel) Send(r Request) bool {
	select {
	case c.ch <- r:
		return true
	default:
		return false
	}
}

func (c *Channel) Poll() Request {
	select {
	case r := <-c.ch:
		return r
	default:
		return Request{}
	}
}
