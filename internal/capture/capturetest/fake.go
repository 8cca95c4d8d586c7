// Package capturetest provides an in-memory capture.Capturer for tests.
package capturetest

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/streamwatch/internal/capture"
)

// Capturer records calls. StopDelay makes graceful stops slow.
type Capturer struct {
	mu        sync.Mutex
	startErr  error
	StopDelay time.Duration
	starts    []capture.Source
	graceful  int
	forced    int
}

func New() *Capturer { return &Capturer{} }

func (c *Capturer) SetStartError(err error) {
	c.mu.Lock()
	c.startErr = err
	c.mu.Unlock()
}

type handle struct {
	path    string
	done    chan struct{}
	once    sync.Once
	stopped bool
}

func (h *handle) OutputPath() string    { return h.path }
func (h *handle) Done() <-chan struct{} { return h.done }

func (c *Capturer) Start(_ context.Context, src capture.Source, outputPath string) (capture.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	c.starts = append(c.starts, src)
	return &handle{path: outputPath, done: make(chan struct{})}, nil
}

func (c *Capturer) Stop(ctx context.Context, hd capture.Handle, graceful bool) error {
	h := hd.(*handle)
	if graceful && c.StopDelay > 0 {
		select {
		case <-time.After(c.StopDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h.stopped {
		return nil
	}
	h.stopped = true
	if graceful {
		c.graceful++
	} else {
		c.forced++
	}
	h.once.Do(func() { close(h.done) })
	return nil
}

func (c *Capturer) Starts() []capture.Source {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capture.Source(nil), c.starts...)
}

func (c *Capturer) GracefulStops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.graceful
}

func (c *Capturer) ForcedStops() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forced
}
