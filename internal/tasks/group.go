// Package tasks runs background work keyed by name so that it can be
// enumerated and cancelled as a unit.
package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type task struct {
	id     uint64
	cancel context.CancelFunc
	done   chan struct{}
}

// Group tracks keyed goroutines. At most one task runs per key; a cancelled
// task gives up its key immediately even while it is still unwinding.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// New creates a group whose tasks derive their context from parent.
func New(parent context.Context) *Group {
	ctx, cancel := context.WithCancel(parent)
	return &Group{ctx: ctx, cancel: cancel, tasks: make(map[string]*task)}
}

// Go runs fn under key. It returns false when key is already running or
// the group is closed.
func (g *Group) Go(key string, fn func(ctx context.Context)) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	if _, busy := g.tasks[key]; busy {
		return false
	}
	g.nextID++
	ctx, cancel := context.WithCancel(g.ctx)
	t := &task{id: g.nextID, cancel: cancel, done: make(chan struct{})}
	g.tasks[key] = t
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer close(t.done)
		defer cancel()
		defer g.release(key, t.id)
		fn(ctx)
	}()
	return true
}

func (g *Group) release(key string, id uint64) {
	g.mu.Lock()
	if t, ok := g.tasks[key]; ok && t.id == id {
		delete(g.tasks, key)
	}
	g.mu.Unlock()
}

// Cancel cancels the task under key without waiting for it.
func (g *Group) Cancel(key string) bool {
	g.mu.Lock()
	t, ok := g.tasks[key]
	if ok {
		delete(g.tasks, key)
	}
	g.mu.Unlock()
	if ok {
		t.cancel()
	}
	return ok
}

// Running reports whether a task holds key.
func (g *Group) Running(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.tasks[key]
	return ok
}

// Keys returns the sorted keys with the given prefix.
func (g *Group) Keys(prefix string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for k := range g.tasks {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// CancelPrefix cancels every task whose key has prefix and returns the count.
func (g *Group) CancelPrefix(prefix string) int {
	n := 0
	for _, k := range g.Keys(prefix) {
		if g.Cancel(k) {
			n++
		}
	}
	return n
}

// Wait blocks until every task, including cancelled ones, has returned or
// ctx is done.
func (g *Group) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels everything and rejects new tasks.
func (g *Group) Close() {
	g.mu.Lock()
	g.closed = true
	g.tasks = make(map[string]*task)
	g.mu.Unlock()
	g.cancel()
}
