// Package broadcasttest provides an in-memory broadcast.Client for tests.
package broadcasttest

import (
	"context"
	"sync"
	"time"

	"github.com/loykin/streamwatch/internal/broadcast"
)

// Client is a scriptable fake. The zero value is not usable; call New.
type Client struct {
	mu          sync.Mutex
	live        map[string]bool
	probeErr    map[string]error
	connectErr  map[string]error
	connectGate chan struct{}
	onConnect   map[string]connectScript
	conns       map[string]*Conn
	probes      map[string]int
	probesOpen  map[string]int
	isLiveCalls map[string]int
	connects    map[string]int
	auths       map[string]broadcast.Auth
}

func New() *Client {
	return &Client{
		live:        map[string]bool{},
		probeErr:    map[string]error{},
		connectErr:  map[string]error{},
		onConnect:   map[string]connectScript{},
		conns:       map[string]*Conn{},
		probes:      map[string]int{},
		probesOpen:  map[string]int{},
		isLiveCalls: map[string]int{},
		connects:    map[string]int{},
		auths:       map[string]broadcast.Auth{},
	}
}

func (c *Client) SetLive(entity string, live bool) {
	c.mu.Lock()
	c.live[entity] = live
	c.mu.Unlock()
}

// SetProbeError makes IsLive fail with err for entity. nil clears it.
func (c *Client) SetProbeError(entity string, err error) {
	c.mu.Lock()
	c.probeErr[entity] = err
	c.mu.Unlock()
}

// SetConnectError makes Connect fail with err for entity. nil clears it.
func (c *Client) SetConnectError(entity string, err error) {
	c.mu.Lock()
	c.connectErr[entity] = err
	c.mu.Unlock()
}

type connectScript struct {
	kinds []broadcast.EventKind
	drop  bool
}

// ScriptConnect makes Connect deliver kinds to the handlers before it
// returns. With drop the returned connection is already disconnected.
func (c *Client) ScriptConnect(entity string, drop bool, kinds ...broadcast.EventKind) {
	c.mu.Lock()
	c.onConnect[entity] = connectScript{kinds: kinds, drop: drop}
	c.mu.Unlock()
}

// GateConnects makes every Connect block until the returned func is called.
func (c *Client) GateConnects() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.connectGate = ch
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

// Conn returns the most recent connection for entity.
func (c *Client) Conn(entity string) *Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conns[entity]
}

func (c *Client) ProbesCreated(entity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probes[entity]
}

func (c *Client) ProbesOpen(entity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.probesOpen[entity]
}

func (c *Client) IsLiveCalls(entity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isLiveCalls[entity]
}

func (c *Client) Connects(entity string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects[entity]
}

// LastAuth returns the credentials last passed for entity.
func (c *Client) LastAuth(entity string) broadcast.Auth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auths[entity]
}

func (c *Client) Probe(entity string, auth broadcast.Auth) (broadcast.Probe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probes[entity]++
	c.probesOpen[entity]++
	c.auths[entity] = auth
	return &probe{c: c, entity: entity}, nil
}

func (c *Client) Connect(ctx context.Context, entity string, auth broadcast.Auth, h broadcast.Handlers) (broadcast.Conn, error) {
	c.mu.Lock()
	gate := c.connectGate
	c.connects[entity]++
	c.auths[entity] = auth
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	if err := c.connectErr[entity]; err != nil {
		c.mu.Unlock()
		return nil, err
	}
	script := c.onConnect[entity]
	conn := &Conn{entity: entity, handlers: h, connected: !script.drop}
	c.conns[entity] = conn
	c.mu.Unlock()
	for _, k := range script.kinds {
		conn.Emit(k, nil)
	}
	return conn, nil
}

type probe struct {
	c      *Client
	entity string
	closed bool
}

func (p *probe) IsLive(ctx context.Context) (bool, error) {
	p.c.mu.Lock()
	p.c.isLiveCalls[p.entity]++
	err := p.c.probeErr[p.entity]
	live := p.c.live[p.entity]
	p.c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err != nil {
		return false, err
	}
	return live, nil
}

func (p *probe) Close() error {
	p.c.mu.Lock()
	defer p.c.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.c.probesOpen[p.entity]--
	}
	return nil
}

// Conn is a fake event connection.
type Conn struct {
	mu        sync.Mutex
	entity    string
	handlers  broadcast.Handlers
	connected bool
	closes    int
	urlErr    error
}

// Emit delivers an event to the registered handlers.
func (c *Conn) Emit(kind broadcast.EventKind, attrs map[string]string) {
	c.mu.Lock()
	h := c.handlers
	c.mu.Unlock()
	h.Dispatch(broadcast.Event{Kind: kind, At: time.Now(), Attrs: attrs})
}

// Drop marks the connection as disconnected without closing it.
func (c *Conn) Drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

// SetStreamURLError makes StreamURL fail.
func (c *Conn) SetStreamURLError(err error) {
	c.mu.Lock()
	c.urlErr = err
	c.mu.Unlock()
}

// Closes returns how many times Close was called.
func (c *Conn) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Conn) StreamURL(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.urlErr != nil {
		return "", c.urlErr
	}
	return "fake://" + c.entity, nil
}

func (c *Conn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.connected = false
	return nil
}
