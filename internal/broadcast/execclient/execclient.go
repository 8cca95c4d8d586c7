// Package execclient implements broadcast.Client on top of two external
// helper commands. The probe command answers one status question through
// its exit code. The events command stays running for the life of a
// connection and writes one JSON event per line on stdout.
//
// Probe exit codes: 0 live, 1 offline, 2 channel not found, 3 auth rejected.
// Any other exit is a transport failure.
//
// Event lines look like
//
//	{"kind":"connected","stream_url":"https://..."}
//	{"kind":"comment","attrs":{"user_id":"1","nickname":"n","comment":"hi"}}
//
// and the first "connected" line completes Connect.
package execclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/streamwatch/internal/broadcast"
	"github.com/loykin/streamwatch/internal/process"
)

const (
	exitLive     = 0
	exitOffline  = 1
	exitNotFound = 2
	exitAuth     = 3

	DefaultCloseWait = 15 * time.Second
	DefaultForceWait = 5 * time.Second
)

// Config holds the command templates. Placeholders: {entity},
// {session_id}, {region}, {sign_server}.
type Config struct {
	ProbeCommand  []string
	EventsCommand []string
	// Stderr receives helper diagnostics; nil discards them.
	Stderr    io.Writer
	CloseWait time.Duration
	ForceWait time.Duration
	Logger    *slog.Logger
}

// Client runs helper commands per channel.
type Client struct {
	cfg Config
	log *slog.Logger
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if len(cfg.ProbeCommand) == 0 {
		return nil, errors.New("execclient: probe command is required")
	}
	if len(cfg.EventsCommand) == 0 {
		return nil, errors.New("execclient: events command is required")
	}
	if cfg.CloseWait <= 0 {
		cfg.CloseWait = DefaultCloseWait
	}
	if cfg.ForceWait <= 0 {
		cfg.ForceWait = DefaultForceWait
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{cfg: cfg, log: log}, nil
}

func vars(entity string, a broadcast.Auth) map[string]string {
	return map[string]string{
		"entity":      entity,
		"session_id":  a.SessionID,
		"region":      a.Region,
		"sign_server": a.SignServer,
	}
}

func (c *Client) Probe(entity string, auth broadcast.Auth) (broadcast.Probe, error) {
	return &probe{
		entity: entity,
		args:   process.Expand(c.cfg.ProbeCommand, vars(entity, auth)),
		stderr: c.cfg.Stderr,
	}, nil
}

type probe struct {
	entity string
	args   []string
	stderr io.Writer
}

func (p *probe) IsLive(ctx context.Context) (bool, error) {
	proc, err := process.Start(process.Spec{Name: "probe " + p.entity, Args: p.args, Stderr: p.stderr})
	if err != nil {
		return false, fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
	}
	select {
	case <-proc.Done():
	case <-ctx.Done():
		_ = proc.Stop(context.Background(), process.Step{Signal: syscall.SIGKILL, Wait: time.Second})
		return false, ctx.Err()
	}
	code := exitCode(proc.ExitErr())
	switch code {
	case exitLive:
		return true, nil
	case exitOffline:
		return false, nil
	default:
		return false, codeError(p.entity, code)
	}
}

func (p *probe) Close() error { return nil }

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode()
	}
	return -1
}

func codeError(entity string, code int) error {
	switch code {
	case exitNotFound:
		return fmt.Errorf("%s: %w", entity, broadcast.ErrNotFound)
	case exitAuth:
		return fmt.Errorf("%s: %w", entity, broadcast.ErrAuth)
	default:
		return fmt.Errorf("%s: helper exited with %d: %w", entity, code, broadcast.ErrTransport)
	}
}

type wireEvent struct {
	Kind      broadcast.EventKind `json:"kind"`
	At        *time.Time          `json:"at,omitempty"`
	StreamURL string              `json:"stream_url,omitempty"`
	Attrs     map[string]string   `json:"attrs,omitempty"`
}

func (c *Client) Connect(ctx context.Context, entity string, auth broadcast.Auth, h broadcast.Handlers) (broadcast.Conn, error) {
	pr, pw := io.Pipe()
	proc, err := process.Start(process.Spec{
		Name:   "events " + entity,
		Args:   process.Expand(c.cfg.EventsCommand, vars(entity, auth)),
		Stdout: pw,
		Stderr: c.cfg.Stderr,
	})
	if err != nil {
		_ = pw.Close()
		return nil, fmt.Errorf("%w: %v", broadcast.ErrTransport, err)
	}
	conn := &conn{
		entity:    entity,
		proc:      proc,
		handlers:  h,
		ready:     make(chan struct{}),
		closeWait: c.cfg.CloseWait,
		forceWait: c.cfg.ForceWait,
		log:       c.log.With("entity", entity),
	}
	go func() {
		<-proc.Done()
		_ = pw.Close()
	}()
	go conn.read(pr)

	select {
	case <-conn.ready:
		return conn, nil
	case <-proc.Done():
		// the reader may have seen "connected" just before exit
		select {
		case <-conn.ready:
			return conn, nil
		default:
		}
		return nil, codeError(entity, exitCode(proc.ExitErr()))
	case <-ctx.Done():
		_ = conn.Close(context.Background())
		return nil, ctx.Err()
	}
}

type conn struct {
	entity    string
	proc      *process.Process
	handlers  broadcast.Handlers
	ready     chan struct{}
	closeWait time.Duration
	forceWait time.Duration
	log       *slog.Logger

	mu        sync.Mutex
	connected bool
	closing   bool
	streamURL string

	closeOnce sync.Once
	closeErr  error
}

func (c *conn) read(r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	readyOnce := sync.Once{}
	for sc.Scan() {
		var we wireEvent
		if err := json.Unmarshal(sc.Bytes(), &we); err != nil {
			c.log.Debug("skipping malformed event line", "error", err)
			continue
		}
		ev := broadcast.Event{Kind: we.Kind, At: time.Now(), Attrs: we.Attrs}
		if we.At != nil {
			ev.At = *we.At
		}
		if we.Kind == broadcast.EventConnected {
			c.mu.Lock()
			c.connected = true
			if we.StreamURL != "" {
				c.streamURL = we.StreamURL
			}
			c.mu.Unlock()
			readyOnce.Do(func() { close(c.ready) })
		}
		c.handlers.Dispatch(ev)
	}
	c.mu.Lock()
	wasConnected := c.connected
	closing := c.closing
	c.connected = false
	c.mu.Unlock()
	if wasConnected && !closing {
		c.handlers.Dispatch(broadcast.Event{Kind: broadcast.EventDisconnected, At: time.Now()})
	}
}

func (c *conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *conn) StreamURL(context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.streamURL == "" {
		return "", fmt.Errorf("%s: no stream url announced: %w", c.entity, broadcast.ErrMalformed)
	}
	return c.streamURL, nil
}

// Close terminates the events helper: SIGTERM, then SIGKILL after the wait.
func (c *conn) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.connected = false
		c.mu.Unlock()
		c.closeErr = c.proc.Stop(ctx,
			process.Step{Signal: syscall.SIGTERM, Wait: c.closeWait},
			process.Step{Signal: syscall.SIGKILL, Wait: c.forceWait},
		)
	})
	return c.closeErr
}
