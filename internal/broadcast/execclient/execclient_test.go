//go:build !windows

package execclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/loykin/streamwatch/internal/broadcast"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const probeScript = `case {entity} in live) exit 0;; off) exit 1;; gone) exit 2;; auth) exit 3;; slow) sleep 30;; *) exit 7;; esac`

func newClient(t *testing.T, events string) *Client {
	t.Helper()
	c, err := New(Config{
		ProbeCommand:  []string{"/bin/sh", "-c", probeScript},
		EventsCommand: []string{"/bin/sh", "-c", events},
		CloseWait:     2 * time.Second,
		ForceWait:     time.Second,
	})
	require.NoError(t, err)
	return c
}

func TestNew_RequiresCommands(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
	_, err = New(Config{ProbeCommand: []string{"x"}})
	assert.Error(t, err)
}

func TestProbe_ExitCodes(t *testing.T) {
	c := newClient(t, "true")
	cases := []struct {
		entity string
		live   bool
		kind   broadcast.FailureKind
	}{
		{"live", true, broadcast.FailureNone},
		{"off", false, broadcast.FailureNone},
		{"gone", false, broadcast.FailureNotFound},
		{"auth", false, broadcast.FailureAuth},
		{"weird", false, broadcast.FailureTransport},
	}
	for _, tc := range cases {
		t.Run(tc.entity, func(t *testing.T) {
			p, err := c.Probe(tc.entity, broadcast.Auth{})
			require.NoError(t, err)
			defer func() { _ = p.Close() }()
			live, err := p.IsLive(context.Background())
			assert.Equal(t, tc.live, live)
			assert.Equal(t, tc.kind, broadcast.Classify(err))
		})
	}
}

func TestProbe_Timeout(t *testing.T) {
	c := newClient(t, "true")
	p, _ := c.Probe("slow", broadcast.Auth{})
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.IsLive(ctx)
	assert.Equal(t, broadcast.FailureTimeout, broadcast.Classify(err))
	assert.Less(t, time.Since(start), 5*time.Second)
}

type recorder struct {
	mu     sync.Mutex
	events []broadcast.Event
}

func (r *recorder) handle(ev broadcast.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) kinds() []broadcast.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]broadcast.EventKind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func handlersFor(r *recorder) broadcast.Handlers {
	h := broadcast.Handlers{}
	for _, k := range []broadcast.EventKind{broadcast.EventConnected, broadcast.EventComment, broadcast.EventDisconnected, broadcast.EventLiveEnded} {
		h[k] = r.handle
	}
	return h
}

func TestConnect_EventsAndClose(t *testing.T) {
	c := newClient(t, `echo '{"kind":"connected","stream_url":"rtmp://x/{entity}"}'; echo '{"kind":"comment","attrs":{"comment":"hi"}}'; echo 'garbage'; sleep 30`)
	rec := &recorder{}
	conn, err := c.Connect(context.Background(), "alice", broadcast.Auth{}, handlersFor(rec))
	require.NoError(t, err)
	assert.True(t, conn.Connected())
	url, err := conn.StreamURL(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "rtmp://x/alice", url)

	require.Eventually(t, func() bool { return len(rec.kinds()) >= 2 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []broadcast.EventKind{broadcast.EventConnected, broadcast.EventComment}, rec.kinds())

	require.NoError(t, conn.Close(context.Background()))
	assert.False(t, conn.Connected(), "not connected once Close returns")
	require.NoError(t, conn.Close(context.Background()))
	assert.False(t, conn.Connected())
	time.Sleep(100 * time.Millisecond)
	assert.NotContains(t, rec.kinds(), broadcast.EventDisconnected, "own close is not a disconnect")
}

func TestConnect_HelperExitIsDisconnect(t *testing.T) {
	c := newClient(t, `echo '{"kind":"connected"}'; sleep 0.2`)
	rec := &recorder{}
	conn, err := c.Connect(context.Background(), "bob", broadcast.Auth{}, handlersFor(rec))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		k := rec.kinds()
		return len(k) > 0 && k[len(k)-1] == broadcast.EventDisconnected
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, conn.Connected())
	_, err = conn.StreamURL(context.Background())
	assert.ErrorIs(t, err, broadcast.ErrMalformed)
	assert.NoError(t, conn.Close(context.Background()))
}

func TestConnect_FailsBeforeConnected(t *testing.T) {
	c := newClient(t, `exit 2`)
	_, err := c.Connect(context.Background(), "ghost", broadcast.Auth{}, broadcast.Handlers{})
	assert.ErrorIs(t, err, broadcast.ErrNotFound)
}

func TestConnect_ContextCancel(t *testing.T) {
	c := newClient(t, `sleep 30`)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Connect(ctx, "slow", broadcast.Auth{}, broadcast.Handlers{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAuthPlaceholders(t *testing.T) {
	c, err := New(Config{
		ProbeCommand:  []string{"/bin/sh", "-c", `[ "{session_id}/{region}/{sign_server}" = "s/r/h" ]`},
		EventsCommand: []string{"true"},
	})
	require.NoError(t, err)
	p, _ := c.Probe("x", broadcast.Auth{SessionID: "s", Region: "r", SignServer: "h"})
	live, err := p.IsLive(context.Background())
	require.NoError(t, err)
	assert.True(t, live)
}
