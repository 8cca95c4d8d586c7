package poller

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamwatch/internal/broadcast"
	"github.com/loykin/streamwatch/internal/broadcast/broadcasttest"
)

func fastConfig() Config {
	return Config{
		CheckTimeout:    time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		RetryMaxBackoff: 2 * time.Millisecond,
		BatchSize:       2,
	}
}

func targets(names ...string) []Target {
	out := make([]Target, len(names))
	for i, n := range names {
		out[i] = Target{Entity: n}
	}
	return out
}

func TestPollAll_TriState(t *testing.T) {
	fc := broadcasttest.New()
	fc.SetLive("a", true)
	fc.SetLive("b", false)
	fc.SetProbeError("c", broadcast.ErrTransport)
	p := New(fc, fastConfig())

	snap := p.PollAll(context.Background(), targets("a", "b", "c"))
	assert.Equal(t, Live, snap.Results["a"].Status)
	assert.Equal(t, Offline, snap.Results["b"].Status)
	assert.Equal(t, Unknown, snap.Results["c"].Status)
	assert.Equal(t, broadcast.FailureTransport, snap.Results["c"].Failure)
	assert.Equal(t, 1, snap.Failures)
	assert.False(t, snap.AllFailed)
	assert.Equal(t, []string{"a"}, snap.Live())
}

func TestPollAll_RetriesTransientFailures(t *testing.T) {
	fc := broadcasttest.New()
	fc.SetProbeError("a", broadcast.ErrTransport)
	p := New(fc, fastConfig())

	r := p.Check(context.Background(), Target{Entity: "a"})
	assert.Equal(t, Unknown, r.Status)
	assert.Equal(t, 3, fc.IsLiveCalls("a"), "one call plus two retries")
	assert.Empty(t, p.Parked())
}

func TestPollAll_ParksPermanentFailures(t *testing.T) {
	fc := broadcasttest.New()
	fc.SetProbeError("gone", fmt.Errorf("lookup: %w", broadcast.ErrNotFound))
	p := New(fc, fastConfig())

	snap := p.PollAll(context.Background(), targets("gone"))
	assert.Equal(t, 1, fc.IsLiveCalls("gone"), "permanent errors are not retried")
	assert.Equal(t, broadcast.FailureNotFound, snap.Results["gone"].Failure)
	assert.True(t, snap.AllFailed)

	snap = p.PollAll(context.Background(), targets("gone"))
	assert.True(t, snap.Results["gone"].Parked)
	assert.Equal(t, 1, fc.IsLiveCalls("gone"), "parked entities are skipped")
	assert.False(t, snap.AllFailed)

	assert.Equal(t, 1, p.UnparkAll())
	fc.SetProbeError("gone", nil)
	fc.SetLive("gone", true)
	snap = p.PollAll(context.Background(), targets("gone"))
	assert.Equal(t, Live, snap.Results["gone"].Status)
}

func TestPollAll_AllFailed(t *testing.T) {
	fc := broadcasttest.New()
	for _, n := range []string{"a", "b", "c"} {
		fc.SetProbeError(n, errors.New("boom"))
	}
	p := New(fc, fastConfig())
	snap := p.PollAll(context.Background(), targets("a", "b", "c"))
	assert.True(t, snap.AllFailed)
	assert.Equal(t, 3, snap.Failures)

	empty := p.PollAll(context.Background(), nil)
	assert.False(t, empty.AllFailed)
}

func TestProbeHandleReuse(t *testing.T) {
	fc := broadcasttest.New()
	fc.SetLive("a", true)
	p := New(fc, fastConfig())
	ctx := context.Background()

	p.PollAll(ctx, targets("a"))
	p.PollAll(ctx, targets("a"))
	assert.Equal(t, 1, fc.ProbesCreated("a"), "live entity keeps its probe")
	assert.Equal(t, 1, p.Cached())

	fc.SetLive("a", false)
	p.PollAll(ctx, targets("a"))
	assert.Equal(t, 0, fc.ProbesOpen("a"), "offline discards the probe")

	fc.SetLive("a", true)
	p.PollAll(ctx, targets("a"))
	assert.Equal(t, 2, fc.ProbesCreated("a"))

	fc.SetProbeError("a", broadcast.ErrMalformed)
	p.PollAll(ctx, targets("a"))
	assert.Equal(t, 0, fc.ProbesOpen("a"), "failure discards the probe")
}

func TestProbeReplacedWhenAuthChanges(t *testing.T) {
	fc := broadcasttest.New()
	fc.SetLive("a", true)
	p := New(fc, fastConfig())
	ctx := context.Background()
	p.PollAll(ctx, []Target{{Entity: "a", Auth: broadcast.Auth{Region: "eu"}}})
	p.PollAll(ctx, []Target{{Entity: "a", Auth: broadcast.Auth{Region: "us"}}})
	assert.Equal(t, 2, fc.ProbesCreated("a"))
	assert.Equal(t, 1, fc.ProbesOpen("a"))
	assert.Equal(t, "us", fc.LastAuth("a").Region)

	p.Close()
	assert.Equal(t, 0, fc.ProbesOpen("a"))
}

func TestBatchesPauseBetween(t *testing.T) {
	fc := broadcasttest.New()
	var pauses []time.Duration
	cfg := fastConfig()
	cfg.BatchPauseMin = 10 * time.Millisecond
	cfg.BatchPauseMax = 20 * time.Millisecond
	p := New(fc, cfg, WithSleep(func(_ context.Context, d time.Duration) { pauses = append(pauses, d) }))

	snap := p.PollAll(context.Background(), targets("a", "b", "c", "d", "e"))
	require.Len(t, snap.Results, 5)
	require.Len(t, pauses, 2)
	for _, d := range pauses {
		assert.GreaterOrEqual(t, d, cfg.BatchPauseMin)
		assert.Less(t, d, cfg.BatchPauseMax)
	}
}

func TestForget(t *testing.T) {
	fc := broadcasttest.New()
	fc.SetLive("a", true)
	p := New(fc, fastConfig())
	p.PollAll(context.Background(), targets("a"))
	p.Forget("a")
	assert.Equal(t, 0, p.Cached())
	assert.Equal(t, 0, fc.ProbesOpen("a"))
}

func TestStatusText(t *testing.T) {
	b, err := Live.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "live", string(b))
	assert.Equal(t, "unknown", Unknown.String())
}
