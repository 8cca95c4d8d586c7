package stability

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTracker(threshold int, cooldown time.Duration) (*Tracker, *fakeClock) {
	clk := &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	return New(threshold, cooldown, WithClock(clk.Now)), clk
}

func TestObserve_ThresholdThenCooldown(t *testing.T) {
	tr, clk := newTracker(3, 90*time.Second)

	assert.False(t, tr.Observe("alice", true, false)) // t=0
	clk.Advance(10 * time.Second)
	assert.False(t, tr.Observe("alice", true, false)) // t=10
	clk.Advance(10 * time.Second)
	assert.True(t, tr.Observe("alice", true, false)) // t=20
	clk.Advance(10 * time.Second)
	assert.False(t, tr.Observe("alice", true, false), "cooldown not elapsed") // t=30

	clk.Advance(80 * time.Second) // t=110, 90s after the action
	assert.True(t, tr.Observe("alice", true, false))
}

func TestObserve_RecordingSuppressesDecision(t *testing.T) {
	tr, clk := newTracker(1, 0)
	assert.False(t, tr.Observe("a", true, true))
	clk.Advance(time.Second)
	assert.True(t, tr.Observe("a", true, false))
}

func TestObserve_OfflineNeverDecides(t *testing.T) {
	tr, clk := newTracker(1, 0)
	for i := 0; i < 10; i++ {
		assert.False(t, tr.Observe("a", false, false))
		assert.False(t, tr.Observe("a", false, true))
		clk.Advance(time.Second)
	}
	info, ok := tr.Info("a")
	require.True(t, ok)
	assert.Equal(t, 20, info.ConsecutiveOffline)
	assert.Equal(t, 0, info.ConsecutiveLive)
}

func TestObserve_OfflineResetsStreak(t *testing.T) {
	tr, clk := newTracker(3, 0)
	tr.Observe("a", true, false)
	clk.Advance(time.Second)
	tr.Observe("a", true, false)
	clk.Advance(time.Second)
	tr.Observe("a", false, false)
	clk.Advance(time.Second)
	assert.False(t, tr.Observe("a", true, false))
	info, _ := tr.Info("a")
	assert.Equal(t, 1, info.ConsecutiveLive)
}

// Counters are mutually exclusive and no two decisions land within the
// cooldown, for arbitrary observation sequences.
func TestObserve_RandomSequencesKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const cooldown = 90 * time.Second
	for round := 0; round < 50; round++ {
		tr, clk := newTracker(1+rng.Intn(4), cooldown)
		var lastDecision time.Time
		for i := 0; i < 300; i++ {
			clk.Advance(time.Duration(1+rng.Intn(30)) * time.Second)
			if tr.Observe("x", rng.Intn(3) > 0, rng.Intn(5) == 0) {
				if !lastDecision.IsZero() {
					require.GreaterOrEqual(t, clk.Now().Sub(lastDecision), cooldown)
				}
				lastDecision = clk.Now()
			}
			info, _ := tr.Info("x")
			require.False(t, info.ConsecutiveLive > 0 && info.ConsecutiveOffline > 0)
		}
	}
}

func TestRecentChecksWindow(t *testing.T) {
	tr, clk := newTracker(3, 0)
	for i := 0; i < 30; i++ {
		tr.Observe("a", true, true)
		clk.Advance(time.Minute)
	}
	info, _ := tr.Info("a")
	assert.LessOrEqual(t, info.RecentChecks, 10)
	assert.Equal(t, 30, info.ConsecutiveLive)
}

func TestOfflineFor(t *testing.T) {
	tr, clk := newTracker(3, 0)
	assert.Zero(t, tr.OfflineFor("a"))
	tr.Observe("a", true, true)
	clk.Advance(time.Minute)
	tr.Observe("a", false, true)
	for i := 0; i < 20; i++ {
		clk.Advance(time.Minute)
		tr.Observe("a", false, true)
	}
	assert.Equal(t, 20*time.Minute, tr.OfflineFor("a"))
	tr.Observe("a", true, true)
	assert.Zero(t, tr.OfflineFor("a"))
}

func TestInfoStatsReset(t *testing.T) {
	tr, clk := newTracker(2, time.Minute)
	tr.Observe("a", true, false)
	clk.Advance(time.Second)
	assert.True(t, tr.Observe("a", true, false))
	tr.Observe("b", false, false)

	info, ok := tr.Info("a")
	require.True(t, ok)
	assert.True(t, info.InCooldown)
	assert.Equal(t, time.Minute, info.RemainingCooldown)
	require.NotNil(t, info.LastStatus)
	assert.True(t, *info.LastStatus)

	st := tr.Stats()
	assert.Equal(t, 2, st.Tracked)
	assert.Equal(t, 1, st.StableLive)
	assert.Equal(t, 1, st.InCooldown)
	assert.Equal(t, 2, st.Threshold)

	all := tr.All()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Entity)

	tr.Reset("a")
	_, ok = tr.Info("a")
	assert.False(t, ok)
}

func TestCleanup(t *testing.T) {
	tr, clk := newTracker(3, 0)
	tr.Observe("old", true, false)
	clk.Advance(23 * time.Hour)
	tr.Observe("fresh", false, false)
	clk.Advance(2 * time.Hour)

	assert.Equal(t, 1, tr.Cleanup())
	_, ok := tr.Info("old")
	assert.False(t, ok)
	_, ok = tr.Info("fresh")
	assert.True(t, ok)
}

func TestSetPolicy(t *testing.T) {
	tr, _ := newTracker(0, -1)
	st := tr.Stats()
	assert.Equal(t, DefaultThreshold, st.Threshold)
	assert.Equal(t, DefaultCooldown, st.Cooldown)
	assert.True(t, tr.SetPolicy(5, time.Minute))
	assert.False(t, tr.SetPolicy(5, time.Minute))
}
