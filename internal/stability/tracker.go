// Package stability turns noisy per-cycle live/offline samples into start
// decisions. A channel must be seen live on several consecutive checks and
// the per-channel action cooldown must have elapsed before a start is allowed.
package stability

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

const (
	DefaultThreshold = 3
	DefaultCooldown  = 90 * time.Second
	// CheckWindow bounds the per-channel sample history.
	CheckWindow = 10 * time.Minute
	// Retention is how long an idle record survives Cleanup.
	Retention = 24 * time.Hour
)

type check struct {
	at   time.Time
	live bool
}

type record struct {
	checks          []check
	consecutiveLive int
	consecutiveOff  int
	lastStatus      *bool
	lastActionTime  time.Time
	lastObservedAt  time.Time
	offlineSince    time.Time
}

// Info is a read-only view of one channel's record.
type Info struct {
	Entity             string        `json:"entity"`
	ConsecutiveLive    int           `json:"consecutive_live"`
	ConsecutiveOffline int           `json:"consecutive_offline"`
	LastStatus         *bool         `json:"last_status"`
	RecentChecks       int           `json:"recent_checks"`
	SinceLastAction    time.Duration `json:"since_last_action"`
	InCooldown         bool          `json:"in_cooldown"`
	RemainingCooldown  time.Duration `json:"remaining_cooldown"`
}

// Stats summarizes all records.
type Stats struct {
	Tracked    int           `json:"tracked"`
	StableLive int           `json:"stable_live"`
	InCooldown int           `json:"in_cooldown"`
	Threshold  int           `json:"threshold"`
	Cooldown   time.Duration `json:"cooldown"`
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithLogger sets the logger used for decision traces.
func WithLogger(l *slog.Logger) Option { return func(t *Tracker) { t.log = l } }

// Tracker is safe for concurrent use.
type Tracker struct {
	mu        sync.Mutex
	records   map[string]*record
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       *slog.Logger
}

// New creates a tracker. Non-positive arguments fall back to defaults.
func New(threshold int, cooldown time.Duration, opts ...Option) *Tracker {
	t := &Tracker{
		records: make(map[string]*record),
		now:     time.Now,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(t)
	}
	t.SetPolicy(threshold, cooldown)
	return t
}

// SetPolicy updates threshold and cooldown, e.g. after a config reload.
// It reports whether anything changed.
func (t *Tracker) SetPolicy(threshold int, cooldown time.Duration) bool {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	if cooldown < 0 {
		cooldown = DefaultCooldown
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.threshold != threshold || t.cooldown != cooldown
	t.threshold, t.cooldown = threshold, cooldown
	return changed
}

// Observe records one sample and reports whether a recording should start
// now. Offline samples never produce a decision.
func (t *Tracker) Observe(entity string, live, recording bool) bool {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[entity]
	if !ok {
		// far enough back that the first decision passes any cooldown
		r = &record{lastActionTime: now.Add(-t.cooldown - CheckWindow)}
		t.records[entity] = r
	}
	r.trim(now.Add(-CheckWindow))
	r.checks = append(r.checks, check{at: now, live: live})
	r.lastObservedAt = now

	prevLive := r.lastStatus != nil && *r.lastStatus
	prevOff := r.lastStatus != nil && !*r.lastStatus
	if live {
		if prevLive {
			r.consecutiveLive++
		} else {
			r.consecutiveLive = 1
		}
		r.consecutiveOff = 0
	} else {
		if prevOff {
			r.consecutiveOff++
		} else {
			r.consecutiveOff = 1
			r.offlineSince = now
		}
		r.consecutiveLive = 0
	}
	st := live
	r.lastStatus = &st

	if !live || recording {
		return false
	}
	if r.consecutiveLive < t.threshold {
		t.log.Debug("live streak building", "entity", entity, "streak", r.consecutiveLive, "threshold", t.threshold)
		return false
	}
	if since := now.Sub(r.lastActionTime); since < t.cooldown {
		t.log.Debug("stable but cooling down", "entity", entity, "remaining", t.cooldown-since)
		return false
	}
	r.lastActionTime = now
	t.log.Debug("live confirmed", "entity", entity, "streak", r.consecutiveLive)
	return true
}

// OfflineFor returns how long the channel has been continuously observed
// offline. Zero when its last sample was live or it is unknown.
func (t *Tracker) OfflineFor(entity string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[entity]
	if !ok || r.consecutiveOff == 0 {
		return 0
	}
	return r.lastObservedAt.Sub(r.offlineSince)
}

func (r *record) trim(cutoff time.Time) {
	i := 0
	for i < len(r.checks) && !r.checks[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		r.checks = append(r.checks[:0], r.checks[i:]...)
	}
}

// Info returns the record for entity, if any.
func (t *Tracker) Info(entity string) (Info, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[entity]
	if !ok {
		return Info{}, false
	}
	return t.infoLocked(entity, r, t.now()), true
}

func (t *Tracker) infoLocked(entity string, r *record, now time.Time) Info {
	since := now.Sub(r.lastActionTime)
	remaining := t.cooldown - since
	if remaining < 0 {
		remaining = 0
	}
	var last *bool
	if r.lastStatus != nil {
		v := *r.lastStatus
		last = &v
	}
	return Info{
		Entity:             entity,
		ConsecutiveLive:    r.consecutiveLive,
		ConsecutiveOffline: r.consecutiveOff,
		LastStatus:         last,
		RecentChecks:       len(r.checks),
		SinceLastAction:    since,
		InCooldown:         since < t.cooldown,
		RemainingCooldown:  remaining,
	}
}

// All returns every record sorted by entity.
func (t *Tracker) All() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	out := make([]Info, 0, len(t.records))
	for e, r := range t.records {
		out = append(out, t.infoLocked(e, r, now))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Stats summarizes the tracker.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	s := Stats{Tracked: len(t.records), Threshold: t.threshold, Cooldown: t.cooldown}
	for _, r := range t.records {
		if r.consecutiveLive >= t.threshold {
			s.StableLive++
		}
		if now.Sub(r.lastActionTime) < t.cooldown {
			s.InCooldown++
		}
	}
	return s
}

// Reset forgets entity.
func (t *Tracker) Reset(entity string) {
	t.mu.Lock()
	delete(t.records, entity)
	t.mu.Unlock()
}

// Cleanup drops records not observed within Retention and returns how many
// were removed.
func (t *Tracker) Cleanup() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-Retention)
	n := 0
	for e, r := range t.records {
		if r.lastObservedAt.Before(cutoff) {
			delete(t.records, e)
			n++
		}
	}
	if n > 0 {
		t.log.Debug("stability records cleaned", "removed", n)
	}
	return n
}
