// Package monitor runs the check cycle: reconcile configuration, honor
// control requests, poll the roster and start recordings once a channel is
// stably live.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"strings"
	"time"

	"github.com/loykin/streamwatch/internal/config"
	"github.com/loykin/streamwatch/internal/control"
	"github.com/loykin/streamwatch/internal/metrics"
	"github.com/loykin/streamwatch/internal/poller"
	"github.com/loykin/streamwatch/internal/recorder"
	"github.com/loykin/streamwatch/internal/stability"
	"github.com/loykin/streamwatch/internal/status"
)

// Poller checks a roster.
type Poller interface {
	PollAll(ctx context.Context, targets []poller.Target) poller.Snapshot
	SetConfig(cfg poller.Config)
	UnparkAll() int
	Forget(entity string)
}

// Recorder is the part of the lifecycle manager the loop drives.
type Recorder interface {
	StartAsync(entity string) bool
	StopAsync(entity, reason string) bool
	IsActive(entity string) bool
	Active() []string
	Pending() []string
	CleanupStale(ctx context.Context) int
	SetConfig(cfg recorder.Config)
}

// Coordinator owns the monitoring loop. It runs on a single goroutine.
type Coordinator struct {
	store    *config.Store
	poller   Poller
	tracker  *stability.Tracker
	rec      Recorder
	control  control.Source
	reporter status.Reporter
	log      *slog.Logger

	minSleep time.Duration
	tick     time.Duration
	openFDs  func() int32

	cycle int
	live  []string
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithSleepFloor overrides the minimum pause between cycles and the chunk
// size used while sleeping.
func WithSleepFloor(floor, tick time.Duration) Option {
	return func(c *Coordinator) { c.minSleep, c.tick = floor, tick }
}

// WithFDCounter reports open descriptors during sweeps.
func WithFDCounter(fn func() int32) Option { return func(c *Coordinator) { c.openFDs = fn } }

func New(store *config.Store, p Poller, tracker *stability.Tracker, rec Recorder, src control.Source, rep status.Reporter, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		poller:   p,
		tracker:  tracker,
		rec:      rec,
		control:  src,
		reporter: rep,
		log:      slog.Default(),
		minSleep: 10 * time.Second,
		tick:     time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	if c.control == nil {
		c.control = control.Multi{}
	}
	if c.reporter == nil {
		c.reporter = &status.Memory{}
	}
	return c
}

// Run loops until ctx is cancelled or a stop request arrives.
func (c *Coordinator) Run(ctx context.Context) error {
	cfg := c.store.Current()
	c.apply(cfg)
	c.log.Info("monitoring started", "streamers", len(cfg.EnabledStreamers()),
		"interval", cfg.Settings.CheckInterval, "max_concurrent", cfg.Settings.MaxConcurrentRecordings)
	c.report(status.Starting, "Started monitoring loop")

	for ctx.Err() == nil {
		stop, err := c.runCycle(ctx)
		if stop {
			return nil
		}
		if err != nil {
			c.log.Error("monitoring cycle failed", "cycle", c.cycle, "error", err)
			c.report(status.Error, fmt.Sprintf("Error in monitoring loop: %v", err))
			c.sleep(ctx, c.store.Current().Settings.ErrorBackoff)
		}
	}
	return nil
}

// Cycle returns the number of cycles started so far.
func (c *Coordinator) Cycle() int { return c.cycle }

func (c *Coordinator) apply(cfg *config.Config) {
	c.tracker.SetPolicy(cfg.Settings.StabilityThreshold, cfg.Settings.MinActionCooldown)
	c.poller.SetConfig(PollerConfig(cfg.Settings))
	c.rec.SetConfig(RecorderConfig(cfg))
}

func (c *Coordinator) reconcile() bool {
	d, changed, err := c.store.Reconcile()
	if err != nil {
		c.log.Warn("config reload failed, keeping previous configuration", "error", err)
		return false
	}
	if !changed {
		return false
	}
	cfg := c.store.Current()
	c.apply(cfg)
	for _, e := range d.Removed {
		c.poller.Forget(e)
		c.tracker.Reset(e)
	}
	for _, e := range d.Disabled {
		c.poller.Forget(e)
	}
	if n := c.poller.UnparkAll(); n > 0 {
		c.log.Info("parked entities released after config change", "count", n)
	}
	c.log.Info("configuration reloaded", "added", d.Added, "removed", d.Removed,
		"enabled", d.Enabled, "disabled", d.Disabled, "settings_changed", d.SettingsChanged)
	return true
}

func (c *Coordinator) runCycle(ctx context.Context) (stop bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	changed := c.reconcile()

	switch req := c.control.Poll(); req.Kind {
	case control.Stop:
		c.log.Info("stop requested", "reason", req.Reason)
		c.report(status.Stopping, "Stop signal received: "+req.Reason)
		return true, nil
	case control.Pause:
		return !c.pause(ctx, req), nil
	case control.Reload:
		if n := c.poller.UnparkAll(); n > 0 {
			c.log.Info("parked entities released on request", "count", n)
		}
	}

	c.cycle++
	cfg := c.store.Current()
	targets := Targets(cfg)
	start := time.Now()
	snap := c.poller.PollAll(ctx, targets)
	if ctx.Err() != nil {
		return true, nil
	}
	metrics.IncCycle()

	if snap.AllFailed {
		metrics.IncOutage()
		c.log.Warn("every check failed, backing off", "streamers", len(targets), "backoff", cfg.Settings.OutageBackoff)
		c.report(status.Monitoring, fmt.Sprintf("Check #%d, all checks failed", c.cycle))
		c.sleep(ctx, cfg.Settings.OutageBackoff)
		c.maybeSweep(ctx, cfg)
		return false, nil
	}

	actions := c.decide(cfg, snap)
	duration := time.Since(start)

	pending := c.rec.Pending()
	extra := fmt.Sprintf("Check #%d, duration: %.1fs", c.cycle, duration.Seconds())
	if len(pending) > 0 {
		extra += fmt.Sprintf(", pending disconnects: %d", len(pending))
	}
	c.report(status.Monitoring, extra)
	c.logCycle(cfg, len(targets), duration, actions, pending, changed)

	c.sleep(ctx, max(c.minSleep, cfg.Settings.CheckInterval-duration))
	c.maybeSweep(ctx, cfg)
	return false, nil
}

// maybeSweep runs the retention and stale-session sweeps every
// SweepEveryCycles cycles, outage cycles included.
func (c *Coordinator) maybeSweep(ctx context.Context, cfg *config.Config) {
	if ctx.Err() != nil {
		return
	}
	if every := cfg.Settings.SweepEveryCycles; every > 0 && c.cycle%every == 0 {
		c.sweep(ctx)
	}
}

// decide feeds every result through the tracker and fires starts and
// opt-in offline stops without blocking.
func (c *Coordinator) decide(cfg *config.Config, snap poller.Snapshot) []string {
	entities := make([]string, 0, len(snap.Results))
	for e := range snap.Results {
		entities = append(entities, e)
	}
	sort.Strings(entities)

	var actions []string
	c.live = c.live[:0]
	for _, e := range entities {
		r := snap.Results[e]
		live := r.Status == poller.Live
		if live {
			c.live = append(c.live, e)
		}
		recording := c.rec.IsActive(e)
		if c.tracker.Observe(e, live, recording) && live && !recording {
			c.log.Info("went live, stability confirmed", "entity", e)
			if c.rec.StartAsync(e) {
				actions = append(actions, e+":LIVE")
			}
			continue
		}
		after := cfg.Settings.OfflineStopAfter
		if after > 0 && recording && r.Status == poller.Offline && c.tracker.OfflineFor(e) >= after {
			c.log.Info("offline too long without a stream end event, stopping", "entity", e, "after", after)
			if c.rec.StopAsync(e, recorder.ReasonOfflineTimeout) {
				actions = append(actions, e+":OFFLINE")
			}
		}
	}
	return actions
}

// pause blocks for the jittered duration of req, or until Resume when the
// duration is zero. It returns false when the loop should end.
func (c *Coordinator) pause(ctx context.Context, req control.Request) bool {
	d := req.Duration
	if d > 0 {
		d = jitter(d, 0.1)
		c.log.Info("pausing monitoring", "duration", d.Round(time.Second), "reason", req.Reason)
		c.report(status.Paused, fmt.Sprintf("Paused for %d seconds", int(d.Seconds())))
	} else {
		c.log.Info("pausing monitoring until resumed", "reason", req.Reason)
		c.report(status.Paused, "Paused until resumed")
	}

	var deadline <-chan time.Time
	if d > 0 {
		t := time.NewTimer(d)
		defer t.Stop()
		deadline = t.C
	}
	tick := time.NewTicker(c.tick)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline:
			c.log.Info("resuming monitoring")
			c.report(status.Monitoring, "Resumed after pause")
			return true
		case <-tick.C:
			switch r := c.control.Poll(); r.Kind {
			case control.Stop:
				c.log.Info("stop requested while paused", "reason", r.Reason)
				c.report(status.Stopping, "Stop signal received: "+r.Reason)
				return false
			case control.Resume:
				c.log.Info("resuming monitoring", "reason", r.Reason)
				c.report(status.Monitoring, "Resumed after pause")
				return true
			}
		}
	}
}

// sleep waits d in chunks of at most tick so cancellation is honored
// promptly.
func (c *Coordinator) sleep(ctx context.Context, d time.Duration) {
	end := time.Now().Add(d)
	for {
		left := time.Until(end)
		if left <= 0 || ctx.Err() != nil {
			return
		}
		t := time.NewTimer(min(left, c.tick))
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (c *Coordinator) sweep(ctx context.Context) {
	if n := c.tracker.Cleanup(); n > 0 {
		c.log.Debug("stability records expired", "count", n)
	}
	if n := c.rec.CleanupStale(ctx); n > 0 {
		c.log.Info("stale recordings cleaned", "count", n)
	}
	if c.openFDs != nil {
		n := c.openFDs()
		metrics.SetOpenFDs(n)
		if n > 0 {
			c.log.Debug("open file descriptors", "count", n)
		}
		if n > 200 {
			c.log.Warn("high number of open files", "count", n)
		}
	}
}

func (c *Coordinator) report(st status.State, extra string) {
	rec := c.rec.Active()
	pend := c.rec.Pending()
	s := status.Snapshot{
		Timestamp:          time.Now(),
		Status:             st,
		Cycle:              c.cycle,
		Streamers:          len(c.store.Current().EnabledStreamers()),
		Live:               append([]string(nil), c.live...),
		ActiveRecordings:   len(rec),
		CurrentlyRecording: rec,
		PendingDisconnects: len(pend),
		PendingUsers:       pend,
		Extra:              extra,
	}
	if err := c.reporter.Report(s); err != nil {
		c.log.Debug("could not update status", "error", err)
	}
}

// Report publishes a final state, used by the shutdown path.
func (c *Coordinator) Report(st status.State, extra string) { c.report(st, extra) }

func (c *Coordinator) logCycle(cfg *config.Config, total int, d time.Duration, actions, pending []string, changed bool) {
	rec := c.rec.Active()
	if len(actions) > 0 || changed || len(pending) > 0 || c.cycle%5 == 0 {
		attrs := []any{"cycle", c.cycle, "streamers", total, "live", c.live, "recording", rec,
			"duration", d.Round(time.Millisecond)}
		if changed {
			attrs = append(attrs, "config_reloaded", true)
		}
		if len(pending) > 0 {
			attrs = append(attrs, "pending_disconnects", pending)
		}
		if len(actions) > 0 {
			attrs = append(attrs, "actions", strings.Join(actions, ","))
		}
		c.log.Info("check cycle", attrs...)
	} else if c.cycle%20 == 0 {
		c.log.Info("check cycle", "cycle", c.cycle, "streamers", total, "live", len(c.live),
			"recording", len(rec), "duration", d.Round(time.Millisecond))
	}
	if interval := cfg.Settings.CheckInterval; interval > 0 && d > interval*8/10 {
		c.log.Warn("check cycle slow", "duration", d.Round(time.Millisecond), "target", interval)
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
