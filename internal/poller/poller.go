// Package poller checks the live state of a roster of channels in batches
// with per-call timeouts and retries.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/streamwatch/internal/broadcast"
	"github.com/loykin/streamwatch/internal/metrics"
)

// Status is the outcome of a single check.
type Status int

const (
	Unknown Status = iota
	Offline
	Live
)

func (s Status) String() string {
	switch s {
	case Live:
		return "live"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// MarshalText lets Status render as a word in JSON.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Target is one roster entry to check.
type Target struct {
	Entity string
	Auth   broadcast.Auth
}

// Result is the outcome for one entity.
type Result struct {
	Status  Status                `json:"status"`
	Failure broadcast.FailureKind `json:"failure,omitempty"`
	Parked  bool                  `json:"parked,omitempty"`
	Err     error                 `json:"-"`
}

// Snapshot is the outcome of one roster poll.
type Snapshot struct {
	Results   map[string]Result
	AllFailed bool
	Failures  int
	Duration  time.Duration
}

// Live returns the entities reported live, sorted.
func (s Snapshot) Live() []string {
	var out []string
	for e, r := range s.Results {
		if r.Status == Live {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Config tunes checking. Zero values take defaults.
type Config struct {
	CheckTimeout    time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
	BatchSize       int
	BatchPauseMin   time.Duration
	BatchPauseMax   time.Duration
}

func (c Config) withDefaults() Config {
	if c.CheckTimeout <= 0 {
		c.CheckTimeout = 20 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.RetryMaxBackoff <= c.RetryBackoff {
		c.RetryMaxBackoff = 2 * c.RetryBackoff
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BatchPauseMax < c.BatchPauseMin {
		c.BatchPauseMax = c.BatchPauseMin
	}
	return c
}

type cachedProbe struct {
	probe broadcast.Probe
	auth  broadcast.Auth
}

// Poller wraps a broadcast.Client. Probe handles are cached per entity and
// dropped whenever the entity is seen offline or its check fails.
// Entities failing with a permanent error are parked until Unpark.
type Poller struct {
	client broadcast.Client
	log    *slog.Logger
	sleep  func(ctx context.Context, d time.Duration)

	mu     sync.Mutex
	cfg    Config
	probes map[string]*cachedProbe
	parked map[string]broadcast.FailureKind
}

// Option customizes a Poller.
type Option func(*Poller)

func WithLogger(l *slog.Logger) Option { return func(p *Poller) { p.log = l } }

// WithSleep replaces the pause used between batches.
func WithSleep(fn func(ctx context.Context, d time.Duration)) Option {
	return func(p *Poller) { p.sleep = fn }
}

func New(client broadcast.Client, cfg Config, opts ...Option) *Poller {
	p := &Poller{
		client: client,
		log:    slog.Default(),
		sleep:  sleepCtx,
		cfg:    cfg.withDefaults(),
		probes: make(map[string]*cachedProbe),
		parked: make(map[string]broadcast.FailureKind),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// SetConfig applies new tuning to subsequent polls.
func (p *Poller) SetConfig(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg.withDefaults()
	p.mu.Unlock()
}

func (p *Poller) config() Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg
}

// PollAll checks every target and returns the combined snapshot.
func (p *Poller) PollAll(ctx context.Context, targets []Target) Snapshot {
	start := time.Now()
	cfg := p.config()
	snap := Snapshot{Results: make(map[string]Result, len(targets))}

	var mu sync.Mutex
	polled := 0
	for i := 0; i < len(targets); i += cfg.BatchSize {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			p.sleep(ctx, pause(cfg))
		}
		end := min(i+cfg.BatchSize, len(targets))

		var g errgroup.Group
		for _, t := range targets[i:end] {
			if kind, ok := p.parkedKind(t.Entity); ok {
				mu.Lock()
				snap.Results[t.Entity] = Result{Status: Unknown, Failure: kind, Parked: true}
				mu.Unlock()
				continue
			}
			polled++
			g.Go(func() error {
				r := p.check(ctx, cfg, t)
				mu.Lock()
				snap.Results[t.Entity] = r
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()
	}

	for _, r := range snap.Results {
		if r.Status == Unknown && !r.Parked {
			snap.Failures++
			metrics.IncPollFailure(string(r.Failure))
		}
	}
	snap.AllFailed = polled > 0 && snap.Failures == polled
	snap.Duration = time.Since(start)
	metrics.ObservePoll(snap.Duration.Seconds())
	return snap
}

func pause(cfg Config) time.Duration {
	span := cfg.BatchPauseMax - cfg.BatchPauseMin
	if span <= 0 {
		return cfg.BatchPauseMin
	}
	return cfg.BatchPauseMin + rand.N(span)
}

// Check runs a single check outside of a roster poll. Parked entities are
// checked too.
func (p *Poller) Check(ctx context.Context, t Target) Result {
	return p.check(ctx, p.config(), t)
}

func (p *Poller) check(ctx context.Context, cfg Config, t Target) Result {
	policy := retrypolicy.NewBuilder[bool]().
		WithBackoff(cfg.RetryBackoff, cfg.RetryMaxBackoff).
		WithMaxRetries(cfg.MaxRetries).
		WithJitterFactor(0.2).
		HandleIf(func(_ bool, err error) bool {
			return err != nil && ctx.Err() == nil && !broadcast.Classify(err).Permanent()
		}).
		Build()

	var lastErr error
	live, err := failsafe.With(policy).WithContext(ctx).Get(func() (bool, error) {
		live, err := p.attempt(ctx, cfg, t)
		if err != nil {
			lastErr = err
		}
		return live, err
	})
	if err == nil {
		if live {
			return Result{Status: Live}
		}
		p.drop(t.Entity)
		return Result{Status: Offline}
	}
	if lastErr == nil {
		lastErr = err
	}
	p.drop(t.Entity)
	kind := broadcast.Classify(lastErr)
	if kind.Permanent() {
		p.park(t.Entity, kind)
		p.log.Warn("entity parked until configuration changes", "entity", t.Entity, "failure", kind, "error", lastErr)
	} else {
		p.log.Debug("check failed", "entity", t.Entity, "failure", kind, "error", lastErr)
	}
	return Result{Status: Unknown, Failure: kind, Err: lastErr}
}

func (p *Poller) attempt(ctx context.Context, cfg Config, t Target) (bool, error) {
	probe, err := p.probe(t)
	if err != nil {
		return false, err
	}
	cctx, cancel := context.WithTimeout(ctx, cfg.CheckTimeout)
	defer cancel()
	live, err := probe.IsLive(cctx)
	if err != nil {
		p.drop(t.Entity)
		if cctx.Err() != nil && ctx.Err() == nil && !errors.Is(err, context.DeadlineExceeded) {
			return false, errors.Join(err, context.DeadlineExceeded)
		}
		return false, err
	}
	return live, nil
}

func (p *Poller) probe(t Target) (broadcast.Probe, error) {
	p.mu.Lock()
	if c, ok := p.probes[t.Entity]; ok && c.auth == t.Auth {
		p.mu.Unlock()
		return c.probe, nil
	}
	p.mu.Unlock()
	p.drop(t.Entity)

	probe, err := p.client.Probe(t.Entity, t.Auth)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.probes[t.Entity]; ok {
		// a concurrent check won the race
		_ = probe.Close()
		return c.probe, nil
	}
	p.probes[t.Entity] = &cachedProbe{probe: probe, auth: t.Auth}
	return probe, nil
}

func (p *Poller) drop(entity string) {
	p.mu.Lock()
	c, ok := p.probes[entity]
	delete(p.probes, entity)
	p.mu.Unlock()
	if ok {
		_ = c.probe.Close()
	}
}

func (p *Poller) park(entity string, kind broadcast.FailureKind) {
	p.mu.Lock()
	p.parked[entity] = kind
	p.mu.Unlock()
}

func (p *Poller) parkedKind(entity string) (broadcast.FailureKind, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	k, ok := p.parked[entity]
	return k, ok
}

// Parked returns a copy of the parked set.
func (p *Poller) Parked() map[string]broadcast.FailureKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]broadcast.FailureKind, len(p.parked))
	for k, v := range p.parked {
		out[k] = v
	}
	return out
}

// UnparkAll clears the parked set, typically after a configuration change.
func (p *Poller) UnparkAll() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.parked)
	p.parked = make(map[string]broadcast.FailureKind)
	return n
}

// Forget drops cached state for an entity removed from the roster.
func (p *Poller) Forget(entity string) {
	p.drop(entity)
	p.mu.Lock()
	delete(p.parked, entity)
	p.mu.Unlock()
}

// Cached reports how many probe handles are held.
func (p *Poller) Cached() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.probes)
}

// Close releases every cached probe.
func (p *Poller) Close() {
	p.mu.Lock()
	probes := p.probes
	p.probes = make(map[string]*cachedProbe)
	p.mu.Unlock()
	for _, c := range probes {
		_ = c.probe.Close()
	}
}
