// Package recorder owns recording sessions: starting them under a
// concurrency cap, routing their push events, and tearing them down.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loykin/streamwatch/internal/broadcast"
	"github.com/loykin/streamwatch/internal/capture"
	"github.com/loykin/streamwatch/internal/eventlog"
	"github.com/loykin/streamwatch/internal/history"
	"github.com/loykin/streamwatch/internal/metrics"
	"github.com/loykin/streamwatch/internal/poller"
	"github.com/loykin/streamwatch/internal/tasks"
)

var (
	ErrAlreadyActive    = errors.New("recorder: recording already active")
	ErrCapacityExceeded = errors.New("recorder: concurrent recording limit reached")
	ErrClosed           = errors.New("recorder: manager closed")
)

// Stop reasons.
const (
	ReasonLiveEnd             = "live_end"
	ReasonDisconnectConfirmed = "disconnect_confirmed"
	ReasonDisconnectError     = "disconnect_error"
	ReasonOfflineTimeout      = "offline_timeout"
	ReasonShutdown            = "shutdown"
	ReasonManual              = "manual"
	ReasonStale               = "stale"
	ReasonRemoved             = "removed_from_config"
	ReasonDisabled            = "disabled"
)

// State of a session.
type State string

const (
	StateStarting  State = "starting"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

const (
	startPrefix      = "start:"
	stopPrefix       = "stop:"
	disconnectPrefix = "disconnect:"
	historyTimeout   = 5 * time.Second
)

// Profile is per-entity information resolved at start time.
type Profile struct {
	Auth  broadcast.Auth
	Tags  []string
	Notes string
}

// Checker re-checks a single entity. *poller.Poller satisfies it.
type Checker interface {
	Check(ctx context.Context, t poller.Target) poller.Result
}

// Config holds the reloadable knobs.
type Config struct {
	MaxConcurrent int
	OutputDir     string
	RecordVideo   bool
	Extension     string
	ConfirmDelay  time.Duration
	// ConfirmJitter is the relative spread applied to ConfirmDelay.
	ConfirmJitter float64
	// StopTimeout bounds stops triggered from push events.
	StopTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 5
	}
	if c.Extension == "" {
		c.Extension = "mp4"
	}
	if c.ConfirmDelay <= 0 {
		c.ConfirmDelay = 30 * time.Second
	}
	if c.ConfirmJitter < 0 {
		c.ConfirmJitter = 0
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 45 * time.Second
	}
	return c
}

// Deps are the collaborators of a Manager. Capturer, Events, History and
// Profile are optional.
type Deps struct {
	Client   broadcast.Client
	Checker  Checker
	Capturer capture.Capturer
	Events   eventlog.Opener
	History  history.Sink
	Profile  func(entity string) Profile
	Logger   *slog.Logger
}

type session struct {
	id        string
	entity    string
	profile   Profile
	startedAt time.Time

	// guarded by Manager.mu
	state   State
	conn    broadcast.Conn
	capture capture.Handle
	// lifecycle events seen while still starting
	endedEarly   bool
	droppedEarly bool

	sinks  eventlog.Sinks
	active atomic.Bool
	counts [6]atomic.Int64
}

var countIndex = map[broadcast.EventKind]int{
	broadcast.EventComment: 0,
	broadcast.EventGift:    1,
	broadcast.EventFollow:  2,
	broadcast.EventShare:   3,
	broadcast.EventJoin:    4,
	broadcast.EventLike:    5,
}

func (s *session) countSnapshot() history.Counts {
	return history.Counts{
		Comments: s.counts[0].Load(),
		Gifts:    s.counts[1].Load(),
		Follows:  s.counts[2].Load(),
		Shares:   s.counts[3].Load(),
		Joins:    s.counts[4].Load(),
		Likes:    s.counts[5].Load(),
	}
}

type pendingDisconnect struct {
	at time.Time
}

// Manager owns the active set and the pending-disconnect set. Both are
// mutated only here.
type Manager struct {
	deps  Deps
	log   *slog.Logger
	tasks *tasks.Group
	now   func() time.Time

	mu       sync.Mutex
	cfg      Config
	sessions map[string]*session
	pending  map[string]*pendingDisconnect
	closed   bool
}

// New creates a Manager. Background work derives from ctx.
func New(ctx context.Context, cfg Config, deps Deps) *Manager {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		deps:     deps,
		log:      log.With("component", "recorder"),
		tasks:    tasks.New(ctx),
		now:      time.Now,
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*session),
		pending:  make(map[string]*pendingDisconnect),
	}
}

// SetConfig applies reloaded settings. Running sessions keep their paths.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	m.cfg = cfg.withDefaults()
	m.mu.Unlock()
}

func (m *Manager) config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

func (m *Manager) profile(entity string) Profile {
	if m.deps.Profile == nil {
		return Profile{}
	}
	return m.deps.Profile(entity)
}

func (m *Manager) opener(cfg Config) eventlog.Opener {
	if m.deps.Events != nil {
		return m.deps.Events
	}
	return eventlog.CSV{Dir: cfg.OutputDir}
}

func (m *Manager) emit(t history.EventType, rec history.Record) {
	if m.deps.History == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()
	if err := m.deps.History.Send(ctx, history.Event{Type: t, OccurredAt: m.now(), Record: rec}); err != nil {
		m.log.Warn("history send failed", "entity", rec.Entity, "event", t, "error", err)
	}
}

func (m *Manager) gauges() {
	m.mu.Lock()
	a, p := len(m.sessions), len(m.pending)
	m.mu.Unlock()
	metrics.SetActive(a)
	metrics.SetPending(p)
}

// Start reserves a slot and connects to entity. The session becomes visible
// as recording only after the connection succeeded.
func (m *Manager) Start(ctx context.Context, entity string) error {
	prof := m.profile(entity)
	m.mu.Lock()
	cfg := m.cfg
	switch {
	case m.closed:
		m.mu.Unlock()
		return ErrClosed
	case m.sessions[entity] != nil:
		m.mu.Unlock()
		return ErrAlreadyActive
	case len(m.sessions) >= cfg.MaxConcurrent:
		n := len(m.sessions)
		m.mu.Unlock()
		m.log.Warn("max concurrent recordings reached", "entity", entity, "active", n, "max", cfg.MaxConcurrent)
		metrics.IncRejection("capacity_exceeded")
		m.emit(history.EventRejected, history.Record{Entity: entity, Reason: "capacity_exceeded",
			Tags: prof.Tags, Notes: prof.Notes, Error: ErrCapacityExceeded.Error()})
		return ErrCapacityExceeded
	}
	s := &session{
		id:        uuid.NewString(),
		entity:    entity,
		profile:   prof,
		startedAt: m.now(),
		state:     StateStarting,
	}
	m.sessions[entity] = s
	m.mu.Unlock()
	m.gauges()

	if err := m.open(ctx, cfg, s); err != nil {
		m.rollback(s)
		metrics.IncRejection("start_failed")
		m.emit(history.EventFailed, history.Record{SessionID: s.id, Entity: entity, StartedAt: s.startedAt,
			Tags: prof.Tags, Notes: prof.Notes, Error: err.Error()})
		return err
	}

	m.log.Info("recording started", "entity", entity, "session", s.id)
	metrics.IncStart(entity)
	m.emit(history.EventStarted, m.record(s, ""))

	m.mu.Lock()
	ended, dropped := s.endedEarly, s.droppedEarly
	conn := s.conn
	m.mu.Unlock()
	if ended {
		m.onLiveEnd(s)
		return nil
	}
	if dropped || !conn.Connected() {
		m.log.Info("connection lost during start", "entity", entity)
		m.onDisconnect(s)
	}

	if cfg.RecordVideo && m.deps.Capturer != nil {
		m.startCapture(ctx, cfg, s)
	}
	return nil
}

// open acquires session resources and commits the reservation. Any failure
// releases what was acquired.
func (m *Manager) open(ctx context.Context, cfg Config, s *session) (err error) {
	sinks, err := m.opener(cfg).Open(s.entity, s.startedAt)
	if err != nil {
		return fmt.Errorf("open event logs: %w", err)
	}
	s.sinks = sinks
	defer func() {
		if err != nil {
			_ = sinks.Close()
		}
	}()

	conn, err := m.deps.Client.Connect(ctx, s.entity, s.profile.Auth, m.handlers(s))
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	m.mu.Lock()
	if ctx.Err() != nil || m.sessions[s.entity] != s || m.closed {
		m.mu.Unlock()
		_ = conn.Close(context.WithoutCancel(ctx))
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return ErrClosed
	}
	s.conn = conn
	s.state = StateRecording
	s.active.Store(true)
	m.mu.Unlock()
	return nil
}

func (m *Manager) rollback(s *session) {
	m.mu.Lock()
	if m.sessions[s.entity] == s {
		delete(m.sessions, s.entity)
	}
	m.mu.Unlock()
	m.gauges()
}

func (m *Manager) startCapture(ctx context.Context, cfg Config, s *session) {
	m.mu.Lock()
	conn := s.conn
	ok := s.state == StateRecording
	m.mu.Unlock()
	if !ok {
		return
	}
	url, err := conn.StreamURL(ctx)
	if err != nil {
		m.log.Warn("no stream url, recording events only", "entity", s.entity, "error", err)
		return
	}
	name := fmt.Sprintf("%s_%s.%s", eventlog.CleanEntity(s.entity), s.startedAt.Format(eventlog.TimestampLayout), cfg.Extension)
	out := filepath.Join(cfg.OutputDir, name)
	h, err := m.deps.Capturer.Start(ctx, capture.Source{Entity: s.entity, URL: url}, out)
	if err != nil {
		m.log.Warn("capture failed to start, recording events only", "entity", s.entity, "error", err)
		return
	}

	m.mu.Lock()
	if s.state != StateRecording {
		m.mu.Unlock()
		// stopped while the capture was starting
		_ = m.deps.Capturer.Stop(context.WithoutCancel(ctx), h, false)
		return
	}
	s.capture = h
	m.mu.Unlock()
	m.log.Info("capture started", "entity", s.entity, "output", out)
}

// StartAsync runs Start in the background keyed by entity. It returns false
// when a start for entity is already in flight.
func (m *Manager) StartAsync(entity string) bool {
	return m.tasks.Go(startPrefix+entity, func(ctx context.Context) {
		err := m.Start(ctx, entity)
		switch {
		case err == nil:
		case errors.Is(err, ErrAlreadyActive), errors.Is(err, ErrCapacityExceeded), errors.Is(err, ErrClosed):
			m.log.Debug("start skipped", "entity", entity, "reason", err)
		case errors.Is(err, context.Canceled):
			m.log.Info("start cancelled", "entity", entity)
		default:
			m.log.Error("failed to start recording", "entity", entity, "error", err)
		}
	})
}

func (m *Manager) handlers(s *session) broadcast.Handlers {
	data := func(ev broadcast.Event) {
		if !s.active.Load() {
			return
		}
		if i, ok := countIndex[ev.Kind]; ok {
			s.counts[i].Add(1)
		}
		if err := s.sinks.Append(ev); err != nil && !errors.Is(err, eventlog.ErrClosed) {
			m.log.Debug("event write failed", "entity", s.entity, "kind", ev.Kind, "error", err)
		}
	}
	h := broadcast.Handlers{
		broadcast.EventConnected: func(broadcast.Event) {
			m.log.Info("connected to stream", "entity", s.entity)
		},
		broadcast.EventLiveEnded: func(broadcast.Event) {
			m.onLiveEnd(s)
		},
		broadcast.EventDisconnected: func(broadcast.Event) {
			m.onDisconnect(s)
		},
	}
	for _, k := range broadcast.DataKinds {
		h[k] = data
	}
	return h
}

func (m *Manager) onLiveEnd(s *session) {
	m.mu.Lock()
	if m.sessions[s.entity] == s && s.state == StateStarting {
		s.endedEarly = true
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	m.log.Info("stream ended", "entity", s.entity)
	m.cancelPending(s.entity)
	// handlers run on the client's delivery path, which Stop tears down
	m.tasks.Go(stopPrefix+s.entity, func(ctx context.Context) {
		m.stopFromEvent(ctx, s, ReasonLiveEnd)
	})
}

func (m *Manager) stopFromEvent(ctx context.Context, s *session, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config().StopTimeout)
	defer cancel()
	if _, err := m.stopSession(ctx, s, reason, true); err != nil {
		m.log.Warn("stop finished with errors", "entity", s.entity, "reason", reason, "error", err)
	}
}

// StopAsync runs a graceful stop in the background. It returns false when a
// stop for entity is already in flight.
func (m *Manager) StopAsync(entity, reason string) bool {
	m.mu.Lock()
	s := m.sessions[entity]
	m.mu.Unlock()
	if s == nil {
		return false
	}
	return m.tasks.Go(stopPrefix+entity, func(ctx context.Context) {
		m.stopFromEvent(ctx, s, reason)
	})
}

// Stop gracefully ends the session of entity. It reports false when there
// was nothing to stop, including a session that is still starting or
// already stopping.
func (m *Manager) Stop(ctx context.Context, entity, reason string) (bool, error) {
	m.mu.Lock()
	s := m.sessions[entity]
	m.mu.Unlock()
	if s == nil {
		return false, nil
	}
	return m.stopSession(ctx, s, reason, true)
}

func (m *Manager) stopSession(ctx context.Context, s *session, reason string, graceful bool) (bool, error) {
	m.mu.Lock()
	if m.sessions[s.entity] != s || s.state != StateRecording {
		starting := m.sessions[s.entity] == s && s.state == StateStarting
		m.mu.Unlock()
		if starting {
			m.tasks.Cancel(startPrefix + s.entity)
		}
		return false, nil
	}
	s.state = StateStopping
	_, hadPending := m.pending[s.entity]
	delete(m.pending, s.entity)
	m.mu.Unlock()
	if hadPending {
		m.tasks.Cancel(disconnectPrefix + s.entity)
	}
	return true, m.teardown(ctx, s, reason, graceful)
}

func (m *Manager) teardown(ctx context.Context, s *session, reason string, graceful bool) error {
	defer func() {
		m.mu.Lock()
		if m.sessions[s.entity] == s {
			delete(m.sessions, s.entity)
		}
		m.mu.Unlock()
		m.gauges()
	}()

	s.active.Store(false)

	m.mu.Lock()
	h, conn := s.capture, s.conn
	m.mu.Unlock()

	var errs []error
	if h != nil {
		if err := m.deps.Capturer.Stop(ctx, h, graceful); err != nil {
			errs = append(errs, fmt.Errorf("stop capture: %w", err))
		}
		m.checkOutput(s.entity, h.OutputPath())
	}
	if err := s.sinks.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close event logs: %w", err))
	}
	if err := conn.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("disconnect: %w", err))
	}

	rec := m.record(s, reason)
	rec.StoppedAt = m.now()
	if err := errors.Join(errs...); err != nil {
		rec.Error = err.Error()
	}
	m.log.Info("recording stopped", "entity", s.entity, "reason", reason,
		"duration", rec.Duration().Round(time.Second), "events", rec.Counts.Total())
	metrics.IncStop(reason)
	m.emit(history.EventStopped, rec)
	return errors.Join(errs...)
}

func (m *Manager) checkOutput(entity, path string) {
	size, err := capture.Inspect(path)
	switch {
	case err != nil:
		m.log.Warn("capture file missing", "entity", entity, "path", path, "error", err)
	case size < capture.TinyFileBytes:
		m.log.Warn("capture file very small, may be corrupted", "entity", entity, "path", path, "bytes", size)
	case size < capture.SmallFileBytes:
		m.log.Warn("capture file small", "entity", entity, "path", path, "bytes", size)
	default:
		m.log.Info("capture file saved", "entity", entity, "path", path, "bytes", size)
	}
}

// ForceStop ends a session without the graceful capture finalization. A
// session already stopping gets its capture killed.
func (m *Manager) ForceStop(ctx context.Context, entity, reason string) (bool, error) {
	m.mu.Lock()
	s := m.sessions[entity]
	if s == nil {
		m.mu.Unlock()
		return false, nil
	}
	if s.state == StateStopping {
		h := s.capture
		m.mu.Unlock()
		if h == nil {
			return true, nil
		}
		return true, m.deps.Capturer.Stop(ctx, h, false)
	}
	m.mu.Unlock()
	return m.stopSession(ctx, s, reason, false)
}

func (m *Manager) record(s *session, reason string) history.Record {
	rec := history.Record{
		SessionID: s.id,
		Entity:    s.entity,
		StartedAt: s.startedAt,
		Reason:    reason,
		Counts:    s.countSnapshot(),
		Tags:      s.profile.Tags,
		Notes:     s.profile.Notes,
	}
	m.mu.Lock()
	if s.capture != nil {
		rec.OutputPath = s.capture.OutputPath()
	}
	m.mu.Unlock()
	return rec
}

// StopAll gracefully stops every recording session in parallel and returns
// the entities that were stopped.
func (m *Manager) StopAll(ctx context.Context, reason string) []string {
	var (
		mu      sync.Mutex
		stopped []string
		wg      sync.WaitGroup
	)
	for _, e := range m.Active() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := m.Stop(ctx, e, reason)
			if err != nil {
				m.log.Warn("stop finished with errors", "entity", e, "error", err)
			}
			if ok {
				mu.Lock()
				stopped = append(stopped, e)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	sort.Strings(stopped)
	return stopped
}

// CleanupStale force-stops sessions whose connection dropped while they
// are no longer marked active. It returns how many were cleaned.
func (m *Manager) CleanupStale(ctx context.Context) int {
	m.mu.Lock()
	var stale []string
	for e, s := range m.sessions {
		if s.conn != nil && !s.conn.Connected() && !s.active.Load() {
			stale = append(stale, e)
		}
	}
	m.mu.Unlock()
	for _, e := range stale {
		m.log.Info("cleaning up stale recording", "entity", e)
		if _, err := m.ForceStop(ctx, e, ReasonStale); err != nil {
			m.log.Warn("stale cleanup finished with errors", "entity", e, "error", err)
		}
	}
	return len(stale)
}

// CancelStarts cancels every in-flight asynchronous start.
func (m *Manager) CancelStarts() int {
	return m.tasks.CancelPrefix(startPrefix)
}

// IsActive reports whether entity holds a session in any state.
func (m *Manager) IsActive(entity string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[entity] != nil
}

// Active returns the entities in the recording state, sorted.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for e, s := range m.sessions {
		if s.state == StateRecording {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

// Held returns the entities holding a slot in any state, sorted.
func (m *Manager) Held() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.sessions))
	for e := range m.sessions {
		out = append(out, e)
	}
	sort.Strings(out)
	return out
}

// Count returns the number of held slots, reservations included.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// SessionInfo describes a session for status output.
type SessionInfo struct {
	Entity     string         `json:"entity"`
	SessionID  string         `json:"session_id"`
	State      State          `json:"state"`
	StartedAt  time.Time      `json:"started_at"`
	Duration   float64        `json:"duration_seconds"`
	Counts     history.Counts `json:"counts"`
	OutputPath string         `json:"output_path,omitempty"`
	Connected  bool           `json:"connected"`
	Pending    bool           `json:"pending_disconnect"`
}

// Sessions returns a snapshot of every held session, sorted by entity.
func (m *Manager) Sessions() []SessionInfo {
	now := m.now()
	m.mu.Lock()
	out := make([]SessionInfo, 0, len(m.sessions))
	type item struct {
		s    *session
		info SessionInfo
	}
	items := make([]item, 0, len(m.sessions))
	for e, s := range m.sessions {
		info := SessionInfo{
			Entity:    e,
			SessionID: s.id,
			State:     s.state,
			StartedAt: s.startedAt,
			Duration:  now.Sub(s.startedAt).Seconds(),
			Counts:    s.countSnapshot(),
		}
		if s.capture != nil {
			info.OutputPath = s.capture.OutputPath()
		}
		_, info.Pending = m.pending[e]
		items = append(items, item{s: s, info: info})
	}
	m.mu.Unlock()
	for _, it := range items {
		if it.s.conn != nil {
			it.info.Connected = it.s.conn.Connected()
		}
		out = append(out, it.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Entity < out[j].Entity })
	return out
}

// Close rejects new starts, cancels background work and waits for it
// until ctx is done. Sessions are not stopped.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.tasks.Close()
	return m.tasks.Wait(ctx)
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 || d <= 0 {
		return d
	}
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
