package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Override adjusts a freshly loaded config, e.g. with CLI flags.
// Overrides are re-applied after every reload.
type Override func(*Config)

// Diff describes how the streamer roster and settings changed on reload.
type Diff struct {
	Added           []string
	Removed         []string
	Enabled         []string
	Disabled        []string
	SettingsChanged bool
}

// Empty reports whether nothing observable changed.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Enabled) == 0 &&
		len(d.Disabled) == 0 && !d.SettingsChanged
}

// Store holds the current configuration and reloads it when the file changes.
// Change detection uses an fsnotify watch on the file's directory with a
// modification-time check as fallback.
type Store struct {
	path      string
	overrides []Override
	log       *slog.Logger

	mu      sync.RWMutex
	cur     *Config
	modTime time.Time

	watcher *fsnotify.Watcher
	dirty   atomic.Bool
	done    chan struct{}
}

// Open loads path and starts watching it. A missing watcher is not fatal.
func Open(path string, log *slog.Logger, overrides ...Override) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{path: path, overrides: overrides, log: log, done: make(chan struct{})}
	cfg, mod, err := s.load()
	if err != nil {
		return nil, err
	}
	s.cur, s.modTime = cfg, mod

	w, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn("config watch unavailable, falling back to polling", "error", err)
		return s, nil
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		_ = w.Close()
		log.Warn("config watch unavailable, falling back to polling", "error", err)
		return s, nil
	}
	s.watcher = w
	go s.watch()
	return s, nil
}

// NewStatic wraps an already loaded config. Reconcile never reports changes.
func NewStatic(cfg *Config) *Store {
	return &Store{cur: cfg, log: slog.Default(), done: make(chan struct{})}
}

func (s *Store) watch() {
	base := filepath.Base(s.path)
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				s.dirty.Store(true)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("config watch error", "error", err)
		}
	}
}

// Path returns the watched file path, empty for static stores.
func (s *Store) Path() string { return s.path }

// Current returns the active configuration. Callers must not mutate it.
func (s *Store) Current() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

// Reconcile reloads the file when it changed since the last load.
// On a load error the previous configuration stays active.
func (s *Store) Reconcile() (Diff, bool, error) {
	if s.path == "" {
		return Diff{}, false, nil
	}
	st, statErr := os.Stat(s.path)
	s.mu.RLock()
	stale := statErr == nil && !st.ModTime().Equal(s.modTime)
	s.mu.RUnlock()
	if !s.dirty.Swap(false) && !stale {
		return Diff{}, false, nil
	}
	cfg, mod, err := s.load()
	if err != nil {
		return Diff{}, false, err
	}
	s.mu.Lock()
	prev := s.cur
	s.cur, s.modTime = cfg, mod
	s.mu.Unlock()

	d := diff(prev, cfg)
	return d, !d.Empty(), nil
}

func (s *Store) load() (*Config, time.Time, error) {
	st, err := os.Stat(s.path)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("stat config: %w", err)
	}
	cfg, err := Load(s.path)
	if err != nil {
		return nil, time.Time{}, err
	}
	for _, o := range s.overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, time.Time{}, err
	}
	return cfg, st.ModTime(), nil
}

// Close stops the file watch.
func (s *Store) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func diff(prev, next *Config) Diff {
	var d Diff
	old := make(map[string]Streamer, len(prev.Streamers))
	for _, st := range prev.Streamers {
		old[st.Name] = st
	}
	for _, st := range next.Streamers {
		o, ok := old[st.Name]
		switch {
		case !ok:
			d.Added = append(d.Added, st.Name)
		case o.IsEnabled() && !st.IsEnabled():
			d.Disabled = append(d.Disabled, st.Name)
		case !o.IsEnabled() && st.IsEnabled():
			d.Enabled = append(d.Enabled, st.Name)
		}
		delete(old, st.Name)
	}
	for _, st := range prev.Streamers {
		if _, gone := old[st.Name]; gone {
			d.Removed = append(d.Removed, st.Name)
		}
	}
	d.SettingsChanged = !reflect.DeepEqual(prev.Settings, next.Settings)
	return d
}
