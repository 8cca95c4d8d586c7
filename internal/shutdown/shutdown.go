// Package shutdown drains recording sessions when the process is asked to
// exit.
package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/streamwatch/internal/process"
	"github.com/loykin/streamwatch/internal/recorder"
)

// Recorder is the part of the lifecycle manager a drain needs.
type Recorder interface {
	CancelAllPending() int
	CancelStarts() int
	Active() []string
	Held() []string
	Stop(ctx context.Context, entity, reason string) (bool, error)
	ForceStop(ctx context.Context, entity, reason string) (bool, error)
}

type Config struct {
	GracefulTimeout time.Duration
	ForceTimeout    time.Duration
	// ReapMatch selects leftover child processes by name. Empty disables reaping.
	ReapMatch string
	ReapGrace time.Duration
}

// Report summarizes a drain.
type Report struct {
	PendingCancelled int
	StartsCancelled  int
	Graceful         []string
	Forced           []string
	Reaped           int
	Err              error
}

// Drainer stops every session in a bounded amount of time.
type Drainer struct {
	rec  Recorder
	cfg  Config
	log  *slog.Logger
	reap func(ctx context.Context, match string, grace time.Duration) (int, error)
}

func New(rec Recorder, cfg Config, log *slog.Logger) *Drainer {
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = 45 * time.Second
	}
	if cfg.ForceTimeout <= 0 {
		cfg.ForceTimeout = 5 * time.Second
	}
	if cfg.ReapGrace <= 0 {
		cfg.ReapGrace = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Drainer{rec: rec, cfg: cfg, log: log, reap: process.ReapChildren}
}

// Drain cancels pending confirmations and in-flight starts, stops active
// sessions in parallel, force-stops whatever is left and reaps orphaned
// capture processes.
func (d *Drainer) Drain(ctx context.Context) Report {
	var r Report
	r.PendingCancelled = d.rec.CancelAllPending()
	r.StartsCancelled = d.rec.CancelStarts()
	active := d.rec.Active()
	d.log.Info("draining recordings", "active", len(active),
		"pending_cancelled", r.PendingCancelled, "starts_cancelled", r.StartsCancelled)

	var (
		mu   sync.Mutex
		errs []error
	)
	gctx, cancel := context.WithTimeout(ctx, d.cfg.GracefulTimeout)
	defer cancel()
	g, _ := errgroup.WithContext(gctx)
	for _, e := range active {
		g.Go(func() error {
			ok, err := d.rec.Stop(gctx, e, recorder.ReasonShutdown)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				d.log.Warn("graceful stop finished with errors", "entity", e, "error", err)
			}
			if ok && gctx.Err() == nil {
				r.Graceful = append(r.Graceful, e)
			}
			return nil
		})
	}
	done := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-gctx.Done():
		d.log.Warn("graceful stop timed out", "timeout", d.cfg.GracefulTimeout)
	}

	for _, e := range d.rec.Held() {
		fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ForceTimeout)
		ok, err := d.rec.ForceStop(fctx, e, recorder.ReasonShutdown)
		fcancel()
		if err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			d.log.Warn("force stop finished with errors", "entity", e, "error", err)
		}
		if ok {
			d.log.Warn("recording force stopped", "entity", e)
			r.Forced = append(r.Forced, e)
		}
	}

	select {
	case <-done:
	case <-time.After(d.cfg.ForceTimeout):
		d.log.Warn("some stops still running after force stop")
	}

	if d.cfg.ReapMatch != "" {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.ReapGrace+d.cfg.ForceTimeout)
		n, err := d.reap(rctx, d.cfg.ReapMatch, d.cfg.ReapGrace)
		rcancel()
		if err != nil {
			d.log.Warn("could not inspect child processes", "error", err)
		}
		if n > 0 {
			d.log.Warn("leftover capture processes terminated", "count", n)
		}
		r.Reaped = n
	}

	mu.Lock()
	out := r
	out.Graceful = append([]string(nil), r.Graceful...)
	out.Err = errors.Join(errs...)
	mu.Unlock()
	sort.Strings(out.Graceful)
	sort.Strings(out.Forced)
	d.log.Info("drain complete", "graceful", len(out.Graceful), "forced", len(out.Forced), "reaped", out.Reaped)
	return out
}

// WatchSignals cancels on the first signal and calls exit(1) on the second.
// The returned function stops watching.
func WatchSignals(cancel context.CancelFunc, exit func(int), log *slog.Logger, sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, sigs...)
	stop := watch(ch, cancel, exit, log)
	return func() {
		signal.Stop(ch)
		stop()
	}
}

func watch(ch <-chan os.Signal, cancel context.CancelFunc, exit func(int), log *slog.Logger) func() {
	if log == nil {
		log = slog.Default()
	}
	quit := make(chan struct{})
	go func() {
		select {
		case s := <-ch:
			log.Info("shutdown signal received, stopping recordings", "signal", s.String())
			cancel()
		case <-quit:
			return
		}
		select {
		case s := <-ch:
			log.Warn("second signal received, exiting immediately", "signal", s.String())
			exit(1)
		case <-quit:
		}
	}()
	var once sync.Once
	return func() { once.Do(func() { close(quit) }) }
}
