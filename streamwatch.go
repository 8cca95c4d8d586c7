// Package streamwatch assembles the monitor: configuration, polling,
// recording, control sources, status publishing and the HTTP API.
package streamwatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/streamwatch/internal/broadcast"
	"github.com/loykin/streamwatch/internal/broadcast/execclient"
	"github.com/loykin/streamwatch/internal/capture"
	"github.com/loykin/streamwatch/internal/config"
	"github.com/loykin/streamwatch/internal/control"
	"github.com/loykin/streamwatch/internal/history"
	"github.com/loykin/streamwatch/internal/history/factory"
	"github.com/loykin/streamwatch/internal/metrics"
	"github.com/loykin/streamwatch/internal/monitor"
	"github.com/loykin/streamwatch/internal/poller"
	"github.com/loykin/streamwatch/internal/process"
	"github.com/loykin/streamwatch/internal/recorder"
	"github.com/loykin/streamwatch/internal/server"
	"github.com/loykin/streamwatch/internal/shutdown"
	"github.com/loykin/streamwatch/internal/stability"
	"github.com/loykin/streamwatch/internal/status"
	itls "github.com/loykin/streamwatch/internal/tls"
)

// Re-export types needed by embedders and the CLI.

type Config = config.Config

type Override = config.Override

type Snapshot = status.Snapshot

type DrainReport = shutdown.Report

// fdsPerRecording approximates descriptors held by one recording: the
// connection, one event log per kind and the capture process pipes.
const (
	fdsPerRecording = 10
	fdsBaseline     = 50
)

// Options configure New. Client and Capturer default to the exec-based
// implementations built from the config file.
type Options struct {
	ConfigPath string
	Overrides  []Override
	// LogOutput receives console logs; nil means stderr.
	LogOutput  io.Writer
	Client     broadcast.Client
	Capturer   capture.Capturer
	Registerer prometheus.Registerer
	Gatherer   prometheus.Gatherer
}

// App is a fully wired monitor.
type App struct {
	store     *config.Store
	log       *slog.Logger
	logCloser io.Closer

	poller  *poller.Poller
	tracker *stability.Tracker
	rec     *recorder.Manager
	coord   *monitor.Coordinator
	drainer *shutdown.Drainer

	files    *control.FileSource
	ctl      *control.Channel
	schedule *control.Schedule
	mem      *status.Memory
	history  history.Multi
	server   *http.Server
}

// New loads the configuration and wires every component. Nothing runs
// until Run is called.
func New(opts Options) (*App, error) {
	boot, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	for _, o := range opts.Overrides {
		o(boot)
	}
	log, logCloser, err := boot.Log.New(opts.LogOutput)
	if err != nil {
		return nil, err
	}
	a := &App{log: log, logCloser: logCloser, mem: &status.Memory{}}
	if err := a.wire(opts, log); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// wire builds the components into a. On error the caller closes whatever
// was already opened.
func (a *App) wire(opts Options, log *slog.Logger) error {
	var err error

	a.store, err = config.Open(opts.ConfigPath, log, opts.Overrides...)
	if err != nil {
		return err
	}
	cfg := a.store.Current()
	checkFDLimit(log, cfg.Settings.MaxConcurrentRecordings)

	client := opts.Client
	if client == nil {
		client, err = execclient.New(execclient.Config{
			ProbeCommand:  cfg.Client.ProbeCommand,
			EventsCommand: cfg.Client.EventsCommand,
			Logger:        log,
		})
		if err != nil {
			return fmt.Errorf("broadcast client: %w", err)
		}
	}
	capt := opts.Capturer
	if capt == nil && cfg.Settings.RecordVideo {
		capt, err = capture.NewExec(capture.Config{
			Command:      cfg.Capture.Command,
			FinalizeWait: cfg.Capture.FinalizeWait,
			GracefulWait: cfg.Capture.GracefulWait,
			TermWait:     cfg.Capture.TermWait,
			ForceWait:    cfg.Capture.ForceWait,
			Logs:         cfg.Log,
			Logger:       log,
		})
		if err != nil {
			return fmt.Errorf("capture: %w", err)
		}
	}

	var sink history.Sink
	if cfg.History.Enabled && len(cfg.History.DSNs) > 0 {
		a.history, err = factory.NewMulti(cfg.History.DSNs)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		sink = a.history
	}

	if cfg.Metrics.Enabled {
		reg := opts.Registerer
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		if err := metrics.Register(reg); err != nil {
			return fmt.Errorf("metrics: %w", err)
		}
	}

	a.poller = poller.New(client, monitor.PollerConfig(cfg.Settings), poller.WithLogger(log))
	a.tracker = stability.New(cfg.Settings.StabilityThreshold, cfg.Settings.MinActionCooldown, stability.WithLogger(log))
	a.rec = recorder.New(context.Background(), monitor.RecorderConfig(cfg), recorder.Deps{
		Client:   client,
		Checker:  a.poller,
		Capturer: capt,
		History:  sink,
		Profile:  func(entity string) recorder.Profile { return monitor.ProfileFor(a.store.Current(), entity) },
		Logger:   log,
	})

	a.files = control.NewFileSource(cfg.Control.Dir, cfg.Control.StopFile, cfg.Control.PauseFile, cfg.Control.DefaultPause)
	a.files.Logger = log
	if err := a.files.Clear(); err != nil {
		log.Warn("could not clear stale control files", "error", err)
	}
	a.ctl = control.NewChannel(8)
	a.schedule, err = control.NewSchedule(cfg.Schedule.PauseAt, cfg.Schedule.ResumeAt, cfg.Schedule.Timezone, a.ctl, log)
	if err != nil {
		return fmt.Errorf("schedule: %w", err)
	}

	reporter := status.Multi{status.File{Path: cfg.ControlPath(cfg.Control.StatusFile)}, a.mem}
	a.coord = monitor.New(a.store, a.poller, a.tracker, a.rec, control.Multi{a.files, a.ctl}, reporter,
		monitor.WithLogger(log), monitor.WithFDCounter(process.OpenFDs))

	reap := ""
	if cfg.Settings.RecordVideo {
		reap = cfg.Capture.ProcessName
	}
	a.drainer = shutdown.New(a.rec, shutdown.Config{
		GracefulTimeout: cfg.Settings.GracefulTimeout,
		ForceTimeout:    cfg.Settings.ForceTimeout,
		ReapMatch:       reap,
	}, log)

	if cfg.Server.Enabled {
		deps := server.Deps{
			Recorder:  a.rec,
			Stability: a.tracker,
			Status:    a.mem,
			Control:   a.ctl,
			Files:     func() string { return a.store.Current().Settings.OutputDirectory },
		}
		if cfg.Metrics.Enabled {
			deps.Metrics = metrics.Handler()
			if opts.Gatherer != nil {
				deps.Metrics = metrics.HandlerFor(opts.Gatherer)
			}
			deps.MetricsPath = cfg.Metrics.Path
		}
		tlsCfg, err := itls.Setup(cfg.Server.TLS)
		if err != nil {
			return fmt.Errorf("server tls: %w", err)
		}
		a.server = server.NewServer(cfg.Server.Listen, server.NewRouter(deps, cfg.Server.BasePath).Handler(), tlsCfg, log)
		log.Info("http api listening", "addr", cfg.Server.Listen, "base_path", cfg.Server.BasePath, "tls", tlsCfg != nil)
	} else if cfg.Metrics.Enabled {
		log.Warn("metrics enabled without the http server, nothing will expose them")
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// Control returns the in-process control channel.
func (a *App) Control() *control.Channel { return a.ctl }

// Status returns the last published snapshot.
func (a *App) Status() Snapshot { return a.mem.Last() }

// Run monitors until ctx is cancelled or a stop request arrives, then
// drains every recording.
func (a *App) Run(ctx context.Context) (DrainReport, error) {
	a.schedule.Start()
	defer a.schedule.Stop()

	err := a.coord.Run(ctx)

	a.coord.Report(status.ShuttingDown, "Stopping all recordings")
	rep := a.drainer.Drain(context.WithoutCancel(ctx))
	extra := fmt.Sprintf("Stopped %d recordings gracefully, %d forced", len(rep.Graceful), len(rep.Forced))
	a.coord.Report(status.Stopped, extra)
	a.log.Info("monitoring stopped", "cycles", a.coord.Cycle(), "graceful", len(rep.Graceful), "forced", len(rep.Forced))
	return rep, errors.Join(err, rep.Err)
}

// Close releases everything New opened. It does not stop recordings; use
// Run for that.
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = a.server.Shutdown(ctx)
		cancel()
	}
	if a.rec != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.rec.Close(ctx); err != nil {
			a.log.Warn("background tasks still running at exit", "error", err)
		}
		cancel()
	}
	if a.poller != nil {
		a.poller.Close()
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			a.log.Warn("close history sinks", "error", err)
		}
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logCloser != nil {
		_ = a.logCloser.Close()
	}
}

func checkFDLimit(log *slog.Logger, maxConcurrent int) {
	soft, ok := process.FDLimit()
	if !ok {
		return
	}
	need := uint64(maxConcurrent*fdsPerRecording + fdsBaseline)
	if need > soft {
		log.Warn("open file limit may be too low for max_concurrent_recordings",
			"limit", soft, "estimated", need, "max_concurrent", maxConcurrent)
		return
	}
	log.Debug("open file limit", "limit", soft, "estimated", need)
}
