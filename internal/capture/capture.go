// Package capture records a broadcast's media stream to a file through an
// external capture command.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/streamwatch/internal/logger"
	"github.com/loykin/streamwatch/internal/process"
)

// Size thresholds below which a finished capture is suspicious.
const (
	TinyFileBytes  = 100 * 1024
	SmallFileBytes = 1024 * 1024
)

// Source identifies what to capture.
type Source struct {
	Entity string
	URL    string
}

// Handle is a running capture.
type Handle interface {
	OutputPath() string
	Done() <-chan struct{}
}

// Capturer starts and stops captures. Stop must be idempotent.
type Capturer interface {
	Start(ctx context.Context, src Source, outputPath string) (Handle, error)
	Stop(ctx context.Context, h Handle, graceful bool) error
}

// Config configures Exec. Command placeholders: {url}, {output}, {entity}.
type Config struct {
	Command []string
	// Graceful stop: interrupt, wait FinalizeWait+GracefulWait, then
	// terminate and wait TermWait.
	FinalizeWait time.Duration
	GracefulWait time.Duration
	TermWait     time.Duration
	// Force stop: terminate and wait ForceWait.
	ForceWait time.Duration
	Logs      logger.Config
	Logger    *slog.Logger
}

// Exec runs one capture process per recording.
type Exec struct {
	cfg Config
	log *slog.Logger
}

func NewExec(cfg Config) (*Exec, error) {
	if len(cfg.Command) == 0 {
		return nil, errors.New("capture: command is required")
	}
	if cfg.FinalizeWait <= 0 {
		cfg.FinalizeWait = 5 * time.Second
	}
	if cfg.GracefulWait <= 0 {
		cfg.GracefulWait = 20 * time.Second
	}
	if cfg.TermWait <= 0 {
		cfg.TermWait = 5 * time.Second
	}
	if cfg.ForceWait <= 0 {
		cfg.ForceWait = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Exec{cfg: cfg, log: log}, nil
}

type execHandle struct {
	path    string
	proc    *process.Process
	closers []io.Closer

	once sync.Once
	err  error
}

func (h *execHandle) OutputPath() string    { return h.path }
func (h *execHandle) Done() <-chan struct{} { return h.proc.Done() }

func (e *Exec) Start(_ context.Context, src Source, outputPath string) (Handle, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, fmt.Errorf("capture: create dir: %w", err)
	}
	if e.cfg.Logs.File.Dir != "" {
		if err := os.MkdirAll(e.cfg.Logs.File.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("capture: create log dir: %w", err)
		}
	}
	outW, errW, _ := e.cfg.Logs.CaptureWriters(src.Entity + ".capture")
	spec := process.Spec{
		Name: "capture " + src.Entity,
		Args: process.Expand(e.cfg.Command, map[string]string{
			"url":    src.URL,
			"output": outputPath,
			"entity": src.Entity,
		}),
	}
	h := &execHandle{path: outputPath}
	if outW != nil {
		spec.Stdout = outW
		h.closers = append(h.closers, outW)
	}
	if errW != nil {
		spec.Stderr = errW
		h.closers = append(h.closers, errW)
	}
	proc, err := process.Start(spec)
	if err != nil {
		h.closeLogs()
		return nil, err
	}
	h.proc = proc
	e.log.Info("capture started", "entity", src.Entity, "pid", proc.PID(), "output", outputPath)
	return h, nil
}

func (h *execHandle) closeLogs() {
	for _, c := range h.closers {
		_ = c.Close()
	}
}

// Stop ends the capture. The graceful path lets the capture command
// finalize its container before escalating.
func (e *Exec) Stop(ctx context.Context, hd Handle, graceful bool) error {
	h, ok := hd.(*execHandle)
	if !ok {
		return fmt.Errorf("capture: foreign handle %T", hd)
	}
	h.once.Do(func() {
		var steps []process.Step
		if graceful {
			steps = []process.Step{
				{Signal: syscall.SIGINT, Wait: e.cfg.FinalizeWait + e.cfg.GracefulWait},
				{Signal: syscall.SIGTERM, Wait: e.cfg.TermWait},
			}
		} else {
			steps = []process.Step{{Signal: syscall.SIGTERM, Wait: e.cfg.ForceWait}}
		}
		h.err = h.proc.Stop(ctx, steps...)
		h.closeLogs()
	})
	return h.err
}

// Inspect returns the size of a finished capture file.
func Inspect(path string) (int64, error) {
	st, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}
