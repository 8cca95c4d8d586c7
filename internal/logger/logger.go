package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
	DefaultFileName   = "streamwatch.log"
)

// Config describes how the monitor itself logs.
type Config struct {
	Level  string     `toml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format string     `toml:"format" mapstructure:"format"` // text or json
	Color  bool       `toml:"color" mapstructure:"color"`
	File   FileConfig `toml:"file" mapstructure:"file"`
}

// FileConfig describes rotating log files.
// Path is the monitor's own log file. If it is empty and Dir is set,
// Dir/streamwatch.log is used. Capture subprocess output goes to
// Dir/<name>.stdout.log and Dir/<name>.stderr.log unless explicit paths are set.
// Rotation parameters follow lumberjack semantics.
type FileConfig struct {
	Dir        string `toml:"dir" mapstructure:"dir"`
	Path       string `toml:"path" mapstructure:"path"`
	StdoutPath string `toml:"stdout" mapstructure:"stdout"`
	StderrPath string `toml:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// ParseLevel maps a level name to slog.Level. Unknown names map to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger. Console output goes to w; when a log file
// is configured records are also written there without color codes.
// The returned closer releases the log file and is never nil.
func (c Config) New(w io.Writer) (*slog.Logger, io.Closer, error) {
	if w == nil {
		w = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(c.Level)}
	var console slog.Handler
	switch {
	case strings.EqualFold(c.Format, "json"):
		console = slog.NewJSONHandler(w, opts)
	case c.Color:
		console = NewColorTextHandler(w, opts, true)
	default:
		console = slog.NewTextHandler(w, opts)
	}

	path := c.File.Path
	if path == "" && c.File.Dir != "" {
		path = filepath.Join(c.File.Dir, DefaultFileName)
	}
	if path == "" {
		return slog.New(console), nopCloser{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	fw := c.File.rotating(path)
	var file slog.Handler
	if strings.EqualFold(c.Format, "json") {
		file = slog.NewJSONHandler(fw, opts)
	} else {
		file = slog.NewTextHandler(fw, opts)
	}
	return slog.New(teeHandler{console, file}), fw, nil
}

// CaptureWriters returns io.WriteClosers for the stdout and stderr of a
// capture subprocess. Either may be nil when no destination is configured.
func (c Config) CaptureWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW io.WriteCloser
	var errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotating(stdout)
	}
	if stderr != "" {
		errW = c.File.rotating(stderr)
	}
	return outW, errW, nil
}

func (f FileConfig) rotating(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
