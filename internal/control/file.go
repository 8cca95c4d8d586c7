package control

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// FileSource turns control files into requests: a stop file whose content
// is the reason, and a pause file whose content is a number of seconds.
// Files are removed once consumed.
type FileSource struct {
	StopPath     string
	PausePath    string
	DefaultPause time.Duration
	Logger       *slog.Logger
}

func NewFileSource(dir, stopFile, pauseFile string, defaultPause time.Duration) *FileSource {
	if defaultPause <= 0 {
		defaultPause = time.Minute
	}
	return &FileSource{
		StopPath:     filepath.Join(dir, stopFile),
		PausePath:    filepath.Join(dir, pauseFile),
		DefaultPause: defaultPause,
		Logger:       slog.Default(),
	}
}

// Clear removes leftover control files.
func (f *FileSource) Clear() error {
	var errs []error
	for _, p := range []string{f.StopPath, f.PausePath} {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f *FileSource) Poll() Request {
	if b, ok := f.consume(f.StopPath); ok {
		reason := strings.TrimSpace(string(b))
		if reason == "" {
			reason = "file_signal"
		}
		return Request{Kind: Stop, Reason: reason}
	}
	if b, ok := f.consume(f.PausePath); ok {
		d := f.DefaultPause
		if secs, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && secs > 0 {
			d = time.Duration(secs) * time.Second
		}
		return Request{Kind: Pause, Reason: "file_signal", Duration: d}
	}
	return Request{}
}

// RequestStop writes the stop file for a running monitor to pick up.
func (f *FileSource) RequestStop(reason string) error {
	return os.WriteFile(f.StopPath, []byte(reason), 0o644)
}

// RequestPause writes the pause file. Durations round up to whole seconds.
func (f *FileSource) RequestPause(d time.Duration) error {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return os.WriteFile(f.PausePath, []byte(strconv.Itoa(secs)), 0o644)
}

func (f *FileSource) consume(path string) ([]byte, bool) {
	if path == "" {
		return nil, false
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			// unreadable but present still counts
			f.remove(path)
			return nil, true
		}
		return nil, false
	}
	f.remove(path)
	return b, true
}

func (f *FileSource) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) && f.Logger != nil {
		f.Logger.Warn("could not remove control file", "path", path, "error", err)
	}
}
