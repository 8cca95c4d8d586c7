package logger

import (
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

// ColorTextHandler wraps slog.TextHandler to add ANSI color codes for different log levels
type ColorTextHandler struct {
	*slog.TextHandler
	out      *prefixWriter
	showTime bool
}

// prefixWriter puts the level badge in front of each record. The text
// handler writes a record in one call, so the badge lands outside the
// quoted message.
type prefixWriter struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

func (p *prefixWriter) Write(b []byte) (int, error) {
	line := make([]byte, 0, len(p.prefix)+len(b))
	line = append(line, p.prefix...)
	line = append(line, b...)
	if _, err := p.w.Write(line); err != nil {
		return 0, err
	}
	return len(b), nil
}

// NewColorTextHandler creates a new ColorTextHandler. When showTime is false
// the time attribute is dropped, which keeps console lines short under
// process supervisors that stamp their own time.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	o := slog.HandlerOptions{}
	if opts != nil {
		o = *opts
	}
	if !showTime {
		next := o.ReplaceAttr
		o.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			if next != nil {
				return next(groups, a)
			}
			return a
		}
	}
	out := &prefixWriter{w: w}
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(out, &o),
		out:         out,
		showTime:    showTime,
	}
}

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}

// Handle implements slog.Handler
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	h.out.mu.Lock()
	defer h.out.mu.Unlock()
	h.out.prefix = levelColor(r.Level) + r.Level.String() + colorReset + "  "
	return h.TextHandler.Handle(ctx, r)
}

// WithAttrs keeps coloring for derived loggers.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithAttrs(attrs).(*slog.TextHandler), out: h.out, showTime: h.showTime}
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return &ColorTextHandler{TextHandler: h.TextHandler.WithGroup(name).(*slog.TextHandler), out: h.out, showTime: h.showTime}
}
