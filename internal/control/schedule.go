package control

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ValidateSchedule checks pause and resume expressions. Empty is allowed.
func ValidateSchedule(pauseAt, resumeAt, timezone string) error {
	for _, expr := range []string{pauseAt, resumeAt} {
		if expr == "" {
			continue
		}
		if _, err := parser.Parse(expr); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", expr, err)
		}
	}
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", timezone, err)
		}
	}
	return nil
}

// Schedule sends Pause and Resume requests on cron expressions, bounding
// the hours during which the roster is polled.
type Schedule struct {
	c *cron.Cron
}

// NewSchedule registers the expressions. It returns nil, nil when both are
// empty.
func NewSchedule(pauseAt, resumeAt, timezone string, out *Channel, log *slog.Logger) (*Schedule, error) {
	if pauseAt == "" && resumeAt == "" {
		return nil, nil
	}
	if err := ValidateSchedule(pauseAt, resumeAt, timezone); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	opts := []cron.Option{cron.WithParser(parser)}
	if timezone != "" {
		loc, _ := time.LoadLocation(timezone)
		opts = append(opts, cron.WithLocation(loc))
	}
	c := cron.New(opts...)
	add := func(expr string, r Request) error {
		if expr == "" {
			return nil
		}
		_, err := c.AddFunc(expr, func() {
			if !out.Send(r) {
				log.Warn("control queue full, scheduled request dropped", "request", r.String())
				return
			}
			log.Info("scheduled control request", "request", r.String())
		})
		return err
	}
	if err := add(pauseAt, Request{Kind: Pause, Reason: "schedule"}); err != nil {
		return nil, err
	}
	if err := add(resumeAt, Request{Kind: Resume, Reason: "schedule"}); err != nil {
		return nil, err
	}
	return &Schedule{c: c}, nil
}

func (s *Schedule) Start() {
	if s != nil {
		s.c.Start()
	}
}

// Stop halts the scheduler and waits for running callbacks.
func (s *Schedule) Stop() {
	if s != nil {
		<-s.c.Stop().Done()
	}
}

// Next returns the next firing time of any expression.
func (s *Schedule) Next() time.Time {
	if s == nil {
		return time.Time{}
	}
	var next time.Time
	for _, e := range s.c.Entries() {
		n := e.Schedule.Next(time.Now())
		if next.IsZero() || n.Before(next) {
			next = n
		}
	}
	return next
}
