package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/loykin/streamwatch/internal/config"
	"github.com/loykin/streamwatch/internal/control"
	"github.com/loykin/streamwatch/internal/status"
	"github.com/loykin/streamwatch/pkg/client"
)

var errNeedsAPI = errors.New("this command needs --api-url; control files only support stop and timed pause")

func newAPIClient(f APIFlags) (*client.Client, error) {
	return client.New(client.Config{BaseURL: f.URL, Timeout: f.Timeout, Insecure: f.Insecure})
}

func apiContext(f APIFlags) (context.Context, context.CancelFunc) {
	t := f.Timeout
	if t <= 0 {
		t = 10 * time.Second
	}
	return context.WithTimeout(context.Background(), t)
}

// fileSource resolves control file paths from the config, falling back to
// defaults when it cannot be loaded.
func fileSource(configPath string) *control.FileSource {
	cfg, err := config.Load(configPath)
	if err != nil {
		cfg = config.Default()
	}
	return control.NewFileSource(cfg.Control.Dir, cfg.Control.StopFile, cfg.Control.PauseFile, cfg.Control.DefaultPause)
}

func fromAPIStatus(s client.Status) status.Snapshot {
	return status.Snapshot{
		Timestamp:          s.Timestamp,
		Status:             status.State(s.Status),
		Cycle:              s.Cycle,
		Streamers:          s.Streamers,
		Live:               s.Live,
		ActiveRecordings:   s.ActiveRecordings,
		CurrentlyRecording: s.CurrentlyRecording,
		PendingDisconnects: s.PendingDisconnects,
		PendingUsers:       s.PendingUsers,
		Extra:              s.Extra,
		PID:                s.PID,
		Platform:           s.Platform,
	}
}

func (c *command) statusViaAPI(f StatusFlags) error {
	cl, err := newAPIClient(f.API)
	if err != nil {
		return err
	}
	ctx, cancel := apiContext(f.API)
	defer cancel()
	s, err := cl.Status(ctx)
	if err != nil {
		return fmt.Errorf("monitor status unavailable: %w", err)
	}
	if f.JSON {
		printJSON(c.out, s)
		return nil
	}
	printStatus(c.out, fromAPIStatus(s), time.Now())
	return nil
}

func (c *command) Pause(g GlobalFlags, f CtlFlags) error {
	if f.API.URL == "" {
		src := fileSource(g.ConfigPath)
		d := f.Duration
		if d <= 0 {
			d = src.DefaultPause
		}
		if err := src.RequestPause(d); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "pause for %s requested via %s\n", d, src.PausePath)
		return nil
	}
	cl, err := newAPIClient(f.API)
	if err != nil {
		return err
	}
	ctx, cancel := apiContext(f.API)
	defer cancel()
	if err := cl.Pause(ctx, f.Duration); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "pause requested")
	return nil
}

func (c *command) Resume(f CtlFlags) error {
	if f.API.URL == "" {
		return errNeedsAPI
	}
	cl, err := newAPIClient(f.API)
	if err != nil {
		return err
	}
	ctx, cancel := apiContext(f.API)
	defer cancel()
	if err := cl.Resume(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "resume requested")
	return nil
}

func (c *command) Shutdown(g GlobalFlags, f CtlFlags) error {
	reason := f.Reason
	if reason == "" {
		reason = "cli"
	}
	if f.API.URL == "" {
		src := fileSource(g.ConfigPath)
		if err := src.RequestStop(reason); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "stop requested via %s\n", src.StopPath)
		return nil
	}
	cl, err := newAPIClient(f.API)
	if err != nil {
		return err
	}
	ctx, cancel := apiContext(f.API)
	defer cancel()
	if err := cl.Shutdown(ctx, reason); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, "stop requested")
	return nil
}

func (c *command) StopRecording(f CtlFlags, name string) error {
	if f.API.URL == "" {
		return errNeedsAPI
	}
	cl, err := newAPIClient(f.API)
	if err != nil {
		return err
	}
	ctx, cancel := apiContext(f.API)
	defer cancel()
	if err := cl.StopRecording(ctx, name); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "stopping %s\n", name)
	return nil
}

func (c *command) Recordings(f CtlFlags) error {
	if f.API.URL == "" {
		return errNeedsAPI
	}
	cl, err := newAPIClient(f.API)
	if err != nil {
		return err
	}
	ctx, cancel := apiContext(f.API)
	defer cancel()
	recs, err := cl.Recordings(ctx)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		_, _ = fmt.Fprintln(c.out, "no recordings")
		return nil
	}
	for _, r := range recs {
		d := (time.Duration(r.Duration) * time.Second).Round(time.Second)
		_, _ = fmt.Fprintf(c.out, "%-24s %-10s %8s  events=%d  %s\n", r.Entity, r.State, d,
			r.Counts.Comments+r.Counts.Gifts+r.Counts.Follows+r.Counts.Shares+r.Counts.Joins+r.Counts.Likes, r.OutputPath)
	}
	return nil
}
