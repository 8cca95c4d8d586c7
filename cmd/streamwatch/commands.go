package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"github.com/loykin/streamwatch"
	"github.com/loykin/streamwatch/internal/config"
	"github.com/loykin/streamwatch/internal/control"
	"github.com/loykin/streamwatch/internal/shutdown"
	"github.com/loykin/streamwatch/internal/status"
)

type command struct {
	out  io.Writer
	exit func(int)
}

// overrides turns command line flags into config overrides. Only flags the
// user set are applied so file values stay in effect otherwise.
func overrides(g GlobalFlags, f RunFlags, changed func(string) bool) []streamwatch.Override {
	var out []streamwatch.Override
	if changed("session-id") {
		v := f.SessionID
		out = append(out, func(c *config.Config) { c.Settings.SessionID = v })
	}
	if changed("region") {
		v := f.Region
		out = append(out, func(c *config.Config) { c.Settings.Region = v })
	}
	if changed("check-interval") && f.CheckInterval > 0 {
		v := f.CheckInterval
		out = append(out, func(c *config.Config) { c.Settings.CheckInterval = v })
	}
	if changed("output-dir") {
		v := f.OutputDir
		out = append(out, func(c *config.Config) { c.Settings.OutputDirectory = v })
	}
	if g.Verbose {
		out = append(out, func(c *config.Config) { c.Log.Level = "debug" })
	}
	return out
}

// Run monitors until interrupted. A second interrupt exits immediately.
func (c *command) Run(g GlobalFlags, ov []streamwatch.Override) error {
	app, err := streamwatch.New(streamwatch.Options{ConfigPath: g.ConfigPath, Overrides: ov})
	if err != nil {
		return err
	}
	defer app.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	stop := shutdown.WatchSignals(cancel, c.exit, app.Logger(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rep, err := app.Run(ctx)
	_, _ = fmt.Fprintf(c.out, "stopped: %d graceful, %d forced, %d leftover processes reaped\n",
		len(rep.Graceful), len(rep.Forced), rep.Reaped)
	return err
}

// statusPath resolves the status file from the config, falling back to
// the default name in the working directory.
func statusPath(configPath string) string {
	if cfg, err := config.Load(configPath); err == nil {
		return cfg.ControlPath(cfg.Control.StatusFile)
	}
	d := config.Default()
	return d.ControlPath(d.Control.StatusFile)
}

func (c *command) Status(g GlobalFlags, f StatusFlags) error {
	if f.API.URL != "" {
		return c.statusViaAPI(f)
	}
	path := statusPath(g.ConfigPath)
	s, err := status.Read(path)
	if err != nil {
		return fmt.Errorf("monitor status unavailable: %w", err)
	}
	if f.JSON {
		printJSON(c.out, s)
		return nil
	}
	printStatus(c.out, s, time.Now())
	return nil
}

func (c *command) ConfigInit(g GlobalFlags, f ConfigInitFlags, names []string) error {
	if err := config.WriteStarter(g.ConfigPath, names, f.Force); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(c.out, "wrote %s\n", g.ConfigPath)
	return nil
}

func (c *command) ConfigCheck(g GlobalFlags) error {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return err
	}
	if err := control.ValidateSchedule(cfg.Schedule.PauseAt, cfg.Schedule.ResumeAt, cfg.Schedule.Timezone); err != nil {
		return fmt.Errorf("schedule: %w", err)
	}
	s := cfg.Settings
	_, _ = fmt.Fprintf(c.out, "config ok: %d streamers (%d enabled)\n", len(cfg.Streamers), len(cfg.EnabledStreamers()))
	_, _ = fmt.Fprintf(c.out, "  check interval %s, stability %d checks, cooldown %s\n",
		s.CheckInterval, s.StabilityThreshold, s.MinActionCooldown)
	_, _ = fmt.Fprintf(c.out, "  max %d concurrent recordings into %s\n", s.MaxConcurrentRecordings, s.OutputDirectory)
	if cfg.History.Enabled {
		_, _ = fmt.Fprintf(c.out, "  history sinks: %d\n", len(cfg.History.DSNs))
	}
	return nil
}
