package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot(&command{out: os.Stdout, exit: os.Exit})
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	runFlags := &RunFlags{}
	statusFlags := &StatusFlags{}
	initFlags := &ConfigInitFlags{}
	ctlFlags := &CtlFlags{}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(c, globalFlags, runFlags),
		createStatusCommand(c, globalFlags, statusFlags),
		createConfigCommand(c, globalFlags, initFlags),
		createCtlCommand(c, globalFlags, ctlFlags),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "streamwatch",
		Short: "Live channel monitor and recorder",
		Long: `Streamwatch polls a roster of live channels, starts recording once a
channel is stably live and stops when the broadcast ends.

Examples:
  streamwatch config init alice bob
  streamwatch run --config=config.toml
  streamwatch status`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "config.toml", "path to TOML config file")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "debug logging")
	return root
}

func createRunCommand(c *command, g *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Monitor channels and record live broadcasts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Run(*g, overrides(*g, *f, cmd.Flags().Changed))
		},
	}
	cmd.Flags().StringVar(&f.SessionID, "session-id", "", "session id for authenticated access")
	cmd.Flags().StringVar(&f.Region, "region", "", "data center region for the session")
	cmd.Flags().DurationVar(&f.CheckInterval, "check-interval", 0, "time between check cycles")
	cmd.Flags().StringVar(&f.OutputDir, "output-dir", "", "directory for recordings and event logs")
	return cmd
}

func createStatusCommand(c *command, g *GlobalFlags, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the status published by a running monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(*g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print the raw status document")
	addAPIFlags(cmd, &f.API)
	return cmd
}

func addAPIFlags(cmd *cobra.Command, f *APIFlags) {
	cmd.Flags().StringVar(&f.URL, "api-url", "", "HTTP API of a running monitor (e.g. http://127.0.0.1:8090/api)")
	cmd.Flags().DurationVar(&f.Timeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}

func createCtlCommand(c *command, g *GlobalFlags, f *CtlFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ctl",
		Short: "Control a running monitor",
		Long: `Control a running monitor through its HTTP API, or through control
files when --api-url is not given.

Examples:
  streamwatch ctl pause --duration=10m
  streamwatch ctl stop --reason=maintenance
  streamwatch ctl resume --api-url=http://127.0.0.1:8090/api
  streamwatch ctl stop-recording alice --api-url=http://127.0.0.1:8090/api`,
	}
	pause := &cobra.Command{
		Use:   "pause",
		Short: "Pause polling",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Pause(*g, *f) },
	}
	pause.Flags().DurationVar(&f.Duration, "duration", 0, "pause length (0 uses the configured default, or until resume via the API)")
	resume := &cobra.Command{
		Use:   "resume",
		Short: "Resume polling",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Resume(*f) },
	}
	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop all recordings and exit the monitor",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Shutdown(*g, *f) },
	}
	stop.Flags().StringVar(&f.Reason, "reason", "", "reason recorded in the log")
	stopRec := &cobra.Command{
		Use:   "stop-recording NAME",
		Short: "Stop one recording",
		Args:  cobra.ExactArgs(1),
		RunE:  func(cmd *cobra.Command, args []string) error { return c.StopRecording(*f, args[0]) },
	}
	list := &cobra.Command{
		Use:   "recordings",
		Short: "List recordings",
		RunE:  func(cmd *cobra.Command, args []string) error { return c.Recordings(*f) },
	}
	for _, sub := range []*cobra.Command{pause, resume, stop, stopRec, list} {
		addAPIFlags(sub, &f.API)
		cmd.AddCommand(sub)
	}
	return cmd
}

func createConfigCommand(c *command, g *GlobalFlags, f *ConfigInitFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or validate the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init [streamer...]",
		Short: "Write a starter configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ConfigInit(*g, *f, args)
		},
	}
	initCmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.ConfigCheck(*g)
		},
	}
	cmd.AddCommand(initCmd, checkCmd)
	return cmd
}
