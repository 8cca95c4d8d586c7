package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/streamwatch/internal/logger"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// STREAMWATCH_SETTINGS_SESSION_ID overrides settings.session_id.
const EnvPrefix = "STREAMWATCH"

// Config represents the top-level TOML structure.
type Config struct {
	Settings  Settings       `toml:"settings" mapstructure:"settings"`
	Client    ClientConfig   `toml:"client" mapstructure:"client"`
	Capture   CaptureConfig  `toml:"capture" mapstructure:"capture"`
	Log       logger.Config  `toml:"log" mapstructure:"log"`
	History   HistoryConfig  `toml:"history" mapstructure:"history"`
	Server    ServerConfig   `toml:"server" mapstructure:"server"`
	Metrics   MetricsConfig  `toml:"metrics" mapstructure:"metrics"`
	Control   ControlConfig  `toml:"control" mapstructure:"control"`
	Schedule  ScheduleConfig `toml:"schedule" mapstructure:"schedule"`
	Streamers []Streamer     `toml:"streamers" mapstructure:"streamers"`
}

// Settings holds the monitoring and recording knobs.
type Settings struct {
	CheckInterval               time.Duration `toml:"check_interval" mapstructure:"check_interval"`
	MaxConcurrentRecordings     int           `toml:"max_concurrent_recordings" mapstructure:"max_concurrent_recordings"`
	OutputDirectory             string        `toml:"output_directory" mapstructure:"output_directory"`
	RecordVideo                 bool          `toml:"record_video" mapstructure:"record_video"`
	StabilityThreshold          int           `toml:"stability_threshold" mapstructure:"stability_threshold"`
	MinActionCooldown           time.Duration `toml:"min_action_cooldown" mapstructure:"min_action_cooldown"`
	DisconnectConfirmationDelay time.Duration `toml:"disconnect_confirmation_delay" mapstructure:"disconnect_confirmation_delay"`
	OfflineStopAfter            time.Duration `toml:"offline_stop_after" mapstructure:"offline_stop_after"`
	CheckTimeout                time.Duration `toml:"check_timeout" mapstructure:"check_timeout"`
	MaxRetries                  int           `toml:"max_retries" mapstructure:"max_retries"`
	RetryBackoff                time.Duration `toml:"retry_backoff" mapstructure:"retry_backoff"`
	RetryMaxBackoff             time.Duration `toml:"retry_max_backoff" mapstructure:"retry_max_backoff"`
	BatchSize                   int           `toml:"batch_size" mapstructure:"batch_size"`
	BatchPauseMin               time.Duration `toml:"batch_pause_min" mapstructure:"batch_pause_min"`
	BatchPauseMax               time.Duration `toml:"batch_pause_max" mapstructure:"batch_pause_max"`
	SweepEveryCycles            int           `toml:"sweep_every_cycles" mapstructure:"sweep_every_cycles"`
	ErrorBackoff                time.Duration `toml:"error_backoff" mapstructure:"error_backoff"`
	OutageBackoff               time.Duration `toml:"outage_backoff" mapstructure:"outage_backoff"`
	GracefulTimeout             time.Duration `toml:"graceful_timeout" mapstructure:"graceful_timeout"`
	ForceTimeout                time.Duration `toml:"force_timeout" mapstructure:"force_timeout"`
	SessionID                   string        `toml:"session_id" mapstructure:"session_id"`
	Region                      string        `toml:"region" mapstructure:"region"`
	SignServer                  string        `toml:"sign_server" mapstructure:"sign_server"`
}

// ClientConfig configures the exec-based broadcast client. Arguments may
// contain {entity}, {session_id}, {region} and {sign_server} placeholders.
type ClientConfig struct {
	ProbeCommand  []string `toml:"probe_command" mapstructure:"probe_command"`
	EventsCommand []string `toml:"events_command" mapstructure:"events_command"`
}

// CaptureConfig configures the exec-based media capture. Arguments may
// contain {url} and {output} placeholders.
type CaptureConfig struct {
	Command      []string      `toml:"command" mapstructure:"command"`
	Extension    string        `toml:"extension" mapstructure:"extension"`
	ProcessName  string        `toml:"process_name" mapstructure:"process_name"`
	FinalizeWait time.Duration `toml:"finalize_wait" mapstructure:"finalize_wait"`
	GracefulWait time.Duration `toml:"graceful_wait" mapstructure:"graceful_wait"`
	TermWait     time.Duration `toml:"term_wait" mapstructure:"term_wait"`
	ForceWait    time.Duration `toml:"force_wait" mapstructure:"force_wait"`
}

// HistoryConfig lists session history sinks by DSN.
// Supported: sqlite://, postgres://, clickhouse://, csv://
type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	DSNs    []string `toml:"dsns" mapstructure:"dsns"`
}

type ServerConfig struct {
	Enabled  bool      `toml:"enabled" mapstructure:"enabled"`
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig enables HTTPS for the API. Explicit cert and key files win over
// Dir; with AutoGenerate a self-signed pair is written to Dir when missing.
type TLSConfig struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Path    string `toml:"path" mapstructure:"path"`
}

// ControlConfig names the control and status files, relative to Dir.
type ControlConfig struct {
	Dir          string        `toml:"dir" mapstructure:"dir"`
	StopFile     string        `toml:"stop_file" mapstructure:"stop_file"`
	PauseFile    string        `toml:"pause_file" mapstructure:"pause_file"`
	StatusFile   string        `toml:"status_file" mapstructure:"status_file"`
	DefaultPause time.Duration `toml:"default_pause" mapstructure:"default_pause"`
}

// ScheduleConfig defines an optional daily monitoring window using cron
// expressions. Both must be set to take effect.
type ScheduleConfig struct {
	PauseAt  string `toml:"pause_at" mapstructure:"pause_at"`
	ResumeAt string `toml:"resume_at" mapstructure:"resume_at"`
	Timezone string `toml:"timezone" mapstructure:"timezone"`
}

// Streamer is one monitored channel.
type Streamer struct {
	Name      string   `toml:"name" mapstructure:"name"`
	Enabled   *bool    `toml:"enabled" mapstructure:"enabled"`
	SessionID string   `toml:"session_id" mapstructure:"session_id"`
	Region    string   `toml:"region" mapstructure:"region"`
	Priority  int      `toml:"priority" mapstructure:"priority"`
	Tags      []string `toml:"tags" mapstructure:"tags"`
	Notes     string   `toml:"notes" mapstructure:"notes"`
}

// IsEnabled reports whether the streamer is monitored. Missing means enabled.
func (s Streamer) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// EnabledStreamers returns enabled streamers in configuration order.
func (c *Config) EnabledStreamers() []Streamer {
	out := make([]Streamer, 0, len(c.Streamers))
	for _, s := range c.Streamers {
		if s.IsEnabled() {
			out = append(out, s)
		}
	}
	return out
}

// Streamer looks up a streamer by name.
func (c *Config) Streamer(name string) (Streamer, bool) {
	for _, s := range c.Streamers {
		if s.Name == name {
			return s, true
		}
	}
	return Streamer{}, false
}

// ControlPath joins a control file name with the control directory.
func (c *Config) ControlPath(name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Control.Dir, name)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("settings.check_interval", "60s")
	v.SetDefault("settings.max_concurrent_recordings", 5)
	v.SetDefault("settings.output_directory", "recordings")
	v.SetDefault("settings.record_video", true)
	v.SetDefault("settings.stability_threshold", 3)
	v.SetDefault("settings.min_action_cooldown", "90s")
	v.SetDefault("settings.disconnect_confirmation_delay", "30s")
	v.SetDefault("settings.offline_stop_after", "0s")
	v.SetDefault("settings.check_timeout", "20s")
	v.SetDefault("settings.max_retries", 2)
	v.SetDefault("settings.retry_backoff", "1s")
	v.SetDefault("settings.retry_max_backoff", "5s")
	v.SetDefault("settings.batch_size", 50)
	v.SetDefault("settings.batch_pause_min", "1s")
	v.SetDefault("settings.batch_pause_max", "3s")
	v.SetDefault("settings.sweep_every_cycles", 50)
	v.SetDefault("settings.error_backoff", "30s")
	v.SetDefault("settings.outage_backoff", "60s")
	v.SetDefault("settings.graceful_timeout", "45s")
	v.SetDefault("settings.force_timeout", "5s")
	v.SetDefault("settings.session_id", "")
	v.SetDefault("settings.region", "us-eastred")
	v.SetDefault("settings.sign_server", "tiktok.eulerstream.com")

	v.SetDefault("capture.extension", "mp4")
	v.SetDefault("capture.process_name", "ffmpeg")
	v.SetDefault("capture.finalize_wait", "5s")
	v.SetDefault("capture.graceful_wait", "20s")
	v.SetDefault("capture.term_wait", "5s")
	v.SetDefault("capture.force_wait", "2s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", true)

	v.SetDefault("server.listen", "127.0.0.1:8090")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("control.dir", ".")
	v.SetDefault("control.stop_file", "stop_monitor.txt")
	v.SetDefault("control.pause_file", "pause_monitor.txt")
	v.SetDefault("control.status_file", "monitor_status.json")
	v.SetDefault("control.default_pause", "60s")
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	var c Config
	// Decoding defaults alone cannot fail.
	_ = newViper().Unmarshal(&c)
	return &c
}

// Load reads and validates a TOML config file.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks settings ranges and streamer uniqueness.
func (c *Config) Validate() error {
	s := c.Settings
	var errs []error
	if s.CheckInterval <= 0 {
		errs = append(errs, fmt.Errorf("settings.check_interval must be positive"))
	}
	if s.MaxConcurrentRecordings < 1 {
		errs = append(errs, fmt.Errorf("settings.max_concurrent_recordings must be >= 1"))
	}
	if s.StabilityThreshold < 1 {
		errs = append(errs, fmt.Errorf("settings.stability_threshold must be >= 1"))
	}
	if s.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("settings.batch_size must be >= 1"))
	}
	if s.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("settings.max_retries must be >= 0"))
	}
	if s.CheckTimeout <= 0 {
		errs = append(errs, fmt.Errorf("settings.check_timeout must be positive"))
	}
	if s.BatchPauseMax < s.BatchPauseMin {
		errs = append(errs, fmt.Errorf("settings.batch_pause_max must be >= batch_pause_min"))
	}
	if s.OutputDirectory == "" {
		errs = append(errs, fmt.Errorf("settings.output_directory is required"))
	}
	if (c.Schedule.PauseAt == "") != (c.Schedule.ResumeAt == "") {
		errs = append(errs, fmt.Errorf("schedule requires both pause_at and resume_at"))
	}
	seen := make(map[string]struct{}, len(c.Streamers))
	for i, st := range c.Streamers {
		name := strings.TrimSpace(st.Name)
		if name == "" {
			errs = append(errs, fmt.Errorf("streamers[%d] requires name", i))
			continue
		}
		if _, dup := seen[name]; dup {
			errs = append(errs, fmt.Errorf("duplicate streamer %q", name))
		}
		seen[name] = struct{}{}
		c.Streamers[i].Name = name
	}
	return errors.Join(errs...)
}
