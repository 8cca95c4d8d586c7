package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// WriteStarter writes a starter config for the given streamer names.
// It refuses to overwrite an existing file unless force is set.
func WriteStarter(path string, names []string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	def := Default()
	v := viper.New()
	v.SetConfigType("toml")
	s := def.Settings
	v.Set("settings", map[string]any{
		"check_interval":                s.CheckInterval.String(),
		"max_concurrent_recordings":     s.MaxConcurrentRecordings,
		"output_directory":              s.OutputDirectory,
		"record_video":                  s.RecordVideo,
		"stability_threshold":           s.StabilityThreshold,
		"min_action_cooldown":           s.MinActionCooldown.String(),
		"disconnect_confirmation_delay": s.DisconnectConfirmationDelay.String(),
		"check_timeout":                 s.CheckTimeout.String(),
		"max_retries":                   s.MaxRetries,
		"batch_size":                    s.BatchSize,
		"session_id":                    "",
		"region":                        s.Region,
		"sign_server":                   s.SignServer,
	})
	v.Set("control", map[string]any{"dir": def.Control.Dir})
	streamers := make([]map[string]any, 0, len(names))
	for _, n := range names {
		n = strings.TrimPrefix(strings.TrimSpace(n), "@")
		if n == "" {
			continue
		}
		streamers = append(streamers, map[string]any{
			"name":    n,
			"enabled": true,
			"tags":    []string{},
			"notes":   "",
		})
	}
	v.Set("streamers", streamers)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}
