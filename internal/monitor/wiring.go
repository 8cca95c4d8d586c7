package monitor

import (
	"github.com/loykin/streamwatch/internal/broadcast"
	"github.com/loykin/streamwatch/internal/config"
	"github.com/loykin/streamwatch/internal/poller"
	"github.com/loykin/streamwatch/internal/recorder"
)

// confirmJitter spreads disconnect confirmations by +/-20%.
const confirmJitter = 0.2

// AuthFor resolves credentials for a streamer, falling back to the global
// settings.
func AuthFor(cfg *config.Config, s config.Streamer) broadcast.Auth {
	a := broadcast.Auth{
		SessionID:  cfg.Settings.SessionID,
		Region:     cfg.Settings.Region,
		SignServer: cfg.Settings.SignServer,
	}
	if s.SessionID != "" {
		a.SessionID = s.SessionID
	}
	if s.Region != "" {
		a.Region = s.Region
	}
	return a
}

// ProfileFor resolves what the recorder needs to know about entity.
func ProfileFor(cfg *config.Config, entity string) recorder.Profile {
	s, ok := cfg.Streamer(entity)
	if !ok {
		s = config.Streamer{Name: entity}
	}
	return recorder.Profile{Auth: AuthFor(cfg, s), Tags: s.Tags, Notes: s.Notes}
}

// Targets builds the poll roster from the enabled streamers.
func Targets(cfg *config.Config) []poller.Target {
	en := cfg.EnabledStreamers()
	out := make([]poller.Target, 0, len(en))
	for _, s := range en {
		out = append(out, poller.Target{Entity: s.Name, Auth: AuthFor(cfg, s)})
	}
	return out
}

func PollerConfig(s config.Settings) poller.Config {
	return poller.Config{
		CheckTimeout:    s.CheckTimeout,
		MaxRetries:      s.MaxRetries,
		RetryBackoff:    s.RetryBackoff,
		RetryMaxBackoff: s.RetryMaxBackoff,
		BatchSize:       s.BatchSize,
		BatchPauseMin:   s.BatchPauseMin,
		BatchPauseMax:   s.BatchPauseMax,
	}
}

func RecorderConfig(cfg *config.Config) recorder.Config {
	return recorder.Config{
		MaxConcurrent: cfg.Settings.MaxConcurrentRecordings,
		OutputDir:     cfg.Settings.OutputDirectory,
		RecordVideo:   cfg.Settings.RecordVideo,
		Extension:     cfg.Capture.Extension,
		ConfirmDelay:  cfg.Settings.DisconnectConfirmationDelay,
		ConfirmJitter: confirmJitter,
		StopTimeout:   cfg.Settings.GracefulTimeout,
	}
}
