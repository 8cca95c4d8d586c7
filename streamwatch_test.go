package streamwatch

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/streamwatch/internal/broadcast/broadcasttest"
	"github.com/loykin/streamwatch/internal/capture/capturetest"
	"github.com/loykin/streamwatch/internal/control"
	"github.com/loykin/streamwatch/internal/status"
)

func writeConfig(t *testing.T, dir, extra string) string {
	t.Helper()
	body := `
[settings]
check_interval = "1s"
output_directory = "` + filepath.ToSlash(filepath.Join(dir, "rec")) + `"

[control]
dir = "` + filepath.ToSlash(dir) + `"

[log]
color = false

[metrics]
enabled = true

[[streamers]]
name = "alice"
` + extra
	p := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestApp_StopRequestDrainsAndReports(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "stop_monitor.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	var logs bytes.Buffer
	app, err := New(Options{
		ConfigPath: writeConfig(t, dir, ""),
		LogOutput:  &logs,
		Client:     broadcasttest.New(),
		Capturer:   capturetest.New(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer app.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "stale control files are cleared at startup")

	require.True(t, app.Control().Send(control.Request{Kind: control.Stop, Reason: "test"}))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rep, err := app.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, rep.Forced)

	assert.Equal(t, status.Stopped, app.Status().Status)
	s, err := status.Read(filepath.Join(dir, "monitor_status.json"))
	require.NoError(t, err)
	assert.Equal(t, status.Stopped, s.Status)
	assert.Equal(t, os.Getpid(), s.PID)
	assert.True(t, strings.Contains(logs.String(), "stop requested"))
}

func TestApp_OverridesApply(t *testing.T) {
	dir := t.TempDir()
	app, err := New(Options{
		ConfigPath: writeConfig(t, dir, ""),
		LogOutput:  &bytes.Buffer{},
		Overrides:  []Override{func(c *Config) { c.Settings.SessionID = "from-flag" }},
		Client:     broadcasttest.New(),
		Capturer:   capturetest.New(),
		Registerer: prometheus.NewRegistry(),
	})
	require.NoError(t, err)
	defer app.Close()
	assert.Equal(t, "from-flag", app.store.Current().Settings.SessionID)
}

func TestNew_Errors(t *testing.T) {
	dir := t.TempDir()
	_, err := New(Options{ConfigPath: filepath.Join(dir, "missing.toml")})
	assert.Error(t, err)

	_, err = New(Options{ConfigPath: writeConfig(t, dir, ""), LogOutput: &bytes.Buffer{}})
	assert.ErrorContains(t, err, "probe command is required")

	_, err = New(Options{
		ConfigPath: writeConfig(t, dir, "[schedule]\npause_at = \"not a cron\"\nresume_at = \"0 8 * * *\"\n"),
		LogOutput:  &bytes.Buffer{},
		Client:     broadcasttest.New(),
		Capturer:   capturetest.New(),
	})
	assert.ErrorContains(t, err, "schedule")

	// failures after the config store is open still return cleanly
	_, err = New(Options{
		ConfigPath: writeConfig(t, dir, "[history]\nenabled = true\ndsns = [\"mongodb://nowhere\"]\n"),
		LogOutput:  &bytes.Buffer{},
		Client:     broadcasttest.New(),
		Capturer:   capturetest.New(),
		Registerer: prometheus.NewRegistry(),
	})
	assert.ErrorContains(t, err, "history")
}

func TestApp_CloseNil(t *testing.T) {
	var a *App
	assert.NotPanics(t, a.Close)
}
