package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	method, path, query string
}

func fakeAPI(t *testing.T) (*httptest.Server, func() []apiCall) {
	t.Helper()
	var mu sync.Mutex
	var calls []apiCall
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, apiCall{r.Method, r.URL.Path, r.URL.RawQuery})
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/status":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"timestamp": time.Now(), "status": "running", "cycle": 12, "streamers": 3,
				"live": []string{"alice"}, "active_recordings": 1, "currently_recording": []string{"alice"},
				"pid": 42, "platform": "linux",
			})
		case "/api/recordings":
			_ = json.NewEncoder(w).Encode([]map[string]any{{
				"entity": "alice", "state": "recording", "duration_seconds": 65.0,
				"counts": map[string]int{"comments": 3, "gifts": 1},
			}})
		case "/api/recordings/ghost/stop":
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"not recording"}`))
		default:
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{}`))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, func() []apiCall {
		mu.Lock()
		defer mu.Unlock()
		return append([]apiCall(nil), calls...)
	}
}

func TestCtl_ViaAPI(t *testing.T) {
	srv, calls := fakeAPI(t)
	api := srv.URL + "/api"

	out, err := execute(t, "ctl", "pause", "--duration=90s", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "pause requested")

	_, err = execute(t, "ctl", "resume", "--api-url", api)
	require.NoError(t, err)

	_, err = execute(t, "ctl", "stop", "--reason=maint", "--api-url", api)
	require.NoError(t, err)

	out, err = execute(t, "ctl", "stop-recording", "alice", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "stopping alice")

	_, err = execute(t, "ctl", "stop-recording", "ghost", "--api-url", api)
	require.Error(t, err)

	out, err = execute(t, "ctl", "recordings", "--api-url", api)
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "events=4")

	got := calls()
	require.Len(t, got, 6)
	assert.Equal(t, apiCall{"POST", "/api/control/pause", "duration=1m30s"}, got[0])
	assert.Equal(t, apiCall{"POST", "/api/control/resume", ""}, got[1])
	assert.Equal(t, apiCall{"POST", "/api/control/stop", "reason=maint"}, got[2])
	assert.Equal(t, "/api/recordings/alice/stop", got[3].path)
}

func TestCtl_ViaFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	ctlDir := filepath.Join(dir, "ctl")
	require.NoError(t, os.MkdirAll(ctlDir, 0o755))
	require.NoError(t, os.WriteFile(cfgPath, []byte(`
[control]
dir = "`+filepath.ToSlash(ctlDir)+`"
stop_file = "stop.txt"
pause_file = "pause.txt"
default_pause = "2m"
`), 0o644))

	_, err := execute(t, "ctl", "pause", "--config", cfgPath)
	require.NoError(t, err)
	b, err := os.ReadFile(filepath.Join(ctlDir, "pause.txt"))
	require.NoError(t, err)
	assert.Equal(t, "120", string(b))

	_, err = execute(t, "ctl", "pause", "--duration=1500ms", "--config", cfgPath)
	require.NoError(t, err)
	b, err = os.ReadFile(filepath.Join(ctlDir, "pause.txt"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(b))

	_, err = execute(t, "ctl", "stop", "--reason=maintenance", "--config", cfgPath)
	require.NoError(t, err)
	b, err = os.ReadFile(filepath.Join(ctlDir, "stop.txt"))
	require.NoError(t, err)
	assert.Equal(t, "maintenance", string(b))
}

func TestCtl_APIOnlyCommands(t *testing.T) {
	for _, args := range [][]string{
		{"ctl", "resume"},
		{"ctl", "stop-recording", "alice"},
		{"ctl", "recordings"},
	} {
		_, err := execute(t, args...)
		assert.ErrorIs(t, err, errNeedsAPI, "%v", args)
	}
}

func TestStatus_ViaAPI(t *testing.T) {
	srv, _ := fakeAPI(t)
	out, err := execute(t, "status", "--api-url", srv.URL+"/api")
	require.NoError(t, err)
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "alice")
}
