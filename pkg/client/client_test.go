package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Client, *[]string) {
	t.Helper()
	var seen []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Status{Status: "monitoring", Cycle: 7, CurrentlyRecording: []string{"alice"}})
	})
	mux.HandleFunc("/api/recordings", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]Recording{{Entity: "alice", State: "recording", Counts: Counts{Likes: 3}}})
	})
	mux.HandleFunc("/api/recordings/alice/stop", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.Path)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/api/recordings/bob/stop", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"bob is not recording"}`))
	})
	mux.HandleFunc("/api/control/", func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Method+" "+r.URL.RequestURI())
		w.WriteHeader(http.StatusAccepted)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c, err := New(Config{BaseURL: srv.URL + "/api", Timeout: time.Second})
	require.NoError(t, err)
	return c, &seen
}

func TestStatusAndRecordings(t *testing.T) {
	c, _ := newTestServer(t)
	ctx := context.Background()

	s, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "monitoring", s.Status)
	assert.Equal(t, []string{"alice"}, s.CurrentlyRecording)

	recs, err := c.Recordings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(3), recs[0].Counts.Likes)
}

func TestControlCalls(t *testing.T) {
	c, seen := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, c.StopRecording(ctx, "alice"))
	require.NoError(t, c.Pause(ctx, 90*time.Second))
	require.NoError(t, c.Pause(ctx, 0))
	require.NoError(t, c.Resume(ctx))
	require.NoError(t, c.Shutdown(ctx, "deploy"))
	assert.Equal(t, []string{
		"POST /api/recordings/alice/stop",
		"POST /api/control/pause?duration=1m30s",
		"POST /api/control/pause",
		"POST /api/control/resume",
		"POST /api/control/stop?reason=deploy",
	}, *seen)

	err := c.StopRecording(ctx, "bob")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Contains(t, err.Error(), "bob is not recording")
}

func TestNew_BadCACert(t *testing.T) {
	_, err := New(Config{CACert: "/nonexistent/ca.pem"})
	assert.Error(t, err)
}
