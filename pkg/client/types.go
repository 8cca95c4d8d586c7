package client

import "time"

// Status mirrors the snapshot served at GET /status.
type Status struct {
	Timestamp          time.Time `json:"timestamp"`
	Status             string    `json:"status"`
	Cycle              int       `json:"cycle"`
	Streamers          int       `json:"streamers"`
	Live               []string  `json:"live"`
	ActiveRecordings   int       `json:"active_recordings"`
	CurrentlyRecording []string  `json:"currently_recording"`
	PendingDisconnects int       `json:"pending_disconnects"`
	PendingUsers       []string  `json:"pending_disconnect_users"`
	Extra              string    `json:"extra_info,omitempty"`
	PID                int       `json:"pid"`
	Platform           string    `json:"platform"`
}

// Counts are per-kind event totals of a recording.
type Counts struct {
	Comments int64 `json:"comments"`
	Gifts    int64 `json:"gifts"`
	Follows  int64 `json:"follows"`
	Shares   int64 `json:"shares"`
	Joins    int64 `json:"joins"`
	Likes    int64 `json:"likes"`
}

// Recording is one held session as served at GET /recordings.
type Recording struct {
	Entity     string    `json:"entity"`
	SessionID  string    `json:"session_id"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	Duration   float64   `json:"duration_seconds"`
	Counts     Counts    `json:"counts"`
	OutputPath string    `json:"output_path,omitempty"`
	Connected  bool      `json:"connected"`
	Pending    bool      `json:"pending_disconnect"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
