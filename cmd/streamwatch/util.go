package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/loykin/streamwatch/internal/status"
)

func printJSON(w io.Writer, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(w, err)
		return
	}
	_, _ = fmt.Fprintln(w, string(b))
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

// printStatus renders a snapshot for humans.
func printStatus(w io.Writer, s status.Snapshot, now time.Time) {
	age := s.Age(now).Round(time.Second)
	_, _ = fmt.Fprintf(w, "Status:      %s\n", s.Status)
	_, _ = fmt.Fprintf(w, "Updated:     %s (%s ago)\n", s.Timestamp.Format(time.RFC3339), age)
	_, _ = fmt.Fprintf(w, "PID:         %d (%s)\n", s.PID, s.Platform)
	_, _ = fmt.Fprintf(w, "Cycle:       %d\n", s.Cycle)
	_, _ = fmt.Fprintf(w, "Recording:   %d [%s]\n", s.ActiveRecordings, listOrNone(s.CurrentlyRecording))
	_, _ = fmt.Fprintf(w, "Pending:     %d [%s]\n", s.PendingDisconnects, listOrNone(s.PendingUsers))
	if s.Extra != "" {
		_, _ = fmt.Fprintf(w, "Info:        %s\n", s.Extra)
	}
	if !s.Recent(now) {
		_, _ = fmt.Fprintln(w, "Warning:     status is stale, the monitor may not be running")
	}
}
