package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/streamwatch/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases coherent
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS recording_history(
			occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
			event TEXT NOT NULL,
			session_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			started_at TIMESTAMP NULL,
			stopped_at TIMESTAMP NULL,
			duration_seconds REAL NOT NULL DEFAULT 0,
			reason TEXT,
			comments INTEGER NOT NULL DEFAULT 0,
			gifts INTEGER NOT NULL DEFAULT 0,
			follows INTEGER NOT NULL DEFAULT 0,
			shares INTEGER NOT NULL DEFAULT 0,
			joins INTEGER NOT NULL DEFAULT 0,
			likes INTEGER NOT NULL DEFAULT 0,
			output_path TEXT,
			tags TEXT,
			notes TEXT,
			error TEXT
		);`,
		`CREATE INDEX IF NOT EXISTS idx_recording_history_entity ON recording_history(entity);`,
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(r history.Record, stopped bool) any {
	t := r.StartedAt
	if stopped {
		t = r.StoppedAt
	}
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	c := r.Counts
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recording_history(occurred_at, event, session_id, entity, started_at, stopped_at,
			duration_seconds, reason, comments, gifts, follows, shares, joins, likes, output_path, tags, notes, error)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), string(e.Type), r.SessionID, r.Entity, nullTime(r, false), nullTime(r, true),
		r.Duration().Seconds(), r.Reason, c.Comments, c.Gifts, c.Follows, c.Shares, c.Joins, c.Likes,
		r.OutputPath, r.TagString(), r.Notes, r.Error)
	return err
}

// Count returns how many events of type t were stored for entity.
func (s *Sink) Count(ctx context.Context, entity string, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM recording_history WHERE entity = ? AND event = ?`, entity, string(t)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
