package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/streamwatch/internal/history"
)

// Options selects the server and target table.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

// Sink sends events to ClickHouse using the official ClickHouse Go client.
type Sink struct {
	conn  driver.Conn
	table string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "recording_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			event LowCardinality(String),
			occurred_at DateTime64(6),
			session_id String,
			entity String,
			started_at Nullable(DateTime64(6)),
			stopped_at Nullable(DateTime64(6)),
			duration_seconds Float64,
			reason String,
			comments Int64,
			gifts Int64,
			follows Int64,
			shares Int64,
			joins Int64,
			likes Int64,
			output_path String,
			tags String,
			notes String,
			error String
		) ENGINE = MergeTree()
		ORDER BY (entity, occurred_at)
	`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	r := e.Record
	c := r.Counts
	query := fmt.Sprintf(`INSERT INTO %s (event, occurred_at, session_id, entity, started_at, stopped_at, duration_seconds, reason, comments, gifts, follows, shares, joins, likes, output_path, tags, notes, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	err := s.conn.Exec(ctx, query,
		string(e.Type),
		e.OccurredAt.UTC(),
		r.SessionID,
		r.Entity,
		nullTime(r.StartedAt),
		nullTime(r.StoppedAt),
		r.Duration().Seconds(),
		r.Reason,
		c.Comments,
		c.Gifts,
		c.Follows,
		c.Shares,
		c.Joins,
		c.Likes,
		r.OutputPath,
		r.TagString(),
		r.Notes,
		r.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
