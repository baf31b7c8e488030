// Package store persists the upload event journal in SQLite or Postgres.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/depot/pkg/artifacts"
)

// Dialect selects placeholder syntax.
type Dialect int

const (
	DialectSQLite Dialect = iota
	DialectPostgres
)

func (d Dialect) String() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

// driverName is the database/sql driver registered for the dialect.
func (d Dialect) driverName() string {
	if d == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}

func (d Dialect) placeholder(n int) string {
	if d == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// ErrDisabled is returned by a nil journal.
var ErrDisabled = errors.New("event journal disabled")

var schema = []string{
	`CREATE TABLE IF NOT EXISTS upload_events (
		id TEXT PRIMARY KEY,
		recorded_at TIMESTAMP NOT NULL,
		project TEXT NOT NULL,
		filename TEXT NOT NULL,
		version BIGINT NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		bytes BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS upload_events_project_time ON upload_events (project, recorded_at)`,
}

// EventJournal records upload attempts. It implements artifacts.EventRecorder.
type EventJournal struct {
	db      *sql.DB
	dialect Dialect
	logger  *slog.Logger
}

// NewEventJournal wraps an open database.
func NewEventJournal(db *sql.DB, dialect Dialect) *EventJournal {
	return &EventJournal{
		db:      db,
		dialect: dialect,
		logger:  slog.Default().With("component", "store.events", "dialect", dialect.String()),
	}
}

// Open connects to dsn with the dialect's driver and ensures the schema.
func Open(ctx context.Context, dialect Dialect, dsn string) (*EventJournal, error) {
	db, err := sql.Open(dialect.driverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// A single writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	j := NewEventJournal(db, dialect)
	if err := j.Init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Init creates the schema if needed.
func (j *EventJournal) Init(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init event journal: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *EventJournal) Close() error {
	if j == nil {
		return nil
	}
	return j.db.Close()
}

// Ping reports whether the database is reachable.
func (j *EventJournal) Ping(ctx context.Context) error {
	if j == nil {
		return ErrDisabled
	}
	return j.db.PingContext(ctx)
}

// Record inserts ev.
func (j *EventJournal) Record(ctx context.Context, ev artifacts.Event) error {
	if j == nil {
		return ErrDisabled
	}
	query := fmt.Sprintf(`
		INSERT INTO upload_events (id, recorded_at, project, filename, version, decision, reason, bytes)
		VALUES (%s)`, j.placeholders(8))

	_, err := j.db.ExecContext(ctx, query,
		ev.ID, ev.Time.UTC(), ev.Project, ev.Filename, ev.Version, string(ev.Decision), ev.Reason, ev.Bytes,
	)
	if err != nil {
		return fmt.Errorf("record upload event: %w", err)
	}
	return nil
}

// List returns the most recent events, newest first. An empty project lists
// every project. limit is clamped to [1, MaxListLimit].
func (j *EventJournal) List(ctx context.Context, project string, limit int) ([]artifacts.Event, error) {
	if j == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}

	var (
		query strings.Builder
		args  []any
	)
	query.WriteString(`SELECT id, recorded_at, project, filename, version, decision, reason, bytes FROM upload_events`)
	if project != "" {
		args = append(args, project)
		fmt.Fprintf(&query, ` WHERE project = %s`, j.dialect.placeholder(len(args)))
	}
	args = append(args, limit)
	fmt.Fprintf(&query, ` ORDER BY recorded_at DESC, id DESC LIMIT %s`, j.dialect.placeholder(len(args)))

	rows, err := j.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list upload events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]artifacts.Event, 0)
	for rows.Next() {
		var (
			ev       artifacts.Event
			at       time.Time
			decision string
		)
		if err := rows.Scan(&ev.ID, &at, &ev.Project, &ev.Filename, &ev.Version, &decision, &ev.Reason, &ev.Bytes); err != nil {
			return nil, fmt.Errorf("scan upload event: %w", err)
		}
		ev.Time = at.UTC()
		ev.Decision = artifacts.Decision(decision)
		result = append(result, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (j *EventJournal) placeholders(n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = j.dialect.placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}
