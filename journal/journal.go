// Package journal records execution events (attempts, retries, terminal
// failures, batch outcomes) in SQLite. It never stores extracted data.
//
// Writes are fire-and-forget: a failing journal is logged and never fails
// the harvest it observes.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hazyhaar/domharvest/internal/dbopen"
	"github.com/hazyhaar/domharvest/internal/idgen"
)

// Schema is the DDL of the journal table.
const Schema = `
CREATE TABLE IF NOT EXISTS journal_events (
    event_id    TEXT PRIMARY KEY,
    created_at  INTEGER NOT NULL,
    event_type  TEXT NOT NULL,
    op          TEXT NOT NULL,
    target      TEXT NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL DEFAULT 0,
    delay_ms    INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER NOT NULL DEFAULT 0,
    success     INTEGER NOT NULL DEFAULT 0,
    error_kind  TEXT NOT NULL DEFAULT '',
    error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_journal_time ON journal_events(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_journal_target ON journal_events(target, created_at DESC);
`

// Event types.
const (
	TypeSuccess = "success" // operation completed
	TypeRetry   = "retry"   // attempt failed, another one follows
	TypeFailure = "failure" // terminal failure
)

// Event is one journal row.
type Event struct {
	ID        string        `json:"id"`
	Time      time.Time     `json:"time"`
	Type      string        `json:"type"`
	Op        string        `json:"op"`
	Target    string        `json:"target,omitempty"`
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay_ns,omitempty"`
	Duration  time.Duration `json:"duration_ns,omitempty"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"error_kind,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// Journal writes and reads events.
type Journal struct {
	db     *sql.DB
	owned  bool
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Journal.
type Option func(*Journal)

// WithIDGenerator sets the event id generator. Default: "jev_" + UUIDv7.
func WithIDGenerator(gen idgen.Generator) Option {
	return func(j *Journal) { j.newID = gen }
}

// WithLogger sets the logger that reports write failures.
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) { j.logger = l }
}

// WithClock sets the clock (for testing).
func WithClock(now func() time.Time) Option {
	return func(j *Journal) { j.now = now }
}

// Open opens (creating if needed) the journal database at path.
func Open(path string, opts ...Option) (*Journal, error) {
	db, err := dbopen.Open(path, dbopen.WithMkdirAll(), dbopen.WithSchema(Schema))
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}
	j := newJournal(db, opts)
	j.owned = true
	return j, nil
}

// New wraps an already open database, creating the table if needed.
func New(db *sql.DB, opts ...Option) (*Journal, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("journal: init schema: %w", err)
	}
	return newJournal(db, opts), nil
}

func newJournal(db *sql.DB, opts []Option) *Journal {
	j := &Journal{
		db:     db,
		newID:  idgen.Prefixed("jev_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(j)
	}
	return j
}

// Close closes the database when the journal opened it.
func (j *Journal) Close() error {
	if j == nil || !j.owned {
		return nil
	}
	return j.db.Close()
}

// Record stores e. ID and Time are filled in when empty. Errors are logged,
// not returned. A nil Journal discards events.
func (j *Journal) Record(ctx context.Context, e Event) {
	if j == nil {
		return
	}
	if e.ID == "" {
		e.ID = j.newID()
	}
	if e.Time.IsZero() {
		e.Time = j.now()
	}
	_, err := dbopen.Exec(context.WithoutCancel(ctx), j.db, `
		INSERT INTO journal_events (
			event_id, created_at, event_type, op, target, attempt,
			delay_ms, duration_ms, success, error_kind, error
		) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Time.UnixMilli(), e.Type, e.Op, e.Target, e.Attempt,
		e.Delay.Milliseconds(), e.Duration.Milliseconds(), e.Success, e.ErrorKind, e.Error)
	if err != nil {
		j.logger.Error("journal: record failed", "error", err, "type", e.Type, "op", e.Op)
	}
}

// Filter narrows Recent.
type Filter struct {
	Target       string
	Op           string
	FailuresOnly bool
	Since        time.Time
	Limit        int // default 50, max 1000
}

// Recent returns matching events, newest first.
func (j *Journal) Recent(ctx context.Context, f Filter) ([]Event, error) {
	if j == nil {
		return nil, nil
	}
	var (
		where []string
		args  []any
	)
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if f.Op != "" {
		where = append(where, "op = ?")
		args = append(args, f.Op)
	}
	if f.FailuresOnly {
		where = append(where, "success = 0")
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	limit = min(limit, 1000)

	q := `SELECT event_id, created_at, event_type, op, target, attempt,
		delay_ms, duration_ms, success, error_kind, error FROM journal_events`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal: query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                 Event
			created, dly, dur int64
		)
		if err := rows.Scan(&e.ID, &created, &e.Type, &e.Op, &e.Target, &e.Attempt,
			&dly, &dur, &e.Success, &e.ErrorKind, &e.Error); err != nil {
			return nil, fmt.Errorf("journal: scan: %w", err)
		}
		e.Time = time.UnixMilli(created)
		e.Delay = time.Duration(dly) * time.Millisecond
		e.Duration = time.Duration(dur) * time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Cleanup deletes events older than the retention period and returns how
// many were removed.
func (j *Journal) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := j.now().Add(-retention).UnixMilli()
	res, err := dbopen.Exec(ctx, j.db, `DELETE FROM journal_events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: cleanup: %w", err)
	}
	return res.RowsAffected()
}
