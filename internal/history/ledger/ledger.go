// Package ledger records the local outcome of every sync attempt in an
// embedded SQLite database.
//
// The ledger is what lets a full sync skip sessions that have not changed
// since their last successful write, and what lets the daemon retry sessions
// that failed with a retryable error. It is a local cache only: the remote
// store stays the source of truth, and deleting the ledger just causes the
// next full sync to rewrite every session.
//
// Architecture:
//   - Database file: .jouster/ledger.db
//   - WAL mode: readers are not blocked by the syncing writer
//   - Tables: sync_state (one row per session), sync_attempts (append-only),
//     ledger_meta (identity of the remote table the synced rows refer to)
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeFormat is fixed-width so stored timestamps sort chronologically.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// State is the outcome of the most recent sync attempt for a session.
type State string

const (
	StateSynced          State = "synced"
	StateFailedRetryable State = "failed_retryable"
	StateFailedFatal     State = "failed_fatal"
)

// Attempt is a single sync attempt to record.
type Attempt struct {
	ConversationID string
	ContentHash    string
	SourcePath     string
	State          State
	Error          string
	Duration       time.Duration
	At             time.Time
}

// Entry is the current sync state of one session.
type Entry struct {
	ConversationID string
	ContentHash    string
	SourcePath     string
	State          State
	LastError      string
	Attempts       int
	LastAttemptAt  time.Time
	LastSyncedAt   *time.Time
}

// AttemptRecord is a row of the attempt history.
type AttemptRecord struct {
	ID             string
	ConversationID string
	ContentHash    string
	State          State
	Error          string
	Duration       time.Duration
	At             time.Time
}

// Ledger wraps the SQLite connection.
type Ledger struct {
	conn *sql.DB
	path string
}

// Open opens (creating if needed) the ledger at path and initializes its
// schema.
//
// The caller MUST call Close() when done.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create ledger directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ledger: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	l := &Ledger{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = l.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if err := l.InitSchema(); err != nil {
		_ = l.Close()
		return nil, err
	}
	return l, nil
}

// Path returns the database file path.
func (l *Ledger) Path() string {
	return l.path
}

// Close checkpoints the WAL and closes the connection.
func (l *Ledger) Close() error {
	if l.conn == nil {
		return nil
	}
	if _, err := l.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint ledger WAL: %v\n", err)
	}
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close ledger: %w", err)
	}
	l.conn = nil
	return nil
}

// InitSchema creates the ledger tables. Safe to call repeatedly.
func (l *Ledger) InitSchema() error {
	return l.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the ledger tables with context support.
func (l *Ledger) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_state (
		conversation_id TEXT PRIMARY KEY,
		content_hash TEXT NOT NULL,
		source_path TEXT,
		state TEXT NOT NULL,
		last_error TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TEXT NOT NULL,
		last_synced_at TEXT
	);

	CREATE TABLE IF NOT EXISTS sync_attempts (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		state TEXT NOT NULL,
		error TEXT,
		duration_ms INTEGER NOT NULL,
		attempted_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_sync_state_state ON sync_state(state);
	CREATE INDEX IF NOT EXISTS idx_sync_attempts_conversation
	    ON sync_attempts(conversation_id, attempted_at);
	`
	if _, err := l.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize ledger schema: %w", err)
	}
	return nil
}

// RecordAttempt stores the outcome of a sync attempt: it replaces the
// session's current state and appends to the attempt history.
func (l *Ledger) RecordAttempt(ctx context.Context, a Attempt) error {
	if a.ConversationID == "" {
		return fmt.Errorf("attempt has no conversation id")
	}
	if a.At.IsZero() {
		a.At = time.Now()
	}
	at := a.At.UTC().Format(timeFormat)

	var syncedAt sql.NullString
	if a.State == StateSynced {
		syncedAt = sql.NullString{String: at, Valid: true}
	}

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	upsert := `
	INSERT INTO sync_state (
		conversation_id, content_hash, source_path, state, last_error,
		attempts, last_attempt_at, last_synced_at
	) VALUES (?, ?, ?, ?, ?, 1, ?, ?)
	ON CONFLICT(conversation_id) DO UPDATE SET
		content_hash = excluded.content_hash,
		source_path = COALESCE(NULLIF(excluded.source_path, ''), sync_state.source_path),
		state = excluded.state,
		last_error = excluded.last_error,
		attempts = sync_state.attempts + 1,
		last_attempt_at = excluded.last_attempt_at,
		last_synced_at = COALESCE(excluded.last_synced_at, sync_state.last_synced_at)
	`
	if _, err := tx.ExecContext(ctx, upsert,
		a.ConversationID, a.ContentHash, a.SourcePath, string(a.State), a.Error, at, syncedAt,
	); err != nil {
		return fmt.Errorf("failed to record state for %s: %w", a.ConversationID, err)
	}

	insert := `
	INSERT INTO sync_attempts (
		id, conversation_id, content_hash, state, error, duration_ms, attempted_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	if _, err := tx.ExecContext(ctx, insert,
		uuid.NewString(), a.ConversationID, a.ContentHash, string(a.State), a.Error,
		a.Duration.Milliseconds(), at,
	); err != nil {
		return fmt.Errorf("failed to record attempt for %s: %w", a.ConversationID, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// metaTableIdentity keys the identity of the table synced rows were written to.
const metaTableIdentity = "table_identity"

// errTableReplaced is recorded on rows re-queued by BindTable.
const errTableReplaced = "remote table was re-created; session must be written again"

// TableIdentity returns the identity recorded by the last BindTable, or "".
func (l *Ledger) TableIdentity(ctx context.Context) (string, error) {
	var v string
	err := l.conn.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, metaTableIdentity).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read table identity: %w", err)
	}
	return v, nil
}

// BindTable records the identity of the remote table the ledger now refers
// to. When it differs from the recorded one, every synced row is moved to
// failed_retryable, since its write went to a table that no longer exists.
// It returns the number of rows re-queued.
//
// The first bind of a ledger with synced rows also re-queues them: there is
// no way to tell which table they went to.
func (l *Ledger) BindTable(ctx context.Context, identity string) (int, error) {
	if identity == "" {
		return 0, fmt.Errorf("empty table identity")
	}

	tx, err := l.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT value FROM ledger_meta WHERE key = ?`, metaTableIdentity).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("failed to read table identity: %w", err)
	}
	if current == identity {
		return 0, nil
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE sync_state SET state = ?, last_error = ? WHERE state = ?`,
		string(StateFailedRetryable), errTableReplaced, string(StateSynced))
	if err != nil {
		return 0, fmt.Errorf("failed to re-queue synced sessions: %w", err)
	}
	n, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx, `
	INSERT INTO ledger_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaTableIdentity, identity); err != nil {
		return 0, fmt.Errorf("failed to record table identity: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return int(n), nil
}

// Get returns the current state of a session, or nil if it was never
// attempted.
func (l *Ledger) Get(ctx context.Context, id string) (*Entry, error) {
	row := l.conn.QueryRowContext(ctx, selectState+` WHERE conversation_id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync state for %s: %w", id, err)
	}
	return e, nil
}

// NeedsSync reports whether a session with the given content hash has to be
// written: it was never synced, its last attempt failed, or its content
// changed since.
func (l *Ledger) NeedsSync(ctx context.Context, id, hash string) (bool, error) {
	e, err := l.Get(ctx, id)
	if err != nil {
		return true, err
	}
	if e == nil {
		return true, nil
	}
	return e.State != StateSynced || e.ContentHash != hash, nil
}

// ListByState returns every session currently in state, oldest attempt first.
func (l *Ledger) ListByState(ctx context.Context, state State) ([]*Entry, error) {
	rows, err := l.conn.QueryContext(ctx,
		selectState+` WHERE state = ? ORDER BY last_attempt_at ASC, conversation_id ASC`, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s sessions: %w", state, err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync state: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Counts returns the number of sessions in each state.
func (l *Ledger) Counts(ctx context.Context) (map[State]int, error) {
	rows, err := l.conn.QueryContext(ctx, `SELECT state, COUNT(*) FROM sync_state GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count sync states: %w", err)
	}
	defer rows.Close()

	counts := map[State]int{
		StateSynced:          0,
		StateFailedRetryable: 0,
		StateFailedFatal:     0,
	}
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[State(state)] = n
	}
	return counts, rows.Err()
}

// Attempts returns the most recent attempts for a session, newest first.
// A limit <= 0 returns all of them.
func (l *Ledger) Attempts(ctx context.Context, id string, limit int) ([]AttemptRecord, error) {
	query := `
	SELECT id, conversation_id, content_hash, state, COALESCE(error, ''), duration_ms, attempted_at
	FROM sync_attempts
	WHERE conversation_id = ?
	ORDER BY attempted_at DESC, rowid DESC
	`
	args := []any{id}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := l.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for %s: %w", id, err)
	}
	defer rows.Close()

	var out []AttemptRecord
	for rows.Next() {
		var (
			r         AttemptRecord
			state, at string
			ms        int64
		)
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.ContentHash, &state, &r.Error, &ms, &at); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		r.State = State(state)
		r.Duration = time.Duration(ms) * time.Millisecond
		r.At, _ = time.Parse(timeFormat, at)
		out = append(out, r)
	}
	return out, rows.Err()
}

const selectState = `
	SELECT conversation_id, content_hash, COALESCE(source_path, ''), state,
	       COALESCE(last_error, ''), attempts, last_attempt_at, last_synced_at
	FROM sync_state`

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (*Entry, error) {
	var (
		e        Entry
		state    string
		attempt  string
		syncedAt sql.NullString
	)
	if err := s.Scan(&e.ConversationID, &e.ContentHash, &e.SourcePath, &state,
		&e.LastError, &e.Attempts, &attempt, &syncedAt); err != nil {
		return nil, err
	}
	e.State = State(state)
	e.LastAttemptAt, _ = time.Parse(timeFormat, attempt)
	if syncedAt.Valid {
		if t, err := time.Parse(timeFormat, syncedAt.String); err == nil {
			e.LastSyncedAt = &t
		}
	}
	return &e, nil
}
