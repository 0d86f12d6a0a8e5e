// Package history records executions and their attempts in SQLite.
//
// A Store implements agentexec.Observer; install it on an engine with
// cli.WithObserver and every Execute call is written as it progresses.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/dmora/agentexec"
	"github.com/dmora/agentexec/internal/errfmt"
)

// maxPromptLen caps stored prompts.
const maxPromptLen = 1024

// Execution status values.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by Get for an unknown execution ID.
var ErrNotFound = errors.New("history: execution not found")

// Execution is one recorded Execute call.
type Execution struct {
	ID           string
	Prompt       string
	Status       string
	ErrorClass   string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time // zero while running
	AttemptCount int
	Attempts     []Attempt // populated by Get only
}

// Attempt is one recorded spawn-to-exit cycle.
type Attempt struct {
	Number       int
	PID          int
	Binary       string
	State        agentexec.ProcessState
	ErrorClass   string
	ErrorMessage string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Duration returns how long the execution ran, 0 while running.
func (e Execution) Duration() time.Duration {
	if e.FinishedAt.IsZero() {
		return 0
	}
	return e.FinishedAt.Sub(e.StartedAt)
}

// Store is a SQLite-backed execution history.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	mu      sync.Mutex
	lastErr error
}

var _ agentexec.Observer = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger that receives write failures.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens or creates the database at path and applies the schema.
// Use ":memory:" for a private in-memory store.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:"
	// databases alive across calls.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Err returns the most recent write failure seen by the observer methods.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS executions (
		id TEXT PRIMARY KEY,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL,
		error_class TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS attempts (
		execution_id TEXT NOT NULL REFERENCES executions(id),
		number INTEGER NOT NULL,
		pid INTEGER NOT NULL DEFAULT 0,
		binary TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT '',
		error_class TEXT NOT NULL DEFAULT '',
		error_message TEXT NOT NULL DEFAULT '',
		started_at INTEGER NOT NULL,
		finished_at INTEGER,
		UNIQUE(execution_id, number)
	);

	CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
	CREATE INDEX IF NOT EXISTS idx_attempts_execution ON attempts(execution_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// record runs one write and remembers its failure. Observer calls cannot
// return errors, and the caller's context may already be canceled when a
// canceled execution finishes.
func (s *Store) record(ctx context.Context, op, query string, args ...any) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		err = fmt.Errorf("history: %s: %w", op, err)
		s.log.Warn().Err(err).Msg("history write failed")
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
}

func (s *Store) ExecutionStarted(ctx context.Context, id, prompt string) {
	s.record(ctx, "insert execution",
		`INSERT INTO executions (id, prompt, status, started_at) VALUES (?, ?, ?, ?)`,
		id, errfmt.TruncateTo(prompt, maxPromptLen), StatusRunning, time.Now().UnixMilli(),
	)
}

func (s *Store) AttemptStarted(ctx context.Context, a agentexec.Attempt) {
	s.record(ctx, "insert attempt",
		`INSERT INTO attempts (execution_id, number, binary, state, started_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, number) DO NOTHING`,
		a.ExecutionID, a.Number, a.Binary, string(agentexec.StateRunning), unixMilli(a.StartedAt),
	)
}

func (s *Store) AttemptFinished(ctx context.Context, a agentexec.Attempt) {
	class, msg := errorColumns(a.Err)
	s.record(ctx, "update attempt",
		`UPDATE attempts SET pid = ?, state = ?, error_class = ?, error_message = ?, finished_at = ?
		 WHERE execution_id = ? AND number = ?`,
		a.PID, string(a.State), class, msg, unixMilli(a.FinishedAt), a.ExecutionID, a.Number,
	)
}

// Retrying is a no-op: the failed attempt was already recorded by
// AttemptFinished.
func (s *Store) Retrying(context.Context, agentexec.Attempt, time.Duration) {}

// CircuitRejected is a no-op: the rejection is recorded as the
// execution's circuit_open outcome.
func (s *Store) CircuitRejected(context.Context, string) {}

func (s *Store) ExecutionFinished(ctx context.Context, id string, err error) {
	status := StatusSucceeded
	if err != nil {
		status = StatusFailed
	}
	class, msg := errorColumns(err)
	s.record(ctx, "update execution",
		`UPDATE executions SET status = ?, error_class = ?, error_message = ?, finished_at = ? WHERE id = ?`,
		status, class, msg, time.Now().UnixMilli(), id,
	)
}

// List returns the most recent executions, newest first, without their
// attempts.
func (s *Store) List(ctx context.Context, limit int) ([]Execution, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.prompt, e.status, e.error_class, e.error_message, e.started_at, e.finished_at,
		        (SELECT COUNT(*) FROM attempts a WHERE a.execution_id = e.id)
		 FROM executions e ORDER BY e.started_at DESC, e.rowid DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: list: %w", err)
	}
	defer rows.Close()

	var out []Execution
	for rows.Next() {
		x, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("history: list: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// Get returns one execution with its attempts in order.
func (s *Store) Get(ctx context.Context, id string) (Execution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT e.id, e.prompt, e.status, e.error_class, e.error_message, e.started_at, e.finished_at,
		        (SELECT COUNT(*) FROM attempts a WHERE a.execution_id = e.id)
		 FROM executions e WHERE e.id = ?`, id,
	)
	x, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Execution{}, ErrNotFound
	}
	if err != nil {
		return Execution{}, fmt.Errorf("history: get %s: %w", id, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT number, pid, binary, state, error_class, error_message, started_at, finished_at
		 FROM attempts WHERE execution_id = ? ORDER BY number`, id,
	)
	if err != nil {
		return Execution{}, fmt.Errorf("history: get %s attempts: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			a        Attempt
			state    string
			started  int64
			finished sql.NullInt64
		)
		if err := rows.Scan(&a.Number, &a.PID, &a.Binary, &state, &a.ErrorClass, &a.ErrorMessage, &started, &finished); err != nil {
			return Execution{}, fmt.Errorf("history: get %s attempts: %w", id, err)
		}
		a.State = agentexec.ProcessState(state)
		a.StartedAt = fromMilli(started)
		if finished.Valid {
			a.FinishedAt = fromMilli(finished.Int64)
		}
		x.Attempts = append(x.Attempts, a)
	}
	return x, rows.Err()
}

// Prune deletes executions started before cutoff and returns how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after Commit

	ms := cutoff.UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM attempts WHERE execution_id IN (SELECT id FROM executions WHERE started_at < ?)`, ms,
	); err != nil {
		return 0, fmt.Errorf("history: prune attempts: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE started_at < ?`, ms)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return n, tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(row scanner) (Execution, error) {
	var (
		x        Execution
		started  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&x.ID, &x.Prompt, &x.Status, &x.ErrorClass, &x.ErrorMessage, &started, &finished, &x.AttemptCount); err != nil {
		return Execution{}, err
	}
	x.StartedAt = fromMilli(started)
	if finished.Valid {
		x.FinishedAt = fromMilli(finished.Int64)
	}
	return x, nil
}

func errorColumns(err error) (class, msg string) {
	if err == nil {
		return "", ""
	}
	return string(agentexec.ClassOf(err)), errfmt.Truncate(err.Error())
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return time.Now().UnixMilli()
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	return time.UnixMilli(ms)
}
