// Package ledger persists content-free turn accounting. Each turn gets one
// row holding identifiers, statuses, token totals, and timings; transcript
// text never lands here. The Recorder keeps the table current by following
// the run-event bus.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cardev/car/internal/common/config"
	"github.com/cardev/car/internal/db"
	"github.com/cardev/car/internal/streams"
)

// Row statuses. Rows open as running and close exactly once.
const (
	// StatusRunning marks a row whose turn has started and not yet ended.
	StatusRunning = "running"

	// StatusCompleted marks a turn that reached its successful terminal.
	StatusCompleted = "completed"

	// StatusFailed marks a turn that reached its failure terminal.
	StatusFailed = "failed"

	// StatusSuperseded marks a row closed because a new turn started on the
	// same session key before this one reported a terminal.
	StatusSuperseded = "superseded"
)

// Turn is one accounting row.
type Turn struct {
	ID         string `json:"id" db:"id"`
	TurnID     string `json:"turn_id" db:"turn_id"`
	ThreadID   string `json:"thread_id" db:"thread_id"`
	SessionKey string `json:"session_key" db:"session_key"`
	AgentID    string `json:"agent_id" db:"agent_id"`
	Flavor     string `json:"flavor" db:"flavor"`
	Model      string `json:"model" db:"model"`
	Resumed    bool   `json:"resumed" db:"resumed"`

	// Status is the row lifecycle state; TurnStatus is the raw terminal
	// status the backend reported ("success", "interrupted", ...).
	Status     string `json:"status" db:"status"`
	TurnStatus string `json:"turn_status" db:"turn_status"`
	ErrorKind  string `json:"error_kind" db:"error_kind"`

	InputTokens           int64 `json:"input_tokens" db:"input_tokens"`
	CachedInputTokens     int64 `json:"cached_input_tokens" db:"cached_input_tokens"`
	OutputTokens          int64 `json:"output_tokens" db:"output_tokens"`
	ReasoningOutputTokens int64 `json:"reasoning_output_tokens" db:"reasoning_output_tokens"`
	TotalTokens           int64 `json:"total_tokens" db:"total_tokens"`

	StartedAt   time.Time  `json:"started_at" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// Duration returns the turn's wall time, zero while the row is still open.
func (t *Turn) Duration() time.Duration {
	if t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

// TurnFinish carries the terminal fields applied when a row closes.
type TurnFinish struct {
	Status     string // row status: completed, failed, superseded
	TurnStatus string // raw backend terminal status, when reported
	ErrorKind  string // failure classification, when failed
	ThreadID   string // refreshes the row's thread when non-empty
}

// Summary aggregates the table for the doctor API.
type Summary struct {
	Turns       int64            `json:"turns"`
	ByStatus    map[string]int64 `json:"by_status"`
	TotalTokens int64            `json:"total_tokens"`
}

// Store provides turn-ledger persistence over SQLite or PostgreSQL.
type Store struct {
	db   *sqlx.DB // writer
	ro   *sqlx.DB // reader
	pool *db.Pool // set when the store owns the connections
}

// NewStore creates a ledger store on existing connections (shared ownership)
// and initializes the schema.
func NewStore(writer, reader *sqlx.DB) (*Store, error) {
	s := &Store{db: writer, ro: reader}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("ledger schema init: %w", err)
	}
	return s, nil
}

// Open opens the configured ledger database and initializes the schema. The
// sqlite driver uses a single-writer WAL setup with a read-only pool beside
// it; postgres uses one pgx pool for both sides. The returned store owns the
// connections.
func Open(cfg config.LedgerConfig, stateRoot string) (*Store, error) {
	var writer, reader *sqlx.DB

	switch cfg.Driver {
	case "postgres":
		conn, err := db.OpenPostgres(cfg.DSN(), cfg.MaxConns, 0)
		if err != nil {
			return nil, err
		}
		writer = sqlx.NewDb(conn, db.DriverPostgres)
		reader = writer
	default:
		path := cfg.SQLitePath(stateRoot)
		wconn, err := db.OpenSQLite(path)
		if err != nil {
			return nil, err
		}
		rconn, err := db.OpenSQLiteReader(path)
		if err != nil {
			_ = wconn.Close()
			return nil, err
		}
		writer = sqlx.NewDb(wconn, db.DriverSQLite)
		reader = sqlx.NewDb(rconn, db.DriverSQLite)
	}

	pool := db.NewPool(writer, reader)
	s, err := NewStore(writer, reader)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// Close closes the database connections when the store owns them.
func (s *Store) Close() error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Close()
}

// createTablesSQL holds the turns DDL. Types are restricted to what SQLite
// and PostgreSQL both accept so one schema serves both drivers.
const createTablesSQL = `
	CREATE TABLE IF NOT EXISTS turns (
		id TEXT PRIMARY KEY,
		turn_id TEXT NOT NULL DEFAULT '',
		thread_id TEXT NOT NULL DEFAULT '',
		session_key TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		flavor TEXT NOT NULL DEFAULT '',
		model TEXT NOT NULL DEFAULT '',
		resumed BOOLEAN NOT NULL DEFAULT FALSE,
		status TEXT NOT NULL DEFAULT 'running',
		turn_status TEXT NOT NULL DEFAULT '',
		error_kind TEXT NOT NULL DEFAULT '',
		input_tokens BIGINT NOT NULL DEFAULT 0,
		cached_input_tokens BIGINT NOT NULL DEFAULT 0,
		output_tokens BIGINT NOT NULL DEFAULT 0,
		reasoning_output_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens BIGINT NOT NULL DEFAULT 0,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_turns_session_key ON turns(session_key);
	CREATE INDEX IF NOT EXISTS idx_turns_thread_id ON turns(thread_id);
	CREATE INDEX IF NOT EXISTS idx_turns_started_at ON turns(started_at);
	CREATE INDEX IF NOT EXISTS idx_turns_status ON turns(status);
`

func (s *Store) initSchema() error {
	_, err := s.db.Exec(createTablesSQL)
	return err
}

// StartTurn inserts the accounting row for a turn that has begun. A missing
// id, status, or start time is filled in.
func (s *Store) StartTurn(ctx context.Context, t *Turn) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = StatusRunning
	}
	if t.StartedAt.IsZero() {
		t.StartedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO turns (id, turn_id, thread_id, session_key, agent_id, flavor, model, resumed, status, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.TurnID, t.ThreadID, t.SessionKey, t.AgentID, t.Flavor, t.Model, t.Resumed, t.Status, t.StartedAt)
	return err
}

// AttachTurnID records the backend's turn id once it becomes known. The
// first attached id wins; later calls are no-ops.
func (s *Store) AttachTurnID(ctx context.Context, id, turnID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE turns SET turn_id = ? WHERE id = ? AND turn_id = ''`), turnID, id)
	return err
}

// RecordUsage overwrites the row's token totals with the latest cumulative
// accounting.
func (s *Store) RecordUsage(ctx context.Context, id string, usage *streams.TokenTotals) error {
	if usage == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE turns SET input_tokens = ?, cached_input_tokens = ?, output_tokens = ?, reasoning_output_tokens = ?, total_tokens = ?
		WHERE id = ?`),
		usage.InputTokens, usage.CachedInputTokens, usage.OutputTokens, usage.ReasoningOutputTokens, usage.TotalTokens, id)
	return err
}

// FinishTurn closes the row. Recovery can move a turn onto a fresh thread,
// so a non-empty ThreadID in fin refreshes the stored thread id.
func (s *Store) FinishTurn(ctx context.Context, id string, fin TurnFinish) error {
	completedAt := time.Now().UTC()
	if fin.ThreadID != "" {
		_, err := s.db.ExecContext(ctx, s.db.Rebind(`
			UPDATE turns SET status = ?, turn_status = ?, error_kind = ?, completed_at = ?, thread_id = ?
			WHERE id = ?`),
			fin.Status, fin.TurnStatus, fin.ErrorKind, completedAt, fin.ThreadID, id)
		return err
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		UPDATE turns SET status = ?, turn_status = ?, error_kind = ?, completed_at = ?
		WHERE id = ?`),
		fin.Status, fin.TurnStatus, fin.ErrorKind, completedAt, id)
	return err
}

// GetTurn returns one row by id, nil when absent.
func (s *Store) GetTurn(ctx context.Context, id string) (*Turn, error) {
	var t Turn
	err := s.ro.GetContext(ctx, &t, s.ro.Rebind(`SELECT * FROM turns WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// RecentTurns returns the newest rows first. A non-positive limit defaults
// to 50.
func (s *Store) RecentTurns(ctx context.Context, limit int) ([]*Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	var turns []*Turn
	err := s.ro.SelectContext(ctx, &turns, s.ro.Rebind(`
		SELECT * FROM turns ORDER BY started_at DESC, id LIMIT ?`), limit)
	return turns, err
}

// TurnsForSession returns the newest rows for one session key.
func (s *Store) TurnsForSession(ctx context.Context, sessionKey string, limit int) ([]*Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	var turns []*Turn
	err := s.ro.SelectContext(ctx, &turns, s.ro.Rebind(`
		SELECT * FROM turns WHERE session_key = ? ORDER BY started_at DESC, id LIMIT ?`),
		sessionKey, limit)
	return turns, err
}

// Summary aggregates row counts by status and the token grand total.
func (s *Store) Summary(ctx context.Context) (*Summary, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	if err := s.ro.SelectContext(ctx, &rows,
		`SELECT status, COUNT(1) AS n FROM turns GROUP BY status`); err != nil {
		return nil, err
	}

	sum := &Summary{ByStatus: make(map[string]int64, len(rows))}
	for _, row := range rows {
		sum.ByStatus[row.Status] = row.N
		sum.Turns += row.N
	}

	if err := s.ro.GetContext(ctx, &sum.TotalTokens,
		`SELECT COALESCE(SUM(total_tokens), 0) FROM turns`); err != nil {
		return nil, err
	}
	return sum, nil
}
