package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"stageflow/pkg/logx"
	"stageflow/pkg/proto"
	"stageflow/pkg/workflow"
)

// Run statuses stored in the runs table.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// RunRecord is one row of the runs table.
type RunRecord struct {
	RunID      string            `json:"run_id"`
	SessionID  string            `json:"session_id"`
	Request    string            `json:"request"`
	Mode       string            `json:"mode,omitempty"`
	Status     string            `json:"status"`
	StartedAt  time.Time         `json:"started_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Cancelled  bool              `json:"cancelled"`
	Tier       string            `json:"tier,omitempty"`
	Summary    *workflow.Summary `json:"summary,omitempty"`
}

// Store is a SQLite-backed run and transition log.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the database at path and brings its
// schema up to date.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		path,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := logx.NewLogger("persistence")
	logger.Info("Database initialized: %s", path)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// StartRun inserts a run in the running status.
func (s *Store) StartRun(ctx context.Context, run *workflow.Context) error {
	started := run.StartedAt()
	if started.IsZero() {
		started = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, session_id, request, status, started_at)
		VALUES (?, ?, ?, ?, ?)`,
		run.RunID(), run.SessionID(), run.Request(), RunStatusRunning, started.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %w", run.RunID(), err)
	}
	return nil
}

// FinishRun records the outcome of a run.
func (s *Store) FinishRun(ctx context.Context, run *workflow.Context, status string, summary *workflow.Summary) error {
	var summaryJSON sql.NullString
	var tier sql.NullString
	if summary != nil {
		data, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to serialize summary: %w", err)
		}
		summaryJSON = sql.NullString{String: string(data), Valid: true}
		tier = sql.NullString{String: string(summary.Tier), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE runs
		SET mode = ?, status = ?, finished_at = ?, summary_json = ?, cancelled = ?, tier = ?
		WHERE run_id = ?`,
		string(run.Mode()), status, time.Now().UTC(), summaryJSON, run.Cancelled(), tier, run.RunID())
	if err != nil {
		return fmt.Errorf("failed to update run %s: %w", run.RunID(), err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.RunID())
	}
	return nil
}

// AppendTransition appends one record to the persisted transition log.
func (s *Store) AppendTransition(ctx context.Context, rec workflow.TransitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transitions (run_id, seq, from_state, to_state, item_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.RunID, rec.Seq, string(rec.From), string(rec.To), nullable(rec.ItemID), rec.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to append transition for run %s: %w", rec.RunID, err)
	}
	return nil
}

// ListTransitions returns a run's transitions in sequence order.
func (s *Store) ListTransitions(ctx context.Context, runID string) ([]workflow.TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, from_state, to_state, item_id, created_at
		FROM transitions WHERE run_id = ? ORDER BY seq, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query transitions: %w", err)
	}
	defer rows.Close()

	var out []workflow.TransitionRecord
	for rows.Next() {
		var (
			rec    workflow.TransitionRecord
			from   string
			to     string
			itemID sql.NullString
		)
		if err := rows.Scan(&rec.Seq, &from, &to, &itemID, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.RunID = runID
		rec.From = proto.State(from)
		rec.To = proto.State(to)
		rec.ItemID = itemID.String
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate transitions: %w", err)
	}
	return out, nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, runSelect+` WHERE run_id = ?`, runID)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rec, err
}

// ListRuns returns the most recent runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, runSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	return out, nil
}

const runSelect = `SELECT run_id, session_id, request, mode, status, started_at, finished_at, summary_json, cancelled, tier FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		rec      RunRecord
		mode     sql.NullString
		finished sql.NullTime
		summary  sql.NullString
		tier     sql.NullString
	)
	if err := row.Scan(&rec.RunID, &rec.SessionID, &rec.Request, &mode, &rec.Status,
		&rec.StartedAt, &finished, &summary, &rec.Cancelled, &tier); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err //nolint:wrapcheck // sentinel checked by caller
		}
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	rec.Mode = mode.String
	rec.Tier = tier.String
	if finished.Valid {
		t := finished.Time
		rec.FinishedAt = &t
	}
	if summary.Valid && summary.String != "" {
		var s workflow.Summary
		if err := json.Unmarshal([]byte(summary.String), &s); err != nil {
			return nil, fmt.Errorf("failed to parse summary for run %s: %w", rec.RunID, err)
		}
		rec.Summary = &s
	}
	return &rec, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
