package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cerebro-sh/cerebro/pkg/models"
)

// PostgresStore is the PostgreSQL Store backend. Event rows hold the full
// event JSON as payload; seq assignment is serialized by a row lock on the
// run header, which also enforces the terminal-run append guard.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle. The schema must already
// be migrated (see pkg/database.Migrate).
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateRun persists a new run header.
func (s *PostgresStore) CreateRun(ctx context.Context, run *models.Run) error {
	optionsJSON, err := marshalOptions(run.Options)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (brain_run_id, brain_name, brain_title, description, run_type, status, options, error, created_at, started_at, completed_at, last_seq)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0)
		 ON CONFLICT (brain_run_id) DO NOTHING`,
		run.BrainRunID, run.BrainName, run.BrainTitle, run.Description, run.Type,
		run.Status, optionsJSON, run.Error, run.CreatedAt, run.StartedAt, run.CompletedAt)
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking run insert: %w", err)
	}
	// ON CONFLICT DO NOTHING swallows duplicates; zero rows means the id is taken.
	if n == 0 {
		return ErrRunExists
	}
	return nil
}

// GetRun returns the run header.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT brain_run_id, brain_name, brain_title, description, run_type, status, options, error, created_at, started_at, completed_at, last_seq
		 FROM runs WHERE brain_run_id = $1`, runID)
	return scanRun(row)
}

// UpdateRunStatus transitions the header status.
func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status models.RunStatus, errMsg string, startedAt, completedAt *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $2,
		        error = CASE WHEN $3 <> '' THEN $3 ELSE error END,
		        started_at = COALESCE($4, started_at),
		        completed_at = COALESCE($5, completed_at)
		 WHERE brain_run_id = $1`,
		runID, status, errMsg, startedAt, completedAt)
	if err != nil {
		return fmt.Errorf("updating run status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking run status update: %w", err)
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// ListRuns returns headers matching the filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter ListFilter) ([]*models.Run, error) {
	query := `SELECT brain_run_id, brain_name, brain_title, description, run_type, status, options, error, created_at, started_at, completed_at, last_seq
	          FROM runs WHERE 1=1`
	args := []any{}
	if filter.BrainName != "" {
		args = append(args, filter.BrainName)
		query += fmt.Sprintf(" AND brain_name = $%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*models.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// Log returns the event log for a run.
func (s *PostgresStore) Log(runID string) Log {
	return &postgresLog{db: s.db, runID: runID}
}

// Close closes the underlying database handle.
func (s *PostgresStore) Close() error { return s.db.Close() }

// postgresLog appends into run_events under a row lock on the run header.
type postgresLog struct {
	db    *sql.DB
	runID string
}

func (l *postgresLog) Append(ctx context.Context, ev *models.Event) (int64, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning append transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var lastSeq int64
	err = tx.QueryRowContext(ctx,
		`SELECT status, last_seq FROM runs WHERE brain_run_id = $1 FOR UPDATE`, l.runID).
		Scan(&status, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRunNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("locking run header: %w", err)
	}
	// ERROR still accepts the trailing STEP_STATUS snapshot.
	if st := models.RunStatus(status); st.IsTerminal() &&
		!(st == models.RunStatusError && ev.Type == models.EventStepStatus) {
		return 0, ErrRunTerminal
	}

	seq := lastSeq + 1
	ev.RunID = l.runID
	ev.Seq = seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return 0, fmt.Errorf("marshaling event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, seq, event_type, payload, created_at) VALUES ($1, $2, $3, $4, $5)`,
		l.runID, seq, ev.Type, payload, ev.Timestamp)
	if err != nil {
		return 0, fmt.Errorf("inserting event: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs SET last_seq = $2 WHERE brain_run_id = $1`, l.runID, seq)
	if err != nil {
		return 0, fmt.Errorf("advancing last_seq: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing append: %w", err)
	}
	return seq, nil
}

func (l *postgresLog) Scan(ctx context.Context, fromSeq int64) ([]models.Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT payload FROM run_events WHERE run_id = $1 AND seq > $2 ORDER BY seq`,
		l.runID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("scanning events: %w", err)
	}
	defer rows.Close()

	var out []models.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		var ev models.Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			return nil, fmt.Errorf("unmarshaling event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (l *postgresLog) LastSeq(ctx context.Context) (int64, error) {
	var lastSeq int64
	err := l.db.QueryRowContext(ctx,
		`SELECT last_seq FROM runs WHERE brain_run_id = $1`, l.runID).Scan(&lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRunNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("reading last_seq: %w", err)
	}
	return lastSeq, nil
}

func scanRun(row interface{ Scan(...any) error }) (*models.Run, error) {
	var run models.Run
	var optionsJSON []byte
	err := row.Scan(&run.BrainRunID, &run.BrainName, &run.BrainTitle, &run.Description,
		&run.Type, &run.Status, &optionsJSON, &run.Error,
		&run.CreatedAt, &run.StartedAt, &run.CompletedAt, &run.LastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run row: %w", err)
	}
	if len(optionsJSON) > 0 {
		if err := json.Unmarshal(optionsJSON, &run.Options); err != nil {
			return nil, fmt.Errorf("unmarshaling run options: %w", err)
		}
	}
	return &run, nil
}

func marshalOptions(options map[string]any) ([]byte, error) {
	if options == nil {
		return nil, nil
	}
	out, err := json.Marshal(options)
	if err != nil {
		return nil, fmt.Errorf("marshaling run options: %w", err)
	}
	return out, nil
}
