package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Pool defaults applied when the Config leaves them zero.
const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 5 * time.Minute
)

// SQLiteStore is the Store implementation backed by a local SQLite file.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds the SQLite connection settings.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore validates the configuration and returns an unopened
// store. Init establishes the actual connection.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = defaultMaxOpenConns
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = defaultMaxIdleConns
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = defaultConnMaxLifetime
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and verifies it responds.
func (s *SQLiteStore) Init(ctx context.Context) error {
	// The _pragma parameters are applied to every pooled connection.
	// Foreign keys in particular are a per-connection setting.
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close releases the connection pool.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate brings the schema up to the latest embedded migration. Running
// against an up-to-date database is a no-op.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("wrap database for migration: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("build migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}

	return nil
}

// BeginTx opens a serializable transaction.
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// CommitTx commits a transaction opened with BeginTx.
func (s *SQLiteStore) CommitTx(tx *sql.Tx) error {
	return tx.Commit()
}

// RollbackTx abandons a transaction opened with BeginTx.
func (s *SQLiteStore) RollbackTx(tx *sql.Tx) error {
	return tx.Rollback()
}

// Column lists and scan helpers, one set per table, so SELECTs and their
// scans cannot drift apart.

const runColumns = `id, playbook, playbook_path, status, started_at, finished_at, error, variables,
		halted, rollback_performed, total_steps, succeeded_steps, failed_steps,
		retried_steps, skipped_steps, created_at, updated_at`

func scanRun(row interface{ Scan(...interface{}) error }) (*RunRecord, error) {
	run := &RunRecord{}
	err := row.Scan(
		&run.ID,
		&run.Playbook,
		&run.PlaybookPath,
		&run.Status,
		&run.StartedAt,
		&run.FinishedAt,
		&run.Error,
		&run.Variables,
		&run.Halted,
		&run.RollbackPerformed,
		&run.TotalSteps,
		&run.SucceededSteps,
		&run.FailedSteps,
		&run.RetriedSteps,
		&run.SkippedSteps,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	return run, err
}

const stepColumns = `id, run_id, step_target, stage, attempt_number, succeeded,
		output, data, error, error_code, started_at, finished_at, created_at`

func scanStep(row interface{ Scan(...interface{}) error }) (*StepRecord, error) {
	rec := &StepRecord{}
	err := row.Scan(
		&rec.ID,
		&rec.RunID,
		&rec.StepTarget,
		&rec.Stage,
		&rec.AttemptNumber,
		&rec.Succeeded,
		&rec.Output,
		&rec.Data,
		&rec.Error,
		&rec.ErrorCode,
		&rec.StartedAt,
		&rec.FinishedAt,
		&rec.CreatedAt,
	)
	return rec, err
}

const eventColumns = `id, run_id, step_target, type, message, details, timestamp`

func scanEvent(row interface{ Scan(...interface{}) error }) (*EventRecord, error) {
	ev := &EventRecord{}
	err := row.Scan(
		&ev.ID,
		&ev.RunID,
		&ev.StepTarget,
		&ev.Type,
		&ev.Message,
		&ev.Details,
		&ev.Timestamp,
	)
	return ev, err
}

// CreateRun inserts a new run row.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Playbook,
		run.PlaybookPath,
		run.Status,
		run.StartedAt,
		run.FinishedAt,
		run.Error,
		run.Variables,
		run.Halted,
		run.RollbackPerformed,
		run.TotalSteps,
		run.SucceededSteps,
		run.FailedSteps,
		run.RetriedSteps,
		run.SkippedSteps,
		run.CreatedAt,
		run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	return nil
}

// GetRun fetches one run by ID, ErrNotFound when absent.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE id = ?`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus moves a run to a new status, optionally recording an
// error message.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status RunStatus, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	result, err := s.db.ExecContext(ctx, query, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}

	return requireRowChanged(result, id)
}

// FinishRun writes the terminal state of a run: final status, counters,
// and the finish timestamp.
func (s *SQLiteStore) FinishRun(ctx context.Context, id string, completion RunCompletion) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, finished_at = ?,
			halted = ?, rollback_performed = ?,
			total_steps = ?, succeeded_steps = ?, failed_steps = ?,
			retried_steps = ?, skipped_steps = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`

	now := time.Now()
	result, err := s.db.ExecContext(ctx, query,
		completion.Status,
		completion.Error,
		&now,
		completion.Halted,
		completion.RollbackPerformed,
		completion.TotalSteps,
		completion.SucceededSteps,
		completion.FailedSteps,
		completion.RetriedSteps,
		completion.SkippedSteps,
		id,
	)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}

	return requireRowChanged(result, id)
}

// requireRowChanged turns a zero-row UPDATE or DELETE into ErrNotFound.
func requireRowChanged(result sql.Result, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

// ListRuns returns runs matching the filter, newest first. An empty
// filter field matches everything.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT ` + runColumns + `
		FROM runs
		WHERE (? = '' OR playbook = ?)
		  AND (? = '' OR status = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.Playbook, filter.Playbook,
		string(filter.Status), string(filter.Status),
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, nil
}

// DeleteRun removes a run; step results and events go with it via the
// schema's ON DELETE CASCADE.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}

	return requireRowChanged(result, id)
}

// PruneRuns deletes finished runs that started before the cutoff and
// returns how many were removed. Pending and running runs are kept.
func (s *SQLiteStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM runs
		WHERE started_at < ?
		  AND status IN ('succeeded', 'failed', 'cancelled')
	`

	result, err := s.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("prune runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected: %w", err)
	}

	return rows, nil
}

// SaveStepResult inserts one step attempt row and backfills the
// generated ID into the record.
func (s *SQLiteStore) SaveStepResult(ctx context.Context, record *StepRecord) error {
	query := `
		INSERT INTO step_results (
			run_id, step_target, stage, attempt_number, succeeded,
			output, data, error, error_code, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		record.RunID,
		record.StepTarget,
		record.Stage,
		record.AttemptNumber,
		record.Succeeded,
		record.Output,
		record.Data,
		record.Error,
		record.ErrorCode,
		record.StartedAt,
		record.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert step result: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read step result id: %w", err)
	}

	record.ID = id
	return nil
}

// ListStepResults returns a run's step results in insertion order.
func (s *SQLiteStore) ListStepResults(ctx context.Context, runID string) ([]*StepRecord, error) {
	query := `
		SELECT ` + stepColumns + `
		FROM step_results
		WHERE run_id = ?
		ORDER BY id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list step results: %w", err)
	}
	defer rows.Close()

	records := []*StepRecord{}
	for rows.Next() {
		rec, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate step results: %w", err)
	}

	return records, nil
}

// AppendEvent inserts one event row and backfills the generated ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (run_id, step_target, type, message, details, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		event.RunID,
		event.StepTarget,
		event.Type,
		event.Message,
		event.Details,
		event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("read event id: %w", err)
	}

	event.ID = id
	return nil
}

// ListEvents returns events newest first, optionally restricted to one
// run. A nil runID means all runs.
func (s *SQLiteStore) ListEvents(ctx context.Context, runID *string, limit, offset int) ([]*EventRecord, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		ORDER BY timestamp DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, runID, runID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}
