// Package stores persists the environment cache index and run bookkeeping
// in SQLite with embedded schema migrations.
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

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore backs the environment cache index and run log with SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	return &SQLiteStore{
		path: cfg.Path,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetEnvironment retrieves a cached environment by its canonical key and
// bumps its last-used timestamp.
func (s *SQLiteStore) GetEnvironment(ctx context.Context, key string) (*EnvironmentRecord, error) {
	query := `
		SELECT key, platform, language_version, month_bucket, spec_hash, epoch,
		       handle, created_at, last_used_at
		FROM environments
		WHERE key = ?
	`

	record := &EnvironmentRecord{}
	err := s.db.QueryRowContext(ctx, query, key).Scan(
		&record.Key,
		&record.Platform,
		&record.LanguageVersion,
		&record.MonthBucket,
		&record.SpecHash,
		&record.Epoch,
		&record.Handle,
		&record.CreatedAt,
		&record.LastUsedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get environment: %w", err)
	}

	touch := `UPDATE environments SET last_used_at = ? WHERE key = ?`
	if _, err := s.db.ExecContext(ctx, touch, time.Now(), key); err != nil {
		return nil, fmt.Errorf("failed to touch environment: %w", err)
	}

	return record, nil
}

// PutEnvironment stores a cached environment. Concurrent cells populating
// the same key resolve last-write-wins.
func (s *SQLiteStore) PutEnvironment(ctx context.Context, record *EnvironmentRecord) error {
	query := `
		INSERT INTO environments (
			key, platform, language_version, month_bucket, spec_hash, epoch,
			handle, created_at, last_used_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			handle = excluded.handle,
			last_used_at = excluded.last_used_at
	`

	now := time.Now()
	_, err := s.db.ExecContext(ctx, query,
		record.Key,
		record.Platform,
		record.LanguageVersion,
		record.MonthBucket,
		record.SpecHash,
		record.Epoch,
		record.Handle,
		now,
		now,
	)

	if err != nil {
		return fmt.Errorf("failed to put environment: %w", err)
	}

	return nil
}

// ListEnvironments lists cached environments, newest first.
func (s *SQLiteStore) ListEnvironments(ctx context.Context, limit, offset int) ([]*EnvironmentRecord, error) {
	query := `
		SELECT key, platform, language_version, month_bucket, spec_hash, epoch,
		       handle, created_at, last_used_at
		FROM environments
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %w", err)
	}
	defer rows.Close()

	records := []*EnvironmentRecord{}
	for rows.Next() {
		record := &EnvironmentRecord{}
		err := rows.Scan(
			&record.Key,
			&record.Platform,
			&record.LanguageVersion,
			&record.MonthBucket,
			&record.SpecHash,
			&record.Epoch,
			&record.Handle,
			&record.CreatedAt,
			&record.LastUsedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan environment: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating environments: %w", err)
	}

	return records, nil
}

// PruneEnvironments removes cache entries from month buckets strictly older
// than the given bucket, or from epochs older than the given epoch. Returns
// the number of entries removed.
func (s *SQLiteStore) PruneEnvironments(ctx context.Context, beforeBucket string, beforeEpoch int) (int64, error) {
	query := `DELETE FROM environments WHERE month_bucket < ? OR epoch < ?`

	result, err := s.db.ExecContext(ctx, query, beforeBucket, beforeEpoch)
	if err != nil {
		return 0, fmt.Errorf("failed to prune environments: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// CreateRun creates a new run record
func (s *SQLiteStore) CreateRun(ctx context.Context, run *RunRecord) error {
	query := `
		INSERT INTO runs (id, status, started_at, completed_at, error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Status,
		run.StartedAt,
		run.CompletedAt,
		run.Error,
		run.CreatedAt,
		run.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	query := `
		SELECT id, status, started_at, completed_at, error, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run := &RunRecord{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&run.ID,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Error,
		&run.CreatedAt,
		&run.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// UpdateRunStatus updates the status of a run
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id string, status string, errMsg *string) error {
	query := `
		UPDATE runs
		SET status = ?, error = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`

	now := time.Now()
	var completedAt *time.Time
	switch status {
	case "succeeded", "partial", "failed":
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query, status, errMsg, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListRuns lists runs with pagination
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, status, started_at, completed_at, error, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.Status,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Error,
			&run.CreatedAt,
			&run.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// CreateCell creates a new cell record
func (s *SQLiteStore) CreateCell(ctx context.Context, cell *CellRecord) error {
	query := `
		INSERT INTO cells (
			run_id, cell_id, platform, language_version, state, error,
			started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		cell.RunID,
		cell.CellID,
		cell.Platform,
		cell.LanguageVersion,
		cell.State,
		cell.Error,
		cell.StartedAt,
		cell.CompletedAt,
		cell.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create cell: %w", err)
	}

	return nil
}

// UpdateCellState updates the state of a cell within a run.
func (s *SQLiteStore) UpdateCellState(ctx context.Context, runID, cellID, state string, errMsg *string) error {
	query := `
		UPDATE cells
		SET state = ?, error = ?, updated_at = ?,
			completed_at = CASE WHEN ? IN ('done', 'failed') THEN CURRENT_TIMESTAMP ELSE completed_at END
		WHERE run_id = ? AND cell_id = ?
	`

	result, err := s.db.ExecContext(ctx, query, state, errMsg, time.Now(), state, runID, cellID)
	if err != nil {
		return fmt.Errorf("failed to update cell state: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListCellsByRun lists all cells for a run
func (s *SQLiteStore) ListCellsByRun(ctx context.Context, runID string) ([]*CellRecord, error) {
	query := `
		SELECT run_id, cell_id, platform, language_version, state, error,
		       started_at, completed_at, updated_at
		FROM cells
		WHERE run_id = ?
		ORDER BY cell_id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list cells: %w", err)
	}
	defer rows.Close()

	cells := []*CellRecord{}
	for rows.Next() {
		cell := &CellRecord{}
		err := rows.Scan(
			&cell.RunID,
			&cell.CellID,
			&cell.Platform,
			&cell.LanguageVersion,
			&cell.State,
			&cell.Error,
			&cell.StartedAt,
			&cell.CompletedAt,
			&cell.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan cell: %w", err)
		}
		cells = append(cells, cell)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating cells: %w", err)
	}

	return cells, nil
}

// AppendEvent appends one event to the run timeline
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *EventRecord) error {
	query := `
		INSERT INTO events (id, run_id, cell, type, state, message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.RunID,
		event.Cell,
		event.Type,
		event.State,
		event.Message,
		event.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}

	return nil
}

// ListEventsByRun lists events for a run in timeline order
func (s *SQLiteStore) ListEventsByRun(ctx context.Context, runID string) ([]*EventRecord, error) {
	query := `
		SELECT id, run_id, cell, type, state, message, timestamp
		FROM events
		WHERE run_id = ?
		ORDER BY timestamp ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*EventRecord{}
	for rows.Next() {
		event := &EventRecord{}
		err := rows.Scan(
			&event.ID,
			&event.RunID,
			&event.Cell,
			&event.Type,
			&event.State,
			&event.Message,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}
