package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite connection shared by the repositories.
type DB struct {
	db *sql.DB
}

// Open opens (creating if needed) the devflow SQLite database at path and
// runs migrations. The parent directory is created with owner-only
// permissions.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: pragma %q: %w", p, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migration: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *DB) Close() error {
	return s.db.Close()
}

func (s *DB) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS runs (
			id             TEXT PRIMARY KEY,
			feature_id     TEXT NOT NULL,
			thread_id      TEXT NOT NULL,
			status         TEXT NOT NULL,
			pid            INTEGER NOT NULL DEFAULT 0,
			started_at     TEXT NOT NULL,
			last_heartbeat TEXT NOT NULL,
			completed_at   TEXT,
			error          TEXT NOT NULL DEFAULT '',
			gates          TEXT NOT NULL,
			result         TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
		CREATE INDEX IF NOT EXISTS idx_runs_feature ON runs(feature_id);

		CREATE TABLE IF NOT EXISTS features (
			id              TEXT PRIMARY KEY,
			name            TEXT NOT NULL,
			branch          TEXT NOT NULL,
			base_branch     TEXT NOT NULL,
			lifecycle       TEXT NOT NULL,
			spec_dir        TEXT NOT NULL,
			worktree_path   TEXT NOT NULL DEFAULT '',
			pr_url          TEXT NOT NULL DEFAULT '',
			pr_number       INTEGER NOT NULL DEFAULT 0,
			pr_status       TEXT NOT NULL DEFAULT '',
			commit_hash     TEXT NOT NULL DEFAULT '',
			ci_status       TEXT NOT NULL DEFAULT '',
			ci_fix_attempts INTEGER NOT NULL DEFAULT 0,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id  TEXT PRIMARY KEY,
			snapshot   TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Runs returns the SQLite-backed run repository.
func (s *DB) Runs() RunRepository {
	return &sqliteRuns{db: s.db}
}

// Features returns the SQLite-backed feature repository.
func (s *DB) Features() FeatureRepository {
	return &sqliteFeatures{db: s.db}
}

// Conn exposes the raw connection for sibling packages sharing the database
// file (the checkpoint store).
func (s *DB) Conn() *sql.DB {
	return s.db
}

const timeLayout = time.RFC3339Nano

type sqliteRuns struct {
	db *sql.DB
}

func (r *sqliteRuns) Create(ctx context.Context, run *Run) error {
	gates, err := json.Marshal(run.Gates)
	if err != nil {
		return fmt.Errorf("store: marshal gates: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (id, feature_id, thread_id, status, pid, started_at, last_heartbeat, error, gates, result)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FeatureID, run.ThreadID, string(run.Status), run.PID,
		run.StartedAt.UTC().Format(timeLayout), run.LastHeartbeat.UTC().Format(timeLayout),
		run.Error, string(gates), run.Result,
	)
	if err != nil {
		return fmt.Errorf("store: insert run: %w", err)
	}
	return nil
}

func (r *sqliteRuns) Get(ctx context.Context, id string) (*Run, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, feature_id, thread_id, status, pid, started_at, last_heartbeat, completed_at, error, gates, result
		FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// UpdateStatus transitions a run in one guarded statement. Two writers are
// legitimate (the owning worker and the crash sweeper); the status guard in
// the WHERE clause keeps a terminal row immutable even when they interleave.
func (r *sqliteRuns) UpdateStatus(ctx context.Context, id string, status RunStatus, fields RunFields) error {
	var pid, errMsg, result, completedAt interface{}
	if fields.PID != nil {
		pid = *fields.PID
	}
	if fields.Error != nil {
		errMsg = *fields.Error
	}
	if fields.Result != nil {
		result = *fields.Result
	}
	if fields.CompletedAt != nil {
		completedAt = fields.CompletedAt.UTC().Format(timeLayout)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = ?,
			pid = COALESCE(?, pid),
			error = COALESCE(?, error),
			result = COALESCE(?, result),
			completed_at = COALESCE(?, completed_at)
		WHERE id = ? AND status NOT IN (?, ?, ?, ?)`,
		string(status), pid, errMsg, result, completedAt, id,
		string(RunCompleted), string(RunFailed), string(RunInterrupted), string(RunCancelled))
	if err != nil {
		return fmt.Errorf("store: update run status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, getErr := r.Get(ctx, id); getErr != nil {
			return getErr
		}
		return fmt.Errorf("run %s: %w", id, ErrRunTerminal)
	}
	return nil
}

func (r *sqliteRuns) UpdateHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE runs SET last_heartbeat = ? WHERE id = ?`,
		at.UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("store: update heartbeat: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}

func (r *sqliteRuns) ListActive(ctx context.Context) ([]*Run, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, feature_id, thread_id, status, pid, started_at, last_heartbeat, completed_at, error, gates, result
		FROM runs WHERE status IN (?, ?, ?)`,
		string(RunPending), string(RunRunning), string(RunWaitingApproval))
	if err != nil {
		return nil, fmt.Errorf("store: list active runs: %w", err)
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row rowScanner) (*Run, error) {
	var (
		run                       Run
		status                    string
		startedAt, lastHeartbeat  string
		completedAt               sql.NullString
		gates                     string
	)
	err := row.Scan(&run.ID, &run.FeatureID, &run.ThreadID, &status, &run.PID,
		&startedAt, &lastHeartbeat, &completedAt, &run.Error, &gates, &run.Result)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan run: %w", err)
	}

	run.Status = RunStatus(status)
	if run.StartedAt, err = time.Parse(timeLayout, startedAt); err != nil {
		return nil, fmt.Errorf("store: parse started_at: %w", err)
	}
	if run.LastHeartbeat, err = time.Parse(timeLayout, lastHeartbeat); err != nil {
		return nil, fmt.Errorf("store: parse last_heartbeat: %w", err)
	}
	if completedAt.Valid {
		t, err := time.Parse(timeLayout, completedAt.String)
		if err != nil {
			return nil, fmt.Errorf("store: parse completed_at: %w", err)
		}
		run.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(gates), &run.Gates); err != nil {
		return nil, fmt.Errorf("store: unmarshal gates: %w", err)
	}
	return &run, nil
}

type sqliteFeatures struct {
	db *sql.DB
}

func (f *sqliteFeatures) Create(ctx context.Context, feat *Feature) error {
	now := time.Now().UTC()
	if feat.CreatedAt.IsZero() {
		feat.CreatedAt = now
	}
	feat.UpdatedAt = now

	_, err := f.db.ExecContext(ctx, `
		INSERT INTO features (id, name, branch, base_branch, lifecycle, spec_dir, worktree_path,
			pr_url, pr_number, pr_status, commit_hash, ci_status, ci_fix_attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		feat.ID, feat.Name, feat.Branch, feat.BaseBranch, string(feat.Lifecycle),
		feat.SpecDir, feat.WorktreePath, feat.PRURL, feat.PRNumber, string(feat.PRStatus),
		feat.CommitHash, feat.CIStatus, feat.CIFixAttempts,
		feat.CreatedAt.Format(timeLayout), feat.UpdatedAt.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("store: insert feature: %w", err)
	}
	return nil
}

func (f *sqliteFeatures) Get(ctx context.Context, id string) (*Feature, error) {
	row := f.db.QueryRowContext(ctx, `
		SELECT id, name, branch, base_branch, lifecycle, spec_dir, worktree_path,
			pr_url, pr_number, pr_status, commit_hash, ci_status, ci_fix_attempts, created_at, updated_at
		FROM features WHERE id = ?`, id)

	var (
		feat                 Feature
		lifecycle, prStatus  string
		createdAt, updatedAt string
	)
	err := row.Scan(&feat.ID, &feat.Name, &feat.Branch, &feat.BaseBranch, &lifecycle,
		&feat.SpecDir, &feat.WorktreePath, &feat.PRURL, &feat.PRNumber, &prStatus,
		&feat.CommitHash, &feat.CIStatus, &feat.CIFixAttempts, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan feature: %w", err)
	}

	feat.Lifecycle = Lifecycle(lifecycle)
	feat.PRStatus = PRStatus(prStatus)
	if feat.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("store: parse created_at: %w", err)
	}
	if feat.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("store: parse updated_at: %w", err)
	}
	return &feat, nil
}

func (f *sqliteFeatures) Update(ctx context.Context, feat *Feature) error {
	feat.UpdatedAt = time.Now().UTC()
	res, err := f.db.ExecContext(ctx, `
		UPDATE features SET name = ?, branch = ?, base_branch = ?, lifecycle = ?, spec_dir = ?,
			worktree_path = ?, pr_url = ?, pr_number = ?, pr_status = ?, commit_hash = ?,
			ci_status = ?, ci_fix_attempts = ?, updated_at = ?
		WHERE id = ?`,
		feat.Name, feat.Branch, feat.BaseBranch, string(feat.Lifecycle), feat.SpecDir,
		feat.WorktreePath, feat.PRURL, feat.PRNumber, string(feat.PRStatus), feat.CommitHash,
		feat.CIStatus, feat.CIFixAttempts, feat.UpdatedAt.Format(timeLayout), feat.ID)
	if err != nil {
		return fmt.Errorf("store: update feature: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("feature %s: %w", feat.ID, ErrNotFound)
	}
	return nil
}

func (f *sqliteFeatures) RecordPR(ctx context.Context, featureID string, pr PRRecord) error {
	res, err := f.db.ExecContext(ctx, `
		UPDATE features SET pr_url = ?, pr_number = ?, pr_status = ?, commit_hash = ?,
			ci_status = ?, ci_fix_attempts = ?, updated_at = ?
		WHERE id = ?`,
		pr.URL, pr.Number, string(pr.Status), pr.CommitHash, pr.CIStatus, pr.CIFixAttempts,
		time.Now().UTC().Format(timeLayout), featureID)
	if err != nil {
		return fmt.Errorf("store: record pr: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("feature %s: %w", featureID, ErrNotFound)
	}
	return nil
}

func (f *sqliteFeatures) SetLifecycle(ctx context.Context, featureID string, lc Lifecycle) error {
	res, err := f.db.ExecContext(ctx, `
		UPDATE features SET lifecycle = ?, updated_at = ? WHERE id = ?`,
		string(lc), time.Now().UTC().Format(timeLayout), featureID)
	if err != nil {
		return fmt.Errorf("store: set lifecycle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("feature %s: %w", featureID, ErrNotFound)
	}
	return nil
}
