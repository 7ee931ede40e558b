// Package sqlite is the durable jobstore.Store used by the relay daemon, so
// import results survive restarts.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"scanrelay/internal/domain"
	"scanrelay/internal/relay/jobstore"
)

type Store struct {
	db *sql.DB
}

var _ jobstore.Store = (*Store)(nil)

// New opens (or creates) the database at dbPath and initializes the schema.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS import_jobs (
			job_id TEXT PRIMARY KEY,
			scan_type TEXT NOT NULL,
			engagement TEXT NOT NULL,
			job TEXT NOT NULL,
			state TEXT NOT NULL,
			reason TEXT,
			attempts INTEGER NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_state ON import_jobs(state)`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_engagement ON import_jobs(engagement)`,
		`CREATE INDEX IF NOT EXISTS idx_import_jobs_updated ON import_jobs(updated_at)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *Store) Create(ctx context.Context, res domain.ImportResult) error {
	jobJSON, err := json.Marshal(res.Job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO import_jobs (job_id, scan_type, engagement, job, state, reason, attempts, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.JobID, string(res.Job.ScanType), res.Job.Engagement, string(jobJSON),
		string(res.State), res.Reason, res.Attempts, res.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert job %s: %w", res.JobID, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, res domain.ImportResult) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE import_jobs SET state = ?, reason = ?, attempts = ?, updated_at = ? WHERE job_id = ?`,
		string(res.State), res.Reason, res.Attempts,
		res.UpdatedAt.UTC().Format(time.RFC3339Nano), res.JobID)
	if err != nil {
		return fmt.Errorf("update job %s: %w", res.JobID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job %s: %w", res.JobID, err)
	}
	if affected == 0 {
		return fmt.Errorf("update job %s: %w", res.JobID, jobstore.ErrNotFound)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, jobID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM import_jobs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, jobID string) (domain.ImportResult, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT job_id, job, state, reason, attempts, updated_at FROM import_jobs WHERE job_id = ?`, jobID)
	res, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ImportResult{}, fmt.Errorf("job %s: %w", jobID, jobstore.ErrNotFound)
	}
	if err != nil {
		return domain.ImportResult{}, fmt.Errorf("get job %s: %w", jobID, err)
	}
	return res, nil
}

func (s *Store) List(ctx context.Context, limit int) ([]domain.ImportResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, job, state, reason, attempts, updated_at FROM import_jobs
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var results []domain.ImportResult
	for rows.Next() {
		res, err := scanResult(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResult(row rowScanner) (domain.ImportResult, error) {
	var (
		res       domain.ImportResult
		jobJSON   string
		state     string
		reason    sql.NullString
		updatedAt string
	)
	if err := row.Scan(&res.JobID, &jobJSON, &state, &reason, &res.Attempts, &updatedAt); err != nil {
		return domain.ImportResult{}, err
	}
	if err := json.Unmarshal([]byte(jobJSON), &res.Job); err != nil {
		return domain.ImportResult{}, fmt.Errorf("decode job: %w", err)
	}
	res.State = domain.JobState(state)
	res.Reason = reason.String
	ts, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return domain.ImportResult{}, fmt.Errorf("parse updated_at: %w", err)
	}
	res.UpdatedAt = ts
	return res, nil
}
