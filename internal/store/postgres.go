package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fno-automation-engine/internal/models"
)

// Store wraps pgxpool for Postgres persistence of automation jobs.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const jobColumns = `id, tenant, type, operator, capability, payload, state, attempts, max_attempts,
	next_run_at, progress, result, last_error, created_at, updated_at`

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job models.Job) error {
	lastErr, err := encodeError(job.LastError)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO automation_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, job.ID, job.Tenant, string(job.Type), job.Operator, job.Capability, []byte(job.Payload), string(job.State),
		job.Attempts, job.MaxAttempts, job.NextRunAt, job.Progress, nullableJSON(job.Result), lastErr, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM automation_jobs WHERE id = $1`, id)
	return scanJob(row, id)
}

// UpdateJob locks the row, applies fn and writes every mutable column back in one transaction.
func (s *Store) UpdateJob(ctx context.Context, id string, fn func(*models.Job) error) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	row := tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM automation_jobs WHERE id = $1 FOR UPDATE`, id)
	job, err := scanJob(row, id)
	if err != nil {
		return models.Job{}, err
	}
	if err := fn(&job); err != nil {
		return models.Job{}, err
	}
	lastErr, err := encodeError(job.LastError)
	if err != nil {
		return models.Job{}, err
	}
	_, err = tx.Exec(ctx, `
		UPDATE automation_jobs
		SET state = $2, attempts = $3, next_run_at = $4, progress = $5, result = $6, last_error = $7, updated_at = $8
		WHERE id = $1
	`, id, string(job.State), job.Attempts, job.NextRunAt, job.Progress, nullableJSON(job.Result), lastErr, job.UpdatedAt)
	if err != nil {
		return models.Job{}, fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}
	return job, nil
}

// AppendAudit adds an audit row.
func (s *Store) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO automation_audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// History returns the audit rows of a job in insertion order.
func (s *Store) History(ctx context.Context, jobID string) ([]models.AuditLog, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT job_id, event, detail, ts FROM automation_audit_logs WHERE job_id = $1 ORDER BY id
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		if err := rows.Scan(&a.JobID, &a.Event, &a.Detail, &a.Recorded); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanJob(row pgx.Row, id string) (models.Job, error) {
	var (
		job                        models.Job
		jobType, state             string
		payload, result, lastError []byte
	)
	err := row.Scan(&job.ID, &job.Tenant, &jobType, &job.Operator, &job.Capability, &payload, &state,
		&job.Attempts, &job.MaxAttempts, &job.NextRunAt, &job.Progress, &result, &lastError, &job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}
	job.Type = models.JobType(jobType)
	job.State = models.JobState(state)
	job.Payload = payload
	job.Result = result
	if len(lastError) > 0 {
		job.LastError = &models.JobError{}
		if err := json.Unmarshal(lastError, job.LastError); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal last_error: %w", err)
		}
	}
	return job, nil
}

func encodeError(e *models.JobError) ([]byte, error) {
	if e == nil {
		return nil, nil
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal last_error: %w", err)
	}
	return raw, nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}
