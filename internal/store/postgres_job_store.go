package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/heicflow/internal/domain"
	"github.com/lib/pq"
)

const jobSchemaSQL = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	source_type TEXT NOT NULL,
	source TEXT NOT NULL,
	webhook_url TEXT NOT NULL,
	error_kind TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',
	error_status INTEGER NOT NULL DEFAULT 0,
	output_bytes BIGINT NOT NULL DEFAULT 0,
	width INTEGER NOT NULL DEFAULT 0,
	height INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversion_jobs_status_idx ON conversion_jobs (status);
`

const selectJobSQL = `SELECT id, status, source_type, source, webhook_url,
	error_kind, error_message, error_status, output_bytes, width, height,
	created_at, updated_at
 FROM conversion_jobs`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(ctx context.Context, dsn string) (*PostgresJobStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &PostgresJobStore{db: db}
	if err := store.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return store, nil
}

func (s *PostgresJobStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, jobSchemaSQL); err != nil {
		return fmt.Errorf("ensure conversion_jobs schema: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

func (s *PostgresJobStore) Create(ctx context.Context, job domain.Job) error {
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO conversion_jobs (id, status, source_type, source, webhook_url, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID,
		job.Status,
		job.SourceType,
		job.Source,
		job.WebhookURL,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *PostgresJobStore) Get(ctx context.Context, id string) (domain.Job, bool, error) {
	row := s.db.QueryRowContext(ctx, selectJobSQL+` WHERE id = $1`, id)

	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("query job: %w", err)
	}
	return job, true, nil
}

func (s *PostgresJobStore) MarkStatus(ctx context.Context, id, status string) (domain.Job, error) {
	return s.transition(ctx, id, status, `UPDATE conversion_jobs
		 SET status = $1, updated_at = $2
		 WHERE id = $3 AND status = ANY($4)`)
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, id string, jobErr domain.JobError) (domain.Job, error) {
	return s.transition(ctx, id, domain.JobStatusFailed, `UPDATE conversion_jobs
		 SET status = $1, updated_at = $2,
		     error_kind = $5, error_message = $6, error_status = $7,
		     output_bytes = 0, width = 0, height = 0
		 WHERE id = $3 AND status = ANY($4)`,
		jobErr.Kind, jobErr.Message, jobErr.Status)
}

func (s *PostgresJobStore) MarkSucceeded(ctx context.Context, id string, result domain.JobResult) (domain.Job, error) {
	return s.transition(ctx, id, domain.JobStatusSucceeded, `UPDATE conversion_jobs
		 SET status = $1, updated_at = $2,
		     error_kind = '', error_message = '', error_status = 0,
		     output_bytes = $5, width = $6, height = $7
		 WHERE id = $3 AND status = ANY($4)`,
		result.OutputBytes, result.Width, result.Height)
}

// transition applies query only when the current status may move to status.
// The first four placeholders are status, updated_at, id and the allowed
// source statuses.
func (s *PostgresJobStore) transition(ctx context.Context, id, status, query string, extra ...any) (domain.Job, error) {
	args := append([]any{status, time.Now().UTC(), id, pq.Array(domain.AllowedFrom(status))}, extra...)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job %s to %s: %w", id, status, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, fmt.Errorf("update job %s rows affected: %w", id, err)
	}

	job, ok, err := s.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if affected == 0 {
		return domain.Job{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, status)
	}
	return job, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (domain.Job, error) {
	var (
		job    domain.Job
		jobErr domain.JobError
		result domain.JobResult
	)
	if err := row.Scan(
		&job.ID,
		&job.Status,
		&job.SourceType,
		&job.Source,
		&job.WebhookURL,
		&jobErr.Kind,
		&jobErr.Message,
		&jobErr.Status,
		&result.OutputBytes,
		&result.Width,
		&result.Height,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return domain.Job{}, err
	}

	switch job.Status {
	case domain.JobStatusFailed:
		job.Error = &jobErr
	case domain.JobStatusSucceeded:
		job.Result = &result
	}
	return job, nil
}
