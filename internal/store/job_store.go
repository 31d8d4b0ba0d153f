package store

import (
	"context"
	"errors"

	"github.com/dunamismax/heicflow/internal/domain"
)

var ErrJobNotFound = errors.New("job not found")

type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	MarkStatus(ctx context.Context, id, status string) (domain.Job, error)
	MarkFailed(ctx context.Context, id string, jobErr domain.JobError) (domain.Job, error)
	MarkSucceeded(ctx context.Context, id string, result domain.JobResult) (domain.Job, error)
}
