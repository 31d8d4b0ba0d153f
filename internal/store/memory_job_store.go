package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dunamismax/heicflow/internal/domain"
)

type MemoryJobStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
	now  func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) MarkStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, status, func(*domain.Job) {})
}

func (s *MemoryJobStore) MarkFailed(_ context.Context, id string, jobErr domain.JobError) (domain.Job, error) {
	return s.update(id, domain.JobStatusFailed, func(job *domain.Job) {
		job.Error = &jobErr
		job.Result = nil
	})
}

func (s *MemoryJobStore) MarkSucceeded(_ context.Context, id string, result domain.JobResult) (domain.Job, error) {
	return s.update(id, domain.JobStatusSucceeded, func(job *domain.Job) {
		job.Result = &result
		job.Error = nil
	})
}

func (s *MemoryJobStore) update(id, status string, mutate func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}
	if !domain.CanTransition(job.Status, status) {
		return domain.Job{}, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, job.Status, status)
	}

	job.Status = status
	job.UpdatedAt = s.now()
	mutate(&job)
	s.jobs[id] = job
	return job, nil
}
