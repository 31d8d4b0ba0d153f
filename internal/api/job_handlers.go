package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/dunamismax/heicflow/internal/domain"
	"github.com/dunamismax/heicflow/internal/id"
	"github.com/dunamismax/heicflow/internal/queue"
	"github.com/dunamismax/heicflow/internal/storage"
)

const kindQueueError = "QueueError"

type jobResponse struct {
	JobID      string            `json:"job_id"`
	Status     string            `json:"status"`
	SourceType string            `json:"source_type"`
	Source     string            `json:"source"`
	Error      *domain.JobError  `json:"error,omitempty"`
	Result     *domain.JobResult `json:"result,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func newJobResponse(job domain.Job) jobResponse {
	return jobResponse{
		JobID:      job.ID,
		Status:     job.Status,
		SourceType: job.SourceType,
		Source:     job.Source,
		Error:      job.Error,
		Result:     job.Result,
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  job.UpdatedAt,
	}
}

func (s *Server) jobsEnabled() bool {
	return s.queueClient != nil && s.jobStore != nil
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	if !s.jobsEnabled() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async jobs are not configured"})
		return
	}

	var req domain.CreateJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := req.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	req = req.Normalize()

	if req.SourceType == domain.SourceTypeObject {
		if status, msg := s.checkSourceObject(r, req.Source); status != 0 {
			writeJSON(w, status, map[string]string{"error": msg})
			return
		}
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.JobStatusCreated,
		SourceType: req.SourceType,
		Source:     req.Source,
		WebhookURL: req.WebhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.jobStore.Create(r.Context(), job); err != nil {
		s.logger.Printf("create job failed job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	// Queued before the task exists, so a worker that starts immediately
	// always finds a job it may move to processing.
	if _, err := s.jobStore.MarkStatus(r.Context(), job.ID, domain.JobStatusQueued); err != nil {
		s.logger.Printf("mark queued job_id=%s err=%v", job.ID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to create job"})
		return
	}

	taskInfo, err := s.queueClient.EnqueueConvertImage(r.Context(), queue.ConvertImagePayload{
		JobID:       job.ID,
		SourceType:  job.SourceType,
		Source:      job.Source,
		WebhookURL:  job.WebhookURL,
		RequestedAt: now,
	})
	if err != nil {
		s.logger.Printf("enqueue failed job_id=%s err=%v", job.ID, err)
		if _, markErr := s.jobStore.MarkFailed(r.Context(), job.ID, domain.JobError{Kind: kindQueueError, Message: "failed to enqueue job"}); markErr != nil {
			s.logger.Printf("mark failed job_id=%s err=%v", job.ID, markErr)
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to enqueue job"})
		return
	}
	s.metrics.queueEnqueued.WithLabelValues(taskInfo.Queue).Inc()

	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     job.ID,
		"status":     domain.JobStatusQueued,
		"queue":      taskInfo.Queue,
		"task_id":    taskInfo.ID,
		"status_url": "/v1/jobs/" + job.ID,
	})
}

func (s *Server) checkSourceObject(r *http.Request, key string) (int, string) {
	if s.objects == nil {
		return http.StatusBadRequest, "object sources are not configured"
	}
	info, err := s.objects.StatObject(r.Context(), key)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotFound) {
			return http.StatusConflict, "source object is missing: " + key
		}
		s.logger.Printf("source object check failed key=%s err=%v", key, err)
		return http.StatusBadGateway, "source object check failed"
	}
	if limit := s.converter.Config().MaxFileSizeBytes; info.Size > limit {
		return http.StatusRequestEntityTooLarge, "source object exceeds size limit"
	}
	return 0, ""
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if s.jobStore == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "async jobs are not configured"})
		return
	}

	jobID := r.PathValue("id")
	if !id.Valid(jobID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}
	job, ok, err := s.jobStore.Get(r.Context(), jobID)
	if err != nil {
		s.logger.Printf("fetch job failed job_id=%s err=%v", jobID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to load job"})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found"})
		return
	}

	writeJSON(w, http.StatusOK, newJobResponse(job))
}
