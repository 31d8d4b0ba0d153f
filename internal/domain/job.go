package domain

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

const (
	JobStatusCreated    = "created"
	JobStatusQueued     = "queued"
	JobStatusProcessing = "processing"
	JobStatusSucceeded  = "succeeded"
	JobStatusFailed     = "failed"

	SourceTypeURL    = "url"
	SourceTypeObject = "object"
)

var ErrInvalidTransition = errors.New("invalid job status transition")

// allowedFrom lists, per target status, the statuses a job may move from.
// processing -> processing covers redelivery of a task whose webhook failed.
var allowedFrom = map[string][]string{
	JobStatusQueued:     {JobStatusCreated},
	JobStatusProcessing: {JobStatusQueued, JobStatusProcessing},
	JobStatusSucceeded:  {JobStatusProcessing},
	JobStatusFailed:     {JobStatusCreated, JobStatusQueued, JobStatusProcessing},
}

// AllowedFrom returns the statuses from which a job may enter status.
func AllowedFrom(status string) []string {
	return append([]string(nil), allowedFrom[status]...)
}

func CanTransition(from, to string) bool {
	for _, s := range allowedFrom[to] {
		if s == from {
			return true
		}
	}
	return false
}

type CreateJobRequest struct {
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	WebhookURL string `json:"webhook_url"`
}

// JobError is the failure descriptor recorded on a failed job.
type JobError struct {
	Kind    string `json:"error"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"`
}

// JobResult describes a delivered conversion. The JPEG itself is not kept.
type JobResult struct {
	OutputBytes int64 `json:"output_bytes"`
	Width       int   `json:"width"`
	Height      int   `json:"height"`
}

type Job struct {
	ID         string
	Status     string
	SourceType string
	Source     string
	WebhookURL string
	Error      *JobError
	Result     *JobResult
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (j Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// Normalize lower-cases the source type and trims whitespace from all fields.
func (r CreateJobRequest) Normalize() CreateJobRequest {
	return CreateJobRequest{
		SourceType: strings.ToLower(strings.TrimSpace(r.SourceType)),
		Source:     strings.TrimSpace(r.Source),
		WebhookURL: strings.TrimSpace(r.WebhookURL),
	}
}

func (r CreateJobRequest) Validate() error {
	r = r.Normalize()
	if r.SourceType == "" {
		return errors.New("source_type is required")
	}
	if r.SourceType != SourceTypeURL && r.SourceType != SourceTypeObject {
		return fmt.Errorf("unsupported source_type: %s", r.SourceType)
	}
	if r.Source == "" {
		return errors.New("source is required")
	}
	if r.SourceType == SourceTypeURL {
		if err := validateHTTPURL(r.Source); err != nil {
			return fmt.Errorf("source: %w", err)
		}
	}
	if r.WebhookURL == "" {
		return errors.New("webhook_url is required")
	}
	if err := validateHTTPURL(r.WebhookURL); err != nil {
		return fmt.Errorf("webhook_url: %w", err)
	}
	return nil
}

func validateHTTPURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url must be absolute http(s), got %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
