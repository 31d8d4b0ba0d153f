package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/dunamismax/heicflow/internal/config"
	"github.com/dunamismax/heicflow/internal/convert"
	"github.com/dunamismax/heicflow/internal/domain"
	"github.com/dunamismax/heicflow/internal/queue"
	"github.com/dunamismax/heicflow/internal/store"
	"github.com/dunamismax/heicflow/internal/webhook"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const kindWebhookError = "WebhookError"

type Server struct {
	logger        *log.Logger
	server        *asynq.Server
	sem           chan struct{}
	converter     imageConverter
	urlFetcher    sourceFetcher
	objectFetcher sourceFetcher
	webhookClient webhookSender
	jobStore      store.JobStore
	metrics       *metrics
	tracer        trace.Tracer
}

type imageConverter interface {
	Convert(ctx context.Context, in convert.Input) (convert.Output, error)
}

type sourceFetcher interface {
	Fetch(ctx context.Context, source string) (convert.Input, error)
}

type webhookSender interface {
	Send(ctx context.Context, endpoint, event, jobID string, payload any) error
	SendImage(ctx context.Context, endpoint, jobID, contentType string, image []byte) error
}

// Deps are the collaborators a worker needs to turn a queued job into a
// delivered JPEG. ObjectFetcher may be nil when object storage is disabled.
type Deps struct {
	Converter     imageConverter
	URLFetcher    sourceFetcher
	ObjectFetcher sourceFetcher
	Webhook       webhookSender
	JobStore      store.JobStore
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, deps Deps) (*Server, error) {
	if deps.Converter == nil {
		return nil, fmt.Errorf("converter is required")
	}
	if deps.URLFetcher == nil {
		return nil, fmt.Errorf("url fetcher is required")
	}
	if deps.Webhook == nil {
		return nil, fmt.Errorf("webhook client is required")
	}
	if deps.JobStore == nil {
		return nil, fmt.Errorf("job store is required")
	}

	s := &Server{
		logger: logger,
		server: asynq.NewServer(
			queueCfg.RedisClientOpt(),
			asynq.Config{
				Concurrency: workerCfg.Concurrency,
				Queues: map[string]int{
					queueCfg.Name: 1,
				},
				LogLevel: asynq.InfoLevel,
				ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
					retried, _ := asynq.GetRetryCount(ctx)
					maxRetry, _ := asynq.GetMaxRetry(ctx)
					logger.Printf("task failed type=%s retry=%d/%d err=%v", task.Type(), retried, maxRetry, err)
				}),
			},
		),
		sem:           make(chan struct{}, max(1, workerCfg.MaxActiveJobs)),
		converter:     deps.Converter,
		urlFetcher:    deps.URLFetcher,
		objectFetcher: deps.ObjectFetcher,
		webhookClient: deps.Webhook,
		jobStore:      deps.JobStore,
		metrics:       newMetrics(),
		tracer:        otel.Tracer("heicflow/worker"),
	}
	return s, nil
}

// Run processes tasks until ctx is cancelled, then waits for in-flight
// tasks to finish.
func (s *Server) Run(ctx context.Context) error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeConvertImage, s.handleConvertImage)
	if err := s.server.Start(mux); err != nil {
		return fmt.Errorf("start asynq server: %w", err)
	}
	<-ctx.Done()
	s.server.Shutdown()
	return nil
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleConvertImage(ctx context.Context, task *asynq.Task) error {
	startedAt := time.Now()
	outcome := domain.JobStatusFailed

	payload, err := queue.ParseConvertImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.convert_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", payload.JobID),
		attribute.String("job.source_type", payload.SourceType),
	)
	defer span.End()
	defer func() {
		s.metrics.jobDuration.WithLabelValues(payload.SourceType, outcome).Observe(time.Since(startedAt).Seconds())
		s.metrics.jobsTotal.WithLabelValues(payload.SourceType, outcome).Inc()
	}()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	if job, ok, err := s.jobStore.Get(ctx, payload.JobID); err == nil && ok && job.Terminal() {
		s.logger.Printf("skipping finished job job_id=%s status=%s", job.ID, job.Status)
		outcome = job.Status
		return nil
	}

	s.logger.Printf("working job_id=%s source_type=%s source=%s", payload.JobID, payload.SourceType, payload.Source)
	if _, err := s.jobStore.MarkStatus(ctx, payload.JobID, domain.JobStatusProcessing); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", payload.JobID, domain.JobStatusProcessing, err)
	}

	out, in, err := s.convert(ctx, payload)
	if convert.KindOf(err) == convert.KindCanceled {
		// Nothing ran; leave the job processing and let asynq retry it.
		span.RecordError(err)
		s.logger.Printf("conversion canceled job_id=%s err=%v", payload.JobID, err)
		return fmt.Errorf("convert job %s: %w", payload.JobID, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "conversion failed")
		s.fail(ctx, payload, convert.DescriptorFor(err))
		return fmt.Errorf("convert job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
	}
	s.metrics.conversionBytes.WithLabelValues("in").Observe(float64(len(in.Data)))
	s.metrics.conversionBytes.WithLabelValues("out").Observe(float64(len(out.Data)))

	if err := s.webhookClient.SendImage(ctx, payload.WebhookURL, payload.JobID, out.ContentType, out.Data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "webhook delivery failed")
		s.metrics.webhookFailures.WithLabelValues(webhook.EventJobCompleted).Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, webhook.EventJobCompleted, err)

		if errors.Is(err, webhook.ErrPermanent) || finalAttempt(ctx) {
			s.markFailed(ctx, payload.JobID, domain.JobError{Kind: kindWebhookError, Message: err.Error()})
			return fmt.Errorf("deliver job %s: %v: %w", payload.JobID, err, asynq.SkipRetry)
		}
		return fmt.Errorf("deliver job %s: %w", payload.JobID, err)
	}

	result := domain.JobResult{OutputBytes: int64(len(out.Data)), Width: out.Width, Height: out.Height}
	if _, err := s.jobStore.MarkSucceeded(ctx, payload.JobID, result); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", payload.JobID, domain.JobStatusSucceeded, err)
	}

	outcome = domain.JobStatusSucceeded
	span.SetAttributes(attribute.String("image.plan", out.Plan.String()))
	span.SetStatus(codes.Ok, "delivered")
	s.logger.Printf("delivered job_id=%s size=%dx%d bytes=%d plan=%s", payload.JobID, out.Width, out.Height, len(out.Data), out.Plan)
	return nil
}

func (s *Server) convert(ctx context.Context, payload queue.ConvertImagePayload) (convert.Output, convert.Input, error) {
	var fetcher sourceFetcher
	switch payload.SourceType {
	case domain.SourceTypeURL:
		fetcher = s.urlFetcher
	case domain.SourceTypeObject:
		fetcher = s.objectFetcher
	}
	if fetcher == nil {
		return convert.Output{}, convert.Input{}, convert.ValidationError(fmt.Errorf("unsupported source_type: %s", payload.SourceType))
	}

	in, err := fetcher.Fetch(ctx, payload.Source)
	if err != nil {
		return convert.Output{}, convert.Input{}, err
	}
	out, err := s.converter.Convert(ctx, in)
	if err != nil {
		return convert.Output{}, in, err
	}
	return out, in, nil
}

// fail records a terminal conversion failure and notifies the webhook. A
// failed notification is logged only; the job outcome is already final.
func (s *Server) fail(ctx context.Context, payload queue.ConvertImagePayload, desc convert.Descriptor) {
	jobErr := domain.JobError{Kind: string(desc.Kind), Message: desc.Message, Status: desc.Status}
	s.markFailed(ctx, payload.JobID, jobErr)

	err := s.webhookClient.Send(ctx, payload.WebhookURL, webhook.EventJobFailed, payload.JobID, map[string]any{
		"job_id":       payload.JobID,
		"status":       domain.JobStatusFailed,
		"source_type":  payload.SourceType,
		"source":       payload.Source,
		"requested_at": payload.RequestedAt,
		"failed_at":    time.Now().UTC(),
		"error":        jobErr,
	})
	if err != nil {
		s.metrics.webhookFailures.WithLabelValues(webhook.EventJobFailed).Inc()
		s.logger.Printf("webhook delivery failed job_id=%s event=%s err=%v", payload.JobID, webhook.EventJobFailed, err)
	}
}

func (s *Server) markFailed(ctx context.Context, jobID string, jobErr domain.JobError) {
	if _, err := s.jobStore.MarkFailed(ctx, jobID, jobErr); err != nil {
		s.logger.Printf("job status update failed job_id=%s status=%s err=%v", jobID, domain.JobStatusFailed, err)
	}
}

// finalAttempt reports whether asynq will not retry the current task again.
// Outside an asynq handler it reports false.
func finalAttempt(ctx context.Context) bool {
	retried, ok := asynq.GetRetryCount(ctx)
	if !ok {
		return false
	}
	maxRetry, ok := asynq.GetMaxRetry(ctx)
	if !ok {
		return false
	}
	return retried >= maxRetry
}
