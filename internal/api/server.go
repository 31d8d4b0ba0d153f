package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/dunamismax/heicflow/internal/convert"
	"github.com/dunamismax/heicflow/internal/queue"
	"github.com/dunamismax/heicflow/internal/ratelimit"
	"github.com/dunamismax/heicflow/internal/storage"
	"github.com/dunamismax/heicflow/internal/store"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultUserIDHeader = "X-User-ID"

	indexText = "heicflow: POST /convert with form field `image` (multipart/form-data), " +
		"POST /convert-url with JSON {\"url\": \"...\"}\n"
)

type Server struct {
	logger                *log.Logger
	converter             imageConverter
	fetcher               urlFetcher
	queueClient           queueEnqueuer
	queueName             string
	jobStore              store.JobStore
	objects               objectChecker
	rateLimiter           ratelimit.Limiter
	rateLimitUserIDHeader string
	tracer                trace.Tracer
	metrics               *metrics
	mux                   *http.ServeMux
	handler               http.Handler
}

type imageConverter interface {
	Convert(ctx context.Context, in convert.Input) (convert.Output, error)
	Config() convert.Config
}

type urlFetcher interface {
	Fetch(ctx context.Context, rawURL string) (convert.Input, error)
}

type queueEnqueuer interface {
	EnqueueConvertImage(ctx context.Context, payload queue.ConvertImagePayload) (*asynq.TaskInfo, error)
}

type objectChecker interface {
	StatObject(ctx context.Context, objectKey string) (storage.ObjectInfo, error)
}

type Option func(*Server)

// WithJobs enables the asynchronous job endpoints.
func WithJobs(queueClient queueEnqueuer, queueName string, jobStore store.JobStore) Option {
	return func(s *Server) {
		s.queueClient = queueClient
		s.queueName = queueName
		s.jobStore = jobStore
	}
}

// WithObjectStore allows jobs with source_type=object. Keys are checked
// for existence when the job is created.
func WithObjectStore(objects objectChecker) Option {
	return func(s *Server) {
		s.objects = objects
	}
}

func WithRateLimiter(limiter ratelimit.Limiter, userIDHeader string) Option {
	return func(s *Server) {
		s.rateLimiter = limiter
		if userIDHeader != "" {
			s.rateLimitUserIDHeader = userIDHeader
		}
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

func NewServer(logger *log.Logger, converter imageConverter, fetcher urlFetcher, opts ...Option) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Server{
		logger:                logger,
		converter:             converter,
		fetcher:               fetcher,
		rateLimitUserIDHeader: DefaultUserIDHeader,
		metrics:               newMetrics(),
		mux:                   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()

	var h http.Handler = s.mux
	h = s.withRateLimit(h)
	h = s.withRecover(h)
	h = s.withTracing(h)
	h = s.withAccessLog(h)
	h = s.metrics.withHTTPMetrics(h, s.routeLabel)
	h = withSecurityHeaders(h)
	s.handler = h
	return s
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	s.mux.Handle("GET /metrics", s.metrics.metricsHandler())
	s.mux.HandleFunc("POST /convert", s.handleConvert)
	s.mux.HandleFunc("POST /convert-url", s.handleConvertURL)
	s.mux.HandleFunc("POST /v1/jobs", s.handleCreateJob)
	s.mux.HandleFunc("GET /v1/jobs/{id}", s.handleGetJob)
}

// routeLabel resolves the mux pattern for r without serving it, so that
// metrics and spans stay low-cardinality.
func (s *Server) routeLabel(r *http.Request) string {
	if _, pattern := s.mux.Handler(r); pattern != "" {
		return pattern
	}
	return "unmatched"
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = io.WriteString(w, indexText)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// statusFor maps a conversion failure to its HTTP status category.
func statusFor(err error) int {
	switch convert.KindOf(err) {
	case convert.KindValidation:
		if errors.Is(err, convert.ErrTooLarge) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusBadRequest
	case convert.KindDecode:
		return http.StatusUnprocessableEntity
	case convert.KindFetch:
		return http.StatusBadGateway
	case convert.KindCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeConvertError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	desc := convert.DescriptorFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Printf("request failed method=%s path=%s status=%d kind=%s err=%v", r.Method, r.URL.Path, status, desc.Kind, err)
	}
	writeJSON(w, status, desc)
}

func decodeJSON(r *http.Request, into any) error {
	const maxBodyBytes = 1 << 20
	limited := io.LimitReader(r.Body, maxBodyBytes)
	decoder := json.NewDecoder(limited)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON body: multiple JSON values are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
