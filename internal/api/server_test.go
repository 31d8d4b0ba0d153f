package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dunamismax/heicflow/internal/convert"
	"github.com/dunamismax/heicflow/internal/domain"
	"github.com/dunamismax/heicflow/internal/ingress"
	"github.com/dunamismax/heicflow/internal/queue"
	"github.com/dunamismax/heicflow/internal/ratelimit"
	"github.com/dunamismax/heicflow/internal/storage"
	"github.com/dunamismax/heicflow/internal/store"
	"github.com/google/go-cmp/cmp"
	"github.com/hibiken/asynq"
)

type fakeConverter struct {
	cfg   convert.Config
	out   convert.Output
	err   error
	panic bool
	calls int
}

func (f *fakeConverter) Convert(_ context.Context, in convert.Input) (convert.Output, error) {
	f.calls++
	if f.panic {
		panic("codec exploded")
	}
	if f.err != nil {
		return convert.Output{}, f.err
	}
	return f.out, nil
}

func (f *fakeConverter) Config() convert.Config {
	return f.cfg
}

func newFakeConverter() *fakeConverter {
	return &fakeConverter{
		cfg: convert.Config{MaxFileSizeBytes: 1 << 20, JPEGQuality: 90},
		out: convert.Output{
			Data:        []byte{0xff, 0xd8, 0xaa, 0xff, 0xd9},
			ContentType: convert.ContentTypeJPEG,
			Width:       4,
			Height:      2,
			Plan:        convert.Plan{{Op: convert.OpRotateUpright}},
		},
	}
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []queue.ConvertImagePayload
	err      error
	// onEnqueue runs before EnqueueConvertImage returns, standing in for a
	// worker that picks the task up at once.
	onEnqueue func(queue.ConvertImagePayload)
}

func (f *fakeQueue) EnqueueConvertImage(_ context.Context, payload queue.ConvertImagePayload) (*asynq.TaskInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.payloads = append(f.payloads, payload)
	if f.onEnqueue != nil {
		f.onEnqueue(payload)
	}
	return &asynq.TaskInfo{ID: payload.JobID, Queue: "default"}, nil
}

type fakeObjects map[string]storage.ObjectInfo

func (f fakeObjects) StatObject(_ context.Context, key string) (storage.ObjectInfo, error) {
	info, ok := f[key]
	if !ok {
		return storage.ObjectInfo{}, storage.ErrObjectNotFound
	}
	return info, nil
}

type denyLimiter struct{}

func (denyLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	return ratelimit.Decision{Allowed: false, Limit: 1, RetryAfter: 1500 * time.Millisecond}, nil
}

func uploadBody(t *testing.T, field string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		part, err := mw.CreateFormFile(field, "IMG_0001.HEIC")
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(payload); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart writer: %v", err)
	}
	return &body, mw.FormDataContentType()
}

func doUpload(t *testing.T, h http.Handler, field string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := uploadBody(t, field, payload)
	req := httptest.NewRequest(http.MethodPost, "/convert", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeDescriptor(t *testing.T, rec *httptest.ResponseRecorder) convert.Descriptor {
	t.Helper()
	var desc convert.Descriptor
	if err := json.Unmarshal(rec.Body.Bytes(), &desc); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return desc
}

func TestHealthzAndSecurityHeaders(t *testing.T) {
	srv := NewServer(nil, newFakeConverter(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Fatalf("unexpected body %q", rec.Body.String())
	}
	for header, want := range securityHeaders {
		if got := rec.Header().Get(header); got != want {
			t.Fatalf("header %s = %q, want %q", header, got, want)
		}
	}
}

func TestIndex(t *testing.T) {
	srv := NewServer(nil, newFakeConverter(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "POST /convert") {
		t.Fatalf("unexpected index response %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestConvertUpload(t *testing.T) {
	conv := newFakeConverter()
	srv := NewServer(nil, conv, nil)

	rec := doUpload(t, srv.Handler(), ingress.UploadField, []byte("heic-bytes"))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != convert.ContentTypeJPEG {
		t.Fatalf("expected image/jpeg, got %q", got)
	}
	if got := rec.Header().Get(headerPlan); got != "rotate-to-upright" {
		t.Fatalf("unexpected plan header %q", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), conv.out.Data) {
		t.Fatalf("unexpected body %x", rec.Body.Bytes())
	}
}

func TestConvertUploadMissingField(t *testing.T) {
	conv := newFakeConverter()
	srv := NewServer(nil, conv, nil)

	rec := doUpload(t, srv.Handler(), "", nil)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if desc := decodeDescriptor(t, rec); desc.Kind != convert.KindValidation {
		t.Fatalf("expected ValidationError, got %+v", desc)
	}
	if conv.calls != 0 {
		t.Fatalf("converter should not run without input")
	}
}

func TestConvertUploadTooLarge(t *testing.T) {
	conv := newFakeConverter()
	conv.cfg.MaxFileSizeBytes = 16
	srv := NewServer(nil, conv, nil)

	rec := doUpload(t, srv.Handler(), ingress.UploadField, bytes.Repeat([]byte{1}, 64))

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if desc := decodeDescriptor(t, rec); desc.Kind != convert.KindValidation {
		t.Fatalf("expected ValidationError, got %+v", desc)
	}
}

func TestConvertUploadOversizedLeadingField(t *testing.T) {
	conv := newFakeConverter()
	conv.cfg.MaxFileSizeBytes = 16
	srv := NewServer(nil, conv, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("caption", strings.Repeat("x", 80*1024)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	part, err := mw.CreateFormFile(ingress.UploadField, "a.heic")
	if err != nil {
		t.Fatalf("create part: %v", err)
	}
	_, _ = part.Write([]byte("x"))
	if err := mw.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/convert", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestConvertErrorStatusMapping(t *testing.T) {
	tests := []struct {
		err  error
		code int
		kind convert.Kind
	}{
		{convert.DecodeError(errors.New("bad header")), http.StatusUnprocessableEntity, convert.KindDecode},
		{convert.EncodeError(errors.New("encoder failed")), http.StatusInternalServerError, convert.KindEncode},
		{convert.CanceledError(context.Canceled), http.StatusServiceUnavailable, convert.KindCanceled},
		{errors.New("unexpected"), http.StatusInternalServerError, convert.KindEncode},
	}

	for _, tt := range tests {
		conv := newFakeConverter()
		conv.err = tt.err
		srv := NewServer(nil, conv, nil)

		rec := doUpload(t, srv.Handler(), ingress.UploadField, []byte("x"))
		if rec.Code != tt.code {
			t.Fatalf("%v: expected %d, got %d", tt.err, tt.code, rec.Code)
		}
		if desc := decodeDescriptor(t, rec); desc.Kind != tt.kind || desc.Message == "" {
			t.Fatalf("%v: unexpected descriptor %+v", tt.err, desc)
		}
	}
}

func TestConvertURLRemoteNotFound(t *testing.T) {
	remote := httptest.NewServer(http.NotFoundHandler())
	defer remote.Close()

	conv := newFakeConverter()
	srv := NewServer(nil, conv, ingress.NewFetcher(conv.cfg.MaxFileSizeBytes, time.Second))

	body := strings.NewReader(`{"url": "` + remote.URL + `/IMG_0001.HEIC"}`)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/convert-url", body))

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", rec.Code)
	}
	want := convert.Descriptor{Kind: convert.KindFetch, Status: http.StatusNotFound}
	got := decodeDescriptor(t, rec)
	got.Message = ""
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("descriptor mismatch (-want +got):\n%s", diff)
	}
	if conv.calls != 0 {
		t.Fatalf("converter should not run after a fetch failure")
	}
}

func TestConvertURLSuccessAndMissingURL(t *testing.T) {
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/heic")
		_, _ = w.Write([]byte("remote-heic"))
	}))
	defer remote.Close()

	conv := newFakeConverter()
	srv := NewServer(nil, conv, ingress.NewFetcher(conv.cfg.MaxFileSizeBytes, time.Second))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/convert-url", strings.NewReader(`{"url":"`+remote.URL+`/a.heic"}`)))
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != convert.ContentTypeJPEG {
		t.Fatalf("expected jpeg response, got %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/convert-url", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing url, got %d", rec.Code)
	}
	if desc := decodeDescriptor(t, rec); desc.Kind != convert.KindValidation {
		t.Fatalf("expected ValidationError, got %+v", desc)
	}
}

func TestPanicIsRecoveredAndServerStaysUp(t *testing.T) {
	conv := newFakeConverter()
	conv.panic = true
	srv := NewServer(nil, conv, nil)

	rec := doUpload(t, srv.Handler(), ingress.UploadField, []byte("x"))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 after panic, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("server unusable after panic: %d", rec.Code)
	}
}

func TestCreateAndGetJob(t *testing.T) {
	q := &fakeQueue{}
	jobs := store.NewMemoryJobStore()
	srv := NewServer(nil, newFakeConverter(), nil, WithJobs(q, "default", jobs))

	body := `{"source_type":"url","source":"https://images.example.com/a.heic","webhook_url":"https://hooks.example.com/h"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	var created struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.JobID == "" || created.Status != domain.JobStatusQueued {
		t.Fatalf("unexpected create response %+v", created)
	}
	if len(q.payloads) != 1 || q.payloads[0].JobID != created.JobID || q.payloads[0].Source != "https://images.example.com/a.heic" {
		t.Fatalf("unexpected enqueued payloads %+v", q.payloads)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/"+created.JobID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var got jobResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if got.Status != domain.JobStatusQueued || got.SourceType != domain.SourceTypeURL {
		t.Fatalf("unexpected job %+v", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/jobs/does-not-exist", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestCreateJobSurvivesWorkerFinishingFirst(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	var workerErrs []error
	q := &fakeQueue{onEnqueue: func(p queue.ConvertImagePayload) {
		ctx := context.Background()
		if _, err := jobs.MarkStatus(ctx, p.JobID, domain.JobStatusProcessing); err != nil {
			workerErrs = append(workerErrs, err)
		}
		if _, err := jobs.MarkSucceeded(ctx, p.JobID, domain.JobResult{OutputBytes: 10, Width: 2, Height: 2}); err != nil {
			workerErrs = append(workerErrs, err)
		}
	}}
	srv := NewServer(nil, newFakeConverter(), nil, WithJobs(q, "default", jobs))

	body := `{"source_type":"url","source":"https://images.example.com/a.heic","webhook_url":"https://hooks.example.com/h"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(workerErrs) != 0 {
		t.Fatalf("worker transitions rejected: %v", workerErrs)
	}
	if len(q.payloads) != 1 {
		t.Fatalf("expected one enqueued task, got %d", len(q.payloads))
	}

	job, ok, err := jobs.Get(context.Background(), q.payloads[0].JobID)
	if err != nil || !ok {
		t.Fatalf("load job: ok=%v err=%v", ok, err)
	}
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", job.Status)
	}
}

func TestCreateJobValidationAndSources(t *testing.T) {
	objects := fakeObjects{"uploads/ok.heic": {Key: "uploads/ok.heic", Size: 10}}
	srv := NewServer(nil, newFakeConverter(), nil,
		WithJobs(&fakeQueue{}, "default", store.NewMemoryJobStore()),
		WithObjectStore(objects),
	)

	tests := []struct {
		body string
		code int
	}{
		{`{"source_type":"url"}`, http.StatusBadRequest},
		{`{"source_type":"url","source":"https://a.example.com/x","webhook_url":"https://h.example.com","extra":1}`, http.StatusBadRequest},
		{`{"source_type":"object","source":"uploads/missing.heic","webhook_url":"https://h.example.com"}`, http.StatusConflict},
		{`{"source_type":"object","source":"uploads/ok.heic","webhook_url":"https://h.example.com"}`, http.StatusAccepted},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(tt.body)))
		if rec.Code != tt.code {
			t.Fatalf("body %s: expected %d, got %d: %s", tt.body, tt.code, rec.Code, rec.Body.String())
		}
	}
}

func TestCreateJobEnqueueFailureMarksJobFailed(t *testing.T) {
	jobs := store.NewMemoryJobStore()
	srv := NewServer(nil, newFakeConverter(), nil, WithJobs(&fakeQueue{err: errors.New("redis down")}, "default", jobs))

	body := `{"source_type":"url","source":"https://images.example.com/a.heic","webhook_url":"https://hooks.example.com/h"}`
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body)))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
}

func TestJobsDisabled(t *testing.T) {
	srv := NewServer(nil, newFakeConverter(), nil)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{}`)))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestRateLimitAppliesToPostOnly(t *testing.T) {
	srv := NewServer(nil, newFakeConverter(), nil, WithRateLimiter(denyLimiter{}, ""))

	rec := doUpload(t, srv.Handler(), ingress.UploadField, []byte("x"))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("GET should not be rate limited, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := NewServer(nil, newFakeConverter(), nil)
	_ = doUpload(t, srv.Handler(), ingress.UploadField, []byte("x"))

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, name := range []string{"heicflow_api_requests_total", "heicflow_conversions_total", `route="POST /convert"`} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics output missing %s", name)
		}
	}
}

func TestConvertUploadEndToEnd(t *testing.T) {
	conv, err := convert.New(convert.Config{MaxFileSizeBytes: 1 << 20, JPEGQuality: 85})
	if err != nil {
		t.Fatalf("new converter: %v", err)
	}
	srv := NewServer(nil, conv, nil)

	src := image.NewNRGBA(image.Rect(0, 0, 24, 12))
	for y := 0; y < 12; y++ {
		for x := 0; x < 24; x++ {
			src.SetNRGBA(x, y, color.NRGBA{R: 10, G: 120, B: 200, A: 255})
		}
	}
	var pngData bytes.Buffer
	if err := png.Encode(&pngData, src); err != nil {
		t.Fatalf("encode png: %v", err)
	}

	rec := doUpload(t, srv.Handler(), ingress.UploadField, pngData.Bytes())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	out, err := jpeg.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("response is not a jpeg: %v", err)
	}
	if b := out.Bounds(); b.Dx() != 24 || b.Dy() != 12 {
		t.Fatalf("expected 24x12, got %dx%d", b.Dx(), b.Dy())
	}
}
