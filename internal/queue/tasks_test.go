package queue

import (
	"testing"
	"time"

	"github.com/hibiken/asynq"
)

func TestConvertImageTask(t *testing.T) {
	payload := ConvertImagePayload{
		JobID:       "job-123",
		SourceType:  "object",
		Source:      "uploads/IMG_0001.HEIC",
		WebhookURL:  "https://hooks.example.com/heicflow",
		RequestedAt: time.Now().UTC(),
	}

	task, err := NewConvertImageTask(payload)
	if err != nil {
		t.Fatalf("NewConvertImageTask returned error: %v", err)
	}
	if task.Type() != TypeConvertImage {
		t.Fatalf("expected task type %q, got %q", TypeConvertImage, task.Type())
	}

	parsed, err := ParseConvertImagePayload(task)
	if err != nil {
		t.Fatalf("ParseConvertImagePayload returned error: %v", err)
	}
	if parsed.JobID != payload.JobID || parsed.Source != payload.Source {
		t.Fatalf("unexpected payload %+v", parsed)
	}
}

func TestConvertImageTaskRequiresJobID(t *testing.T) {
	if _, err := NewConvertImageTask(ConvertImagePayload{}); err == nil {
		t.Fatalf("expected error for empty job id")
	}
	if _, err := ParseConvertImagePayload(asynq.NewTask(TypeConvertImage, []byte(`{}`))); err == nil {
		t.Fatalf("expected error for payload without job id")
	}
	if _, err := ParseConvertImagePayload(asynq.NewTask(TypeConvertImage, []byte(`not json`))); err == nil {
		t.Fatalf("expected error for malformed payload")
	}
}

func TestEnqueueOptions(t *testing.T) {
	c := &Client{queue: "images", opts: Options{Retention: time.Hour}.withDefaults()}

	opts := c.enqueueOptions("job-9")
	got := make(map[asynq.OptionType]any, len(opts))
	for _, opt := range opts {
		got[opt.Type()] = opt.Value()
	}

	if got[asynq.QueueOpt] != "images" || got[asynq.TaskIDOpt] != "job-9" {
		t.Fatalf("unexpected queue/task id options %+v", got)
	}
	if got[asynq.MaxRetryOpt] != 5 || got[asynq.TimeoutOpt] != 3*time.Minute {
		t.Fatalf("expected default retry and timeout, got %+v", got)
	}
	if got[asynq.RetentionOpt] != time.Hour {
		t.Fatalf("expected retention option, got %+v", got)
	}

	bare := (&Client{queue: "images", opts: Options{}.withDefaults()}).enqueueOptions("job-10")
	for _, opt := range bare {
		if opt.Type() == asynq.RetentionOpt {
			t.Fatalf("retention should be omitted when zero")
		}
	}
}
