package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// ErrDuplicateJob is returned when a task for the same job id is already
// pending, scheduled or retrying.
var ErrDuplicateJob = errors.New("job already enqueued")

// Options tune how conversion tasks are enqueued. Zero values use defaults.
type Options struct {
	MaxRetry  int
	Timeout   time.Duration
	Retention time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetry <= 0 {
		o.MaxRetry = 5
	}
	if o.Timeout <= 0 {
		o.Timeout = 3 * time.Minute
	}
	if o.Retention < 0 {
		o.Retention = 0
	}
	return o
}

type Client struct {
	client *asynq.Client
	queue  string
	opts   Options
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string, opts Options) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
		opts:   opts.withDefaults(),
	}
}

// EnqueueConvertImage schedules a conversion. The job id doubles as the
// asynq task id so a job is never queued twice.
func (c *Client) EnqueueConvertImage(ctx context.Context, payload ConvertImagePayload) (*asynq.TaskInfo, error) {
	task, err := NewConvertImageTask(payload)
	if err != nil {
		return nil, err
	}

	info, err := c.client.EnqueueContext(ctx, task, c.enqueueOptions(payload.JobID)...)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, ErrDuplicateJob)
	}
	if err != nil {
		return nil, fmt.Errorf("enqueue job %s: %w", payload.JobID, err)
	}
	return info, nil
}

func (c *Client) enqueueOptions(jobID string) []asynq.Option {
	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.TaskID(jobID),
		asynq.MaxRetry(c.opts.MaxRetry),
		asynq.Timeout(c.opts.Timeout),
	}
	if c.opts.Retention > 0 {
		opts = append(opts, asynq.Retention(c.opts.Retention))
	}
	return opts
}

func (c *Client) Close() error {
	return c.client.Close()
}
