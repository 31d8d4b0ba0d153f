package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeConvertImage = "image:convert"

type ConvertImagePayload struct {
	JobID       string    `json:"job_id"`
	SourceType  string    `json:"source_type"`
	Source      string    `json:"source"`
	WebhookURL  string    `json:"webhook_url"`
	RequestedAt time.Time `json:"requested_at"`
}

func NewConvertImageTask(payload ConvertImagePayload) (*asynq.Task, error) {
	if payload.JobID == "" {
		return nil, errors.New("convert payload requires a job id")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertImage, body), nil
}

func ParseConvertImagePayload(task *asynq.Task) (ConvertImagePayload, error) {
	var payload ConvertImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertImagePayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	if payload.JobID == "" {
		return ConvertImagePayload{}, errors.New("convert payload is missing job_id")
	}
	return payload, nil
}
