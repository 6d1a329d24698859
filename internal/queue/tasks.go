package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const TypeRunTranscode = "transcode:run"

// RunTranscodePayload is everything a worker unit needs to execute one job.
type RunTranscodePayload struct {
	JobID         string    `json:"job_id"`
	InputLocator  string    `json:"input_locator"`
	OutputLocator string    `json:"output_locator"`
	Preset        string    `json:"preset"`
	CallbackURL   string    `json:"callback_url"`
	TraceParent   string    `json:"traceparent,omitempty"`
	RequestedAt   time.Time `json:"requested_at"`

	Codec     string            `json:"codec,omitempty"`
	Filters   map[string]string `json:"filters,omitempty"`
	ExtraArgs []string          `json:"extra_args,omitempty"`
}

func NewRunTranscodeTask(payload RunTranscodePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal transcode payload: %w", err)
	}
	return asynq.NewTask(TypeRunTranscode, body), nil
}

func ParseRunTranscodePayload(task *asynq.Task) (RunTranscodePayload, error) {
	var payload RunTranscodePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return RunTranscodePayload{}, fmt.Errorf("unmarshal transcode payload: %w", err)
	}
	if payload.JobID == "" {
		return RunTranscodePayload{}, fmt.Errorf("transcode payload has no job_id")
	}
	return payload, nil
}
