package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/vidflow/internal/domain"
)

// jobRecord is the persisted layout shared by the non-relational stores.
type jobRecord struct {
	JobID           string                  `json:"job_id"`
	JobState        string                  `json:"job_state"`
	InputLocator    string                  `json:"input_locator"`
	OutputLocator   string                  `json:"output_locator"`
	TargetQuality   string                  `json:"target_quality"`
	SubmitTimestamp int64                   `json:"submit_timestamp"`
	CallbackData    *domain.CallbackPayload `json:"callback_data"`
}

func toRecord(job domain.Job) jobRecord {
	return jobRecord{
		JobID:           job.ID,
		JobState:        string(job.State),
		InputLocator:    job.InputLocator,
		OutputLocator:   job.OutputLocator,
		TargetQuality:   job.TargetPreset,
		SubmitTimestamp: job.SubmittedAt.UTC().UnixMilli(),
		CallbackData:    job.Callback,
	}
}

func (r jobRecord) toJob() (domain.Job, error) {
	state := domain.JobState(r.JobState)
	if !state.Valid() {
		return domain.Job{}, fmt.Errorf("job %s has unknown state %q", r.JobID, r.JobState)
	}
	return domain.Job{
		ID:            r.JobID,
		State:         state,
		InputLocator:  r.InputLocator,
		OutputLocator: r.OutputLocator,
		TargetPreset:  r.TargetQuality,
		SubmittedAt:   time.UnixMilli(r.SubmitTimestamp).UTC(),
		Callback:      r.CallbackData,
	}, nil
}

func encodeCallback(payload *domain.CallbackPayload) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal callback payload: %w", err)
	}
	return data, nil
}

func decodeCallback(data []byte) (*domain.CallbackPayload, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var payload domain.CallbackPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal callback payload: %w", err)
	}
	return &payload, nil
}
