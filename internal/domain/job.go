package domain

import (
	"path"
	"strings"
	"time"
)

type JobState string

const (
	JobStateWaiting     JobState = "waiting"
	JobStateProgressing JobState = "progressing"
	JobStateCompleted   JobState = "completed"
	JobStateFailed      JobState = "failed"
)

var AllJobStates = []JobState{
	JobStateWaiting,
	JobStateProgressing,
	JobStateCompleted,
	JobStateFailed,
}

func (s JobState) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are expected from s.
func (s JobState) IsTerminal() bool {
	return s == JobStateCompleted || s == JobStateFailed
}

func (s JobState) Valid() bool {
	for _, known := range AllJobStates {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition enforces forward-only movement through the job lifecycle.
// A waiting job may go straight to a terminal state when its callback lands
// before it is marked progressing. Terminal states accept a terminal
// overwrite so duplicate callbacks stay idempotent. Nothing returns to
// waiting.
func CanTransition(from, to JobState) bool {
	switch from {
	case JobStateWaiting:
		return to == JobStateProgressing || to.IsTerminal()
	case JobStateProgressing:
		return to.IsTerminal()
	case JobStateCompleted, JobStateFailed:
		return to.IsTerminal()
	default:
		return false
	}
}

type CreateJobRequest struct {
	InputLocator      string `json:"inputLocator"`
	QualityPresetName string `json:"qualityPresetName"`
}

// FieldError names the request field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Message
}

// Validate checks that required fields are present. Whether the preset
// exists is up to the caller.
func (r CreateJobRequest) Validate() error {
	if strings.TrimSpace(r.InputLocator) == "" {
		return &FieldError{Field: "inputLocator", Message: "inputLocator is required"}
	}
	if strings.TrimSpace(r.QualityPresetName) == "" {
		return &FieldError{Field: "qualityPresetName", Message: "qualityPresetName is required"}
	}
	return nil
}

type Job struct {
	ID            string
	State         JobState
	InputLocator  string
	OutputLocator string
	TargetPreset  string
	SubmittedAt   time.Time
	Callback      *CallbackPayload
}

// CallbackPayload is what a worker reports once a job reaches a terminal state.
type CallbackPayload struct {
	Success bool           `json:"success"`
	Detail  CallbackDetail `json:"detail"`
}

type CallbackDetail struct {
	JobID            string `json:"jobId"`
	InputLocator     string `json:"inputLocator"`
	OutputLocator    string `json:"outputLocator"`
	Preset           string `json:"preset"`
	ElapsedMS        int64  `json:"elapsedMs,omitempty"`
	EngineInvocation string `json:"engineInvocation,omitempty"`
	ErrorStack       string `json:"errorStack,omitempty"`
}

// TerminalState maps a callback outcome onto the job state it produces.
func (p CallbackPayload) TerminalState() JobState {
	if p.Success {
		return JobStateCompleted
	}
	return JobStateFailed
}

const defaultOutputExt = ".mp4"

// OutputLocator derives where the transcoded object is written. The same
// input and preset always produce the same locator, so resubmitting
// overwrites the previous output.
func OutputLocator(inputLocator, presetName string) string {
	inputLocator = strings.TrimSpace(inputLocator)
	presetName = strings.TrimSpace(presetName)

	dir, file := path.Split(inputLocator)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	if ext == "" {
		ext = defaultOutputExt
	}
	if base == "" {
		base = "output"
	}
	return dir + base + "_" + presetName + ext
}
