package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dunamismax/vidflow/internal/dispatch"
	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/dunamismax/vidflow/internal/pipeline"
	"github.com/dunamismax/vidflow/internal/transcode"
	"github.com/dunamismax/vidflow/internal/webhook"
)

// Exit codes of `worker run`. A Go runtime crash exits with 2, which keeps a
// crashed worker distinguishable from both of these.
const (
	ExitOK             = 0
	ExitJobFailed      = 1
	ExitCallbackFailed = 3
)

// ErrCallbackFailed means the outcome could not be reported; the job stays
// progressing in the store.
var ErrCallbackFailed = errors.New("callback delivery failed")

type processor interface {
	Process(ctx context.Context, req pipeline.Request) (domain.CallbackDetail, error)
}

type callbackSender interface {
	Send(ctx context.Context, endpoint, event string, payload any) error
}

// Job is one assignment as seen by the worker unit.
type Job struct {
	Request     pipeline.Request
	CallbackURL string
}

// JobFromAssignment converts a parsed assignment. The returned Job is always
// usable for reporting; a non-nil error means the overrides could not be
// turned into resolver input and the job must be reported as failed.
func JobFromAssignment(a dispatch.Assignment) (Job, error) {
	job := Job{
		Request: pipeline.Request{
			JobID:         a.JobID,
			InputLocator:  a.InputLocator,
			OutputLocator: a.OutputLocator,
			Preset:        a.Preset,
			Codec:         a.Codec,
			Advanced:      transcode.Advanced{ExtraArgs: a.ExtraArgs},
		},
		CallbackURL: a.CallbackURL,
	}
	if len(a.Filters) == 0 {
		return job, nil
	}
	filters, err := transcode.ParseFilters(a.Filters)
	if err != nil {
		return job, &pipeline.StageError{Stage: pipeline.StageResolve, Err: err}
	}
	job.Request.Filters = filters
	return job, nil
}

// Runner executes a single job and reports its outcome exactly once.
type Runner struct {
	processor processor
	callbacks callbackSender
	logger    *slog.Logger
}

func NewRunner(p processor, callbacks callbackSender, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		processor: p,
		callbacks: callbacks,
		logger:    logger.With("component", "worker"),
	}
}

// Run returns nil only when the job succeeded and the success was reported.
// A business failure that was reported returns the pipeline error.
func (r *Runner) Run(ctx context.Context, job Job) error {
	logger := r.logger.With("job_id", job.Request.JobID)
	logger.Info("job started", "input", job.Request.InputLocator, "preset", job.Request.Preset)

	detail, err := r.processor.Process(ctx, job.Request)
	payload := domain.CallbackPayload{Success: err == nil, Detail: detail}
	event := webhook.EventJobCompleted
	if err != nil {
		payload.Detail.ErrorStack = ErrorStack(err)
		event = webhook.EventJobFailed
		logger.Error("job failed", "error", err, "elapsed_ms", detail.ElapsedMS)
	} else {
		logger.Info("job completed", "output", detail.OutputLocator, "elapsed_ms", detail.ElapsedMS)
	}

	if sendErr := r.callbacks.Send(ctx, job.CallbackURL, event, payload); sendErr != nil {
		logger.Error("callback delivery failed", "callback_url", job.CallbackURL, "error", sendErr)
		return errors.Join(err, fmt.Errorf("%w: %v", ErrCallbackFailed, sendErr))
	}
	return err
}

// ExitCode maps a Run result onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrCallbackFailed):
		return ExitCallbackFailed
	default:
		return ExitJobFailed
	}
}

// ErrorStack renders the failing stage and the wrapped error chain, outermost
// first, one per line.
func ErrorStack(err error) string {
	if err == nil {
		return ""
	}
	var lines []string
	var stageErr *pipeline.StageError
	if errors.As(err, &stageErr) {
		lines = append(lines, "stage: "+string(stageErr.Stage))
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, e.Error())
	}
	return strings.Join(lines, "\n")
}
