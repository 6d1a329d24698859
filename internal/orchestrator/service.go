// Package orchestrator accepts transcode submissions, persists job records,
// launches worker units and records their callbacks.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/vidflow/internal/dispatch"
	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/dunamismax/vidflow/internal/id"
	"github.com/dunamismax/vidflow/internal/store"
	"github.com/dunamismax/vidflow/internal/telemetry"
)

var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("job not found")
)

// ValidationError is returned synchronously from Create; no job record exists
// when it is returned.
type ValidationError struct {
	Field            string
	Message          string
	AvailablePresets []string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

type Presets interface {
	HasPreset(name string) bool
	PresetNames() []string
}

// Observer receives lifecycle notifications, typically for metrics.
type Observer interface {
	JobSubmitted(preset string)
	DispatchFailed(preset string)
	CallbackRecorded(state domain.JobState)
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(string) {}
func (nopObserver) DispatchFailed(string) {}
func (nopObserver) CallbackRecorded(domain.JobState) {}

type Service struct {
	store           store.JobStore
	presets         Presets
	dispatcher      dispatch.Dispatcher
	callbackBaseURL string
	logger          *slog.Logger
	observer        Observer
	tracer          trace.Tracer
	now             func() time.Time
}

type Option func(*Service)

func WithObserver(o Observer) Option {
	return func(s *Service) {
		if o != nil {
			s.observer = o
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New builds the orchestrator. callbackBaseURL is the externally reachable
// base of the API, e.g. http://api:8080.
func New(jobs store.JobStore, presets Presets, dispatcher dispatch.Dispatcher, callbackBaseURL string, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:           jobs,
		presets:         presets,
		dispatcher:      dispatcher,
		callbackBaseURL: strings.TrimRight(callbackBaseURL, "/"),
		logger:          logger.With("component", "orchestrator"),
		observer:        nopObserver{},
		tracer:          otel.Tracer("vidflow/orchestrator"),
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PresetNames lists the presets a submission may name.
func (s *Service) PresetNames() []string {
	return s.presets.PresetNames()
}

// CallbackURL is where the worker for jobID reports its outcome.
func (s *Service) CallbackURL(jobID string) string {
	return s.callbackBaseURL + "/v1/jobs/" + url.PathEscape(jobID) + "/callback"
}

// Create validates and persists a job, then launches its worker unit. It
// returns once the unit is launched. A launch failure is not an error for the
// caller: the job is recorded as failed and shows up on the next status query.
func (s *Service) Create(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error) {
	if err := s.validate(req); err != nil {
		return domain.Job{}, err
	}

	now := s.now().UTC()
	job := domain.Job{
		ID:            id.NewAt(now),
		State:         domain.JobStateWaiting,
		InputLocator:  strings.TrimSpace(req.InputLocator),
		OutputLocator: domain.OutputLocator(req.InputLocator, req.QualityPresetName),
		TargetPreset:  strings.TrimSpace(req.QualityPresetName),
		SubmittedAt:   now,
	}
	logger := s.logger.With("job_id", job.ID)

	ctx, span := s.tracer.Start(ctx, "orchestrator.create", trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.preset", job.TargetPreset),
	)
	defer span.End()

	if err := s.store.Create(ctx, job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return domain.Job{}, fmt.Errorf("persist job: %w", err)
	}
	s.observer.JobSubmitted(job.TargetPreset)

	err := s.dispatcher.Dispatch(ctx, dispatch.Assignment{
		JobID:         job.ID,
		InputLocator:  job.InputLocator,
		OutputLocator: job.OutputLocator,
		Preset:        job.TargetPreset,
		CallbackURL:   s.CallbackURL(job.ID),
		TraceParent:   telemetry.TraceParent(ctx),
	})
	if err != nil {
		logger.Error("dispatch failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		s.observer.DispatchFailed(job.TargetPreset)

		failed, cerr := s.store.Complete(ctx, job.ID, domain.CallbackPayload{
			Success: false,
			Detail: domain.CallbackDetail{
				JobID:         job.ID,
				InputLocator:  job.InputLocator,
				OutputLocator: job.OutputLocator,
				Preset:        job.TargetPreset,
				ErrorStack:    "dispatch: " + err.Error(),
			},
		})
		if cerr != nil {
			return domain.Job{}, fmt.Errorf("record dispatch failure: %w", cerr)
		}
		return failed, nil
	}

	dispatched, err := s.store.MarkProgressing(ctx, job.ID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("mark job progressing: %w", err)
	}
	logger.Info("job dispatched",
		"input", job.InputLocator,
		"output", job.OutputLocator,
		"preset", job.TargetPreset,
	)
	span.SetStatus(codes.Ok, "dispatched")
	return dispatched, nil
}

func (s *Service) validate(req domain.CreateJobRequest) error {
	if err := req.Validate(); err != nil {
		verr := &ValidationError{Field: "request", Message: err.Error()}
		var ferr *domain.FieldError
		if errors.As(err, &ferr) {
			verr.Field = ferr.Field
		}
		if verr.Field == "qualityPresetName" {
			verr.AvailablePresets = s.presets.PresetNames()
		}
		return verr
	}
	preset := strings.TrimSpace(req.QualityPresetName)
	if !s.presets.HasPreset(preset) {
		available := s.presets.PresetNames()
		return &ValidationError{
			Field:            "qualityPresetName",
			Message:          fmt.Sprintf("unknown preset %q, available presets: %s", preset, strings.Join(available, ", ")),
			AvailablePresets: available,
		}
	}
	return nil
}

func (s *Service) Status(ctx context.Context, jobID string) (domain.Job, error) {
	job, ok, err := s.store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, fmt.Errorf("load job: %w", err)
	}
	if !ok {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	return job, nil
}

// HandleCallback stores the worker's outcome. It overwrites whatever state
// the job is in, so a repeated callback is harmless.
func (s *Service) HandleCallback(ctx context.Context, jobID string, payload domain.CallbackPayload) (domain.Job, error) {
	job, err := s.store.Complete(ctx, jobID, payload)
	if errors.Is(err, store.ErrJobNotFound) {
		return domain.Job{}, fmt.Errorf("%w: %s", ErrNotFound, jobID)
	}
	if err != nil {
		return domain.Job{}, fmt.Errorf("record callback: %w", err)
	}

	s.observer.CallbackRecorded(job.State)
	logger := s.logger.With("job_id", jobID)
	if payload.Success {
		logger.Info("job completed", "output", payload.Detail.OutputLocator, "elapsed_ms", payload.Detail.ElapsedMS)
	} else {
		logger.Warn("job failed", "error_stack", payload.Detail.ErrorStack)
	}
	return job, nil
}
