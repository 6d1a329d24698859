package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/vidflow/internal/config"
	"github.com/dunamismax/vidflow/internal/dispatch"
	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/dunamismax/vidflow/internal/queue"
	"github.com/dunamismax/vidflow/internal/telemetry"
	"github.com/dunamismax/vidflow/internal/webhook"
)

type launcher interface {
	Launch(ctx context.Context, a dispatch.Assignment) (int, error)
}

// processLauncher runs `worker run` as a child process and waits for it.
type processLauncher struct {
	binary string
	stdout io.Writer
	stderr io.Writer
}

func (l processLauncher) Launch(_ context.Context, a dispatch.Assignment) (int, error) {
	cmd := dispatch.Command(l.binary, a)
	cmd.Stdout = l.stdout
	cmd.Stderr = l.stderr
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start worker process: %w", err)
	}
	return dispatch.ExitCode(cmd.Wait()), nil
}

// Server consumes queue-dispatched jobs and runs each one in its own worker
// process, at most MaxActiveJobs at a time.
type Server struct {
	logger    *slog.Logger
	server    *asynq.Server
	sem       chan struct{}
	launcher  launcher
	callbacks callbackSender
	metrics   *metrics
	tracer    trace.Tracer
}

func NewServer(
	logger *slog.Logger,
	queueCfg config.QueueConfig,
	workerCfg config.WorkerConfig,
	workerBinary string,
	callbacks *webhook.Client,
) (*Server, error) {
	if workerBinary == "" {
		return nil, fmt.Errorf("worker binary is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "worker_server")

	var sender callbackSender
	if callbacks != nil {
		sender = callbacks
	}
	s := newServer(logger, processLauncher{binary: workerBinary, stdout: os.Stdout, stderr: os.Stderr}, sender, workerCfg.MaxActiveJobs)
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: workerCfg.Concurrency,
			Queues: map[string]int{
				queueCfg.Name: 1,
			},
			LogLevel: asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Error("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "error", err)
			}),
		},
	)
	return s, nil
}

func newServer(logger *slog.Logger, l launcher, callbacks callbackSender, maxActiveJobs int) *Server {
	return &Server{
		logger:    logger,
		sem:       make(chan struct{}, max(1, maxActiveJobs)),
		launcher:  l,
		callbacks: callbacks,
		metrics:   newMetrics(),
		tracer:    otel.Tracer("vidflow/worker"),
	}
}

func (s *Server) Run() error {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeRunTranscode, s.handleRunTranscode)
	return s.server.Run(mux)
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleRunTranscode(ctx context.Context, task *asynq.Task) error {
	payload, err := queue.ParseRunTranscodePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}
	assignment := dispatch.FromPayload(payload)
	logger := s.logger.With("job_id", assignment.JobID)

	ctx = telemetry.WithTraceParent(ctx, payload.TraceParent)
	ctx, span := s.tracer.Start(ctx, "worker.run_transcode", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(
		attribute.String("job.id", assignment.JobID),
		attribute.String("job.preset", assignment.Preset),
	)
	defer span.End()
	if traceParent := telemetry.TraceParent(ctx); traceParent != "" {
		assignment.TraceParent = traceParent
	}

	s.sem <- struct{}{}
	s.metrics.activeJobs.Inc()
	defer func() {
		<-s.sem
		s.metrics.activeJobs.Dec()
	}()

	startedAt := time.Now()
	logger.Info("launching worker process", "input", assignment.InputLocator, "preset", assignment.Preset)
	code, err := s.launcher.Launch(ctx, assignment)
	outcome := outcomeFor(code, err)
	s.metrics.jobDuration.WithLabelValues(outcome).Observe(time.Since(startedAt).Seconds())
	s.metrics.jobsTotal.WithLabelValues(outcome).Inc()
	s.metrics.exitCodes.WithLabelValues(strconv.Itoa(code)).Inc()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "launch failed")
		s.reportLaunchFailure(ctx, logger, assignment, err)
		return fmt.Errorf("launch worker: %w", err)
	}

	switch code {
	case ExitOK:
		span.SetStatus(codes.Ok, "completed")
		logger.Info("worker process finished", "exit_code", code)
		return nil
	case ExitJobFailed:
		// the worker already reported the failure through its callback
		span.SetStatus(codes.Error, "job failed")
		logger.Warn("worker process reported failure", "exit_code", code)
		return nil
	default:
		span.SetStatus(codes.Error, "worker exited abnormally")
		logger.Error("worker process exited abnormally", "exit_code", code)
		return fmt.Errorf("worker exited with code %d", code)
	}
}

// reportLaunchFailure stands in for the worker when no worker process could
// be started, so the job does not stay progressing.
func (s *Server) reportLaunchFailure(ctx context.Context, logger *slog.Logger, a dispatch.Assignment, launchErr error) {
	if s.callbacks == nil || a.CallbackURL == "" {
		return
	}
	payload := domain.CallbackPayload{
		Success: false,
		Detail: domain.CallbackDetail{
			JobID:         a.JobID,
			InputLocator:  a.InputLocator,
			OutputLocator: a.OutputLocator,
			Preset:        a.Preset,
			ErrorStack:    ErrorStack(launchErr),
		},
	}
	if err := s.callbacks.Send(ctx, a.CallbackURL, webhook.EventJobFailed, payload); err != nil {
		logger.Error("launch failure callback failed", "error", err)
	}
}

func outcomeFor(code int, err error) string {
	switch {
	case err != nil:
		return "launch_failed"
	case code == ExitOK:
		return domain.JobStateCompleted.String()
	case code == ExitJobFailed:
		return domain.JobStateFailed.String()
	default:
		return "crashed"
	}
}
