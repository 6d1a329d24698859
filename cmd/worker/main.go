// Command worker runs transcode jobs.
//
//	worker run -job-id ID -input LOC -output LOC -preset NAME -callback-url URL
//	           [-codec NAME] [-filter KEY=VALUE ...] [-extra-arg ARG ...]
//	worker serve
//
// `run` executes one job, reports it to the callback URL and exits with a
// status describing the outcome. `serve` consumes queued assignments and
// launches one `run` process per job.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dunamismax/vidflow/internal/config"
	"github.com/dunamismax/vidflow/internal/dispatch"
	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/dunamismax/vidflow/internal/engine"
	"github.com/dunamismax/vidflow/internal/pipeline"
	"github.com/dunamismax/vidflow/internal/storage"
	"github.com/dunamismax/vidflow/internal/telemetry"
	"github.com/dunamismax/vidflow/internal/transcode"
	"github.com/dunamismax/vidflow/internal/webhook"
	"github.com/dunamismax/vidflow/internal/worker"
)

const exitUsage = 64

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: worker run|serve [flags]")
		os.Exit(exitUsage)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(exitUsage)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.API.SlogLevel()}))
	slog.SetDefault(logger)

	switch os.Args[1] {
	case dispatch.SubcommandRun:
		os.Exit(runJob(cfg, logger, os.Args[2:]))
	case "serve":
		if err := serve(cfg, logger); err != nil {
			logger.Error("worker server exited", "error", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", os.Args[1])
		os.Exit(exitUsage)
	}
}

func runJob(cfg config.Config, logger *slog.Logger, args []string) int {
	assignment, err := dispatch.ParseAssignment(args)
	if err != nil {
		logger.Error("invalid assignment", "error", err)
		return exitUsage
	}
	logger = logger.With("job_id", assignment.JobID)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = telemetry.WithTraceParent(ctx, os.Getenv(telemetry.EnvTraceParent))

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "vidflow-worker",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		logger.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	callbacks := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Callback.SigningSecret,
		Timeout:       cfg.Callback.Timeout,
		MaxAttempts:   cfg.Callback.MaxAttempts,
	})

	job, err := worker.JobFromAssignment(assignment)
	if err != nil {
		logger.Error("invalid overrides", "error", err)
		runner := worker.NewRunner(failingProcessor{err: err}, callbacks, logger)
		return worker.ExitCode(runner.Run(ctx, job))
	}

	processor, err := newProcessor(cfg, logger)
	if err != nil {
		// Nothing ran yet, but the job still has to leave progressing.
		logger.Error("worker setup failed", "error", err)
		runner := worker.NewRunner(failingProcessor{err: err}, callbacks, logger)
		return worker.ExitCode(runner.Run(ctx, job))
	}

	runner := worker.NewRunner(processor, callbacks, logger)
	return worker.ExitCode(runner.Run(ctx, job))
}

func newProcessor(cfg config.Config, logger *slog.Logger) (*pipeline.Processor, error) {
	blobs, err := storage.NewClient(storage.Config{
		Endpoint: cfg.Storage.Endpoint,
		Access:   cfg.Storage.AccessKey,
		Secret:   cfg.Storage.SecretKey,
		Bucket:   cfg.Storage.Bucket,
		UseSSL:   cfg.Storage.UseSSL,
	})
	if err != nil {
		return nil, err
	}
	tables, err := transcode.LoadTables(cfg.Worker.PresetsFile)
	if err != nil {
		return nil, err
	}
	return pipeline.NewProcessor(
		blobs,
		engine.New(cfg.Worker.FFmpegPath, cfg.Worker.FFprobePath),
		transcode.NewResolver(tables),
		cfg.Worker.WorkDir,
		logger,
	)
}

type failingProcessor struct {
	err error
}

func (p failingProcessor) Process(_ context.Context, req pipeline.Request) (domain.CallbackDetail, error) {
	return domain.CallbackDetail{
		JobID:         req.JobID,
		InputLocator:  req.InputLocator,
		OutputLocator: req.OutputLocator,
		Preset:        req.Preset,
	}, p.err
}

func serve(cfg config.Config, logger *slog.Logger) error {
	binary, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve worker binary: %w", err)
	}

	shutdownTracing, err := telemetry.SetupTracing(context.Background(), telemetry.TraceConfig{
		ServiceName:  "vidflow-worker-server",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(flushCtx)
	}()

	callbacks := webhook.NewClient(webhook.Config{
		SigningSecret: cfg.Callback.SigningSecret,
		Timeout:       cfg.Callback.Timeout,
		MaxAttempts:   cfg.Callback.MaxAttempts,
	})
	srv, err := worker.NewServer(logger, cfg.Queue, cfg.Worker, binary, callbacks)
	if err != nil {
		return err
	}

	metricsServer := &http.Server{
		Addr:              cfg.Worker.MetricsAddr,
		Handler:           srv.MetricsHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("starting worker server",
		"concurrency", cfg.Worker.Concurrency,
		"max_active_jobs", cfg.Worker.MaxActiveJobs,
		"queue", cfg.Queue.Name,
		"redis", cfg.Queue.RedisAddr,
		"metrics_addr", cfg.Worker.MetricsAddr,
	)

	// Run blocks until SIGINT or SIGTERM and drains in-flight tasks itself.
	err = srv.Run()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	return err
}
