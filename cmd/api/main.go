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

	"github.com/redis/go-redis/v9"

	"github.com/dunamismax/vidflow/internal/api"
	"github.com/dunamismax/vidflow/internal/config"
	"github.com/dunamismax/vidflow/internal/dispatch"
	"github.com/dunamismax/vidflow/internal/monitor"
	"github.com/dunamismax/vidflow/internal/orchestrator"
	"github.com/dunamismax/vidflow/internal/queue"
	"github.com/dunamismax/vidflow/internal/ratelimit"
	"github.com/dunamismax/vidflow/internal/store"
	"github.com/dunamismax/vidflow/internal/telemetry"
	"github.com/dunamismax/vidflow/internal/transcode"
)

func main() {
	if err := run(); err != nil {
		slog.Error("api exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.API.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TraceConfig{
		ServiceName:  "vidflow-api",
		Exporter:     cfg.Tracing.Exporter,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		OTLPInsecure: cfg.Tracing.OTLPInsecure,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	jobs, err := openJobStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			logger.Warn("job store close failed", "error", err)
		}
	}()

	tables, err := transcode.LoadTables(cfg.Worker.PresetsFile)
	if err != nil {
		return err
	}
	resolver := transcode.NewResolver(tables)

	metrics := api.NewMetrics()
	dispatcher, err := newDispatcher(cfg, logger, metrics)
	if err != nil {
		return err
	}
	defer func() {
		if err := dispatcher.Close(); err != nil {
			logger.Warn("dispatcher close failed", "error", err)
		}
	}()

	service := orchestrator.New(jobs, resolver, dispatcher, cfg.API.PublicURL, logger, orchestrator.WithObserver(metrics))

	opts := api.Options{
		CallbackSecret:      cfg.Callback.SigningSecret,
		RateLimitUserHeader: cfg.RateLimit.UserHeader,
	}
	if cfg.RateLimit.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.RedisAddr,
			Password: cfg.Queue.RedisPassword,
			DB:       cfg.Queue.RedisDB,
		})
		defer redisClient.Close()

		limiter, err := ratelimit.NewSubmissionLimiter(redisClient,
			ratelimit.Budget{Capacity: cfg.RateLimit.Capacity, Window: cfg.RateLimit.Window},
			ratelimit.Budget{Capacity: cfg.RateLimit.FleetCapacity, Window: cfg.RateLimit.Window},
			"",
		)
		if err != nil {
			return err
		}
		opts.RateLimiter = limiter
	}

	reporter, err := monitor.NewStaleReporter(jobs, cfg.Monitor.StaleAfter, metrics.Registerer(), logger)
	if err != nil {
		return err
	}
	if err := reporter.Start(cfg.Monitor.Schedule); err != nil {
		return err
	}

	app := api.NewServer(logger, service, jobs, metrics, opts)
	httpServer := &http.Server{
		Addr:         cfg.API.Addr,
		Handler:      app.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening",
			"addr", cfg.API.Addr,
			"store", cfg.Store.Kind,
			"dispatch", cfg.Dispatch.Mode,
			"public_url", cfg.API.PublicURL,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("serve http: %w", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down")
	reporter.Stop(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	return nil
}

func openJobStore(ctx context.Context, cfg config.StoreConfig) (store.JobStore, error) {
	switch cfg.Kind {
	case config.JobStorePostgres:
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		defer cancel()
		return store.NewPostgresJobStore(connectCtx, cfg.DSN)
	case config.JobStoreBadger:
		return store.NewBadgerJobStore(cfg.BadgerDir)
	default:
		return store.NewMemoryJobStore(), nil
	}
}

func newDispatcher(cfg config.Config, logger *slog.Logger, metrics *api.Metrics) (dispatch.Dispatcher, error) {
	switch cfg.Dispatch.Mode {
	case config.DispatchQueue:
		return dispatch.NewQueueDispatcher(queue.NewClient(cfg.Queue.RedisClientOpt(), cfg.Queue.Name)), nil
	case config.DispatchContainer:
		return dispatch.NewContainerDispatcher(dispatch.ContainerConfig{
			Image:   cfg.Dispatch.WorkerImage,
			Network: cfg.Dispatch.WorkerNetwork,
		}, logger)
	default:
		return dispatch.NewProcessDispatcher(cfg.Dispatch.WorkerBinary, logger, dispatch.WithExitHook(metrics.WorkerExited)), nil
	}
}
