// Package monitor reports jobs that have been progressing for too long.
// A worker that dies without calling back leaves its job progressing; the
// reporter surfaces those jobs but never changes their state.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/dunamismax/vidflow/internal/domain"
)

type JobLister interface {
	ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error)
}

type StaleReporter struct {
	jobs       JobLister
	staleAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	cron       *cron.Cron
	stale      prometheus.Gauge
	oldest     prometheus.Gauge
}

func NewStaleReporter(jobs JobLister, staleAfter time.Duration, reg prometheus.Registerer, logger *slog.Logger) (*StaleReporter, error) {
	if staleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive")
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &StaleReporter{
		jobs:       jobs,
		staleAfter: staleAfter,
		logger:     logger.With("component", "stale_monitor"),
		now:        time.Now,
		stale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidflow_jobs_stale",
			Help: "Jobs progressing for longer than the stale threshold.",
		}),
		oldest: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vidflow_jobs_oldest_progressing_seconds",
			Help: "Age of the oldest progressing job.",
		}),
	}
	if reg != nil {
		if err := reg.Register(r.stale); err != nil {
			return nil, fmt.Errorf("register stale gauge: %w", err)
		}
		if err := reg.Register(r.oldest); err != nil {
			return nil, fmt.Errorf("register oldest gauge: %w", err)
		}
	}
	return r, nil
}

// Start schedules Check on spec, a cron expression or descriptor such as
// "@every 1m".
func (r *StaleReporter) Start(spec string) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.Check(ctx); err != nil {
			r.logger.Error("stale job check failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule stale job check %q: %w", spec, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("stale job monitor started", "schedule", spec, "stale_after", r.staleAfter.String())
	return nil
}

// Stop waits for a running check to finish or ctx to expire.
func (r *StaleReporter) Stop(ctx context.Context) {
	if r.cron == nil {
		return
	}
	select {
	case <-r.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Check returns the progressing jobs older than the threshold.
func (r *StaleReporter) Check(ctx context.Context) ([]domain.Job, error) {
	progressing, err := r.jobs.ListByState(ctx, domain.JobStateProgressing)
	if err != nil {
		return nil, fmt.Errorf("list progressing jobs: %w", err)
	}

	now := r.now()
	var stale []domain.Job
	var oldest time.Duration
	for _, job := range progressing {
		age := now.Sub(job.SubmittedAt)
		oldest = max(oldest, age)
		if age < r.staleAfter {
			continue
		}
		stale = append(stale, job)
		r.logger.Warn("job has not reported back",
			"job_id", job.ID,
			"preset", job.TargetPreset,
			"age", age.Round(time.Second).String(),
		)
	}

	r.stale.Set(float64(len(stale)))
	r.oldest.Set(oldest.Seconds())
	return stale, nil
}
