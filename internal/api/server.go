package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/dunamismax/vidflow/internal/orchestrator"
	"github.com/dunamismax/vidflow/internal/webhook"
)

// JobService is the orchestrator as seen by the transport.
type JobService interface {
	Create(ctx context.Context, req domain.CreateJobRequest) (domain.Job, error)
	Status(ctx context.Context, jobID string) (domain.Job, error)
	HandleCallback(ctx context.Context, jobID string, payload domain.CallbackPayload) (domain.Job, error)
	PresetNames() []string
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type Options struct {
	// CallbackSecret enables signature checks on worker callbacks.
	CallbackSecret      string
	RateLimiter         RateLimiter
	RateLimitUserHeader string
}

type Server struct {
	logger              *slog.Logger
	jobs                JobService
	health              HealthChecker
	metrics             *Metrics
	tracer              trace.Tracer
	rateLimiter         RateLimiter
	rateLimitUserHeader string
	callbackSecret      string
	router              chi.Router
}

func NewServer(logger *slog.Logger, jobs JobService, health HealthChecker, metrics *Metrics, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	if strings.TrimSpace(opts.RateLimitUserHeader) == "" {
		opts.RateLimitUserHeader = "X-User-ID"
	}

	s := &Server{
		logger:              logger.With("component", "api"),
		jobs:                jobs,
		health:              health,
		metrics:             metrics,
		tracer:              otel.Tracer("vidflow/api"),
		rateLimiter:         opts.RateLimiter,
		rateLimitUserHeader: opts.RateLimitUserHeader,
		callbackSecret:      opts.CallbackSecret,
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := chi.NewRouter()
	r.Use(s.withRequestLogging)
	r.Use(s.withRecovery)
	r.Use(s.metrics.withHTTPMetrics)
	r.Use(s.withTracing)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Get("/v1/presets", s.handleListPresets)

	r.With(s.withRateLimit).Post("/v1/jobs", s.handleCreateJob)
	r.Get("/v1/jobs/{jobID}", s.handleGetJob)
	r.Post("/v1/jobs/{jobID}/callback", s.handleCallback)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, codeNotFound, "route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", nil)
	})
	s.router = r
}

type createJobResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

type jobStatusResponse struct {
	JobID    string                  `json:"jobId"`
	State    domain.JobState         `json:"state"`
	Callback *domain.CallbackPayload `json:"callback,omitempty"`
}

type callbackAck struct {
	JobID        string          `json:"jobId"`
	State        domain.JobState `json:"state"`
	Acknowledged bool            `json:"acknowledged"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			s.logger.Warn("health check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, codeUnavailable, "job store unavailable", nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListPresets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"presets": s.jobs.PresetNames()})
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}
	var req domain.CreateJobRequest
	if err := decodeJSON(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	job, err := s.jobs.Create(r.Context(), req)
	if err != nil {
		var verr *orchestrator.ValidationError
		if errors.As(err, &verr) {
			details := map[string]any{"field": verr.Field}
			if len(verr.AvailablePresets) > 0 {
				details["available_presets"] = verr.AvailablePresets
			}
			writeError(w, http.StatusBadRequest, codeValidation, verr.Message, details)
			return
		}
		s.logger.Error("create job failed", "error", err)
		writeError(w, http.StatusInternalServerError, codeInternal, "failed to create job", nil)
		return
	}

	// Accepted for processing; launch failures surface on the status query.
	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:  job.ID,
		Status: domain.JobStateProgressing.String(),
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	job, err := s.jobs.Status(r.Context(), jobID)
	if err != nil {
		s.writeLookupError(w, jobID, err)
		return
	}

	resp := jobStatusResponse{JobID: job.ID, State: job.State}
	if job.State.IsTerminal() {
		resp.Callback = job.Callback
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	body, err := readBody(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	if !webhook.Verify(s.callbackSecret, r.Header.Get(webhook.HeaderTimestamp), body, r.Header.Get(webhook.HeaderSignature)) {
		s.logger.Warn("callback signature rejected", "job_id", jobID)
		writeError(w, http.StatusUnauthorized, codeUnauthorized, "invalid callback signature", nil)
		return
	}

	var payload domain.CallbackPayload
	if err := decodeJSON(body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, codeValidation, err.Error(), nil)
		return
	}

	job, err := s.jobs.HandleCallback(r.Context(), jobID, payload)
	if err != nil {
		s.writeLookupError(w, jobID, err)
		return
	}
	// delivery is acknowledged whatever the job outcome was
	writeJSON(w, http.StatusOK, callbackAck{JobID: job.ID, State: job.State, Acknowledged: true})
}

func (s *Server) writeLookupError(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, orchestrator.ErrNotFound) {
		writeError(w, http.StatusNotFound, codeNotFound, "job not found", map[string]string{"jobId": jobID})
		return
	}
	s.logger.Error("job lookup failed", "job_id", jobID, "error", err)
	writeError(w, http.StatusInternalServerError, codeInternal, "job store unavailable", nil)
}
