// Package pipeline runs one transcode job end to end inside a worker unit:
// validate, stage, resolve, probe, transcode, upload, clean up.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/vidflow/internal/domain"
	"github.com/dunamismax/vidflow/internal/engine"
	"github.com/dunamismax/vidflow/internal/storage"
	"github.com/dunamismax/vidflow/internal/transcode"
)

type Stage string

const (
	StageValidate  Stage = "validate"
	StageStage     Stage = "stage"
	StageResolve   Stage = "resolve"
	StageTranscode Stage = "transcode"
	StageUpload    Stage = "upload"
)

// StageError records which step aborted the pipeline.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func stageErr(stage Stage, err error) error {
	return &StageError{Stage: stage, Err: err}
}

type Request struct {
	JobID         string
	InputLocator  string
	OutputLocator string
	Preset        string
	Codec         string
	Filters       transcode.Filters
	Advanced      transcode.Advanced
}

type BlobStore interface {
	ObjectExists(ctx context.Context, locator string) (bool, error)
	Download(ctx context.Context, locator, localPath string) error
	Upload(ctx context.Context, localPath, locator, contentType string, metadata map[string]string) error
}

type Engine interface {
	Invocation(spec transcode.Spec, inputPath, outputPath string) engine.Invocation
	Start(ctx context.Context, inv engine.Invocation) (*engine.Run, error)
	Probe(ctx context.Context, path string) (engine.ProbeInfo, error)
}

type Resolver interface {
	HasPreset(name string) bool
	Resolve(req transcode.Request) (transcode.Spec, error)
}

// Metadata keys attached to uploaded outputs.
const (
	MetaOriginInput = "Origin-Input"
	MetaPreset      = "Preset"
	MetaProcessedAt = "Processed-At"
)

type Processor struct {
	blobs    BlobStore
	engine   Engine
	resolver Resolver
	workDir  string
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

func NewProcessor(blobs BlobStore, eng Engine, resolver Resolver, workDir string, logger *slog.Logger) (*Processor, error) {
	if blobs == nil {
		return nil, errors.New("blob store is required")
	}
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if strings.TrimSpace(workDir) == "" {
		workDir = os.TempDir()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		blobs:    blobs,
		engine:   eng,
		resolver: resolver,
		workDir:  workDir,
		logger:   logger.With("component", "pipeline"),
		tracer:   otel.Tracer("vidflow/pipeline"),
		now:      time.Now,
	}, nil
}

// Process runs the job once. It never retries. The returned detail is filled
// as far as the pipeline got, on success and on failure; a failure is always a
// *StageError.
func (p *Processor) Process(ctx context.Context, req Request) (domain.CallbackDetail, error) {
	startedAt := p.now()
	detail := domain.CallbackDetail{
		JobID:         req.JobID,
		InputLocator:  req.InputLocator,
		OutputLocator: req.OutputLocator,
		Preset:        req.Preset,
	}
	logger := p.logger.With("job_id", req.JobID)

	ctx, span := p.tracer.Start(ctx, "pipeline.process")
	span.SetAttributes(
		attribute.String("job.id", req.JobID),
		attribute.String("job.preset", req.Preset),
		attribute.String("job.input", req.InputLocator),
	)
	defer span.End()

	err := p.run(ctx, logger, req, &detail)
	detail.ElapsedMS = p.now().Sub(startedAt).Milliseconds()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		return detail, err
	}
	span.SetStatus(codes.Ok, "transcoded")
	return detail, nil
}

func (p *Processor) run(ctx context.Context, logger *slog.Logger, req Request, detail *domain.CallbackDetail) error {
	if err := p.validate(req); err != nil {
		return stageErr(StageValidate, err)
	}

	stamp := p.now().UnixNano()
	token := sanitizePathToken(req.JobID)
	localIn := filepath.Join(p.workDir, fmt.Sprintf("%s_%d_in%s", token, stamp, extensionOf(req.InputLocator)))
	localOut := filepath.Join(p.workDir, fmt.Sprintf("%s_%d_out%s", token, stamp, extensionOf(req.OutputLocator)))
	defer p.cleanup(logger, localIn, localOut)

	if err := p.stage(ctx, req.InputLocator, localIn); err != nil {
		return stageErr(StageStage, err)
	}
	logger.Info("input staged", "input", req.InputLocator, "local_path", localIn)

	spec, err := p.resolver.Resolve(transcode.Request{
		InputLocator: localIn,
		Preset:       req.Preset,
		Codec:        req.Codec,
		Filters:      req.Filters,
		Advanced:     req.Advanced,
	})
	if err != nil {
		return stageErr(StageResolve, err)
	}

	if info, err := p.engine.Probe(ctx, localIn); err != nil {
		logger.Warn("probe failed", "error", err)
	} else {
		logger.Info("input probed",
			"duration_seconds", info.DurationSeconds,
			"width", info.Width,
			"height", info.Height,
			"codec", info.VideoCodec,
		)
	}

	inv := p.engine.Invocation(spec, localIn, localOut)
	detail.EngineInvocation = inv.String()
	if err := p.transcode(ctx, logger, inv); err != nil {
		return stageErr(StageTranscode, err)
	}

	metadata := map[string]string{
		MetaOriginInput: req.InputLocator,
		MetaPreset:      req.Preset,
		MetaProcessedAt: p.now().UTC().Format(time.RFC3339),
	}
	if err := p.blobs.Upload(ctx, localOut, req.OutputLocator, contentTypeForPath(req.OutputLocator), metadata); err != nil {
		return stageErr(StageUpload, err)
	}
	logger.Info("output uploaded", "output", req.OutputLocator)
	return nil
}

func (p *Processor) validate(req Request) error {
	if strings.TrimSpace(req.JobID) == "" {
		return errors.New("job id is required")
	}
	if strings.TrimSpace(req.InputLocator) == "" {
		return errors.New("input locator is required")
	}
	if strings.TrimSpace(req.OutputLocator) == "" {
		return errors.New("output locator is required")
	}
	if !p.resolver.HasPreset(req.Preset) {
		return fmt.Errorf("%w: preset %q is not defined", transcode.ErrInvalidPreset, req.Preset)
	}
	return nil
}

func (p *Processor) stage(ctx context.Context, locator, localPath string) error {
	if err := os.MkdirAll(p.workDir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}
	exists, err := p.blobs.ObjectExists(ctx, locator)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", storage.ErrObjectNotFound, locator)
	}
	return p.blobs.Download(ctx, locator, localPath)
}

func (p *Processor) transcode(ctx context.Context, logger *slog.Logger, inv engine.Invocation) error {
	logger.Info("engine started", "invocation", inv.String())
	run, err := p.engine.Start(ctx, inv)
	if err != nil {
		return err
	}
	for ev := range run.Events() {
		if ev.Kind != engine.EventProgress {
			continue
		}
		logger.Debug("engine progress",
			"elapsed", ev.OutTime.String(),
			"frame", ev.Frame,
			"fps", ev.FPS,
			"bitrate", ev.Bitrate,
		)
	}
	return run.Wait()
}

func (p *Processor) cleanup(logger *slog.Logger, paths ...string) {
	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("local cleanup failed", "path", path, "error", err)
		}
	}
}

func sanitizePathToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
