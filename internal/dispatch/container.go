package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	Close() error
}

// Environment variables forwarded from the orchestrator into job containers.
var forwardedEnvPrefixes = []string{
	"MINIO_",
	"CALLBACK_",
	"FFMPEG_PATH",
	"FFPROBE_PATH",
	"PRESETS_FILE",
	"WORKER_WORK_DIR",
	"LOG_LEVEL",
	"TRACE_EXPORTER",
	"OTEL_",
	"OTLP_",
}

type ContainerConfig struct {
	Image   string
	Network string
}

// ContainerDispatcher runs each job in its own auto-removed docker container
// whose entrypoint is the worker binary.
type ContainerDispatcher struct {
	docker  dockerAPI
	cfg     ContainerConfig
	environ func() []string
	logger  *slog.Logger
}

func NewContainerDispatcher(cfg ContainerConfig, logger *slog.Logger) (*ContainerDispatcher, error) {
	if strings.TrimSpace(cfg.Image) == "" {
		return nil, fmt.Errorf("worker image is required")
	}
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return newContainerDispatcher(cli, cfg, logger), nil
}

func newContainerDispatcher(docker dockerAPI, cfg ContainerConfig, logger *slog.Logger) *ContainerDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ContainerDispatcher{
		docker:  docker,
		cfg:     cfg,
		environ: os.Environ,
		logger:  logger.With("component", "dispatch", "mode", "container"),
	}
}

func (d *ContainerDispatcher) Dispatch(ctx context.Context, a Assignment) error {
	containerConfig := &container.Config{
		Image: d.cfg.Image,
		Cmd:   a.Args(),
		Env:   append(forwardedEnv(d.environ()), a.Env()...),
		Labels: map[string]string{
			"vidflow.job_id": a.JobID,
		},
	}
	hostConfig := &container.HostConfig{
		AutoRemove: true,
	}
	if d.cfg.Network != "" {
		hostConfig.NetworkMode = container.NetworkMode(d.cfg.Network)
	}

	createResp, err := d.docker.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, containerName(a.JobID))
	if err != nil {
		return fmt.Errorf("%w: create container: %v", ErrNotLaunched, err)
	}

	if err := d.docker.ContainerStart(ctx, createResp.ID, container.StartOptions{}); err != nil {
		_ = d.docker.ContainerRemove(ctx, createResp.ID, container.RemoveOptions{Force: true})
		return fmt.Errorf("%w: start container: %v", ErrNotLaunched, err)
	}

	d.logger.Info("worker container launched", "job_id", a.JobID, "container_id", createResp.ID, "image", d.cfg.Image)
	return nil
}

func (d *ContainerDispatcher) Close() error {
	return d.docker.Close()
}

func forwardedEnv(environ []string) []string {
	var out []string
	for _, kv := range environ {
		for _, prefix := range forwardedEnvPrefixes {
			if strings.HasPrefix(kv, prefix) {
				out = append(out, kv)
				break
			}
		}
	}
	return out
}

func containerName(jobID string) string {
	var b strings.Builder
	b.WriteString("vidflow-job-")
	for _, r := range jobID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
