package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
)

// Command builds the worker process for a. The process is deliberately not
// tied to any context: once launched it runs to completion.
func Command(binary string, a Assignment) *exec.Cmd {
	cmd := exec.Command(binary, a.Args()...)
	cmd.Env = append(os.Environ(), a.Env()...)
	return cmd
}

// ExitCode extracts the process exit status from a Wait error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// ProcessDispatcher runs each job as a child OS process of the orchestrator.
type ProcessDispatcher struct {
	binary string
	logger *slog.Logger
	stdout io.Writer
	stderr io.Writer
	onExit func(jobID string, exitCode int)
}

type ProcessOption func(*ProcessDispatcher)

// WithOutput redirects the worker's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) ProcessOption {
	return func(d *ProcessDispatcher) {
		d.stdout = stdout
		d.stderr = stderr
	}
}

// WithExitHook is called from the reaping goroutine once a worker exits.
func WithExitHook(fn func(jobID string, exitCode int)) ProcessOption {
	return func(d *ProcessDispatcher) {
		d.onExit = fn
	}
}

func NewProcessDispatcher(binary string, logger *slog.Logger, opts ...ProcessOption) *ProcessDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &ProcessDispatcher{
		binary: binary,
		logger: logger.With("component", "dispatch", "mode", "process"),
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *ProcessDispatcher) Dispatch(_ context.Context, a Assignment) error {
	cmd := Command(d.binary, a)
	cmd.Stdout = d.stdout
	cmd.Stderr = d.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start %s: %v", ErrNotLaunched, d.binary, err)
	}
	d.logger.Info("worker process launched", "job_id", a.JobID, "pid", cmd.Process.Pid)

	go func() {
		code := ExitCode(cmd.Wait())
		if code == 0 {
			d.logger.Info("worker process exited", "job_id", a.JobID, "exit_code", code)
		} else {
			d.logger.Warn("worker process exited", "job_id", a.JobID, "exit_code", code)
		}
		if d.onExit != nil {
			d.onExit(a.JobID, code)
		}
	}()
	return nil
}

func (d *ProcessDispatcher) Close() error {
	return nil
}
