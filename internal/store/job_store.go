package store

import (
	"context"
	"errors"

	"github.com/dunamismax/vidflow/internal/domain"
)

var (
	ErrJobNotFound       = errors.New("job not found")
	ErrDuplicateJob      = errors.New("job already exists")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// JobStore persists job records keyed by job id. Implementations must be safe
// for concurrent use; operations on different ids never interfere.
type JobStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, bool, error)
	// MarkProgressing moves a waiting job to progressing. Jobs in any other
	// state are returned unchanged so a fast callback is never regressed.
	MarkProgressing(ctx context.Context, id string) (domain.Job, error)
	// Complete records the terminal state and payload. Last write wins.
	Complete(ctx context.Context, id string, payload domain.CallbackPayload) (domain.Job, error)
	ListByState(ctx context.Context, state domain.JobState) ([]domain.Job, error)
	Ping(ctx context.Context) error
	Close() error
}
