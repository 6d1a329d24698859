package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/dunamismax/vidflow/internal/queue"
)

type enqueuer interface {
	EnqueueRunTranscode(ctx context.Context, payload queue.RunTranscodePayload) (*asynq.TaskInfo, error)
	Close() error
}

// QueueDispatcher hands jobs to `worker serve` processes through asynq. A
// job counts as launched once the task is accepted by the queue.
type QueueDispatcher struct {
	client enqueuer
}

func NewQueueDispatcher(client *queue.Client) *QueueDispatcher {
	return &QueueDispatcher{client: client}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, a Assignment) error {
	_, err := d.client.EnqueueRunTranscode(ctx, queue.RunTranscodePayload{
		JobID:         a.JobID,
		InputLocator:  a.InputLocator,
		OutputLocator: a.OutputLocator,
		Preset:        a.Preset,
		CallbackURL:   a.CallbackURL,
		TraceParent:   a.TraceParent,
		RequestedAt:   time.Now().UTC(),
		Codec:         a.Codec,
		Filters:       a.Filters,
		ExtraArgs:     a.ExtraArgs,
	})
	if err != nil {
		return fmt.Errorf("%w: enqueue job: %v", ErrNotLaunched, err)
	}
	return nil
}

func (d *QueueDispatcher) Close() error {
	return d.client.Close()
}

// FromPayload converts a queued task back into an assignment.
func FromPayload(p queue.RunTranscodePayload) Assignment {
	return Assignment{
		JobID:         p.JobID,
		InputLocator:  p.InputLocator,
		OutputLocator: p.OutputLocator,
		Preset:        p.Preset,
		CallbackURL:   p.CallbackURL,
		TraceParent:   p.TraceParent,
		Codec:         p.Codec,
		Filters:       p.Filters,
		ExtraArgs:     p.ExtraArgs,
	}
}
