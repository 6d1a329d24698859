package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(redisOpt asynq.RedisClientOpt, queueName string) *Client {
	return &Client{
		client: asynq.NewClient(redisOpt),
		queue:  queueName,
	}
}

// EnqueueRunTranscode hands a job to the worker fleet. Jobs are never retried
// by the queue: a failed run is terminal and reported through its callback.
func (c *Client) EnqueueRunTranscode(ctx context.Context, payload RunTranscodePayload) (*asynq.TaskInfo, error) {
	task, err := NewRunTranscodeTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(payload.JobID),
		asynq.MaxRetry(0),
	)
}

func (c *Client) Close() error {
	return c.client.Close()
}
