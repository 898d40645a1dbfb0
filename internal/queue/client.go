package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
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

// ScheduleExpiry enqueues the expiry task for rec to run when its retention
// window closes. Scheduling the same record twice is a no-op.
func (c *Client) ScheduleExpiry(ctx context.Context, rec domain.ProcessedImageRecord) error {
	task, err := NewExpireImageTask(ExpireImagePayload{
		ImageID:   rec.ID,
		ObjectKey: rec.ObjectKey,
		ExpiresAt: rec.ExpiresAt(),
	})
	if err != nil {
		return err
	}

	_, err = c.client.EnqueueContext(
		ctx,
		task,
		asynq.Queue(c.queue),
		asynq.TaskID(ExpireTaskID(rec.ID)),
		asynq.ProcessAt(rec.ExpiresAt()),
		asynq.MaxRetry(5),
		asynq.Timeout(time.Minute),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue expiry for %s: %w", rec.ID, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.client.Close()
}
