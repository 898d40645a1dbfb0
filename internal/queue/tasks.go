package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

const (
	TypeExpireImage = "image:expire"
	TypeSweepImages = "image:sweep"
)

type ExpireImagePayload struct {
	ImageID   string    `json:"image_id"`
	ObjectKey string    `json:"object_key"`
	ExpiresAt time.Time `json:"expires_at"`
}

func NewExpireImageTask(payload ExpireImagePayload) (*asynq.Task, error) {
	if payload.ImageID == "" {
		return nil, fmt.Errorf("expire payload: image id is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal expire payload: %w", err)
	}
	return asynq.NewTask(TypeExpireImage, body), nil
}

func ParseExpireImagePayload(task *asynq.Task) (ExpireImagePayload, error) {
	var payload ExpireImagePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ExpireImagePayload{}, fmt.Errorf("unmarshal expire payload: %w", err)
	}
	if payload.ImageID == "" {
		return ExpireImagePayload{}, fmt.Errorf("expire payload: image id is required")
	}
	return payload, nil
}

// NewSweepTask carries no payload; the handler sweeps relative to its own clock.
func NewSweepTask() *asynq.Task {
	return asynq.NewTask(TypeSweepImages, nil)
}

// ExpireTaskID makes expiry scheduling idempotent per image.
func ExpireTaskID(imageID string) string {
	return "expire:" + imageID
}
