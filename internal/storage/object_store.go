package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dunamismax/photobooth/internal/domain"
)

var ErrObjectNotFound = errors.New("object not found")

// ObjectStore holds processed image bytes keyed by object key.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Delete is idempotent.
	Delete(ctx context.Context, key string) error
}

// ProcessedKey is the object key for a processed image.
func ProcessedKey(id string, format domain.Format) string {
	return fmt.Sprintf("processed/%s.%s", id, format.Extension())
}
