package store

import (
	"context"
	"errors"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
)

var (
	ErrRecordNotFound = errors.New("record not found")
	ErrDuplicateID    = errors.New("record id already exists")
)

// RecordStore keeps processed-image records for the retention window.
// Records are written once and never updated.
type RecordStore interface {
	Put(ctx context.Context, rec domain.ProcessedImageRecord) error
	Get(ctx context.Context, id string) (domain.ProcessedImageRecord, error)
	// List returns up to limit records, newest first. limit <= 0 means all.
	List(ctx context.Context, limit int) ([]domain.ProcessedImageRecord, error)
	// CreatedBefore returns records created strictly before cutoff.
	CreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.ProcessedImageRecord, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id string) error
}
