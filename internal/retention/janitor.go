// Package retention removes processed images once their retention window
// has passed. Expiry runs per record (scheduled at creation) with a periodic
// sweep as the backstop.
package retention

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/dunamismax/photobooth/internal/storage"
	"github.com/dunamismax/photobooth/internal/store"
)

var ErrNotExpired = errors.New("record has not expired yet")

type Janitor struct {
	records   store.RecordStore
	objects   storage.ObjectStore
	logger    *log.Logger
	retention time.Duration
	now       func() time.Time
}

func NewJanitor(records store.RecordStore, objects storage.ObjectStore, logger *log.Logger, retention time.Duration) *Janitor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if retention <= 0 {
		retention = domain.RetentionWindow
	}
	return &Janitor{
		records:   records,
		objects:   objects,
		logger:    logger,
		retention: retention,
		now:       time.Now,
	}
}

func (j *Janitor) Retention() time.Duration {
	return j.retention
}

// Expire removes one record and its object if its window has passed.
// A record that is already gone is not an error.
func (j *Janitor) Expire(ctx context.Context, id string) error {
	rec, err := j.records.Get(ctx, id)
	if errors.Is(err, store.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load record %s: %w", id, err)
	}
	if expiresAt := rec.CreatedAt.Add(j.retention); j.now().Before(expiresAt) {
		return fmt.Errorf("%w: %s expires at %s", ErrNotExpired, id, expiresAt.Format(time.RFC3339))
	}
	return j.remove(ctx, rec)
}

// Sweep removes every record created more than the retention window before
// now and reports how many were removed.
func (j *Janitor) Sweep(ctx context.Context, now time.Time) (int, error) {
	expired, err := j.records.CreatedBefore(ctx, now.Add(-j.retention))
	if err != nil {
		return 0, fmt.Errorf("list expired records: %w", err)
	}

	var (
		removed int
		errs    []error
	)
	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := j.remove(ctx, rec); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 || len(errs) > 0 {
		j.logger.Info("sweep finished", "removed", removed, "failed", len(errs))
	}
	return removed, errors.Join(errs...)
}

// Run sweeps immediately and then every interval until ctx is done.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := j.Sweep(ctx, j.now()); err != nil && ctx.Err() == nil {
			j.logger.Error("sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// remove deletes the object before the record so a failed object delete
// leaves the record for the next sweep.
func (j *Janitor) remove(ctx context.Context, rec domain.ProcessedImageRecord) error {
	if err := j.objects.Delete(ctx, rec.ObjectKey); err != nil {
		return fmt.Errorf("delete object for %s: %w", rec.ID, err)
	}
	if err := j.records.Delete(ctx, rec.ID); err != nil {
		return fmt.Errorf("delete record %s: %w", rec.ID, err)
	}
	j.logger.Debug("image expired", "id", rec.ID, "created_at", rec.CreatedAt)
	return nil
}
