package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
)

type MemoryRecordStore struct {
	mu      sync.RWMutex
	records map[string]domain.ProcessedImageRecord
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		records: make(map[string]domain.ProcessedImageRecord),
	}
}

func (s *MemoryRecordStore) Put(_ context.Context, rec domain.ProcessedImageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryRecordStore) Get(_ context.Context, id string) (domain.ProcessedImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return domain.ProcessedImageRecord{}, ErrRecordNotFound
	}
	return rec, nil
}

func (s *MemoryRecordStore) List(_ context.Context, limit int) ([]domain.ProcessedImageRecord, error) {
	s.mu.RLock()
	out := make([]domain.ProcessedImageRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryRecordStore) CreatedBefore(_ context.Context, cutoff time.Time) ([]domain.ProcessedImageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ProcessedImageRecord
	for _, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryRecordStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}
