// Package bootstrap opens the backends shared by the api and worker
// binaries.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/config"
	"github.com/dunamismax/photobooth/internal/storage"
	"github.com/dunamismax/photobooth/internal/store"
)

// Stores bundles the record and object backends selected by config.
type Stores struct {
	Records store.RecordStore
	Objects storage.ObjectStore
	closers []func() error
}

func (s *Stores) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func OpenStores(ctx context.Context, cfg config.Config, logger *log.Logger) (*Stores, error) {
	s := &Stores{}

	switch cfg.Database.Backend {
	case config.DatabasePostgres:
		pg, err := store.NewPostgresRecordStore(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, err
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			_ = pg.Close()
			return nil, err
		}
		s.Records = pg
		s.closers = append(s.closers, pg.Close)
	default:
		s.Records = store.NewMemoryRecordStore()
	}

	switch cfg.Storage.Backend {
	case config.StorageMinio:
		ms, err := storage.NewMinioStore(storage.MinioConfig{
			Endpoint: cfg.Storage.Endpoint,
			Access:   cfg.Storage.AccessKey,
			Secret:   cfg.Storage.SecretKey,
			Bucket:   cfg.Storage.Bucket,
			UseSSL:   cfg.Storage.UseSSL,
		})
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		if err := ms.EnsureBucket(ctx); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("ensure bucket %s: %w", ms.Bucket(), err)
		}
		s.Objects = ms
	default:
		ls, err := storage.NewLocalStore(cfg.Storage.LocalDir)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.Objects = ls
	}

	logger.Info("stores ready", "records", cfg.Database.Backend, "objects", cfg.Storage.Backend)
	return s, nil
}
