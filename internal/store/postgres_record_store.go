package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dunamismax/photobooth/internal/domain"
	"github.com/lib/pq"
)

const recordSchemaSQL = `
CREATE TABLE IF NOT EXISTS processed_images (
	id TEXT PRIMARY KEY,
	original_size INTEGER NOT NULL,
	processed_size INTEGER NOT NULL,
	format TEXT NOT NULL,
	object_key TEXT NOT NULL,
	output_locator TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS processed_images_created_at_idx ON processed_images (created_at);
`

const recordColumns = `id, original_size, processed_size, format, object_key, output_locator, created_at`

// uniqueViolation is the SQLSTATE for a primary key conflict.
const uniqueViolation = pq.ErrorCode("23505")

type PostgresRecordStore struct {
	db *sql.DB
}

func NewPostgresRecordStore(ctx context.Context, dsn string) (*PostgresRecordStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresRecordStore{db: db}
	if err := s.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresRecordStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, recordSchemaSQL); err != nil {
		return fmt.Errorf("ensure processed_images schema: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Close() error {
	return s.db.Close()
}

func (s *PostgresRecordStore) Put(ctx context.Context, rec domain.ProcessedImageRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO processed_images (`+recordColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID,
		rec.OriginalByteSize,
		rec.ProcessedByteSize,
		string(rec.Format),
		rec.ObjectKey,
		rec.OutputLocator,
		rec.CreatedAt.UTC(),
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateID, rec.ID)
	}
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) Get(ctx context.Context, id string) (domain.ProcessedImageRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM processed_images WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessedImageRecord{}, ErrRecordNotFound
	}
	if err != nil {
		return domain.ProcessedImageRecord{}, fmt.Errorf("query record: %w", err)
	}
	return rec, nil
}

func (s *PostgresRecordStore) List(ctx context.Context, limit int) ([]domain.ProcessedImageRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM processed_images ORDER BY created_at DESC, id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

func (s *PostgresRecordStore) CreatedBefore(ctx context.Context, cutoff time.Time) ([]domain.ProcessedImageRecord, error) {
	return s.query(ctx, `SELECT `+recordColumns+` FROM processed_images WHERE created_at < $1`, cutoff.UTC())
}

func (s *PostgresRecordStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processed_images WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *PostgresRecordStore) query(ctx context.Context, query string, args ...any) ([]domain.ProcessedImageRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	var out []domain.ProcessedImageRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.ProcessedImageRecord, error) {
	var (
		rec    domain.ProcessedImageRecord
		format string
	)
	err := row.Scan(
		&rec.ID,
		&rec.OriginalByteSize,
		&rec.ProcessedByteSize,
		&format,
		&rec.ObjectKey,
		&rec.OutputLocator,
		&rec.CreatedAt,
	)
	rec.Format = domain.Format(format)
	return rec, err
}
