package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/upload"
)

var ErrInvalidConfig = errors.New("upload/postgres: invalid config")

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("%w: nil pool", ErrInvalidConfig)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("upload/postgres: ensure schema: %w", err)
	}
	return nil
}

func (s *Store) Create(ctx context.Context, u upload.Upload) (upload.Upload, error) {
	if u.Status == "" {
		u.Status = upload.StatusReceived
	}
	if err := u.Validate(); err != nil {
		return upload.Upload{}, err
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO uploads (tenant, filename, blob_key, size_bytes, row_count, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, u.Tenant, u.Filename, u.BlobKey, u.SizeBytes, u.RowCount, string(u.Status))
	if err := row.Scan(&u.ID, &u.CreatedAt); err != nil {
		return upload.Upload{}, fmt.Errorf("upload/postgres: insert: %w", err)
	}
	return u, nil
}

func (s *Store) SetBlobKey(ctx context.Context, tenant string, id int64, blobKey string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE uploads SET blob_key = $3 WHERE tenant = $1 AND id = $2
	`, tenant, id, blobKey)
	if err != nil {
		return fmt.Errorf("upload/postgres: set blob key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: upload %d", upload.ErrNotFound, id)
	}
	return nil
}

func (s *Store) MarkParsed(ctx context.Context, tenant string, id int64, rowCount int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE uploads
		SET status = 'parsed', row_count = $3
		WHERE tenant = $1 AND id = $2 AND status = 'received'
	`, tenant, id, rowCount)
	if err != nil {
		return fmt.Errorf("upload/postgres: mark parsed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.checkExists(ctx, tenant, id)
	}
	return nil
}

func (s *Store) MarkFailed(ctx context.Context, tenant string, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE uploads
		SET status = 'failed'
		WHERE tenant = $1 AND id = $2 AND status = 'received'
	`, tenant, id)
	if err != nil {
		return fmt.Errorf("upload/postgres: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.checkExists(ctx, tenant, id)
	}
	return nil
}

// checkExists distinguishes "terminal row left alone" from "no such row".
func (s *Store) checkExists(ctx context.Context, tenant string, id int64) error {
	var found int
	err := s.pool.QueryRow(ctx, `
		SELECT 1 FROM uploads WHERE tenant = $1 AND id = $2
	`, tenant, id).Scan(&found)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: upload %d", upload.ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("upload/postgres: check exists: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tenant string, id int64) (upload.Upload, error) {
	var u upload.Upload
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant, filename, blob_key, size_bytes, row_count, status, created_at
		FROM uploads
		WHERE tenant = $1 AND id = $2
	`, tenant, id).Scan(&u.ID, &u.Tenant, &u.Filename, &u.BlobKey, &u.SizeBytes, &u.RowCount, &status, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return upload.Upload{}, fmt.Errorf("%w: upload %d", upload.ErrNotFound, id)
	}
	if err != nil {
		return upload.Upload{}, fmt.Errorf("upload/postgres: get: %w", err)
	}
	u.Status = upload.Status(status)
	return u, nil
}
