package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/muhammadzeb86/churn-saas-sub001/internal/prediction"
)

var ErrInvalidConfig = errors.New("prediction/postgres: invalid config")

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
		return fmt.Errorf("prediction/postgres: ensure schema: %w", err)
	}
	return nil
}

const selectColumns = `
	id, upload_id, tenant, status,
	COALESCE(output_blob_key, ''), rows_processed, metrics_json,
	COALESCE(error_message, ''), COALESCE(queue_message_id, ''), COALESCE(worker_id, ''),
	heartbeat_at, queued_at, created_at, updated_at
`

func (s *Store) Create(ctx context.Context, p prediction.Prediction) error {
	if p.Status == "" {
		p.Status = prediction.StatusQueued
	}
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO predictions (id, upload_id, tenant, status)
		VALUES ($1, $2, $3, $4)
	`, p.ID, p.UploadID, p.Tenant, string(p.Status))
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505 unique_violation: the id already exists.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", prediction.ErrDuplicateID, p.ID)
		}
		return fmt.Errorf("prediction/postgres: insert: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, tenant, id string) (prediction.Prediction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM predictions
		WHERE tenant = $1 AND id = $2
	`, tenant, id)
	return scanPrediction(row, id)
}

func (s *Store) GetByID(ctx context.Context, id string) (prediction.Prediction, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+selectColumns+`
		FROM predictions
		WHERE id = $1
	`, id)
	return scanPrediction(row, id)
}

func (s *Store) ListRecent(ctx context.Context, tenant string, limit int) ([]prediction.Prediction, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+`
		FROM predictions
		WHERE tenant = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("prediction/postgres: list recent: %w", err)
	}
	defer rows.Close()

	var out []prediction.Prediction
	for rows.Next() {
		p, err := scanPrediction(rows, "")
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("prediction/postgres: list recent rows: %w", err)
	}
	return out, nil
}

func (s *Store) SetQueueMessageID(ctx context.Context, id, messageID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE predictions SET queue_message_id = $2, updated_at = now() WHERE id = $1
	`, id, messageID)
	if err != nil {
		return fmt.Errorf("prediction/postgres: set queue message id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: prediction %s", prediction.ErrNotFound, id)
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, id, workerID string, staleAfter time.Duration) (bool, error) {
	staleMS := staleAfter.Milliseconds()
	tag, err := s.pool.Exec(ctx, `
		UPDATE predictions
		SET status = 'running', worker_id = $2, heartbeat_at = now(), updated_at = now()
		WHERE id = $1
		AND (
			status = 'queued'
			OR (
				status = 'running'
				AND $3::bigint > 0
				AND (heartbeat_at IS NULL OR heartbeat_at < now() - ($3::bigint * interval '1 millisecond'))
			)
		)
	`, id, workerID, staleMS)
	if err != nil {
		return false, fmt.Errorf("prediction/postgres: acquire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Heartbeat(ctx context.Context, id, workerID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE predictions
		SET heartbeat_at = now(), updated_at = now()
		WHERE id = $1 AND status = 'running' AND worker_id = $2
	`, id, workerID)
	if err != nil {
		return false, fmt.Errorf("prediction/postgres: heartbeat: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Complete(ctx context.Context, id, workerID string, params prediction.CompleteParams) (bool, error) {
	if params.OutputBlobKey == "" {
		return false, fmt.Errorf("%w: output blob key is required", prediction.ErrInvalidInput)
	}
	var metricsJSON []byte
	if len(params.Metrics) > 0 {
		var err error
		metricsJSON, err = json.Marshal(params.Metrics)
		if err != nil {
			return false, fmt.Errorf("prediction/postgres: marshal metrics: %w", err)
		}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE predictions
		SET status = 'completed',
			output_blob_key = $3,
			rows_processed = $4,
			metrics_json = $5,
			updated_at = now()
		WHERE id = $1 AND status = 'running' AND worker_id = $2
	`, id, workerID, params.OutputBlobKey, params.RowsProcessed, metricsJSON)
	if err != nil {
		return false, fmt.Errorf("prediction/postgres: complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) Fail(ctx context.Context, id, errorMessage string) (bool, error) {
	if errorMessage == "" {
		return false, fmt.Errorf("%w: error message is required", prediction.ErrInvalidInput)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE predictions
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')
	`, id, errorMessage)
	if err != nil {
		return false, fmt.Errorf("prediction/postgres: fail: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrediction(row rowScanner, id string) (prediction.Prediction, error) {
	var p prediction.Prediction
	var status string
	var metricsJSON []byte
	err := row.Scan(
		&p.ID, &p.UploadID, &p.Tenant, &status,
		&p.OutputBlobKey, &p.RowsProcessed, &metricsJSON,
		&p.ErrorMessage, &p.QueueMessageID, &p.WorkerID,
		&p.HeartbeatAt, &p.QueuedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return prediction.Prediction{}, fmt.Errorf("%w: prediction %s", prediction.ErrNotFound, id)
	}
	if err != nil {
		return prediction.Prediction{}, fmt.Errorf("prediction/postgres: scan: %w", err)
	}
	p.Status = prediction.Status(status)
	if len(metricsJSON) > 0 {
		if err := json.Unmarshal(metricsJSON, &p.Metrics); err != nil {
			return prediction.Prediction{}, fmt.Errorf("prediction/postgres: unmarshal metrics: %w", err)
		}
	}
	return p, nil
}
