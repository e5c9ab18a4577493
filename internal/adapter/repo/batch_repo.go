package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// BatchRepositoryPG implements domain.BatchRepository. Items live in a
// JSONB column; the job row is the unit of update.
type BatchRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewBatchRepository creates a batch repository backed by PostgreSQL.
func NewBatchRepository(pool *pgxpool.Pool) *BatchRepositoryPG {
	return &BatchRepositoryPG{pool: pool}
}

// Create inserts a new batch job record.
func (r *BatchRepositoryPG) Create(ctx context.Context, b *domain.BatchJob) error {
	itemsJSON, err := json.Marshal(b.Items)
	if err != nil {
		return fmt.Errorf("repo: encode batch items: %w", err)
	}
	query := `
INSERT INTO batch_jobs (id, pipeline_id, kind, vendor_job_id, items_json, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7);
`
	_, err = r.pool.Exec(ctx, query, b.ID, b.PipelineID, b.Kind, b.VendorJobID, itemsJSON, b.CreatedAt, b.UpdatedAt)
	return err
}

// GetByID fetches a batch job by its identifier.
func (r *BatchRepositoryPG) GetByID(ctx context.Context, id string) (*domain.BatchJob, error) {
	query := `
SELECT id, pipeline_id, kind, vendor_job_id, items_json, created_at, updated_at
FROM batch_jobs
WHERE id = $1;
`
	return scanBatchJob(r.pool.QueryRow(ctx, query, id))
}

// GetActiveByPipeline returns the pipeline's newest non-terminal batch
// job. Terminality lives inside the JSONB items, so the filter walks
// them with jsonb_array_elements.
func (r *BatchRepositoryPG) GetActiveByPipeline(ctx context.Context, pipelineID string) (*domain.BatchJob, error) {
	query := `
SELECT id, pipeline_id, kind, vendor_job_id, items_json, created_at, updated_at
FROM batch_jobs
WHERE pipeline_id = $1
  AND EXISTS (
      SELECT 1 FROM jsonb_array_elements(items_json) AS item
      WHERE item->>'status' = 'PENDING'
  )
ORDER BY created_at DESC
LIMIT 1;
`
	return scanBatchJob(r.pool.QueryRow(ctx, query, pipelineID))
}

// Update persists the job's items and bookkeeping fields.
func (r *BatchRepositoryPG) Update(ctx context.Context, b *domain.BatchJob) error {
	itemsJSON, err := json.Marshal(b.Items)
	if err != nil {
		return fmt.Errorf("repo: encode batch items: %w", err)
	}
	query := `
UPDATE batch_jobs
SET vendor_job_id = $2, items_json = $3, updated_at = $4
WHERE id = $1;
`
	_, err = r.pool.Exec(ctx, query, b.ID, b.VendorJobID, itemsJSON, b.UpdatedAt)
	return err
}

func scanBatchJob(row rowScanner) (*domain.BatchJob, error) {
	var (
		b         domain.BatchJob
		itemsJSON []byte
	)
	if err := row.Scan(&b.ID, &b.PipelineID, &b.Kind, &b.VendorJobID, &itemsJSON, &b.CreatedAt, &b.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(itemsJSON) > 0 {
		if err := json.Unmarshal(itemsJSON, &b.Items); err != nil {
			return nil, fmt.Errorf("repo: decode batch items: %w", err)
		}
	}
	return &b, nil
}
