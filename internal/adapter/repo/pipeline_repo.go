package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// PipelineRepositoryPG implements domain.PipelineRepository.
type PipelineRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewPipelineRepository creates a pipeline repository backed by PostgreSQL.
func NewPipelineRepository(pool *pgxpool.Pool) *PipelineRepositoryPG {
	return &PipelineRepositoryPG{pool: pool}
}

const pipelineColumns = `id, owner_id, status, input_json, outputs_json, provider_ref, attempt_handle, attempt, reservation_id,
credits_reserved, credits_charged, credits_refunded, retry_count, max_retries, error_json,
stage_started_at, next_poll_at, next_retry_at, created_at, updated_at`

// Create inserts a new pipeline record.
func (r *PipelineRepositoryPG) Create(ctx context.Context, p *domain.Pipeline) error {
	inputJSON, outputsJSON, errorJSON, err := marshalPipelineJSON(p)
	if err != nil {
		return err
	}
	query := `
INSERT INTO pipelines (` + pipelineColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20);
`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.Status, inputJSON, outputsJSON, p.ProviderRef, p.AttemptHandle, p.Attempt, p.ReservationID,
		p.CreditsReserved, p.CreditsCharged, p.CreditsRefunded, p.RetryCount, p.MaxRetries, errorJSON,
		p.StageStartedAt, p.NextPollAt, p.NextRetryAt, p.CreatedAt, p.UpdatedAt,
	)
	return err
}

// GetByID fetches a pipeline by its identifier.
func (r *PipelineRepositoryPG) GetByID(ctx context.Context, id string) (*domain.Pipeline, error) {
	query := `
SELECT ` + pipelineColumns + `
FROM pipelines
WHERE id = $1;
`
	return scanPipeline(r.pool.QueryRow(ctx, query, id))
}

// ListByOwner lists the owner's most recent pipelines.
func (r *PipelineRepositoryPG) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Pipeline, error) {
	query := `
SELECT ` + pipelineColumns + `
FROM pipelines
WHERE owner_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pipelines []domain.Pipeline
	for rows.Next() {
		p, err := scanPipeline(rows)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, *p)
	}
	return pipelines, rows.Err()
}

// Update persists the full mutable state of a pipeline.
func (r *PipelineRepositoryPG) Update(ctx context.Context, p *domain.Pipeline) error {
	inputJSON, outputsJSON, errorJSON, err := marshalPipelineJSON(p)
	if err != nil {
		return err
	}
	query := `
UPDATE pipelines
SET status = $2,
    input_json = $3,
    outputs_json = $4,
    provider_ref = $5,
    attempt_handle = $6,
    attempt = $7,
    reservation_id = $8,
    credits_reserved = $9,
    credits_charged = $10,
    credits_refunded = $11,
    retry_count = $12,
    max_retries = $13,
    error_json = $14,
    stage_started_at = $15,
    next_poll_at = $16,
    next_retry_at = $17,
    updated_at = $18
WHERE id = $1;
`
	_, err = r.pool.Exec(ctx, query,
		p.ID, p.Status, inputJSON, outputsJSON, p.ProviderRef, p.AttemptHandle, p.Attempt, p.ReservationID,
		p.CreditsReserved, p.CreditsCharged, p.CreditsRefunded, p.RetryCount, p.MaxRetries, errorJSON,
		p.StageStartedAt, p.NextPollAt, p.NextRetryAt, p.UpdatedAt,
	)
	return err
}

// TransitionStatus flips status from->to atomically. The row count tells
// duplicate callers apart from the winner.
func (r *PipelineRepositoryPG) TransitionStatus(ctx context.Context, id string, from, to domain.PipelineStatus) (bool, error) {
	query := `
UPDATE pipelines
SET status = $3, updated_at = NOW()
WHERE id = $1 AND status = $2;
`
	tag, err := r.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDue leases one pipeline whose poll or retry deadline has passed.
// SKIP LOCKED keeps concurrent workers off the same unit; pushing the
// poll deadline forward by the lease keeps a crashed worker's unit from
// being stuck forever.
func (r *PipelineRepositoryPG) ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*domain.Pipeline, error) {
	query := `
UPDATE pipelines
SET next_poll_at = $2
WHERE id = (
    SELECT id
    FROM pipelines
    WHERE (next_poll_at IS NOT NULL AND next_poll_at <= $1)
       OR (next_retry_at IS NOT NULL AND next_retry_at <= $1)
    ORDER BY LEAST(COALESCE(next_poll_at, 'infinity'::timestamptz), COALESCE(next_retry_at, 'infinity'::timestamptz))
    FOR UPDATE SKIP LOCKED
    LIMIT 1
)
RETURNING ` + pipelineColumns + `;
`
	p, err := scanPipeline(r.pool.QueryRow(ctx, query, now, now.Add(lease)))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPipeline(row rowScanner) (*domain.Pipeline, error) {
	var (
		p           domain.Pipeline
		inputJSON   []byte
		outputsJSON []byte
		errorJSON   []byte
	)
	if err := row.Scan(
		&p.ID, &p.OwnerID, &p.Status, &inputJSON, &outputsJSON, &p.ProviderRef, &p.AttemptHandle, &p.Attempt, &p.ReservationID,
		&p.CreditsReserved, &p.CreditsCharged, &p.CreditsRefunded, &p.RetryCount, &p.MaxRetries, &errorJSON,
		&p.StageStartedAt, &p.NextPollAt, &p.NextRetryAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &p.Input); err != nil {
			return nil, fmt.Errorf("repo: decode pipeline input: %w", err)
		}
	}
	if len(outputsJSON) > 0 {
		if err := json.Unmarshal(outputsJSON, &p.Outputs); err != nil {
			return nil, fmt.Errorf("repo: decode pipeline outputs: %w", err)
		}
	}
	if len(errorJSON) > 0 {
		p.Error = &domain.PipelineError{}
		if err := json.Unmarshal(errorJSON, p.Error); err != nil {
			return nil, fmt.Errorf("repo: decode pipeline error: %w", err)
		}
	}
	return &p, nil
}

func marshalPipelineJSON(p *domain.Pipeline) (input, outputs, errJSON []byte, err error) {
	if input, err = json.Marshal(p.Input); err != nil {
		return nil, nil, nil, fmt.Errorf("repo: encode pipeline input: %w", err)
	}
	if outputs, err = json.Marshal(p.Outputs); err != nil {
		return nil, nil, nil, fmt.Errorf("repo: encode pipeline outputs: %w", err)
	}
	if p.Error != nil {
		if errJSON, err = json.Marshal(p.Error); err != nil {
			return nil, nil, nil, fmt.Errorf("repo: encode pipeline error: %w", err)
		}
	}
	return input, outputs, errJSON, nil
}
