package domain

import (
	"context"
	"time"
)

// PipelineRepository defines persistence for pipelines.
type PipelineRepository interface {
	Create(ctx context.Context, p *Pipeline) error
	GetByID(ctx context.Context, id string) (*Pipeline, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]Pipeline, error)
	Update(ctx context.Context, p *Pipeline) error
	// TransitionStatus flips status from->to atomically and bumps
	// updated_at. It reports false when the pipeline was no longer in
	// the expected state, which is how duplicate advance calls detect
	// that they lost the race.
	TransitionStatus(ctx context.Context, id string, from, to PipelineStatus) (bool, error)
	// ClaimDue leases one pipeline whose poll or retry deadline has
	// passed, pushing its poll deadline forward by lease so concurrent
	// workers do not pick the same unit.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration) (*Pipeline, error)
}

// BatchRepository defines persistence for vendor batch jobs.
type BatchRepository interface {
	Create(ctx context.Context, b *BatchJob) error
	GetByID(ctx context.Context, id string) (*BatchJob, error)
	GetActiveByPipeline(ctx context.Context, pipelineID string) (*BatchJob, error)
	Update(ctx context.Context, b *BatchJob) error
}

// CreditStore defines persistence for the append-only credit ledger.
type CreditStore interface {
	// InsertReservation inserts the hold and checks coverage in one
	// statement: it reports false without inserting when the balance
	// net of open holds no longer covers the amount, so two racing
	// reserves cannot jointly overdraw.
	InsertReservation(ctx context.Context, r *CreditReservation) (bool, error)
	GetReservation(ctx context.Context, id string) (*CreditReservation, error)
	// TransitionReservation flips state from->to and reports false if
	// the reservation was not in the expected state.
	TransitionReservation(ctx context.Context, id string, from, to ReservationState) (bool, error)
	// AppendTransaction inserts a ledger entry; it reports false
	// without error when an entry with the same tx key already exists.
	AppendTransaction(ctx context.Context, tx *CreditTransaction) (bool, error)
	SumBalance(ctx context.Context, userID string) (int, error)
	SumOpenReservations(ctx context.Context, userID string) (int, error)
	// SumUnrefundedCharges sums the pipeline's charge entries whose tx
	// key starts with prefix and whose reservation was never refunded.
	SumUnrefundedCharges(ctx context.Context, pipelineID, txKeyPrefix string) (int, error)
	ListTransactions(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
}
