package repo

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// CreditStorePG implements domain.CreditStore. The unique index on
// tx_key is what turns duplicate charges into no-ops; the store only
// reports the conflict, the ledger decides what it means.
type CreditStorePG struct {
	pool *pgxpool.Pool
}

// NewCreditStore creates a credit store backed by PostgreSQL.
func NewCreditStore(pool *pgxpool.Pool) *CreditStorePG {
	return &CreditStorePG{pool: pool}
}

// InsertReservation inserts a new credit reservation. The balance check
// and the insert run as one statement so two racing reserves cannot
// jointly overdraw a balance that covers only one of them.
func (r *CreditStorePG) InsertReservation(ctx context.Context, reservation *domain.CreditReservation) (bool, error) {
	query := `
INSERT INTO credit_reservations (id, user_id, pipeline_id, amount, state, created_at, updated_at)
SELECT $1, $2, $3, $4, $5, $6, $7
WHERE (SELECT COALESCE(SUM(delta), 0) FROM credit_transactions WHERE user_id = $2)
    - (SELECT COALESCE(SUM(amount), 0) FROM credit_reservations WHERE user_id = $2 AND state = $8)
    >= $4;
`
	tag, err := r.pool.Exec(ctx, query,
		reservation.ID, reservation.UserID, reservation.PipelineID, reservation.Amount,
		reservation.State, reservation.CreatedAt, reservation.UpdatedAt, domain.ReservationOpen,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetReservation fetches a reservation by its identifier.
func (r *CreditStorePG) GetReservation(ctx context.Context, id string) (*domain.CreditReservation, error) {
	query := `
SELECT id, user_id, pipeline_id, amount, state, created_at, updated_at
FROM credit_reservations
WHERE id = $1;
`
	var reservation domain.CreditReservation
	if err := r.pool.QueryRow(ctx, query, id).Scan(
		&reservation.ID, &reservation.UserID, &reservation.PipelineID, &reservation.Amount,
		&reservation.State, &reservation.CreatedAt, &reservation.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &reservation, nil
}

// TransitionReservation flips state from->to atomically.
func (r *CreditStorePG) TransitionReservation(ctx context.Context, id string, from, to domain.ReservationState) (bool, error) {
	query := `
UPDATE credit_reservations
SET state = $3, updated_at = NOW()
WHERE id = $1 AND state = $2;
`
	tag, err := r.pool.Exec(ctx, query, id, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AppendTransaction inserts a ledger entry; ON CONFLICT on the tx key
// makes the duplicate path report false without error.
func (r *CreditStorePG) AppendTransaction(ctx context.Context, tx *domain.CreditTransaction) (bool, error) {
	query := `
INSERT INTO credit_transactions (id, user_id, delta, reason, pipeline_id, reservation_id, tx_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tx_key) DO NOTHING;
`
	tag, err := r.pool.Exec(ctx, query,
		tx.ID, tx.UserID, tx.Delta, tx.Reason, nullableString(tx.PipelineID), nullableString(tx.ReservationID), tx.TxKey, tx.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SumBalance derives the user's balance from the ledger.
func (r *CreditStorePG) SumBalance(ctx context.Context, userID string) (int, error) {
	query := `
SELECT COALESCE(SUM(delta), 0)
FROM credit_transactions
WHERE user_id = $1;
`
	var balance int
	if err := r.pool.QueryRow(ctx, query, userID).Scan(&balance); err != nil {
		return 0, err
	}
	return balance, nil
}

// SumOpenReservations sums the user's uncharged holds.
func (r *CreditStorePG) SumOpenReservations(ctx context.Context, userID string) (int, error) {
	query := `
SELECT COALESCE(SUM(amount), 0)
FROM credit_reservations
WHERE user_id = $1 AND state = $2;
`
	var held int
	if err := r.pool.QueryRow(ctx, query, userID, domain.ReservationOpen).Scan(&held); err != nil {
		return 0, err
	}
	return held, nil
}

// SumUnrefundedCharges sums the pipeline's charges under the given tx
// key prefix, skipping charges whose reservation was since refunded.
func (r *CreditStorePG) SumUnrefundedCharges(ctx context.Context, pipelineID, txKeyPrefix string) (int, error) {
	query := `
SELECT COALESCE(SUM(-t.delta), 0)
FROM credit_transactions t
JOIN credit_reservations res ON res.id = t.reservation_id
WHERE t.pipeline_id = $1
  AND t.reason = $2
  AND t.tx_key LIKE $3 || '%'
  AND res.state <> $4;
`
	var paid int
	if err := r.pool.QueryRow(ctx, query, pipelineID, domain.CreditReasonCharge, txKeyPrefix, domain.ReservationRefunded).Scan(&paid); err != nil {
		return 0, err
	}
	return paid, nil
}

// ListTransactions lists the user's most recent ledger entries.
func (r *CreditStorePG) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	query := `
SELECT id, user_id, delta, reason, COALESCE(pipeline_id, ''), COALESCE(reservation_id, ''), tx_key, created_at
FROM credit_transactions
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := r.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.CreditTransaction
	for rows.Next() {
		var tx domain.CreditTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Delta, &tx.Reason, &tx.PipelineID, &tx.ReservationID, &tx.TxKey, &tx.CreatedAt); err != nil {
			return nil, err
		}
		transactions = append(transactions, tx)
	}
	return transactions, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
