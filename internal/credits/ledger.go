package credits

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
)

// Ledger provides atomic reservation, charge, and refund of per-user
// credits. Balance is always derived from the append-only transaction
// log; unique tx keys make every balance-affecting operation naturally
// idempotent, so no locking is needed under concurrent retries.
type Ledger struct {
	store  domain.CreditStore
	logger zerolog.Logger
	now    func() time.Time
}

// NewLedger wires a ledger over the given store.
func NewLedger(store domain.CreditStore, logger zerolog.Logger) *Ledger {
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// WithClock overrides the clock; used in tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Balance derives the user's current balance from the ledger.
func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	return l.store.SumBalance(ctx, userID)
}

// History lists the most recent ledger entries for a user.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListTransactions(ctx, userID, limit)
}

// Reserve holds amount against the user's balance and returns the
// reservation id. Open reservations count against the available
// balance, and the store checks coverage and inserts the hold in one
// statement, so concurrent reserves cannot jointly overdraw.
func (l *Ledger) Reserve(ctx context.Context, userID, pipelineID string, amount int) (string, error) {
	if amount <= 0 {
		return "", fmt.Errorf("reserve amount must be positive: %w", domain.ErrInvalidInput)
	}
	reservation := &domain.CreditReservation{
		ID:         uuid.NewString(),
		UserID:     userID,
		PipelineID: pipelineID,
		Amount:     amount,
		State:      domain.ReservationOpen,
		CreatedAt:  l.now(),
		UpdatedAt:  l.now(),
	}
	inserted, err := l.store.InsertReservation(ctx, reservation)
	if err != nil {
		return "", fmt.Errorf("credits: insert reservation: %w", err)
	}
	if !inserted {
		return "", domain.ErrInsufficientCredits
	}
	return reservation.ID, nil
}

// Paid sums the charges recorded under the given tx-key prefix, net of
// refunds: a charge whose reservation was refunded no longer counts.
func (l *Ledger) Paid(ctx context.Context, pipelineID, txKeyPrefix string) (int, error) {
	return l.store.SumUnrefundedCharges(ctx, pipelineID, txKeyPrefix)
}

// Charge converts an open reservation into a charge entry and reports
// whether a new charge was recorded. Charging an already-charged
// reservation is a no-op. The caller supplies txKey so that retried
// attempts of the same logical charge deduplicate even across distinct
// reservations; when the key already exists the extra reservation is
// released and no second charge is recorded.
func (l *Ledger) Charge(ctx context.Context, reservationID, txKey string) (bool, error) {
	reservation, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		return false, fmt.Errorf("credits: load reservation: %w", err)
	}
	switch reservation.State {
	case domain.ReservationCharged, domain.ReservationRefunded:
		return false, nil
	case domain.ReservationReleased:
		return false, fmt.Errorf("reservation %s already released: %w", reservationID, domain.ErrDuplicateOperation)
	}
	inserted, err := l.store.AppendTransaction(ctx, &domain.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        reservation.UserID,
		Delta:         -reservation.Amount,
		Reason:        domain.CreditReasonCharge,
		PipelineID:    reservation.PipelineID,
		ReservationID: reservationID,
		TxKey:         txKey,
		CreatedAt:     l.now(),
	})
	if err != nil {
		return false, fmt.Errorf("credits: append charge: %w", err)
	}
	if !inserted {
		// Another reservation already carried this charge; drop ours.
		if _, err := l.store.TransitionReservation(ctx, reservationID, domain.ReservationOpen, domain.ReservationReleased); err != nil {
			return false, fmt.Errorf("credits: release duplicate reservation: %w", err)
		}
		l.logger.Debug().Str("reservation_id", reservationID).Str("tx_key", txKey).Msg("credits: duplicate charge ignored")
		return false, nil
	}
	if _, err := l.store.TransitionReservation(ctx, reservationID, domain.ReservationOpen, domain.ReservationCharged); err != nil {
		return false, fmt.Errorf("credits: mark reservation charged: %w", err)
	}
	return true, nil
}

// Refund compensates a charged reservation and returns the refunded
// amount. Refunding twice is a no-op: the state transition gates the
// append, so at rest every charge has at most one matching refund.
func (l *Ledger) Refund(ctx context.Context, reservationID, txKey string) (int, error) {
	reservation, err := l.store.GetReservation(ctx, reservationID)
	if err != nil {
		return 0, fmt.Errorf("credits: load reservation: %w", err)
	}
	switch reservation.State {
	case domain.ReservationRefunded:
		return 0, nil
	case domain.ReservationOpen, domain.ReservationReleased:
		// Nothing was charged; release the hold if still open.
		_, _ = l.store.TransitionReservation(ctx, reservationID, domain.ReservationOpen, domain.ReservationReleased)
		return 0, nil
	}
	flipped, err := l.store.TransitionReservation(ctx, reservationID, domain.ReservationCharged, domain.ReservationRefunded)
	if err != nil {
		return 0, fmt.Errorf("credits: mark reservation refunded: %w", err)
	}
	if !flipped {
		return 0, nil
	}
	if _, err := l.store.AppendTransaction(ctx, &domain.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        reservation.UserID,
		Delta:         reservation.Amount,
		Reason:        domain.CreditReasonRefund,
		PipelineID:    reservation.PipelineID,
		ReservationID: reservationID,
		TxKey:         txKey,
		CreatedAt:     l.now(),
	}); err != nil {
		return 0, fmt.Errorf("credits: append refund: %w", err)
	}
	return reservation.Amount, nil
}

// Release abandons an open reservation without charging it.
func (l *Ledger) Release(ctx context.Context, reservationID string) error {
	_, err := l.store.TransitionReservation(ctx, reservationID, domain.ReservationOpen, domain.ReservationReleased)
	return err
}

// Grant appends a positive ledger entry, used by signup bonuses and the
// admin CLI.
func (l *Ledger) Grant(ctx context.Context, userID string, amount int, txKey string) error {
	if amount <= 0 {
		return fmt.Errorf("grant amount must be positive: %w", domain.ErrInvalidInput)
	}
	_, err := l.store.AppendTransaction(ctx, &domain.CreditTransaction{
		ID:        uuid.NewString(),
		UserID:    userID,
		Delta:     amount,
		Reason:    domain.CreditReasonGrant,
		TxKey:     txKey,
		CreatedAt: l.now(),
	})
	if err != nil {
		return fmt.Errorf("credits: append grant: %w", err)
	}
	return nil
}
