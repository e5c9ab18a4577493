package credits

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"server/internal/domain"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return NewLedger(store, zerolog.Nop()), store
}

func TestReserveRespectsOpenHolds(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 3, "grant:1"))

	r1, err := ledger.Reserve(ctx, "u1", "p1", 2)
	require.NoError(t, err)
	require.NotEmpty(t, r1)

	// Balance is still 3, but 2 are held.
	_, err = ledger.Reserve(ctx, "u1", "p2", 2)
	require.ErrorIs(t, err, domain.ErrInsufficientCredits)

	require.NoError(t, ledger.Release(ctx, r1))
	_, err = ledger.Reserve(ctx, "u1", "p2", 2)
	require.NoError(t, err)
}

func TestReserveRejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	_, err := ledger.Reserve(ctx, "u1", "p1", 0)
	require.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 3, "grant:1"))

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted, rejected := 0, 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, "u1", fmt.Sprintf("p%d", n), 1)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				granted++
			case errors.Is(err, domain.ErrInsufficientCredits):
				rejected++
			default:
				t.Errorf("reserve: %v", err)
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 3, granted, "holds must never exceed the balance")
	require.Equal(t, 5, rejected)
}

func TestPaidCountsOnlyUnrefundedChargesUnderPrefix(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 5, "grant:1"))

	stage, err := ledger.Reserve(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	_, err = ledger.Charge(ctx, stage, "charge:p1:views:1")
	require.NoError(t, err)

	regen, err := ledger.Reserve(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	_, err = ledger.Charge(ctx, regen, "regen:p1:front:"+regen)
	require.NoError(t, err)

	paid, err := ledger.Paid(ctx, "p1", "charge:p1:views:")
	require.NoError(t, err)
	require.Equal(t, 1, paid, "regenerate charges must not count toward the stage")

	_, err = ledger.Refund(ctx, stage, "refund:"+stage)
	require.NoError(t, err)

	paid, err = ledger.Paid(ctx, "p1", "charge:p1:views:")
	require.NoError(t, err)
	require.Zero(t, paid, "a refunded stage charge no longer counts as paid")
}

func TestChargeIsIdempotentPerTxKey(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 5, "grant:1"))

	r1, err := ledger.Reserve(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	r2, err := ledger.Reserve(ctx, "u1", "p1", 1)
	require.NoError(t, err)

	charged, err := ledger.Charge(ctx, r1, "charge:p1:views:1")
	require.NoError(t, err)
	require.True(t, charged)

	// The same logical charge through a second reservation is dropped
	// and the extra hold is released.
	charged, err = ledger.Charge(ctx, r2, "charge:p1:views:1")
	require.NoError(t, err)
	require.False(t, charged)

	loser, err := store.GetReservation(ctx, r2)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationReleased, loser.State)

	balance, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 4, balance)

	// Re-charging the winning reservation is a no-op too.
	charged, err = ledger.Charge(ctx, r1, "charge:p1:views:1")
	require.NoError(t, err)
	require.False(t, charged)
}

func TestChargeReleasedReservationFails(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 5, "grant:1"))

	r1, err := ledger.Reserve(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, r1))

	_, err = ledger.Charge(ctx, r1, "charge:p1:views:1")
	require.ErrorIs(t, err, domain.ErrDuplicateOperation)
}

func TestRefundAtMostOnce(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 5, "grant:1"))

	r1, err := ledger.Reserve(ctx, "u1", "p1", 2)
	require.NoError(t, err)
	_, err = ledger.Charge(ctx, r1, "charge:p1:views:1")
	require.NoError(t, err)

	amount, err := ledger.Refund(ctx, r1, "refund:"+r1)
	require.NoError(t, err)
	require.Equal(t, 2, amount)

	amount, err = ledger.Refund(ctx, r1, "refund:"+r1)
	require.NoError(t, err)
	require.Zero(t, amount, "second refund must be a no-op")

	balance, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 5, balance)
}

func TestRefundOpenReservationReleasesHold(t *testing.T) {
	ctx := context.Background()
	ledger, store := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 5, "grant:1"))

	r1, err := ledger.Reserve(ctx, "u1", "p1", 2)
	require.NoError(t, err)

	amount, err := ledger.Refund(ctx, r1, "refund:"+r1)
	require.NoError(t, err)
	require.Zero(t, amount)

	reservation, err := store.GetReservation(ctx, r1)
	require.NoError(t, err)
	require.Equal(t, domain.ReservationReleased, reservation.State)
}

func TestGrantDeduplicatesByTxKey(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 10, "grant:signup"))
	require.NoError(t, ledger.Grant(ctx, "u1", 10, "grant:signup"))

	balance, err := ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, 10, balance)
}

func TestHistoryNewestFirst(t *testing.T) {
	ctx := context.Background()
	ledger, _ := newTestLedger()
	require.NoError(t, ledger.Grant(ctx, "u1", 5, "grant:1"))

	r1, err := ledger.Reserve(ctx, "u1", "p1", 1)
	require.NoError(t, err)
	_, err = ledger.Charge(ctx, r1, "charge:p1:views:1")
	require.NoError(t, err)

	history, err := ledger.History(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, domain.CreditReasonCharge, history[0].Reason)
	require.Equal(t, -1, history[0].Delta)
}
