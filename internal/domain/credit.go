package domain

import "time"

// CreditReason labels a ledger entry.
type CreditReason string

const (
	CreditReasonGrant  CreditReason = "grant"
	CreditReasonCharge CreditReason = "charge"
	CreditReasonRefund CreditReason = "refund"
)

// CreditTransaction is an immutable, append-only ledger entry. A user's
// balance is the sum of their deltas; it is never stored as a mutable
// counter. TxKey is unique, which makes duplicate charge/refund
// attempts no-ops at the persistence layer.
type CreditTransaction struct {
	ID            string
	UserID        string
	Delta         int
	Reason        CreditReason
	PipelineID    string
	ReservationID string
	TxKey         string
	CreatedAt     time.Time
}

// ReservationState enumerates the lifecycle of a credit reservation.
type ReservationState string

const (
	ReservationOpen     ReservationState = "OPEN"
	ReservationCharged  ReservationState = "CHARGED"
	ReservationRefunded ReservationState = "REFUNDED"
	// ReservationReleased marks a reservation abandoned without a
	// charge, e.g. when a duplicate caller lost the charge race.
	ReservationReleased ReservationState = "RELEASED"
)

// CreditReservation holds an amount against a user's balance until it
// is charged, refunded, or released.
type CreditReservation struct {
	ID         string
	UserID     string
	PipelineID string
	Amount     int
	State      ReservationState
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
