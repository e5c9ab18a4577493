package credits

import (
	"context"
	"sort"
	"strings"
	"sync"

	"server/internal/domain"
)

// MemoryStore is an in-memory CreditStore for development and test
// environments where PostgreSQL is not available. It enforces the same
// tx-key uniqueness as the SQL store.
type MemoryStore struct {
	mu           sync.Mutex
	reservations map[string]*domain.CreditReservation
	transactions []domain.CreditTransaction
	txKeys       map[string]struct{}
}

// NewMemoryStore initializes an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reservations: make(map[string]*domain.CreditReservation),
		txKeys:       make(map[string]struct{}),
	}
}

func (s *MemoryStore) InsertReservation(ctx context.Context, r *domain.CreditReservation) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	balance := 0
	for _, tx := range s.transactions {
		if tx.UserID == r.UserID {
			balance += tx.Delta
		}
	}
	for _, held := range s.reservations {
		if held.UserID == r.UserID && held.State == domain.ReservationOpen {
			balance -= held.Amount
		}
	}
	if balance < r.Amount {
		return false, nil
	}
	clone := *r
	s.reservations[r.ID] = &clone
	return true, nil
}

func (s *MemoryStore) GetReservation(ctx context.Context, id string) (*domain.CreditReservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *r
	return &clone, nil
}

func (s *MemoryStore) TransitionReservation(ctx context.Context, id string, from, to domain.ReservationState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if r.State != from {
		return false, nil
	}
	r.State = to
	return true, nil
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, tx *domain.CreditTransaction) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx.TxKey != "" {
		if _, exists := s.txKeys[tx.TxKey]; exists {
			return false, nil
		}
		s.txKeys[tx.TxKey] = struct{}{}
	}
	s.transactions = append(s.transactions, *tx)
	return true, nil
}

func (s *MemoryStore) SumBalance(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			sum += tx.Delta
		}
	}
	return sum, nil
}

func (s *MemoryStore) SumOpenReservations(ctx context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, r := range s.reservations {
		if r.UserID == userID && r.State == domain.ReservationOpen {
			sum += r.Amount
		}
	}
	return sum, nil
}

func (s *MemoryStore) SumUnrefundedCharges(ctx context.Context, pipelineID, txKeyPrefix string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := 0
	for _, tx := range s.transactions {
		if tx.Reason != domain.CreditReasonCharge || tx.PipelineID != pipelineID || !strings.HasPrefix(tx.TxKey, txKeyPrefix) {
			continue
		}
		if r, ok := s.reservations[tx.ReservationID]; ok && r.State == domain.ReservationRefunded {
			continue
		}
		sum -= tx.Delta
	}
	return sum, nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CreditTransaction
	for _, tx := range s.transactions {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Transactions returns a copy of every entry; used by tests and the
// reconciliation CLI.
func (s *MemoryStore) Transactions() []domain.CreditTransaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.CreditTransaction(nil), s.transactions...)
}

var _ domain.CreditStore = (*MemoryStore)(nil)
