package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps balances in process memory.
type MemoryStore struct {
	mu             sync.Mutex
	balances       map[string]int64
	defaultBalance int64
}

// NewMemoryStore creates an in-memory store. Unknown principals start at defaultBalance.
func NewMemoryStore(defaultBalance int64) *MemoryStore {
	if defaultBalance < 0 {
		defaultBalance = 0
	}
	return &MemoryStore{
		balances:       make(map[string]int64),
		defaultBalance: defaultBalance,
	}
}

// Set overwrites the balance for principal.
func (s *MemoryStore) Set(principal string, balance int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[principal] = balance
}

func (s *MemoryStore) Balance(ctx context.Context, principal string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(principal), nil
}

func (s *MemoryStore) DebitIfSufficient(ctx context.Context, principal string, amount int64) (int64, bool, error) {
	if amount <= 0 {
		return 0, false, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.load(principal)
	if bal < amount {
		return bal, false, nil
	}
	bal -= amount
	s.balances[principal] = bal
	return bal, true, nil
}

func (s *MemoryStore) Credit(ctx context.Context, principal string, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bal := s.load(principal) + amount
	s.balances[principal] = bal
	return bal, nil
}

func (s *MemoryStore) load(principal string) int64 {
	bal, ok := s.balances[principal]
	if !ok {
		bal = s.defaultBalance
		s.balances[principal] = bal
	}
	return bal
}

var _ Store = (*MemoryStore)(nil)
