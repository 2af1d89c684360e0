package ledger

import (
	"context"
	"errors"
	"strings"
)

// Tier selects the price of a single try-on job.
type Tier string

const (
	TierStandard Tier = "standard"
	TierHigh     Tier = "high"
)

const (
	DefaultStandardCost int64 = 10
	DefaultHighCost     int64 = 20
)

var (
	ErrUnknownTier   = errors.New("unknown tier")
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrNoPrincipal   = errors.New("principal is required")
)

// ParseTier normalizes a tier name, defaulting to standard when empty.
func ParseTier(raw string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", string(TierStandard):
		return TierStandard, nil
	case string(TierHigh):
		return TierHigh, nil
	default:
		return "", ErrUnknownTier
	}
}

// Pricing maps each tier to its token cost.
type Pricing map[Tier]int64

// DefaultPricing returns the stock price list.
func DefaultPricing() Pricing {
	return Pricing{
		TierStandard: DefaultStandardCost,
		TierHigh:     DefaultHighCost,
	}
}

// Cost returns the token price of tier.
func (p Pricing) Cost(tier Tier) (int64, error) {
	cost, ok := p[tier]
	if !ok || cost <= 0 {
		return 0, ErrUnknownTier
	}
	return cost, nil
}

// Store is the persistence contract behind the ledger. Implementations must
// make DebitIfSufficient and Credit atomic per principal and never let a
// balance go negative.
type Store interface {
	Balance(ctx context.Context, principal string) (int64, error)
	// DebitIfSufficient subtracts amount only when the balance covers it.
	// ok is false when it did not, and balance is the observed balance.
	DebitIfSufficient(ctx context.Context, principal string, amount int64) (balance int64, ok bool, err error)
	Credit(ctx context.Context, principal string, amount int64) (int64, error)
}
