package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tryon-backend/internal/failure"
	"tryon-backend/internal/shared/metrics"
	"tryon-backend/internal/shared/telemetry"
)

const (
	defaultReleaseAttempts = 3
	defaultReleaseBackoff  = 200 * time.Millisecond
	releaseTimeout         = 10 * time.Second
)

// Gate reserves tokens ahead of a job and settles them afterwards.
type Gate struct {
	Store           Store
	Pricing         Pricing
	ReleaseAttempts int
	ReleaseBackoff  time.Duration
}

// NewGate constructs a Gate with default retry settings.
func NewGate(store Store, pricing Pricing) *Gate {
	if pricing == nil {
		pricing = DefaultPricing()
	}
	return &Gate{
		Store:           store,
		Pricing:         pricing,
		ReleaseAttempts: defaultReleaseAttempts,
		ReleaseBackoff:  defaultReleaseBackoff,
	}
}

// Balance returns the current token balance for principal.
func (g *Gate) Balance(ctx context.Context, principal string) (int64, error) {
	if strings.TrimSpace(principal) == "" {
		return 0, failure.Wrap(failure.KindUnauthorized, "missing identity", ErrNoPrincipal)
	}
	bal, err := g.Store.Balance(ctx, principal)
	if err != nil {
		return 0, failure.Wrap(failure.KindInternal, "read token balance", err)
	}
	return bal, nil
}

// Grant credits principal outside of any reservation.
func (g *Gate) Grant(ctx context.Context, principal string, amount int64) (int64, error) {
	if strings.TrimSpace(principal) == "" {
		return 0, failure.Wrap(failure.KindUnauthorized, "missing identity", ErrNoPrincipal)
	}
	if amount <= 0 {
		return 0, failure.Validation(ErrInvalidAmount.Error())
	}
	bal, err := g.Store.Credit(ctx, principal, amount)
	if err != nil {
		metrics.IncLedgerOp("grant", "error")
		return 0, failure.Wrap(failure.KindInternal, "grant tokens", err)
	}
	metrics.IncLedgerOp("grant", "ok")
	return bal, nil
}

// Reserve debits the tier cost for principal. The returned reservation
// must be committed or released exactly once.
func (g *Gate) Reserve(ctx context.Context, principal string, tier Tier) (*Reservation, error) {
	if strings.TrimSpace(principal) == "" {
		return nil, failure.Wrap(failure.KindUnauthorized, "missing identity", ErrNoPrincipal)
	}
	cost, err := g.Pricing.Cost(tier)
	if err != nil {
		return nil, failure.Validation("unknown tier " + string(tier))
	}

	bal, err := g.Store.Balance(ctx, principal)
	if err != nil {
		metrics.IncLedgerOp("reserve", "error")
		return nil, failure.Wrap(failure.KindInternal, "read token balance", err)
	}
	if bal < cost {
		metrics.IncLedgerOp("reserve", "insufficient")
		return nil, failure.InsufficientTokens(bal, cost)
	}

	after, ok, err := g.Store.DebitIfSufficient(ctx, principal, cost)
	if err != nil {
		metrics.IncLedgerOp("reserve", "error")
		return nil, failure.Wrap(failure.KindInternal, "debit tokens", err)
	}
	if !ok {
		// lost a race with a concurrent debit
		metrics.IncLedgerOp("reserve", "insufficient")
		return nil, failure.InsufficientTokens(after, cost)
	}

	metrics.IncLedgerOp("reserve", "ok")
	return &Reservation{
		ID:           uuid.NewString(),
		Principal:    principal,
		Tier:         tier,
		Amount:       cost,
		BalanceAfter: after,
		gate:         g,
		state:        statePending,
	}, nil
}

type reservationState int

const (
	statePending reservationState = iota
	stateCommitted
	stateReleased
)

// Reservation is a debit awaiting its single disposition.
type Reservation struct {
	ID           string
	Principal    string
	Tier         Tier
	Amount       int64
	BalanceAfter int64

	gate  *Gate
	mu    sync.Mutex
	state reservationState
}

// Commit settles the debit. It is a no-op once the reservation was settled either way.
func (r *Reservation) Commit() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != statePending {
		return false
	}
	r.state = stateCommitted
	metrics.IncLedgerOp("commit", "ok")
	return true
}

// Committed reports whether Commit won.
func (r *Reservation) Committed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateCommitted
}

// Settled reports whether the reservation reached either disposition.
func (r *Reservation) Settled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state != statePending
}

// Release refunds the debit once. A failed credit leaves the reservation pending.
func (r *Reservation) Release(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != statePending {
		return nil
	}
	if _, err := r.gate.Store.Credit(ctx, r.Principal, r.Amount); err != nil {
		metrics.IncLedgerOp("release", "error")
		return err
	}
	r.state = stateReleased
	metrics.IncLedgerOp("release", "ok")
	return nil
}

// ReleaseUnlessCommitted is the deferred guard for a reservation. It runs
// detached from caller cancellation and retries transient store failures.
func (r *Reservation) ReleaseUnlessCommitted(ctx context.Context) {
	if r == nil || r.Settled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	attempts := r.gate.ReleaseAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
retry:
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = r.Release(ctx); err == nil {
			return
		}
		telemetry.Warn("ledger.release_retry", map[string]any{
			"reservation_id": r.ID,
			"user_id":        r.Principal,
			"attempt":        attempt,
			"error":          err.Error(),
		})
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(r.gate.ReleaseBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		}
	}
	telemetry.Error("ledger.release_failed", map[string]any{
		"reservation_id": r.ID,
		"user_id":        r.Principal,
		"amount":         r.Amount,
		"error":          err.Error(),
	})
}
