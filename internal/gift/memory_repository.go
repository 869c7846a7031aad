package gift

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Gift
}

// NewMemoryRepository constructs an in-memory repository for tests. It
// enforces the same guards and unique keys as the Postgres schema.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Gift)}
}

func (r *memoryRepository) Insert(_ context.Context, g Gift) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[g.Code]; exists {
		return ErrDuplicate
	}
	// A wallet backs at most one active gift; revoked and expired gifts
	// give their wallet back to the pool.
	for _, other := range r.storage {
		if other.WalletAddress == g.WalletAddress && other.LifecycleStatus == LifecycleActive {
			return ErrDuplicate
		}
	}
	r.storage[g.Code] = g
	return nil
}

func (r *memoryRepository) Get(_ context.Context, code string) (Gift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.storage[code]
	if !ok {
		return Gift{}, ErrNotFound
	}
	return g, nil
}

func (r *memoryRepository) FindByPaymentTx(_ context.Context, txRef string) (Gift, error) {
	return r.findOne(func(g Gift) bool { return txRef != "" && g.PaymentTxRef == txRef })
}

func (r *memoryRepository) FindByContractID(_ context.Context, id string) (Gift, error) {
	return r.findOne(func(g Gift) bool { return id != "" && g.ContractGiftID == id })
}

func (r *memoryRepository) findOne(match func(Gift) bool) (Gift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.storage {
		if match(g) {
			return g, nil
		}
	}
	return Gift{}, ErrNotFound
}

func (r *memoryRepository) List(_ context.Context, f Filter) ([]Gift, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Gift
	for _, g := range r.storage {
		if f.Matches(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Code < out[j].Code
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// update applies mutate to code when guard holds, under the write lock.
func (r *memoryRepository) update(code string, guard func(Gift) bool, mutate func(*Gift)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.storage[code]
	if !ok {
		return ErrNotFound
	}
	if !guard(g) {
		return ErrPrecondition
	}
	mutate(&g)
	r.storage[code] = g
	return nil
}

func (r *memoryRepository) MarkReceived(_ context.Context, code, txRef string, received decimal.Decimal, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.storage[code]
	if !ok {
		return ErrNotFound
	}
	for _, other := range r.storage {
		if txRef != "" && other.PaymentTxRef == txRef {
			return ErrDuplicate
		}
	}
	if g.PaymentStatus != PaymentPending || g.LifecycleStatus != LifecycleActive {
		return ErrPrecondition
	}
	g.PaymentStatus = PaymentReceived
	g.PaymentTxRef = txRef
	g.ReceivedAmount = received
	g.UpdatedAt = at.UTC()
	r.storage[code] = g
	return nil
}

func (r *memoryRepository) ClaimLock(_ context.Context, code string, at, staleBefore time.Time) error {
	return r.update(code,
		func(g Gift) bool {
			return g.PaymentStatus == PaymentReceived && !g.ContractLocked && g.LifecycleStatus == LifecycleActive &&
				(g.LockClaimedAt == nil || g.LockClaimedAt.Before(staleBefore))
		},
		func(g *Gift) {
			t := at.UTC()
			g.LockClaimedAt = &t
			g.UpdatedAt = t
		})
}

func (r *memoryRepository) ReleaseLockClaim(_ context.Context, code string, claimedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.storage[code]
	if !ok || g.LockClaimedAt == nil || !g.LockClaimedAt.Equal(claimedAt) {
		return nil
	}
	g.LockClaimedAt = nil
	r.storage[code] = g
	return nil
}

func (r *memoryRepository) MarkLocked(_ context.Context, records []LockRecord, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		g, ok := r.storage[rec.Code]
		if !ok {
			return fmt.Errorf("lock %s: %w", rec.Code, ErrNotFound)
		}
		if g.PaymentStatus != PaymentReceived || g.ContractLocked || g.LifecycleStatus != LifecycleActive {
			return fmt.Errorf("lock %s: %w", rec.Code, ErrPrecondition)
		}
	}
	for _, rec := range records {
		g := r.storage[rec.Code]
		g.ContractLocked = true
		g.ContractGiftID = rec.ContractGiftID
		g.LockTxRef = rec.LockTxRef
		g.LockClaimedAt = nil
		g.UpdatedAt = at.UTC()
		r.storage[rec.Code] = g
	}
	return nil
}

func (r *memoryRepository) RecordFee(_ context.Context, code, feeTxRef string, gasCost decimal.Decimal, at time.Time) error {
	return r.update(code, func(Gift) bool { return true }, func(g *Gift) {
		g.FeeTxRef = feeTxRef
		g.GasCost = gasCost
		g.UpdatedAt = at.UTC()
	})
}

func (r *memoryRepository) Claim(_ context.Context, code, claimer string, at, cutoff time.Time) error {
	return r.update(code,
		func(g Gift) bool {
			return !g.IsClaimed && g.PaymentStatus == PaymentReceived && g.LifecycleStatus == LifecycleActive &&
				g.UnlockAt.After(cutoff)
		},
		func(g *Gift) {
			t := at.UTC()
			g.IsClaimed = true
			g.ClaimedBy = claimer
			g.ClaimedAt = &t
			g.UpdatedAt = t
		})
}

func (r *memoryRepository) MarkTransferred(_ context.Context, code, to, txRef string, at time.Time) error {
	return r.update(code,
		func(g Gift) bool { return g.TransferredAt == nil && g.PaymentStatus == PaymentReceived },
		func(g *Gift) {
			t := at.UTC()
			g.PaymentStatus = PaymentCompleted
			g.TransferredTo = to
			g.TransferTxRef = txRef
			g.TransferredAt = &t
			g.UpdatedAt = t
		})
}

func (r *memoryRepository) MarkExpired(_ context.Context, code, charityTxRef string, at time.Time) error {
	return r.update(code,
		func(g Gift) bool {
			return g.LifecycleStatus == LifecycleActive && !g.IsClaimed && g.TransferredAt == nil
		},
		func(g *Gift) {
			g.LifecycleStatus = LifecycleExpired
			g.CharityTxRef = charityTxRef
			g.UpdatedAt = at.UTC()
		})
}

func (r *memoryRepository) Revoke(_ context.Context, code string, at time.Time) error {
	return r.update(code,
		func(g Gift) bool { return g.LifecycleStatus == LifecycleActive && g.PaymentStatus == PaymentPending },
		func(g *Gift) {
			g.LifecycleStatus = LifecycleRevoked
			g.UpdatedAt = at.UTC()
		})
}
