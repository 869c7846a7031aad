package walletpool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type memoryRepository struct {
	mu      sync.RWMutex
	storage map[string]Wallet
}

// NewMemoryRepository constructs an in-memory repository for tests.
func NewMemoryRepository() Repository {
	return &memoryRepository{storage: make(map[string]Wallet)}
}

func (r *memoryRepository) Insert(_ context.Context, w Wallet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.storage[w.Address]; exists {
		return ErrDuplicate
	}
	r.storage[w.Address] = w
	return nil
}

func (r *memoryRepository) Get(_ context.Context, address string) (Wallet, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.storage[address]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	return w, nil
}

func (r *memoryRepository) Reserve(_ context.Context) (Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	free := make([]Wallet, 0)
	for _, w := range r.storage {
		if w.Free() {
			free = append(free, w)
		}
	}
	if len(free) == 0 {
		return Wallet{}, ErrNoFreeWallet
	}
	sort.Slice(free, func(i, j int) bool {
		if free[i].CreatedAt.Equal(free[j].CreatedAt) {
			return free[i].Address < free[j].Address
		}
		return free[i].CreatedAt.Before(free[j].CreatedAt)
	})
	w := free[0]
	w.Reserved = true
	r.storage[w.Address] = w
	return w, nil
}

func (r *memoryRepository) Release(_ context.Context, address string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.storage[address]
	if !ok || !w.Reserved || w.Consumed {
		return false, nil
	}
	w.Reserved = false
	r.storage[address] = w
	return true, nil
}

func (r *memoryRepository) MarkConsumed(_ context.Context, address string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.storage[address]
	if !ok {
		return ErrNotFound
	}
	w.Consumed = true
	r.storage[address] = w
	return nil
}

func (r *memoryRepository) RecordBalance(_ context.Context, address string, balance decimal.Decimal, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.storage[address]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	w.CachedBalance = balance
	w.LastBalanceCheck = &t
	r.storage[address] = w
	return nil
}

func (r *memoryRepository) CountFree(_ context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.storage {
		if w.Free() {
			n++
		}
	}
	return n, nil
}
