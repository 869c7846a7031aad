package walletpool

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"math/big"
	"time"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/keyvault"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/retry"
)

// reserveAttempts bounds how many funded wallets one Reserve call retires
// before giving up.
const reserveAttempts = 5

// KeyVault is the part of keyvault.Vault the pool needs.
type KeyVault interface {
	NewKeypair() (keyvault.Keypair, error)
	Encrypt(plain []byte) (string, error)
	PrivateKey(cipherText string) (*ecdsa.PrivateKey, error)
}

// Balances reads on-chain wallet balances.
type Balances interface {
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
}

// Pool hands out custodial wallets, one per gift.
type Pool struct {
	repo     Repository
	vault    KeyVault
	balances Balances
	retry    retry.Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewPool builds a wallet pool over repo.
func NewPool(repo Repository, vault KeyVault, logger *slog.Logger) *Pool {
	return &Pool{repo: repo, vault: vault, retry: retry.DefaultPolicy, logger: logger, now: time.Now}
}

// WithBalances makes Reserve check the chain before handing out a wallet.
func (p *Pool) WithBalances(b Balances) *Pool {
	p.balances = b
	return p
}

// Reserve atomically takes a free wallet. It returns a PoolExhausted error
// when none is left. With balances set, a wallet that already holds funds
// (a late payment to a cancelled gift, or residue of a failed sweep) is
// retired instead, since a new gift would be judged against its balance.
func (p *Pool) Reserve(ctx context.Context) (Wallet, error) {
	const op = "walletpool.Reserve"
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		w, err := p.repo.Reserve(ctx)
		if errors.Is(err, ErrNoFreeWallet) {
			return Wallet{}, apperr.New(apperr.KindPoolExhausted, op, "no free wallet available")
		}
		if err != nil {
			return Wallet{}, err
		}
		if p.balances == nil {
			return w, nil
		}
		balance, err := retry.Value(ctx, p.retry, func(ctx context.Context) (*big.Int, error) {
			return p.balances.BalanceAt(ctx, w.Address)
		})
		if err != nil {
			if relErr := p.Release(ctx, w.Address); relErr != nil {
				p.logger.Error("release wallet after balance check", "wallet", w.Address, "error", relErr)
			}
			return Wallet{}, (&apperr.Error{Kind: apperr.KindLedgerCall, Op: op, Err: err}).WithWallet(w.Address)
		}
		if balance.Sign() == 0 {
			return w, nil
		}
		p.logger.Warn("free wallet holds funds, retiring it", "wallet", w.Address, "balance", ledger.FromWei(balance).String())
		if err := p.repo.RecordBalance(ctx, w.Address, ledger.FromWei(balance), p.now()); err != nil {
			p.logger.Warn("record wallet balance failed", "wallet", w.Address, "error", err)
		}
		if err := p.repo.MarkConsumed(ctx, w.Address); err != nil {
			return Wallet{}, err
		}
	}
	return Wallet{}, apperr.New(apperr.KindPoolExhausted, op, "no empty wallet available")
}

// Release returns a reserved wallet to the pool. Consumed wallets stay out.
func (p *Pool) Release(ctx context.Context, address string) error {
	released, err := p.repo.Release(ctx, address)
	if err != nil {
		return err
	}
	if !released {
		p.logger.Debug("wallet not released", "wallet", address)
	}
	return nil
}

// MarkConsumed retires a wallet after it received a payment.
func (p *Pool) MarkConsumed(ctx context.Context, address string) error {
	if err := p.repo.MarkConsumed(ctx, address); err != nil {
		if errors.Is(err, ErrNotFound) {
			return apperr.New(apperr.KindNotFound, "walletpool.MarkConsumed", "wallet not found").WithWallet(address)
		}
		return err
	}
	return nil
}

// Get returns the stored wallet.
func (p *Pool) Get(ctx context.Context, address string) (Wallet, error) {
	w, err := p.repo.Get(ctx, address)
	if errors.Is(err, ErrNotFound) {
		return Wallet{}, apperr.New(apperr.KindNotFound, "walletpool.Get", "wallet not found").WithWallet(address)
	}
	return w, err
}

// Generate creates n wallets. Address collisions are logged and skipped, so
// the returned count can be lower than n.
func (p *Pool) Generate(ctx context.Context, n int) (int, error) {
	created := 0
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		kp, err := p.vault.NewKeypair()
		if err != nil {
			return created, err
		}
		sealed, err := p.vault.Encrypt(kp.PrivateKey)
		if err != nil {
			return created, err
		}
		err = p.repo.Insert(ctx, Wallet{Address: kp.Address, EncryptedKey: sealed, CreatedAt: p.now().UTC()})
		if errors.Is(err, ErrDuplicate) {
			p.logger.Warn("wallet address collision, skipping", "wallet", kp.Address)
			continue
		}
		if err != nil {
			return created, err
		}
		created++
	}
	p.logger.Info("wallets generated", "requested", n, "created", created)
	return created, nil
}

// FreeCount reports how many wallets are available.
func (p *Pool) FreeCount(ctx context.Context) (int, error) {
	return p.repo.CountFree(ctx)
}

// EnsureCapacity tops the pool up by batch wallets when fewer than min are free.
func (p *Pool) EnsureCapacity(ctx context.Context, min, batch int) (int, error) {
	free, err := p.repo.CountFree(ctx)
	if err != nil {
		return 0, err
	}
	if free >= min {
		return 0, nil
	}
	if batch < min-free {
		batch = min - free
	}
	return p.Generate(ctx, batch)
}

// Account decrypts the wallet key into a signing account.
func (p *Pool) Account(ctx context.Context, address string) (ledger.Account, error) {
	w, err := p.Get(ctx, address)
	if err != nil {
		return ledger.Account{}, err
	}
	key, err := p.vault.PrivateKey(w.EncryptedKey)
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			return ledger.Account{}, ae.WithWallet(address)
		}
		return ledger.Account{}, err
	}
	return ledger.Account{Address: w.Address, Key: key}, nil
}

// RecordBalance caches an observed balance in wei.
func (p *Pool) RecordBalance(ctx context.Context, address string, wei *big.Int) error {
	return p.repo.RecordBalance(ctx, address, ledger.FromWei(wei), p.now())
}
