package walletpool

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for unknown wallet addresses.
	ErrNotFound = errors.New("wallet not found")
	// ErrNoFreeWallet is returned by Reserve when every wallet is taken.
	ErrNoFreeWallet = errors.New("no free wallet")
	// ErrDuplicate is returned by Insert on an address collision.
	ErrDuplicate = errors.New("wallet exists")
)

// Repository persists wallets. Reserve, Release and MarkConsumed are single
// conditional updates; callers never read-then-write.
type Repository interface {
	Insert(ctx context.Context, wallet Wallet) error
	Get(ctx context.Context, address string) (Wallet, error)
	Reserve(ctx context.Context) (Wallet, error)
	Release(ctx context.Context, address string) (bool, error)
	MarkConsumed(ctx context.Context, address string) error
	RecordBalance(ctx context.Context, address string, balance decimal.Decimal, at time.Time) error
	CountFree(ctx context.Context) (int, error)
}

// PostgresRepository stores wallets in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const walletColumns = `address, encrypted_key, reserved, consumed, cached_balance::text, last_balance_check, created_at`

// Insert stores a new free wallet.
func (r *PostgresRepository) Insert(ctx context.Context, w Wallet) error {
	tag, err := r.db.Exec(ctx, `INSERT INTO wallets (address, encrypted_key, reserved, consumed, cached_balance, created_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6)
        ON CONFLICT (address) DO NOTHING`,
		w.Address, w.EncryptedKey, w.Reserved, w.Consumed, w.CachedBalance.String(), w.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicate
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicate
	}
	return nil
}

// Get fetches a wallet by address.
func (r *PostgresRepository) Get(ctx context.Context, address string) (Wallet, error) {
	row := r.db.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE address = $1`, address)
	return scanWallet(row)
}

// Reserve claims the oldest free wallet. SKIP LOCKED lets concurrent callers
// pick different rows; the outer reserved = false guard keeps the swap atomic.
func (r *PostgresRepository) Reserve(ctx context.Context) (Wallet, error) {
	row := r.db.QueryRow(ctx, `UPDATE wallets SET reserved = true
        WHERE address = (
            SELECT address FROM wallets
            WHERE reserved = false AND consumed = false
            ORDER BY created_at
            LIMIT 1
            FOR UPDATE SKIP LOCKED
        ) AND reserved = false
        RETURNING `+walletColumns)
	w, err := scanWallet(row)
	if errors.Is(err, ErrNotFound) {
		return Wallet{}, ErrNoFreeWallet
	}
	return w, err
}

// Release frees a reserved, unconsumed wallet. It reports whether a row changed.
func (r *PostgresRepository) Release(ctx context.Context, address string) (bool, error) {
	tag, err := r.db.Exec(ctx, `UPDATE wallets SET reserved = false
        WHERE address = $1 AND reserved = true AND consumed = false`, address)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkConsumed flags the wallet as permanently used. reserved is left as is.
func (r *PostgresRepository) MarkConsumed(ctx context.Context, address string) error {
	tag, err := r.db.Exec(ctx, `UPDATE wallets SET consumed = true WHERE address = $1`, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordBalance caches the last observed on-chain balance.
func (r *PostgresRepository) RecordBalance(ctx context.Context, address string, balance decimal.Decimal, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE wallets SET cached_balance = $2::numeric, last_balance_check = $3
        WHERE address = $1`, address, balance.String(), at.UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountFree returns the number of wallets available to Reserve.
func (r *PostgresRepository) CountFree(ctx context.Context) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM wallets WHERE reserved = false AND consumed = false`).Scan(&n)
	return n, err
}

func scanWallet(row pgx.Row) (Wallet, error) {
	var (
		w         Wallet
		balance   string
		lastCheck *time.Time
	)
	if err := row.Scan(&w.Address, &w.EncryptedKey, &w.Reserved, &w.Consumed, &balance, &lastCheck, &w.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	b, err := decimal.NewFromString(balance)
	if err != nil {
		return Wallet{}, err
	}
	w.CachedBalance = b
	if lastCheck != nil {
		t := lastCheck.UTC()
		w.LastBalanceCheck = &t
	}
	w.CreatedAt = w.CreatedAt.UTC()
	return w, nil
}
