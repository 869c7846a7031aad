package gift

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned for unknown gifts.
	ErrNotFound = errors.New("gift not found")
	// ErrPrecondition is returned when a conditional transition did not apply.
	ErrPrecondition = errors.New("gift state precondition failed")
	// ErrDuplicate is returned on a unique key collision (code, wallet, payment tx).
	ErrDuplicate = errors.New("gift duplicate")
)

// Repository persists gifts. Every transition is a single conditional update:
// it returns ErrPrecondition when the current row does not satisfy the guard.
type Repository interface {
	Insert(ctx context.Context, g Gift) error
	Get(ctx context.Context, code string) (Gift, error)
	FindByPaymentTx(ctx context.Context, txRef string) (Gift, error)
	FindByContractID(ctx context.Context, contractGiftID string) (Gift, error)
	List(ctx context.Context, f Filter) ([]Gift, error)

	MarkReceived(ctx context.Context, code, txRef string, received decimal.Decimal, at time.Time) error
	ClaimLock(ctx context.Context, code string, at, staleBefore time.Time) error
	ReleaseLockClaim(ctx context.Context, code string, claimedAt time.Time) error
	MarkLocked(ctx context.Context, records []LockRecord, at time.Time) error
	RecordFee(ctx context.Context, code, feeTxRef string, gasCost decimal.Decimal, at time.Time) error
	Claim(ctx context.Context, code, claimer string, at, cutoff time.Time) error
	MarkTransferred(ctx context.Context, code, to, txRef string, at time.Time) error
	MarkExpired(ctx context.Context, code, charityTxRef string, at time.Time) error
	Revoke(ctx context.Context, code string, at time.Time) error
}

// PostgresRepository stores gifts in PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a repository backed by PostgreSQL.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const giftColumns = `code, buyer_ref, wallet_address, recipient_address,
    gift_amount::text, fee_amount::text, total_required::text, currency, token_address,
    payment_status, COALESCE(payment_tx_ref, ''), received_amount::text, unlock_at,
    contract_locked, COALESCE(contract_gift_id, ''), lock_tx_ref, lock_claimed_at, fee_tx_ref, gas_cost::text,
    is_claimed, claimed_by, claimed_at, transferred_to, transferred_at, transfer_tx_ref,
    lifecycle_status, charity_tx_ref, created_at, updated_at`

// Insert stores a new gift.
func (r *PostgresRepository) Insert(ctx context.Context, g Gift) error {
	_, err := r.db.Exec(ctx, `INSERT INTO gifts (code, buyer_ref, wallet_address, recipient_address,
        gift_amount, fee_amount, total_required, currency, token_address,
        payment_status, received_amount, unlock_at, contract_locked, gas_cost,
        is_claimed, lifecycle_status, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6::numeric, $7::numeric, $8, $9,
        $10, $11::numeric, $12, false, $13::numeric, false, $14, $15, $15)`,
		g.Code, g.BuyerRef, g.WalletAddress, g.RecipientAddress,
		g.GiftAmount.String(), g.FeeAmount.String(), g.TotalRequired.String(), g.Currency, g.TokenAddress,
		string(g.PaymentStatus), g.ReceivedAmount.String(), g.UnlockAt.UTC(), g.GasCost.String(),
		string(g.LifecycleStatus), g.CreatedAt.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Get fetches a gift by code.
func (r *PostgresRepository) Get(ctx context.Context, code string) (Gift, error) {
	return scanGift(r.db.QueryRow(ctx, `SELECT `+giftColumns+` FROM gifts WHERE code = $1`, code))
}

// FindByPaymentTx fetches the gift whose payment was txRef.
func (r *PostgresRepository) FindByPaymentTx(ctx context.Context, txRef string) (Gift, error) {
	return scanGift(r.db.QueryRow(ctx, `SELECT `+giftColumns+` FROM gifts WHERE payment_tx_ref = $1`, txRef))
}

// FindByContractID fetches the gift escrowed under the contract's gift id.
func (r *PostgresRepository) FindByContractID(ctx context.Context, contractGiftID string) (Gift, error) {
	return scanGift(r.db.QueryRow(ctx, `SELECT `+giftColumns+` FROM gifts WHERE contract_gift_id = $1`, contractGiftID))
}

// List returns gifts matching f ordered by creation time.
func (r *PostgresRepository) List(ctx context.Context, f Filter) ([]Gift, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.PaymentStatus != "" {
		add("payment_status = $%d", string(f.PaymentStatus))
	}
	if f.LifecycleStatus != "" {
		add("lifecycle_status = $%d", string(f.LifecycleStatus))
	}
	if f.Locked != nil {
		add("contract_locked = $%d", *f.Locked)
	}
	if f.Claimed != nil {
		add("is_claimed = $%d", *f.Claimed)
	}
	if f.Transferred != nil {
		add("(transferred_at IS NOT NULL) = $%d", *f.Transferred)
	}
	if f.ClaimedBy != "" {
		add("claimed_by = $%d", f.ClaimedBy)
	}
	if f.UnlockBefore != nil {
		add("unlock_at < $%d", f.UnlockBefore.UTC())
	}

	query := `SELECT ` + giftColumns + ` FROM gifts`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, code`
	if f.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Gift
	for rows.Next() {
		g, err := scanGift(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// MarkReceived moves a pending active gift to received.
func (r *PostgresRepository) MarkReceived(ctx context.Context, code, txRef string, received decimal.Decimal, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE gifts
        SET payment_status = 'received', payment_tx_ref = $2, received_amount = $3::numeric, updated_at = $4
        WHERE code = $1 AND payment_status = 'pending' AND lifecycle_status = 'active'`,
		code, txRef, received.String(), at.UTC())
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return r.checkApplied(ctx, code, tag, err)
}

// ClaimLock marks a received, unescrowed gift as being locked. A claim older
// than staleBefore is taken over.
func (r *PostgresRepository) ClaimLock(ctx context.Context, code string, at, staleBefore time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE gifts SET lock_claimed_at = $2, updated_at = $2
        WHERE code = $1 AND payment_status = 'received' AND contract_locked = false AND lifecycle_status = 'active'
          AND (lock_claimed_at IS NULL OR lock_claimed_at < $3)`,
		code, at.UTC(), staleBefore.UTC())
	return r.checkApplied(ctx, code, tag, err)
}

// ReleaseLockClaim drops the claim taken at claimedAt, if it is still held.
func (r *PostgresRepository) ReleaseLockClaim(ctx context.Context, code string, claimedAt time.Time) error {
	_, err := r.db.Exec(ctx, `UPDATE gifts SET lock_claimed_at = NULL
        WHERE code = $1 AND lock_claimed_at = $2`, code, claimedAt.UTC())
	return err
}

// MarkLocked records escrow outcomes for every record or none of them.
func (r *PostgresRepository) MarkLocked(ctx context.Context, records []LockRecord, at time.Time) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	for _, rec := range records {
		tag, err := tx.Exec(ctx, `UPDATE gifts
            SET contract_locked = true, contract_gift_id = NULLIF($2, ''), lock_tx_ref = $3,
                lock_claimed_at = NULL, updated_at = $4
            WHERE code = $1 AND payment_status = 'received' AND contract_locked = false
              AND lifecycle_status = 'active'`,
			rec.Code, rec.ContractGiftID, rec.LockTxRef, at.UTC())
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("lock %s: %w", rec.Code, ErrPrecondition)
		}
	}
	return tx.Commit(ctx)
}

// RecordFee stores the fee transfer reference and lock gas cost.
func (r *PostgresRepository) RecordFee(ctx context.Context, code, feeTxRef string, gasCost decimal.Decimal, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE gifts SET fee_tx_ref = $2, gas_cost = $3::numeric, updated_at = $4
        WHERE code = $1`, code, feeTxRef, gasCost.String(), at.UTC())
	return r.checkApplied(ctx, code, tag, err)
}

// Claim sets the claim fields once, provided the gift unlocks after cutoff.
func (r *PostgresRepository) Claim(ctx context.Context, code, claimer string, at, cutoff time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE gifts SET is_claimed = true, claimed_by = $2, claimed_at = $3, updated_at = $3
        WHERE code = $1 AND is_claimed = false AND payment_status = 'received' AND lifecycle_status = 'active'
          AND unlock_at > $4`,
		code, claimer, at.UTC(), cutoff.UTC())
	return r.checkApplied(ctx, code, tag, err)
}

// MarkTransferred completes a gift whose funds reached to.
func (r *PostgresRepository) MarkTransferred(ctx context.Context, code, to, txRef string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE gifts
        SET payment_status = 'completed', transferred_to = $2, transfer_tx_ref = $3, transferred_at = $4, updated_at = $4
        WHERE code = $1 AND transferred_at IS NULL AND payment_status = 'received'`,
		code, to, txRef, at.UTC())
	return r.checkApplied(ctx, code, tag, err)
}

// MarkExpired retires an unclaimed, untransferred gift.
func (r *PostgresRepository) MarkExpired(ctx context.Context, code, charityTxRef string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE gifts SET lifecycle_status = 'expired', charity_tx_ref = $2, updated_at = $3
        WHERE code = $1 AND lifecycle_status = 'active' AND is_claimed = false AND transferred_at IS NULL`,
		code, charityTxRef, at.UTC())
	return r.checkApplied(ctx, code, tag, err)
}

// Revoke cancels an unpaid gift.
func (r *PostgresRepository) Revoke(ctx context.Context, code string, at time.Time) error {
	tag, err := r.db.Exec(ctx, `UPDATE gifts SET lifecycle_status = 'revoked', updated_at = $2
        WHERE code = $1 AND lifecycle_status = 'active' AND payment_status = 'pending'`,
		code, at.UTC())
	return r.checkApplied(ctx, code, tag, err)
}

// checkApplied turns a zero-row update into ErrNotFound or ErrPrecondition.
func (r *PostgresRepository) checkApplied(ctx context.Context, code string, tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM gifts WHERE code = $1)`, code).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrPrecondition
}

func scanGift(row pgx.Row) (Gift, error) {
	var (
		g                                         Gift
		giftAmt, feeAmt, total, received, gasCost string
		payment, lifecycle                        string
	)
	err := row.Scan(&g.Code, &g.BuyerRef, &g.WalletAddress, &g.RecipientAddress,
		&giftAmt, &feeAmt, &total, &g.Currency, &g.TokenAddress,
		&payment, &g.PaymentTxRef, &received, &g.UnlockAt,
		&g.ContractLocked, &g.ContractGiftID, &g.LockTxRef, &g.LockClaimedAt, &g.FeeTxRef, &gasCost,
		&g.IsClaimed, &g.ClaimedBy, &g.ClaimedAt, &g.TransferredTo, &g.TransferredAt, &g.TransferTxRef,
		&lifecycle, &g.CharityTxRef, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Gift{}, ErrNotFound
		}
		return Gift{}, err
	}
	for _, p := range []struct {
		dst *decimal.Decimal
		src string
	}{{&g.GiftAmount, giftAmt}, {&g.FeeAmount, feeAmt}, {&g.TotalRequired, total}, {&g.ReceivedAmount, received}, {&g.GasCost, gasCost}} {
		d, err := decimal.NewFromString(p.src)
		if err != nil {
			return Gift{}, fmt.Errorf("decode amount %q: %w", p.src, err)
		}
		*p.dst = d
	}
	g.PaymentStatus = PaymentStatus(payment)
	g.LifecycleStatus = LifecycleStatus(lifecycle)
	g.UnlockAt = g.UnlockAt.UTC()
	g.CreatedAt = g.CreatedAt.UTC()
	g.UpdatedAt = g.UpdatedAt.UTC()
	return g, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
