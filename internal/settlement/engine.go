// Package settlement escrows received gifts in the ledger contract and splits
// the platform fee off each gift wallet.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/gift"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/retry"
)

// Gifts is the gift ledger as seen by the engine.
type Gifts interface {
	Get(ctx context.Context, code string) (gift.Gift, error)
	List(ctx context.Context, f gift.Filter) ([]gift.Gift, error)
	ClaimLock(ctx context.Context, code string, ttl time.Duration) (time.Time, error)
	ReleaseLockClaim(ctx context.Context, code string, claimedAt time.Time) error
	MarkLocked(ctx context.Context, records []gift.LockRecord) error
	RecordFee(ctx context.Context, code, feeTxRef string, gasCost decimal.Decimal) error
}

// Wallets resolves gift wallets into signing accounts.
type Wallets interface {
	Account(ctx context.Context, address string) (ledger.Account, error)
}

// Config holds the accounts and limits used for settlement.
type Config struct {
	// Operator signs batch locks and releases; it is reimbursed by each wallet.
	Operator      ledger.Account
	CompanyWallet string
	// GasReserve stays in every gift wallet to pay for later transactions.
	GasReserve   *big.Int
	MaxBatchSize int
	// LockClaimTTL is how long a lock attempt holds a gift before another
	// attempt may take it over.
	LockClaimTTL time.Duration
	Retry        retry.Policy
}

// Engine performs single and batched escrow.
type Engine struct {
	client  ledger.Client
	gifts   Gifts
	wallets Wallets
	cfg     Config
	logger  *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(client ledger.Client, gifts Gifts, wallets Wallets, cfg Config, logger *slog.Logger) *Engine {
	if cfg.GasReserve == nil {
		cfg.GasReserve = new(big.Int)
	}
	if cfg.MaxBatchSize < 1 {
		cfg.MaxBatchSize = 20
	}
	if cfg.LockClaimTTL <= 0 {
		cfg.LockClaimTTL = 15 * time.Minute
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Engine{client: client, gifts: gifts, wallets: wallets, cfg: cfg, logger: logger.With("component", "settlement")}
}

// BatchResult reports what a batch run did with each requested gift.
type BatchResult struct {
	TxRef         string            `json:"tx_ref,omitempty"`
	Locked        []string          `json:"locked"`
	AlreadyLocked []string          `json:"already_locked"`
	Skipped       map[string]string `json:"skipped"`
}

func newBatchResult() BatchResult {
	return BatchResult{Locked: []string{}, AlreadyLocked: []string{}, Skipped: map[string]string{}}
}

func (r *BatchResult) merge(o BatchResult) {
	r.Locked = append(r.Locked, o.Locked...)
	r.AlreadyLocked = append(r.AlreadyLocked, o.AlreadyLocked...)
	for k, v := range o.Skipped {
		r.Skipped[k] = v
	}
	if o.TxRef != "" {
		r.TxRef = o.TxRef
	}
}

func lockEntry(g gift.Gift) ledger.LockEntry {
	return ledger.LockEntry{
		Token:     g.TokenAddress,
		Amount:    ledger.ToWei(g.GiftAmount),
		Recipient: g.RecipientAddress,
		UnlockAt:  g.UnlockAt,
	}
}

// LockSingle escrows one received gift from its own wallet. It is safe to
// call again: an existing on-chain lock is only recorded locally. While
// another attempt holds the gift it returns a conflict error.
func (e *Engine) LockSingle(ctx context.Context, code string) error {
	const op = "settlement.LockSingle"
	g, err := e.gifts.Get(ctx, code)
	if err != nil {
		return err
	}
	if g.ContractLocked {
		return nil
	}
	if g.PaymentStatus != gift.PaymentReceived {
		return apperr.New(apperr.KindNotReady, op, "gift payment not received").WithGift(g.Code)
	}
	if g.LifecycleStatus != gift.LifecycleActive {
		return apperr.New(apperr.KindValidation, op, "gift is "+string(g.LifecycleStatus)).WithGift(g.Code)
	}
	log := e.logger.With("gift_code", g.Code, "wallet", g.WalletAddress, "op", op)

	claimedAt, err := e.gifts.ClaimLock(ctx, g.Code, e.cfg.LockClaimTTL)
	if err != nil {
		return err
	}
	entry := lockEntry(g)
	recovered, err := e.recoverExisting(ctx, g, entry)
	if err != nil || recovered {
		e.releaseClaim(ctx, g.Code, claimedAt)
		return err
	}

	acct, err := e.wallets.Account(ctx, g.WalletAddress)
	if err != nil {
		e.releaseClaim(ctx, g.Code, claimedAt)
		return err
	}
	receipt, err := e.client.LockFunds(ctx, acct, entry)
	if err != nil {
		log.Error("lock funds failed", "tx_hash", receipt.TxHash, "error", err)
		e.releaseClaim(ctx, g.Code, claimedAt)
		return (&apperr.Error{Kind: apperr.KindLedgerCall, Op: op, Err: err}).WithGift(g.Code).WithWallet(g.WalletAddress)
	}

	var contractID string
	if evs := receipt.EventsNamed(ledger.EventFundsLocked); len(evs) > 0 && evs[0].GiftID != nil {
		contractID = evs[0].GiftID.String()
	}
	if err := e.gifts.MarkLocked(ctx, []gift.LockRecord{{Code: g.Code, ContractGiftID: contractID, LockTxRef: receipt.TxHash}}); err != nil {
		log.Error("escrow mined but not recorded", "tx_hash", receipt.TxHash, "error", err)
		return err
	}
	log.Info("gift escrowed", "tx_hash", receipt.TxHash, "contract_gift_id", contractID)

	e.settleFee(ctx, log, g, acct, receipt.GasCost())
	return nil
}

// releaseClaim gives a gift back after an attempt that locked nothing. A
// claim that cannot be released expires after LockClaimTTL.
func (e *Engine) releaseClaim(ctx context.Context, code string, claimedAt time.Time) {
	if err := e.gifts.ReleaseLockClaim(ctx, code, claimedAt); err != nil {
		e.logger.Warn("release lock claim failed", "gift_code", code, "error", err)
	}
}

// recoverExisting records a lock that already exists on chain.
func (e *Engine) recoverExisting(ctx context.Context, g gift.Gift, entry ledger.LockEntry) (bool, error) {
	type lookup struct {
		found bool
		id    *big.Int
	}
	res, err := retry.Value(ctx, e.cfg.Retry, func(ctx context.Context) (lookup, error) {
		found, id, err := e.client.FindLock(ctx, entry)
		return lookup{found, id}, err
	})
	if err != nil {
		return false, (&apperr.Error{Kind: apperr.KindLedgerCall, Op: "settlement.FindLock", Err: err}).WithGift(g.Code)
	}
	if !res.found {
		return false, nil
	}
	var id string
	if res.id != nil {
		id = res.id.String()
	}
	if err := e.gifts.MarkLocked(ctx, []gift.LockRecord{{Code: g.Code, ContractGiftID: id}}); err != nil {
		return false, err
	}
	e.logger.Info("gift already escrowed on chain, recorded locally", "gift_code", g.Code, "contract_gift_id", id)
	return true, nil
}

// batchContractIDs pairs FundsLocked events with batch items by position. When
// the event count does not line up, each position is looked up on chain; an
// id that cannot be resolved stays empty and blocks release of that gift.
func (e *Engine) batchContractIDs(ctx context.Context, receipt ledger.Receipt, items []batchItem) []string {
	ids := make([]string, len(items))
	events := receipt.EventsNamed(ledger.EventFundsLocked)
	if len(events) == len(items) {
		for i, ev := range events {
			if ev.GiftID != nil {
				ids[i] = ev.GiftID.String()
			}
		}
		return ids
	}

	e.logger.Warn("batch event count mismatch, resolving ids on chain", "tx_hash", receipt.TxHash, "events", len(events), "gifts", len(items))
	for i, it := range items {
		id, err := retry.Value(ctx, e.cfg.Retry, func(ctx context.Context) (*big.Int, error) {
			found, id, err := e.client.FindLock(ctx, it.entry)
			if err == nil && !found {
				return nil, nil
			}
			return id, err
		})
		if err != nil || id == nil {
			e.logger.Error("contract id of batch-locked gift unresolved", "gift_code", it.gift.Code, "tx_hash", receipt.TxHash, "error", err)
			continue
		}
		ids[i] = id.String()
	}
	return ids
}

// settleFee forwards fee - gasCost - reserve to the company wallet when that
// is positive. Failures are logged only.
func (e *Engine) settleFee(ctx context.Context, log *slog.Logger, g gift.Gift, acct ledger.Account, gasCost *big.Int) {
	remaining := new(big.Int).Sub(ledger.ToWei(g.FeeAmount), gasCost)
	gas := ledger.FromWei(gasCost)

	if remaining.Cmp(e.cfg.GasReserve) <= 0 {
		log.Info("fee remainder within gas reserve, nothing forwarded", "remaining_fee", ledger.FromWei(remaining).String())
		if err := e.gifts.RecordFee(ctx, g.Code, "", gas); err != nil {
			log.Warn("record fee bookkeeping failed", "error", err)
		}
		return
	}
	send := new(big.Int).Sub(remaining, e.cfg.GasReserve)
	receipt, err := e.client.SendValue(ctx, acct, e.cfg.CompanyWallet, send)
	if err != nil {
		log.Error("fee transfer failed", "op", "settlement.settleFee", "amount", ledger.FromWei(send).String(), "error", err)
		if err := e.gifts.RecordFee(ctx, g.Code, "", gas); err != nil {
			log.Warn("record fee bookkeeping failed", "error", err)
		}
		return
	}
	if err := e.gifts.RecordFee(ctx, g.Code, receipt.TxHash, gas); err != nil {
		log.Warn("record fee bookkeeping failed", "error", err)
	}
	log.Info("fee forwarded", "fee_tx", receipt.TxHash, "amount", ledger.FromWei(send).String())
}

type batchItem struct {
	gift      gift.Gift
	entry     ledger.LockEntry
	claimedAt time.Time
}

// LockBatch escrows the solvent, unlocked gifts among codes in one operator
// transaction. A failed batch changes nothing locally.
func (e *Engine) LockBatch(ctx context.Context, codes []string) (BatchResult, error) {
	const op = "settlement.LockBatch"
	result := newBatchResult()

	var items []batchItem
	for _, code := range lo.Uniq(codes) {
		g, err := e.gifts.Get(ctx, code)
		if err != nil {
			result.Skipped[code] = "not found"
			continue
		}
		switch {
		case g.ContractLocked:
			result.Skipped[code] = "already locked"
			continue
		case g.PaymentStatus != gift.PaymentReceived || g.LifecycleStatus != gift.LifecycleActive:
			result.Skipped[code] = "not payable"
			continue
		}
		claimedAt, err := e.gifts.ClaimLock(ctx, code, e.cfg.LockClaimTTL)
		switch {
		case apperr.KindOf(err) == apperr.KindConflict:
			result.Skipped[code] = "lock in progress"
			continue
		case err != nil:
			result.Skipped[code] = "lock claim failed"
			e.logger.Error("lock claim failed", "gift_code", code, "error", err)
			continue
		}
		recovered, reason := e.batchCandidate(ctx, g)
		switch {
		case recovered:
			result.AlreadyLocked = append(result.AlreadyLocked, code)
		case reason != "":
			result.Skipped[code] = reason
			e.releaseClaim(ctx, code, claimedAt)
		default:
			items = append(items, batchItem{gift: g, entry: lockEntry(g), claimedAt: claimedAt})
		}
	}
	if len(items) == 0 {
		return result, nil
	}
	releaseAll := func() {
		for _, it := range items {
			e.releaseClaim(ctx, it.gift.Code, it.claimedAt)
		}
	}

	entries := lo.Map(items, func(it batchItem, _ int) ledger.LockEntry { return it.entry })
	value := lo.Reduce(entries, func(acc *big.Int, en ledger.LockEntry, _ int) *big.Int {
		return acc.Add(acc, en.Amount)
	}, new(big.Int))
	expected := ledger.ToWei(lo.Reduce(items, func(acc decimal.Decimal, it batchItem, _ int) decimal.Decimal {
		return acc.Add(it.gift.GiftAmount)
	}, decimal.Zero))
	if value.Cmp(expected) != 0 {
		releaseAll()
		return result, fmt.Errorf("%s: batch value %s does not match gift total %s", op, value, expected)
	}

	receipt, err := e.client.BatchLockFunds(ctx, e.cfg.Operator, entries, value)
	if err != nil {
		e.logger.Error("batch lock failed", "op", op, "gifts", len(items), "tx_hash", receipt.TxHash, "error", err)
		releaseAll()
		return result, &apperr.Error{Kind: apperr.KindLedgerCall, Op: op, Err: err}
	}

	ids := e.batchContractIDs(ctx, receipt, items)
	records := lo.Map(items, func(it batchItem, i int) gift.LockRecord {
		return gift.LockRecord{Code: it.gift.Code, ContractGiftID: ids[i], LockTxRef: receipt.TxHash}
	})
	if err := e.gifts.MarkLocked(ctx, records); err != nil {
		e.logger.Error("batch escrow mined but not recorded", "tx_hash", receipt.TxHash, "error", err)
		return result, err
	}
	result.TxRef = receipt.TxHash
	result.Locked = lo.Map(items, func(it batchItem, _ int) string { return it.gift.Code })
	e.logger.Info("batch escrowed", "tx_hash", receipt.TxHash, "gifts", len(items), "value", ledger.FromWei(value).String())

	share := new(big.Int).Div(receipt.GasCost(), big.NewInt(int64(len(items))))
	for _, it := range items {
		e.reimburse(ctx, it.gift, share)
	}
	return result, nil
}

// batchCandidate checks a claimed gift for a batch. recovered reports a lock
// found on chain and recorded; otherwise a non-empty reason excludes the gift.
func (e *Engine) batchCandidate(ctx context.Context, g gift.Gift) (recovered bool, reason string) {
	entry := lockEntry(g)
	recovered, err := e.recoverExisting(ctx, g, entry)
	if err != nil {
		e.logger.Error("lock lookup failed", "gift_code", g.Code, "error", err)
		return false, "lock lookup failed"
	}
	if recovered {
		return true, ""
	}
	balance, err := retry.Value(ctx, e.cfg.Retry, func(ctx context.Context) (*big.Int, error) {
		return e.client.BalanceAt(ctx, g.WalletAddress)
	})
	if err != nil {
		e.logger.Error("balance lookup failed", "gift_code", g.Code, "wallet", g.WalletAddress, "error", err)
		return false, "balance unavailable"
	}
	need := new(big.Int).Add(entry.Amount, e.cfg.GasReserve)
	if balance.Cmp(need) < 0 {
		e.logger.Warn("gift wallet cannot cover lock", "gift_code", g.Code, "wallet", g.WalletAddress,
			"balance", ledger.FromWei(balance).String(), "needed", ledger.FromWei(need).String())
		return false, "insufficient balance"
	}
	return false, ""
}

// reimburse pays the operator back the gift amount plus its gas share from
// the gift wallet, then splits the fee.
func (e *Engine) reimburse(ctx context.Context, g gift.Gift, gasShare *big.Int) {
	log := e.logger.With("gift_code", g.Code, "wallet", g.WalletAddress, "op", "settlement.reimburse")
	acct, err := e.wallets.Account(ctx, g.WalletAddress)
	if err != nil {
		log.Error("load wallet key failed", "error", err)
		return
	}
	owed := new(big.Int).Add(ledger.ToWei(g.GiftAmount), gasShare)
	receipt, err := e.client.SendValue(ctx, acct, e.cfg.Operator.Address, owed)
	if err != nil {
		log.Error("operator reimbursement failed", "amount", ledger.FromWei(owed).String(), "error", err)
		return
	}
	gasCost := new(big.Int).Add(gasShare, receipt.GasCost())
	e.settleFee(ctx, log, g, acct, gasCost)
}

// LockPending batches every received, unlocked gift in chunks of MaxBatchSize.
func (e *Engine) LockPending(ctx context.Context) (BatchResult, error) {
	pending, err := e.gifts.List(ctx, gift.Filter{
		PaymentStatus:   gift.PaymentReceived,
		LifecycleStatus: gift.LifecycleActive,
		Locked:          gift.Bool(false),
	})
	if err != nil {
		return BatchResult{}, err
	}
	result := newBatchResult()
	codes := lo.Map(pending, func(g gift.Gift, _ int) string { return g.Code })
	var errs []error
	for _, chunk := range lo.Chunk(codes, e.cfg.MaxBatchSize) {
		res, err := e.LockBatch(ctx, chunk)
		result.merge(res)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return result, errors.Join(errs...)
}
