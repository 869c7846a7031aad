// Package watcher follows new blocks and turns confirmed payments to gift
// wallets into received gifts.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/gift"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/notification"
	"github.com/congo-pay/giftlock/internal/retry"
)

// Gifts is the gift ledger as seen by the watcher.
type Gifts interface {
	Get(ctx context.Context, code string) (gift.Gift, error)
	List(ctx context.Context, f gift.Filter) ([]gift.Gift, error)
	FindByPaymentTx(ctx context.Context, txRef string) (gift.Gift, error)
	MarkReceived(ctx context.Context, code, txRef string, received decimal.Decimal) error
	Policy() gift.Policy
}

// Wallets is the wallet pool as seen by the watcher.
type Wallets interface {
	MarkConsumed(ctx context.Context, address string) error
	RecordBalance(ctx context.Context, address string, wei *big.Int) error
	Account(ctx context.Context, address string) (ledger.Account, error)
}

// Settler escrows a freshly received gift.
type Settler interface {
	LockSingle(ctx context.Context, code string) error
}

// Config tunes the watcher.
type Config struct {
	// GasReserve is left in a wallet when sweeping a mismatched payment.
	GasReserve *big.Int
	// Concurrency bounds how many matches of one block are evaluated at once.
	Concurrency int
	Retry       retry.Policy
	// StartBlock is used when no checkpoint exists; zero starts at the head.
	StartBlock uint64
	// Resubscribe is the backoff used after a subscription fails.
	Resubscribe retry.Policy
}

type candidate struct {
	tx   ledger.Transaction
	code string
}

// Watcher consumes one head subscription. Blocks are processed in order and
// the checkpoint only advances past a block once it fully succeeded.
type Watcher struct {
	client   ledger.Client
	gifts    Gifts
	wallets  Wallets
	settler  Settler
	store    Store
	notifier notification.Notifier
	cfg      Config
	logger   *slog.Logger
}

// New builds a Watcher.
func New(client ledger.Client, gifts Gifts, wallets Wallets, settler Settler, store Store, notifier notification.Notifier, cfg Config, logger *slog.Logger) *Watcher {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.GasReserve == nil {
		cfg.GasReserve = new(big.Int)
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	if cfg.Resubscribe.BaseDelay == 0 {
		cfg.Resubscribe = retry.Policy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
	}
	return &Watcher{
		client: client, gifts: gifts, wallets: wallets, settler: settler, store: store,
		notifier: notifier, cfg: cfg, logger: logger.With("component", "watcher"),
	}
}

// Run subscribes to new heads until ctx is done, resubscribing with backoff
// whenever the subscription fails.
func (w *Watcher) Run(ctx context.Context) error {
	failures := 0
	for {
		if ctx.Err() != nil {
			return nil
		}
		sub, err := w.client.SubscribeHeads(ctx)
		if err != nil {
			w.logger.Error("subscribe to heads failed", "error", err, "attempt", failures+1)
			if !w.sleep(ctx, w.cfg.Resubscribe.Delay(failures)) {
				return nil
			}
			failures++
			continue
		}
		failures = 0
		w.logger.Info("listening for new heads")

		if head, err := w.client.BlockNumber(ctx); err == nil {
			w.handleHead(ctx, head)
		}

		w.consume(ctx, sub)
		sub.Unsubscribe()
		if ctx.Err() != nil {
			return nil
		}
		if !w.sleep(ctx, w.cfg.Resubscribe.BaseDelay) {
			return nil
		}
	}
}

func (w *Watcher) consume(ctx context.Context, sub ledger.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-sub.Err():
			w.logger.Warn("head subscription dropped, reconnecting", "error", err)
			return
		case head := <-sub.Heads():
			w.handleHead(ctx, head)
		}
	}
}

func (w *Watcher) handleHead(ctx context.Context, head uint64) {
	if err := w.CatchUp(ctx, head); err != nil && ctx.Err() == nil {
		w.logger.Error("block processing failed, will retry on next head", "head", head, "error", err)
	}
}

func (w *Watcher) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// CatchUp processes every block after the checkpoint up to head.
func (w *Watcher) CatchUp(ctx context.Context, head uint64) error {
	last, ok, err := w.store.LastBlock(ctx)
	if err != nil {
		return fmt.Errorf("read checkpoint: %w", err)
	}
	next := last + 1
	if !ok {
		next = head
		if w.cfg.StartBlock > 0 && w.cfg.StartBlock <= head {
			next = w.cfg.StartBlock
		}
	}
	if head == 0 {
		return nil
	}
	for n := next; n <= head; n++ {
		if err := w.ProcessBlock(ctx, n, head); err != nil {
			return fmt.Errorf("block %d: %w", n, err)
		}
		if err := w.store.SetLastBlock(ctx, n); err != nil {
			return fmt.Errorf("write checkpoint %d: %w", n, err)
		}
	}
	return nil
}

// ProcessBlock evaluates the transactions of block number that pay a pending
// gift wallet, plus every previously deferred transaction.
func (w *Watcher) ProcessBlock(ctx context.Context, number, head uint64) error {
	block, err := retry.Value(ctx, w.cfg.Retry, func(ctx context.Context) (ledger.Block, error) {
		return w.client.BlockByNumber(ctx, number)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerCall, "watcher.BlockByNumber", err)
	}

	pending, err := w.gifts.List(ctx, gift.Filter{PaymentStatus: gift.PaymentPending, LifecycleStatus: gift.LifecycleActive})
	if err != nil {
		return fmt.Errorf("load pending gifts: %w", err)
	}
	index := lo.SliceToMap(pending, func(g gift.Gift) (string, string) {
		return addrKey(g.WalletAddress), g.Code
	})

	var matches []candidate
	seen := make(map[string]bool)
	for _, tx := range block.Transactions {
		if tx.To == "" {
			continue
		}
		code, ok := index[addrKey(tx.To)]
		if !ok {
			continue
		}
		matches = append(matches, candidate{tx: tx, code: code})
		seen[tx.Hash] = true
	}
	deferred, err := w.store.Deferred(ctx)
	if err != nil {
		return fmt.Errorf("load deferred payments: %w", err)
	}
	for hash, code := range deferred {
		if !seen[hash] {
			matches = append(matches, candidate{tx: ledger.Transaction{Hash: hash}, code: code})
		}
	}

	if len(matches) == 0 {
		return nil
	}
	w.logger.Debug("evaluating block", "block", number, "matches", len(matches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.Concurrency)
	for _, c := range matches {
		c := c
		g.Go(func() error {
			return w.evaluate(gctx, c, head)
		})
	}
	return g.Wait()
}

// evaluate handles one candidate payment. It returns an error only for
// failures that should hold the checkpoint back.
func (w *Watcher) evaluate(ctx context.Context, c candidate, head uint64) error {
	log := w.logger.With("gift_code", c.code, "tx_hash", c.tx.Hash)

	if _, err := w.gifts.FindByPaymentTx(ctx, c.tx.Hash); err == nil {
		w.undefer(ctx, c.tx.Hash)
		return nil
	} else if apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}

	receipt, err := retry.Value(ctx, w.cfg.Retry, func(ctx context.Context) (ledger.Receipt, error) {
		r, err := w.client.TransactionReceipt(ctx, c.tx.Hash)
		if errors.Is(err, ledger.ErrNotFound) {
			return r, retry.Permanent(err)
		}
		return r, err
	})
	switch {
	case errors.Is(err, ledger.ErrNotFound), err == nil && (receipt.BlockNumber == 0 || head < receipt.BlockNumber):
		log.Debug("payment not confirmed yet, deferring")
		return w.store.Defer(ctx, c.tx.Hash, c.code)
	case err != nil:
		return apperr.Wrap(apperr.KindLedgerCall, "watcher.TransactionReceipt", err)
	}
	w.undefer(ctx, c.tx.Hash)
	if !receipt.Success {
		log.Warn("payment transaction failed on chain, ignoring")
		return nil
	}

	g, err := w.gifts.Get(ctx, c.code)
	if err != nil {
		return err
	}
	if g.PaymentStatus != gift.PaymentPending || g.LifecycleStatus != gift.LifecycleActive {
		return nil
	}

	balance, err := retry.Value(ctx, w.cfg.Retry, func(ctx context.Context) (*big.Int, error) {
		return w.client.BalanceAt(ctx, g.WalletAddress)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindLedgerCall, "watcher.BalanceAt", err)
	}
	received := ledger.FromWei(balance)
	if w.gifts.Policy().WithinTolerance(g.TotalRequired, received) {
		return w.accept(ctx, log, g, c.tx, balance)
	}
	return w.sweepMismatch(ctx, log, g, c.tx, balance)
}

func (w *Watcher) accept(ctx context.Context, log *slog.Logger, g gift.Gift, tx ledger.Transaction, balance *big.Int) error {
	received := ledger.FromWei(balance)
	err := w.gifts.MarkReceived(ctx, g.Code, tx.Hash, received)
	if apperr.KindOf(err) == apperr.KindConflict {
		log.Info("gift already left pending, skipping", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	log.Info("payment received", "wallet", g.WalletAddress, "received", received.String(), "expected", g.TotalRequired.String())

	if err := w.wallets.MarkConsumed(ctx, g.WalletAddress); err != nil {
		log.Error("mark wallet consumed failed", "wallet", g.WalletAddress, "error", err)
	}
	if err := w.wallets.RecordBalance(ctx, g.WalletAddress, balance); err != nil {
		log.Warn("record wallet balance failed", "wallet", g.WalletAddress, "error", err)
	}
	w.notify(ctx, notification.Message{
		Kind: notification.KindPaymentReceived, GiftCode: g.Code, Destination: g.BuyerRef,
		Body: "payment of " + received.String() + " " + g.Currency + " received",
	})

	err = w.settler.LockSingle(ctx, g.Code)
	switch {
	case apperr.KindOf(err) == apperr.KindConflict:
		log.Info("escrow already in progress elsewhere", "wallet", g.WalletAddress)
	case err != nil:
		log.Error("escrow after payment failed, gift stays received", "op", "settlement.LockSingle", "wallet", g.WalletAddress, "error", err)
	}
	return nil
}

// sweepMismatch forwards a payment outside tolerance to charity. The gift
// stays pending. A sweep that still fails after retries is returned so the
// checkpoint holds and the block is evaluated again; a revert or a gas
// shortfall is logged instead, since retrying cannot fix it.
func (w *Watcher) sweepMismatch(ctx context.Context, log *slog.Logger, g gift.Gift, tx ledger.Transaction, balance *big.Int) error {
	const op = "watcher.sweepMismatch"
	mismatch := apperr.New(apperr.KindPaymentMismatch, "watcher.evaluate", "received amount outside tolerance").
		WithGift(g.Code).WithWallet(g.WalletAddress)
	log.Warn("payment mismatch", "error", mismatch, "received", ledger.FromWei(balance).String(), "expected", g.TotalRequired.String())

	swept, err := w.store.Swept(ctx, tx.Hash)
	if err != nil {
		return fmt.Errorf("read swept marker: %w", err)
	}
	if swept {
		return nil
	}

	spend := new(big.Int).Sub(balance, w.cfg.GasReserve)
	if spend.Sign() <= 0 {
		log.Warn("mismatched payment below gas reserve, not sweeping", "wallet", g.WalletAddress)
		if err := w.store.MarkSwept(ctx, tx.Hash); err != nil {
			log.Error("write swept marker failed", "error", err)
		}
		return nil
	}

	acct, err := w.wallets.Account(ctx, g.WalletAddress)
	if err != nil {
		return err
	}
	receipt, err := retry.Value(ctx, w.cfg.Retry, func(ctx context.Context) (ledger.Receipt, error) {
		r, err := w.client.SendToCharity(ctx, acct, g.WalletAddress, "payment mismatch "+g.Code, spend)
		if errors.Is(err, ledger.ErrReverted) || errors.Is(err, ledger.ErrInsufficientFunds) {
			return r, retry.Permanent(err)
		}
		return r, err
	})
	switch {
	case errors.Is(err, ledger.ErrReverted), errors.Is(err, ledger.ErrInsufficientFunds):
		log.Error("charity sweep rejected", "op", "ledger.SendToCharity", "wallet", g.WalletAddress,
			"error", apperr.Wrap(apperr.KindLedgerCall, op, err))
		return nil
	case err != nil:
		return (&apperr.Error{Kind: apperr.KindLedgerCall, Op: op, Err: err}).WithGift(g.Code).WithWallet(g.WalletAddress)
	}
	if err := w.store.MarkSwept(ctx, tx.Hash); err != nil {
		log.Error("write swept marker failed", "error", err)
	}
	log.Info("mismatched payment sent to charity", "charity_tx", receipt.TxHash, "amount", ledger.FromWei(spend).String())
	w.notify(ctx, notification.Message{
		Kind: notification.KindPaymentMismatch, GiftCode: g.Code, Destination: g.BuyerRef,
		Body: "payment outside tolerance forwarded to charity",
	})
	return nil
}

// Deferred returns the hashes waiting for confirmation.
func (w *Watcher) Deferred(ctx context.Context) ([]string, error) {
	deferred, err := w.store.Deferred(ctx)
	if err != nil {
		return nil, err
	}
	return lo.Keys(deferred), nil
}

// undefer drops a deferral. A stale one is harmless: the payment is matched
// by hash and re-evaluated idempotently.
func (w *Watcher) undefer(ctx context.Context, hash string) {
	if err := w.store.Undefer(ctx, hash); err != nil {
		w.logger.Warn("drop deferred payment failed", "tx_hash", hash, "error", err)
	}
}

func (w *Watcher) notify(ctx context.Context, msg notification.Message) {
	if w.notifier == nil {
		return
	}
	if err := w.notifier.Send(ctx, msg); err != nil {
		w.logger.Warn("notification failed", "kind", msg.Kind, "gift_code", msg.GiftCode, "error", err)
	}
}

func addrKey(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
