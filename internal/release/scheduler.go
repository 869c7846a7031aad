// Package release pays out matured escrow positions, moves claimed gifts to
// their destination and sweeps gifts nobody picked up.
package release

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/gift"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/notification"
	"github.com/congo-pay/giftlock/internal/retry"
	"github.com/congo-pay/giftlock/internal/settlement"
)

// Gifts is the gift ledger as seen by the scheduler.
type Gifts interface {
	Get(ctx context.Context, code string) (gift.Gift, error)
	List(ctx context.Context, f gift.Filter) ([]gift.Gift, error)
	FindByContractID(ctx context.Context, id string) (gift.Gift, error)
	MarkTransferred(ctx context.Context, code, to, txRef string) error
	MarkExpired(ctx context.Context, code, charityTxRef string) error
	ClaimLock(ctx context.Context, code string, ttl time.Duration) (time.Time, error)
	ReleaseLockClaim(ctx context.Context, code string, claimedAt time.Time) error
	Transferable(g gift.Gift) error
	Now() time.Time
}

// Wallets is the wallet pool as seen by the scheduler.
type Wallets interface {
	Account(ctx context.Context, address string) (ledger.Account, error)
	Release(ctx context.Context, address string) error
}

// Batcher locks received gifts.
type Batcher interface {
	LockBatch(ctx context.Context, codes []string) (settlement.BatchResult, error)
	LockPending(ctx context.Context) (settlement.BatchResult, error)
}

// Config holds the accounts and windows used by the scheduler.
type Config struct {
	Operator       ledger.Account
	CharityAddress string
	GasReserve     *big.Int
	// Retention is how long past unlock an unclaimed gift is kept.
	Retention time.Duration
	// LockClaimTTL must match the settlement engine's so a sweep and a lock
	// never both own a paid gift.
	LockClaimTTL time.Duration
	Retry        retry.Policy
}

// Scheduler drives releases and sweeps. Every method is safe to call from
// jobs and handlers at the same time.
type Scheduler struct {
	client   ledger.Client
	gifts    Gifts
	wallets  Wallets
	batcher  Batcher
	notifier notification.Notifier
	cfg      Config
	logger   *slog.Logger
}

// NewScheduler builds a Scheduler.
func NewScheduler(client ledger.Client, gifts Gifts, wallets Wallets, batcher Batcher, notifier notification.Notifier, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.GasReserve == nil {
		cfg.GasReserve = new(big.Int)
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.LockClaimTTL <= 0 {
		cfg.LockClaimTTL = 15 * time.Minute
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy
	}
	return &Scheduler{
		client: client, gifts: gifts, wallets: wallets, batcher: batcher, notifier: notifier,
		cfg: cfg, logger: logger.With("component", "release"),
	}
}

type upkeepCheck struct {
	needed bool
	data   []byte
}

// CheckAndRelease asks the contract for matured locks and performs upkeep
// when any exist. It returns how many gifts were marked transferred.
func (s *Scheduler) CheckAndRelease(ctx context.Context) (int, error) {
	check, err := retry.Value(ctx, s.cfg.Retry, func(ctx context.Context) (upkeepCheck, error) {
		needed, data, err := s.client.CheckUpkeep(ctx, nil)
		return upkeepCheck{needed, data}, err
	})
	if err != nil {
		return 0, apperr.Wrap(apperr.KindLedgerCall, "release.CheckUpkeep", err)
	}
	if !check.needed {
		return 0, nil
	}
	return s.performUpkeep(ctx, check.data)
}

// ForceRelease performs upkeep without asking the contract first.
func (s *Scheduler) ForceRelease(ctx context.Context) (int, error) {
	return s.performUpkeep(ctx, nil)
}

// ForceBatchProcess locks the given gifts, or every pending one when no code
// is given.
func (s *Scheduler) ForceBatchProcess(ctx context.Context, codes ...string) (settlement.BatchResult, error) {
	if len(codes) == 0 {
		return s.batcher.LockPending(ctx)
	}
	return s.batcher.LockBatch(ctx, codes)
}

func (s *Scheduler) performUpkeep(ctx context.Context, data []byte) (int, error) {
	receipt, err := s.client.PerformUpkeep(ctx, s.cfg.Operator, data)
	if err != nil {
		s.logger.Error("perform upkeep failed", "tx_hash", receipt.TxHash, "error", err)
		return 0, apperr.Wrap(apperr.KindLedgerCall, "release.PerformUpkeep", err)
	}
	events := receipt.EventsNamed(ledger.EventFundsTransferred)
	released := 0
	for _, ev := range events {
		if ev.GiftID == nil || ev.GiftID.Sign() == 0 {
			continue
		}
		if s.recordTransfer(ctx, ev, receipt.TxHash) {
			released++
		}
	}
	s.logger.Info("upkeep performed", "tx_hash", receipt.TxHash, "events", len(events), "released", released)
	return released, nil
}

func (s *Scheduler) recordTransfer(ctx context.Context, ev ledger.Event, txRef string) bool {
	id := ev.GiftID.String()
	log := s.logger.With("contract_gift_id", id, "tx_hash", txRef)
	g, err := s.gifts.FindByContractID(ctx, id)
	if err != nil {
		log.Warn("released lock has no local gift", "error", err)
		return false
	}
	err = s.gifts.MarkTransferred(ctx, g.Code, ev.Recipient, txRef)
	switch {
	case apperr.KindOf(err) == apperr.KindConflict:
		log.Info("gift already marked transferred", "gift_code", g.Code)
		return false
	case err != nil:
		log.Error("record release failed", "gift_code", g.Code, "error", err)
		return false
	}
	s.notify(ctx, notification.Message{
		Kind: notification.KindGiftTransferred, GiftCode: g.Code, Destination: ev.Recipient,
		Body: "gift of " + g.GiftAmount.String() + " " + g.Currency + " released",
	})
	return true
}

// TransferClaimed moves a claimed, unlocked gift to to, or to the gift
// recipient when to is empty. Only the recorded claimer may transfer. A
// ledger failure leaves the claim in place.
func (s *Scheduler) TransferClaimed(ctx context.Context, code, claimer, to string) (gift.Gift, error) {
	const op = "release.TransferClaimed"
	claimer = strings.TrimSpace(claimer)
	if claimer == "" {
		return gift.Gift{}, apperr.New(apperr.KindValidation, op, "claimer is required").WithGift(code)
	}
	g, err := s.gifts.Get(ctx, code)
	if err != nil {
		return gift.Gift{}, err
	}
	if err := s.gifts.Transferable(g); err != nil {
		return gift.Gift{}, err
	}
	if g.ClaimedBy != claimer {
		return gift.Gift{}, apperr.New(apperr.KindValidation, op, "gift was claimed by someone else").WithGift(g.Code)
	}
	if to == "" {
		to = g.RecipientAddress
	}
	dest, err := ledger.NormalizeAddress(to)
	if err != nil {
		return gift.Gift{}, apperr.New(apperr.KindValidation, op, "destination is not a valid address").WithGift(g.Code)
	}

	id, escrowed, err := contractID(g)
	if err != nil {
		return gift.Gift{}, err
	}
	var receipt ledger.Receipt
	if escrowed {
		receipt, err = s.client.ReleaseFunds(ctx, s.cfg.Operator, id, dest)
	} else {
		var acct ledger.Account
		acct, err = s.wallets.Account(ctx, g.WalletAddress)
		if err != nil {
			return gift.Gift{}, err
		}
		receipt, err = s.client.TransferFunds(ctx, acct, g.WalletAddress, dest, ledger.ToWei(g.GiftAmount))
	}
	if err != nil {
		s.logger.Error("transfer of claimed gift failed", "gift_code", g.Code, "wallet", g.WalletAddress, "escrowed", g.ContractLocked, "error", err)
		return gift.Gift{}, (&apperr.Error{Kind: apperr.KindLedgerCall, Op: op, Err: err}).WithGift(g.Code).WithWallet(g.WalletAddress)
	}

	if err := s.gifts.MarkTransferred(ctx, g.Code, dest, receipt.TxHash); err != nil {
		s.logger.Error("transfer mined but not recorded", "gift_code", g.Code, "tx_hash", receipt.TxHash, "error", err)
		return gift.Gift{}, err
	}
	s.logger.Info("claimed gift transferred", "gift_code", g.Code, "to", dest, "tx_hash", receipt.TxHash)
	s.notify(ctx, notification.Message{
		Kind: notification.KindGiftTransferred, GiftCode: g.Code, Destination: dest,
		Body: "gift of " + g.GiftAmount.String() + " " + g.Currency + " transferred",
	})
	return s.gifts.Get(ctx, g.Code)
}

// SweepResult lists the gifts a sweep expired.
type SweepResult struct {
	Expired []string          `json:"expired"`
	Failed  map[string]string `json:"failed"`
}

// SweepExpired expires active, unclaimed gifts whose unlock time is older
// than the retention window. Paid gifts have their funds sent to charity
// first; unpaid gifts give their wallet back to the pool.
func (s *Scheduler) SweepExpired(ctx context.Context) (SweepResult, error) {
	cutoff := s.gifts.Now().Add(-s.cfg.Retention)
	stale, err := s.gifts.List(ctx, gift.Filter{
		LifecycleStatus: gift.LifecycleActive,
		Claimed:         gift.Bool(false),
		Transferred:     gift.Bool(false),
		UnlockBefore:    &cutoff,
	})
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Expired: []string{}, Failed: map[string]string{}}
	var errs []error
	for _, g := range stale {
		var err error
		if g.Paid() {
			err = s.sweepPaid(ctx, g)
		} else {
			err = s.expireUnpaid(ctx, g)
		}
		if err != nil {
			res.Failed[g.Code] = err.Error()
			errs = append(errs, err)
			continue
		}
		res.Expired = append(res.Expired, g.Code)
	}
	if len(stale) > 0 {
		s.logger.Info("expired gifts swept", "expired", len(res.Expired), "failed", len(res.Failed))
	}
	return res, errors.Join(errs...)
}

func (s *Scheduler) expireUnpaid(ctx context.Context, g gift.Gift) error {
	if err := s.gifts.MarkExpired(ctx, g.Code, ""); err != nil {
		return err
	}
	if err := s.wallets.Release(ctx, g.WalletAddress); err != nil {
		s.logger.Error("release wallet of expired gift", "gift_code", g.Code, "wallet", g.WalletAddress, "error", err)
	}
	s.notify(ctx, notification.Message{Kind: notification.KindGiftExpired, GiftCode: g.Code, Destination: g.BuyerRef, Body: "unpaid gift expired"})
	return nil
}

// sweepPaid releases an escrowed gift to charity, then forwards whatever the
// wallet holds above the gas reserve. A gift still waiting for escrow is
// claimed first so a concurrent lock cannot spend the same wallet.
func (s *Scheduler) sweepPaid(ctx context.Context, g gift.Gift) (err error) {
	const op = "release.SweepExpired"
	log := s.logger.With("gift_code", g.Code, "wallet", g.WalletAddress)
	var charityTx string

	id, escrowed, err := contractID(g)
	if err != nil {
		return err
	}
	if !escrowed {
		claimedAt, claimErr := s.gifts.ClaimLock(ctx, g.Code, s.cfg.LockClaimTTL)
		if claimErr != nil {
			return claimErr
		}
		defer func() {
			if err == nil {
				return
			}
			if relErr := s.gifts.ReleaseLockClaim(ctx, g.Code, claimedAt); relErr != nil {
				log.Warn("release sweep claim failed", "error", relErr)
			}
		}()
	}
	if escrowed {
		receipt, err := s.client.ReleaseFunds(ctx, s.cfg.Operator, id, s.cfg.CharityAddress)
		if err != nil {
			log.Error("release of expired escrow failed", "error", err)
			return (&apperr.Error{Kind: apperr.KindLedgerCall, Op: op, Err: err}).WithGift(g.Code)
		}
		charityTx = receipt.TxHash
	}

	balance, err := retry.Value(ctx, s.cfg.Retry, func(ctx context.Context) (*big.Int, error) {
		return s.client.BalanceAt(ctx, g.WalletAddress)
	})
	if err != nil && charityTx == "" {
		return apperr.Wrap(apperr.KindLedgerCall, op, err)
	}
	if err == nil {
		if spend := new(big.Int).Sub(balance, s.cfg.GasReserve); spend.Sign() > 0 {
			acct, err := s.wallets.Account(ctx, g.WalletAddress)
			if err != nil {
				return err
			}
			receipt, err := s.client.SendToCharity(ctx, acct, g.WalletAddress, "expired gift "+g.Code, spend)
			switch {
			case err != nil && charityTx == "":
				log.Error("charity sweep of expired gift failed", "error", err)
				return (&apperr.Error{Kind: apperr.KindLedgerCall, Op: op, Err: err}).WithGift(g.Code).WithWallet(g.WalletAddress)
			case err != nil:
				log.Warn("wallet residue left after escrow release", "error", err)
			case charityTx == "":
				charityTx = receipt.TxHash
			}
		}
	}

	if err := s.gifts.MarkExpired(ctx, g.Code, charityTx); err != nil {
		return err
	}
	log.Info("expired gift sent to charity", "charity_tx", charityTx)
	s.notify(ctx, notification.Message{Kind: notification.KindGiftExpired, GiftCode: g.Code, Destination: g.BuyerRef, Body: "unclaimed gift donated to charity"})
	return nil
}

// contractID returns the escrow position of a locked gift. escrowed is false
// while the funds still sit in the gift wallet.
func contractID(g gift.Gift) (id *big.Int, escrowed bool, err error) {
	if !g.ContractLocked {
		return nil, false, nil
	}
	id, ok := new(big.Int).SetString(g.ContractGiftID, 10)
	if !ok {
		return nil, false, apperr.New(apperr.KindInternal, "release.contractID", "escrowed gift has no contract id").WithGift(g.Code)
	}
	return id, true, nil
}

func (s *Scheduler) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", "kind", msg.Kind, "gift_code", msg.GiftCode, "error", err)
	}
}
