package gift

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/notification"
	"github.com/congo-pay/giftlock/internal/walletpool"
)

const createAttempts = 3

// Wallets is the wallet pool as seen by gift creation.
type Wallets interface {
	Reserve(ctx context.Context) (walletpool.Wallet, error)
	Release(ctx context.Context, address string) error
	Get(ctx context.Context, address string) (walletpool.Wallet, error)
}

// Service exposes gift operations over a Repository.
type Service struct {
	repo     Repository
	wallets  Wallets
	notifier notification.Notifier
	policy   Policy
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds a gift service instance.
func NewService(repo Repository, wallets Wallets, notifier notification.Notifier, policy Policy, logger *slog.Logger) *Service {
	return &Service{repo: repo, wallets: wallets, notifier: notifier, policy: policy, logger: logger, now: time.Now}
}

// WithClock replaces the time source. Used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Policy returns the money rules in effect.
func (s *Service) Policy() Policy { return s.policy }

// Now returns the service clock.
func (s *Service) Now() time.Time { return s.now() }

// Create builds and stores a pending gift. It uses input.WalletAddress when
// set (it must be reserved and unconsumed) or reserves a wallet itself.
func (s *Service) Create(ctx context.Context, input CreateInput) (Gift, error) {
	const op = "gift.Create"
	var (
		wallet   walletpool.Wallet
		reserved bool
		err      error
	)
	if addr := strings.TrimSpace(input.WalletAddress); addr != "" {
		wallet, err = s.wallets.Get(ctx, addr)
		if err != nil {
			return Gift{}, err
		}
		if !wallet.Reserved || wallet.Consumed {
			return Gift{}, apperr.New(apperr.KindValidation, op, "wallet is not reserved for a new gift").WithWallet(addr)
		}
	} else {
		wallet, err = s.wallets.Reserve(ctx)
		if err != nil {
			return Gift{}, err
		}
		reserved = true
	}

	g, err := s.insertNew(ctx, input, wallet.Address)
	if err != nil {
		if reserved {
			if relErr := s.wallets.Release(ctx, wallet.Address); relErr != nil {
				s.logger.Error("release wallet after failed create", "wallet", wallet.Address, "error", relErr)
			}
		}
		return Gift{}, err
	}
	s.logger.Info("gift created", "gift_code", g.Code, "wallet", g.WalletAddress, "total_required", g.TotalRequired.String())
	return g, nil
}

func (s *Service) insertNew(ctx context.Context, input CreateInput, walletAddr string) (Gift, error) {
	for attempt := 0; attempt < createAttempts; attempt++ {
		g, err := NewGift(input, walletAddr, s.policy, s.now())
		if err != nil {
			return Gift{}, err
		}
		err = s.repo.Insert(ctx, g)
		if err == nil {
			return g, nil
		}
		if !errors.Is(err, ErrDuplicate) {
			return Gift{}, err
		}
		if _, getErr := s.repo.Get(ctx, g.Code); getErr != nil {
			// The collision was on the wallet, not the code.
			return Gift{}, apperr.New(apperr.KindConflict, "gift.Create", "wallet already backs a gift").WithWallet(walletAddr)
		}
	}
	return Gift{}, apperr.New(apperr.KindConflict, "gift.Create", "could not allocate a unique gift code")
}

// Get returns the gift for code.
func (s *Service) Get(ctx context.Context, code string) (Gift, error) {
	g, err := s.repo.Get(ctx, NormalizeCode(code))
	if err != nil {
		return Gift{}, mapErr("gift.Get", code, err)
	}
	return g, nil
}

// Verification is the public view of a gift code.
type Verification struct {
	Code      string          `json:"code"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	UnlockAt  time.Time       `json:"unlock_at"`
	Paid      bool            `json:"paid"`
	Claimed   bool            `json:"claimed"`
	Unlocked  bool            `json:"unlocked"`
	Locked    bool            `json:"contract_locked"`
	Lifecycle LifecycleStatus `json:"lifecycle_status"`
}

// VerifyCode reports the public state of a gift.
func (s *Service) VerifyCode(ctx context.Context, code string) (Verification, error) {
	g, err := s.Get(ctx, code)
	if err != nil {
		return Verification{}, err
	}
	return Verification{
		Code:      g.Code,
		Amount:    g.GiftAmount,
		Currency:  g.Currency,
		UnlockAt:  g.UnlockAt,
		Paid:      g.Paid(),
		Claimed:   g.IsClaimed,
		Unlocked:  g.Unlocked(s.now()),
		Locked:    g.ContractLocked,
		Lifecycle: g.LifecycleStatus,
	}, nil
}

// Preclaim checks a gift could be claimed now without changing it.
func (s *Service) Preclaim(ctx context.Context, code string) (Gift, error) {
	g, err := s.Get(ctx, code)
	if err != nil {
		return Gift{}, err
	}
	if err := s.claimable(g); err != nil {
		return Gift{}, err
	}
	return g, nil
}

// Claim records claimer on the gift. Exactly one concurrent caller wins;
// the others get a conflict error.
func (s *Service) Claim(ctx context.Context, code, claimer string) (Gift, error) {
	const op = "gift.Claim"
	code = NormalizeCode(code)
	claimer = strings.TrimSpace(claimer)
	if claimer == "" {
		return Gift{}, apperr.New(apperr.KindValidation, op, "claimer is required").WithGift(code)
	}
	now := s.now()
	err := s.repo.Claim(ctx, code, claimer, now, s.policy.ClaimCutoff(now))
	if errors.Is(err, ErrPrecondition) {
		current, getErr := s.repo.Get(ctx, code)
		if getErr != nil {
			return Gift{}, mapErr(op, code, getErr)
		}
		if cErr := s.claimable(current); cErr != nil {
			return Gift{}, cErr
		}
		return Gift{}, apperr.New(apperr.KindConflict, op, "gift already claimed").WithGift(code)
	}
	if err != nil {
		return Gift{}, mapErr(op, code, err)
	}

	g, err := s.repo.Get(ctx, code)
	if err != nil {
		return Gift{}, mapErr(op, code, err)
	}
	s.notify(ctx, notification.Message{Kind: notification.KindGiftClaimed, GiftCode: code, Destination: claimer})
	return g, nil
}

func (s *Service) claimable(g Gift) error {
	const op = "gift.Claim"
	switch {
	case g.LifecycleStatus != LifecycleActive:
		return apperr.New(apperr.KindValidation, op, "gift is "+string(g.LifecycleStatus)).WithGift(g.Code)
	case g.IsClaimed:
		return apperr.New(apperr.KindConflict, op, "gift already claimed").WithGift(g.Code)
	case !g.UnlockAt.After(s.policy.ClaimCutoff(s.now())):
		return apperr.New(apperr.KindValidation, op, "claim window has passed").WithGift(g.Code)
	case g.PaymentStatus == PaymentPending:
		return apperr.New(apperr.KindNotReady, op, "payment not yet received").WithGift(g.Code)
	case g.PaymentStatus != PaymentReceived:
		return apperr.New(apperr.KindValidation, op, "gift is "+string(g.PaymentStatus)).WithGift(g.Code)
	}
	return nil
}

// ListClaimed returns gifts claimed by claimer.
func (s *Service) ListClaimed(ctx context.Context, claimer string) ([]Gift, error) {
	claimer = strings.TrimSpace(claimer)
	if claimer == "" {
		return nil, apperr.New(apperr.KindValidation, "gift.ListClaimed", "claimer is required")
	}
	return s.repo.List(ctx, Filter{Claimed: Bool(true), ClaimedBy: claimer})
}

// Transferability explains whether a claimed gift can be moved out.
type Transferability struct {
	Code         string    `json:"code"`
	Transferable bool      `json:"transferable"`
	Reason       string    `json:"reason,omitempty"`
	UnlockAt     time.Time `json:"unlock_at"`
}

// CheckTransferable reports whether TransferClaimed would proceed now.
func (s *Service) CheckTransferable(ctx context.Context, code string) (Transferability, error) {
	g, err := s.Get(ctx, code)
	if err != nil {
		return Transferability{}, err
	}
	out := Transferability{Code: g.Code, UnlockAt: g.UnlockAt}
	if err := s.Transferable(g); err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) {
			out.Reason = ae.Msg
		}
		return out, nil
	}
	out.Transferable = true
	return out, nil
}

// Transferable returns nil when g is claimed, unlocked and not yet transferred.
func (s *Service) Transferable(g Gift) error {
	const op = "gift.Transfer"
	switch {
	case g.Transferred():
		return apperr.New(apperr.KindConflict, op, "gift already transferred").WithGift(g.Code)
	case g.LifecycleStatus != LifecycleActive:
		return apperr.New(apperr.KindValidation, op, "gift is "+string(g.LifecycleStatus)).WithGift(g.Code)
	case !g.IsClaimed:
		return apperr.New(apperr.KindValidation, op, "gift is not claimed").WithGift(g.Code)
	case !g.Unlocked(s.now()):
		return apperr.New(apperr.KindNotReady, op, "gift is still locked").WithGift(g.Code)
	}
	return nil
}

// Cancel revokes an unpaid gift on behalf of its buyer and returns its wallet
// to the pool. The pool retires the wallet on its next reservation if a late
// payment lands on it.
func (s *Service) Cancel(ctx context.Context, code, buyerRef string) (Gift, error) {
	const op = "gift.Cancel"
	code = NormalizeCode(code)
	buyerRef = strings.TrimSpace(buyerRef)
	if buyerRef == "" {
		return Gift{}, apperr.New(apperr.KindValidation, op, "buyer reference is required").WithGift(code)
	}
	current, err := s.repo.Get(ctx, code)
	if err != nil {
		return Gift{}, mapErr(op, code, err)
	}
	if current.BuyerRef != buyerRef {
		return Gift{}, apperr.New(apperr.KindValidation, op, "buyer reference does not match").WithGift(code)
	}
	if err := s.repo.Revoke(ctx, code, s.now()); err != nil {
		return Gift{}, mapErr(op, code, err)
	}
	g, err := s.repo.Get(ctx, code)
	if err != nil {
		return Gift{}, mapErr(op, code, err)
	}
	if err := s.wallets.Release(ctx, g.WalletAddress); err != nil {
		s.logger.Error("release wallet after cancel", "gift_code", code, "wallet", g.WalletAddress, "error", err)
	}
	return g, nil
}

// List returns gifts matching f.
func (s *Service) List(ctx context.Context, f Filter) ([]Gift, error) {
	return s.repo.List(ctx, f)
}

// FindByPaymentTx returns the gift paid by txRef.
func (s *Service) FindByPaymentTx(ctx context.Context, txRef string) (Gift, error) {
	g, err := s.repo.FindByPaymentTx(ctx, txRef)
	if err != nil {
		return Gift{}, mapErr("gift.FindByPaymentTx", "", err)
	}
	return g, nil
}

// FindByContractID returns the gift escrowed under a contract gift id.
func (s *Service) FindByContractID(ctx context.Context, id string) (Gift, error) {
	g, err := s.repo.FindByContractID(ctx, id)
	if err != nil {
		return Gift{}, mapErr("gift.FindByContractID", "", err)
	}
	return g, nil
}

// MarkReceived moves a pending gift to received.
func (s *Service) MarkReceived(ctx context.Context, code, txRef string, received decimal.Decimal) error {
	return mapErr("gift.MarkReceived", code, s.repo.MarkReceived(ctx, code, txRef, received, s.now()))
}

// ClaimLock reserves a received gift for one escrow attempt, so single and
// batched locking never submit the same gift twice. A claim older than ttl is
// taken over. The returned time identifies the claim for ReleaseLockClaim.
func (s *Service) ClaimLock(ctx context.Context, code string, ttl time.Duration) (time.Time, error) {
	const op = "gift.ClaimLock"
	at := s.now().UTC().Truncate(time.Microsecond)
	err := s.repo.ClaimLock(ctx, code, at, at.Add(-ttl))
	if errors.Is(err, ErrPrecondition) {
		return time.Time{}, apperr.New(apperr.KindConflict, op, "gift lock already in progress").WithGift(code)
	}
	if err != nil {
		return time.Time{}, mapErr(op, code, err)
	}
	return at, nil
}

// ReleaseLockClaim gives back a claim taken by ClaimLock after an attempt
// that locked nothing.
func (s *Service) ReleaseLockClaim(ctx context.Context, code string, claimedAt time.Time) error {
	return s.repo.ReleaseLockClaim(ctx, code, claimedAt)
}

// MarkLocked records escrow for all records or none.
func (s *Service) MarkLocked(ctx context.Context, records []LockRecord) error {
	return mapErr("gift.MarkLocked", "", s.repo.MarkLocked(ctx, records, s.now()))
}

// RecordFee stores fee settlement bookkeeping.
func (s *Service) RecordFee(ctx context.Context, code, feeTxRef string, gasCost decimal.Decimal) error {
	return mapErr("gift.RecordFee", code, s.repo.RecordFee(ctx, code, feeTxRef, gasCost, s.now()))
}

// MarkTransferred completes a gift.
func (s *Service) MarkTransferred(ctx context.Context, code, to, txRef string) error {
	return mapErr("gift.MarkTransferred", code, s.repo.MarkTransferred(ctx, code, to, txRef, s.now()))
}

// MarkExpired retires an unclaimed gift.
func (s *Service) MarkExpired(ctx context.Context, code, charityTxRef string) error {
	return mapErr("gift.MarkExpired", code, s.repo.MarkExpired(ctx, code, charityTxRef, s.now()))
}

func (s *Service) notify(ctx context.Context, msg notification.Message) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("notification failed", "kind", msg.Kind, "gift_code", msg.GiftCode, "error", err)
	}
}

func mapErr(op, code string, err error) error {
	if err == nil {
		return nil
	}
	var e *apperr.Error
	switch {
	case errors.Is(err, ErrNotFound):
		e = apperr.New(apperr.KindNotFound, op, "gift not found")
	case errors.Is(err, ErrPrecondition):
		e = apperr.New(apperr.KindConflict, op, "gift state changed concurrently")
	case errors.Is(err, ErrDuplicate):
		e = apperr.New(apperr.KindConflict, op, "duplicate gift reference")
	default:
		return err
	}
	e.Err = err
	if code != "" {
		e = e.WithGift(code)
	}
	return e
}
