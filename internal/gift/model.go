package gift

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/ledger"
)

// PaymentStatus only moves forward: pending, received, completed.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentReceived  PaymentStatus = "received"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
)

// LifecycleStatus is orthogonal to PaymentStatus.
type LifecycleStatus string

const (
	LifecycleActive  LifecycleStatus = "active"
	LifecycleExpired LifecycleStatus = "expired"
	LifecycleRevoked LifecycleStatus = "revoked"
)

const codePrefix = "GIFT"

// Gift is one buyer-funded, time-locked gift.
type Gift struct {
	Code             string
	BuyerRef         string
	WalletAddress    string
	RecipientAddress string
	GiftAmount       decimal.Decimal
	FeeAmount        decimal.Decimal
	TotalRequired    decimal.Decimal
	Currency         string
	TokenAddress     string
	PaymentStatus    PaymentStatus
	PaymentTxRef     string
	ReceivedAmount   decimal.Decimal
	UnlockAt         time.Time
	ContractLocked   bool
	ContractGiftID   string
	LockTxRef        string
	LockClaimedAt    *time.Time
	FeeTxRef         string
	GasCost          decimal.Decimal
	IsClaimed        bool
	ClaimedBy        string
	ClaimedAt        *time.Time
	TransferredTo    string
	TransferredAt    *time.Time
	TransferTxRef    string
	LifecycleStatus  LifecycleStatus
	CharityTxRef     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Paid reports whether the payment was accepted.
func (g Gift) Paid() bool {
	return g.PaymentStatus == PaymentReceived || g.PaymentStatus == PaymentCompleted
}

// Transferred reports whether the funds reached a recipient.
func (g Gift) Transferred() bool { return g.TransferredAt != nil }

// Unlocked reports whether the unlock time has passed at now.
func (g Gift) Unlocked(now time.Time) bool { return !g.UnlockAt.After(now) }

// Policy holds the money rules applied to every gift. Retention is how long
// past unlock a gift can still be claimed before the expiry sweep may send it
// to charity; zero disables the limit.
type Policy struct {
	FeePercent decimal.Decimal
	Tolerance  decimal.Decimal
	Currency   string
	Retention  time.Duration
}

// DefaultPolicy is a 5% fee with a 1% payment tolerance.
var DefaultPolicy = Policy{
	FeePercent: decimal.RequireFromString("0.05"),
	Tolerance:  decimal.RequireFromString("0.01"),
	Currency:   "ETH",
	Retention:  30 * 24 * time.Hour,
}

// ClaimCutoff returns the unlock time at or before which a gift can no
// longer be claimed at now.
func (p Policy) ClaimCutoff(now time.Time) time.Time {
	if p.Retention <= 0 {
		return time.Time{}
	}
	return now.Add(-p.Retention)
}

// AmountDecimals is the precision of the native unit (wei).
const AmountDecimals = 18

// Fee returns the platform fee for amount, rounded to whole wei.
func (p Policy) Fee(amount decimal.Decimal) decimal.Decimal {
	return amount.Mul(p.FeePercent).Round(AmountDecimals)
}

// WithinTolerance reports whether received is within the tolerance band
// around expected, bounds included.
func (p Policy) WithinTolerance(expected, received decimal.Decimal) bool {
	band := expected.Mul(p.Tolerance)
	return received.Sub(expected).Abs().LessThanOrEqual(band)
}

// CreateInput captures data required to create a gift.
type CreateInput struct {
	BuyerRef         string
	RecipientAddress string
	GiftAmount       decimal.Decimal
	TokenAddress     string
	UnlockAt         time.Time
	WalletAddress    string
}

// NewGift validates input and builds a pending gift backed by walletAddress.
func NewGift(input CreateInput, walletAddress string, policy Policy, now time.Time) (Gift, error) {
	const op = "gift.NewGift"
	if !input.GiftAmount.IsPositive() {
		return Gift{}, apperr.New(apperr.KindValidation, op, "gift amount must be positive")
	}
	// Amounts settle in wei, so anything finer cannot be escrowed exactly.
	if !input.GiftAmount.Equal(input.GiftAmount.Truncate(AmountDecimals)) {
		return Gift{}, apperr.New(apperr.KindValidation, op, "gift amount has more than 18 decimal places")
	}
	recipient, err := ledger.NormalizeAddress(input.RecipientAddress)
	if err != nil {
		return Gift{}, apperr.New(apperr.KindValidation, op, "recipient address is invalid")
	}
	wallet, err := ledger.NormalizeAddress(walletAddress)
	if err != nil {
		return Gift{}, apperr.New(apperr.KindValidation, op, "wallet address is invalid")
	}
	token := ""
	if t := strings.TrimSpace(input.TokenAddress); t != "" {
		if token, err = ledger.NormalizeAddress(t); err != nil {
			return Gift{}, apperr.New(apperr.KindValidation, op, "token address is invalid")
		}
	}
	if !input.UnlockAt.After(now) {
		return Gift{}, apperr.New(apperr.KindValidation, op, "unlock time must be in the future")
	}
	code, err := NewCode()
	if err != nil {
		return Gift{}, err
	}

	fee := policy.Fee(input.GiftAmount)
	now = now.UTC()
	return Gift{
		Code:             code,
		BuyerRef:         strings.TrimSpace(input.BuyerRef),
		WalletAddress:    wallet,
		RecipientAddress: recipient,
		GiftAmount:       input.GiftAmount,
		FeeAmount:        fee,
		TotalRequired:    input.GiftAmount.Add(fee),
		Currency:         policy.Currency,
		TokenAddress:     token,
		PaymentStatus:    PaymentPending,
		ReceivedAmount:   decimal.Zero,
		GasCost:          decimal.Zero,
		UnlockAt:         input.UnlockAt.UTC().Truncate(time.Second),
		LifecycleStatus:  LifecycleActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// NewCode returns a fresh claim code: GIFT followed by 12 uppercase hex digits.
func NewCode() (string, error) {
	b := make([]byte, 6)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return codePrefix + strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeCode canonicalizes user-entered codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// LockRecord is the escrow outcome recorded for one gift.
type LockRecord struct {
	Code           string
	ContractGiftID string
	LockTxRef      string
}

// Filter selects gifts for List. Nil fields do not constrain.
type Filter struct {
	PaymentStatus   PaymentStatus
	LifecycleStatus LifecycleStatus
	Locked          *bool
	Claimed         *bool
	Transferred     *bool
	ClaimedBy       string
	UnlockBefore    *time.Time
	Limit           int
}

// Bool returns a pointer to b, for Filter literals.
func Bool(b bool) *bool { return &b }

// Matches reports whether g satisfies f.
func (f Filter) Matches(g Gift) bool {
	if f.PaymentStatus != "" && g.PaymentStatus != f.PaymentStatus {
		return false
	}
	if f.LifecycleStatus != "" && g.LifecycleStatus != f.LifecycleStatus {
		return false
	}
	if f.Locked != nil && g.ContractLocked != *f.Locked {
		return false
	}
	if f.Claimed != nil && g.IsClaimed != *f.Claimed {
		return false
	}
	if f.Transferred != nil && g.Transferred() != *f.Transferred {
		return false
	}
	if f.ClaimedBy != "" && g.ClaimedBy != f.ClaimedBy {
		return false
	}
	if f.UnlockBefore != nil && !g.UnlockAt.Before(*f.UnlockBefore) {
		return false
	}
	return true
}
