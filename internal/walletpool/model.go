package walletpool

import (
	"time"

	"github.com/shopspring/decimal"
)

// Wallet is a custodial keypair that can back one gift.
type Wallet struct {
	Address          string
	EncryptedKey     string
	Reserved         bool
	Consumed         bool
	CachedBalance    decimal.Decimal
	LastBalanceCheck *time.Time
	CreatedAt        time.Time
}

// Free reports whether the wallet can still be handed out.
func (w Wallet) Free() bool {
	return !w.Reserved && !w.Consumed
}
