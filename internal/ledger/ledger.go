package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"time"
)

var (
	// ErrNotFound is returned for unknown transactions, and for receipts of
	// transactions that are not yet mined.
	ErrNotFound = errors.New("ledger: not found")

	// ErrInsufficientFunds occurs when the signing account cannot cover the
	// value plus gas of a transaction.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrReverted indicates the transaction was mined but the contract rejected it.
	ErrReverted = errors.New("ledger: transaction reverted")
)

// Contract event names.
const (
	EventFundsLocked        = "FundsLocked"
	EventGiftClaimed        = "GiftClaimed"
	EventFundsTransferred   = "FundsTransferred"
	EventFundsSentToCharity = "FundsSentToCharity"
)

// Account signs transactions.
type Account struct {
	Address string
	Key     *ecdsa.PrivateKey
}

// LockEntry is one escrow position passed to lockFunds / batchLockFunds.
type LockEntry struct {
	Token     string
	Amount    *big.Int
	Recipient string
	UnlockAt  time.Time
}

// Event is a decoded contract log. Fields not carried by an event are zero.
type Event struct {
	Name      string
	GiftID    *big.Int
	Wallet    string
	Recipient string
	Amount    *big.Int
	UnlockAt  time.Time
	Reason    string
	LogIndex  uint
}

// Receipt is the mined outcome of a transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	Success     bool
	GasUsed     uint64
	GasPrice    *big.Int
	Events      []Event
}

// GasCost is gasUsed * effective gas price in wei.
func (r Receipt) GasCost() *big.Int {
	if r.GasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.GasPrice)
}

// EventsNamed returns the receipt's events with the given name in log order.
func (r Receipt) EventsNamed(name string) []Event {
	var out []Event
	for _, ev := range r.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// Transaction is the part of a block transaction the watcher needs. To is
// empty for contract creation.
type Transaction struct {
	Hash  string
	From  string
	To    string
	Value *big.Int
}

// Block is a mined block.
type Block struct {
	Number       uint64
	Hash         string
	Transactions []Transaction
}

// Subscription delivers new head numbers until Unsubscribe is called or an
// error is sent on Err.
type Subscription interface {
	Heads() <-chan uint64
	Err() <-chan error
	Unsubscribe()
}

// Client is the on-chain capability set the settlement engine consumes.
// Write methods block until the transaction is mined; a mined but failed
// transaction returns its receipt together with ErrReverted.
type Client interface {
	BlockNumber(ctx context.Context) (uint64, error)
	BlockByNumber(ctx context.Context, number uint64) (Block, error)
	TransactionReceipt(ctx context.Context, hash string) (Receipt, error)
	BalanceAt(ctx context.Context, address string) (*big.Int, error)
	SubscribeHeads(ctx context.Context) (Subscription, error)

	SendValue(ctx context.Context, from Account, to string, value *big.Int) (Receipt, error)
	LockFunds(ctx context.Context, from Account, entry LockEntry) (Receipt, error)
	BatchLockFunds(ctx context.Context, from Account, entries []LockEntry, value *big.Int) (Receipt, error)
	FindLock(ctx context.Context, entry LockEntry) (bool, *big.Int, error)
	ReleaseFunds(ctx context.Context, from Account, giftID *big.Int, recipient string) (Receipt, error)
	TransferFunds(ctx context.Context, from Account, fromWallet, to string, value *big.Int) (Receipt, error)
	SendToCharity(ctx context.Context, from Account, fromWallet, reason string, value *big.Int) (Receipt, error)
	CheckUpkeep(ctx context.Context, data []byte) (bool, []byte, error)
	PerformUpkeep(ctx context.Context, from Account, data []byte) (Receipt, error)
}
