package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Gas used by each simulated call.
const (
	GasTransfer      uint64 = 21_000
	GasLock          uint64 = 60_000
	GasBatchBase     uint64 = 40_000
	GasBatchPerEntry uint64 = 30_000
	GasRelease       uint64 = 50_000
	GasForward       uint64 = 40_000
	GasUpkeepBase    uint64 = 50_000
	GasUpkeepPerLock uint64 = 20_000
)

// SimGasPrice is the fixed gas price of the simulated chain (1 gwei).
var SimGasPrice = big.NewInt(1_000_000_000)

type simLock struct {
	id       *big.Int
	entry    LockEntry
	sender   string
	released bool
}

// Simulated is a concurrency-safe in-memory chain with the escrow contract
// built in. It backs tests and the development mode.
type Simulated struct {
	mu           sync.Mutex
	owner        string
	contract     string
	charity      string
	head         uint64
	blocks       map[uint64]Block
	receipts     map[string]Receipt
	withheld     map[string]bool
	withholdNext bool
	balances     map[string]*big.Int
	locks        []*simLock
	nextID       int64
	txSeq        uint64
	subs         map[*simSubscription]struct{}
	failures     map[string][]error
	calls        map[string]int
	now          func() time.Time
}

// NewSimulated creates a chain whose contract is administered by owner and
// forwards charity sweeps to charity.
func NewSimulated(owner, charity string) *Simulated {
	return &Simulated{
		owner:    normalize(owner),
		contract: common.BigToAddress(big.NewInt(0xC0FFEE)).Hex(),
		charity:  normalize(charity),
		blocks:   make(map[uint64]Block),
		receipts: make(map[string]Receipt),
		withheld: make(map[string]bool),
		balances: make(map[string]*big.Int),
		subs:     make(map[*simSubscription]struct{}),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// ContractAddress is the address of the built-in escrow contract.
func (s *Simulated) ContractAddress() string { return s.contract }

// SetClock replaces the time source used for unlock checks.
func (s *Simulated) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// FailNext makes the next call to method fail with err without changing state.
func (s *Simulated) FailNext(method string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[method] = append(s.failures[method], err)
}

// Calls reports how many times method was invoked.
func (s *Simulated) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// WithholdReceipt hides the receipt of hash until ReleaseReceipt is called.
func (s *Simulated) WithholdReceipt(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withheld[hash] = true
}

// ReleaseReceipt makes a withheld receipt visible again.
func (s *Simulated) ReleaseReceipt(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.withheld, hash)
}

// Pay mines an external transfer of value from a non-custodial account to
// to. An empty to produces a contract-creation transaction.
func (s *Simulated) Pay(from, to string, value *big.Int) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash := s.nextHash()
	tx := Transaction{Hash: hash, From: normalize(from), To: normalize(to), Value: new(big.Int).Set(value)}
	if tx.To != "" {
		s.credit(tx.To, value)
	}
	s.mine([]Transaction{tx}, Receipt{TxHash: hash, Success: true, GasUsed: GasTransfer, GasPrice: SimGasPrice})
	return hash
}

// PayWithholding is Pay with the receipt hidden, as if the tx were not final.
func (s *Simulated) PayWithholding(from, to string, value *big.Int) string {
	s.mu.Lock()
	s.withholdNext = true
	s.mu.Unlock()
	return s.Pay(from, to, value)
}

// Mine appends an empty block and returns its number.
func (s *Simulated) Mine() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mine(nil, Receipt{})
	return s.head
}

// Balance returns the current balance of address.
func (s *Simulated) Balance(address string) *big.Int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return new(big.Int).Set(s.bal(normalize(address)))
}

// LockView is a snapshot of one escrow position.
type LockView struct {
	GiftID    *big.Int
	Sender    string
	Recipient string
	Amount    *big.Int
	UnlockAt  time.Time
	Released  bool
}

// Locks returns every escrow position in creation order.
func (s *Simulated) Locks() []LockView {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LockView, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, LockView{
			GiftID: l.id, Sender: l.sender, Recipient: l.entry.Recipient,
			Amount: l.entry.Amount, UnlockAt: l.entry.UnlockAt, Released: l.released,
		})
	}
	return out
}

func (s *Simulated) BlockNumber(context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("BlockNumber"); err != nil {
		return 0, err
	}
	return s.head, nil
}

func (s *Simulated) BlockByNumber(_ context.Context, number uint64) (Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("BlockByNumber"); err != nil {
		return Block{}, err
	}
	b, ok := s.blocks[number]
	if !ok {
		return Block{}, ErrNotFound
	}
	return b, nil
}

func (s *Simulated) TransactionReceipt(_ context.Context, hash string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("TransactionReceipt"); err != nil {
		return Receipt{}, err
	}
	r, ok := s.receipts[hash]
	if !ok || s.withheld[hash] {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (s *Simulated) BalanceAt(_ context.Context, address string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("BalanceAt"); err != nil {
		return nil, err
	}
	return new(big.Int).Set(s.bal(normalize(address))), nil
}

func (s *Simulated) SubscribeHeads(context.Context) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SubscribeHeads"); err != nil {
		return nil, err
	}
	sub := &simSubscription{sim: s, heads: make(chan uint64, 64), errs: make(chan error, 1)}
	s.subs[sub] = struct{}{}
	return sub, nil
}

// BreakSubscriptions sends err on every open subscription and closes them.
func (s *Simulated) BreakSubscriptions(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		sub.errs <- err
		delete(s.subs, sub)
	}
}

func (s *Simulated) SendValue(_ context.Context, from Account, to string, value *big.Int) (Receipt, error) {
	return s.transact("SendValue", from, to, value, GasTransfer, func(string) ([]Event, error) { return nil, nil })
}

func (s *Simulated) LockFunds(_ context.Context, from Account, entry LockEntry) (Receipt, error) {
	return s.transact("LockFunds", from, s.contract, entry.Amount, GasLock, func(sender string) ([]Event, error) {
		return []Event{s.addLock(sender, entry)}, nil
	})
}

func (s *Simulated) BatchLockFunds(_ context.Context, from Account, entries []LockEntry, value *big.Int) (Receipt, error) {
	gas := GasBatchBase + GasBatchPerEntry*uint64(len(entries))
	return s.transact("BatchLockFunds", from, s.contract, value, gas, func(sender string) ([]Event, error) {
		sum := new(big.Int)
		for _, en := range entries {
			sum.Add(sum, en.Amount)
		}
		if len(entries) == 0 || sum.Cmp(value) != 0 {
			return nil, ErrReverted
		}
		events := make([]Event, 0, len(entries))
		for _, en := range entries {
			events = append(events, s.addLock(sender, en))
		}
		return events, nil
	})
}

func (s *Simulated) FindLock(_ context.Context, entry LockEntry) (bool, *big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["FindLock"]++
	if err := s.fail("FindLock"); err != nil {
		return false, nil, err
	}
	for _, l := range s.locks {
		if SameAddress(l.entry.Recipient, entry.Recipient) &&
			l.entry.Amount.Cmp(entry.Amount) == 0 &&
			l.entry.UnlockAt.Unix() == entry.UnlockAt.Unix() && !l.released {
			return true, new(big.Int).Set(l.id), nil
		}
	}
	return false, new(big.Int), nil
}

func (s *Simulated) ReleaseFunds(_ context.Context, from Account, giftID *big.Int, recipient string) (Receipt, error) {
	return s.transact("ReleaseFunds", from, s.contract, new(big.Int), GasRelease, func(sender string) ([]Event, error) {
		if sender != s.owner {
			return nil, ErrReverted
		}
		l := s.lockByID(giftID)
		if l == nil || l.released {
			return nil, ErrReverted
		}
		to := normalize(recipient)
		l.released = true
		s.move(s.contract, to, l.entry.Amount)
		return []Event{{Name: EventGiftClaimed, GiftID: l.id, Recipient: to, Amount: l.entry.Amount}}, nil
	})
}

func (s *Simulated) TransferFunds(_ context.Context, from Account, fromWallet, to string, value *big.Int) (Receipt, error) {
	return s.transact("TransferFunds", from, s.contract, value, GasForward, func(string) ([]Event, error) {
		dest := normalize(to)
		s.move(s.contract, dest, value)
		return []Event{{Name: EventFundsTransferred, GiftID: new(big.Int), Wallet: normalize(fromWallet), Recipient: dest, Amount: value}}, nil
	})
}

func (s *Simulated) SendToCharity(_ context.Context, from Account, fromWallet, reason string, value *big.Int) (Receipt, error) {
	return s.transact("SendToCharity", from, s.contract, value, GasForward, func(string) ([]Event, error) {
		s.move(s.contract, s.charity, value)
		return []Event{{Name: EventFundsSentToCharity, Wallet: normalize(fromWallet), Amount: value, Reason: reason}}, nil
	})
}

func (s *Simulated) CheckUpkeep(_ context.Context, _ []byte) (bool, []byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls["CheckUpkeep"]++
	if err := s.fail("CheckUpkeep"); err != nil {
		return false, nil, err
	}
	due := s.dueLocks()
	if len(due) == 0 {
		return false, nil, nil
	}
	ids := make([]string, 0, len(due))
	for _, l := range due {
		ids = append(ids, l.id.String())
	}
	return true, []byte(strings.Join(ids, ",")), nil
}

// PerformUpkeep pays out every matured lock to its recipient.
func (s *Simulated) PerformUpkeep(_ context.Context, from Account, _ []byte) (Receipt, error) {
	s.mu.Lock()
	gas := GasUpkeepBase + GasUpkeepPerLock*uint64(len(s.dueLocks()))
	s.mu.Unlock()
	return s.transact("PerformUpkeep", from, s.contract, new(big.Int), gas, func(string) ([]Event, error) {
		var events []Event
		for _, l := range s.dueLocks() {
			l.released = true
			s.move(s.contract, l.entry.Recipient, l.entry.Amount)
			events = append(events, Event{Name: EventFundsTransferred, GiftID: l.id, Recipient: l.entry.Recipient, Amount: l.entry.Amount})
		}
		return events, nil
	})
}

// transact charges gas and value to the sender, runs apply and mines the
// result. A reverted apply keeps the gas charge and refunds the value.
func (s *Simulated) transact(method string, from Account, to string, value *big.Int, gas uint64, apply func(sender string) ([]Event, error)) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++
	if err := s.fail(method); err != nil {
		return Receipt{}, err
	}
	sender := normalize(from.Address)
	if sender == "" {
		return Receipt{}, fmt.Errorf("simulated %s: missing sender", method)
	}
	if value == nil {
		value = new(big.Int)
	}
	if value.Sign() < 0 {
		return Receipt{}, fmt.Errorf("simulated %s: negative value", method)
	}
	gasCost := new(big.Int).Mul(new(big.Int).SetUint64(gas), SimGasPrice)
	need := new(big.Int).Add(gasCost, value)
	if s.bal(sender).Cmp(need) < 0 {
		return Receipt{}, ErrInsufficientFunds
	}

	dest := normalize(to)
	s.debit(sender, gasCost)
	s.move(sender, dest, value)

	hash := s.nextHash()
	receipt := Receipt{TxHash: hash, Success: true, GasUsed: gas, GasPrice: SimGasPrice}
	events, err := apply(sender)
	if err != nil {
		s.move(dest, sender, value)
		receipt.Success = false
	} else {
		for i := range events {
			events[i].LogIndex = uint(i)
		}
		receipt.Events = events
	}
	tx := Transaction{Hash: hash, From: sender, To: dest, Value: new(big.Int).Set(value)}
	s.mine([]Transaction{tx}, receipt)
	receipt = s.receipts[hash]
	if err != nil {
		return receipt, err
	}
	return receipt, nil
}

func (s *Simulated) addLock(sender string, entry LockEntry) Event {
	s.nextID++
	l := &simLock{id: big.NewInt(s.nextID), entry: entry, sender: sender}
	l.entry.Recipient = normalize(entry.Recipient)
	l.entry.Amount = new(big.Int).Set(entry.Amount)
	s.locks = append(s.locks, l)
	return Event{
		Name: EventFundsLocked, GiftID: new(big.Int).Set(l.id), Wallet: sender,
		Recipient: l.entry.Recipient, Amount: new(big.Int).Set(l.entry.Amount), UnlockAt: entry.UnlockAt.UTC(),
	}
}

func (s *Simulated) lockByID(id *big.Int) *simLock {
	if id == nil {
		return nil
	}
	for _, l := range s.locks {
		if l.id.Cmp(id) == 0 {
			return l
		}
	}
	return nil
}

func (s *Simulated) dueLocks() []*simLock {
	now := s.now()
	var out []*simLock
	for _, l := range s.locks {
		if !l.released && !l.entry.UnlockAt.After(now) {
			out = append(out, l)
		}
	}
	return out
}

// mine appends a block; the receipt is stored when it has a hash.
func (s *Simulated) mine(txs []Transaction, receipt Receipt) {
	s.head++
	block := Block{Number: s.head, Hash: common.BytesToHash(crypto.Keccak256([]byte("block" + strconv.FormatUint(s.head, 10)))).Hex(), Transactions: txs}
	s.blocks[s.head] = block
	if receipt.TxHash != "" {
		receipt.BlockNumber = s.head
		s.receipts[receipt.TxHash] = receipt
		if s.withholdNext {
			s.withholdNext = false
			s.withheld[receipt.TxHash] = true
		}
	}
	for sub := range s.subs {
		select {
		case sub.heads <- s.head:
		default:
		}
	}
}

func (s *Simulated) nextHash() string {
	s.txSeq++
	return common.BytesToHash(crypto.Keccak256([]byte("tx" + strconv.FormatUint(s.txSeq, 10)))).Hex()
}

func (s *Simulated) fail(method string) error {
	queue := s.failures[method]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	s.failures[method] = queue[1:]
	return err
}

func (s *Simulated) bal(addr string) *big.Int {
	b, ok := s.balances[addr]
	if !ok {
		b = new(big.Int)
		s.balances[addr] = b
	}
	return b
}

func (s *Simulated) credit(addr string, v *big.Int) { s.bal(addr).Add(s.bal(addr), v) }
func (s *Simulated) debit(addr string, v *big.Int)  { s.bal(addr).Sub(s.bal(addr), v) }

func (s *Simulated) move(from, to string, v *big.Int) {
	if v == nil || v.Sign() == 0 || to == "" {
		return
	}
	s.debit(from, v)
	s.credit(to, v)
}

type simSubscription struct {
	sim   *Simulated
	heads chan uint64
	errs  chan error
}

func (c *simSubscription) Heads() <-chan uint64 { return c.heads }
func (c *simSubscription) Err() <-chan error    { return c.errs }

func (c *simSubscription) Unsubscribe() {
	c.sim.mu.Lock()
	defer c.sim.mu.Unlock()
	delete(c.sim.subs, c)
}

func normalize(addr string) string {
	if !common.IsHexAddress(addr) {
		return ""
	}
	return common.HexToAddress(addr).Hex()
}
