package settlement

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/gift"
	"github.com/congo-pay/giftlock/internal/keyvault"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/logging"
	"github.com/congo-pay/giftlock/internal/notification"
	"github.com/congo-pay/giftlock/internal/walletpool"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine   *Engine
	sim      *ledger.Simulated
	gifts    *gift.Service
	operator ledger.Account
	company  string
	now      time.Time
	seq      int64
}

func newFixture(t *testing.T, wallets int) *fixture {
	return newFixtureWithClient(t, wallets, nil)
}

// newFixtureWithClient lets a test put a double in front of the simulated
// chain the engine talks to.
func newFixtureWithClient(t *testing.T, wallets int, wrap func(*ledger.Simulated) ledger.Client) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: testNow}
	clock := func() time.Time { return f.now }
	vault, err := keyvault.New("test-secret")
	if err != nil {
		t.Fatalf("vault: %v", err)
	}
	pool := walletpool.NewPool(walletpool.NewMemoryRepository(), vault, logging.Discard())
	if _, err := pool.Generate(ctx, wallets); err != nil {
		t.Fatalf("generate wallets: %v", err)
	}
	f.gifts = gift.NewService(gift.NewMemoryRepository(), pool, notification.NewRecorder(), gift.DefaultPolicy, logging.Discard()).
		WithClock(clock)

	f.operator = ledger.NewTestAccount()
	f.sim = ledger.NewSimulated(f.operator.Address, ledger.TestAddress(0xCA))
	f.sim.SetClock(clock)
	f.company = ledger.TestAddress(0xC0)

	var client ledger.Client = f.sim
	if wrap != nil {
		client = wrap(f.sim)
	}
	f.engine = NewEngine(client, f.gifts, pool, Config{
		Operator:      f.operator,
		CompanyWallet: f.company,
		GasReserve:    ledger.Ether("0.001"),
		MaxBatchSize:  2,
	}, logging.Discard())
	return f
}

// receivedGift creates a gift, funds its wallet with the exact total and
// marks it received.
func (f *fixture) receivedGift(t *testing.T, amount string) gift.Gift {
	t.Helper()
	ctx := context.Background()
	f.seq++
	g, err := f.gifts.Create(ctx, gift.CreateInput{
		BuyerRef:         "buyer",
		RecipientAddress: ledger.TestAddress(0xBEEF + f.seq),
		GiftAmount:       decimal.RequireFromString(amount),
		UnlockAt:         testNow.Add(24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create gift: %v", err)
	}
	hash := f.sim.Pay(ledger.TestAddress(0xB0), g.WalletAddress, ledger.ToWei(g.TotalRequired))
	if err := f.gifts.MarkReceived(ctx, g.Code, hash, g.TotalRequired); err != nil {
		t.Fatalf("mark received: %v", err)
	}
	g, _ = f.gifts.Get(ctx, g.Code)
	return g
}

func gasWei(units uint64) *big.Int {
	return new(big.Int).Mul(new(big.Int).SetUint64(units), ledger.SimGasPrice)
}

func TestLockSingle_EscrowsAndForwardsFee(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.receivedGift(t, "1.0")

	if err := f.engine.LockSingle(ctx, g.Code); err != nil {
		t.Fatalf("lock single: %v", err)
	}

	locks := f.sim.Locks()
	if len(locks) != 1 || locks[0].Amount.Cmp(ledger.Ether("1")) != 0 {
		t.Fatalf("expected one lock of 1 ether, got %+v", locks)
	}
	if !ledger.SameAddress(locks[0].Sender, g.WalletAddress) {
		t.Fatalf("lock must be funded by the gift wallet, sender %s", locks[0].Sender)
	}

	got, _ := f.gifts.Get(ctx, g.Code)
	if !got.ContractLocked || got.ContractGiftID != "1" || got.LockTxRef == "" {
		t.Fatalf("expected gift recorded as locked with id 1, got %+v", got)
	}
	if got.FeeTxRef == "" {
		t.Fatalf("expected fee transfer to be recorded")
	}
	if !got.GasCost.Equal(ledger.FromWei(gasWei(ledger.GasLock))) {
		t.Fatalf("unexpected gas cost %s", got.GasCost)
	}

	// fee 0.05 - lock gas - reserve
	wantFee := new(big.Int).Sub(ledger.Ether("0.05"), gasWei(ledger.GasLock))
	wantFee.Sub(wantFee, ledger.Ether("0.001"))
	if f.sim.Balance(f.company).Cmp(wantFee) != 0 {
		t.Fatalf("company wallet: got %s want %s", f.sim.Balance(f.company), wantFee)
	}
	left := f.sim.Balance(g.WalletAddress)
	if left.Cmp(ledger.Ether("0.001")) > 0 || left.Sign() <= 0 {
		t.Fatalf("wallet should keep less than the reserve after fee payment, got %s", left)
	}
}

func TestLockSingle_IsIdempotent(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.receivedGift(t, "1.0")

	if err := f.engine.LockSingle(ctx, g.Code); err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if err := f.engine.LockSingle(ctx, g.Code); err != nil {
		t.Fatalf("second lock: %v", err)
	}
	if f.sim.Calls("LockFunds") != 1 || len(f.sim.Locks()) != 1 {
		t.Fatalf("expected a single lock call, got %d", f.sim.Calls("LockFunds"))
	}
}

func TestLockSingle_RecordsLockFoundOnChain(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.receivedGift(t, "1.0")

	// a previous run locked the funds but crashed before recording it
	someone := ledger.NewTestAccount()
	ledger.SeedBalance(f.sim, someone.Address, ledger.Ether("2"))
	if _, err := f.sim.LockFunds(ctx, someone, lockEntry(g)); err != nil {
		t.Fatalf("seed lock: %v", err)
	}

	if err := f.engine.LockSingle(ctx, g.Code); err != nil {
		t.Fatalf("lock single: %v", err)
	}
	if f.sim.Calls("LockFunds") != 1 {
		t.Fatalf("engine must not lock twice, calls=%d", f.sim.Calls("LockFunds"))
	}
	got, _ := f.gifts.Get(ctx, g.Code)
	if !got.ContractLocked || got.ContractGiftID != "1" {
		t.Fatalf("expected recovered lock id 1, got %+v", got)
	}
}

func TestLockSingle_NotReceived(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g, err := f.gifts.Create(ctx, gift.CreateInput{
		RecipientAddress: ledger.TestAddress(0xBEEF),
		GiftAmount:       decimal.RequireFromString("1"),
		UnlockAt:         testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	err = f.engine.LockSingle(ctx, g.Code)
	if !errors.Is(err, apperr.NotReady) {
		t.Fatalf("expected not ready, got %v", err)
	}
}

func TestLockSingle_LedgerFailureKeepsGiftReceived(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.receivedGift(t, "1.0")

	f.sim.FailNext("LockFunds", errors.New("node unavailable"))
	err := f.engine.LockSingle(ctx, g.Code)
	if !errors.Is(err, apperr.LedgerCall) {
		t.Fatalf("expected ledger call error, got %v", err)
	}
	got, _ := f.gifts.Get(ctx, g.Code)
	if got.ContractLocked || got.PaymentStatus != gift.PaymentReceived {
		t.Fatalf("gift must stay received and unlocked, got %+v", got)
	}

	if err := f.engine.LockSingle(ctx, g.Code); err != nil {
		t.Fatalf("retry after failure must not be blocked: %v", err)
	}
	if locks := f.sim.Locks(); len(locks) != 1 {
		t.Fatalf("expected one lock after retry, got %d", len(locks))
	}
}

func TestLockBatch_ReimbursesOperator(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.operator.Address, ledger.Ether("5"))
	a := f.receivedGift(t, "1.0")
	b := f.receivedGift(t, "2.0")

	res, err := f.engine.LockBatch(ctx, []string{a.Code, b.Code})
	if err != nil {
		t.Fatalf("lock batch: %v", err)
	}
	if len(res.Locked) != 2 || res.TxRef == "" {
		t.Fatalf("expected both gifts locked, got %+v", res)
	}
	if f.sim.Calls("BatchLockFunds") != 1 {
		t.Fatalf("expected one batch transaction")
	}

	ga, _ := f.gifts.Get(ctx, a.Code)
	gb, _ := f.gifts.Get(ctx, b.Code)
	if ga.ContractGiftID != "1" || gb.ContractGiftID != "2" || ga.LockTxRef != gb.LockTxRef {
		t.Fatalf("unexpected lock records a=%+v b=%+v", ga, gb)
	}
	if f.sim.Balance(f.operator.Address).Cmp(ledger.Ether("5")) != 0 {
		t.Fatalf("operator should be made whole, got %s", f.sim.Balance(f.operator.Address))
	}
	if f.sim.Balance(f.company).Sign() <= 0 {
		t.Fatalf("expected fees forwarded to the company wallet")
	}
}

func TestLockBatch_FailureChangesNothing(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.operator.Address, ledger.Ether("5"))
	a := f.receivedGift(t, "1.0")
	b := f.receivedGift(t, "1.5")

	f.sim.FailNext("BatchLockFunds", errors.New("nonce too low"))
	if _, err := f.engine.LockBatch(ctx, []string{a.Code, b.Code}); !errors.Is(err, apperr.LedgerCall) {
		t.Fatalf("expected ledger call error, got %v", err)
	}
	for _, code := range []string{a.Code, b.Code} {
		g, _ := f.gifts.Get(ctx, code)
		if g.ContractLocked {
			t.Fatalf("gift %s must stay unlocked after a failed batch", code)
		}
	}
	if f.sim.Calls("SendValue") != 0 {
		t.Fatalf("no reimbursement may happen after a failed batch")
	}
}

func TestLockBatch_SkipsInsolventAndLockedGifts(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.operator.Address, ledger.Ether("5"))
	locked := f.receivedGift(t, "1.0")
	if err := f.engine.LockSingle(ctx, locked.Code); err != nil {
		t.Fatalf("lock single: %v", err)
	}
	ok := f.receivedGift(t, "1.0")

	g, err := f.gifts.Create(ctx, gift.CreateInput{
		RecipientAddress: ledger.TestAddress(0xD00D),
		GiftAmount:       decimal.RequireFromString("3"),
		UnlockAt:         testNow.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// marked received but the wallet only holds a fraction
	hash := f.sim.Pay(ledger.TestAddress(0xB0), g.WalletAddress, ledger.Ether("0.5"))
	if err := f.gifts.MarkReceived(ctx, g.Code, hash, g.TotalRequired); err != nil {
		t.Fatalf("mark received: %v", err)
	}

	res, err := f.engine.LockBatch(ctx, []string{locked.Code, ok.Code, g.Code, "GIFTMISSING"})
	if err != nil {
		t.Fatalf("lock batch: %v", err)
	}
	if len(res.Locked) != 1 || res.Locked[0] != ok.Code {
		t.Fatalf("expected only %s locked, got %+v", ok.Code, res)
	}
	if res.Skipped[locked.Code] != "already locked" || res.Skipped[g.Code] != "insufficient balance" || res.Skipped["GIFTMISSING"] != "not found" {
		t.Fatalf("unexpected skip reasons %+v", res.Skipped)
	}
}

func TestLockPending_ChunksByBatchSize(t *testing.T) {
	f := newFixture(t, 3)
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.operator.Address, ledger.Ether("10"))
	for i := 0; i < 3; i++ {
		f.receivedGift(t, "1.0")
	}

	res, err := f.engine.LockPending(ctx)
	if err != nil {
		t.Fatalf("lock pending: %v", err)
	}
	if len(res.Locked) != 3 {
		t.Fatalf("expected three gifts locked, got %+v", res)
	}
	if f.sim.Calls("BatchLockFunds") != 2 {
		t.Fatalf("expected two batches of at most two, got %d", f.sim.Calls("BatchLockFunds"))
	}
	left, _ := f.gifts.List(ctx, gift.Filter{PaymentStatus: gift.PaymentReceived, Locked: gift.Bool(false)})
	if len(left) != 0 {
		t.Fatalf("expected nothing left to lock, got %d", len(left))
	}
}

// gatedClient holds lock transactions until release is closed.
type gatedClient struct {
	*ledger.Simulated
	entered chan string
	release chan struct{}
}

func gate(sim *ledger.Simulated) *gatedClient {
	return &gatedClient{Simulated: sim, entered: make(chan string, 4), release: make(chan struct{})}
}

func (g *gatedClient) LockFunds(ctx context.Context, from ledger.Account, entry ledger.LockEntry) (ledger.Receipt, error) {
	g.entered <- "LockFunds"
	<-g.release
	return g.Simulated.LockFunds(ctx, from, entry)
}

func (g *gatedClient) BatchLockFunds(ctx context.Context, from ledger.Account, entries []ledger.LockEntry, value *big.Int) (ledger.Receipt, error) {
	g.entered <- "BatchLockFunds"
	<-g.release
	return g.Simulated.BatchLockFunds(ctx, from, entries, value)
}

func TestLockBatch_SkipsGiftWithSingleLockInFlight(t *testing.T) {
	var gc *gatedClient
	f := newFixtureWithClient(t, 1, func(sim *ledger.Simulated) ledger.Client {
		gc = gate(sim)
		return gc
	})
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.operator.Address, ledger.Ether("5"))
	g := f.receivedGift(t, "1.0")

	done := make(chan error, 1)
	go func() { done <- f.engine.LockSingle(ctx, g.Code) }()
	if method := <-gc.entered; method != "LockFunds" {
		t.Fatalf("expected the single lock to reach the chain first, got %s", method)
	}

	res, err := f.engine.LockBatch(ctx, []string{g.Code})
	if err != nil {
		t.Fatalf("lock batch: %v", err)
	}
	if res.Skipped[g.Code] != "lock in progress" || len(res.Locked) != 0 {
		t.Fatalf("expected the batch to skip the gift, got %+v", res)
	}

	close(gc.release)
	if err := <-done; err != nil {
		t.Fatalf("lock single: %v", err)
	}
	if n := f.sim.Calls("BatchLockFunds"); n != 0 {
		t.Fatalf("batch must not submit, got %d calls", n)
	}
	if locks := f.sim.Locks(); len(locks) != 1 {
		t.Fatalf("expected exactly one escrow, got %d", len(locks))
	}
	if f.sim.Balance(f.operator.Address).Cmp(ledger.Ether("5")) != 0 {
		t.Fatalf("operator balance changed: %s", f.sim.Balance(f.operator.Address))
	}
}

func TestLockSingle_ConflictsWithBatchInFlight(t *testing.T) {
	var gc *gatedClient
	f := newFixtureWithClient(t, 1, func(sim *ledger.Simulated) ledger.Client {
		gc = gate(sim)
		return gc
	})
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.operator.Address, ledger.Ether("5"))
	g := f.receivedGift(t, "1.0")

	type outcome struct {
		res BatchResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := f.engine.LockBatch(ctx, []string{g.Code})
		done <- outcome{res, err}
	}()
	if method := <-gc.entered; method != "BatchLockFunds" {
		t.Fatalf("expected the batch to reach the chain first, got %s", method)
	}

	if err := f.engine.LockSingle(ctx, g.Code); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict while the batch is in flight, got %v", err)
	}

	close(gc.release)
	out := <-done
	if out.err != nil || len(out.res.Locked) != 1 {
		t.Fatalf("batch: res=%+v err=%v", out.res, out.err)
	}
	if n := f.sim.Calls("LockFunds"); n != 0 {
		t.Fatalf("single lock must not submit, got %d calls", n)
	}
	if locks := f.sim.Locks(); len(locks) != 1 {
		t.Fatalf("expected exactly one escrow, got %d", len(locks))
	}
	if f.sim.Balance(f.operator.Address).Cmp(ledger.Ether("5")) != 0 {
		t.Fatalf("operator should be made whole, got %s", f.sim.Balance(f.operator.Address))
	}
}

func TestLockSingle_TakesOverStaleClaim(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.receivedGift(t, "1.0")

	if _, err := f.gifts.ClaimLock(ctx, g.Code, 15*time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := f.engine.LockSingle(ctx, g.Code); apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on a fresh claim, got %v", err)
	}

	f.now = f.now.Add(16 * time.Minute)
	if err := f.engine.LockSingle(ctx, g.Code); err != nil {
		t.Fatalf("stale claim must be taken over: %v", err)
	}
	got, _ := f.gifts.Get(ctx, g.Code)
	if !got.ContractLocked || got.LockClaimedAt != nil {
		t.Fatalf("expected locked gift with claim cleared, got %+v", got)
	}
}
