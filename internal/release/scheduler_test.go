package release

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/giftlock/internal/apperr"
	"github.com/congo-pay/giftlock/internal/gift"
	"github.com/congo-pay/giftlock/internal/keyvault"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/logging"
	"github.com/congo-pay/giftlock/internal/notification"
	"github.com/congo-pay/giftlock/internal/settlement"
	"github.com/congo-pay/giftlock/internal/walletpool"
)

type fixture struct {
	sched    *Scheduler
	engine   *settlement.Engine
	sim      *ledger.Simulated
	gifts    *gift.Service
	pool     *walletpool.Pool
	notifier *notification.Recorder
	charity  string
	operator ledger.Account
	now      time.Time
	seq      int64
}

func newFixture(t *testing.T, wallets int) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), charity: ledger.TestAddress(0xCA)}
	clock := func() time.Time { return f.now }

	vault, err := keyvault.New("test-secret")
	require.NoError(t, err)
	f.pool = walletpool.NewPool(walletpool.NewMemoryRepository(), vault, logging.Discard())
	_, err = f.pool.Generate(ctx, wallets)
	require.NoError(t, err)

	f.notifier = notification.NewRecorder()
	f.gifts = gift.NewService(gift.NewMemoryRepository(), f.pool, f.notifier, gift.DefaultPolicy, logging.Discard()).WithClock(clock)

	operator := ledger.NewTestAccount()
	f.operator = operator
	f.sim = ledger.NewSimulated(operator.Address, f.charity)
	f.sim.SetClock(clock)
	ledger.SeedBalance(f.sim, operator.Address, ledger.Ether("1"))

	reserve := ledger.Ether("0.001")
	f.engine = settlement.NewEngine(f.sim, f.gifts, f.pool, settlement.Config{
		Operator: operator, CompanyWallet: ledger.TestAddress(0xC0), GasReserve: reserve,
	}, logging.Discard())
	f.sched = NewScheduler(f.sim, f.gifts, f.pool, f.engine, f.notifier, Config{
		Operator: operator, CharityAddress: f.charity, GasReserve: reserve, Retention: 30 * 24 * time.Hour,
	}, logging.Discard())
	return f
}

func (f *fixture) recipient() string {
	f.seq++
	return ledger.TestAddress(0xBEEF + f.seq)
}

func (f *fixture) create(t *testing.T, unlockIn time.Duration) gift.Gift {
	t.Helper()
	g, err := f.gifts.Create(context.Background(), gift.CreateInput{
		BuyerRef:         "buyer",
		RecipientAddress: f.recipient(),
		GiftAmount:       decimal.RequireFromString("1.0"),
		UnlockAt:         f.now.Add(unlockIn),
	})
	require.NoError(t, err)
	return g
}

// paid creates a funded, received gift and optionally escrows it.
func (f *fixture) paid(t *testing.T, unlockIn time.Duration, lock bool) gift.Gift {
	t.Helper()
	ctx := context.Background()
	g := f.create(t, unlockIn)
	hash := f.sim.Pay(ledger.TestAddress(0xB0), g.WalletAddress, ledger.ToWei(g.TotalRequired))
	require.NoError(t, f.gifts.MarkReceived(ctx, g.Code, hash, g.TotalRequired))
	if lock {
		require.NoError(t, f.engine.LockSingle(ctx, g.Code))
	}
	g, err := f.gifts.Get(ctx, g.Code)
	require.NoError(t, err)
	return g
}

func TestCheckAndRelease_PaysOutMaturedLocks(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	due := f.paid(t, time.Hour, true)
	later := f.paid(t, 48*time.Hour, true)

	n, err := f.sched.CheckAndRelease(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, f.sim.Calls("PerformUpkeep"), "no upkeep before anything matures")

	f.now = f.now.Add(2 * time.Hour)
	n, err = f.sched.CheckAndRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.gifts.Get(ctx, due.Code)
	require.NoError(t, err)
	assert.True(t, got.Transferred())
	assert.Equal(t, gift.PaymentCompleted, got.PaymentStatus)
	assert.True(t, ledger.SameAddress(got.TransferredTo, due.RecipientAddress))
	assert.Zero(t, f.sim.Balance(due.RecipientAddress).Cmp(ledger.Ether("1")))
	assert.Contains(t, f.notifier.Kinds(), notification.KindGiftTransferred)

	other, err := f.gifts.Get(ctx, later.Code)
	require.NoError(t, err)
	assert.False(t, other.Transferred())
}

func TestForceRelease_SkipsAlreadyRecordedTransfers(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.paid(t, time.Hour, true)
	f.now = f.now.Add(2 * time.Hour)

	n, err := f.sched.ForceRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = f.sched.ForceRelease(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestForceBatchProcess_DelegatesToEngine(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.sched.cfg.Operator.Address, ledger.Ether("5"))
	a := f.paid(t, time.Hour, false)
	b := f.paid(t, time.Hour, false)

	res, err := f.sched.ForceBatchProcess(ctx, a.Code)
	require.NoError(t, err)
	assert.Equal(t, []string{a.Code}, res.Locked)

	res, err = f.sched.ForceBatchProcess(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.Code}, res.Locked)
}

func TestTransferClaimed_Escrowed(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Hour, true)
	dest := ledger.TestAddress(0xD00D)

	_, err := f.gifts.Claim(ctx, g.Code, dest)
	require.NoError(t, err)

	_, err = f.sched.TransferClaimed(ctx, g.Code, dest, dest)
	assert.ErrorIs(t, err, apperr.NotReady)

	f.now = f.now.Add(2 * time.Hour)
	_, err = f.sched.TransferClaimed(ctx, g.Code, "mallory", ledger.TestAddress(0xBAD))
	assert.ErrorIs(t, err, apperr.Validation)
	assert.Zero(t, f.sim.Calls("ReleaseFunds"), "only the claimer can move the funds")

	got, err := f.sched.TransferClaimed(ctx, g.Code, dest, dest)
	require.NoError(t, err)
	assert.True(t, got.Transferred())
	assert.NotEmpty(t, got.TransferTxRef)
	assert.Zero(t, f.sim.Balance(dest).Cmp(ledger.Ether("1")))
	assert.Equal(t, 1, f.sim.Calls("ReleaseFunds"))

	_, err = f.sched.TransferClaimed(ctx, g.Code, dest, dest)
	assert.ErrorIs(t, err, apperr.Conflict)
}

func TestTransferClaimed_CustodialWallet(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Minute, false)
	_, err := f.gifts.Claim(ctx, g.Code, "someone")
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Minute)

	got, err := f.sched.TransferClaimed(ctx, g.Code, "someone", "")
	require.NoError(t, err)
	assert.True(t, ledger.SameAddress(got.TransferredTo, g.RecipientAddress))
	assert.Zero(t, f.sim.Balance(g.RecipientAddress).Cmp(ledger.Ether("1")))
	assert.Equal(t, 1, f.sim.Calls("TransferFunds"))
}

func TestTransferClaimed_LedgerFailureKeepsClaim(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Minute, true)
	_, err := f.gifts.Claim(ctx, g.Code, "someone")
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Minute)

	f.sim.FailNext("ReleaseFunds", errors.New("gas price spike"))
	_, err = f.sched.TransferClaimed(ctx, g.Code, "someone", "")
	assert.ErrorIs(t, err, apperr.LedgerCall)
	assert.True(t, apperr.Retryable(err))

	got, err := f.gifts.Get(ctx, g.Code)
	require.NoError(t, err)
	assert.True(t, got.IsClaimed)
	assert.False(t, got.Transferred())
}

func TestTransferClaimed_EscrowWithoutContractIDIsNotPaidFromWallet(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Minute, false)
	require.NoError(t, f.gifts.MarkLocked(ctx, []gift.LockRecord{{Code: g.Code, LockTxRef: "0xbatch"}}))
	_, err := f.gifts.Claim(ctx, g.Code, "someone")
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Minute)

	_, err = f.sched.TransferClaimed(ctx, g.Code, "someone", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInternal, apperr.KindOf(err))
	assert.Zero(t, f.sim.Calls("TransferFunds"))
	assert.Zero(t, f.sim.Calls("ReleaseFunds"))
}

func TestTransferClaimed_RejectsBadDestination(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Minute, true)
	_, err := f.gifts.Claim(ctx, g.Code, "someone")
	require.NoError(t, err)
	f.now = f.now.Add(2 * time.Minute)

	_, err = f.sched.TransferClaimed(ctx, g.Code, "someone", "not-an-address")
	assert.ErrorIs(t, err, apperr.Validation)
}

func TestSweepExpired(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	unpaid := f.create(t, time.Hour)
	custodial := f.paid(t, time.Hour, false)
	escrowed := f.paid(t, time.Hour, true)
	fresh := f.create(t, 40*24*time.Hour)

	f.now = f.now.Add(31 * 24 * time.Hour)
	res, err := f.sched.SweepExpired(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{unpaid.Code, custodial.Code, escrowed.Code}, res.Expired)

	for _, code := range res.Expired {
		g, err := f.gifts.Get(ctx, code)
		require.NoError(t, err)
		assert.Equal(t, gift.LifecycleExpired, g.LifecycleStatus, code)
	}
	g, err := f.gifts.Get(ctx, custodial.Code)
	require.NoError(t, err)
	assert.NotEmpty(t, g.CharityTxRef)

	w, err := f.pool.Get(ctx, unpaid.WalletAddress)
	require.NoError(t, err)
	assert.True(t, w.Free(), "unpaid gift wallet returns to the pool")

	// custodial: 1.05 less gas and reserve; escrowed: the locked 1.0 plus residue
	assert.True(t, f.sim.Balance(f.charity).Cmp(ledger.Ether("2")) > 0)
	assert.Equal(t, 1, f.sim.Calls("ReleaseFunds"))

	still, err := f.gifts.Get(ctx, fresh.Code)
	require.NoError(t, err)
	assert.Equal(t, gift.LifecycleActive, still.LifecycleStatus)
}

func TestSweepExpired_ClaimCannotRaceTheSweep(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Hour, true)

	f.now = f.now.Add(31 * 24 * time.Hour)
	_, err := f.gifts.Claim(ctx, g.Code, "late")
	assert.ErrorIs(t, err, apperr.Validation)

	res, err := f.sched.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{g.Code}, res.Expired)

	got, err := f.gifts.Get(ctx, g.Code)
	require.NoError(t, err)
	assert.False(t, got.IsClaimed)
	assert.Equal(t, gift.LifecycleExpired, got.LifecycleStatus)
}

func TestSweepExpired_LeavesGiftWithLockInProgress(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Hour, false)

	f.now = f.now.Add(31 * 24 * time.Hour)
	_, err := f.gifts.ClaimLock(ctx, g.Code, 15*time.Minute)
	require.NoError(t, err)

	res, err := f.sched.SweepExpired(ctx)
	require.Error(t, err)
	assert.Empty(t, res.Expired)
	assert.Contains(t, res.Failed, g.Code)
	assert.Zero(t, f.sim.Calls("SendToCharity"))
	assert.Zero(t, f.sim.Balance(g.WalletAddress).Cmp(ledger.ToWei(g.TotalRequired)))

	got, err := f.gifts.Get(ctx, g.Code)
	require.NoError(t, err)
	assert.Equal(t, gift.LifecycleActive, got.LifecycleStatus)
}

func TestSweepExpired_ConcurrentWithBatchLock(t *testing.T) {
	f := newFixture(t, 4)
	ctx := context.Background()
	ledger.SeedBalance(f.sim, f.operator.Address, ledger.Ether("10"))
	var codes []string
	for i := 0; i < 4; i++ {
		codes = append(codes, f.paid(t, time.Hour, false).Code)
	}
	f.now = f.now.Add(31 * 24 * time.Hour)
	before := f.sim.Balance(f.operator.Address)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = f.sched.ForceBatchProcess(ctx)
	}()
	go func() {
		defer wg.Done()
		_, _ = f.sched.SweepExpired(ctx)
	}()
	wg.Wait()

	loss := new(big.Int).Sub(before, f.sim.Balance(f.operator.Address))
	assert.True(t, loss.Cmp(ledger.Ether("0.001")) < 0, "operator lost %s wei", loss)

	escrowed := 0
	for _, code := range codes {
		g, err := f.gifts.Get(ctx, code)
		require.NoError(t, err)
		switch g.LifecycleStatus {
		case gift.LifecycleExpired:
			assert.False(t, g.ContractLocked, "expired gift %s must not be escrowed", code)
			assert.NotEmpty(t, g.CharityTxRef, code)
		case gift.LifecycleActive:
			assert.True(t, g.ContractLocked, "active gift %s must be escrowed", code)
			escrowed++
		default:
			t.Fatalf("gift %s ended %s", code, g.LifecycleStatus)
		}
	}
	assert.Len(t, f.sim.Locks(), escrowed)
}

func TestExpiredGiftCannotBeEscrowed(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	g := f.paid(t, time.Hour, false)

	f.now = f.now.Add(31 * 24 * time.Hour)
	res, err := f.sched.SweepExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{g.Code}, res.Expired)

	err = f.gifts.MarkLocked(ctx, []gift.LockRecord{{Code: g.Code, ContractGiftID: "9", LockTxRef: "0xabc"}})
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	batch, err := f.engine.LockBatch(ctx, []string{g.Code})
	require.NoError(t, err)
	assert.Equal(t, "not payable", batch.Skipped[g.Code])
	assert.Zero(t, f.sim.Calls("BatchLockFunds"))
}
