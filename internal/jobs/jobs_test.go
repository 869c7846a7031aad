package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/giftlock/internal/logging"
	"github.com/congo-pay/giftlock/internal/release"
	"github.com/congo-pay/giftlock/internal/settlement"
)

type counters struct {
	lock, check, sweep, topUp atomic.Int32
}

func (c *counters) LockPending(context.Context) (settlement.BatchResult, error) {
	c.lock.Add(1)
	return settlement.BatchResult{}, errors.New("ledger down")
}

func (c *counters) CheckAndRelease(context.Context) (int, error) {
	c.check.Add(1)
	return 0, nil
}

func (c *counters) SweepExpired(context.Context) (release.SweepResult, error) {
	c.sweep.Add(1)
	return release.SweepResult{}, nil
}

func (c *counters) EnsureCapacity(_ context.Context, min, batch int) (int, error) {
	c.topUp.Add(1)
	return 0, nil
}

func TestRunner_RunsEnabledJobs(t *testing.T) {
	c := &counters{}
	r, err := New(c, c, c, Schedule{
		LockInterval:    10 * time.Millisecond,
		ReleaseInterval: 10 * time.Millisecond,
		PoolInterval:    10 * time.Millisecond,
		Timeout:         time.Second,
	}, logging.Discard())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{JobLockPending, JobCheckAndRelease, JobPoolTopUp}, r.Names())

	r.Start()
	require.Eventually(t, func() bool {
		return c.lock.Load() >= 2 && c.check.Load() >= 1 && c.topUp.Load() >= 1
	}, 2*time.Second, 5*time.Millisecond, "a failing job keeps being scheduled")
	require.NoError(t, r.Shutdown())

	assert.Zero(t, c.sweep.Load(), "disabled job must not run")
}
