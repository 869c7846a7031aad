package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/giftlock/internal/config"
	"github.com/congo-pay/giftlock/internal/logging"
)

func TestOpenAndBuild_DevelopmentFallbacks(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("RPC_URL", "")
	t.Setenv("POOL_MIN_FREE", "3")
	t.Setenv("POOL_BATCH", "2")
	cfg, err := config.Load()
	require.NoError(t, err)

	ctx := context.Background()
	b, err := Open(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	defer b.Close()
	assert.Nil(t, b.DB)
	assert.NotNil(t, b.Cache)
	require.NotNil(t, b.Ledger.Simulated)

	a, err := Build(cfg, b, logging.Discard())
	require.NoError(t, err)
	require.NoError(t, a.PrimePool(ctx))

	free, err := a.Pool.FreeCount(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, free, 3)

	runner, err := a.Jobs()
	require.NoError(t, err)
	assert.Len(t, runner.Names(), 4)
	runner.Start()
	require.NoError(t, runner.Shutdown())
}

func TestOpen_ProductionNeedsDatabase(t *testing.T) {
	cfg := config.Config{AppEnv: "production"}
	_, err := Open(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}
