// Package app assembles the settlement components over the configured
// backends. Both binaries build their runtime through it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/giftlock/internal/config"
	"github.com/congo-pay/giftlock/internal/gift"
	"github.com/congo-pay/giftlock/internal/infra"
	"github.com/congo-pay/giftlock/internal/jobs"
	"github.com/congo-pay/giftlock/internal/keyvault"
	"github.com/congo-pay/giftlock/internal/ledger"
	"github.com/congo-pay/giftlock/internal/notification"
	"github.com/congo-pay/giftlock/internal/release"
	"github.com/congo-pay/giftlock/internal/retry"
	"github.com/congo-pay/giftlock/internal/settlement"
	"github.com/congo-pay/giftlock/internal/walletpool"
	"github.com/congo-pay/giftlock/internal/watcher"
)

// Backends are the external systems the components run on. A nil DB selects
// the in-memory repositories.
type Backends struct {
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Ledger *infra.Ledger

	closers []func()
}

// Close releases every backend opened by Open, in reverse order.
func (b *Backends) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// Open connects the backends named by cfg. In development a missing
// database, Redis or RPC endpoint is replaced by an in-process stand-in.
func Open(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Backends, error) {
	b := &Backends{}
	fail := func(err error) (*Backends, error) {
		b.Close()
		return nil, err
	}

	switch {
	case cfg.DatabaseURL != "":
		db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fail(err)
		}
		b.DB = db
		b.closers = append(b.closers, db.Close)
	case !cfg.IsDevelopment():
		return fail(fmt.Errorf("database is required when APP_ENV=%s", cfg.AppEnv))
	default:
		logger.Warn("DATABASE_URL not set, using in-memory repositories")
	}

	switch {
	case cfg.RedisURL != "":
		cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		b.Cache = cache
		b.closers = append(b.closers, func() {
			if err := cache.Close(); err != nil {
				logger.Warn("close redis", "error", err)
			}
		})
	case !cfg.IsDevelopment():
		return fail(fmt.Errorf("redis is required when APP_ENV=%s", cfg.AppEnv))
	default:
		embedded, err := infra.NewEmbeddedRedis()
		if err != nil {
			return fail(err)
		}
		logger.Warn("REDIS_URL not set, using embedded redis")
		b.Cache = embedded.Client
		b.closers = append(b.closers, embedded.Close)
	}

	l, err := infra.NewLedger(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	b.Ledger = l
	b.closers = append(b.closers, l.Close)
	return b, nil
}

// App holds the wired components.
type App struct {
	Cfg       config.Config
	Backends  *Backends
	Gifts     *gift.Service
	Pool      *walletpool.Pool
	Engine    *settlement.Engine
	Scheduler *release.Scheduler
	Watcher   *watcher.Watcher
	logger    *slog.Logger
}

// Build wires every component over b.
func Build(cfg config.Config, b *Backends, logger *slog.Logger) (*App, error) {
	if b == nil || b.Ledger == nil || b.Cache == nil {
		return nil, errors.New("app: ledger and cache backends are required")
	}
	vault, err := keyvault.New(cfg.VaultSecret)
	if err != nil {
		return nil, err
	}

	var (
		walletRepo walletpool.Repository
		giftRepo   gift.Repository
	)
	if b.DB != nil {
		walletRepo = walletpool.NewPostgresRepository(b.DB)
		giftRepo = gift.NewPostgresRepository(b.DB)
	} else {
		walletRepo = walletpool.NewMemoryRepository()
		giftRepo = gift.NewMemoryRepository()
	}

	client := b.Ledger.Client
	notifier := notification.NewLoggerNotifier(logger)
	pool := walletpool.NewPool(walletRepo, vault, logger).WithBalances(client)
	gifts := gift.NewService(giftRepo, pool, notifier, gift.Policy{
		FeePercent: cfg.FeePercent,
		Tolerance:  cfg.Tolerance,
		Currency:   cfg.Currency,
		Retention:  cfg.Retention,
	}, logger)

	reserve := ledger.ToWei(cfg.GasReserve)
	policy := retry.Policy{Attempts: cfg.RetryAttempts, BaseDelay: cfg.RetryBaseDelay, MaxDelay: 16 * cfg.RetryBaseDelay}
	company, charity := cfg.CompanyWallet, cfg.CharityAddress
	if cfg.IsDevelopment() {
		if company == "" {
			company = ledger.TestAddress(0xC0)
		}
		if charity == "" {
			charity = ledger.TestAddress(0xCA)
		}
	}

	engine := settlement.NewEngine(client, gifts, pool, settlement.Config{
		Operator:      b.Ledger.Operator,
		CompanyWallet: company,
		GasReserve:    reserve,
		MaxBatchSize:  cfg.BatchMaxSize,
		LockClaimTTL:  cfg.LockClaimTTL,
		Retry:         policy,
	}, logger)
	sched := release.NewScheduler(client, gifts, pool, engine, notifier, release.Config{
		Operator:       b.Ledger.Operator,
		CharityAddress: charity,
		GasReserve:     reserve,
		Retention:      cfg.Retention,
		LockClaimTTL:   cfg.LockClaimTTL,
		Retry:          policy,
	}, logger)
	w := watcher.New(client, gifts, pool, engine, watcher.NewRedisStore(b.Cache, cfg.SweptTTL), notifier, watcher.Config{
		GasReserve:  reserve,
		Concurrency: cfg.WatcherConcurrency,
		Retry:       policy,
		StartBlock:  cfg.StartBlock,
	}, logger)

	return &App{
		Cfg: cfg, Backends: b, Gifts: gifts, Pool: pool, Engine: engine, Scheduler: sched, Watcher: w,
		logger: logger,
	}, nil
}

// PrimePool makes sure the wallet pool has PoolMin free wallets.
func (a *App) PrimePool(ctx context.Context) error {
	created, err := a.Pool.EnsureCapacity(ctx, a.Cfg.PoolMin, a.Cfg.PoolBatch)
	if created > 0 {
		a.logger.Info("wallet pool primed", "created", created)
	}
	return err
}

// Jobs registers the periodic jobs. The caller starts and stops the runner.
func (a *App) Jobs() (*jobs.Runner, error) {
	return jobs.New(a.Engine, a.Scheduler, a.Pool, jobs.Schedule{
		LockInterval:    a.Cfg.LockInterval,
		ReleaseInterval: a.Cfg.ReleaseInterval,
		SweepInterval:   a.Cfg.SweepInterval,
		PoolInterval:    a.Cfg.PoolInterval,
		PoolMin:         a.Cfg.PoolMin,
		PoolBatch:       a.Cfg.PoolBatch,
		Timeout:         a.Cfg.JobTimeout,
	}, a.logger)
}

// RunWatcher follows the chain until ctx is done.
func (a *App) RunWatcher(ctx context.Context) error {
	start := time.Now()
	err := a.Watcher.Run(ctx)
	a.logger.Info("watcher stopped", "uptime", time.Since(start).Round(time.Second))
	return err
}
