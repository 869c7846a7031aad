package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const (
	defaultAppName        = "GiftLock"
	defaultAppEnv         = "development"
	defaultPort           = "8080"
	defaultLogLevel       = "info"
	defaultShutdownDelay  = 10 * time.Second
	defaultIdempotencyTTL = 24 * time.Hour
	defaultRetention      = 30 * 24 * time.Hour
	defaultSweptTTL       = 7 * 24 * time.Hour
	defaultVaultSecret    = "development-only-secret"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// Ledger access. An empty RPCURL selects the in-memory chain in development.
	RPCURL          string
	ContractAddress string
	OperatorKey     string
	CompanyWallet   string
	CharityAddress  string
	StartBlock      uint64
	VaultSecret     string

	Currency   string
	FeePercent decimal.Decimal
	Tolerance  decimal.Decimal
	GasReserve decimal.Decimal

	PoolMin            int
	PoolBatch          int
	BatchMaxSize       int
	WatcherConcurrency int
	RetryAttempts      int
	RetryBaseDelay     time.Duration
	Retention          time.Duration
	SweptTTL           time.Duration
	LockClaimTTL       time.Duration

	LockInterval    time.Duration
	ReleaseInterval time.Duration
	SweepInterval   time.Duration
	PoolInterval    time.Duration
	JobTimeout      time.Duration
	// RunJobs schedules the periodic jobs inside the API process.
	RunJobs bool

	AdminToken    string
	CodeRateLimit int
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is applied first without overriding set variables.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	cfg := Config{
		AppName:         getEnv("APP_NAME", defaultAppName),
		AppEnv:          strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:            getEnv("PORT", defaultPort),
		LogLevel:        strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RPCURL:          os.Getenv("RPC_URL"),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
		OperatorKey:     os.Getenv("OPERATOR_KEY"),
		CompanyWallet:   os.Getenv("COMPANY_WALLET"),
		CharityAddress:  os.Getenv("CHARITY_ADDRESS"),
		VaultSecret:     os.Getenv("VAULT_SECRET"),
		Currency:        getEnv("GIFT_CURRENCY", "ETH"),
		AdminToken:      os.Getenv("ADMIN_TOKEN"),
	}

	var err error
	load := func(f func() error) {
		if err == nil {
			err = f()
		}
	}
	load(func() (e error) { cfg.ShutdownPeriod, e = getDuration("SHUTDOWN_TIMEOUT", defaultShutdownDelay); return })
	load(func() (e error) { cfg.IdempotencyTTL, e = getDuration("IDEMPOTENCY_TTL", defaultIdempotencyTTL); return })
	load(func() (e error) { cfg.RetryBaseDelay, e = getDuration("RETRY_BASE_DELAY", 250*time.Millisecond); return })
	load(func() (e error) { cfg.Retention, e = getDuration("RETENTION_WINDOW", defaultRetention); return })
	load(func() (e error) { cfg.SweptTTL, e = getDuration("SWEPT_MARKER_TTL", defaultSweptTTL); return })
	load(func() (e error) { cfg.LockClaimTTL, e = getDuration("LOCK_CLAIM_TTL", 15*time.Minute); return })
	load(func() (e error) { cfg.LockInterval, e = getDuration("LOCK_INTERVAL", time.Hour); return })
	load(func() (e error) { cfg.ReleaseInterval, e = getDuration("RELEASE_INTERVAL", 5*time.Minute); return })
	load(func() (e error) { cfg.SweepInterval, e = getDuration("SWEEP_INTERVAL", 24*time.Hour); return })
	load(func() (e error) { cfg.PoolInterval, e = getDuration("POOL_INTERVAL", 10*time.Minute); return })
	load(func() (e error) { cfg.JobTimeout, e = getDuration("JOB_TIMEOUT", 2*time.Minute); return })
	load(func() (e error) { cfg.FeePercent, e = getDecimal("FEE_PERCENT", "0.05"); return })
	load(func() (e error) { cfg.Tolerance, e = getDecimal("PAYMENT_TOLERANCE", "0.01"); return })
	load(func() (e error) { cfg.GasReserve, e = getDecimal("GAS_RESERVE", "0.001"); return })
	load(func() (e error) { cfg.PoolMin, e = getInt("POOL_MIN_FREE", 20); return })
	load(func() (e error) { cfg.PoolBatch, e = getInt("POOL_BATCH", 10); return })
	load(func() (e error) { cfg.BatchMaxSize, e = getInt("BATCH_MAX_SIZE", 20); return })
	load(func() (e error) { cfg.WatcherConcurrency, e = getInt("WATCHER_CONCURRENCY", 4); return })
	load(func() (e error) { cfg.RetryAttempts, e = getInt("RETRY_ATTEMPTS", 4); return })
	load(func() (e error) { cfg.CodeRateLimit, e = getInt("CODE_RATE_LIMIT_PER_MIN", 10); return })
	load(func() (e error) {
		cfg.RunJobs, e = strconv.ParseBool(getEnv("RUN_JOBS", strconv.FormatBool(cfg.IsDevelopment())))
		if e != nil {
			e = fmt.Errorf("invalid RUN_JOBS: %w", e)
		}
		return
	})
	load(func() error {
		v := os.Getenv("START_BLOCK")
		if v == "" {
			return nil
		}
		n, e := strconv.ParseUint(v, 10, 64)
		if e != nil {
			return fmt.Errorf("invalid START_BLOCK: %w", e)
		}
		cfg.StartBlock = n
		return nil
	})
	if err != nil {
		return Config{}, err
	}

	if cfg.FeePercent.IsNegative() || cfg.FeePercent.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("FEE_PERCENT must be in [0, 1)")
	}
	if cfg.Tolerance.IsNegative() {
		return Config{}, fmt.Errorf("PAYMENT_TOLERANCE must not be negative")
	}
	if cfg.BatchMaxSize < 1 {
		return Config{}, fmt.Errorf("BATCH_MAX_SIZE must be positive")
	}

	if cfg.IsDevelopment() {
		if cfg.VaultSecret == "" {
			cfg.VaultSecret = defaultVaultSecret
		}
		return cfg, nil
	}

	for _, req := range []struct{ key, value string }{
		{"DATABASE_URL", cfg.DatabaseURL},
		{"REDIS_URL", cfg.RedisURL},
		{"RPC_URL", cfg.RPCURL},
		{"CONTRACT_ADDRESS", cfg.ContractAddress},
		{"OPERATOR_KEY", cfg.OperatorKey},
		{"COMPANY_WALLET", cfg.CompanyWallet},
		{"CHARITY_ADDRESS", cfg.CharityAddress},
		{"VAULT_SECRET", cfg.VaultSecret},
		{"ADMIN_TOKEN", cfg.AdminToken},
	} {
		if req.value == "" {
			return Config{}, fmt.Errorf("%s must be set", req.key)
		}
	}
	return cfg, nil
}

// IsDevelopment reports whether missing backends may be replaced by in-memory ones.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev" || c.AppEnv == "test"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getDuration reads KEY_SECONDS as whole seconds, then KEY as a Go duration.
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", key, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDecimal(key, fallback string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
