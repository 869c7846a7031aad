package watcher

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	storePrefix    = "watcher:v1:"
	lastBlockKey   = storePrefix + "last_block"
	sweptKeyPrefix = storePrefix + "swept:"
	deferredKey    = storePrefix + "deferred"
)

// Store persists the watcher checkpoint, the payments waiting for
// confirmation and the set of mismatched payments already swept to charity.
// Deferrals outlive the checkpoint of the block they were seen in, so they
// must survive a restart.
type Store interface {
	LastBlock(ctx context.Context) (uint64, bool, error)
	SetLastBlock(ctx context.Context, number uint64) error
	Swept(ctx context.Context, txHash string) (bool, error)
	MarkSwept(ctx context.Context, txHash string) error
	// Deferred maps each unconfirmed tx hash to the gift code it pays.
	Deferred(ctx context.Context) (map[string]string, error)
	Defer(ctx context.Context, txHash, giftCode string) error
	Undefer(ctx context.Context, txHash string) error
}

// RedisStore keeps watcher state in Redis.
type RedisStore struct {
	cache    *redis.Client
	sweptTTL time.Duration
}

// NewRedisStore builds a Store on cache. Swept markers expire after sweptTTL;
// zero keeps them forever.
func NewRedisStore(cache *redis.Client, sweptTTL time.Duration) *RedisStore {
	return &RedisStore{cache: cache, sweptTTL: sweptTTL}
}

func (s *RedisStore) LastBlock(ctx context.Context) (uint64, bool, error) {
	v, err := s.cache.Get(ctx, lastBlockKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false, err
	}
	return n, true, nil
}

func (s *RedisStore) SetLastBlock(ctx context.Context, number uint64) error {
	return s.cache.Set(ctx, lastBlockKey, strconv.FormatUint(number, 10), 0).Err()
}

func (s *RedisStore) Swept(ctx context.Context, txHash string) (bool, error) {
	n, err := s.cache.Exists(ctx, sweptKeyPrefix+txHash).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisStore) MarkSwept(ctx context.Context, txHash string) error {
	return s.cache.SetNX(ctx, sweptKeyPrefix+txHash, time.Now().UTC().Format(time.RFC3339), s.sweptTTL).Err()
}

func (s *RedisStore) Deferred(ctx context.Context) (map[string]string, error) {
	return s.cache.HGetAll(ctx, deferredKey).Result()
}

func (s *RedisStore) Defer(ctx context.Context, txHash, giftCode string) error {
	return s.cache.HSet(ctx, deferredKey, txHash, giftCode).Err()
}

func (s *RedisStore) Undefer(ctx context.Context, txHash string) error {
	return s.cache.HDel(ctx, deferredKey, txHash).Err()
}

type memoryStore struct {
	mu       sync.Mutex
	last     uint64
	set      bool
	swept    map[string]bool
	deferred map[string]string
}

// NewMemoryStore returns a process-local Store.
func NewMemoryStore() Store {
	return &memoryStore{swept: make(map[string]bool), deferred: make(map[string]string)}
}

func (s *memoryStore) LastBlock(context.Context) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last, s.set, nil
}

func (s *memoryStore) SetLastBlock(_ context.Context, n uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last, s.set = n, true
	return nil
}

func (s *memoryStore) Swept(_ context.Context, txHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swept[txHash], nil
}

func (s *memoryStore) MarkSwept(_ context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.swept[txHash] = true
	return nil
}

func (s *memoryStore) Deferred(context.Context) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.deferred))
	for h, code := range s.deferred {
		out[h] = code
	}
	return out, nil
}

func (s *memoryStore) Defer(_ context.Context, txHash, giftCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred[txHash] = giftCode
	return nil
}

func (s *memoryStore) Undefer(_ context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deferred, txHash)
	return nil
}
