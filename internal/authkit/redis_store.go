package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const defaultStoreTimeout = 2 * time.Second

var errRedisEmptyAddr = errors.New("redis.empty_addr")

// RedisOptions configures the Redis connection backing RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

// NewRedisClient dials Redis and verifies connectivity with a bounded ping.
func NewRedisClient(ctx context.Context, options RedisOptions) (*goredis.Client, error) {
	if strings.TrimSpace(options.Addr) == "" {
		return nil, fmt.Errorf("redis.open: %w", errRedisEmptyAddr)
	}
	timeout := options.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:         options.Addr,
		Password:     options.Password,
		DB:           options.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		MaxRetries:   1,
	})

	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis.ping: %w", err)
	}
	return client, nil
}

// RedisStore implements TTLStore on Redis. Every call is bounded by timeout and every
// transport failure is reported as ErrStoreUnavailable, never as an absent key.
type RedisStore struct {
	client  goredis.UniversalClient
	timeout time.Duration
}

// NewRedisStore wraps client.
func NewRedisStore(client goredis.UniversalClient, timeout time.Duration) *RedisStore {
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}
	return &RedisStore{client: client, timeout: timeout}
}

// Set writes value with ttl using SET EX semantics.
func (store *RedisStore) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("ttl_store.redis.set: %w", ErrInvalidTTL)
	}
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	if err := store.client.Set(callCtx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("ttl_store.redis.set: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

// Get reads key.
func (store *RedisStore) Get(ctx context.Context, key string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	value, err := store.client.Get(callCtx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrEntryNotFound
	}
	if err != nil {
		return "", fmt.Errorf("ttl_store.redis.get: %w: %w", ErrStoreUnavailable, err)
	}
	return value, nil
}

// Take reads and removes key with GETDEL.
func (store *RedisStore) Take(ctx context.Context, key string) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	value, err := store.client.GetDel(callCtx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrEntryNotFound
	}
	if err != nil {
		return "", fmt.Errorf("ttl_store.redis.take: %w: %w", ErrStoreUnavailable, err)
	}
	return value, nil
}

// Delete removes key.
func (store *RedisStore) Delete(ctx context.Context, key string) error {
	callCtx, cancel := context.WithTimeout(ctx, store.timeout)
	defer cancel()
	if err := store.client.Del(callCtx, key).Err(); err != nil {
		return fmt.Errorf("ttl_store.redis.delete: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}
