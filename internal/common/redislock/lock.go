// Package redislock provides a single-holder lease on a named resource.
package redislock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// Config holds Redis configuration. An empty Addr selects the in-process locker.
type Config struct {
	Addr      string `envconfig:"REDIS_ADDR"`
	Password  string `envconfig:"REDIS_PASSWORD"`
	DB        int    `envconfig:"REDIS_DB" default:"0"`
	KeyPrefix string `envconfig:"REDIS_LOCK_PREFIX" default:"payrecon:lock:"`
}

// ErrNotAcquired is returned when another holder owns the lock.
var ErrNotAcquired = errors.New("lock already held by another process")

// ErrNotOwned is returned on release when the lease expired or was taken over.
var ErrNotOwned = errors.New("lock not owned by this token")

// Locker hands out leases.
type Locker interface {
	Acquire(ctx context.Context, resource string, ttl time.Duration) (Lock, error)
}

// Lock is a held lease. Extend resets the remaining lifetime to ttl and
// fails with ErrNotOwned once the lease has expired or changed hands.
type Lock interface {
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const extendScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

// RedisLocker implements Locker with SET NX PX and a token-checked delete.
type RedisLocker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

// NewRedisLocker connects to Redis and verifies the connection.
func NewRedisLocker(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	logger.Info("redis connection established", "addr", cfg.Addr)
	return &RedisLocker{client: client, prefix: cfg.KeyPrefix, logger: logger}, nil
}

// NewRedisLockerFromClient wraps an existing client.
func NewRedisLockerFromClient(client *redis.Client, prefix string, logger *slog.Logger) *RedisLocker {
	return &RedisLocker{client: client, prefix: prefix, logger: logger}
}

// Close closes the Redis client
func (l *RedisLocker) Close() error {
	return l.client.Close()
}

// Acquire takes the lease or returns ErrNotAcquired.
func (l *RedisLocker) Acquire(ctx context.Context, resource string, ttl time.Duration) (Lock, error) {
	key := l.prefix + resource
	token := ulid.Make().String()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}

	l.logger.Debug("lock acquired", "resource", resource, "ttl", ttl)
	return &redisLock{client: l.client, key: key, token: token}, nil
}

type redisLock struct {
	client *redis.Client
	key    string
	token  string
}

func (l *redisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := l.client.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock: %w", err)
	}
	if n == 0 {
		return ErrNotOwned
	}
	return nil
}

func (l *redisLock) Release(ctx context.Context) error {
	n, err := l.client.Eval(ctx, releaseScript, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock: %w", err)
	}
	if n == 0 {
		return ErrNotOwned
	}
	return nil
}

// LocalLocker is an in-process Locker for single-replica deployments and tests.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]localLease
	now  func() time.Time
}

type localLease struct {
	token     string
	expiresAt time.Time
}

// NewLocalLocker creates an in-process locker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]localLease), now: time.Now}
}

func (l *LocalLocker) Acquire(_ context.Context, resource string, ttl time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if lease, ok := l.held[resource]; ok && now.Before(lease.expiresAt) {
		return nil, ErrNotAcquired
	}
	token := ulid.Make().String()
	l.held[resource] = localLease{token: token, expiresAt: now.Add(ttl)}
	return &localLock{owner: l, resource: resource, token: token}, nil
}

type localLock struct {
	owner    *LocalLocker
	resource string
	token    string
}

func (l *localLock) Extend(_ context.Context, ttl time.Duration) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	now := l.owner.now()
	lease, ok := l.owner.held[l.resource]
	if !ok || lease.token != l.token || !now.Before(lease.expiresAt) {
		return ErrNotOwned
	}
	lease.expiresAt = now.Add(ttl)
	l.owner.held[l.resource] = lease
	return nil
}

func (l *localLock) Release(context.Context) error {
	l.owner.mu.Lock()
	defer l.owner.mu.Unlock()

	lease, ok := l.owner.held[l.resource]
	if !ok || lease.token != l.token {
		return ErrNotOwned
	}
	delete(l.owner.held, l.resource)
	return nil
}
