// Package redis provides the optional cross-process dispatch lock.
//
// When several graysync processes share one database, each integration's
// queue must still drain in exactly one of them at a time. The in-process
// dispatcher already serialises per integration; this lock extends that
// guarantee across processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/nerrad567/gray-logic-sync/internal/infrastructure/config"
)

const (
	defaultKeyPrefix = "graysync:lock:"
	connectTimeout   = 5 * time.Second
)

var (
	// ErrDisabled indicates Redis is disabled in config.
	ErrDisabled = errors.New("redis: disabled in configuration")

	// ErrLockNotAcquired is returned when another holder owns the lock.
	ErrLockNotAcquired = errors.New("redis: lock not acquired")

	// ErrLockNotHeld is returned when releasing a lock that expired or
	// was taken over.
	ErrLockNotHeld = errors.New("redis: lock not held")
)

// releaseScript deletes the key only when it still holds our token.
var releaseScript = goredis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// extendScript refreshes the TTL only when the key still holds our token.
var extendScript = goredis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Client wraps a go-redis client.
type Client struct {
	rdb       goredis.UniversalClient
	keyPrefix string
}

// Connect opens and pings a Redis connection.
//
// Returns ErrDisabled when cfg.Enabled is false.
func Connect(cfg config.RedisConfig) (*Client, error) {
	if !cfg.Enabled {
		return nil, ErrDisabled
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close() //nolint:errcheck // best effort cleanup on error path
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}

	return NewClient(rdb), nil
}

// NewClient wraps an existing go-redis client.
func NewClient(rdb goredis.UniversalClient) *Client {
	return &Client{rdb: rdb, keyPrefix: defaultKeyPrefix}
}

// Close closes the connection.
func (c *Client) Close() error {
	if c == nil || c.rdb == nil {
		return nil
	}
	return c.rdb.Close()
}

// HealthCheck pings Redis.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}

// Lock is a held lock.
type Lock struct {
	client *Client
	key    string
	token  string
}

// Acquire takes the lock named key for ttl using SET NX.
// Returns ErrLockNotAcquired when another holder owns it.
func (c *Client) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lockKey := c.keyPrefix + key
	token := uuid.NewString()

	ok, err := c.rdb.SetNX(ctx, lockKey, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}
	return &Lock{client: c, key: lockKey, token: token}, nil
}

// Release frees the lock if it is still ours.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("releasing lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Extend resets the lock TTL if it is still ours.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extending lock: %w", err)
	}
	if n == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// Key returns the full Redis key of the lock.
func (l *Lock) Key() string {
	return l.key
}
