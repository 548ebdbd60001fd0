package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

//go:embed scripts/extend_lock.lua
var extendLockScript string

// DefaultCommitTTL is how long a reservation to order mapping is cached
const DefaultCommitTTL = 24 * time.Hour

type Client struct {
	rdb           redis.UniversalClient
	releaseScript *redis.Script
	extendScript  *redis.Script
	commitTTL     time.Duration
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection
func NewFromRedis(rdb redis.UniversalClient) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
		extendScript:  redis.NewScript(extendLockScript),
		commitTTL:     DefaultCommitTTL,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func commitKey(reservationID string) string {
	return fmt.Sprintf("commit:%s", reservationID)
}

// RememberCommit caches the order a reservation was committed into
func (c *Client) RememberCommit(ctx context.Context, reservationID string, orderID int64) error {
	return c.rdb.Set(ctx, commitKey(reservationID), orderID, c.commitTTL).Err()
}

// LookupCommit returns the cached order id of a reservation
func (c *Client) LookupCommit(ctx context.Context, reservationID string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, commitKey(reservationID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	orderID, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt commit cache entry %q: %w", val, err)
	}
	return orderID, true, nil
}

// Lock is a held distributed lock
type Lock struct {
	client *Client
	key    string
	token  string
}

// AcquireLock tries to take lockKey for ttl. It returns nil without error when
// another owner holds the lock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{
		client: c,
		key:    fmt.Sprintf("lock:%s", lockKey),
		token:  uuid.New().String(),
	}

	ok, err := c.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, nil
	}
	return lock, nil
}

// Extend pushes the lock expiry out by ttl. It reports false when the lock
// was lost in the meantime.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) (bool, error) {
	res, err := l.client.extendScript.Run(ctx, l.client.rdb, []string{l.key}, l.token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("extend lock script failed: %w", err)
	}
	return res == 1, nil
}

// Release deletes the lock if it is still held by this owner
func (l *Lock) Release(ctx context.Context) error {
	if _, err := l.client.releaseScript.Run(ctx, l.client.rdb, []string{l.key}, l.token).Result(); err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
