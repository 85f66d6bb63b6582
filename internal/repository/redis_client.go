package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fieldValue   = "v"
	fieldVersion = "ver"
	scanCount    = 100
)

// putVersionedScript compares the stored version before writing. Redis
// removes expired keys itself, so a missing hash reads as version 0.
var putVersionedScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'ver') or '0')
if cur ~= tonumber(ARGV[2]) then
  return -1
end
redis.call('HSET', KEYS[1], 'v', ARGV[1], 'ver', cur + 1)
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return cur + 1
`)

// RedisOptions holds the connection settings for NewRedisFromOptions.
type RedisOptions struct {
	Host     string
	Port     int
	DB       int
	Password string
}

// RedisClient stores each record as a hash {v, ver} with a native key TTL.
type RedisClient struct {
	rdb redis.UniversalClient
}

// NewRedis wraps an existing go-redis client.
func NewRedis(rdb redis.UniversalClient) (*RedisClient, error) {
	if rdb == nil {
		return nil, errors.New("repository: redis client must not be nil")
	}
	return &RedisClient{rdb: rdb}, nil
}

// NewRedisFromOptions dials a single Redis node.
func NewRedisFromOptions(opts RedisOptions) (*RedisClient, error) {
	if strings.TrimSpace(opts.Host) == "" {
		return nil, errors.New("repository: redis host must not be empty")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Host + ":" + strconv.Itoa(opts.Port),
		DB:       opts.DB,
		Password: opts.Password,
	})
	return NewRedis(rdb)
}

// Put overwrites key, bumps its version and resets its TTL atomically.
func (c *RedisClient) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := validateWrite("Put", key, ttl); err != nil {
		return err
	}
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldValue, value)
		pipe.HIncrBy(ctx, key, fieldVersion, 1)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: Put: %w", err)
	}
	return nil
}

// Get returns the live item stored under key.
func (c *RedisClient) Get(ctx context.Context, key string) (Item, error) {
	vals, err := c.rdb.HMGet(ctx, key, fieldValue, fieldVersion).Result()
	if err != nil {
		return Item{}, fmt.Errorf("repository: Get: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Item{}, ErrNotFound
	}
	val, ok := vals[0].(string)
	if !ok {
		return Item{}, fmt.Errorf("repository: Get: unexpected value type %T", vals[0])
	}
	var ver int64
	if s, ok := vals[1].(string); ok {
		ver, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			return Item{}, fmt.Errorf("repository: Get decode version: %w", err)
		}
	}
	return Item{Value: []byte(val), Version: ver}, nil
}

// Delete removes key and reports whether it existed.
func (c *RedisClient) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("repository: Delete: %w", err)
	}
	return n > 0, nil
}

// ListKeys walks the keyspace with SCAN; KEYS would block the server.
func (c *RedisClient) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	keys := []string{}
	iter := c.rdb.Scan(ctx, 0, escapeGlob(prefix)+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListKeys: %w", err)
	}
	return keys, nil
}

// PutVersioned writes key only if its version equals expected.
func (c *RedisClient) PutVersioned(ctx context.Context, key string, value []byte, ttl time.Duration, expected int64) (int64, error) {
	if err := validateWrite("PutVersioned", key, ttl); err != nil {
		return 0, err
	}
	next, err := putVersionedScript.Run(ctx, c.rdb, []string{key}, value, expected, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("repository: PutVersioned: %w", err)
	}
	if next < 0 {
		return 0, ErrVersionConflict
	}
	return next, nil
}

// Ping checks the connection.
func (c *RedisClient) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("repository: Ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
