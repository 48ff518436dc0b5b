package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a key or hash field does not exist.
var ErrNotFound = errors.New("store: not found")

// Options holds the Redis connection settings.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// Store adapts a Redis connection to the operations the queue engine needs:
// list push/pop, blocking pop, sorted sets, hashes and counters. The client
// pools connections internally and is safe for concurrent use.
type Store struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, opts Options) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Store{rdb: rdb}, nil
}

// NewFromClient wraps an existing client. Used by tests running against an
// in-process Redis.
func NewFromClient(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// LPush prepends values to a list.
func (s *Store) LPush(ctx context.Context, key string, values ...string) error {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return s.rdb.LPush(ctx, key, args...).Err()
}

// RPop removes and returns the tail of a list.
func (s *Store) RPop(ctx context.Context, key string) (string, error) {
	val, err := s.rdb.RPop(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// BRPop blocks up to timeout waiting for the tail of a list.
func (s *Store) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	vals, err := s.rdb.BRPop(ctx, timeout, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	// BRPOP returns [key, value].
	if len(vals) != 2 {
		return "", fmt.Errorf("store: unexpected BRPOP reply of length %d", len(vals))
	}
	return vals[1], nil
}

// LRem removes count occurrences of value from a list and returns how many
// were removed.
func (s *Store) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return s.rdb.LRem(ctx, key, count, value).Result()
}

// LRange returns the elements of a list between start and stop inclusive.
func (s *Store) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return s.rdb.LRange(ctx, key, start, stop).Result()
}

// LLen returns the length of a list.
func (s *Store) LLen(ctx context.Context, key string) (int64, error) {
	return s.rdb.LLen(ctx, key).Result()
}

// ZAdd adds a member with the given score to a sorted set.
func (s *Store) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
}

// ZRangeByScore returns members with scores in [min, max], ascending.
func (s *Store) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	return s.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
}

// ZRem removes a member from a sorted set and reports whether it was present.
func (s *Store) ZRem(ctx context.Context, key, member string) (bool, error) {
	n, err := s.rdb.ZRem(ctx, key, member).Result()
	return n > 0, err
}

// ZCard returns the cardinality of a sorted set.
func (s *Store) ZCard(ctx context.Context, key string) (int64, error) {
	return s.rdb.ZCard(ctx, key).Result()
}

// HSet sets a hash field.
func (s *Store) HSet(ctx context.Context, key, field, value string) error {
	return s.rdb.HSet(ctx, key, field, value).Err()
}

// HGet reads a hash field.
func (s *Store) HGet(ctx context.Context, key, field string) (string, error) {
	val, err := s.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

// HDel deletes hash fields and reports whether any existed.
func (s *Store) HDel(ctx context.Context, key string, fields ...string) (bool, error) {
	n, err := s.rdb.HDel(ctx, key, fields...).Result()
	return n > 0, err
}

// HGetAll reads a whole hash.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return s.rdb.HGetAll(ctx, key).Result()
}

// HIncrBy atomically increments a hash counter.
func (s *Store) HIncrBy(ctx context.Context, key, field string, incr int64) (int64, error) {
	return s.rdb.HIncrBy(ctx, key, field, incr).Result()
}

// Del removes the given keys.
func (s *Store) Del(ctx context.Context, keys ...string) error {
	return s.rdb.Del(ctx, keys...).Err()
}
