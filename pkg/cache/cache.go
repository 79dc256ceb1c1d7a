// Package cache is a typed façade over a Redis-backed key-value store:
// byte/JSON get-set with TTL, counters, sorted sets for percentile
// computation, capped streams for trend display, and prefix scans. Every
// operation returns a CacheError on infrastructure failure; a miss on a
// get-style operation is a distinguished empty result, never an error.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Kind classifies a CacheError.
type Kind string

const (
	KindUnavailable Kind = "unavailable"
	KindCodec       Kind = "codec"
	KindNotFound    Kind = "not_found"
)

// CacheError wraps a cache operation failure with a stable Kind.
type CacheError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *CacheError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cache: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("cache: %s: %s", e.Op, e.Kind)
}

func (e *CacheError) Unwrap() error { return e.Err }

func unavailable(op string, err error) *CacheError {
	return &CacheError{Kind: KindUnavailable, Op: op, Err: err}
}

func codec(op string, err error) *CacheError {
	return &CacheError{Kind: KindCodec, Op: op, Err: err}
}

// Store is a typed façade over a Redis client.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an established Redis client.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// GetBytes returns the raw value for key. found=false on a miss, never an error.
func (s *Store) GetBytes(ctx context.Context, key string) (val []byte, found bool, err error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, unavailable("get_bytes", err)
	}
	return b, true, nil
}

// SetBytes stores val under key. A zero ttl means no expiration.
func (s *Store) SetBytes(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, val, ttl).Err(); err != nil {
		return unavailable("set_bytes", err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return unavailable("delete", err)
	}
	return nil
}

// Incr atomically increments the integer counter at key by 1.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, unavailable("incr", err)
	}
	return n, nil
}

// IncrBy atomically increments the integer counter at key by delta.
func (s *Store) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	n, err := s.rdb.IncrBy(ctx, key, delta).Result()
	if err != nil {
		return 0, unavailable("incr_by", err)
	}
	return n, nil
}

// GetInt returns the integer counter at key. found=false if the key is unset.
func (s *Store) GetInt(ctx context.Context, key string) (int64, bool, error) {
	n, err := s.rdb.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, unavailable("get_int", err)
	}
	return n, true, nil
}

// AddSorted inserts member into the sorted set at key with the given score.
func (s *Store) AddSorted(ctx context.Context, key string, score float64, member string) error {
	if err := s.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return unavailable("add_sorted", err)
	}
	return nil
}

// RangeByScore returns members with score in [min, max], in ascending score
// order. Pass "-inf"/"+inf" for unbounded ends. limit<=0 means no limit.
func (s *Store) RangeByScore(ctx context.Context, key string, min, max string, limit int64) ([]string, error) {
	opt := &redis.ZRangeBy{Min: min, Max: max}
	if limit > 0 {
		opt.Count = limit
	}
	members, err := s.rdb.ZRangeByScore(ctx, key, opt).Result()
	if err != nil {
		return nil, unavailable("range_by_score", err)
	}
	return members, nil
}

// RangeWithScores returns all members and their scores, ascending.
func (s *Store) RangeWithScores(ctx context.Context, key string) ([]redis.Z, error) {
	zs, err := s.rdb.ZRangeWithScores(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, unavailable("range_with_scores", err)
	}
	return zs, nil
}

// TrimSorted caps the sorted set at key to at most maxLen members, dropping
// the lowest-scored entries first.
func (s *Store) TrimSorted(ctx context.Context, key string, maxLen int64) error {
	if maxLen <= 0 {
		return nil
	}
	if err := s.rdb.ZRemRangeByRank(ctx, key, 0, -(maxLen + 1)).Err(); err != nil {
		return unavailable("trim_sorted", err)
	}
	return nil
}

// Cardinality returns the number of members in the sorted set at key.
func (s *Store) Cardinality(ctx context.Context, key string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, unavailable("cardinality", err)
	}
	return n, nil
}

// StreamAppend appends a sample to the capped stream at key, trimmed
// approximately to maxLen entries.
func (s *Store) StreamAppend(ctx context.Context, key string, fields map[string]any, maxLen int64) error {
	err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxLen,
		Approx: true,
		Values: fields,
	}).Err()
	if err != nil {
		return unavailable("stream_append", err)
	}
	return nil
}

// StreamRange returns up to limit most-recent entries from the stream at key.
func (s *Store) StreamRange(ctx context.Context, key string, limit int64) ([]redis.XMessage, error) {
	msgs, err := s.rdb.XRevRangeN(ctx, key, "+", "-", limit).Result()
	if err != nil {
		return nil, unavailable("stream_range", err)
	}
	return msgs, nil
}

// Scan returns all keys matching prefix*.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, unavailable("scan", err)
	}
	return keys, nil
}

// GetJSON decodes the JSON value at key into T. found=false on a miss.
func GetJSON[T any](ctx context.Context, s *Store, key string) (T, bool, error) {
	var zero T
	b, found, err := s.GetBytes(ctx, key)
	if err != nil || !found {
		return zero, found, err
	}
	var v T
	if err := json.Unmarshal(b, &v); err != nil {
		return zero, true, codec("get_json", err)
	}
	return v, true, nil
}

// SetJSON encodes v as JSON and stores it at key with the given TTL.
func SetJSON[T any](ctx context.Context, s *Store, key string, v T, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return codec("set_json", err)
	}
	return s.SetBytes(ctx, key, b, ttl)
}
