package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another writer already holds catalog:sync:lock.
var ErrLockHeld = errors.New("catalog: sync lock held by another writer")

// SyncLockKey is the single distributed-lock key coordinating C3 writers.
const SyncLockKey = "catalog:sync:lock"

// SyncLockTTL bounds how long a sync may hold the lock before it is
// considered abandoned and eligible for another writer to acquire.
const SyncLockTTL = 5 * time.Minute

// lock is a Redis SETNX-based distributed lock, held for the duration of a
// single sync run.
type lock struct {
	rdb   *redis.Client
	key   string
	token string
}

// acquireLock attempts to take the single-writer catalog sync lock. It
// returns ErrLockHeld, never blocking, if another sync currently holds it.
func acquireLock(ctx context.Context, rdb *redis.Client, token string) (*lock, error) {
	ok, err := rdb.SetNX(ctx, SyncLockKey, token, SyncLockTTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &lock{rdb: rdb, key: SyncLockKey, token: token}, nil
}

// release drops the lock, but only if it is still held by this token — a
// lock that expired and was reacquired by another writer is left alone.
const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`

func (l *lock) release(ctx context.Context) error {
	return l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.token).Err()
}
