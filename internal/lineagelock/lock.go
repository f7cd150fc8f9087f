// Package lineagelock serialises tip-mutating operations per version chain.
// SQL guards in the store catch races as a second line of defence; the lock
// keeps the normal path free of wasted transactions.
package lineagelock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrBusy means another operation holds the chain's lock right now.
var ErrBusy = errors.New("lineage is locked by another operation")

// Locker guards a lineage for the duration of a tip mutation. The returned
// release function must always be called, error or not on the guarded work.
type Locker interface {
	Acquire(ctx context.Context, lineageID string) (release func(), err error)
}

// LocalLocker is the single-process default: one mutex per lineage.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewLocal() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *LocalLocker) Acquire(ctx context.Context, lineageID string) (func(), error) {
	l.mu.Lock()
	lock, ok := l.locks[lineageID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[lineageID] = lock
	}
	l.mu.Unlock()

	lock.Lock()
	return lock.Unlock, nil
}

// RedisLocker coordinates across processes with bsm/redislock.
type RedisLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

func NewRedis(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{
		client: redislock.New(rdb),
		ttl:    30 * time.Second,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, lineageID string) (func(), error) {
	lock, err := l.client.Obtain(ctx, "lineage:"+lineageID, l.ttl, nil)
	if err == redislock.ErrNotObtained {
		return nil, ErrBusy
	}
	if err != nil {
		return nil, err
	}
	return func() { _ = lock.Release(context.Background()) }, nil
}
