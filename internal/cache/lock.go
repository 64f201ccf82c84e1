package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrLockHeld = errors.New("cache: lock held by another process")
	ErrLockLost = errors.New("cache: lock lost")
)

// unlockLua deletes the lock only if the caller still owns it.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// refreshLua extends the TTL only if the caller still owns the lock.
const refreshLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// Lock is a held SETNX lock. The ledger takes one at startup so two
// processes never append to the same event log.
type Lock struct {
	rdb       *redis.Client
	key       string
	token     string
	ttl       time.Duration
	unlockSc  *redis.Script
	refreshSc *redis.Script

	once sync.Once
}

// AcquireLock takes "lock:<name>" for ttl, or returns ErrLockHeld.
func AcquireLock(ctx context.Context, c *Client, name string, ttl time.Duration) (*Lock, error) {
	l := &Lock{
		rdb:       c.Underlying(),
		key:       "lock:" + name,
		token:     uuid.New().String(),
		ttl:       ttl,
		unlockSc:  redis.NewScript(unlockLua),
		refreshSc: redis.NewScript(refreshLua),
	}
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return l, nil
}

// Refresh extends the lock; ErrLockLost once another owner holds it or it expired.
func (l *Lock) Refresh(ctx context.Context) error {
	n, err := l.refreshSc.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis: refresh lock: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// Keep refreshes the lock every ttl/3 until ctx is done, then releases it.
// It returns ErrLockLost if ownership is lost on the way.
func (l *Lock) Keep(ctx context.Context) error {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	defer l.Release()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// Transient errors are retried on the next tick; the TTL
			// bounds how long the lock survives them.
			if err := l.Refresh(ctx); errors.Is(err, ErrLockLost) {
				return err
			}
		}
	}
}

// Release gives the lock up. Safe to call more than once.
func (l *Lock) Release() {
	l.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.unlockSc.Run(ctx, l.rdb, []string{l.key}, l.token).Err()
	})
}
