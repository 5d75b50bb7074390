package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrLocked is returned when another holder owns the lock.
var ErrLocked = errors.New("platform/cache: lock held elsewhere")

// Locker serialises work across processes sharing one Redis.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewLocker builds a Locker whose leases expire after ttl unless refreshed.
func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Locker{client: redislock.New(client), ttl: ttl}
}

// WithLock runs fn while holding key. The lease is refreshed every half TTL
// so long runs keep ownership; fn's context is cancelled if a refresh fails.
// A nil Locker runs fn unguarded.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return fmt.Errorf("%w: %s", ErrLocked, key)
	}
	if err != nil {
		return fmt.Errorf("platform/cache: obtain %s: %w", key, err)
	}
	defer func() {
		// Release with a fresh context so a cancelled run still frees the key.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lock.Release(releaseCtx)
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go l.keepAlive(runCtx, lock, cancel)

	return fn(runCtx)
}

func (l *Locker) keepAlive(ctx context.Context, lock *redislock.Lock, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(l.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
				cancel(fmt.Errorf("platform/cache: lost lock %s: %w", lock.Key(), err))
				return
			}
		}
	}
}
