// Package lease provides a Redis-backed distributed lease so that the
// expiry scanner and HI fetch watchdog run on at most one instance at a
// time across a deployment (spec.md §5: "Single-leader tasks ... leader
// election is abstract (lease in a shared store ...)").
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker acquires and renews a named, time-bounded lease backed by Redis.
type Locker struct {
	client *redis.Client
	holder string
}

func NewLocker(client *redis.Client) *Locker {
	return &Locker{client: client, holder: uuid.New().String()}
}

// TryAcquire attempts to become the leader for name for the given TTL. It
// returns true if this call won the lease, false if another holder
// currently has it. Uses SET NX so acquisition is atomic.
func (l *Locker) TryAcquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, leaseKey(name), l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease: acquire %s: %w", name, err)
	}
	return ok, nil
}

// Renew extends the lease TTL, but only if this Locker still holds it. Runs
// a Lua script so the compare-and-renew is atomic.
func (l *Locker) Renew(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{leaseKey(name)}, l.holder, int(ttl.Seconds())).Result()
	if err != nil {
		return false, fmt.Errorf("lease: renew %s: %w", name, err)
	}
	renewed, _ := res.(int64)
	return renewed == 1, nil
}

// Release gives up the lease, but only if this Locker still holds it.
func (l *Locker) Release(ctx context.Context, name string) error {
	_, err := releaseScript.Run(ctx, l.client, []string{leaseKey(name)}, l.holder).Result()
	if err != nil {
		return fmt.Errorf("lease: release %s: %w", name, err)
	}
	return nil
}

func leaseKey(name string) string {
	return "abdm:lease:" + name
}

var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("EXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RunWithLease runs fn on a fixed interval, but only on ticks where this
// instance successfully holds the named lease. It blocks until ctx is
// cancelled.
func (l *Locker) RunWithLease(ctx context.Context, name string, interval, ttl time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acquired, err := l.TryAcquire(ctx, name, ttl)
			if err == nil && !acquired {
				// Already held by this instance from an earlier tick: extend it.
				acquired, err = l.Renew(ctx, name, ttl)
			}
			if err != nil || !acquired {
				continue
			}
			fn(ctx)
		}
	}
}
