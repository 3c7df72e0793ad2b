// Package lock provides Redis backed mutual exclusion for periodic maintenance
// that must run on a single worker at a time.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned by Run when another holder owns the lock.
var ErrBusy = errors.New("lock: held by another worker")

// Locker obtains short lived named locks.
type Locker struct {
	client *redislock.Client
	prefix string
	logger *slog.Logger
}

// New constructs a Locker over the given Redis client.
func New(rdb *redis.Client, prefix string, logger *slog.Logger) *Locker {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = "saf:lock"
	}
	return &Locker{client: redislock.New(rdb), prefix: prefix, logger: logger}
}

// Key builds the fully qualified lock key.
func (l *Locker) Key(name string) string {
	return fmt.Sprintf("%s:%s", l.prefix, name)
}

// Run executes fn while holding the named lock for at most ttl. It returns
// ErrBusy without calling fn when the lock is already taken.
func (l *Locker) Run(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	key := l.Key(name)
	held, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrBusy
	}
	if err != nil {
		return fmt.Errorf("lock: obtain %s: %w", key, err)
	}
	defer func() {
		// The lock may already have expired when fn overran ttl.
		if err := held.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("lock release", slog.String("key", key), slog.Any("error", err))
		}
	}()

	runCtx, cancel := context.WithTimeout(ctx, ttl)
	defer cancel()
	return fn(runCtx)
}
