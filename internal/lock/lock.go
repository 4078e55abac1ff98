// Package lock provides named, TTL-bound mutual exclusion for periodic
// triggers. All expiry handling lives here: an expired row is treated as
// absent by Acquire, so SweepExpired is housekeeping only.
package lock

import (
	"context"
	"errors"
	"time"

	"smartseller/internal/metrics"
)

// Lock is one named guard. At most one non-expired row exists per key.
type Lock struct {
	LockKey    string    `gorm:"primaryKey"`
	Owner      string    `gorm:"not null"`
	AcquiredAt time.Time `gorm:"not null"`
	ExpiresAt  time.Time `gorm:"index;not null"`
}

type Manager interface {
	// Acquire returns false without error when a live holder exists.
	Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	// Release deletes the lock only if owner still holds it.
	Release(ctx context.Context, key, owner string) (bool, error)
	SweepExpired(ctx context.Context) (int64, error)
}

var ErrInvalidTTL = errors.New("lock: ttl must be positive")

// WithLock runs fn while holding key. On contention fn is not called and
// ran is false with a nil error.
func WithLock(ctx context.Context, m Manager, key, owner string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	ok, err := m.Acquire(ctx, key, owner, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		metrics.LockContention(key)
		return false, nil
	}
	defer func() {
		if _, relErr := m.Release(context.WithoutCancel(ctx), key, owner); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return true, fn(ctx)
}
