package lock

import (
	"context"
	"sync"
	"time"
)

// MemManager is the single-process Manager used by tests and the memory
// store driver.
type MemManager struct {
	Now func() time.Time

	mu    sync.Mutex
	locks map[string]Lock
}

func NewMemManager() *MemManager {
	return &MemManager{locks: map[string]Lock{}}
}

func (m *MemManager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemManager) Acquire(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if cur, ok := m.locks[key]; ok && cur.ExpiresAt.After(now) {
		return false, nil
	}
	m.locks[key] = Lock{LockKey: key, Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemManager) Release(_ context.Context, key, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.locks[key]
	if !ok || cur.Owner != owner {
		return false, nil
	}
	delete(m.locks, key)
	return true, nil
}

func (m *MemManager) SweepExpired(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for k, l := range m.locks {
		if !l.ExpiresAt.After(now) {
			delete(m.locks, k)
			n++
		}
	}
	return n, nil
}
