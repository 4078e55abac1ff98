package jobs

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestQueue(t *testing.T, maxAttempts int) (*Queue, *MemStore, *fakeClock) {
	t.Helper()
	store := NewMemStore()
	clock := newFakeClock()
	q := NewQueue(QueueRefresh, store, RefreshPolicy(time.Second, 10*time.Second, time.Hour, maxAttempts), nil)
	q.Now = clock.Now
	return q, store, clock
}

func mustEnqueue(t *testing.T, q *Queue, s Spec) string {
	t.Helper()
	res, err := q.Enqueue(context.Background(), s)
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	if !res.Created {
		t.Fatalf("Enqueue() created = false, want true")
	}
	return res.ID
}

func mustGet(t *testing.T, s Store, id string) *Job {
	t.Helper()
	j, err := s.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s) error = %v", id, err)
	}
	return j
}
