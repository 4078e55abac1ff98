package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-process Store with the same atomicity guarantees as Repo.
// It backs STORE_DRIVER=memory and the tests.
type MemStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemStore() *MemStore {
	return &MemStore{jobs: map[string]*Job{}}
}

func (m *MemStore) Insert(_ context.Context, j *Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if _, ok := m.jobs[j.ID]; ok {
		return "", ErrDuplicateKey
	}
	if j.Status == "" {
		j.Status = StatusPending
	}
	if j.DedupeKey != nil && m.dedupeHeld(j.Queue, *j.DedupeKey, j.Status, j.DedupeForever, "") {
		return "", ErrDuplicateKey
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	m.jobs[j.ID] = j.clone()
	return j.ID, nil
}

// dedupeHeld mirrors the partial unique index on (queue, dedupe_key).
func (m *MemStore) dedupeHeld(queue, key string, status Status, forever bool, self string) bool {
	if !forever && !status.active() {
		return false
	}
	for _, o := range m.jobs {
		if o.ID == self || o.Queue != queue || o.DedupeKey == nil || *o.DedupeKey != key {
			continue
		}
		if o.DedupeForever || o.Status.active() {
			return true
		}
	}
	return false
}

func (m *MemStore) Get(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.clone(), nil
}

func (m *MemStore) UpdateStatus(_ context.Context, id string, p Patch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if p.IfStatus != "" && j.Status != p.IfStatus {
		return ErrLeaseLost
	}
	if p.IfLeaseOwner != "" && (j.LeaseOwner == nil || *j.LeaseOwner != p.IfLeaseOwner) {
		return ErrLeaseLost
	}
	next := j.clone()
	p.apply(next)
	if next.DedupeKey != nil && m.dedupeHeld(next.Queue, *next.DedupeKey, next.Status, next.DedupeForever, id) {
		return ErrDuplicateKey
	}
	m.jobs[id] = next
	return nil
}

func (m *MemStore) Query(_ context.Context, f Filter) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Job
	for _, j := range m.jobs {
		if f.match(j) {
			out = append(out, *j.clone())
		}
	}
	sort.SliceStable(out, func(a, b int) bool {
		if out[a].Priority != out[b].Priority {
			return out[a].Priority > out[b].Priority
		}
		if !out[a].ScheduledAt.Equal(out[b].ScheduledAt) {
			return out[a].ScheduledAt.Before(out[b].ScheduledAt)
		}
		return out[a].CreatedAt.Before(out[b].CreatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemStore) Claim(_ context.Context, p ClaimParams) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var eligible []*Job
	for _, j := range m.jobs {
		if j.Queue == p.Queue && j.Status == StatusPending && !j.ScheduledAt.After(p.Now) {
			eligible = append(eligible, j)
		}
	}
	sort.SliceStable(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		if !eligible[a].ScheduledAt.Equal(eligible[b].ScheduledAt) {
			return eligible[a].ScheduledAt.Before(eligible[b].ScheduledAt)
		}
		return eligible[a].CreatedAt.Before(eligible[b].CreatedAt)
	})
	if len(eligible) > p.BatchSize {
		eligible = eligible[:p.BatchSize]
	}

	out := make([]Job, 0, len(eligible))
	expires := p.Now.Add(p.Lease)
	for _, j := range eligible {
		j.Status = StatusProcessing
		j.LeaseOwner = ptr(p.WorkerID)
		j.LeaseExpiresAt = ptr(expires)
		j.UpdatedAt = p.Now
		out = append(out, *j.clone())
	}
	return out, nil
}

func (m *MemStore) ReclaimStale(_ context.Context, queue string, now time.Time, penalty bool) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, j := range m.jobs {
		if j.Queue != queue || j.Status != StatusProcessing || j.LeaseExpiresAt == nil || !j.LeaseExpiresAt.Before(now) {
			continue
		}
		j.Status = StatusPending
		j.LastError = ptr(leaseExpired)
		j.LastErrorCategory = nil
		if penalty {
			j.Attempts++
			j.LastErrorCategory = ptr(CategoryTimeout)
			if j.Attempts >= j.MaxAttempts {
				j.Status = StatusDeadLetter
			}
		}
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (m *MemStore) Counts(_ context.Context, queue string, completedSince time.Time) (Counts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var c Counts
	for _, j := range m.jobs {
		if j.Queue != queue {
			continue
		}
		if j.Status == StatusCompleted && (j.CompletedAt == nil || j.CompletedAt.Before(completedSince)) {
			continue
		}
		c.add(j.Status, 1)
	}
	return c, nil
}

func (m *MemStore) DeleteTerminalBefore(_ context.Context, queue string, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, j := range m.jobs {
		if j.Queue != queue || (j.Status != StatusCompleted && j.Status != StatusCancelled) {
			continue
		}
		at := j.UpdatedAt
		if j.CompletedAt != nil {
			at = *j.CompletedAt
		}
		if at.Before(cutoff) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}
