package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestClaim_NoDoubleClaim(t *testing.T) {
	q, store, clock := newTestQueue(t, 5)
	ctx := context.Background()

	const total = 200
	for i := 0; i < total; i++ {
		mustEnqueue(t, q, Spec{Type: "t", SubjectID: fmt.Sprintf("s-%d", i)})
	}

	const workers = 16
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[string]string{}
		dups []string
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				got, err := store.Claim(ctx, ClaimParams{
					Queue: QueueRefresh, WorkerID: worker, BatchSize: 7, Lease: time.Minute, Now: clock.Now(),
				})
				if err != nil {
					t.Errorf("Claim() error = %v", err)
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, j := range got {
					if prev, ok := seen[j.ID]; ok {
						dups = append(dups, fmt.Sprintf("%s claimed by %s and %s", j.ID, prev, worker))
					}
					seen[j.ID] = worker
				}
				mu.Unlock()
			}
		}(fmt.Sprintf("w-%d", w))
	}
	wg.Wait()

	if len(dups) > 0 {
		t.Fatalf("double claims: %v", dups)
	}
	if len(seen) != total {
		t.Fatalf("claimed %d distinct jobs, want %d", len(seen), total)
	}
}

func TestClaim_PriorityOrdering(t *testing.T) {
	q, _, _ := newTestQueue(t, 5)
	ctx := context.Background()

	for _, p := range []Priority{PriorityScheduled, PriorityCritical, PriorityUrgent} {
		mustEnqueue(t, q, Spec{Type: "t", SubjectID: p.String(), Priority: p})
	}

	want := []Priority{PriorityCritical, PriorityUrgent, PriorityScheduled}
	for i, w := range want {
		got, err := q.ClaimBatch(ctx, "w", 1, time.Minute)
		if err != nil {
			t.Fatalf("ClaimBatch() error = %v", err)
		}
		if len(got) != 1 {
			t.Fatalf("claim %d returned %d jobs, want 1", i, len(got))
		}
		if got[0].Priority != w {
			t.Errorf("claim %d priority = %s, want %s", i, got[0].Priority, w)
		}
	}
}

func TestClaim_NotBeforeScheduledAt(t *testing.T) {
	q, _, clock := newTestQueue(t, 5)
	ctx := context.Background()

	mustEnqueue(t, q, Spec{Type: "t", ScheduledAt: clock.Now().Add(time.Minute)})

	got, err := q.ClaimBatch(ctx, "w", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ClaimBatch() returned %d jobs before scheduled_at, want 0", len(got))
	}

	clock.Advance(time.Minute)
	got, err = q.ClaimBatch(ctx, "w", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch() error = %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("ClaimBatch() returned %d jobs at scheduled_at, want 1", len(got))
	}
	j := got[0]
	if j.Status != StatusProcessing || j.LeaseOwner == nil || *j.LeaseOwner != "w" {
		t.Fatalf("claimed job = status %s owner %v, want processing owned by w", j.Status, j.LeaseOwner)
	}
	if want := clock.Now().Add(time.Minute); !j.LeaseExpiresAt.Equal(want) {
		t.Errorf("lease_expires_at = %v, want %v", j.LeaseExpiresAt, want)
	}
}

func TestInsert_DedupeActiveOnly(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	key := "refresh:store-1"

	first := &Job{Queue: QueueRefresh, Type: "t", DedupeKey: &key}
	id, err := store.Insert(ctx, first)
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}

	_, err = store.Insert(ctx, &Job{Queue: QueueRefresh, Type: "t", DedupeKey: &key})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("second Insert() error = %v, want ErrDuplicateKey", err)
	}

	// same key on another queue is independent
	if _, err := store.Insert(ctx, &Job{Queue: QueueBackfill, Type: "t", DedupeKey: &key}); err != nil {
		t.Fatalf("Insert() on other queue error = %v", err)
	}

	if err := store.UpdateStatus(ctx, id, Patch{Status: ptr(StatusCompleted)}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	if _, err := store.Insert(ctx, &Job{Queue: QueueRefresh, Type: "t", DedupeKey: &key}); err != nil {
		t.Fatalf("Insert() after completion error = %v", err)
	}
}

func TestInsert_DedupeForever(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	key := "evt-1"

	id, err := store.Insert(ctx, &Job{Queue: QueueIngest, Type: "t", DedupeKey: &key, DedupeForever: true})
	if err != nil {
		t.Fatalf("Insert() error = %v", err)
	}
	if err := store.UpdateStatus(ctx, id, Patch{Status: ptr(StatusCompleted)}); err != nil {
		t.Fatalf("UpdateStatus() error = %v", err)
	}
	_, err = store.Insert(ctx, &Job{Queue: QueueIngest, Type: "t", DedupeKey: &key, DedupeForever: true})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("Insert() after completion error = %v, want ErrDuplicateKey", err)
	}
}

func TestReclaimStale(t *testing.T) {
	tests := []struct {
		name         string
		penalty      bool
		attempts     int
		wantStatus   Status
		wantAttempts int
		wantCategory Category
	}{
		{"no penalty", false, 4, StatusPending, 4, ""},
		{"penalty charges attempt", true, 1, StatusPending, 2, CategoryTimeout},
		{"penalty exhausts", true, 4, StatusDeadLetter, 5, CategoryTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemStore()
			ctx := context.Background()
			now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

			id, err := store.Insert(ctx, &Job{Queue: QueueRefresh, Type: "t", Attempts: tt.attempts, MaxAttempts: 5, ScheduledAt: now})
			if err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
			if _, err := store.Claim(ctx, ClaimParams{Queue: QueueRefresh, WorkerID: "w", BatchSize: 1, Lease: time.Second, Now: now}); err != nil {
				t.Fatalf("Claim() error = %v", err)
			}

			// lease still live
			n, err := store.ReclaimStale(ctx, QueueRefresh, now, tt.penalty)
			if err != nil || n != 0 {
				t.Fatalf("ReclaimStale() before expiry = %d, %v; want 0, nil", n, err)
			}

			n, err = store.ReclaimStale(ctx, QueueRefresh, now.Add(2*time.Second), tt.penalty)
			if err != nil || n != 1 {
				t.Fatalf("ReclaimStale() = %d, %v; want 1, nil", n, err)
			}
			j := mustGet(t, store, id)
			if j.Status != tt.wantStatus || j.Attempts != tt.wantAttempts {
				t.Errorf("job = %s/%d attempts, want %s/%d", j.Status, j.Attempts, tt.wantStatus, tt.wantAttempts)
			}
			if j.LeaseOwner != nil || j.LeaseExpiresAt != nil {
				t.Errorf("lease not cleared: owner=%v expires=%v", j.LeaseOwner, j.LeaseExpiresAt)
			}
			var gotCategory Category
			if j.LastErrorCategory != nil {
				gotCategory = *j.LastErrorCategory
			}
			if gotCategory != tt.wantCategory || j.LastError == nil || *j.LastError != leaseExpired {
				t.Errorf("last error = %v/%q, want %v/%q", j.LastError, gotCategory, leaseExpired, tt.wantCategory)
			}
		})
	}
}

func TestUpdateStatus_Guards(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	now := time.Now()

	id, _ := store.Insert(ctx, &Job{Queue: QueueRefresh, Type: "t", ScheduledAt: now})
	if _, err := store.Claim(ctx, ClaimParams{Queue: QueueRefresh, WorkerID: "a", BatchSize: 1, Lease: time.Minute, Now: now}); err != nil {
		t.Fatalf("Claim() error = %v", err)
	}

	err := store.UpdateStatus(ctx, id, Patch{Status: ptr(StatusCompleted), IfLeaseOwner: "b"})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("UpdateStatus() wrong owner error = %v, want ErrLeaseLost", err)
	}
	err = store.UpdateStatus(ctx, id, Patch{Status: ptr(StatusCompleted), IfStatus: StatusPending})
	if !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("UpdateStatus() wrong status error = %v, want ErrLeaseLost", err)
	}
	if err := store.UpdateStatus(ctx, "missing", Patch{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateStatus() missing error = %v, want ErrNotFound", err)
	}
	if err := store.UpdateStatus(ctx, id, Patch{Status: ptr(StatusCompleted), ClearLease: true, IfLeaseOwner: "a"}); err != nil {
		t.Fatalf("UpdateStatus() owner error = %v", err)
	}
}
