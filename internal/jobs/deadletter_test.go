package jobs

import (
	"context"
	"testing"
	"time"
)

// deadLetter enqueues a job and fails it once on a queue with maxAttempts 1.
func deadLetter(t *testing.T, q *Queue, s Spec, cat Category) string {
	t.Helper()
	id := mustEnqueue(t, q, s)
	if d := claimAndFail(t, q, "w", cat); d.Status != StatusDeadLetter {
		t.Fatalf("status = %s, want dead_letter", d.Status)
	}
	return id
}

func TestDeadLetterProcessor_Triage(t *testing.T) {
	q, store, clock := newTestQueue(t, 1)
	ctx := context.Background()

	reauth := deadLetter(t, q, Spec{Type: "t", SubjectID: "a"}, CategoryCredentialInvalid)
	flaky := deadLetter(t, q, Spec{Type: "t", SubjectID: "b"}, CategoryTransientNetwork)

	dlq := NewDeadLetterProcessor(q)
	rep, err := dlq.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rep.Examined != 2 || rep.ReauthRequired != 1 || rep.Requeued != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.ByCategory[CategoryCredentialInvalid] != 1 || rep.ByCategory[CategoryTransientNetwork] != 1 {
		t.Errorf("by category = %v", rep.ByCategory)
	}

	if j := mustGet(t, store, reauth); j.Status != StatusDeadLetter {
		t.Errorf("credential_invalid job status = %s, want dead_letter", j.Status)
	}
	j := mustGet(t, store, flaky)
	if j.Status != StatusPending || j.MaxAttempts != 2 || j.DeadLetterRequeues != 1 {
		t.Fatalf("requeued job = %s max=%d requeues=%d", j.Status, j.MaxAttempts, j.DeadLetterRequeues)
	}

	// the requeued job fails again and stays dead this time
	clock.Advance(time.Minute)
	if d := claimAndFail(t, q, "w", CategoryTransientNetwork); d.Status != StatusDeadLetter {
		t.Fatalf("second failure status = %s, want dead_letter", d.Status)
	}
	rep, err = dlq.Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rep.Requeued != 0 || rep.Reported != 1 {
		t.Fatalf("second report = %+v", rep)
	}
}

func TestDeadLetterProcessor_Superseded(t *testing.T) {
	q, store, _ := newTestQueue(t, 1)
	ctx := context.Background()

	old := deadLetter(t, q, Spec{Type: "t", SubjectID: "s", DedupeKey: "refresh:s"}, CategoryTimeout)
	mustEnqueue(t, q, Spec{Type: "t", SubjectID: "s", DedupeKey: "refresh:s"})

	rep, err := NewDeadLetterProcessor(q).Process(ctx)
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}
	if rep.Superseded != 1 || rep.Requeued != 0 {
		t.Fatalf("report = %+v", rep)
	}
	if j := mustGet(t, store, old); j.Status != StatusDeadLetter {
		t.Fatalf("superseded job status = %s, want dead_letter", j.Status)
	}
}

func TestDeadLetterProcessor_BacklogLargerThanBatch(t *testing.T) {
	q, store, clock := newTestQueue(t, 1)
	ctx := context.Background()

	deadLetter(t, q, Spec{Type: "t", SubjectID: "a"}, CategoryCredentialInvalid)
	clock.Advance(time.Second)
	deadLetter(t, q, Spec{Type: "t", SubjectID: "b"}, CategoryCredentialInvalid)
	clock.Advance(time.Second)
	flaky := deadLetter(t, q, Spec{Type: "t", SubjectID: "c"}, CategoryTransientNetwork)

	dlq := NewDeadLetterProcessor(q)
	dlq.BatchSize = 2

	var examined []int
	for i := 0; i < 3; i++ {
		rep, err := dlq.Process(ctx)
		if err != nil {
			t.Fatalf("Process() round %d error = %v", i+1, err)
		}
		examined = append(examined, rep.Examined)
	}
	if examined[0] != 2 || examined[1] != 1 || examined[2] != 0 {
		t.Fatalf("examined per round = %v, want [2 1 0]", examined)
	}

	j := mustGet(t, store, flaky)
	if j.Status != StatusPending || j.DeadLetterRequeues != 1 || j.TriagedAt != nil {
		t.Fatalf("transient job = %s requeues=%d triaged=%v", j.Status, j.DeadLetterRequeues, j.TriagedAt)
	}
}
