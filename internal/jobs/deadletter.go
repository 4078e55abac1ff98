package jobs

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"smartseller/internal/metrics"
)

// DeadLetterProcessor triages dead-lettered jobs on its own cadence.
// credential_invalid jobs are only reported. Jobs that exhausted their
// attempts on a retryable category get up to MaxRequeues more tries. Each
// dead_letter spell is triaged once; a requeue starts a new one.
type DeadLetterProcessor struct {
	Queue       *Queue
	MaxRequeues int
	BatchSize   int
	Requeueable map[Category]bool
}

func NewDeadLetterProcessor(q *Queue) *DeadLetterProcessor {
	return &DeadLetterProcessor{
		Queue:       q,
		MaxRequeues: 1,
		BatchSize:   200,
		Requeueable: map[Category]bool{
			CategoryTransientNetwork: true,
			CategoryRateLimited:      true,
			CategoryTimeout:          true,
			CategoryOther:            true,
		},
	}
}

type DeadLetterEntry struct {
	JobID     string   `json:"job_id"`
	SubjectID string   `json:"subject_id"`
	Type      string   `json:"type"`
	Category  Category `json:"category"`
	Attempts  int      `json:"attempts"`
	Action    string   `json:"action"`
}

type DeadLetterReport struct {
	Queue          string            `json:"queue"`
	Examined       int               `json:"examined"`
	Requeued       int               `json:"requeued"`
	ReauthRequired int               `json:"reauth_required"`
	Reported       int               `json:"reported"`
	Superseded     int               `json:"superseded"`
	ByCategory     map[Category]int  `json:"by_category"`
	Entries        []DeadLetterEntry `json:"entries"`
}

const (
	actionRequeued   = "requeued"
	actionReauth     = "reauth_required"
	actionReported   = "reported"
	actionSuperseded = "superseded"
)

func (d *DeadLetterProcessor) Process(ctx context.Context) (DeadLetterReport, error) {
	q := d.Queue
	rep := DeadLetterReport{Queue: q.Name, ByCategory: map[Category]int{}}

	// triaged rows stay dead_letter; without the marker they would fill
	// every batch and starve newer entries
	dead, err := q.Store.Query(ctx, Filter{
		Queue:     q.Name,
		Statuses:  []Status{StatusDeadLetter},
		Untriaged: true,
		Limit:     d.BatchSize,
	})
	if err != nil {
		return rep, err
	}

	now := q.now()
	for i := range dead {
		j := &dead[i]
		cat := CategoryOther
		if j.LastErrorCategory != nil {
			cat = *j.LastErrorCategory
		}
		rep.Examined++
		rep.ByCategory[cat]++
		e := DeadLetterEntry{JobID: j.ID, SubjectID: j.SubjectID, Type: j.Type, Category: cat, Attempts: j.Attempts}

		switch {
		case cat == CategoryCredentialInvalid:
			e.Action = actionReauth
			rep.ReauthRequired++
		case d.Requeueable[cat] && j.DeadLetterRequeues < d.MaxRequeues:
			err := q.Store.UpdateStatus(ctx, j.ID, Patch{
				Status:             ptr(StatusPending),
				ScheduledAt:        ptr(now),
				MaxAttempts:        ptr(j.Attempts + 1),
				DeadLetterRequeues: ptr(j.DeadLetterRequeues + 1),
				ClearTriaged:       true,
				IfStatus:           StatusDeadLetter,
				Now:                now,
			})
			switch {
			case err == nil:
				e.Action = actionRequeued
				rep.Requeued++
			case errors.Is(err, ErrDuplicateKey):
				// a newer job for the same key is already queued
				e.Action = actionSuperseded
				rep.Superseded++
			case errors.Is(err, ErrLeaseLost):
				continue
			default:
				return rep, err
			}
		default:
			e.Action = actionReported
			rep.Reported++
		}
		if e.Action != actionRequeued {
			err := q.Store.UpdateStatus(ctx, j.ID, Patch{TriagedAt: ptr(now), IfStatus: StatusDeadLetter, Now: now})
			if err != nil && !errors.Is(err, ErrLeaseLost) {
				return rep, err
			}
		}
		rep.Entries = append(rep.Entries, e)
	}

	metrics.DeadLetterTriage(q.Name, actionRequeued, rep.Requeued)
	metrics.DeadLetterTriage(q.Name, actionReauth, rep.ReauthRequired)
	metrics.DeadLetterTriage(q.Name, actionReported, rep.Reported)
	metrics.DeadLetterTriage(q.Name, actionSuperseded, rep.Superseded)
	if rep.Examined > 0 {
		q.Log.Info("dead letters triaged",
			zap.Int("examined", rep.Examined),
			zap.Int("requeued", rep.Requeued),
			zap.Int("reauth_required", rep.ReauthRequired),
			zap.Int("reported", rep.Reported))
	}
	return rep, nil
}
