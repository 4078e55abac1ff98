package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartseller/internal/metrics"
)

// FlagFunc is called after a job was dead-lettered for a category that must
// be surfaced on its subject.
type FlagFunc func(ctx context.Context, j *Job, c Category) error

// Queue is the entry point used by triggers and executors for one named
// queue.
type Queue struct {
	Name    string
	Store   Store
	Policy  *Policy
	Claimer *Claimer
	Log     *zap.Logger
	Now     func() time.Time
	OnFlag  FlagFunc

	// CompletedWindow bounds completed_recent in Stats.
	CompletedWindow time.Duration
}

func NewQueue(name string, store Store, policy *Policy, log *zap.Logger) *Queue {
	if log == nil {
		log = zap.NewNop()
	}
	q := &Queue{
		Name:            name,
		Store:           store,
		Policy:          policy,
		Log:             log.With(zap.String("queue", name)),
		CompletedWindow: 24 * time.Hour,
	}
	q.Claimer = &Claimer{Store: store, Queue: name, Now: q.now}
	return q
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

type Spec struct {
	TenantID    string
	SubjectID   string
	Type        string
	Topic       string
	Priority    Priority
	ScheduledAt time.Time
	MaxAttempts int
	Payload     []byte

	DedupeKey     string
	DedupeForever bool
}

type EnqueueResult struct {
	ID      string `json:"id"`
	Created bool   `json:"created"`
}

// Enqueue inserts a pending job. When the dedupe key is already held the
// existing job's id is returned with Created=false.
func (q *Queue) Enqueue(ctx context.Context, s Spec) (EnqueueResult, error) {
	if s.Type == "" {
		return EnqueueResult{}, errors.New("jobs: job type required")
	}
	now := q.now()
	if s.ScheduledAt.IsZero() {
		s.ScheduledAt = now
	}
	if s.MaxAttempts <= 0 && q.Policy != nil {
		s.MaxAttempts = q.Policy.MaxAttempts
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = 5
	}
	payload := s.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	// one retry covers the holder reaching a terminal status between the
	// failed insert and the lookup
	for i := 0; i < 2; i++ {
		j := &Job{
			Queue:         q.Name,
			TenantID:      s.TenantID,
			SubjectID:     s.SubjectID,
			Type:          s.Type,
			Topic:         s.Topic,
			Payload:       payload,
			Priority:      s.Priority,
			Status:        StatusPending,
			ScheduledAt:   s.ScheduledAt,
			DedupeForever: s.DedupeForever,
			MaxAttempts:   s.MaxAttempts,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if s.DedupeKey != "" {
			j.DedupeKey = ptr(s.DedupeKey)
		}
		id, err := q.Store.Insert(ctx, j)
		if err == nil {
			return EnqueueResult{ID: id, Created: true}, nil
		}
		if !errors.Is(err, ErrDuplicateKey) || s.DedupeKey == "" {
			return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", s.Type, err)
		}
		if holder, err := q.dedupeHolder(ctx, s.DedupeKey, s.DedupeForever); err != nil {
			return EnqueueResult{}, err
		} else if holder != nil {
			return EnqueueResult{ID: holder.ID}, nil
		}
	}
	return EnqueueResult{}, fmt.Errorf("enqueue %s: %w", s.Type, ErrDuplicateKey)
}

func (q *Queue) dedupeHolder(ctx context.Context, key string, forever bool) (*Job, error) {
	f := Filter{Queue: q.Name, DedupeKey: key, Limit: 1}
	if !forever {
		f.Statuses = []Status{StatusPending, StatusProcessing}
	}
	found, err := q.Store.Query(ctx, f)
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return &found[0], nil
}

// ActiveByDedupeKey returns the pending or processing job holding key.
func (q *Queue) ActiveByDedupeKey(ctx context.Context, key string) (*Job, error) {
	return q.dedupeHolder(ctx, key, false)
}

func (q *Queue) ClaimBatch(ctx context.Context, workerID string, size int, lease time.Duration) ([]Job, error) {
	return q.Claimer.Claim(ctx, size, workerID, lease)
}

func (q *Queue) ReclaimStale(ctx context.Context) (int64, error) {
	n, err := q.Claimer.ReclaimStale(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.Log.Info("reclaimed stale leases", zap.Int64("count", n))
	}
	return n, nil
}

// ReportOutcome applies the retry policy to the outcome of one execution.
// It returns ErrLeaseLost when workerID no longer holds the job's lease; the
// outcome is then discarded so a reclaimed job is never charged twice.
func (q *Queue) ReportOutcome(ctx context.Context, id, workerID string, out Outcome) (Decision, error) {
	j, err := q.Store.Get(ctx, id)
	if err != nil {
		return Decision{}, err
	}
	if j.Status != StatusProcessing || j.LeaseOwner == nil || *j.LeaseOwner != workerID {
		return Decision{}, ErrLeaseLost
	}

	d := q.Policy.Decide(j, out, q.now())
	d.Patch.IfStatus = StatusProcessing
	d.Patch.IfLeaseOwner = workerID
	if err := q.Store.UpdateStatus(ctx, id, d.Patch); err != nil {
		return Decision{}, err
	}
	metrics.Outcome(q.Name, string(d.Status), string(d.Category))

	if d.Status == StatusDeadLetter {
		q.Log.Warn("job dead-lettered",
			zap.String("job_id", id),
			zap.String("type", j.Type),
			zap.String("subject_id", j.SubjectID),
			zap.String("category", string(d.Category)),
			zap.Int("attempts", j.Attempts+1))
	}
	if d.Flag && q.OnFlag != nil {
		// the transition is already committed; a failed flag is only logged
		if err := q.OnFlag(ctx, j, d.Category); err != nil {
			q.Log.Error("flag subject failed", zap.String("job_id", id), zap.String("subject_id", j.SubjectID), zap.Error(err))
		}
	}
	return d, nil
}

// Cancel stops future claims of a pending or processing job. An executor
// already running it is not interrupted.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	now := q.now()
	for _, from := range []Status{StatusPending, StatusProcessing} {
		err := q.Store.UpdateStatus(ctx, id, Patch{
			Status:      ptr(StatusCancelled),
			CompletedAt: ptr(now),
			ClearLease:  true,
			IfStatus:    from,
			Now:         now,
		})
		if !errors.Is(err, ErrLeaseLost) {
			return err
		}
	}
	return ErrLeaseLost
}

func (q *Queue) Stats(ctx context.Context) (Counts, error) {
	c, err := q.Store.Counts(ctx, q.Name, q.now().Add(-q.CompletedWindow))
	if err != nil {
		return Counts{}, err
	}
	metrics.SetJobCounts(q.Name, c.Pending, c.Processing, c.DeadLetter, c.CompletedRecent)
	return c, nil
}

// Cleanup deletes completed and cancelled jobs older than retention.
func (q *Queue) Cleanup(ctx context.Context, retention time.Duration) (int64, error) {
	return q.Store.DeleteTerminalBefore(ctx, q.Name, q.now().Add(-retention))
}
