package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned by Insert when the dedupe key is already
	// held. Callers treat it as "already enqueued".
	ErrDuplicateKey = errors.New("jobs: duplicate key")
	ErrNotFound     = errors.New("jobs: not found")
	// ErrLeaseLost is returned by a conditional update whose guard no longer
	// holds, e.g. the lease was reclaimed and handed to another worker.
	ErrLeaseLost = errors.New("jobs: lease lost")
)

// leaseExpired is the last_error left by a stale reclaim. Without a reclaim
// penalty the category stays empty: the attempt was never charged.
const leaseExpired = "lease expired"

// Store is the durable table of job records. Every method is a single atomic
// operation; Claim is the only place job ownership is decided.
type Store interface {
	Insert(ctx context.Context, j *Job) (string, error)
	Get(ctx context.Context, id string) (*Job, error)
	UpdateStatus(ctx context.Context, id string, p Patch) error
	Query(ctx context.Context, f Filter) ([]Job, error)

	// Claim moves up to BatchSize eligible pending jobs to processing and
	// stamps the lease. Concurrent callers never receive the same job.
	Claim(ctx context.Context, p ClaimParams) ([]Job, error)
	// ReclaimStale returns processing jobs whose lease expired before now to
	// pending. With penalty, the orphaned attempt is charged and jobs that
	// run out of attempts go to dead_letter.
	ReclaimStale(ctx context.Context, queue string, now time.Time, penalty bool) (int64, error)

	Counts(ctx context.Context, queue string, completedSince time.Time) (Counts, error)
	DeleteTerminalBefore(ctx context.Context, queue string, cutoff time.Time) (int64, error)
}
