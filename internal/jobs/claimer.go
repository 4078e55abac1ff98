package jobs

import (
	"context"
	"errors"
	"time"

	"smartseller/internal/metrics"
)

var ErrInvalidClaim = errors.New("jobs: invalid claim arguments")

// Claimer hands out leases on one queue. An empty batch is a normal result.
type Claimer struct {
	Store Store
	Queue string
	// Penalty charges an attempt to jobs whose lease expired.
	Penalty bool
	Now     func() time.Time
}

func (c *Claimer) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Claimer) Claim(ctx context.Context, batchSize int, workerID string, lease time.Duration) ([]Job, error) {
	if batchSize <= 0 || workerID == "" || lease <= 0 {
		return nil, ErrInvalidClaim
	}
	out, err := c.Store.Claim(ctx, ClaimParams{
		Queue:     c.Queue,
		WorkerID:  workerID,
		BatchSize: batchSize,
		Lease:     lease,
		Now:       c.now(),
	})
	if err != nil {
		return nil, err
	}
	metrics.Claimed(c.Queue, len(out))
	return out, nil
}

func (c *Claimer) ReclaimStale(ctx context.Context) (int64, error) {
	n, err := c.Store.ReclaimStale(ctx, c.Queue, c.now(), c.Penalty)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.Reclaimed(c.Queue, n)
	}
	return n, nil
}
