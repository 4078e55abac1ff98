package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"smartseller/internal/metrics"
)

// Executor performs one job. A nil error is success; failures may be tagged
// with Fail to pick a retry category. Executors must be idempotent: a job can
// run again after a reclaim or a cancellation.
type Executor func(ctx context.Context, run *Run, j *Job) error

type Executors map[string]Executor

// Pool claims jobs from a Queue and runs them with bounded concurrency.
type Pool struct {
	Queue     *Queue
	Executors Executors
	Lease     time.Duration
	Log       *zap.Logger
}

type JobResult struct {
	JobID    string   `json:"job_id"`
	Type     string   `json:"type"`
	Status   Status   `json:"status"`
	Category Category `json:"category,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type BatchReport struct {
	WorkerID   string        `json:"worker_id"`
	Reclaimed  int64         `json:"reclaimed"`
	Claimed    int           `json:"claimed"`
	Succeeded  int           `json:"succeeded"`
	Retried    int           `json:"retried"`
	DeadLetter int           `json:"dead_letter"`
	LeaseLost  int           `json:"lease_lost"`
	Abandoned  int           `json:"abandoned"`
	Duration   time.Duration `json:"duration_ns"`
	Results    []JobResult   `json:"results"`
}

var (
	errNoExecutor = errors.New("no executor registered")
	// errAbandoned marks a job whose run was cut short by the caller's
	// context rather than by its own deadline.
	errAbandoned = errors.New("run abandoned before the job finished")
)

// reportGrace keeps a lease alive past the execution deadline long enough
// for the timeout outcome to be written by its owner.
const reportGrace = 5 * time.Second

// RunBatch reclaims stale leases, then claims and runs up to batchSize jobs
// for run.WorkerID with at most maxConcurrent in flight. Jobs are claimed
// only as slots free up, so a leased job never waits for a slot while its
// lease runs down. Each job's outcome is written back on its own; a store
// error on one report does not undo the others and is returned joined after
// the whole batch was attempted.
func (p *Pool) RunBatch(ctx context.Context, run *Run, batchSize, maxConcurrent int) (BatchReport, error) {
	start := time.Now()
	rep := BatchReport{WorkerID: run.WorkerID}
	log := p.log().With(zap.String("worker_id", run.WorkerID), zap.String("run_id", run.ID))

	reclaimed, err := p.Queue.ReclaimStale(ctx)
	if err != nil {
		return rep, fmt.Errorf("reclaim stale: %w", err)
	}
	rep.Reclaimed = reclaimed

	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	var (
		mu        sync.Mutex
		reportErr []error
		claimErr  error
	)
	slots := semaphore.NewWeighted(int64(maxConcurrent))
	g := new(errgroup.Group)

	for rep.Claimed < batchSize && ctx.Err() == nil {
		if err := slots.Acquire(ctx, 1); err != nil {
			break
		}
		free := 1
		for free < batchSize-rep.Claimed && slots.TryAcquire(1) {
			free++
		}
		claimed, err := p.Queue.ClaimBatch(ctx, run.WorkerID, free, p.Lease+reportGrace)
		if err != nil {
			slots.Release(int64(free))
			claimErr = fmt.Errorf("claim: %w", err)
			break
		}
		slots.Release(int64(free - len(claimed)))
		rep.Claimed += len(claimed)

		for i := range claimed {
			j := &claimed[i]
			g.Go(func() error {
				defer slots.Release(1)
				res, err := p.process(ctx, run, j, log)
				mu.Lock()
				defer mu.Unlock()
				rep.Results = append(rep.Results, res)
				switch {
				case errors.Is(err, ErrLeaseLost):
					rep.LeaseLost++
				case errors.Is(err, errAbandoned):
					rep.Abandoned++
				case err != nil:
					reportErr = append(reportErr, err)
				case res.Status == StatusCompleted:
					rep.Succeeded++
				case res.Status == StatusDeadLetter:
					rep.DeadLetter++
				case res.Status == StatusPending:
					rep.Retried++
				}
				return nil
			})
		}
		if len(claimed) < free {
			break
		}
	}
	_ = g.Wait()

	if rep.Claimed == 0 {
		return rep, claimErr
	}
	rep.Duration = time.Since(start)
	metrics.BatchDuration(p.Queue.Name, rep.Duration)
	log.Info("batch finished",
		zap.Int("claimed", rep.Claimed),
		zap.Int("succeeded", rep.Succeeded),
		zap.Int("retried", rep.Retried),
		zap.Int("dead_letter", rep.DeadLetter),
		zap.Int("abandoned", rep.Abandoned),
		zap.Duration("duration", rep.Duration))

	return rep, errors.Join(append(reportErr, claimErr)...)
}

func (p *Pool) process(ctx context.Context, run *Run, j *Job, log *zap.Logger) (JobResult, error) {
	res := JobResult{JobID: j.ID, Type: j.Type}

	execErr := p.execute(ctx, run, j)
	if errors.Is(execErr, errAbandoned) {
		// nothing is charged; the lease runs out and the job is reclaimed
		res.Status = StatusProcessing
		res.Error = execErr.Error()
		log.Warn("job abandoned", zap.String("job_id", j.ID), zap.String("type", j.Type))
		return res, execErr
	}
	out := Outcome{Success: execErr == nil, Err: execErr}
	if execErr != nil {
		res.Error = execErr.Error()
		if errors.Is(execErr, errNoExecutor) {
			out.Category = CategoryOther
		}
		log.Warn("job failed",
			zap.String("job_id", j.ID),
			zap.String("type", j.Type),
			zap.String("subject_id", j.SubjectID),
			zap.Int("attempt", j.Attempts+1),
			zap.Error(execErr))
	}

	// the lease context may be done; the outcome still has to be written
	reportCtx := context.WithoutCancel(ctx)
	d, err := p.Queue.ReportOutcome(reportCtx, j.ID, run.WorkerID, out)
	if err != nil {
		if errors.Is(err, ErrLeaseLost) {
			log.Warn("lease lost before report", zap.String("job_id", j.ID))
			return res, err
		}
		log.Error("report outcome failed", zap.String("job_id", j.ID), zap.Error(err))
		return res, fmt.Errorf("report %s: %w", j.ID, err)
	}
	res.Status = d.Status
	res.Category = d.Category
	return res, nil
}

// execute runs the executor bounded by the lease. A hung executor is
// abandoned at the deadline and reported as a timeout. When ctx itself ends
// first the run is abandoned without an outcome.
func (p *Pool) execute(ctx context.Context, run *Run, j *Job) error {
	exec, ok := p.Executors[j.Type]
	if !ok {
		return fmt.Errorf("%w for %q", errNoExecutor, j.Type)
	}

	jobCtx, cancel := context.WithTimeout(ctx, p.Lease)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Fail(CategoryOther, fmt.Errorf("executor panic: %v", r))
			}
		}()
		done <- exec(jobCtx, run, j)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() != nil {
			return errAbandoned
		}
		if err != nil && jobCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return Fail(CategoryTimeout, err)
		}
		return err
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			return errAbandoned
		}
		return Fail(CategoryTimeout, fmt.Errorf("job timed out after %s", p.Lease))
	}
}

func (p *Pool) log() *zap.Logger {
	if p.Log != nil {
		return p.Log
	}
	return p.Queue.Log
}
