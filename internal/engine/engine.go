// Package engine assembles the queues, executors and scanners into the set of
// triggers exposed over HTTP and run by the in-process cron. Every trigger
// holds a named lock for its whole run, so overlapping invocations of the
// same trigger are skipped instead of doubled.
package engine

import (
	"context"
	"errors"
	"maps"
	"net/http"
	"slices"
	"time"

	"go.uber.org/zap"

	"smartseller/internal/backfill"
	"smartseller/internal/config"
	"smartseller/internal/credentials"
	"smartseller/internal/ingest"
	"smartseller/internal/jobs"
	"smartseller/internal/lock"
	"smartseller/internal/scheduler"
)

const (
	KeyRefreshScan   = "trigger:refresh:scan"
	KeyRefreshUrgent = "trigger:refresh:urgent"
	KeyBackfillScan  = "trigger:backfill:scan"
	KeyDeadLetter    = "trigger:dead-letter"
	KeyCleanup       = "trigger:cleanup"
)

func WorkerKey(queue string) string { return "trigger:worker:" + queue }

const (
	StatusOK      = "ok"
	StatusSkipped = "skipped"
)

const reauthMessage = "reauthorization required"

var ErrUnknownQueue = errors.New("engine: unknown queue")

// Result is what every trigger returns. Report is nil when the trigger was
// skipped.
type Result struct {
	Status string `json:"status"`
	Report any    `json:"report,omitempty"`
}

type Engine struct {
	Queues      map[string]*jobs.Queue
	Pools       map[string]*jobs.Pool
	DeadLetters []*jobs.DeadLetterProcessor
	Scheduler   *scheduler.Scheduler
	Ingest      *ingest.Service
	Locks       lock.Manager

	BatchSizes    map[string]int
	MaxConcurrent int
	Retention     time.Duration
	LockTTL       time.Duration

	Log *zap.Logger
	Now func() time.Time
}

// Deps are the backends an Engine is built on. Fetcher and Providers default
// to the HTTP clients described by Config when nil.
type Deps struct {
	Config      config.Config
	Store       jobs.Store
	Locks       lock.Manager
	Credentials credentials.Repo
	Ledger      backfill.Ledger
	Events      ingest.EventStore
	Providers   map[string]credentials.Provider
	Fetcher     backfill.Fetcher
	HTTPClient  *http.Client
	Log         *zap.Logger
	Now         func() time.Time
}

func New(d Deps) *Engine {
	cfg := d.Config
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	client := d.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	refreshPolicy := jobs.RefreshPolicy(cfg.BackoffBase, cfg.RateLimitBackoffBase, cfg.BackoffMax, cfg.MaxAttempts)

	backfillPolicy := jobs.BoundedPolicy(cfg.BackoffBase, cfg.BackoffMax, cfg.MaxAttempts)
	backfillPolicy.RateLimitBaseDelay = cfg.RateLimitBackoffBase
	backfillPolicy.Terminal = map[jobs.Category]bool{jobs.CategoryCredentialInvalid: true}

	ingestPolicy := jobs.BoundedPolicy(cfg.BackoffBase, cfg.BackoffMax, cfg.IngestMaxAttempts)

	flag := credentials.FlagReauth(d.Credentials, now)
	queue := func(name string, p *jobs.Policy) *jobs.Queue {
		q := jobs.NewQueue(name, d.Store, p, log)
		q.Now = now
		q.Claimer.Penalty = cfg.ReclaimPenalty
		return q
	}
	refreshQ := queue(jobs.QueueRefresh, refreshPolicy)
	refreshQ.OnFlag = flag
	backfillQ := queue(jobs.QueueBackfill, backfillPolicy)
	backfillQ.OnFlag = flag
	ingestQ := queue(jobs.QueueIngest, ingestPolicy)

	svc := &ingest.Service{
		Queue:    ingestQ,
		Source:   ingest.SourceMeli,
		Resolver: tenantResolver(d.Credentials),
		Log:      log.Named("ingest"),
	}

	providers := d.Providers
	if providers == nil {
		providers = map[string]credentials.Provider{
			credentials.ProviderMeli: &credentials.HTTPProvider{
				TokenURL:     cfg.ProviderTokenURL,
				ClientID:     cfg.ProviderClientID,
				ClientSecret: cfg.ProviderClientSecret,
				Client:       client,
				Now:          now,
			},
		}
	}
	fetcher := d.Fetcher
	if fetcher == nil {
		fetcher = &backfill.OrdersFetcher{
			BaseURL:     cfg.ProviderAPIURL,
			Client:      client,
			Credentials: d.Credentials,
			Ingest:      svc,
			Now:         now,
		}
	}

	refreshExec := &credentials.RefreshExecutor{Repo: d.Credentials, Providers: providers, Log: log.Named("refresh"), Now: now}
	monthExec := &backfill.MonthExecutor{Ledger: d.Ledger, Fetcher: fetcher, Now: now}
	normalizer := &ingest.Normalizer{Events: d.Events, Now: now}

	pool := func(q *jobs.Queue, ex jobs.Executors) *jobs.Pool {
		return &jobs.Pool{Queue: q, Executors: ex, Lease: cfg.Lease(), Log: log.Named("worker")}
	}

	e := &Engine{
		Queues: map[string]*jobs.Queue{
			jobs.QueueRefresh:  refreshQ,
			jobs.QueueBackfill: backfillQ,
			jobs.QueueIngest:   ingestQ,
		},
		Pools: map[string]*jobs.Pool{
			jobs.QueueRefresh:  pool(refreshQ, jobs.Executors{credentials.JobTypeRefresh: refreshExec.Execute}),
			jobs.QueueBackfill: pool(backfillQ, jobs.Executors{backfill.JobTypeMonth: monthExec.Execute}),
			jobs.QueueIngest:   pool(ingestQ, jobs.Executors{ingest.JobTypeNormalize: normalizer.Execute}),
		},
		DeadLetters: []*jobs.DeadLetterProcessor{
			jobs.NewDeadLetterProcessor(refreshQ),
			jobs.NewDeadLetterProcessor(backfillQ),
			jobs.NewDeadLetterProcessor(ingestQ),
		},
		Scheduler: &scheduler.Scheduler{
			Refresh:     refreshQ,
			Backfill:    backfillQ,
			Credentials: d.Credentials,
			Ledger:      d.Ledger,
			Horizon:     cfg.RefreshHorizon,
			Log:         log.Named("scheduler"),
			Now:         now,
		},
		Ingest: svc,
		Locks:  d.Locks,
		BatchSizes: map[string]int{
			jobs.QueueRefresh:  cfg.BatchSize,
			jobs.QueueBackfill: cfg.BatchSize,
			jobs.QueueIngest:   cfg.IngestBatchSize,
		},
		MaxConcurrent: cfg.MaxConcurrent,
		Retention:     cfg.Retention,
		Log:           log,
		Now:           now,
	}
	e.LockTTL = e.batchBound(cfg.Lease())
	return e
}

// batchBound is the longest a worker batch can run: each of the
// MaxConcurrent slots may run its share of the batch back to back, every job
// using its full lease. Scans are far shorter.
func (e *Engine) batchBound(lease time.Duration) time.Duration {
	widest := 0
	for _, n := range e.BatchSizes {
		widest = max(widest, n)
	}
	conc := max(e.MaxConcurrent, 1)
	waves := (widest + conc - 1) / conc
	return time.Duration(max(waves, 1))*lease + time.Minute
}

func tenantResolver(repo credentials.Repo) ingest.TenantResolver {
	return func(ctx context.Context, userID string) (string, error) {
		c, err := repo.Get(ctx, credentials.ProviderMeli, userID)
		if errors.Is(err, credentials.ErrNotFound) {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return c.TenantID, nil
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) log() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// guarded runs fn under key with a fresh per-invocation Run. The run's
// worker id doubles as the lock owner.
func (e *Engine) guarded(ctx context.Context, key string, fn func(ctx context.Context, run *jobs.Run) (any, error)) (Result, error) {
	run := jobs.NewRun("", e.now())
	var report any
	ran, err := lock.WithLock(ctx, e.Locks, key, run.WorkerID, e.LockTTL, func(ctx context.Context) error {
		var err error
		report, err = fn(ctx, run)
		return err
	})
	if err != nil {
		e.log().Error("trigger failed", zap.String("lock", key), zap.String("run_id", run.ID), zap.Error(err))
		return Result{}, err
	}
	if !ran {
		e.log().Info("trigger skipped", zap.String("lock", key))
		return Result{Status: StatusSkipped}, nil
	}
	return Result{Status: StatusOK, Report: report}, nil
}

func (e *Engine) ScanRefresh(ctx context.Context) (Result, error) {
	return e.guarded(ctx, KeyRefreshScan, func(ctx context.Context, run *jobs.Run) (any, error) {
		return e.Scheduler.ScanRefresh(ctx, run)
	})
}

func (e *Engine) ScanUrgent(ctx context.Context) (Result, error) {
	return e.guarded(ctx, KeyRefreshUrgent, func(ctx context.Context, run *jobs.Run) (any, error) {
		return e.Scheduler.ScanUrgent(ctx, run)
	})
}

func (e *Engine) ScanBackfill(ctx context.Context) (Result, error) {
	return e.guarded(ctx, KeyBackfillScan, func(ctx context.Context, run *jobs.Run) (any, error) {
		return e.Scheduler.ScanBackfill(ctx, run)
	})
}

// RunWorker runs one batch on the named queue.
func (e *Engine) RunWorker(ctx context.Context, queue string) (Result, error) {
	pool, ok := e.Pools[queue]
	if !ok {
		return Result{}, ErrUnknownQueue
	}
	size := e.BatchSizes[queue]
	return e.guarded(ctx, WorkerKey(queue), func(ctx context.Context, run *jobs.Run) (any, error) {
		rep, err := pool.RunBatch(ctx, run, size, e.MaxConcurrent)
		redact(&rep)
		return rep, err
	})
}

// redact hides provider detail behind credential_invalid failures.
func redact(rep *jobs.BatchReport) {
	for i := range rep.Results {
		if rep.Results[i].Category == jobs.CategoryCredentialInvalid {
			rep.Results[i].Error = reauthMessage
		}
	}
}

// ProcessDeadLetters triages every queue. A failing queue does not stop the
// others.
func (e *Engine) ProcessDeadLetters(ctx context.Context) (Result, error) {
	return e.guarded(ctx, KeyDeadLetter, func(ctx context.Context, _ *jobs.Run) (any, error) {
		var (
			reports []jobs.DeadLetterReport
			errs    []error
		)
		for _, p := range e.DeadLetters {
			rep, err := p.Process(ctx)
			if err != nil {
				errs = append(errs, err)
			}
			reports = append(reports, rep)
		}
		return reports, errors.Join(errs...)
	})
}

type CleanupReport struct {
	Deleted    map[string]int64 `json:"deleted"`
	LocksSwept int64            `json:"locks_swept"`
}

// Cleanup deletes terminal jobs past retention and sweeps expired locks.
func (e *Engine) Cleanup(ctx context.Context) (Result, error) {
	return e.guarded(ctx, KeyCleanup, func(ctx context.Context, _ *jobs.Run) (any, error) {
		rep := CleanupReport{Deleted: map[string]int64{}}
		for _, name := range slices.Sorted(maps.Keys(e.Queues)) {
			n, err := e.Queues[name].Cleanup(ctx, e.Retention)
			if err != nil {
				return rep, err
			}
			rep.Deleted[name] = n
		}
		n, err := e.Locks.SweepExpired(ctx)
		rep.LocksSwept = n
		return rep, err
	})
}

// Stats reads queue counts. It takes no lock.
func (e *Engine) Stats(ctx context.Context) (map[string]jobs.Counts, error) {
	out := make(map[string]jobs.Counts, len(e.Queues))
	for name, q := range e.Queues {
		c, err := q.Stats(ctx)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}
