// Package scheduler decides which refresh and backfill jobs should exist and
// upserts them. Scans are idempotent: running one twice leaves one job per
// subject (or per backfill month).
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"smartseller/internal/backfill"
	"smartseller/internal/credentials"
	"smartseller/internal/jobs"
)

const (
	CriticalWindow = 5 * time.Minute
	UrgentWindow   = 30 * time.Minute
)

// PriorityFor tiers a credential by its remaining lifetime.
func PriorityFor(remaining time.Duration) jobs.Priority {
	switch {
	case remaining < CriticalWindow:
		return jobs.PriorityCritical
	case remaining < UrgentWindow:
		return jobs.PriorityUrgent
	default:
		return jobs.PriorityScheduled
	}
}

// refreshAt is the earliest useful refresh time: immediately for urgent and
// critical credentials, otherwise when the credential enters the urgent
// window.
func refreshAt(now, expires time.Time, p jobs.Priority) time.Time {
	if p != jobs.PriorityScheduled {
		return now
	}
	if at := expires.Add(-UrgentWindow); at.After(now) {
		return at
	}
	return now
}

type Scheduler struct {
	Refresh     *jobs.Queue
	Backfill    *jobs.Queue
	Credentials credentials.Repo
	Ledger      backfill.Ledger
	// Horizon bounds how far ahead ScanRefresh looks.
	Horizon time.Duration
	Log     *zap.Logger
	Now     func() time.Time
}

type SubjectError struct {
	SubjectID string `json:"subject_id"`
	Error     string `json:"error"`
}

type ScanReport struct {
	Examined int            `json:"examined"`
	Enqueued int            `json:"enqueued"`
	Updated  int            `json:"updated"`
	Skipped  int            `json:"skipped"`
	Errors   []SubjectError `json:"errors,omitempty"`
}

func (r *ScanReport) fail(subject string, err error) {
	r.Errors = append(r.Errors, SubjectError{SubjectID: subject, Error: err.Error()})
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scheduler) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}

// ScanRefresh upserts a refresh job for every active credential expiring
// within the horizon. A failure on one subject is recorded in the report and
// the scan moves on; only a failure to list credentials is returned.
func (s *Scheduler) ScanRefresh(ctx context.Context, run *jobs.Run) (ScanReport, error) {
	return s.scanRefresh(ctx, run, s.Horizon)
}

// ScanUrgent is ScanRefresh limited to the critical window, for the
// every-minute trigger.
func (s *Scheduler) ScanUrgent(ctx context.Context, run *jobs.Run) (ScanReport, error) {
	return s.scanRefresh(ctx, run, CriticalWindow)
}

func (s *Scheduler) scanRefresh(ctx context.Context, run *jobs.Run, horizon time.Duration) (ScanReport, error) {
	var rep ScanReport
	now := s.now()
	creds, err := s.Credentials.ExpiringWithin(ctx, now.Add(horizon))
	if err != nil {
		return rep, fmt.Errorf("list expiring credentials: %w", err)
	}

	for i := range creds {
		c := &creds[i]
		rep.Examined++
		outcome, err := s.upsertRefresh(ctx, c, now)
		if err != nil {
			rep.fail(c.SubjectID, err)
			s.log().Warn("refresh upsert failed",
				zap.String("run_id", run.ID),
				zap.String("subject_id", c.SubjectID),
				zap.Error(err))
			continue
		}
		switch outcome {
		case created:
			rep.Enqueued++
		case updated:
			rep.Updated++
		default:
			rep.Skipped++
		}
	}

	s.log().Info("refresh scan finished",
		zap.String("run_id", run.ID),
		zap.Duration("horizon", horizon),
		zap.Int("examined", rep.Examined),
		zap.Int("enqueued", rep.Enqueued),
		zap.Int("updated", rep.Updated),
		zap.Int("errors", len(rep.Errors)))
	return rep, nil
}

type upsertOutcome int

const (
	unchanged upsertOutcome = iota
	created
	updated
)

func (s *Scheduler) upsertRefresh(ctx context.Context, c *credentials.Credential, now time.Time) (upsertOutcome, error) {
	prio := PriorityFor(c.ExpiresAt.Sub(now))
	at := refreshAt(now, c.ExpiresAt, prio)

	res, err := s.Refresh.Enqueue(ctx, jobs.Spec{
		TenantID:    c.TenantID,
		SubjectID:   c.SubjectID,
		Type:        credentials.JobTypeRefresh,
		Priority:    prio,
		ScheduledAt: at,
		Payload:     credentials.Payload{Provider: c.Provider}.Marshal(),
		DedupeKey:   credentials.RefreshDedupeKey(c.Provider, c.SubjectID),
	})
	if err != nil {
		return unchanged, err
	}
	if res.Created {
		return created, nil
	}

	cur, err := s.Refresh.Store.Get(ctx, res.ID)
	if err != nil {
		return unchanged, err
	}
	if cur.Status != jobs.StatusPending {
		return unchanged, nil
	}
	p := jobs.Patch{IfStatus: jobs.StatusPending, Now: now}
	if prio > cur.Priority {
		p.Priority = &prio
	}
	if at.Before(cur.ScheduledAt) {
		p.ScheduledAt = &at
	}
	if p.Priority == nil && p.ScheduledAt == nil {
		return unchanged, nil
	}
	err = s.Refresh.Store.UpdateStatus(ctx, cur.ID, p)
	if errors.Is(err, jobs.ErrLeaseLost) {
		// claimed since we looked; the running refresh covers it
		return unchanged, nil
	}
	if err != nil {
		return unchanged, err
	}
	return updated, nil
}

// ScanBackfill enqueues every outstanding month of every backfill request.
// Months in the ledger are never enqueued again; a month whose job is still
// active is left alone; a month whose job was dead-lettered gets a new job.
func (s *Scheduler) ScanBackfill(ctx context.Context, run *jobs.Run) (ScanReport, error) {
	var rep ScanReport
	reqs, err := s.Ledger.Requests(ctx)
	if err != nil {
		return rep, fmt.Errorf("list backfill requests: %w", err)
	}

	for i := range reqs {
		r := &reqs[i]
		if err := s.scanRequest(ctx, r, &rep); err != nil {
			rep.fail(r.SubjectID, err)
			s.log().Warn("backfill scan failed",
				zap.String("run_id", run.ID),
				zap.String("subject_id", r.SubjectID),
				zap.Error(err))
		}
	}

	s.log().Info("backfill scan finished",
		zap.String("run_id", run.ID),
		zap.Int("examined", rep.Examined),
		zap.Int("enqueued", rep.Enqueued),
		zap.Int("skipped", rep.Skipped),
		zap.Int("errors", len(rep.Errors)))
	return rep, nil
}

func (s *Scheduler) scanRequest(ctx context.Context, r *backfill.Request, rep *ScanReport) error {
	c, err := s.Credentials.Get(ctx, r.Provider, r.SubjectID)
	if err != nil {
		return err
	}
	months := backfill.Months(r.RequestedAt, r.Months)
	if c.Status == credentials.StatusReauthRequired {
		rep.Examined += len(months)
		rep.Skipped += len(months)
		return nil
	}

	done, err := s.Ledger.Completed(ctx, r.Provider, r.SubjectID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, m := range months {
		rep.Examined++
		if done[m] {
			rep.Skipped++
			continue
		}
		res, err := s.Backfill.Enqueue(ctx, jobs.Spec{
			TenantID:    r.TenantID,
			SubjectID:   r.SubjectID,
			Type:        backfill.JobTypeMonth,
			Priority:    jobs.PriorityScheduled,
			ScheduledAt: now,
			Payload:     backfill.Payload{Provider: r.Provider, Month: m}.Marshal(),
			DedupeKey:   backfill.DedupeKey(r.Provider, r.SubjectID, m),
		})
		if err != nil {
			return fmt.Errorf("enqueue %s: %w", m, err)
		}
		if res.Created {
			rep.Enqueued++
		} else {
			rep.Skipped++
		}
	}
	return nil
}
