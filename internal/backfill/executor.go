package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smartseller/internal/jobs"
)

// Fetcher imports one month of history and returns how many records it
// handed on. It must tolerate being called again for the same unit.
type Fetcher interface {
	FetchMonth(ctx context.Context, run *jobs.Run, u Unit) (int, error)
}

// MonthExecutor is the executor for JobTypeMonth.
type MonthExecutor struct {
	Ledger  Ledger
	Fetcher Fetcher
	Now     func() time.Time
}

func (e *MonthExecutor) Execute(ctx context.Context, run *jobs.Run, j *jobs.Job) error {
	var p Payload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return jobs.Fail(jobs.CategoryOther, fmt.Errorf("decode payload: %w", err))
	}
	from, to, err := MonthRange(p.Month)
	if err != nil {
		return jobs.Fail(jobs.CategoryOther, fmt.Errorf("bad month %q: %w", p.Month, err))
	}

	done, err := e.Ledger.Completed(ctx, p.Provider, j.SubjectID)
	if err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	if done[p.Month] {
		return nil
	}

	n, err := e.Fetcher.FetchMonth(ctx, run, Unit{
		TenantID:  j.TenantID,
		SubjectID: j.SubjectID,
		Provider:  p.Provider,
		Month:     p.Month,
		From:      from,
		To:        to,
	})
	if err != nil {
		return err
	}

	now := time.Now()
	if e.Now != nil {
		now = e.Now()
	}
	if err := e.Ledger.MarkComplete(ctx, LedgerEntry{
		Provider:    p.Provider,
		SubjectID:   j.SubjectID,
		Month:       p.Month,
		Records:     n,
		CompletedAt: now,
	}); err != nil {
		return fmt.Errorf("mark %s complete: %w", p.Month, err)
	}
	return nil
}
