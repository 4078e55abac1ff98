package jobs

import (
	"time"
)

// Policy turns an execution outcome into the job's next state.
type Policy struct {
	BaseDelay          time.Duration
	RateLimitBaseDelay time.Duration
	MaxDelay           time.Duration
	MaxAttempts        int

	// Terminal categories skip the remaining attempts and dead-letter at once.
	Terminal map[Category]bool
	// RepeatedTimeoutTerminal dead-letters a job whose previous failure was
	// also a timeout.
	RepeatedTimeoutTerminal bool
}

// RefreshPolicy is the credential-refresh retry policy.
func RefreshPolicy(base, rateLimitBase, maxDelay time.Duration, maxAttempts int) *Policy {
	return &Policy{
		BaseDelay:               base,
		RateLimitBaseDelay:      rateLimitBase,
		MaxDelay:                maxDelay,
		MaxAttempts:             maxAttempts,
		Terminal:                map[Category]bool{CategoryCredentialInvalid: true},
		RepeatedTimeoutTerminal: true,
	}
}

// BoundedPolicy counts every failure and has no terminal categories.
func BoundedPolicy(base, maxDelay time.Duration, maxAttempts int) *Policy {
	return &Policy{
		BaseDelay:   base,
		MaxDelay:    maxDelay,
		MaxAttempts: maxAttempts,
	}
}

type Outcome struct {
	Success  bool
	Err      error
	Category Category
}

// Decision is the transition chosen for a reported outcome.
type Decision struct {
	Status   Status
	Category Category
	Patch    Patch
	// Flag is set when the subject must be flagged upstream, e.g. the
	// credential needs re-authorization.
	Flag bool
}

// Backoff is base * 2^attempts, capped at MaxDelay.
func (p *Policy) Backoff(c Category, attempts int) time.Duration {
	base := p.BaseDelay
	if c == CategoryRateLimited && p.RateLimitBaseDelay > 0 {
		base = p.RateLimitBaseDelay
	}
	if base <= 0 {
		base = time.Second
	}
	if attempts < 0 {
		attempts = 0
	}
	d := base
	for i := 0; i < attempts; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
		if d <= 0 { // overflow
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

func (p *Policy) maxAttempts(j *Job) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return 5
}

func (p *Policy) Decide(j *Job, out Outcome, now time.Time) Decision {
	if out.Success {
		return Decision{
			Status: StatusCompleted,
			Patch: Patch{
				Status:      ptr(StatusCompleted),
				CompletedAt: ptr(now),
				ClearLease:  true,
				ClearError:  true,
				Now:         now,
			},
		}
	}

	cat := out.Category
	if cat == "" {
		cat = Classify(out.Err)
	}
	if cat == "" {
		cat = CategoryOther
	}
	msg := string(cat)
	if out.Err != nil {
		msg = out.Err.Error()
	}

	d := Decision{Category: cat}
	attempts := j.Attempts + 1
	d.Patch = Patch{
		Attempts:          ptr(attempts),
		LastError:         ptr(msg),
		LastErrorCategory: ptr(cat),
		ClearLease:        true,
		Now:               now,
	}

	repeatedTimeout := p.RepeatedTimeoutTerminal && cat == CategoryTimeout &&
		j.LastErrorCategory != nil && *j.LastErrorCategory == CategoryTimeout

	switch {
	case p.Terminal[cat]:
		d.Status = StatusDeadLetter
		d.Flag = true
	case repeatedTimeout, attempts >= p.maxAttempts(j):
		d.Status = StatusDeadLetter
	default:
		d.Status = StatusPending
		d.Patch.ScheduledAt = ptr(now.Add(p.Backoff(cat, attempts)))
	}
	d.Patch.Status = ptr(d.Status)
	return d
}
