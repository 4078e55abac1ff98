package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"smartseller/internal/jobs"
)

// JobTypeRefresh is the refresh queue's only job type.
const JobTypeRefresh = "credential.refresh"

// Payload is carried by every job acting on a credential.
type Payload struct {
	Provider string `json:"provider"`
}

func (p Payload) Marshal() []byte {
	b, _ := json.Marshal(p)
	return b
}

func providerOf(j *jobs.Job) string {
	var p Payload
	if len(j.Payload) > 0 {
		_ = json.Unmarshal(j.Payload, &p)
	}
	if p.Provider == "" {
		return ProviderMeli
	}
	return p.Provider
}

func RefreshDedupeKey(provider, subjectID string) string {
	return "refresh:" + provider + ":" + subjectID
}

// RefreshExecutor refreshes the credential named by a job's subject.
type RefreshExecutor struct {
	Repo      Repo
	Providers map[string]Provider
	Log       *zap.Logger
	Now       func() time.Time
}

func (e *RefreshExecutor) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *RefreshExecutor) Execute(ctx context.Context, run *jobs.Run, j *jobs.Job) error {
	provider := providerOf(j)
	c, err := e.Repo.Get(ctx, provider, j.SubjectID)
	if err != nil {
		return fmt.Errorf("load credential %s: %w", j.SubjectID, err)
	}
	if c.Status == StatusReauthRequired {
		return jobs.Fail(jobs.CategoryCredentialInvalid, ErrReauthRequired)
	}
	// refreshed by someone else after this job was queued
	if c.LastRefreshedAt != nil && c.LastRefreshedAt.After(j.CreatedAt) {
		return nil
	}

	p, ok := e.Providers[provider]
	if !ok {
		return fmt.Errorf("no provider client for %q", provider)
	}
	t, err := p.Refresh(ctx, c.RefreshToken)
	if err != nil {
		return categorize(err)
	}
	if t.RefreshToken == "" {
		t.RefreshToken = c.RefreshToken
	}
	if err := e.Repo.SaveTokens(ctx, c.ID, t, e.now()); err != nil {
		return fmt.Errorf("save tokens: %w", err)
	}
	if e.Log != nil {
		e.Log.Info("credential refreshed",
			zap.String("run_id", run.ID),
			zap.String("subject_id", j.SubjectID),
			zap.Time("expires_at", t.ExpiresAt))
	}
	return nil
}

// categorize maps token endpoint failures onto retry categories. Plain
// transport errors are left to jobs.Classify.
func categorize(err error) error {
	if errors.Is(err, ErrReauthRequired) {
		return jobs.Fail(jobs.CategoryCredentialInvalid, err)
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		switch {
		case pe.StatusCode == http.StatusTooManyRequests:
			return jobs.Fail(jobs.CategoryRateLimited, err)
		case pe.StatusCode >= 500:
			return jobs.Fail(jobs.CategoryTransientNetwork, err)
		}
		return jobs.Fail(jobs.CategoryOther, err)
	}
	return err
}

// FlagReauth marks the job's credential as needing re-authorization once the
// queue dead-letters it as credential_invalid.
func FlagReauth(repo Repo, now func() time.Time) jobs.FlagFunc {
	return func(ctx context.Context, j *jobs.Job, c jobs.Category) error {
		if c != jobs.CategoryCredentialInvalid {
			return nil
		}
		return repo.MarkReauthRequired(ctx, providerOf(j), j.SubjectID, now())
	}
}
