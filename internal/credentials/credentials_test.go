package credentials

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"smartseller/internal/jobs"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func tokenServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type = %q", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "rt-old" {
			t.Errorf("refresh_token = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPProvider_Refresh(t *testing.T) {
	srv := tokenServer(t, http.StatusOK, `{"access_token":"at-new","refresh_token":"rt-new","expires_in":21600,"scope":"offline_access read"}`)
	p := &HTTPProvider{TokenURL: srv.URL, ClientID: "id", ClientSecret: "s", Now: func() time.Time { return t0 }}

	got, err := p.Refresh(context.Background(), "rt-old")
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if got.AccessToken != "at-new" || got.RefreshToken != "rt-new" {
		t.Errorf("tokens = %+v", got)
	}
	if want := t0.Add(6 * time.Hour); !got.ExpiresAt.Equal(want) {
		t.Errorf("expires_at = %v, want %v", got.ExpiresAt, want)
	}
	if len(got.Scopes) != 2 {
		t.Errorf("scopes = %v", got.Scopes)
	}
}

func TestHTTPProvider_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantCat jobs.Category
		reauth  bool
	}{
		{"invalid grant", http.StatusBadRequest, `{"error":"invalid_grant"}`, jobs.CategoryCredentialInvalid, true},
		{"unauthorized", http.StatusUnauthorized, `{}`, jobs.CategoryCredentialInvalid, true},
		{"rate limited", http.StatusTooManyRequests, `{"error":"local_rate_limited"}`, jobs.CategoryRateLimited, false},
		{"upstream down", http.StatusBadGateway, `bad gateway`, jobs.CategoryTransientNetwork, false},
		{"bad request", http.StatusBadRequest, `{"error":"invalid_client"}`, jobs.CategoryOther, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := tokenServer(t, tt.status, tt.body)
			p := &HTTPProvider{TokenURL: srv.URL}

			_, err := p.Refresh(context.Background(), "rt-old")
			if err == nil {
				t.Fatal("Refresh() error = nil")
			}
			if got := errors.Is(err, ErrReauthRequired); got != tt.reauth {
				t.Errorf("errors.Is(ErrReauthRequired) = %v, want %v", got, tt.reauth)
			}
			if got := jobs.Classify(categorize(err)); got != tt.wantCat {
				t.Errorf("category = %s, want %s", got, tt.wantCat)
			}
		})
	}
}

type stubProvider struct {
	calls int
	tok   Tokens
	err   error
}

func (s *stubProvider) Refresh(context.Context, string) (Tokens, error) {
	s.calls++
	return s.tok, s.err
}

func seed(t *testing.T, repo *MemRepo, subject string, expires time.Time) {
	t.Helper()
	err := repo.Upsert(context.Background(), &Credential{
		TenantID: "tn", SubjectID: subject, Provider: ProviderMeli,
		AccessToken: "at-old", RefreshToken: "rt-old", ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
}

func refreshJob(subject string) *jobs.Job {
	return &jobs.Job{ID: "j1", SubjectID: subject, Type: JobTypeRefresh, Payload: Payload{Provider: ProviderMeli}.Marshal(), CreatedAt: t0}
}

func TestRefreshExecutor_SavesTokens(t *testing.T) {
	repo := NewMemRepo()
	seed(t, repo, "store-1", t0.Add(10*time.Minute))
	stub := &stubProvider{tok: Tokens{AccessToken: "at-new", ExpiresAt: t0.Add(6 * time.Hour)}}
	now := t0.Add(time.Minute)
	e := &RefreshExecutor{Repo: repo, Providers: map[string]Provider{ProviderMeli: stub}, Now: func() time.Time { return now }}

	if err := e.Execute(context.Background(), jobs.NewRun("w", now), refreshJob("store-1")); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	c, _ := repo.Get(context.Background(), ProviderMeli, "store-1")
	if c.AccessToken != "at-new" || c.RefreshToken != "rt-old" || !c.ExpiresAt.Equal(t0.Add(6*time.Hour)) {
		t.Fatalf("credential = %+v", c)
	}

	// a second delivery of the same job does not call the provider again
	if err := e.Execute(context.Background(), jobs.NewRun("w", now), refreshJob("store-1")); err != nil {
		t.Fatalf("second Execute() error = %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("provider called %d times, want 1", stub.calls)
	}
}

func TestRefreshExecutor_ReauthFlow(t *testing.T) {
	repo := NewMemRepo()
	seed(t, repo, "store-2", t0.Add(time.Minute))
	e := &RefreshExecutor{Repo: repo, Providers: map[string]Provider{ProviderMeli: &stubProvider{err: ErrReauthRequired}}}

	q := jobs.NewQueue(jobs.QueueRefresh, jobs.NewMemStore(), jobs.RefreshPolicy(time.Second, time.Second, time.Minute, 5), nil)
	q.Now = func() time.Time { return t0 }
	q.OnFlag = FlagReauth(repo, q.Now)
	if _, err := q.Enqueue(context.Background(), jobs.Spec{Type: JobTypeRefresh, SubjectID: "store-2", Payload: Payload{Provider: ProviderMeli}.Marshal()}); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	pool := &jobs.Pool{Queue: q, Lease: time.Second, Executors: jobs.Executors{JobTypeRefresh: e.Execute}}
	rep, err := pool.RunBatch(context.Background(), jobs.NewRun("w", t0), 5, 1)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if rep.DeadLetter != 1 {
		t.Fatalf("report = %+v, want one dead letter", rep)
	}
	c, _ := repo.Get(context.Background(), ProviderMeli, "store-2")
	if c.Status != StatusReauthRequired {
		t.Fatalf("credential status = %s, want reauth_required", c.Status)
	}
	if rep.Results[0].Error != ErrReauthRequired.Error() {
		t.Errorf("surfaced error = %q, want %q", rep.Results[0].Error, ErrReauthRequired.Error())
	}
}

func TestActiveToken(t *testing.T) {
	repo := NewMemRepo()
	ctx := context.Background()
	seed(t, repo, "live", t0.Add(time.Hour))
	seed(t, repo, "stale", t0.Add(-time.Minute))
	seed(t, repo, "revoked", t0.Add(time.Hour))
	_ = repo.MarkReauthRequired(ctx, ProviderMeli, "revoked", t0)

	if tok, err := ActiveToken(ctx, repo, ProviderMeli, "live", t0); err != nil || tok != "at-old" {
		t.Errorf("ActiveToken(live) = %q, %v", tok, err)
	}
	if _, err := ActiveToken(ctx, repo, ProviderMeli, "stale", t0); err == nil {
		t.Error("ActiveToken(stale) error = nil")
	}
	if _, err := ActiveToken(ctx, repo, ProviderMeli, "revoked", t0); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("ActiveToken(revoked) error = %v, want ErrReauthRequired", err)
	}
	if _, err := ActiveToken(ctx, repo, ProviderMeli, "missing", t0); !errors.Is(err, ErrNotFound) {
		t.Errorf("ActiveToken(missing) error = %v, want ErrNotFound", err)
	}
}

func TestExpiringWithin(t *testing.T) {
	repo := NewMemRepo()
	seed(t, repo, "later", t0.Add(90*time.Minute))
	seed(t, repo, "soon", t0.Add(3*time.Minute))
	seed(t, repo, "far", t0.Add(5*time.Hour))

	got, err := repo.ExpiringWithin(context.Background(), t0.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ExpiringWithin() error = %v", err)
	}
	if len(got) != 2 || got[0].SubjectID != "soon" || got[1].SubjectID != "later" {
		t.Fatalf("ExpiringWithin() = %v", got)
	}
}
