package credentials

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemRepo struct {
	mu     sync.Mutex
	nextID uint64
	rows   map[string]*Credential
}

func NewMemRepo() *MemRepo {
	return &MemRepo{rows: map[string]*Credential{}}
}

func memKey(provider, subjectID string) string { return provider + "\x00" + subjectID }

func (r *MemRepo) Upsert(_ context.Context, c *Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	k := memKey(c.Provider, c.SubjectID)
	if cur, ok := r.rows[k]; ok {
		c.ID = cur.ID
	} else {
		r.nextID++
		c.ID = r.nextID
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	cp := *c
	cp.Scopes = append(cp.Scopes[:0:0], c.Scopes...)
	r.rows[k] = &cp
	return nil
}

func (r *MemRepo) ExpiringWithin(_ context.Context, before time.Time) ([]Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Credential
	for _, c := range r.rows {
		if c.Status == StatusActive && !c.ExpiresAt.After(before) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	return out, nil
}

func (r *MemRepo) Get(_ context.Context, provider, subjectID string) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.rows[memKey(provider, subjectID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *MemRepo) SaveTokens(_ context.Context, id uint64, t Tokens, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range r.rows {
		if c.ID != id {
			continue
		}
		c.AccessToken = t.AccessToken
		c.RefreshToken = t.RefreshToken
		c.ExpiresAt = t.ExpiresAt
		c.Scopes = append(c.Scopes[:0:0], t.Scopes...)
		c.Status = StatusActive
		c.LastRefreshedAt = &now
		c.UpdatedAt = now
		return nil
	}
	return ErrNotFound
}

func (r *MemRepo) MarkReauthRequired(_ context.Context, provider, subjectID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.rows[memKey(provider, subjectID)]; ok {
		c.Status = StatusReauthRequired
		c.UpdatedAt = now
	}
	return nil
}
