package credentials

import (
	"context"
	"errors"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotFound = errors.New("credentials: not found")
	// ErrReauthRequired means the seller has to go through the OAuth consent
	// again. It is the only detail ever surfaced for an invalid credential.
	ErrReauthRequired = errors.New("reauthorization required")
)

type Repo interface {
	// ExpiringWithin lists active credentials expiring at or before before,
	// soonest first.
	ExpiringWithin(ctx context.Context, before time.Time) ([]Credential, error)
	Get(ctx context.Context, provider, subjectID string) (*Credential, error)
	SaveTokens(ctx context.Context, id uint64, t Tokens, now time.Time) error
	MarkReauthRequired(ctx context.Context, provider, subjectID string, now time.Time) error
}

// ActiveToken returns the access token for a subject that is still usable.
func ActiveToken(ctx context.Context, repo Repo, provider, subjectID string, now time.Time) (string, error) {
	c, err := repo.Get(ctx, provider, subjectID)
	if err != nil {
		return "", err
	}
	if c.Status == StatusReauthRequired {
		return "", ErrReauthRequired
	}
	if !c.ExpiresAt.After(now) {
		return "", errTokenExpired
	}
	return c.AccessToken, nil
}

var errTokenExpired = errors.New("credentials: access token expired, refresh pending")

type GormRepo struct {
	DB *gorm.DB
}

func (r *GormRepo) ExpiringWithin(ctx context.Context, before time.Time) ([]Credential, error) {
	var out []Credential
	err := r.DB.WithContext(ctx).
		Where("status = ? and expires_at <= ?", StatusActive, before).
		Order("expires_at asc").
		Find(&out).Error
	return out, err
}

func (r *GormRepo) Get(ctx context.Context, provider, subjectID string) (*Credential, error) {
	var c Credential
	err := r.DB.WithContext(ctx).
		Where("provider = ? and subject_id = ?", provider, subjectID).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormRepo) SaveTokens(ctx context.Context, id uint64, t Tokens, now time.Time) error {
	res := r.DB.WithContext(ctx).Model(&Credential{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"access_token":      t.AccessToken,
			"refresh_token":     t.RefreshToken,
			"expires_at":        t.ExpiresAt,
			"scopes":            pq.StringArray(t.Scopes),
			"status":            StatusActive,
			"last_refreshed_at": now,
			"updated_at":        now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *GormRepo) MarkReauthRequired(ctx context.Context, provider, subjectID string, now time.Time) error {
	return r.DB.WithContext(ctx).Model(&Credential{}).
		Where("provider = ? and subject_id = ?", provider, subjectID).
		Updates(map[string]any{"status": StatusReauthRequired, "updated_at": now}).Error
}

// Upsert stores a credential issued by the OAuth install flow.
func (r *GormRepo) Upsert(ctx context.Context, c *Credential) error {
	return r.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider"}, {Name: "subject_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "access_token", "refresh_token", "expires_at", "status", "scopes", "updated_at"}),
	}).Create(c).Error
}
