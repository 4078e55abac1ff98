// Package credentials holds the OAuth credential records whose expiry drives
// the refresh queue, and the executor that refreshes them.
package credentials

import (
	"time"

	"github.com/lib/pq"
)

const ProviderMeli = "meli"

type Status string

const (
	StatusActive         Status = "active"
	StatusReauthRequired Status = "reauth_required"
)

// Credential is one connected seller account. (provider, subject_id) is
// unique; subject_id is the provider-side store id.
type Credential struct {
	ID           uint64 `gorm:"primaryKey"`
	TenantID     string `gorm:"index;not null"`
	SubjectID    string `gorm:"not null;uniqueIndex:uq_credentials_provider_subject,priority:2"`
	Provider     string `gorm:"not null;uniqueIndex:uq_credentials_provider_subject,priority:1"`
	AccessToken  string `gorm:"type:text;not null"`
	RefreshToken string `gorm:"type:text;not null"`

	ExpiresAt time.Time `gorm:"index;not null"`
	Status    Status    `gorm:"not null;default:'active'"`

	Scopes pq.StringArray `gorm:"type:text[];not null;default:'{}'"`

	LastRefreshedAt *time.Time `gorm:"type:timestamptz"`
	CreatedAt       time.Time  `gorm:"not null;default:now()"`
	UpdatedAt       time.Time  `gorm:"not null;default:now()"`
}

// Tokens is a freshly issued token pair.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
}
