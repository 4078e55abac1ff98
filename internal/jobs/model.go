package jobs

import (
	"encoding/json"
	"time"
)

type Priority int

const (
	PriorityScheduled Priority = iota
	PriorityUrgent
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityUrgent:
		return "urgent"
	default:
		return "scheduled"
	}
}

func (p Priority) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusDeadLetter Status = "dead_letter"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether no transition other than retention cleanup or a
// dead-letter requeue can leave this status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLetter || s == StatusCancelled
}

func (s Status) active() bool { return s == StatusPending || s == StatusProcessing }

type Category string

const (
	CategoryTransientNetwork  Category = "transient_network"
	CategoryRateLimited       Category = "rate_limited"
	CategoryCredentialInvalid Category = "credential_invalid"
	CategoryTimeout           Category = "timeout"
	CategoryOther             Category = "other"
)

// Queue names. Each queue is claimed independently.
const (
	QueueRefresh  = "refresh"
	QueueBackfill = "backfill"
	QueueIngest   = "ingest"
)

type Job struct {
	ID    string `gorm:"primaryKey;type:text"`
	Queue string `gorm:"type:text;not null"`

	TenantID  string `gorm:"type:text;index;not null"`
	SubjectID string `gorm:"type:text;index;not null"`
	Type      string `gorm:"type:text;not null"` // credential.refresh, backfill.month, ingest.normalize
	Topic     string `gorm:"type:text;not null;default:''"`
	Payload   []byte `gorm:"type:jsonb;not null;default:'{}'::jsonb"`

	Priority    Priority  `gorm:"not null;default:0"`
	Status      Status    `gorm:"type:text;not null;default:'pending'"`
	ScheduledAt time.Time `gorm:"type:timestamptz;not null"`

	// DedupeKey is unique per queue while the job is pending or processing,
	// and forever when DedupeForever is set.
	DedupeKey     *string `gorm:"type:text"`
	DedupeForever bool    `gorm:"not null;default:false"`

	Attempts           int `gorm:"not null;default:0"`
	MaxAttempts        int `gorm:"not null;default:5"`
	DeadLetterRequeues int `gorm:"not null;default:0"`

	LeaseOwner     *string    `gorm:"type:text"`
	LeaseExpiresAt *time.Time `gorm:"type:timestamptz"`

	LastError         *string   `gorm:"type:text"`
	LastErrorCategory *Category `gorm:"type:text"`

	// TriagedAt is set once the dead-letter processor has looked at the job
	// in its current dead_letter spell.
	TriagedAt *time.Time `gorm:"type:timestamptz"`

	CreatedAt   time.Time  `gorm:"not null;default:now()"`
	UpdatedAt   time.Time  `gorm:"not null;default:now()"`
	CompletedAt *time.Time `gorm:"type:timestamptz"`
}

func (j *Job) clone() *Job {
	c := *j
	c.Payload = append([]byte(nil), j.Payload...)
	c.DedupeKey = clonePtr(j.DedupeKey)
	c.LeaseOwner = clonePtr(j.LeaseOwner)
	c.LeaseExpiresAt = clonePtr(j.LeaseExpiresAt)
	c.LastError = clonePtr(j.LastError)
	c.LastErrorCategory = clonePtr(j.LastErrorCategory)
	c.CompletedAt = clonePtr(j.CompletedAt)
	c.TriagedAt = clonePtr(j.TriagedAt)
	return &c
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func ptr[T any](v T) *T { return &v }

// Patch is a partial update applied by Store.UpdateStatus. Nil fields are
// left untouched. IfStatus and IfLeaseOwner turn the update into a
// conditional one.
type Patch struct {
	Status             *Status
	Priority           *Priority
	ScheduledAt        *time.Time
	Attempts           *int
	MaxAttempts        *int
	DeadLetterRequeues *int
	LastError          *string
	LastErrorCategory  *Category
	CompletedAt        *time.Time
	TriagedAt          *time.Time
	ClearLease         bool
	ClearError         bool
	ClearTriaged       bool

	IfStatus     Status
	IfLeaseOwner string

	Now time.Time
}

func (p Patch) apply(j *Job) {
	if p.Status != nil {
		j.Status = *p.Status
	}
	if p.Priority != nil {
		j.Priority = *p.Priority
	}
	if p.ScheduledAt != nil {
		j.ScheduledAt = *p.ScheduledAt
	}
	if p.Attempts != nil {
		j.Attempts = *p.Attempts
	}
	if p.MaxAttempts != nil {
		j.MaxAttempts = *p.MaxAttempts
	}
	if p.DeadLetterRequeues != nil {
		j.DeadLetterRequeues = *p.DeadLetterRequeues
	}
	if p.ClearError {
		j.LastError, j.LastErrorCategory = nil, nil
	}
	if p.LastError != nil {
		j.LastError = ptr(*p.LastError)
	}
	if p.LastErrorCategory != nil {
		j.LastErrorCategory = ptr(*p.LastErrorCategory)
	}
	if p.CompletedAt != nil {
		j.CompletedAt = ptr(*p.CompletedAt)
	}
	if p.ClearLease {
		j.LeaseOwner, j.LeaseExpiresAt = nil, nil
	}
	if p.ClearTriaged {
		j.TriagedAt = nil
	}
	if p.TriagedAt != nil {
		j.TriagedAt = ptr(*p.TriagedAt)
	}
	j.UpdatedAt = p.Now
}

func (p Patch) columns() map[string]any {
	m := map[string]any{"updated_at": p.Now}
	if p.Status != nil {
		m["status"] = *p.Status
	}
	if p.Priority != nil {
		m["priority"] = *p.Priority
	}
	if p.ScheduledAt != nil {
		m["scheduled_at"] = *p.ScheduledAt
	}
	if p.Attempts != nil {
		m["attempts"] = *p.Attempts
	}
	if p.MaxAttempts != nil {
		m["max_attempts"] = *p.MaxAttempts
	}
	if p.DeadLetterRequeues != nil {
		m["dead_letter_requeues"] = *p.DeadLetterRequeues
	}
	if p.ClearError {
		m["last_error"] = nil
		m["last_error_category"] = nil
	}
	if p.LastError != nil {
		m["last_error"] = *p.LastError
	}
	if p.LastErrorCategory != nil {
		m["last_error_category"] = *p.LastErrorCategory
	}
	if p.CompletedAt != nil {
		m["completed_at"] = *p.CompletedAt
	}
	if p.ClearLease {
		m["lease_owner"] = nil
		m["lease_expires_at"] = nil
	}
	if p.ClearTriaged {
		m["triaged_at"] = nil
	}
	if p.TriagedAt != nil {
		m["triaged_at"] = *p.TriagedAt
	}
	return m
}

type Filter struct {
	Queue     string
	Statuses  []Status
	Type      string
	TenantID  string
	SubjectID string
	DedupeKey string
	// Untriaged keeps only jobs the dead-letter processor has not seen yet.
	Untriaged bool
	Limit     int
}

func (f Filter) match(j *Job) bool {
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	if f.TenantID != "" && j.TenantID != f.TenantID {
		return false
	}
	if f.SubjectID != "" && j.SubjectID != f.SubjectID {
		return false
	}
	if f.DedupeKey != "" && (j.DedupeKey == nil || *j.DedupeKey != f.DedupeKey) {
		return false
	}
	if f.Untriaged && j.TriagedAt != nil {
		return false
	}
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if j.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type ClaimParams struct {
	Queue     string
	WorkerID  string
	BatchSize int
	Lease     time.Duration
	Now       time.Time
}

type Counts struct {
	Pending         int64 `json:"pending"`
	Processing      int64 `json:"processing"`
	DeadLetter      int64 `json:"dead_letter"`
	CompletedRecent int64 `json:"completed_recent"`
	Cancelled       int64 `json:"cancelled"`
}
