package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DomainEvent is the normalized record downstream consumers read. One
// notification yields at most one event per event type.
type DomainEvent struct {
	ID           uint64          `gorm:"primaryKey"`
	SourceKey    string          `gorm:"not null;uniqueIndex:uq_domain_events_source,priority:1"`
	EventType    string          `gorm:"not null;uniqueIndex:uq_domain_events_source,priority:2"`
	TenantID     string          `gorm:"index;not null;default:''"`
	SubjectID    string          `gorm:"index;not null"`
	EntityType   string          `gorm:"not null"`
	EntityID     string          `gorm:"not null"`
	Payload      json.RawMessage `gorm:"type:jsonb;not null;default:'{}'::jsonb"`
	OccurredAt   time.Time       `gorm:"index;not null"`
	NormalizedAt time.Time       `gorm:"not null"`
}

type EventStore interface {
	// Insert stores e unless an event with the same source key and type
	// exists. inserted is false for the duplicate.
	Insert(ctx context.Context, e *DomainEvent) (inserted bool, err error)
}

type GormEvents struct {
	DB *gorm.DB
}

func (s *GormEvents) Insert(ctx context.Context, e *DomainEvent) (bool, error) {
	res := s.DB.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source_key"}, {Name: "event_type"}},
			DoNothing: true,
		}).
		Create(e)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

type MemEvents struct {
	mu     sync.Mutex
	nextID uint64
	events []DomainEvent
}

func (s *MemEvents) Insert(_ context.Context, e *DomainEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, cur := range s.events {
		if cur.SourceKey == e.SourceKey && cur.EventType == e.EventType {
			return false, nil
		}
	}
	s.nextID++
	e.ID = s.nextID
	s.events = append(s.events, *e)
	return true, nil
}

func (s *MemEvents) All() []DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DomainEvent(nil), s.events...)
}
