package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"smartseller/internal/jobs"
)

// Normalizer is the executor for JobTypeNormalize.
type Normalizer struct {
	Events EventStore
	Now    func() time.Time
}

func (n *Normalizer) Execute(ctx context.Context, _ *jobs.Run, j *jobs.Job) error {
	var p jobPayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return jobs.Fail(jobs.CategoryOther, fmt.Errorf("decode payload: %w", err))
	}
	var note Notification
	if err := json.Unmarshal(p.Notification, &note); err != nil {
		return jobs.Fail(jobs.CategoryOther, fmt.Errorf("decode notification: %w", err))
	}
	kind, ok := KindFor(note.Topic)
	if !ok {
		// accepted under an older topic set
		return jobs.Fail(jobs.CategoryOther, fmt.Errorf("topic %q is not supported", note.Topic))
	}

	now := time.Now()
	if n.Now != nil {
		now = n.Now()
	}
	occurred := now
	if note.DateCreated != "" {
		if t, err := time.Parse(time.RFC3339, note.DateCreated); err == nil {
			occurred = t
		}
	}

	source := j.ID
	if j.DedupeKey != nil {
		source = *j.DedupeKey
	}
	_, err := n.Events.Insert(ctx, &DomainEvent{
		SourceKey:    source,
		EventType:    kind.EventType,
		TenantID:     j.TenantID,
		SubjectID:    j.SubjectID,
		EntityType:   kind.EntityType,
		EntityID:     EntityID(note.Resource),
		Payload:      p.Notification,
		OccurredAt:   occurred,
		NormalizedAt: now,
	})
	if err != nil {
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}
