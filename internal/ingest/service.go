package ingest

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"smartseller/internal/jobs"
)

const (
	JobTypeNormalize = "ingest.normalize"
	SourceMeli       = "meli"
)

// TenantResolver maps a provider seller id to the owning tenant. An empty
// tenant with a nil error means the seller is not connected yet.
type TenantResolver func(ctx context.Context, userID string) (string, error)

// Service is the ingest boundary: it validates and enqueues, nothing more.
// Normalization happens later in a worker batch.
type Service struct {
	Queue    *jobs.Queue
	Source   string
	Resolver TenantResolver
	Log      *zap.Logger
}

type Receipt struct {
	JobID     string `json:"job_id"`
	Created   bool   `json:"created"`
	DedupeKey string `json:"dedupe_key"`
	EventType string `json:"event_type"`
}

// jobPayload is what a normalize job carries.
type jobPayload struct {
	Source       string          `json:"source"`
	Notification json.RawMessage `json:"notification"`
}

func (s *Service) source() string {
	if s.Source != "" {
		return s.Source
	}
	return SourceMeli
}

// Accept validates raw and enqueues it for normalization. A redelivery of a
// notification already accepted returns the original job with Created=false.
func (s *Service) Accept(ctx context.Context, raw []byte) (Receipt, error) {
	return s.accept(ctx, raw, func(n Notification) string { return DedupeKey(s.source(), n) })
}

// AcceptSynced is Accept for records pulled from the provider rather than
// pushed by it. version is the record state the pull observed; the same
// record seen again in a new state is a new event.
func (s *Service) AcceptSynced(ctx context.Context, raw []byte, version string) (Receipt, error) {
	return s.accept(ctx, raw, func(n Notification) string { return SyncDedupeKey(s.source(), n, version) })
}

func (s *Service) accept(ctx context.Context, raw []byte, keyFor func(Notification) string) (Receipt, error) {
	n, kind, err := Parse(raw)
	if err != nil {
		return Receipt{}, err
	}
	key := keyFor(n)

	var tenant string
	if s.Resolver != nil {
		if tenant, err = s.Resolver(ctx, string(n.UserID)); err != nil {
			// an unknown tenant does not block the acknowledgement
			s.log().Warn("tenant lookup failed", zap.String("user_id", string(n.UserID)), zap.Error(err))
			tenant = ""
		}
	}

	norm, err := json.Marshal(n)
	if err != nil {
		return Receipt{}, err
	}
	payload, err := json.Marshal(jobPayload{Source: s.source(), Notification: norm})
	if err != nil {
		return Receipt{}, err
	}

	res, err := s.Queue.Enqueue(ctx, jobs.Spec{
		TenantID:      tenant,
		SubjectID:     string(n.UserID),
		Type:          JobTypeNormalize,
		Topic:         n.Topic,
		Payload:       payload,
		DedupeKey:     key,
		DedupeForever: true,
	})
	if err != nil {
		return Receipt{}, fmt.Errorf("accept %s: %w", n.Topic, err)
	}
	if !res.Created {
		s.log().Debug("duplicate notification", zap.String("job_id", res.ID), zap.String("topic", n.Topic))
	}
	return Receipt{JobID: res.ID, Created: res.Created, DedupeKey: key, EventType: kind.EventType}, nil
}

func (s *Service) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.NewNop()
}
