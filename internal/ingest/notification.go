package ingest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var ErrInvalid = errors.New("invalid notification")

// ValidationError names the offending field. It matches ErrInvalid.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s %s", ErrInvalid, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalid }

// FlexID accepts a JSON string or number; providers send both.
type FlexID string

func (f *FlexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*f = FlexID(n.String())
	return nil
}

// Notification is the provider's webhook body.
type Notification struct {
	Resource      string `json:"resource"`
	Topic         string `json:"topic"`
	UserID        FlexID `json:"user_id"`
	ApplicationID FlexID `json:"application_id,omitempty"`
	Attempts      int    `json:"attempts,omitempty"`
	Sent          string `json:"sent,omitempty"`
	Received      string `json:"received,omitempty"`
	DateCreated   string `json:"date_created,omitempty"`
}

// Parse decodes and validates a raw notification.
func Parse(raw []byte) (Notification, Kind, error) {
	var n Notification
	if err := json.Unmarshal(raw, &n); err != nil {
		return n, Kind{}, &ValidationError{Field: "body", Reason: "is not a JSON object"}
	}
	n.Resource = strings.TrimSpace(n.Resource)
	n.Topic = strings.TrimSpace(n.Topic)
	switch {
	case n.Resource == "":
		return n, Kind{}, &ValidationError{Field: "resource", Reason: "is required"}
	case n.Topic == "":
		return n, Kind{}, &ValidationError{Field: "topic", Reason: "is required"}
	case n.UserID == "":
		return n, Kind{}, &ValidationError{Field: "user_id", Reason: "is required"}
	}
	k, ok := KindFor(n.Topic)
	if !ok {
		return n, Kind{}, &ValidationError{Field: "topic", Reason: fmt.Sprintf("%q is not supported", n.Topic)}
	}
	return n, k, nil
}

// DedupeKey identifies a notification by source, seller, topic and resource.
// Redeliveries of the same notification map to the same key.
func DedupeKey(source string, n Notification) string {
	sum := blake2b.Sum256([]byte(strings.Join([]string{source, string(n.UserID), n.Topic, n.Resource}, "|")))
	return hex.EncodeToString(sum[:])
}

// SyncDedupeKey identifies a pulled record by seller, topic, resource and the
// version observed. It never collides with a pushed notification's key.
func SyncDedupeKey(source string, n Notification, version string) string {
	sum := blake2b.Sum256([]byte(strings.Join([]string{source, "sync", string(n.UserID), n.Topic, n.Resource, version}, "|")))
	return hex.EncodeToString(sum[:])
}

// EntityID is the last path segment of the resource.
func EntityID(resource string) string {
	trimmed := strings.TrimRight(resource, "/")
	if i := strings.LastIndex(trimmed, "/"); i >= 0 {
		trimmed = trimmed[i+1:]
	}
	if i := strings.IndexByte(trimmed, '?'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return resource
	}
	return trimmed
}
