// Package ingest accepts provider notifications onto the ingest queue and
// normalizes them into domain events.
package ingest

import "sort"

// Kind is what a notification topic means in the domain. The set is closed:
// a topic not listed here is rejected at the boundary.
type Kind struct {
	Topic      string `json:"topic"`
	EventType  string `json:"event_type"`
	EntityType string `json:"entity_type"`
}

var kinds = map[string]Kind{
	"orders_v2": {"orders_v2", "order.updated", "order"},
	"payments":  {"payments", "payment.updated", "payment"},
	"questions": {"questions", "question.received", "question"},
	"messages":  {"messages", "message.received", "message"},
	"items":     {"items", "item.updated", "item"},
	"claims":    {"claims", "claim.opened", "claim"},
}

func KindFor(topic string) (Kind, bool) {
	k, ok := kinds[topic]
	return k, ok
}

// Topics lists the accepted topics in stable order.
func Topics() []string {
	out := make([]string, 0, len(kinds))
	for t := range kinds {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
