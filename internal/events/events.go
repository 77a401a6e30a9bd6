// Package events is the pub/sub side of the fabric: topic exchanges per
// producing service, durable per-service queues, bounded retry with
// exponential backoff, and a dead letter queue for messages that keep
// failing.
package events

import (
	"encoding/json"
	"strings"
)

// Event is the wire shape for every published event.
type Event struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"` // the routing key, e.g. trips.created
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     string          `json:"timestamp"`
	Data          json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into out.
func (e *Event) Decode(out any) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, out)
}

// Domain returns the first segment of the event type ("trips" for
// "trips.created").
func (e *Event) Domain() string {
	if i := strings.IndexByte(e.Type, '.'); i > 0 {
		return e.Type[:i]
	}
	return e.Type
}

// ExchangeFor names the topic exchange a service publishes on.
func ExchangeFor(service string) string {
	return service + "_events"
}

// QueueFor names the durable event queue a service consumes from.
func QueueFor(service string) string {
	return service + "_events_queue"
}

// MatchTopic reports whether a routing key matches a binding pattern. "*"
// matches exactly one segment; segment counts must agree.
func MatchTopic(pattern, key string) bool {
	if pattern == key {
		return true
	}
	pSegs := strings.Split(pattern, ".")
	kSegs := strings.Split(key, ".")
	if len(pSegs) != len(kSegs) {
		return false
	}
	for i, p := range pSegs {
		if p != "*" && p != kSegs[i] {
			return false
		}
	}
	return true
}
