package realtime

import (
	"context"
	"encoding/json"
)

// Bus is the realtime change-notification primitive the coordination layer
// rides on. Repositories publish row changes after successful writes;
// the orchestrator subscribes per view and must unsubscribe on view exit.
//
// Delivery rules:
// - Best-effort. A missed event is corrected by the next authoritative
//   re-read; consumers must never treat the bus as a source of truth.
// - No ordering guarantee relative to direct request/response calls.
type Bus interface {
	Publish(ctx context.Context, e Event) error

	// Subscribe returns a channel of events matching the filter and a
	// cancel function. Cancel closes the channel and releases the
	// underlying subscription.
	Subscribe(ctx context.Context, f Filter) (<-chan Event, func(), error)
}

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
)

// Event mirrors one row change on a shared table.
type Event struct {
	Table string    `json:"table"`
	Type  EventType `json:"type"`

	// Key is a routing hint (e.g. normalized to_number for calls,
	// call_id for audio chunks). Consumers must still re-check
	// addressing themselves; filters can legitimately be broader
	// than one recipient.
	Key string `json:"key,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Filter selects a subset of events. Empty fields match everything.
type Filter struct {
	Table string
	Type  EventType
	Key   string
}

// Matches reports whether e passes f.
func (f Filter) Matches(e Event) bool {
	if f.Table != "" && f.Table != e.Table {
		return false
	}
	if f.Type != "" && f.Type != e.Type {
		return false
	}
	if f.Key != "" && f.Key != e.Key {
		return false
	}
	return true
}

// Marshal encodes a payload value for an Event.
func Marshal(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}
