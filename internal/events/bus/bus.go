// Package bus provides the message transport behind the event broker's
// cross-process wake-up path: an in-memory implementation for
// single-process deployments and a NATS-backed one selected by NATS_URL.
// Correctness never depends on it — the database event log is the source
// of truth — so delivery is best-effort.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates an event with a fresh ID and the current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription handle.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the transport contract.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe delivers events matching a subject pattern ("*" matches
	// one token, ">" the remainder).
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close shuts the transport down.
	Close()

	// IsConnected reports transport health.
	IsConnected() bool
}
