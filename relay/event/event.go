// Package event defines the domain event envelope, the buffer aggregates use
// to raise events, and the registry that reconstructs typed events from
// stored payloads without ever evaluating payload content.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable fact raised by an aggregate.
type Event interface {
	// EventID is globally unique and doubles as the outbox dedup key.
	EventID() uuid.UUID
	// AggregateID identifies the aggregate the event belongs to; it is
	// also the per-key ordering partition.
	AggregateID() uuid.UUID
	// EventName is the registry lookup name, e.g. "shipment.dispatched".
	EventName() string
	// OccurredAt is the UTC time the fact happened.
	OccurredAt() time.Time
}

// TopicProvider lets an event declare its bus topic explicitly. Events that
// do not implement it publish to a topic derived from the event name.
type TopicProvider interface {
	Topic() string
}

// Envelope carries the metadata every domain event shares. Embed it in a
// concrete event and set the Name field via the concrete type's EventName.
type Envelope struct {
	ID            uuid.UUID `json:"event_id"`
	Aggregate     uuid.UUID `json:"aggregate_id"`
	At            time.Time `json:"occurred_at"`
	Version       int       `json:"version"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
}

// NewEnvelope creates envelope metadata for a freshly raised event.
func NewEnvelope(aggregateID uuid.UUID, version int) Envelope {
	return Envelope{
		ID:        uuid.New(),
		Aggregate: aggregateID,
		At:        time.Now().UTC(),
		Version:   version,
	}
}

// EventID implements Event.
func (e Envelope) EventID() uuid.UUID { return e.ID }

// AggregateID implements Event.
func (e Envelope) AggregateID() uuid.UUID { return e.Aggregate }

// OccurredAt implements Event.
func (e Envelope) OccurredAt() time.Time { return e.At }
