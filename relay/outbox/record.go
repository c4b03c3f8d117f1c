package outbox

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the serialized event stored per record.
const DefaultMaxPayloadBytes = 1 << 20

// Record is the durable representation of one event awaiting delivery.
//
// ID and Payload are immutable once created; only Status, Attempts,
// LastError, and LastAttemptAt mutate over the record's lifetime. The record
// is created inside the same transaction as the aggregate mutation that
// produced its event.
type Record struct {
	ID            uuid.UUID
	AggregateID   uuid.UUID
	AggregateType string
	EventType     string
	Topic         string
	RoutingKey    string
	Payload       []byte
	TenantID      string
	SchemaID      string
	Status        Status
	Attempts      int
	CreatedAt     time.Time
	LastAttemptAt *time.Time
	LastError     string
}

// RecordOption customizes optional record fields at construction.
type RecordOption func(*Record)

// WithRoutingKey sets the broker routing key.
func WithRoutingKey(routingKey string) RecordOption {
	return func(record *Record) {
		record.RoutingKey = strings.TrimSpace(routingKey)
	}
}

// WithTenantID scopes the record to a tenant.
func WithTenantID(tenantID string) RecordOption {
	return func(record *Record) {
		record.TenantID = strings.TrimSpace(tenantID)
	}
}

// WithSchemaID attaches a payload schema reference.
func WithSchemaID(schemaID string) RecordOption {
	return func(record *Record) {
		record.SchemaID = strings.TrimSpace(schemaID)
	}
}

// WithAggregateType records the aggregate's type name.
func WithAggregateType(aggregateType string) RecordOption {
	return func(record *Record) {
		record.AggregateType = strings.TrimSpace(aggregateType)
	}
}

// NewRecord creates a valid record initialized as NEW. The eventID becomes
// the record id, which is the deduplication key for idempotent appends.
func NewRecord(
	eventID uuid.UUID,
	aggregateID uuid.UUID,
	eventType string,
	topic string,
	payload []byte,
	opts ...RecordOption,
) (*Record, error) {
	if eventID == uuid.Nil {
		return nil, ErrRecordIDRequired
	}

	if aggregateID == uuid.Nil {
		return nil, ErrAggregateIDRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = eventType
	}

	record := &Record{
		ID:          eventID,
		AggregateID: aggregateID,
		EventType:   eventType,
		Topic:       topic,
		Payload:     payload,
		Status:      New,
		Attempts:    0,
		CreatedAt:   time.Now().UTC(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(record)
		}
	}

	return record, nil
}
