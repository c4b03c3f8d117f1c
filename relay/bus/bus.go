// Package bus defines the broker-facing publishing port and the message
// shape shared by its implementations.
package bus

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrTopicRequired is returned when a message has no topic.
	ErrTopicRequired = errors.New("message topic is required")
	// ErrPayloadRequired is returned when a message has no payload.
	ErrPayloadRequired = errors.New("message payload is required")
	// ErrBusClosed is returned when publishing through a closed bus.
	ErrBusClosed = errors.New("event bus is closed")
)

// Message is one broker publication. Key carries the partitioning or
// ordering key; brokers that honor it deliver messages with equal keys in
// publish order.
type Message struct {
	// MessageID identifies the message for consumer-side deduplication.
	MessageID string
	// Topic is the destination exchange or topic name.
	Topic string
	// RoutingKey refines routing within the topic for brokers that support it.
	RoutingKey string
	// Key is the ordering key, typically the aggregate id.
	Key string
	// Payload is the serialized event body.
	Payload []byte
	// Headers carry transport metadata such as event type and tenant.
	Headers map[string]string
}

// Validate reports whether the message can be published.
func (m Message) Validate() error {
	if strings.TrimSpace(m.Topic) == "" {
		return ErrTopicRequired
	}

	if len(m.Payload) == 0 {
		return ErrPayloadRequired
	}

	return nil
}

// EventBus publishes messages to a broker. Publish must not return before
// the broker has accepted the message; returning early breaks at-least-once
// delivery for the caller.
type EventBus interface {
	Publish(ctx context.Context, message Message) error
	Close() error
}
