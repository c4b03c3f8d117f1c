// Package kafka publishes bus messages to Kafka. The partition key is the
// aggregate id, so all events of one aggregate land on the same partition
// and keep their order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/parcelmq/lib-relay/relay/bus"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
)

// ErrWriterRequired is returned when no writer is configured.
var ErrWriterRequired = errors.New("kafka writer is required")

// Writer is the subset of *kafkago.Writer the publisher needs. Configure the
// writer without a fixed Topic; the topic travels per message.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher implements the event bus over a kafka-go writer.
type Publisher struct {
	writer Writer
	logger log.Logger

	mu     sync.RWMutex
	closed bool
}

var _ bus.EventBus = (*Publisher)(nil)

// Option customizes a publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger log.Logger) Option {
	return func(pub *Publisher) {
		if nilcheck.Interface(logger) {
			return
		}

		pub.logger = logger
	}
}

// NewPublisher creates a publisher over the given writer.
func NewPublisher(writer Writer, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrWriterRequired
	}

	pub := &Publisher{
		writer: writer,
		logger: log.NewNop(),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	return pub, nil
}

// Publish writes the message and returns once the configured ack level is
// satisfied. Delivery semantics follow the writer's RequiredAcks; use
// kafkago.RequireAll when the outbox marks records sent on return.
func (pub *Publisher) Publish(ctx context.Context, message bus.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := message.Validate(); err != nil {
		return err
	}

	pub.mu.RLock()
	closed := pub.closed
	pub.mu.RUnlock()

	if closed {
		return bus.ErrBusClosed
	}

	if err := pub.writer.WriteMessages(ctx, kafkaMessage(message)); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}

	return nil
}

func kafkaMessage(message bus.Message) kafkago.Message {
	headers := make([]kafkago.Header, 0, len(message.Headers)+1)

	if message.MessageID != "" {
		headers = append(headers, kafkago.Header{Key: "message_id", Value: []byte(message.MessageID)})
	}

	for key, value := range message.Headers {
		headers = append(headers, kafkago.Header{Key: key, Value: []byte(value)})
	}

	var key []byte
	if message.Key != "" {
		key = []byte(message.Key)
	}

	return kafkago.Message{
		Topic:   message.Topic,
		Key:     key,
		Value:   message.Payload,
		Headers: headers,
	}
}

// Close closes the underlying writer. Further publishes return
// bus.ErrBusClosed.
func (pub *Publisher) Close() error {
	pub.mu.Lock()

	if pub.closed {
		pub.mu.Unlock()

		return nil
	}

	pub.closed = true
	pub.mu.Unlock()

	return pub.writer.Close()
}
