// Package rabbitmq publishes bus messages over AMQP with publisher confirms.
// A publish is reported successful only after the broker acks it, which is
// what lets the projector mark records sent without losing messages to a
// dropped connection.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/parcelmq/lib-relay/relay/bus"
	"github.com/parcelmq/lib-relay/relay/internal/nilcheck"
	"github.com/parcelmq/lib-relay/relay/log"
	"github.com/parcelmq/lib-relay/relay/runtime"
)

var (
	// ErrChannelRequired is returned when no AMQP channel is configured.
	ErrChannelRequired = errors.New("rabbitmq channel is required")
	// ErrConfirmModeUnavailable is returned when the channel rejects confirm mode.
	ErrConfirmModeUnavailable = errors.New("channel does not support confirm mode")
	// ErrPublishNacked is returned when the broker refuses a message.
	ErrPublishNacked = errors.New("message was nacked by broker")
	// ErrConfirmTimeout is returned when the broker ack does not arrive in time.
	ErrConfirmTimeout = errors.New("confirmation timed out")
)

// DefaultConfirmTimeout bounds the wait for a broker ack.
const DefaultConfirmTimeout = 5 * time.Second

const confirmChannelBuffer = 256

// Channel is the subset of *amqp.Channel the publisher needs. It exists so
// tests can stand in a fake without a broker.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements the event bus over one confirm-mode AMQP channel.
//
// Publishes are serialized: one publish+confirm flow is in flight at a time,
// which keeps confirms correlated without delivery-tag bookkeeping. Shard
// across publishers for more throughput.
type Publisher struct {
	channel        Channel
	confirms       chan amqp.Confirmation
	closedCh       chan struct{}
	closeOnce      sync.Once
	logger         log.Logger
	exchange       string
	confirmTimeout time.Duration

	publishMu sync.Mutex
	mu        sync.RWMutex
	closed    bool
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

// WithExchange publishes every message to a fixed exchange, with the
// message topic as the routing key. Without it the message topic is the
// exchange.
func WithExchange(exchange string) Option {
	return func(pub *Publisher) {
		pub.exchange = exchange
	}
}

// WithConfirmTimeout bounds the wait for broker confirmation.
func WithConfirmTimeout(timeout time.Duration) Option {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.confirmTimeout = timeout
		}
	}
}

// NewPublisher puts the channel in confirm mode and wires the close monitor.
func NewPublisher(channel Channel, opts ...Option) (*Publisher, error) {
	if nilcheck.Interface(channel) {
		return nil, ErrChannelRequired
	}

	if err := channel.Confirm(false); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfirmModeUnavailable, err)
	}

	confirms := make(chan amqp.Confirmation, confirmChannelBuffer)
	channel.NotifyPublish(confirms)

	closeNotify := channel.NotifyClose(make(chan *amqp.Error, 1))

	pub := &Publisher{
		channel:        channel,
		confirms:       confirms,
		closedCh:       make(chan struct{}),
		logger:         log.NewNop(),
		confirmTimeout: DefaultConfirmTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	pub.startCloseMonitor(closeNotify)

	return pub, nil
}

func (pub *Publisher) startCloseMonitor(closeNotify chan *amqp.Error) {
	logger := pub.logger

	runtime.SafeGo(logger, "rabbitmq-publisher-close-monitor", runtime.KeepRunning, func() {
		select {
		case amqpErr := <-closeNotify:
			if amqpErr != nil {
				logger.Log(context.Background(), log.LevelWarn, "rabbitmq channel closed",
					log.String("reason", amqpErr.Reason),
				)
			}

			pub.markClosed()
		case <-pub.closedCh:
		}
	})
}

func (pub *Publisher) markClosed() {
	pub.mu.Lock()
	pub.closed = true
	pub.mu.Unlock()

	pub.closeOnce.Do(func() { close(pub.closedCh) })
}

// Publish sends the message and waits for the broker ack.
func (pub *Publisher) Publish(ctx context.Context, message bus.Message) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := message.Validate(); err != nil {
		return err
	}

	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	closed := pub.closed
	pub.mu.RUnlock()

	if closed {
		return bus.ErrBusClosed
	}

	exchange, routingKey := pub.route(message)

	if err := pub.channel.PublishWithContext(ctx, exchange, routingKey, false, false, publishing(message)); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	return pub.waitForConfirm(ctx)
}

// route maps a bus message onto AMQP addressing. With a fixed exchange the
// topic travels as the routing key; otherwise the topic is the exchange and
// the routing key falls back to the partition key.
func (pub *Publisher) route(message bus.Message) (exchange, routingKey string) {
	if pub.exchange != "" {
		routingKey = message.RoutingKey
		if routingKey == "" {
			routingKey = message.Topic
		}

		return pub.exchange, routingKey
	}

	routingKey = message.RoutingKey
	if routingKey == "" {
		routingKey = message.Key
	}

	return message.Topic, routingKey
}

func publishing(message bus.Message) amqp.Publishing {
	headers := make(amqp.Table, len(message.Headers)+1)
	for key, value := range message.Headers {
		headers[key] = value
	}

	if message.Key != "" {
		headers["partition_key"] = message.Key
	}

	return amqp.Publishing{
		MessageId:    message.MessageID,
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Headers:      headers,
		Body:         message.Payload,
	}
}

func (pub *Publisher) waitForConfirm(ctx context.Context) error {
	timeout := time.NewTimer(pub.confirmTimeout)
	defer timeout.Stop()

	select {
	case confirmed, ok := <-pub.confirms:
		if !ok {
			return bus.ErrBusClosed
		}

		if !confirmed.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, confirmed.DeliveryTag)
		}

		return nil
	case <-pub.closedCh:
		return bus.ErrBusClosed
	case <-timeout.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. Further publishes return bus.ErrBusClosed.
func (pub *Publisher) Close() error {
	pub.publishMu.Lock()
	defer pub.publishMu.Unlock()

	pub.mu.RLock()
	alreadyClosed := pub.closed
	pub.mu.RUnlock()

	pub.markClosed()

	if alreadyClosed {
		return nil
	}

	if err := pub.channel.Close(); err != nil {
		return fmt.Errorf("closing publisher channel: %w", err)
	}

	return nil
}
