//go:build unit

package kafka

import (
	"context"
	"errors"
	"sync"
	"testing"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"

	"github.com/parcelmq/lib-relay/relay/bus"
)

type fakeWriter struct {
	mu       sync.Mutex
	written  []kafkago.Message
	writeErr error
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafkago.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.writeErr != nil {
		return w.writeErr
	}

	w.written = append(w.written, msgs...)

	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true

	return nil
}

func testMessage() bus.Message {
	return bus.Message{
		MessageID: "7c9a1f9e-39cf-4f2c-9f98-07b5f60c2a3b",
		Topic:     "logistics.parcels",
		Key:       "aggregate-1",
		Payload:   []byte(`{"weight_kg":"1.25"}`),
		Headers:   map[string]string{"event_type": "parcel.dispatched"},
	}
}

func TestNewPublisherRequiresWriter(t *testing.T) {
	t.Parallel()

	_, err := NewPublisher(nil)
	require.ErrorIs(t, err, ErrWriterRequired)
}

func TestPublishMapsMessage(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}

	pub, err := NewPublisher(writer)
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), testMessage()))
	require.Len(t, writer.written, 1)

	written := writer.written[0]
	require.Equal(t, "logistics.parcels", written.Topic)
	require.Equal(t, []byte("aggregate-1"), written.Key)
	require.JSONEq(t, `{"weight_kg":"1.25"}`, string(written.Value))

	headers := make(map[string]string, len(written.Headers))
	for _, header := range written.Headers {
		headers[header.Key] = string(header.Value)
	}

	require.Equal(t, "7c9a1f9e-39cf-4f2c-9f98-07b5f60c2a3b", headers["message_id"])
	require.Equal(t, "parcel.dispatched", headers["event_type"])
}

func TestPublishValidatesMessage(t *testing.T) {
	t.Parallel()

	pub, err := NewPublisher(&fakeWriter{})
	require.NoError(t, err)

	err = pub.Publish(context.Background(), bus.Message{Topic: "logistics.parcels"})
	require.ErrorIs(t, err, bus.ErrPayloadRequired)
}

func TestPublishSurfacesWriterError(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{writeErr: errors.New("not leader for partition")}

	pub, err := NewPublisher(writer)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), testMessage())
	require.ErrorContains(t, err, "not leader for partition")
}

func TestCloseStopsPublishing(t *testing.T) {
	t.Parallel()

	writer := &fakeWriter{}

	pub, err := NewPublisher(writer)
	require.NoError(t, err)

	require.NoError(t, pub.Close())
	require.True(t, writer.closed)

	err = pub.Publish(context.Background(), testMessage())
	require.ErrorIs(t, err, bus.ErrBusClosed)

	require.NoError(t, pub.Close())
}
