package event

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelmq/lib-relay/relay/log"
)

type parcelDispatched struct {
	Envelope
	Carrier string `json:"carrier"`
	Weight  int    `json:"weight_grams"`
}

func (parcelDispatched) EventName() string { return "parcel.dispatched" }

type parcelDelivered struct {
	Envelope
	Recipient string `json:"recipient"`
}

func (parcelDelivered) EventName() string { return "parcel.delivered" }

func (parcelDelivered) Topic() string { return "parcels.deliveries" }

type warnCapture struct {
	mu   sync.Mutex
	msgs []string
}

func (l *warnCapture) Log(_ context.Context, _ log.Level, msg string, _ ...log.Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.msgs = append(l.msgs, msg)
}

func (l *warnCapture) With(_ ...log.Field) log.Logger { return l }
func (l *warnCapture) WithGroup(_ string) log.Logger  { return l }
func (l *warnCapture) Enabled(_ log.Level) bool       { return true }
func (l *warnCapture) Sync(_ context.Context) error   { return nil }

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()

	registry := NewRegistry(opts...)
	require.NoError(t, registry.Register(parcelDispatched{}, func() Event { return &parcelDispatched{} }))
	require.NoError(t, registry.Register(parcelDelivered{}, func() Event { return &parcelDelivered{} }))

	return registry
}

func dispatchedPayload(t *testing.T) []byte {
	t.Helper()

	e := parcelDispatched{
		Envelope: NewEnvelope(uuid.New(), 1),
		Carrier:  "northwind",
		Weight:   1200,
	}

	payload, err := json.Marshal(e)
	require.NoError(t, err)

	return payload
}

func TestDeserializeByNameAndTopic(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)
	payload := dispatchedPayload(t)

	byName, err := registry.Deserialize("parcel.dispatched", payload)
	require.NoError(t, err)

	dispatched, ok := byName.(*parcelDispatched)
	require.True(t, ok)
	assert.Equal(t, "northwind", dispatched.Carrier)
	assert.Equal(t, 1200, dispatched.Weight)
	assert.False(t, dispatched.OccurredAt().IsZero())

	delivered := parcelDelivered{Envelope: NewEnvelope(uuid.New(), 2), Recipient: "dock 4"}
	deliveredPayload, err := json.Marshal(delivered)
	require.NoError(t, err)

	byTopic, err := registry.Deserialize("parcels.deliveries", deliveredPayload)
	require.NoError(t, err)
	assert.Equal(t, "parcel.delivered", byTopic.EventName())
}

func TestDeserializeUnknownType(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)

	_, err := registry.Deserialize("parcel.lost", []byte(`{}`))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrUnknownEventType)

	var typed *DeserializeError
	require.ErrorAs(t, err, &typed)
	assert.Equal(t, "parcel.lost", typed.EventType)
}

func TestDeserializeDropsUnknownAndDangerousFields(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)

	payload := []byte(`{
		"event_id": "` + uuid.New().String() + `",
		"aggregate_id": "` + uuid.New().String() + `",
		"occurred_at": "2026-08-30T10:00:00Z",
		"version": 1,
		"carrier": "northwind",
		"__proto__": {"polluted": true},
		"constructor": "evil",
		"not_a_field": "dropped"
	}`)

	e, err := registry.Deserialize("parcel.dispatched", payload)
	require.NoError(t, err)

	dispatched, ok := e.(*parcelDispatched)
	require.True(t, ok)
	assert.Equal(t, "northwind", dispatched.Carrier)
}

func TestDeserializeRejectsOversizedPayload(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, WithLimits(Limits{MaxPayloadBytes: 64}))

	payload := []byte(`{"carrier": "` + strings.Repeat("x", 128) + `"}`)

	_, err := registry.Deserialize("parcel.dispatched", payload)
	require.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestDeserializeRejectsDeepNesting(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, WithLimits(Limits{MaxDepth: 3}))

	payload := []byte(`{"carrier": "x", "weight_grams": 1, "event_id": "` + uuid.New().String() + `"}`)

	_, err := registry.Deserialize("parcel.dispatched", payload)
	require.NoError(t, err)

	deep := []byte(`{"weight_grams": [[[[1]]]]}`)

	_, err = registry.Deserialize("parcel.dispatched", deep)
	require.ErrorIs(t, err, ErrPayloadTooDeep)
}

func TestDeserializeRejectsOversizedString(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t, WithLimits(Limits{MaxStringLen: 8}))

	payload := []byte(`{"carrier": "far-too-long-carrier-name"}`)

	_, err := registry.Deserialize("parcel.dispatched", payload)
	require.ErrorIs(t, err, ErrPayloadValueTooBig)
}

func TestDeserializeRejectsNonObjectPayload(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)

	_, err := registry.Deserialize("parcel.dispatched", []byte(`"just a string"`))
	require.ErrorIs(t, err, ErrPayloadNotJSON)

	_, err = registry.Deserialize("parcel.dispatched", []byte(`{broken`))
	require.ErrorIs(t, err, ErrPayloadNotJSON)
}

func TestTopicCollisionOverwrites(t *testing.T) {
	t.Parallel()

	logger := &warnCapture{}
	registry := NewRegistry(WithLogger(logger))

	require.NoError(t, registry.Register(parcelDispatched{}, func() Event { return &parcelDispatched{} }))

	// Same topic, different event name.
	collider := colliderEvent{}
	require.NoError(t, registry.Register(collider, func() Event { return &colliderEvent{} }))

	logger.mu.Lock()
	defer logger.mu.Unlock()
	require.Len(t, logger.msgs, 1)
	assert.Contains(t, logger.msgs[0], "collision")
}

type colliderEvent struct {
	Envelope
}

func (colliderEvent) EventName() string { return "parcel.redispatched" }
func (colliderEvent) Topic() string     { return "parcel.dispatched" }

func TestTopicFor(t *testing.T) {
	t.Parallel()

	registry := newTestRegistry(t)

	assert.Equal(t, "parcel.dispatched", registry.TopicFor(parcelDispatched{}))
	assert.Equal(t, "parcels.deliveries", registry.TopicFor(parcelDelivered{}))

	// Unregistered events fall back to the name.
	assert.Equal(t, "parcel.redispatched", registry.TopicFor(colliderEvent{Envelope: NewEnvelope(uuid.New(), 1)}))
}

func TestRegisterValidation(t *testing.T) {
	t.Parallel()

	registry := NewRegistry()

	require.ErrorIs(t, registry.Register(nil, nil), ErrEventNameRequired)
	require.ErrorIs(t, registry.Register(parcelDispatched{}, nil), ErrFactoryRequired)
}

func TestEnvelopeAccessors(t *testing.T) {
	t.Parallel()

	aggregateID := uuid.New()
	envelope := NewEnvelope(aggregateID, 3)

	assert.NotEqual(t, uuid.Nil, envelope.EventID())
	assert.Equal(t, aggregateID, envelope.AggregateID())
	assert.Equal(t, 3, envelope.Version)
	assert.Equal(t, time.UTC, envelope.OccurredAt().Location())
}
