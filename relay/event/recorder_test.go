package event

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderDrainReturnsOnce(t *testing.T) {
	t.Parallel()

	recorder := &Recorder{}

	first := parcelDispatched{Envelope: NewEnvelope(uuid.New(), 1), Carrier: "a"}
	second := parcelDispatched{Envelope: NewEnvelope(uuid.New(), 2), Carrier: "b"}

	recorder.Record(first, second)
	require.Equal(t, 2, recorder.PendingEvents())

	drained := recorder.DrainEvents()
	require.Len(t, drained, 2)

	// Raise order preserved.
	assert.Equal(t, first.EventID(), drained[0].EventID())
	assert.Equal(t, second.EventID(), drained[1].EventID())

	// A second drain yields nothing: no double harvest.
	assert.Empty(t, recorder.DrainEvents())
	assert.Zero(t, recorder.PendingEvents())
}

func TestRecorderIgnoresNil(t *testing.T) {
	t.Parallel()

	recorder := &Recorder{}
	recorder.Record(nil)

	assert.Zero(t, recorder.PendingEvents())
}
