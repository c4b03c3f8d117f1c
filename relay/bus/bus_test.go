//go:build unit

package bus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	valid := Message{
		Topic:   "logistics.parcels",
		Payload: []byte(`{"weight_kg":"1.25"}`),
	}
	require.NoError(t, valid.Validate())

	missingTopic := Message{Payload: []byte(`{}`)}
	require.ErrorIs(t, missingTopic.Validate(), ErrTopicRequired)

	blankTopic := Message{Topic: "   ", Payload: []byte(`{}`)}
	require.ErrorIs(t, blankTopic.Validate(), ErrTopicRequired)

	missingPayload := Message{Topic: "logistics.parcels"}
	require.ErrorIs(t, missingPayload.Validate(), ErrPayloadRequired)
}
