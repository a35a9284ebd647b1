package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg, err := NewMessage("req_1", types.MessageTypeRequest, &types.RequestPayload{
		Method: "GET",
		Path:   "/api/tags",
	})
	require.NoError(t, err)

	data, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "req_1", decoded.ID)
	assert.Equal(t, types.MessageTypeRequest, decoded.Type)
	assert.False(t, decoded.Timestamp.IsZero())

	var payload types.RequestPayload
	require.NoError(t, UnmarshalPayload(decoded, &payload))
	assert.Equal(t, "GET", payload.Method)
	assert.Equal(t, "/api/tags", payload.Path)
}

func TestEncodeLeavesMessageUntouched(t *testing.T) {
	msg := &types.TunnelMessage{ID: "req_2", Type: types.MessageTypePing}

	data, err := Encode(msg)
	require.NoError(t, err)
	assert.True(t, msg.Timestamp.IsZero(), "Encode modified its argument")

	decoded, err := Decode(data)
	require.NoError(t, err)
	assert.False(t, decoded.Timestamp.IsZero(), "wire frame missing timestamp")
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	testCases := []struct {
		name string
		data string
	}{
		{"not json", `{{{`},
		{"missing id", `{"type":"ping","timestamp":"2025-01-01T00:00:00Z"}`},
		{"missing type", `{"id":"req_1","timestamp":"2025-01-01T00:00:00Z"}`},
		{"unknown type", `{"id":"req_1","type":"upgrade","timestamp":"2025-01-01T00:00:00Z"}`},
		{"bad timestamp", `{"id":"req_1","type":"ping","timestamp":"yesterday"}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.data))
			require.Error(t, err)
			var decodeErr *DecodeError
			assert.ErrorAs(t, err, &decodeErr)
		})
	}
}

func TestDecodeKeepsConnectionLevelFieldsIntact(t *testing.T) {
	data := []byte(`{"id":"abc","type":"pong","timestamp":"2025-06-01T12:00:00Z"}`)
	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, types.MessageTypePong, msg.Type)
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), msg.Timestamp)
}

func TestUnmarshalPayloadEmpty(t *testing.T) {
	msg := &types.TunnelMessage{ID: "x", Type: types.MessageTypeRequest}
	var payload types.RequestPayload
	err := UnmarshalPayload(msg, &payload)
	require.Error(t, err)
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage("req_9", types.ErrorCodeUpstreamTimeout, "deadline exceeded")
	require.Equal(t, types.MessageTypeError, msg.Type)
	require.Equal(t, "req_9", msg.ID)

	var payload types.ErrorPayload
	require.NoError(t, UnmarshalPayload(msg, &payload))
	assert.Equal(t, types.ErrorCodeUpstreamTimeout, payload.Code)
}
