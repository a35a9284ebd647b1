// Package codec serializes tunnel messages to and from the wire and
// validates their shape before anything else touches them. A malformed frame
// yields a *DecodeError so the caller can drop that one frame without
// severing the connection.
package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cloudtolocalllm/bridge/api/pkg/types"
)

// DecodeError describes a single rejected frame.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("invalid tunnel frame: %s", e.Reason)
}

// Encode serializes a message to one wire frame. A zero timestamp is stamped
// on the frame only; the caller's message is never modified.
func Encode(msg *types.TunnelMessage) ([]byte, error) {
	frame := *msg
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	return json.Marshal(&frame)
}

// Decode parses and validates one wire frame.
func Decode(data []byte) (*types.TunnelMessage, error) {
	var msg types.TunnelMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, &DecodeError{Reason: err.Error()}
	}
	if msg.ID == "" {
		return nil, &DecodeError{Reason: "missing id"}
	}
	if !msg.Type.Valid() {
		return nil, &DecodeError{Reason: fmt.Sprintf("unknown type %q", msg.Type)}
	}
	return &msg, nil
}

// NewMessage builds a message of the given type around a typed payload.
func NewMessage(id string, msgType types.MessageType, payload any) (*types.TunnelMessage, error) {
	msg := &types.TunnelMessage{
		ID:        id,
		Type:      msgType,
		Timestamp: time.Now().UTC(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
		}
		msg.Payload = data
	}
	return msg, nil
}

// UnmarshalPayload parses a message payload into its typed form.
func UnmarshalPayload(msg *types.TunnelMessage, out any) error {
	if len(msg.Payload) == 0 {
		return &DecodeError{Reason: fmt.Sprintf("empty %s payload", msg.Type)}
	}
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return &DecodeError{Reason: fmt.Sprintf("bad %s payload: %s", msg.Type, err)}
	}
	return nil
}

// NewErrorMessage builds the terminal error frame for a request id.
func NewErrorMessage(id string, code, message string) *types.TunnelMessage {
	msg, _ := NewMessage(id, types.MessageTypeError, &types.ErrorPayload{
		Code:    code,
		Message: message,
	})
	return msg
}
