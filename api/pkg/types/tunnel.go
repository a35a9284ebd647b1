package types

import (
	"encoding/json"
	"time"
)

// MessageType identifies what a tunnel frame carries.
type MessageType string

const (
	MessageTypeAuth     MessageType = "auth"
	MessageTypeAuthAck  MessageType = "auth_ack"
	MessageTypePing     MessageType = "ping"
	MessageTypePong     MessageType = "pong"
	MessageTypeRequest  MessageType = "request"
	MessageTypeResponse MessageType = "response"
	MessageTypeError    MessageType = "error"
)

// Valid reports whether the type is one we know how to process.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeAuth, MessageTypeAuthAck, MessageTypePing, MessageTypePong,
		MessageTypeRequest, MessageTypeResponse, MessageTypeError:
		return true
	}
	return false
}

// Terminal reports whether the type ends an in-flight request exchange.
func (t MessageType) Terminal() bool {
	return t == MessageTypeResponse || t == MessageTypeError
}

// TunnelMessage is the unit exchanged over the persistent tunnel connection,
// one JSON object per websocket text frame. The ID correlates a request with
// its eventual response or error; it is reused verbatim in the reply.
type TunnelMessage struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// AuthPayload is carried by the first frame a tunnel client sends.
type AuthPayload struct {
	AccessToken string `json:"accessToken"`
	TenantID    string `json:"tenantId"`
}

// AuthAckPayload is the relay's acknowledgment of a completed handshake.
type AuthAckPayload struct {
	TenantID string `json:"tenantId"`
}

// RequestPayload wraps one HTTP request destined for the local runtime.
type RequestPayload struct {
	Method  string              `json:"method"`
	Path    string              `json:"path"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// ResponsePayload wraps the local runtime's reply.
type ResponsePayload struct {
	Status  int                 `json:"status"`
	Headers map[string][]string `json:"headers,omitempty"`
	Body    []byte              `json:"body,omitempty"`
}

// ErrorPayload is the terminal frame for a request that could not be served.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes used in ErrorPayload.Code.
const (
	ErrorCodeUpstreamUnreachable = "upstream_unreachable"
	ErrorCodeUpstreamTimeout     = "upstream_timeout"
	ErrorCodeForbiddenPath       = "forbidden_path"
	ErrorCodeBadRequest          = "bad_request"
	ErrorCodeTunnelDisconnected  = "tunnel_disconnected"
	ErrorCodeInternal            = "internal_error"
)

// ConnectionState is the lifecycle of one tunnel client instance.
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateReconnecting ConnectionState = "reconnecting"
	ConnectionStateError        ConnectionState = "error"
)

// FailureReason distinguishes why a tunnel is not connected so callers can
// decide between waiting, retrying and prompting for interactive login.
type FailureReason string

const (
	FailureReasonNone     FailureReason = ""
	FailureReasonAuth     FailureReason = "auth_failed"
	FailureReasonNetwork  FailureReason = "network_error"
	FailureReasonRejected FailureReason = "relay_rejected"
)

// TunnelMetrics are the agent's forwarding counters. Values are copied
// snapshots, safe to serialize.
type TunnelMetrics struct {
	RequestsForwarded uint64    `json:"requests_forwarded"`
	RequestsSucceeded uint64    `json:"requests_succeeded"`
	RequestsFailed    uint64    `json:"requests_failed"`
	LastRequestAt     time.Time `json:"last_request_at,omitzero"`
}

// RuntimeInfo is what the agent last learned about the local LLM runtime.
type RuntimeInfo struct {
	Endpoint  string        `json:"endpoint"`
	Version   string        `json:"version,omitempty"`
	Models    []string      `json:"models,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	CheckedAt time.Time     `json:"checked_at,omitzero"`
}

// TunnelStatus is the snapshot served by the local control API.
type TunnelStatus struct {
	State         ConnectionState `json:"state"`
	FailureReason FailureReason   `json:"failure_reason,omitempty"`
	TenantID      string          `json:"tenant_id,omitempty"`
	RelayURL      string          `json:"relay_url"`
	ConnectedAt   time.Time       `json:"connected_at,omitzero"`
	Runtime       RuntimeInfo     `json:"runtime"`
	Metrics       TunnelMetrics   `json:"metrics"`
}
