// Package transport defines the wire protocol between the engine and
// provider processes (spec §4.7, §6.2): a bidirectional envelope stream
// carrying registration, request/response, cancellation, and heartbeat
// messages. Two Bus implementations are provided: localbus (in-process
// channels, for providers hosted in the same process or for tests) and
// wsbus (github.com/gorilla/websocket, for out-of-process providers).
package transport

import "encoding/json"

// Kind discriminates an Envelope's payload.
type Kind string

const (
	KindRegisterProvider   Kind = "register_provider"
	KindDeregisterProvider Kind = "deregister_provider"
	KindRequest            Kind = "request"
	KindResponse           Kind = "response"
	KindCancelRequest      Kind = "cancel_request"
	KindHeartbeat          Kind = "heartbeat"
)

// Envelope is the single message type exchanged over a Bus connection. Only
// the field(s) relevant to Kind are populated; the rest are left zero.
type Envelope struct {
	Kind Kind `json:"kind"`

	// RegisterProvider / DeregisterProvider
	ProviderID    string   `json:"provider_id,omitempty"`
	Protocol      string   `json:"protocol,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"`

	// Request / Response / CancelRequest
	CorrelationID string          `json:"correlation_id,omitempty"`
	TaskID        string          `json:"task_id,omitempty"`
	Attempt       int             `json:"attempt,omitempty"`
	Method        string          `json:"method,omitempty"`
	Params        json.RawMessage `json:"params,omitempty"`
	DeadlineMs    int64           `json:"deadline_ms,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	ErrorCode     string          `json:"error_code,omitempty"`
	ErrorMessage  string          `json:"error_message,omitempty"`

	// Heartbeat
	ActiveRequests int `json:"active_requests,omitempty"`
}
