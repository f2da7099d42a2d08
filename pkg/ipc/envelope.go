package ipc

import "encoding/json"

// Kind identifies a supervisor⇄worker message
type Kind string

const (
	// KindStart asks a new worker to come live; it responds with its ID
	KindStart Kind = "start"
	// KindRestart asks the worker to shut down for a restart cycle
	KindRestart Kind = "restart"
	// KindGetState requests the worker's state snapshot
	KindGetState Kind = "get-state"
	// KindSetState delivers a state snapshot, fire-and-forget
	KindSetState Kind = "set-state"
	// KindSelfRestart is a worker-initiated restart request
	KindSelfRestart Kind = "self-restart"
	// KindResponse correlates back to an earlier request by ID
	KindResponse Kind = "response"
)

// Envelope is one message on the wire
type Envelope struct {
	ID      string          `json:"id,omitempty"`
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartResponse is the payload a worker answers a start request with
type StartResponse struct {
	InstanceID string `json:"instance_id"`
}

// StatePayload wraps a state snapshot crossing the instance boundary.
// It always crosses by value; the receiving side must never alias it.
type StatePayload struct {
	State map[string]any `json:"state"`
}
