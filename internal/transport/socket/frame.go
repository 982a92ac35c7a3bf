package socket

import "time"

// Frame kinds.
const (
	KindRequest  = "request"
	KindResponse = "response"
	KindPush     = "push"
)

// Frame is the wire envelope for every message in either direction.
type Frame struct {
	Kind      string         `cbor:"kind"`
	ID        string         `cbor:"id,omitempty"`
	Method    string         `cbor:"method,omitempty"`
	Namespace string         `cbor:"namespace,omitempty"`
	Function  string         `cbor:"function,omitempty"`
	Data      map[string]any `cbor:"data,omitempty"`
	Error     map[string]any `cbor:"error,omitempty"`
}

// writeTimeout bounds a single frame write. A peer that cannot absorb a
// frame in this time is considered gone.
const writeTimeout = 10 * time.Second
