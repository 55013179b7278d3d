// Package broker contains the cross-process broadcast bus adapters.
// A broker fans events published by one process out to sessions held by
// any other process. The local registry stays authoritative for local
// sessions: remote sessions are reached only by publish, never by
// direct lookup.
package broker

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Scope is a delivery target of an envelope: a single session, a room,
// or all sessions, each with an optional exclusion set.
type Scope struct {
	Session string   `json:"session,omitempty"`
	Room    string   `json:"room,omitempty"`
	All     bool     `json:"all,omitempty"`
	Exclude []string `json:"exclude,omitempty"`
}

// EnvelopeKind separates application events from control messages.
type EnvelopeKind string

const (
	// KindEvent is an application event addressed to a scope.
	KindEvent EnvelopeKind = "event"
	// KindDisconnect invalidates a session wherever it is connected.
	// Control messages are buffered during short bus outages.
	KindDisconnect EnvelopeKind = "disconnect"
)

// Envelope is a bus message. Node carries an origin process identifier
// used to suppress self-delivery on buses which echo to the publisher.
type Envelope struct {
	Node    string            `json:"node"`
	Kind    EnvelopeKind      `json:"kind"`
	Event   string            `json:"event,omitempty"`
	Payload []json.RawMessage `json:"payload,omitempty"`
	Scope   Scope             `json:"scope"`
}

// Marshal encodes envelope for the bus.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a bus message.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &e, nil
}

// State of the bus connection. While degraded only same-process delivery
// works, which must be observable rather than silent.
type State int32

const (
	StateConnected State = iota
	StateDegraded
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "degraded"
}

// Handler is invoked for every envelope received from the bus. It must
// not block the bus delivery goroutine for long: expensive fan-out has
// to be dispatched by the handler owner.
type Handler func(*Envelope)

// Broker is a cross-process broadcast adapter.
type Broker interface {
	// Run connects to the bus and blocks processing messages until ctx
	// is canceled. Reconnects with exponential backoff on bus failures.
	Run(ctx context.Context) error
	// Publish sends an envelope to the bus preserving emission order of
	// the publishing process. While the bus is degraded control
	// envelopes are buffered for later flush, event envelopes fail.
	Publish(e *Envelope) error
	// Subscribe sets the handler for received envelopes. Must be called
	// before Run.
	Subscribe(h Handler)
	// State returns current bus connection state.
	State() State
	// Name returns the broker name for logs and health output.
	Name() string
}
