// Package transport contains transports over which a session exchanges
// protocol frames with its client: HTTP long-polling (discrete
// exchanges) and WebSocket (persistent stream).
package transport

import (
	"errors"

	"github.com/switchboard-rt/switchboard/internal/protocol"
)

// ErrTransportClosed is returned on writes to an already closed transport.
var ErrTransportClosed = errors.New("transport closed")

// Kind of transport.
type Kind string

const (
	// KindPolling delivers data by queuing it until the next discrete
	// exchange of the client.
	KindPolling Kind = "polling"
	// KindWebSocket delivers data immediately over a persistent duplex
	// stream.
	KindWebSocket Kind = "websocket"
)

// Transport abstracts the physical means by which frames reach one
// client. A session owns exactly one transport at any instant. All
// transport-kind specific behavior lives behind this interface, business
// logic never branches on Kind.
type Transport interface {
	// Name returns the name of the transport as exposed in handshake.
	Name() string
	// Kind returns transport kind.
	Kind() Kind
	// Write sends one marshaled frame towards the client. For polling
	// transport this queues the frame until the next exchange and may
	// fail with protocol.ErrBufferOverflow.
	Write(data []byte) error
	// Close closes the transport notifying the client with the given
	// disconnect reason when the transport state still allows a write.
	// Close is idempotent.
	Close(d protocol.Disconnect) error
}
