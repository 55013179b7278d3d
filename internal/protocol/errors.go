package protocol

import "fmt"

// Error is a structured protocol error surfaced to the caller of an
// operation. It is distinguishable by code on both sides of the wire.
type Error struct {
	Code    uint32 `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%d: %s", e.Code, e.Message)
}

var (
	// ErrUnsupportedProtocolVersion is returned on handshake when the
	// declared protocol version (older or newer) is not in the supported
	// set. Fatal to handshake, no session is created.
	ErrUnsupportedProtocolVersion = &Error{
		Code:    4001,
		Message: "unsupported protocol version",
	}
	// ErrUnknownSession is returned when an exchange references a session
	// identifier not present in the registry: it expired, was evicted, or
	// the request was misrouted by the load balancer.
	ErrUnknownSession = &Error{
		Code:    4002,
		Message: "unknown session",
	}
	// ErrUpgradeNotAllowed is returned on a duplicate or out-of-order
	// upgrade attempt, and for packets arriving on a superseded
	// transport. Fatal to the attempt only, the session keeps its
	// current transport.
	ErrUpgradeNotAllowed = &Error{
		Code:    4003,
		Message: "upgrade not allowed",
	}
	// ErrBufferOverflow is returned when the outbound queue of a session
	// exceeds the configured byte bound. Fatal to the session.
	ErrBufferOverflow = &Error{
		Code:    4004,
		Message: "outbound buffer overflow",
	}
	// ErrBadRequest is returned for malformed frames.
	ErrBadRequest = &Error{
		Code:    4005,
		Message: "bad request",
	}
	// ErrShutdown is returned for operations attempted on a node which
	// is shutting down.
	ErrShutdown = &Error{
		Code:    4006,
		Message: "node is shutting down",
	}
)

// Disconnect describes why a session was closed. The code and reason are
// delivered to the peer in a close frame whenever the transport still
// allows a write.
type Disconnect struct {
	Code   uint32 `json:"code"`
	Reason string `json:"reason"`
}

func (d Disconnect) String() string {
	return fmt.Sprintf("%d: %s", d.Code, d.Reason)
}

var (
	// DisconnectNormal is sent on clean intentional close.
	DisconnectNormal = Disconnect{Code: 3000, Reason: "normal"}
	// DisconnectShutdown is sent when the server node stops.
	DisconnectShutdown = Disconnect{Code: 3001, Reason: "shutdown"}
	// DisconnectHeartbeatTimeout is used when a session missed liveness
	// deadline and was evicted by the heartbeat monitor.
	DisconnectHeartbeatTimeout = Disconnect{Code: 3002, Reason: "heartbeat timeout"}
	// DisconnectBufferOverflow is used when the session outbound queue
	// exceeded its byte bound.
	DisconnectBufferOverflow = Disconnect{Code: 3003, Reason: "buffer overflow"}
	// DisconnectTransportError is used on unrecoverable transport errors.
	DisconnectTransportError = Disconnect{Code: 3004, Reason: "transport error"}
	// DisconnectBadFrame is used when the peer sent a frame the server
	// can not process.
	DisconnectBadFrame = Disconnect{Code: 3005, Reason: "bad frame"}
	// DisconnectServerRequest is used when a session is invalidated by a
	// control message, possibly published by another process.
	DisconnectServerRequest = Disconnect{Code: 3006, Reason: "closed by server"}
	// DisconnectUpgraded ends the polling transport of a session which
	// committed an upgrade to websocket. The session itself stays open.
	DisconnectUpgraded = Disconnect{Code: 3007, Reason: "transport upgraded"}
)
