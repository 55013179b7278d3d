// Package protocol describes the wire contract between switchboard and
// its clients: frame types, the handshake payload and the error taxonomy.
package protocol

import (
	"fmt"

	"github.com/segmentio/encoding/json"
)

// Supported protocol versions. A client declaring any other version gets
// a structured rejection at handshake time.
var SupportedVersions = []int{3, 4}

// CurrentVersion is the version offered to clients which support a range.
const CurrentVersion = 4

// FrameType is a type of protocol frame.
type FrameType string

const (
	// FrameHandshake is the first frame of a connection carrying the
	// requested protocol version.
	FrameHandshake FrameType = "handshake"
	// FrameOpen is the server reply to a successful handshake.
	FrameOpen FrameType = "open"
	// FramePing is a liveness probe. Either peer may send it depending on
	// the configured ping direction.
	FramePing FrameType = "ping"
	// FramePong is a reply to ping.
	FramePong FrameType = "pong"
	// FrameMessage carries an application event with its payload values.
	FrameMessage FrameType = "message"
	// FrameJoin adds the session to a room.
	FrameJoin FrameType = "join"
	// FrameLeave removes the session from a room.
	FrameLeave FrameType = "leave"
	// FrameProbe tests a candidate transport during upgrade without
	// committing to it.
	FrameProbe FrameType = "probe"
	// FrameUpgrade commits the upgrade to the probed transport.
	FrameUpgrade FrameType = "upgrade"
	// FrameClose tells the peer the session is over and why.
	FrameClose FrameType = "close"
	// FrameError carries a structured error reply.
	FrameError FrameType = "error"
)

// Frame is a single unit of the wire protocol. Fields are used depending
// on frame type.
type Frame struct {
	Type    FrameType         `json:"type"`
	Version int               `json:"version,omitempty"`
	Event   string            `json:"event,omitempty"`
	Payload []json.RawMessage `json:"payload,omitempty"`
	Room    string            `json:"room,omitempty"`
	Code    uint32            `json:"code,omitempty"`
	Reason  string            `json:"reason,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// HandshakeReply is the payload of an open frame. Explicitly
// version-tagged so an incompatible peer fails with a structured error
// instead of a parse failure.
type HandshakeReply struct {
	SID          string   `json:"sid"`
	Version      int      `json:"version"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int64    `json:"ping_interval"` // milliseconds
	PingTimeout  int64    `json:"ping_timeout"`  // milliseconds
}

// MarshalFrame encodes a frame for the wire.
func MarshalFrame(f *Frame) ([]byte, error) {
	return json.Marshal(f)
}

// UnmarshalFrame decodes a single frame.
func UnmarshalFrame(data []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame without type")
	}
	return &f, nil
}

// NegotiateVersion returns the version to use for a client requesting the
// given one, or ErrUnsupportedProtocolVersion. Versions never degrade
// silently: only an exact member of the supported set is accepted.
func NegotiateVersion(requested int) (int, error) {
	for _, v := range SupportedVersions {
		if v == requested {
			return v, nil
		}
	}
	return 0, ErrUnsupportedProtocolVersion
}

// NewOpenFrame builds an open frame from a handshake reply.
func NewOpenFrame(reply HandshakeReply) (*Frame, error) {
	data, err := json.Marshal(reply)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: FrameOpen, Version: reply.Version, Data: data}, nil
}

// NewErrorFrame builds an error frame from a protocol error.
func NewErrorFrame(err *Error) *Frame {
	return &Frame{Type: FrameError, Code: err.Code, Reason: err.Message}
}

// NewCloseFrame builds a close frame from a disconnect reason.
func NewCloseFrame(d Disconnect) *Frame {
	return &Frame{Type: FrameClose, Code: d.Code, Reason: d.Reason}
}
