package node

import (
	"github.com/switchboard-rt/switchboard/internal/broker"
	"github.com/switchboard-rt/switchboard/internal/protocol"
)

// HandleFrame processes one inbound frame of a session. Shared by both
// transports: the polling submit endpoint and the websocket read loop
// feed the same dispatch. Any inbound frame refreshes session liveness.
func (n *Node) HandleFrame(s *Session, f *protocol.Frame) error {
	s.Touch(n.clock.Now())
	n.metrics.MessagesRecvTotal.WithLabelValues(string(s.TransportKind())).Inc()

	switch f.Type {
	case protocol.FramePing:
		data, err := protocol.MarshalFrame(&protocol.Frame{Type: protocol.FramePong})
		if err != nil {
			return err
		}
		return s.Send(data)
	case protocol.FramePong:
		// Liveness already refreshed above.
		return nil
	case protocol.FrameJoin:
		if f.Room == "" {
			return protocol.ErrBadRequest
		}
		if err := n.hub.Join(f.Room, s); err != nil {
			return err
		}
		n.metrics.RoomsCurrent.Set(float64(n.hub.NumRooms()))
		return nil
	case protocol.FrameLeave:
		if f.Room == "" {
			return protocol.ErrBadRequest
		}
		n.hub.Leave(f.Room, s)
		n.metrics.RoomsCurrent.Set(float64(n.hub.NumRooms()))
		return nil
	case protocol.FrameMessage:
		if f.Event == "" {
			return protocol.ErrBadRequest
		}
		scope := broker.Scope{Exclude: []string{s.ID()}}
		if f.Room != "" {
			scope.Room = f.Room
		} else {
			scope.All = true
		}
		return n.Broadcast(f.Event, f.Payload, scope)
	case protocol.FrameClose:
		n.closeSession(s, protocol.DisconnectNormal)
		return nil
	default:
		return protocol.ErrBadRequest
	}
}
