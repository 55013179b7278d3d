package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/switchboard-rt/switchboard/internal/node"
	"github.com/switchboard-rt/switchboard/internal/protocol"
	"github.com/switchboard-rt/switchboard/internal/transport"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	websocketHandshakeTimeout = 5 * time.Second
	websocketMessageSizeLimit = 1024 * 1024
)

var writeBufferPool = &sync.Pool{}

// WebsocketHandler serves persistent streams. A connection without a
// session performs the handshake directly, a connection referencing an
// existing polling session runs the probe then commit upgrade flow.
type WebsocketHandler struct {
	srv     *Server
	upgrade *websocket.Upgrader
}

// NewWebsocketHandler creates new WebsocketHandler.
func NewWebsocketHandler(s *Server) *WebsocketHandler {
	upgrade := &websocket.Upgrader{
		WriteBufferPool: writeBufferPool,
	}
	if s.config.CheckOrigin != nil {
		upgrade.CheckOrigin = s.config.CheckOrigin
	}
	return &WebsocketHandler{
		srv:     s,
		upgrade: upgrade,
	}
}

func (h *WebsocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrade.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("websocket upgrade error")
		return
	}
	conn.SetReadLimit(websocketMessageSizeLimit)

	sid := h.srv.sessionID(r)

	// Separate goroutine for better GC of caller's data.
	go func() {
		t := transport.NewWebsocket(conn, transport.WebsocketConfig{
			WriteTimeout: h.srv.config.WriteTimeout,
		})

		select {
		case <-h.srv.node.NotifyShutdown():
			_ = t.Close(protocol.DisconnectShutdown)
			return
		default:
		}

		var s *node.Session
		if sid == "" {
			s = h.handshake(conn, t)
		} else {
			s = h.upgradeSession(conn, t, sid)
		}
		if s == nil {
			return
		}
		h.readLoop(conn, t, s)
	}()
}

// handshake establishes a new session directly over the stream. The
// first client frame must be a handshake carrying the protocol version.
func (h *WebsocketHandler) handshake(conn *websocket.Conn, t *transport.Websocket) *node.Session {
	frame, err := readFrame(conn, websocketHandshakeTimeout)
	if err != nil {
		_ = t.Close(protocol.DisconnectBadFrame)
		return nil
	}
	if frame.Type != protocol.FrameHandshake {
		_ = t.Close(protocol.DisconnectBadFrame)
		return nil
	}
	s, reply, err := h.srv.node.Handshake(frame.Version, t)
	if err != nil {
		writeFrame(t, protocol.NewErrorFrame(asProtocolError(err)))
		_ = t.Close(protocol.Disconnect{})
		return nil
	}
	open, err := protocol.NewOpenFrame(reply)
	if err != nil {
		_ = s.Close(protocol.DisconnectTransportError)
		return nil
	}
	if !writeFrame(t, open) {
		_ = s.Close(protocol.DisconnectTransportError)
		return nil
	}
	return s
}

// upgradeSession runs the two-phase transport upgrade: the probe frame
// reserves the upgrade and proves the candidate stream works both ways,
// the upgrade frame commits it. Nothing touches the session until the
// commit, so a failed probe leaves polling fully functional.
func (h *WebsocketHandler) upgradeSession(conn *websocket.Conn, t *transport.Websocket, sid string) *node.Session {
	frame, err := readFrame(conn, websocketHandshakeTimeout)
	if err != nil || frame.Type != protocol.FrameProbe {
		_ = t.Close(protocol.DisconnectBadFrame)
		return nil
	}
	token, err := h.srv.node.BeginUpgrade(sid)
	if err != nil {
		writeFrame(t, protocol.NewErrorFrame(asProtocolError(err)))
		_ = t.Close(protocol.Disconnect{})
		return nil
	}
	if !writeFrame(t, &protocol.Frame{Type: protocol.FrameProbe}) {
		h.srv.node.CancelUpgrade(sid, token)
		_ = t.Close(protocol.DisconnectTransportError)
		return nil
	}

	frame, err = readFrame(conn, websocketHandshakeTimeout)
	if err != nil || frame.Type != protocol.FrameUpgrade {
		// The candidate died before the commit: release the reservation
		// so the session stays upgradable over polling.
		h.srv.node.CancelUpgrade(sid, token)
		_ = t.Close(protocol.DisconnectBadFrame)
		return nil
	}
	if err := h.srv.node.ConfirmUpgrade(sid, token, t); err != nil {
		writeFrame(t, protocol.NewErrorFrame(asProtocolError(err)))
		_ = t.Close(protocol.Disconnect{})
		return nil
	}
	s, err := h.srv.node.Hub().Get(sid)
	if err != nil {
		return nil
	}
	writeFrame(t, &protocol.Frame{Type: protocol.FrameUpgrade})
	return s
}

// readLoop feeds inbound frames of an established session into the
// engine until the stream breaks.
func (h *WebsocketHandler) readLoop(conn *websocket.Conn, t *transport.Websocket, s *node.Session) {
	liveness := h.srv.node.PingInterval() + h.srv.node.PingTimeout()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(liveness))
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		frame, err := protocol.UnmarshalFrame(data)
		if err != nil {
			_ = s.Close(protocol.DisconnectBadFrame)
			return
		}
		if err := h.srv.node.HandleFrame(s, frame); err != nil {
			writeFrame(t, protocol.NewErrorFrame(asProtocolError(err)))
		}
		select {
		case <-t.CloseNotify():
			return
		default:
		}
	}
	// Stream broke. When the engine closed the transport first (shutdown,
	// heartbeat eviction) the session is already gone and needs nothing
	// from us.
	select {
	case <-t.CloseNotify():
	default:
		_ = s.Close(protocol.DisconnectTransportError)
	}
}

func readFrame(conn *websocket.Conn, timeout time.Duration) (*protocol.Frame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.UnmarshalFrame(data)
}

func writeFrame(t transport.Transport, f *protocol.Frame) bool {
	data, err := protocol.MarshalFrame(f)
	if err != nil {
		return false
	}
	return t.Write(data) == nil
}

func asProtocolError(err error) *protocol.Error {
	if protoErr, ok := err.(*protocol.Error); ok {
		return protoErr
	}
	return protocol.ErrBadRequest
}
