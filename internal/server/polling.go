package server

import (
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/switchboard-rt/switchboard/internal/protocol"
	"github.com/switchboard-rt/switchboard/internal/transport"

	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

const maxPollingBodySize = 1024 * 1024

// PollingHandler serves discrete exchanges: GET without a session is a
// handshake, GET with a session is a long poll draining the outbound
// queue, POST with a session submits client frames.
type PollingHandler struct {
	srv *Server
}

// NewPollingHandler creates new PollingHandler.
func NewPollingHandler(s *Server) *PollingHandler {
	return &PollingHandler{srv: s}
}

func (h *PollingHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.srv.config.CheckOrigin != nil && !h.srv.config.CheckOrigin(r) {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	switch r.Method {
	case http.MethodGet:
		sid := h.srv.sessionID(r)
		if sid == "" {
			h.handshake(w, r)
			return
		}
		h.poll(w, r, sid)
	case http.MethodPost:
		sid := h.srv.sessionID(r)
		if sid == "" {
			writeProtocolError(w, protocol.ErrUnknownSession)
			return
		}
		h.submit(w, r, sid)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *PollingHandler) handshake(w http.ResponseWriter, r *http.Request) {
	version, err := strconv.Atoi(r.URL.Query().Get("version"))
	if err != nil {
		writeProtocolError(w, protocol.ErrUnsupportedProtocolVersion)
		return
	}
	t := transport.NewPolling(transport.PollingConfig{
		QueueMaxSize: h.srv.node.QueueMaxSize(),
	})
	_, reply, err := h.srv.node.Handshake(version, t)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	open, err := protocol.NewOpenFrame(reply)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	data, err := protocol.MarshalFrame(open)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	h.srv.setSessionCookie(w, reply.SID)
	writeFrames(w, [][]byte{data})
}

func (h *PollingHandler) poll(w http.ResponseWriter, r *http.Request, sid string) {
	s, err := h.srv.node.Hub().Get(sid)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	pt, err := s.PollingTransport()
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if err := pt.BeginExchange(); err != nil {
		h.finishClosed(w, pt, err)
		return
	}
	defer pt.EndExchange()
	s.Touch(h.srv.node.Now())

	ctx, cancel := context.WithTimeout(r.Context(), h.srv.config.PollTimeout)
	defer cancel()
	frames := pt.WaitDrain(ctx)

	if reason, closed := pt.CloseReason(); closed && len(frames) == 0 {
		data, err := protocol.MarshalFrame(protocol.NewCloseFrame(reason))
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		writeFrames(w, [][]byte{data})
		return
	}
	writeFrames(w, frames)
}

// finishClosed turns exchange errors on an already closed transport into
// a final close frame, everything else into a protocol error.
func (h *PollingHandler) finishClosed(w http.ResponseWriter, pt *transport.Polling, err error) {
	if reason, closed := pt.CloseReason(); closed {
		data, marshalErr := protocol.MarshalFrame(protocol.NewCloseFrame(reason))
		if marshalErr == nil {
			writeFrames(w, [][]byte{data})
			return
		}
	}
	writeProtocolError(w, err)
}

func (h *PollingHandler) submit(w http.ResponseWriter, r *http.Request, sid string) {
	s, err := h.srv.node.Hub().Get(sid)
	if err != nil {
		writeProtocolError(w, err)
		return
	}
	if _, err := s.PollingTransport(); err != nil {
		// Frames arriving on a superseded transport are rejected, the
		// session keeps running on its current transport.
		writeProtocolError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPollingBodySize))
	if err != nil {
		writeProtocolError(w, protocol.ErrBadRequest)
		return
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		_ = s.Close(protocol.DisconnectBadFrame)
		writeProtocolError(w, protocol.ErrBadRequest)
		return
	}
	for _, item := range raw {
		frame, err := protocol.UnmarshalFrame(item)
		if err != nil {
			_ = s.Close(protocol.DisconnectBadFrame)
			writeProtocolError(w, protocol.ErrBadRequest)
			return
		}
		if err := h.srv.node.HandleFrame(s, frame); err != nil {
			log.Debug().Err(err).Str("session", sid).Msg("error handling frame")
			writeProtocolError(w, err)
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"ok":true}`))
}
