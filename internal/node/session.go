package node

import (
	"errors"
	"sync"
	"time"

	"github.com/switchboard-rt/switchboard/internal/protocol"
	"github.com/switchboard-rt/switchboard/internal/transport"

	"github.com/google/uuid"
)

// sessionState is a phase of the session state machine:
//
//	openPolling -> upgrading -> openWebSocket -> closed
//	openWebSocket -> closed (direct websocket handshake)
type sessionState int

const (
	stateOpenPolling sessionState = iota
	stateUpgrading
	stateOpenWebSocket
	stateClosed
)

// Session is a logical identity of one client interaction, stable across
// transport exchanges, upgrade and reconnects within the grace window.
// All mutations are serialized by the session mutex: a single-writer
// discipline per session, sessions never block one another.
type Session struct {
	mu   sync.Mutex
	node *Node

	id      string
	version int

	state        sessionState
	trans        transport.Transport
	upgradeToken string
	upgraded     bool

	lastSeen     time.Time
	lastPingSent time.Time

	closed      bool
	closeReason protocol.Disconnect
}

func newSession(n *Node, version int, t transport.Transport, now time.Time) *Session {
	state := stateOpenPolling
	if t.Kind() == transport.KindWebSocket {
		state = stateOpenWebSocket
	}
	return &Session{
		node:     n,
		id:       uuid.NewString(),
		version:  version,
		state:    state,
		trans:    t,
		lastSeen: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Version returns the protocol version negotiated at handshake. It is
// immutable for the session lifetime.
func (s *Session) Version() int {
	return s.version
}

// TransportKind returns the kind of the currently active transport.
func (s *Session) TransportKind() transport.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trans.Kind()
}

// Upgrades returns the transport kinds the session may still upgrade to.
func (s *Session) Upgrades() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateOpenPolling {
		return []string{string(transport.KindWebSocket)}
	}
	return []string{}
}

// PollingTransport returns the active polling transport, or an error if
// the session moved on. Exchanges referencing a superseded transport get
// a distinguishable rejection instead of being silently processed.
func (s *Session) PollingTransport() (*transport.Polling, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, protocol.ErrUnknownSession
	}
	if s.state != stateOpenPolling && s.state != stateUpgrading {
		return nil, protocol.ErrUpgradeNotAllowed
	}
	return s.trans.(*transport.Polling), nil
}

// Touch refreshes session liveness after any inbound client activity.
func (s *Session) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = now
}

// Send writes one marshaled frame to the active transport. On polling
// transport the frame is buffered until the next exchange; buffer
// overflow destroys the session (exactly once) since unbounded buffering
// for a slow or dead client is an availability risk.
func (s *Session) Send(data []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrTransportClosed
	}
	t := s.trans
	// Write under the session mutex: this keeps the packet stream
	// ordered with respect to the transport swap during upgrade.
	err := t.Write(data)
	s.mu.Unlock()
	if err == nil {
		s.node.metrics.MessagesSentTotal.WithLabelValues(string(t.Kind())).Inc()
		return nil
	}
	if errors.Is(err, protocol.ErrBufferOverflow) {
		s.node.metrics.QueueOverflowTotal.Inc()
		s.node.closeSession(s, protocol.DisconnectBufferOverflow)
		return protocol.ErrBufferOverflow
	}
	return err
}

// beginUpgrade moves the session into the upgrading state and issues an
// upgrade token. Allowed only once, only from polling, and only while
// the session is heartbeat-live.
func (s *Session) beginUpgrade(now time.Time, liveness time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", protocol.ErrUnknownSession
	}
	if s.state != stateOpenPolling || s.upgraded {
		return "", protocol.ErrUpgradeNotAllowed
	}
	if now.Sub(s.lastSeen) > liveness {
		return "", protocol.ErrUpgradeNotAllowed
	}
	s.state = stateUpgrading
	s.upgradeToken = uuid.NewString()
	return s.upgradeToken, nil
}

// cancelUpgrade rolls the session back to the polling state when the
// candidate transport dropped between probe and commit. Reports whether
// a pending upgrade matching the token was actually canceled.
func (s *Session) cancelUpgrade(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != stateUpgrading || token == "" || token != s.upgradeToken {
		return false
	}
	s.state = stateOpenPolling
	s.upgradeToken = ""
	return true
}

// confirmUpgrade atomically swaps the active transport. Frames queued
// for the polling transport are replayed on the new one before any new
// frame, then the old transport is closed and never read again. Holding
// the session mutex for the whole swap is the per-session
// stop-the-world moment the upgrade needs: no reads of the old
// transport after, no writes to the new one before.
func (s *Session) confirmUpgrade(token string, newTransport transport.Transport) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return protocol.ErrUnknownSession
	}
	if s.state != stateUpgrading || token == "" || token != s.upgradeToken {
		s.mu.Unlock()
		return protocol.ErrUpgradeNotAllowed
	}
	old := s.trans.(*transport.Polling)
	for _, frame := range old.Drain() {
		if err := newTransport.Write(frame); err != nil {
			// The candidate transport failed before commit: stay on
			// polling, the client may retry the upgrade... except the
			// drained frames are gone with the failed transport, so
			// treat this as a fatal transport error instead.
			s.state = stateClosed
			s.closed = true
			s.closeReason = protocol.DisconnectTransportError
			s.mu.Unlock()
			s.node.finalizeClose(s, old, protocol.DisconnectTransportError)
			return protocol.ErrUpgradeNotAllowed
		}
	}
	s.trans = newTransport
	s.state = stateOpenWebSocket
	s.upgraded = true
	s.upgradeToken = ""
	s.mu.Unlock()
	_ = old.Close(protocol.DisconnectUpgraded)
	return nil
}

// checkLiveness destroys the session if it exceeded its liveness
// deadline and emits a server ping when one is due. Called by the
// heartbeat monitor with only this session's lock taken, so a sweep
// never stalls unrelated handshake or upgrade traffic.
func (s *Session) checkLiveness(now time.Time, cfg heartbeatConfig) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	deadline := cfg.pingInterval + cfg.pingTimeout
	if s.state == stateOpenPolling || s.state == stateUpgrading {
		// Between discrete exchanges the session has no live byte
		// stream: allow the configured disconnect grace if longer.
		if cfg.disconnectGrace > deadline {
			deadline = cfg.disconnectGrace
		}
	}
	if now.Sub(s.lastSeen) > deadline {
		s.mu.Unlock()
		s.node.closeSession(s, protocol.DisconnectHeartbeatTimeout)
		return
	}
	var pingDue bool
	if cfg.serverPings && now.Sub(s.lastPingSent) >= cfg.pingInterval {
		s.lastPingSent = now
		pingDue = true
	}
	s.mu.Unlock()
	if pingDue {
		data, err := protocol.MarshalFrame(&protocol.Frame{Type: protocol.FramePing})
		if err == nil {
			_ = s.Send(data)
		}
	}
}

// Close closes the session with a reason. Idempotent: concurrent and
// repeated closes collapse into a single destroy.
func (s *Session) Close(d protocol.Disconnect) error {
	s.node.closeSession(s, d)
	return nil
}
