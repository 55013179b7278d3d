// Package node contains the core engine of switchboard: the session
// registry, the handshake and upgrade state machine, heartbeat driven
// liveness and event fan-out to local sessions and to the bus.
package node

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/switchboard-rt/switchboard/internal/broker"
	"github.com/switchboard-rt/switchboard/internal/metrics"
	"github.com/switchboard-rt/switchboard/internal/protocol"
	"github.com/switchboard-rt/switchboard/internal/transport"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/segmentio/encoding/json"
)

// Config is a configuration of Node.
type Config struct {
	// PingInterval is how often liveness probes are emitted.
	PingInterval time.Duration
	// PingTimeout is how long a session may stay silent past a probe.
	PingTimeout time.Duration
	// PingFromServer defines the probe direction: true means the server
	// emits pings, false means the server only arms the deadline and
	// expects the client to ping.
	PingFromServer bool
	// QueueMaxSize bounds the outbound queue of a polling session.
	QueueMaxSize int
	// DisconnectGrace keeps a session without a live byte stream in the
	// registry between discrete exchanges and across reconnects.
	DisconnectGrace time.Duration
	// Clock used by the heartbeat scheduler. RealClock when nil.
	Clock Clock
	// Metrics registry. A fresh default one when nil.
	Metrics *metrics.Registry
}

type heartbeatConfig struct {
	pingInterval    time.Duration
	pingTimeout     time.Duration
	disconnectGrace time.Duration
	serverPings     bool
}

// Node is one process of the messaging server. The node registry is
// authoritative for sessions connected to this process, everything else
// is reached through the broker.
type Node struct {
	id      string
	config  Config
	hub     *Hub
	clock   Clock
	metrics *metrics.Registry

	startedAt time.Time

	brokerMu sync.RWMutex
	broker   broker.Broker

	busMessages chan *broker.Envelope

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
}

// New creates a Node. Call SetBroker before Run to enable cross-process
// delivery.
func New(cfg Config) (*Node, error) {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Metrics == nil {
		m, err := metrics.New(metrics.Config{})
		if err != nil {
			return nil, err
		}
		cfg.Metrics = m
	}
	n := &Node{
		id:          uuid.NewString(),
		config:      cfg,
		hub:         NewHub(),
		clock:       cfg.Clock,
		metrics:     cfg.Metrics,
		startedAt:   cfg.Clock.Now(),
		busMessages: make(chan *broker.Envelope, 256),
		shutdownCh:  make(chan struct{}),
	}
	go n.processBusMessages()
	return n, nil
}

// ID returns unique identifier of this node process, used as the origin
// marker on bus envelopes.
func (n *Node) ID() string {
	return n.id
}

// Hub returns the session registry of the node.
func (n *Node) Hub() *Hub {
	return n.hub
}

// StartedAt returns the node start time.
func (n *Node) StartedAt() time.Time {
	return n.startedAt
}

// SetBroker attaches the cross-process broadcast adapter. Must be called
// before the broker runs.
func (n *Node) SetBroker(b broker.Broker) {
	n.brokerMu.Lock()
	defer n.brokerMu.Unlock()
	n.broker = b
	b.Subscribe(n.handleEnvelope)
}

// Broker returns the attached broker, possibly nil.
func (n *Node) Broker() broker.Broker {
	n.brokerMu.RLock()
	defer n.brokerMu.RUnlock()
	return n.broker
}

// PingInterval returns the configured probe interval.
func (n *Node) PingInterval() time.Duration {
	return n.config.PingInterval
}

// PingTimeout returns the configured probe timeout.
func (n *Node) PingTimeout() time.Duration {
	return n.config.PingTimeout
}

// QueueMaxSize returns the configured outbound queue byte bound.
func (n *Node) QueueMaxSize() int {
	return n.config.QueueMaxSize
}

// Now returns the current time of the node clock.
func (n *Node) Now() time.Time {
	return n.clock.Now()
}

func (n *Node) heartbeatConfig() heartbeatConfig {
	return heartbeatConfig{
		pingInterval:    n.config.PingInterval,
		pingTimeout:     n.config.PingTimeout,
		disconnectGrace: n.config.DisconnectGrace,
		serverPings:     n.config.PingFromServer,
	}
}

// Handshake negotiates the protocol version and establishes a new
// session over the given transport. Fails with
// protocol.ErrUnsupportedProtocolVersion without creating a session when
// the requested version is not supported.
func (n *Node) Handshake(requestedVersion int, t transport.Transport) (*Session, protocol.HandshakeReply, error) {
	select {
	case <-n.shutdownCh:
		return nil, protocol.HandshakeReply{}, protocol.ErrShutdown
	default:
	}
	version, err := protocol.NegotiateVersion(requestedVersion)
	if err != nil {
		return nil, protocol.HandshakeReply{}, err
	}
	s := newSession(n, version, t, n.clock.Now())
	n.hub.Add(s)
	n.metrics.SessionsCurrent.Inc()
	n.metrics.TransportsCurrent.WithLabelValues(string(t.Kind())).Inc()
	reply := protocol.HandshakeReply{
		SID:          s.ID(),
		Version:      version,
		Upgrades:     s.Upgrades(),
		PingInterval: n.config.PingInterval.Milliseconds(),
		PingTimeout:  n.config.PingTimeout.Milliseconds(),
	}
	log.Debug().Str("session", s.ID()).Int("version", version).Str("transport", t.Name()).Msg("session established")
	return s, reply, nil
}

// BeginUpgrade starts the one-time polling to websocket upgrade of a
// session, returning an upgrade token for the commit phase.
func (n *Node) BeginUpgrade(sid string) (string, error) {
	s, err := n.hub.Get(sid)
	if err != nil {
		return "", err
	}
	liveness := n.config.PingInterval + n.config.PingTimeout
	token, err := s.beginUpgrade(n.clock.Now(), liveness)
	if err != nil {
		n.metrics.UpgradesTotal.WithLabelValues("rejected").Inc()
		return "", err
	}
	return token, nil
}

// CancelUpgrade aborts an upgrade reserved by BeginUpgrade after the
// candidate transport failed before the commit. The session returns to
// plain polling and stays upgradable: nothing was consumed.
func (n *Node) CancelUpgrade(sid, token string) {
	s, err := n.hub.Get(sid)
	if err != nil {
		return
	}
	if s.cancelUpgrade(token) {
		n.metrics.UpgradesTotal.WithLabelValues("failed").Inc()
		log.Debug().Str("session", sid).Msg("transport upgrade canceled")
	}
}

// ConfirmUpgrade atomically swaps the session transport to the new one,
// replaying every frame queued for the polling transport first.
func (n *Node) ConfirmUpgrade(sid, token string, newTransport transport.Transport) error {
	s, err := n.hub.Get(sid)
	if err != nil {
		return err
	}
	err = s.confirmUpgrade(token, newTransport)
	if err != nil {
		n.metrics.UpgradesTotal.WithLabelValues("failed").Inc()
		return err
	}
	n.metrics.TransportsCurrent.WithLabelValues(string(transport.KindPolling)).Dec()
	n.metrics.TransportsCurrent.WithLabelValues(string(transport.KindWebSocket)).Inc()
	n.metrics.UpgradesTotal.WithLabelValues("ok").Inc()
	log.Debug().Str("session", sid).Msg("session upgraded to websocket")
	return nil
}

// Broadcast delivers an event to the scope: local sessions directly via
// the registry, remote ones via the bus. Emission order towards one room
// from one process is preserved.
func (n *Node) Broadcast(event string, payload []json.RawMessage, scope broker.Scope) error {
	frame := &protocol.Frame{
		Type:    protocol.FrameMessage,
		Event:   event,
		Payload: payload,
		Room:    scope.Room,
	}
	data, err := protocol.MarshalFrame(frame)
	if err != nil {
		return err
	}
	n.deliverLocal(data, scope)

	if scope.Session != "" {
		if _, err := n.hub.Get(scope.Session); err == nil {
			// Target session lives here, no need to bother the bus.
			return nil
		}
	}
	b := n.Broker()
	if b == nil {
		return nil
	}
	err = b.Publish(&broker.Envelope{
		Node:    n.id,
		Kind:    broker.KindEvent,
		Event:   event,
		Payload: payload,
		Scope:   scope,
	})
	if errors.Is(err, broker.ErrDegraded) {
		// Local delivery already done, cross-process visibility is
		// degraded which the broker exposes via its state.
		return nil
	}
	return err
}

func (n *Node) deliverLocal(data []byte, scope broker.Scope) {
	excluded := func(sid string) bool {
		for _, ex := range scope.Exclude {
			if ex == sid {
				return true
			}
		}
		return false
	}
	switch {
	case scope.Session != "":
		if s, err := n.hub.Get(scope.Session); err == nil && !excluded(s.ID()) {
			_ = s.Send(data)
		}
	case scope.Room != "":
		for _, s := range n.hub.RoomMembers(scope.Room) {
			if excluded(s.ID()) {
				continue
			}
			_ = s.Send(data)
		}
	case scope.All:
		for _, s := range n.hub.Sessions() {
			if excluded(s.ID()) {
				continue
			}
			_ = s.Send(data)
		}
	}
}

// DisconnectSession closes a session wherever it is connected: locally
// through the registry, remotely through a control envelope. Control
// envelopes survive short bus outages in the broker buffer.
func (n *Node) DisconnectSession(sid string) error {
	if s, err := n.hub.Get(sid); err == nil {
		n.closeSession(s, protocol.DisconnectServerRequest)
		return nil
	}
	b := n.Broker()
	if b == nil {
		return protocol.ErrUnknownSession
	}
	return b.Publish(&broker.Envelope{
		Node:  n.id,
		Kind:  broker.KindDisconnect,
		Scope: broker.Scope{Session: sid},
	})
}

// handleEnvelope is the broker subscribe callback. It runs on the bus
// delivery goroutine: event fan-out is dispatched to a separate worker,
// while session invalidations are applied inline since they are cheap
// and must not be lost to local backpressure.
func (n *Node) handleEnvelope(e *broker.Envelope) {
	if e.Kind == broker.KindDisconnect {
		n.applyEnvelope(e)
		return
	}
	select {
	case n.busMessages <- e:
	case <-n.shutdownCh:
	default:
		log.Warn().Msg("bus message dropped: local dispatch queue full")
	}
}

func (n *Node) processBusMessages() {
	for {
		select {
		case <-n.shutdownCh:
			return
		case e := <-n.busMessages:
			n.applyEnvelope(e)
		}
	}
}

func (n *Node) applyEnvelope(e *broker.Envelope) {
	switch e.Kind {
	case broker.KindDisconnect:
		if s, err := n.hub.Get(e.Scope.Session); err == nil {
			n.closeSession(s, protocol.DisconnectServerRequest)
		}
	case broker.KindEvent:
		frame := &protocol.Frame{
			Type:    protocol.FrameMessage,
			Event:   e.Event,
			Payload: e.Payload,
			Room:    e.Scope.Room,
		}
		data, err := protocol.MarshalFrame(frame)
		if err != nil {
			return
		}
		n.deliverLocal(data, e.Scope)
	default:
		log.Warn().Str("kind", string(e.Kind)).Msg("unknown bus envelope kind")
	}
}

// closeSession destroys a session: exactly once, releasing it from the
// registry, rooms and its transport.
func (n *Node) closeSession(s *Session, d protocol.Disconnect) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.state = stateClosed
	s.closeReason = d
	t := s.trans
	s.mu.Unlock()
	n.finalizeClose(s, t, d)
}

func (n *Node) finalizeClose(s *Session, t transport.Transport, d protocol.Disconnect) {
	n.hub.Remove(s)
	if t != nil {
		_ = t.Close(d)
		n.metrics.TransportsCurrent.WithLabelValues(string(t.Kind())).Dec()
	}
	n.metrics.SessionsCurrent.Dec()
	n.metrics.RoomsCurrent.Set(float64(n.hub.NumRooms()))
	n.metrics.DisconnectsTotal.WithLabelValues(d.Reason).Inc()
	log.Debug().Str("session", s.ID()).Str("reason", d.Reason).Msg("session closed")
}

// NotifyShutdown returns a channel closed when the node shutdown starts.
func (n *Node) NotifyShutdown() <-chan struct{} {
	return n.shutdownCh
}

// Shutdown closes every local session with the shutdown reason and stops
// internal workers. Safe to call more than once.
func (n *Node) Shutdown(ctx context.Context) error {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
	})
	for _, s := range n.hub.Sessions() {
		n.closeSession(s, protocol.DisconnectShutdown)
		if ctx.Err() != nil {
			break
		}
	}
	return ctx.Err()
}
