package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/switchboard-rt/switchboard/internal/broker"
	"github.com/switchboard-rt/switchboard/internal/metrics"
	"github.com/switchboard-rt/switchboard/internal/protocol"
	"github.com/switchboard-rt/switchboard/internal/transport"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

// fakeClock drives the heartbeat scheduler deterministically in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1700000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *fakeClock) NewTicker(time.Duration) Ticker {
	return &fakeTicker{ch: make(chan time.Time, 1)}
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

// recordingTransport is a persistent-stream transport capturing writes.
type recordingTransport struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	reason protocol.Disconnect
}

func (t *recordingTransport) Name() string         { return string(transport.KindWebSocket) }
func (t *recordingTransport) Kind() transport.Kind { return transport.KindWebSocket }

func (t *recordingTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrTransportClosed
	}
	t.frames = append(t.frames, data)
	return nil
}

func (t *recordingTransport) Close(d protocol.Disconnect) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.reason = d
	return nil
}

func (t *recordingTransport) Frames() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	frames := make([][]byte, len(t.frames))
	copy(frames, t.frames)
	return frames
}

func newTestNode(t *testing.T, clock Clock) *Node {
	t.Helper()
	m, err := metrics.New(metrics.Config{Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	n, err := New(Config{
		PingInterval:    25 * time.Second,
		PingTimeout:     10 * time.Second,
		PingFromServer:  true,
		QueueMaxSize:    1024,
		DisconnectGrace: 30 * time.Second,
		Clock:           clock,
		Metrics:         m,
	})
	require.NoError(t, err)
	return n
}

func pollingHandshake(t *testing.T, n *Node) (*Session, *transport.Polling) {
	t.Helper()
	pt := transport.NewPolling(transport.PollingConfig{QueueMaxSize: n.QueueMaxSize()})
	s, reply, err := n.Handshake(4, pt)
	require.NoError(t, err)
	require.Equal(t, s.ID(), reply.SID)
	return s, pt
}

func TestHandshakeNegotiatesVersion(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, reply, err := n.Handshake(4, transport.NewPolling(transport.PollingConfig{QueueMaxSize: 1024}))
	require.NoError(t, err)
	require.Equal(t, 4, reply.Version)
	require.Equal(t, 4, s.Version())
	require.Equal(t, []string{"websocket"}, reply.Upgrades)
	require.Equal(t, int64(25000), reply.PingInterval)
	require.Equal(t, int64(10000), reply.PingTimeout)
	require.NotEmpty(t, reply.SID)
}

func TestHandshakeUnsupportedVersion(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	for _, version := range []int{1, 2, 5, 100} {
		_, _, err := n.Handshake(version, transport.NewPolling(transport.PollingConfig{QueueMaxSize: 1024}))
		require.ErrorIs(t, err, protocol.ErrUnsupportedProtocolVersion)
	}
	// Failed handshakes never create sessions.
	require.Equal(t, 0, n.Hub().NumSessions())
}

func TestHandshakeDirectWebsocket(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, reply, err := n.Handshake(3, &recordingTransport{})
	require.NoError(t, err)
	require.Equal(t, 3, reply.Version)
	require.Empty(t, reply.Upgrades)
	// Direct websocket sessions can not upgrade again.
	_, err = n.BeginUpgrade(s.ID())
	require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)
}

func TestUpgradeReplaysQueuedFramesInOrder(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, _ := pollingHandshake(t, n)

	require.NoError(t, s.Send([]byte(`1`)))
	require.NoError(t, s.Send([]byte(`2`)))
	require.NoError(t, s.Send([]byte(`3`)))

	token, err := n.BeginUpgrade(s.ID())
	require.NoError(t, err)

	ws := &recordingTransport{}
	require.NoError(t, n.ConfirmUpgrade(s.ID(), token, ws))

	require.NoError(t, s.Send([]byte(`4`)))

	require.Equal(t, [][]byte{[]byte(`1`), []byte(`2`), []byte(`3`), []byte(`4`)}, ws.Frames())
	require.Equal(t, transport.KindWebSocket, s.TransportKind())
}

func TestUpgradeOnlyOnce(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, _ := pollingHandshake(t, n)

	token, err := n.BeginUpgrade(s.ID())
	require.NoError(t, err)

	// Session already upgrading: a concurrent second attempt loses.
	_, err = n.BeginUpgrade(s.ID())
	require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)

	require.NoError(t, n.ConfirmUpgrade(s.ID(), token, &recordingTransport{}))

	// And after the swap the upgrade can never happen again.
	_, err = n.BeginUpgrade(s.ID())
	require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)
}

func TestConcurrentUpgradeSingleWinner(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, _ := pollingHandshake(t, n)

	const attempts = 16
	var wg sync.WaitGroup
	errs := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := n.BeginUpgrade(s.ID())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var ok, rejected int
	for err := range errs {
		if err == nil {
			ok++
		} else {
			require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)
			rejected++
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, attempts-1, rejected)
}

func TestConfirmUpgradeRequiresValidToken(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, _ := pollingHandshake(t, n)

	_, err := n.BeginUpgrade(s.ID())
	require.NoError(t, err)
	err = n.ConfirmUpgrade(s.ID(), "bogus", &recordingTransport{})
	require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)
	// Session stays on its current transport after the failed attempt.
	require.Equal(t, transport.KindPolling, s.TransportKind())
}

func TestSupersededTransportRejected(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, pt := pollingHandshake(t, n)

	got, err := s.PollingTransport()
	require.NoError(t, err)
	require.Equal(t, pt, got)

	token, err := n.BeginUpgrade(s.ID())
	require.NoError(t, err)
	require.NoError(t, n.ConfirmUpgrade(s.ID(), token, &recordingTransport{}))

	// A discrete exchange arriving after the swap must be rejected, not
	// silently processed.
	_, err = s.PollingTransport()
	require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)
}

func TestUpgradeOfUnknownSession(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	_, err := n.BeginUpgrade("missing")
	require.ErrorIs(t, err, protocol.ErrUnknownSession)
}

func TestHeartbeatEvictsExpiredSession(t *testing.T) {
	clock := newFakeClock()
	n := newTestNode(t, clock)
	s, _, err := n.Handshake(4, &recordingTransport{})
	require.NoError(t, err)

	// Within the deadline the session survives sweeps.
	clock.Advance(30 * time.Second)
	n.sweep()
	_, err = n.Hub().Get(s.ID())
	require.NoError(t, err)

	// Past ping interval + ping timeout it is destroyed by one sweep.
	clock.Advance(6 * time.Second)
	n.sweep()
	_, err = n.Hub().Get(s.ID())
	require.ErrorIs(t, err, protocol.ErrUnknownSession)
}

func TestHeartbeatPollingGrace(t *testing.T) {
	clock := newFakeClock()
	n := newTestNode(t, clock)
	s, _ := pollingHandshake(t, n)

	// A polling session between exchanges gets the disconnect grace
	// (30s less than 35s liveness here, so the liveness deadline wins).
	clock.Advance(34 * time.Second)
	n.sweep()
	_, err := n.Hub().Get(s.ID())
	require.NoError(t, err)

	clock.Advance(2 * time.Second)
	n.sweep()
	_, err = n.Hub().Get(s.ID())
	require.ErrorIs(t, err, protocol.ErrUnknownSession)
}

func TestHeartbeatInboundActivityRefreshesLiveness(t *testing.T) {
	clock := newFakeClock()
	n := newTestNode(t, clock)
	s, _, err := n.Handshake(4, &recordingTransport{})
	require.NoError(t, err)

	clock.Advance(30 * time.Second)
	require.NoError(t, n.HandleFrame(s, &protocol.Frame{Type: protocol.FramePong}))
	clock.Advance(30 * time.Second)
	n.sweep()
	_, err = n.Hub().Get(s.ID())
	require.NoError(t, err)
}

func TestHeartbeatServerPing(t *testing.T) {
	clock := newFakeClock()
	n := newTestNode(t, clock)
	ws := &recordingTransport{}
	_, _, err := n.Handshake(4, ws)
	require.NoError(t, err)

	clock.Advance(25 * time.Second)
	n.sweep()

	frames := ws.Frames()
	require.Len(t, frames, 1)
	f, err := protocol.UnmarshalFrame(frames[0])
	require.NoError(t, err)
	require.Equal(t, protocol.FramePing, f.Type)
}

func TestBufferOverflowDestroysSessionOnce(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, _ := pollingHandshake(t, n)

	payload := make([]byte, 512)
	require.NoError(t, s.Send(payload))

	const writers = 8
	var wg sync.WaitGroup
	overflow := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			overflow <- s.Send(make([]byte, 600))
		}()
	}
	wg.Wait()
	close(overflow)

	for err := range overflow {
		require.Error(t, err)
	}
	_, err := n.Hub().Get(s.ID())
	require.ErrorIs(t, err, protocol.ErrUnknownSession)
	require.Equal(t, protocol.DisconnectBufferOverflow, s.closeReason)
}

func TestRoomBroadcast(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	ws1 := &recordingTransport{}
	ws2 := &recordingTransport{}
	s1, _, err := n.Handshake(4, ws1)
	require.NoError(t, err)
	s2, _, err := n.Handshake(4, ws2)
	require.NoError(t, err)

	require.NoError(t, n.Hub().Join("lobby", s1))
	require.NoError(t, n.Hub().Join("lobby", s2))
	require.Equal(t, 1, n.Hub().NumRooms())

	payload := []json.RawMessage{json.RawMessage(`"hello"`)}
	require.NoError(t, n.Broadcast("greet", payload, broker.Scope{Room: "lobby"}))
	require.Len(t, ws1.Frames(), 1)
	require.Len(t, ws2.Frames(), 1)

	f, err := protocol.UnmarshalFrame(ws1.Frames()[0])
	require.NoError(t, err)
	require.Equal(t, protocol.FrameMessage, f.Type)
	require.Equal(t, "greet", f.Event)
	require.Equal(t, "lobby", f.Room)

	// A member removed before publish receives nothing.
	n.Hub().Leave("lobby", s2)
	require.NoError(t, n.Broadcast("greet", payload, broker.Scope{Room: "lobby"}))
	require.Len(t, ws1.Frames(), 2)
	require.Len(t, ws2.Frames(), 1)

	// Room is destroyed together with its last member.
	n.Hub().Leave("lobby", s1)
	require.Equal(t, 0, n.Hub().NumRooms())
}

func TestBroadcastExclusion(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	ws1 := &recordingTransport{}
	ws2 := &recordingTransport{}
	s1, _, err := n.Handshake(4, ws1)
	require.NoError(t, err)
	s2, _, err := n.Handshake(4, ws2)
	require.NoError(t, err)
	require.NoError(t, n.Hub().Join("lobby", s1))
	require.NoError(t, n.Hub().Join("lobby", s2))

	// Message frames fan out to the room excluding the sender.
	err = n.HandleFrame(s1, &protocol.Frame{
		Type:    protocol.FrameMessage,
		Event:   "chat",
		Room:    "lobby",
		Payload: []json.RawMessage{json.RawMessage(`"hi"`)},
	})
	require.NoError(t, err)
	require.Empty(t, ws1.Frames())
	require.Len(t, ws2.Frames(), 1)
}

func TestBusEnvelopeDelivery(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	ws := &recordingTransport{}
	s, _, err := n.Handshake(4, ws)
	require.NoError(t, err)
	require.NoError(t, n.Hub().Join("lobby", s))

	n.applyEnvelope(&broker.Envelope{
		Node:    "other-node",
		Kind:    broker.KindEvent,
		Event:   "remote",
		Payload: []json.RawMessage{json.RawMessage(`1`)},
		Scope:   broker.Scope{Room: "lobby"},
	})
	require.Len(t, ws.Frames(), 1)

	n.applyEnvelope(&broker.Envelope{
		Node:  "other-node",
		Kind:  broker.KindDisconnect,
		Scope: broker.Scope{Session: s.ID()},
	})
	_, err = n.Hub().Get(s.ID())
	require.ErrorIs(t, err, protocol.ErrUnknownSession)
	require.Equal(t, protocol.DisconnectServerRequest, ws.reason)
}

func TestCloseIdempotent(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	ws := &recordingTransport{}
	s, _, err := n.Handshake(4, ws)
	require.NoError(t, err)

	require.NoError(t, s.Close(protocol.DisconnectNormal))
	require.NoError(t, s.Close(protocol.DisconnectServerRequest))
	// First close reason wins.
	require.Equal(t, protocol.DisconnectNormal, s.closeReason)
	require.Equal(t, 0, n.Hub().NumSessions())
}

func TestShutdownClosesSessions(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	ws := &recordingTransport{}
	_, _, err := n.Handshake(4, ws)
	require.NoError(t, err)

	require.NoError(t, n.Shutdown(context.Background()))
	require.Equal(t, 0, n.Hub().NumSessions())
	require.Equal(t, protocol.DisconnectShutdown, ws.reason)

	// No new handshakes after shutdown started.
	_, _, err = n.Handshake(4, &recordingTransport{})
	require.ErrorIs(t, err, protocol.ErrShutdown)
}

func TestHeartbeatMonitorRun(t *testing.T) {
	clock := newFakeClock()
	n := newTestNode(t, clock)
	monitor := NewHeartbeatMonitor(n, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- monitor.Run(ctx)
	}()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop on cancel")
	}
}

// blockingTransport stalls every write until released, simulating a
// slow consumer occupying the bus dispatch worker.
type blockingTransport struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingTransport() *blockingTransport {
	return &blockingTransport{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (t *blockingTransport) Name() string         { return string(transport.KindWebSocket) }
func (t *blockingTransport) Kind() transport.Kind { return transport.KindWebSocket }

func (t *blockingTransport) Write([]byte) error {
	t.once.Do(func() { close(t.started) })
	<-t.release
	return nil
}

func (t *blockingTransport) Close(protocol.Disconnect) error { return nil }

func TestBusDisconnectAppliedUnderBackpressure(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	bt := newBlockingTransport()
	slow, _, err := n.Handshake(4, bt)
	require.NoError(t, err)
	victim, _ := pollingHandshake(t, n)

	event := func() *broker.Envelope {
		return &broker.Envelope{
			Node:    "other-node",
			Kind:    broker.KindEvent,
			Event:   "remote",
			Payload: []json.RawMessage{json.RawMessage(`1`)},
			Scope:   broker.Scope{Session: slow.ID()},
		}
	}
	defer close(bt.release)

	// Stall the dispatch worker on the slow session, then fill the
	// dispatch queue so further event envelopes start dropping.
	n.handleEnvelope(event())
	<-bt.started
	for i := 0; i < 300; i++ {
		n.handleEnvelope(event())
	}

	// A session invalidation must survive local backpressure.
	n.handleEnvelope(&broker.Envelope{
		Node:  "other-node",
		Kind:  broker.KindDisconnect,
		Scope: broker.Scope{Session: victim.ID()},
	})
	_, err = n.Hub().Get(victim.ID())
	require.ErrorIs(t, err, protocol.ErrUnknownSession)
}

func TestUpgradeCancelRestoresPolling(t *testing.T) {
	n := newTestNode(t, newFakeClock())
	s, _ := pollingHandshake(t, n)

	token, err := n.BeginUpgrade(s.ID())
	require.NoError(t, err)
	_, err = n.BeginUpgrade(s.ID())
	require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)

	// A stale token cancels nothing.
	n.CancelUpgrade(s.ID(), "bogus")
	_, err = n.BeginUpgrade(s.ID())
	require.ErrorIs(t, err, protocol.ErrUpgradeNotAllowed)

	// The candidate died before the commit: the session goes back to
	// polling and the upgrade stays available.
	n.CancelUpgrade(s.ID(), token)
	require.Equal(t, transport.KindPolling, s.TransportKind())
	require.ErrorIs(t, n.ConfirmUpgrade(s.ID(), token, &recordingTransport{}), protocol.ErrUpgradeNotAllowed)

	retryToken, err := n.BeginUpgrade(s.ID())
	require.NoError(t, err)
	require.NoError(t, n.ConfirmUpgrade(s.ID(), retryToken, &recordingTransport{}))
	require.Equal(t, transport.KindWebSocket, s.TransportKind())

	// Cancel after commit is a no-op.
	n.CancelUpgrade(s.ID(), retryToken)
	require.Equal(t, transport.KindWebSocket, s.TransportKind())
}
