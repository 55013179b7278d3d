package transport

import (
	"context"
	"sync"

	"github.com/switchboard-rt/switchboard/internal/protocol"
	"github.com/switchboard-rt/switchboard/internal/queue"
)

// PollingConfig contains options of the polling transport.
type PollingConfig struct {
	// QueueMaxSize is a maximum size in bytes of frames buffered between
	// discrete exchanges. Overflow is fatal to the owning session.
	QueueMaxSize int
}

// Polling is a discrete-exchange transport: writes accumulate in a
// bounded queue and are flushed to the client on its next exchange.
type Polling struct {
	mu      sync.Mutex
	q       *queue.Queue
	closed  bool
	reason  protocol.Disconnect
	polling bool
}

// NewPolling creates a discrete-exchange transport.
func NewPolling(config PollingConfig) *Polling {
	return &Polling{
		q: queue.New(config.QueueMaxSize),
	}
}

func (t *Polling) Name() string {
	return string(KindPolling)
}

func (t *Polling) Kind() Kind {
	return KindPolling
}

func (t *Polling) Write(data []byte) error {
	err := t.q.Add(data)
	switch err {
	case nil:
		return nil
	case queue.ErrOverflow:
		return protocol.ErrBufferOverflow
	default:
		return ErrTransportClosed
	}
}

// BeginExchange marks one discrete exchange as in-flight. At most one
// concurrent exchange is allowed per transport: a second poll for the
// same session while one is blocked is a protocol violation.
func (t *Polling) BeginExchange() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	if t.polling {
		return protocol.ErrBadRequest
	}
	t.polling = true
	return nil
}

// EndExchange marks the in-flight exchange finished.
func (t *Polling) EndExchange() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.polling = false
}

// WaitDrain blocks until at least one frame is queued, the transport is
// closed, or the context expires, then removes and returns all queued
// frames in FIFO order. Called exactly once per discrete exchange.
func (t *Polling) WaitDrain(ctx context.Context) [][]byte {
	select {
	case <-t.q.Notify():
	case <-ctx.Done():
	}
	return t.q.RemoveAll()
}

// Drain removes and returns all currently queued frames without waiting.
// Used during upgrade replay under the session lock.
func (t *Polling) Drain() [][]byte {
	return t.q.RemoveAll()
}

// CloseReason returns the disconnect reason delivered on the final
// exchange of a closed transport.
func (t *Polling) CloseReason() (protocol.Disconnect, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason, t.closed
}

func (t *Polling) Close(d protocol.Disconnect) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.reason = d
	t.mu.Unlock()
	// Wake up the in-flight exchange, if any. Queued frames are dropped:
	// the close reason takes their place on the final exchange.
	t.q.Close()
	return nil
}
