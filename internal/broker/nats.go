package broker

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// NatsConfig configures the NATS broker.
type NatsConfig struct {
	NodeID string
	// URL of NATS server(s).
	URL string
	// Prefix for the bus subject name.
	Prefix string
	// DeliverSelf disables suppression of envelopes published by this
	// process.
	DeliverSelf bool
	// ControlBufferSize limits how many control envelopes are kept while
	// the bus is down.
	ControlBufferSize int
}

// Nats is a broadcast adapter on top of NATS messaging system.
type Nats struct {
	config  NatsConfig
	handler Handler
	subject string
	state   atomic.Int32

	connMu sync.RWMutex
	nc     *nats.Conn

	mu            sync.Mutex
	controlBuffer []*Envelope
}

// NewNats creates a NATS broker. Connection is established in Run.
func NewNats(config NatsConfig) (*Nats, error) {
	if config.URL == "" {
		config.URL = nats.DefaultURL
	}
	if config.ControlBufferSize == 0 {
		config.ControlBufferSize = 1024
	}
	b := &Nats{
		config:  config,
		subject: config.Prefix + ".broadcast",
	}
	b.state.Store(int32(StateDegraded))
	return b, nil
}

func (b *Nats) Name() string {
	return "nats"
}

func (b *Nats) Subscribe(h Handler) {
	b.handler = h
}

func (b *Nats) State() State {
	return State(b.state.Load())
}

// Run connects to NATS and blocks until ctx is canceled. Connecting and
// reconnecting are delegated to the NATS client which retries with its
// own backoff, an unreachable bus never ends Run. State flips keep the
// degraded mode observable. An error is returned only for malformed
// options.
func (b *Nats) Run(ctx context.Context) error {
	nc, err := nats.Connect(
		b.config.URL,
		nats.RetryOnFailedConnect(true),
		nats.ReconnectBufSize(-1),
		nats.MaxReconnects(math.MaxInt64),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.setState(StateDegraded)
			log.Error().Err(err).Msg("nats bus connection lost, only same-process delivery possible")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			// Also fires on the first successful connect when the
			// initial attempt failed.
			b.setState(StateConnected)
			b.flushControlBuffer()
		}),
	)
	if err != nil {
		return err
	}
	defer nc.Close()
	b.setConn(nc)

	// Subscribing while disconnected is fine, the client replays
	// subscriptions once the connection is up.
	_, err = nc.Subscribe(b.subject, func(m *nats.Msg) {
		b.handleMessage(m.Data)
	})
	if err != nil {
		return err
	}
	if nc.IsConnected() {
		b.setState(StateConnected)
		log.Info().Str("url", b.config.URL).Msg("nats bus connected")
	} else {
		log.Error().Str("url", b.config.URL).Msg("nats bus unavailable, connecting in background, only same-process delivery possible")
	}

	<-ctx.Done()
	return ctx.Err()
}

func (b *Nats) setConn(nc *nats.Conn) {
	b.connMu.Lock()
	b.nc = nc
	b.connMu.Unlock()
}

func (b *Nats) getConn() *nats.Conn {
	b.connMu.RLock()
	defer b.connMu.RUnlock()
	return b.nc
}

func (b *Nats) setState(s State) {
	old := b.state.Swap(int32(s))
	if State(old) != s {
		log.Info().Str("state", s.String()).Msg("nats bus state changed")
	}
}

func (b *Nats) handleMessage(data []byte) {
	if !b.config.DeliverSelf && gjson.GetBytes(data, "node").String() == b.config.NodeID {
		return
	}
	e, err := UnmarshalEnvelope(data)
	if err != nil {
		log.Error().Err(err).Msg("error decoding bus envelope")
		return
	}
	if b.handler != nil {
		b.handler(e)
	}
}

// Publish sends an envelope to the bus.
func (b *Nats) Publish(e *Envelope) error {
	if b.State() == StateDegraded {
		if e.Kind == KindDisconnect {
			b.bufferControl(e)
			return nil
		}
		return ErrDegraded
	}
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	nc := b.getConn()
	if nc == nil {
		if e.Kind == KindDisconnect {
			b.bufferControl(e)
			return nil
		}
		return ErrDegraded
	}
	return nc.Publish(b.subject, data)
}

func (b *Nats) bufferControl(e *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.controlBuffer) >= b.config.ControlBufferSize {
		b.controlBuffer = b.controlBuffer[1:]
	}
	b.controlBuffer = append(b.controlBuffer, e)
}

func (b *Nats) flushControlBuffer() {
	b.mu.Lock()
	buffered := b.controlBuffer
	b.controlBuffer = nil
	b.mu.Unlock()
	for _, e := range buffered {
		if err := b.Publish(e); err != nil {
			log.Error().Err(err).Msg("error flushing buffered control message")
		}
	}
}
