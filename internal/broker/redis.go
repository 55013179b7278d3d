package broker

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/rueidis"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

// ErrDegraded is returned by Publish for event envelopes while the bus
// connection is down. Control envelopes are buffered instead.
var ErrDegraded = errors.New("broker degraded: bus connection is down")

// RedisConfig configures the Redis broker.
type RedisConfig struct {
	NodeID string
	// Prefix for the bus channel name.
	Prefix string
	// Address is one or more Redis addresses. Multiple addresses mean
	// Redis Cluster.
	Address        []string
	User           string
	Password       string
	DB             int
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	// DeliverSelf disables suppression of envelopes published by this
	// process. Redis PUB/SUB always echoes to the publisher, so the
	// suppression is done by origin comparison.
	DeliverSelf bool
	// ControlBufferSize limits how many control envelopes are kept while
	// the bus is down.
	ControlBufferSize int
}

// Redis is a broadcast adapter over Redis PUB/SUB.
type Redis struct {
	config  RedisConfig
	handler Handler
	channel string
	state   atomic.Int32

	clientMu sync.RWMutex
	client   rueidis.Client

	mu            sync.Mutex
	controlBuffer []*Envelope
}

// NewRedis creates a Redis broker. Connection is established in Run.
func NewRedis(config RedisConfig) (*Redis, error) {
	for _, address := range config.Address {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, errors.New("malformed Redis address: " + address)
		}
	}
	if config.ControlBufferSize == 0 {
		config.ControlBufferSize = 1024
	}
	b := &Redis{
		config:  config,
		channel: config.Prefix + ".broadcast",
	}
	b.state.Store(int32(StateDegraded))
	return b, nil
}

func (b *Redis) Name() string {
	return "redis"
}

func (b *Redis) Subscribe(h Handler) {
	b.handler = h
}

func (b *Redis) State() State {
	return State(b.state.Load())
}

// Run connects to Redis and keeps a subscription on the bus channel.
// Both the initial connect and later reconnects retry with exponential
// backoff: a dead bus keeps the node serving in degraded mode, only ctx
// cancellation ends Run.
func (b *Redis) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // Retry until ctx canceled.

	for {
		err := b.connectAndSubscribe(ctx, bo)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.setState(StateDegraded)
		next := bo.NextBackOff()
		log.Error().Err(err).Str("retry_in", next.String()).Msg("redis bus unavailable, only same-process delivery possible")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(next):
		}
	}
}

// connectAndSubscribe establishes the client and holds one dedicated
// PUB/SUB connection until it fails or ctx is canceled.
func (b *Redis) connectAndSubscribe(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:      b.config.Address,
		Username:         b.config.User,
		Password:         b.config.Password,
		SelectDB:         b.config.DB,
		ConnWriteTimeout: b.config.IOTimeout,
		Dialer:           net.Dialer{Timeout: b.config.ConnectTimeout},
	})
	if err != nil {
		return err
	}
	defer client.Close()
	b.setClient(client)

	dc, cancel := client.Dedicate()
	defer cancel()

	wait := dc.SetPubSubHooks(rueidis.PubSubHooks{
		OnMessage: func(m rueidis.PubSubMessage) {
			b.handleMessage([]byte(m.Message))
		},
	})
	err = dc.Do(ctx, dc.B().Subscribe().Channel(b.channel).Build()).Error()
	if err != nil {
		return err
	}
	b.setState(StateConnected)
	bo.Reset()
	b.flushControlBuffer()

	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Redis) setClient(client rueidis.Client) {
	b.clientMu.Lock()
	b.client = client
	b.clientMu.Unlock()
}

func (b *Redis) getClient() rueidis.Client {
	b.clientMu.RLock()
	defer b.clientMu.RUnlock()
	return b.client
}

func (b *Redis) setState(s State) {
	old := b.state.Swap(int32(s))
	if State(old) != s {
		log.Info().Str("state", s.String()).Msg("redis bus state changed")
	}
}

func (b *Redis) handleMessage(data []byte) {
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

// Publish sends an envelope to the bus. Emission order of one process is
// preserved as all publishes go through a single pipelined client.
func (b *Redis) Publish(e *Envelope) error {
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
	client := b.getClient()
	if client == nil {
		if e.Kind == KindDisconnect {
			b.bufferControl(e)
			return nil
		}
		return ErrDegraded
	}
	cmd := client.B().Publish().Channel(b.channel).Message(string(data)).Build()
	err = client.Do(context.Background(), cmd).Error()
	if err != nil && e.Kind == KindDisconnect {
		b.bufferControl(e)
		return nil
	}
	return err
}

func (b *Redis) bufferControl(e *Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.controlBuffer) >= b.config.ControlBufferSize {
		// Drop the oldest: a fresher invalidation matters more.
		b.controlBuffer = b.controlBuffer[1:]
	}
	b.controlBuffer = append(b.controlBuffer, e)
}

func (b *Redis) flushControlBuffer() {
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
