package broker

import (
	"context"
)

// Memory is a broker for single-process deployments. There is no bus
// behind it: publish is a no-op unless self-delivery is requested, in
// which case envelopes loop back to the handler, which is mostly useful
// in tests exercising the bus path.
type Memory struct {
	nodeID      string
	deliverSelf bool
	handler     Handler
	messages    chan *Envelope
}

// MemoryConfig configures the memory broker.
type MemoryConfig struct {
	NodeID      string
	DeliverSelf bool
}

// NewMemory creates a memory broker.
func NewMemory(cfg MemoryConfig) *Memory {
	return &Memory{
		nodeID:      cfg.NodeID,
		deliverSelf: cfg.DeliverSelf,
		messages:    make(chan *Envelope, 128),
	}
}

func (b *Memory) Name() string {
	return "memory"
}

func (b *Memory) Subscribe(h Handler) {
	b.handler = h
}

func (b *Memory) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case e := <-b.messages:
			if b.handler != nil {
				b.handler(e)
			}
		}
	}
}

func (b *Memory) Publish(e *Envelope) error {
	if !b.deliverSelf && e.Node == b.nodeID {
		return nil
	}
	select {
	case b.messages <- e:
	default:
		// Loop-back buffer full: drop, local delivery already happened.
	}
	return nil
}

func (b *Memory) State() State {
	return StateConnected
}
