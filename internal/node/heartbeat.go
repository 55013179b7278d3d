package node

import (
	"context"
	"time"
)

// HeartbeatMonitor periodically verifies liveness of every session of
// the node and evicts the dead ones. It implements service.Service and
// runs for the node lifetime.
type HeartbeatMonitor struct {
	node     *Node
	interval time.Duration
}

// NewHeartbeatMonitor creates a monitor ticking with the given interval.
// A session whose liveness deadline expired is destroyed within one tick.
func NewHeartbeatMonitor(n *Node, interval time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{
		node:     n,
		interval: interval,
	}
}

// Run blocks executing the sweep loop until ctx is canceled.
func (m *HeartbeatMonitor) Run(ctx context.Context) error {
	ticker := m.node.clock.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.node.shutdownCh:
			return nil
		case <-ticker.C():
			m.node.sweep()
		}
	}
}

// sweep walks a registry snapshot evaluating one session at a time. No
// session lock is held across the scan, only while evaluating that one
// session, so the sweep never stalls concurrent handshake or upgrade
// traffic.
func (n *Node) sweep() {
	now := n.clock.Now()
	cfg := n.heartbeatConfig()
	for _, s := range n.hub.Sessions() {
		s.checkLiveness(now, cfg)
	}
}
