package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRedisRunRetriesUnreachableBus(t *testing.T) {
	b, err := NewRedis(RedisConfig{
		NodeID:         "node-1",
		Prefix:         "sb",
		Address:        []string{"127.0.0.1:1"},
		ConnectTimeout: 50 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	started := time.Now()
	err = b.Run(ctx)
	// An unreachable bus never bubbles a dial error out of Run: the node
	// keeps serving locally while Run retries until ctx ends it.
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.GreaterOrEqual(t, time.Since(started), 250*time.Millisecond)
	require.Equal(t, StateDegraded, b.State())
}

func TestRedisPublishWhileDegraded(t *testing.T) {
	b, err := NewRedis(RedisConfig{
		NodeID:  "node-1",
		Prefix:  "sb",
		Address: []string{"127.0.0.1:1"},
	})
	require.NoError(t, err)

	// Event envelopes fail fast, control envelopes are buffered.
	err = b.Publish(&Envelope{Node: "node-1", Kind: KindEvent, Event: "e"})
	require.ErrorIs(t, err, ErrDegraded)
	require.NoError(t, b.Publish(&Envelope{Node: "node-1", Kind: KindDisconnect, Scope: Scope{Session: "s1"}}))
	require.Len(t, b.controlBuffer, 1)
}

func TestRedisMalformedAddress(t *testing.T) {
	_, err := NewRedis(RedisConfig{Address: []string{"no-port"}})
	require.Error(t, err)
}
