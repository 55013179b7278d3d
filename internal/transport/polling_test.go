package transport

import (
	"context"
	"testing"
	"time"

	"github.com/switchboard-rt/switchboard/internal/protocol"

	"github.com/stretchr/testify/require"
)

func TestPollingWriteAndDrain(t *testing.T) {
	pt := NewPolling(PollingConfig{QueueMaxSize: 1024})
	require.NoError(t, pt.Write([]byte(`1`)))
	require.NoError(t, pt.Write([]byte(`2`)))

	require.NoError(t, pt.BeginExchange())
	defer pt.EndExchange()

	frames := pt.WaitDrain(context.Background())
	require.Equal(t, [][]byte{[]byte(`1`), []byte(`2`)}, frames)
}

func TestPollingWaitDrainTimeout(t *testing.T) {
	pt := NewPolling(PollingConfig{QueueMaxSize: 1024})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.Empty(t, pt.WaitDrain(ctx))
}

func TestPollingWaitDrainWakesOnWrite(t *testing.T) {
	pt := NewPolling(PollingConfig{QueueMaxSize: 1024})
	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = pt.Write([]byte(`late`))
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	frames := pt.WaitDrain(ctx)
	require.Equal(t, [][]byte{[]byte(`late`)}, frames)
}

func TestPollingSingleExchange(t *testing.T) {
	pt := NewPolling(PollingConfig{QueueMaxSize: 1024})
	require.NoError(t, pt.BeginExchange())
	require.ErrorIs(t, pt.BeginExchange(), protocol.ErrBadRequest)
	pt.EndExchange()
	require.NoError(t, pt.BeginExchange())
}

func TestPollingOverflow(t *testing.T) {
	pt := NewPolling(PollingConfig{QueueMaxSize: 4})
	require.NoError(t, pt.Write([]byte(`1234`)))
	require.ErrorIs(t, pt.Write([]byte(`5`)), protocol.ErrBufferOverflow)
}

func TestPollingClose(t *testing.T) {
	pt := NewPolling(PollingConfig{QueueMaxSize: 1024})
	require.NoError(t, pt.Close(protocol.DisconnectShutdown))

	reason, closed := pt.CloseReason()
	require.True(t, closed)
	require.Equal(t, protocol.DisconnectShutdown, reason)

	require.ErrorIs(t, pt.Write([]byte(`1`)), ErrTransportClosed)
	require.ErrorIs(t, pt.BeginExchange(), ErrTransportClosed)

	// Close is idempotent, the first reason wins.
	require.NoError(t, pt.Close(protocol.DisconnectNormal))
	reason, _ = pt.CloseReason()
	require.Equal(t, protocol.DisconnectShutdown, reason)

	// A waiter is released immediately once the transport is closed.
	require.Empty(t, pt.WaitDrain(context.Background()))
}
