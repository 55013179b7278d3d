package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFO(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Add([]byte("1")))
	require.NoError(t, q.Add([]byte("2")))
	require.NoError(t, q.Add([]byte("3")))
	require.Equal(t, 3, q.Len())

	p, ok := q.Remove()
	require.True(t, ok)
	require.Equal(t, []byte("1"), p)

	packets := q.RemoveAll()
	require.Equal(t, [][]byte{[]byte("2"), []byte("3")}, packets)
	require.Equal(t, 0, q.Len())
	require.Equal(t, 0, q.Size())
}

func TestQueueResize(t *testing.T) {
	q := New(0)
	for i := 0; i < 100; i++ {
		require.NoError(t, q.Add([]byte("payload")))
	}
	require.Equal(t, 100, q.Len())
	for i := 0; i < 100; i++ {
		_, ok := q.Remove()
		require.True(t, ok)
	}
	_, ok := q.Remove()
	require.False(t, ok)
}

func TestQueueSizeBound(t *testing.T) {
	q := New(10)
	require.NoError(t, q.Add([]byte("123456")))
	require.NoError(t, q.Add([]byte("1234")))
	err := q.Add([]byte("x"))
	require.ErrorIs(t, err, ErrOverflow)
	// Queue content is intact after a rejected add.
	require.Equal(t, 2, q.Len())
	require.Equal(t, 10, q.Size())

	// Draining frees budget again.
	q.RemoveAll()
	require.NoError(t, q.Add([]byte("x")))
}

func TestQueueClose(t *testing.T) {
	q := New(0)
	require.NoError(t, q.Add([]byte("1")))
	q.Close()
	require.True(t, q.Closed())
	require.ErrorIs(t, q.Add([]byte("2")), ErrClosed)
	_, ok := q.Remove()
	require.False(t, ok)
}

func TestQueueWait(t *testing.T) {
	q := New(0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		require.True(t, q.Wait())
		p, ok := q.Remove()
		require.True(t, ok)
		require.Equal(t, []byte("data"), p)
	}()
	require.NoError(t, q.Add([]byte("data")))
	wg.Wait()
}

func TestQueueWaitClose(t *testing.T) {
	q := New(0)
	done := make(chan struct{})
	go func() {
		q.Wait()
		close(done)
	}()
	q.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for Wait to return after Close")
	}
}

func TestQueueNotify(t *testing.T) {
	q := New(0)
	ch := q.Notify()
	select {
	case <-ch:
		t.Fatal("notify fired on empty queue")
	case <-time.After(10 * time.Millisecond):
	}
	require.NoError(t, q.Add([]byte("1")))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for notify")
	}
}
