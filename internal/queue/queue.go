// Package queue provides a byte-size-bounded FIFO queue of packets used
// to buffer session outbound data between discrete transport exchanges.
package queue

import (
	"errors"
	"sync"
)

var (
	// ErrClosed is returned on operations over a closed queue.
	ErrClosed = errors.New("queue closed")
	// ErrOverflow is returned when adding a packet would exceed the
	// configured byte bound. The caller is expected to treat this as
	// fatal for the queue owner: a slow or dead consumer must not grow
	// server memory without bound.
	ErrOverflow = errors.New("queue size limit exceeded")
)

const initialCapacity = 2

// Queue is a goroutine safe FIFO of []byte packets with a total byte
// size bound. Backed by a growable ring buffer.
type Queue struct {
	mu       sync.RWMutex
	cond     *sync.Cond
	nodes    [][]byte
	head     int
	tail     int
	cnt      int
	size     int
	maxSize  int
	isClosed bool
}

// New returns a queue which rejects additions once the sum of queued
// packet sizes would exceed maxSize bytes. maxSize <= 0 means no bound.
func New(maxSize int) *Queue {
	q := &Queue{
		nodes:   make([][]byte, initialCapacity),
		maxSize: maxSize,
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Write mutex must be held when calling.
func (q *Queue) resize(n int) {
	nodes := make([][]byte, n)
	if q.head < q.tail {
		copy(nodes, q.nodes[q.head:q.tail])
	} else {
		copy(nodes, q.nodes[q.head:])
		copy(nodes[len(q.nodes)-q.head:], q.nodes[:q.tail])
	}
	q.tail = q.cnt % n
	q.head = 0
	q.nodes = nodes
}

// Add puts a packet to the back of the queue. Returns ErrClosed if the
// queue is closed and ErrOverflow if the byte bound would be exceeded;
// in both cases the packet is dropped.
func (q *Queue) Add(p []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.isClosed {
		return ErrClosed
	}
	if q.maxSize > 0 && q.size+len(p) > q.maxSize {
		return ErrOverflow
	}
	if q.cnt == len(q.nodes) {
		q.resize(q.cnt * 2)
	}
	q.nodes[q.tail] = p
	q.tail = (q.tail + 1) % len(q.nodes)
	q.cnt++
	q.size += len(p)
	q.cond.Signal()
	return nil
}

// Remove takes a packet from the front of the queue. If ok is false the
// queue was empty or closed.
func (q *Queue) Remove() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove()
}

// Write mutex must be held when calling.
func (q *Queue) remove() ([]byte, bool) {
	if q.cnt == 0 {
		return nil, false
	}
	p := q.nodes[q.head]
	q.nodes[q.head] = nil
	q.head = (q.head + 1) % len(q.nodes)
	q.cnt--
	q.size -= len(p)

	if n := len(q.nodes) / 2; n >= initialCapacity && q.cnt <= n {
		q.resize(n)
	}
	return p, true
}

// RemoveAll drains the queue returning every queued packet in FIFO
// order. Used once per discrete exchange.
func (q *Queue) RemoveAll() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cnt == 0 {
		return nil
	}
	packets := make([][]byte, 0, q.cnt)
	for {
		p, ok := q.remove()
		if !ok {
			break
		}
		packets = append(packets, p)
	}
	return packets
}

// Wait blocks until at least one packet is queued or the queue is
// closed. Returns false if the queue was closed.
func (q *Queue) Wait() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.cnt == 0 && !q.isClosed {
		q.cond.Wait()
	}
	return !q.isClosed
}

// Notify returns a channel which is closed as soon as the queue becomes
// non-empty or closed. Allows select-based waiting with a timeout.
func (q *Queue) Notify() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		q.Wait()
		close(ch)
	}()
	return ch
}

// Close closes the queue discarding all queued packets. Waiters return.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.isClosed = true
	q.cnt = 0
	q.size = 0
	q.nodes = nil
	q.cond.Broadcast()
}

// Closed returns true if the queue has been closed. Only a true result
// has a definite meaning.
func (q *Queue) Closed() bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.isClosed
}

// Len returns the current number of queued packets.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.cnt
}

// Size returns the current sum of queued packet sizes in bytes.
func (q *Queue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.size
}
