// Package queue implements the bounded, blocking message queue each
// subscription drains from: push blocks under backpressure rather than
// dropping, pop can take one message or a batch, and a sentinel push
// unblocks a draining consumer on shutdown without losing real messages
// ahead of it.
package queue

import (
	"sync"
	"time"

	"github.com/tstreamdb/client-go/pkg/wire"
)

// Message is one queued unit of delivery: a decoded frame plus the row
// range within it that this message covers.
type Message struct {
	Topic  string
	Offset int64
	Frame  *wire.Frame
	// Row is set when the frame was split into one Message per row
	// (row-mode delivery); -1 means the whole frame/table is one message.
	Row int
	// Payload carries a non-streaming unit of work through the same bounded
	// queue type, reused by the async RPC pool's Task since it shares the
	// streaming path's failure model.
	Payload interface{}
}

// Queue is a FIFO with a capacity bound. Push blocks once the queue is at
// capacity; it never drops a message.
type Queue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    []Message
	capacity int
	closed   bool
	stopped  bool
}

// New creates a queue bounded to capacity messages. capacity <= 0 means
// unbounded (push never blocks).
func New(capacity int) *Queue {
	q := &Queue{capacity: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	return q
}

// Push appends msg, blocking while the queue is full. It is a no-op once
// the queue has been closed.
func (q *Queue) Push(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.capacity > 0 && len(q.items) >= q.capacity && !q.closed {
		q.notFull.Wait()
	}
	if q.closed {
		return
	}
	q.items = append(q.items, msg)
	q.notEmpty.Signal()
}

// PushStop marks the queue as logically stopped and wakes any blocked
// Pop/PopBatch caller, without discarding messages already queued ahead of
// it. Repeated calls are idempotent.
func (q *Queue) PushStop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return
	}
	q.stopped = true
	q.notEmpty.Broadcast()
}

// Pop removes and returns the next message, blocking if the queue is
// empty. ok is false if the queue is empty and stopped.
func (q *Queue) Pop() (msg Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stopped && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return Message{}, false
	}
	msg = q.items[0]
	q.items = q.items[1:]
	q.notFull.Signal()
	return msg, true
}

// PopBatch removes up to max messages, blocking until at least one is
// available (or the queue is stopped/closed and empty).
func (q *Queue) PopBatch(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stopped && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil
	}
	n := max
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	batch := make([]Message, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.notFull.Signal()
	return batch
}

// PopBatchTimeout removes up to max messages, blocking until at least one
// is available, the queue is stopped/closed, or timeout elapses with
// nothing to return. Unlike racing a goroutine against time.After, the
// same goroutine that times out is the one still holding the lock and
// checking the queue, so a message arriving right at the deadline is
// either returned here or left for the next caller, never consumed and
// discarded.
func (q *Queue) PopBatchTimeout(max int, timeout time.Duration) (batch []Message, ok bool) {
	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		q.mu.Lock()
		q.notEmpty.Broadcast()
		q.mu.Unlock()
	})
	defer timer.Stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.stopped && !q.closed {
		if !time.Now().Before(deadline) {
			return nil, false
		}
		q.notEmpty.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	n := max
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	batch = make([]Message, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	q.notFull.Signal()
	return batch, true
}

// Size returns the number of queued messages.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close releases all waiters permanently and discards queued messages. Used
// when a subscription is torn down for good, as opposed to PushStop's
// drain-then-stop handoff.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.items = nil
	q.notEmpty.Broadcast()
	q.notFull.Broadcast()
}
