package queue

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryQueue is an in-memory dispatch transport for tests and development
// mode. Received messages stay invisible until deleted or re-enqueued by
// Requeue; there is no automatic visibility timeout.
type MemoryQueue struct {
	mu       sync.Mutex
	pending  []Message
	inflight map[string]Message
	seq      int64
	notify   chan struct{}
}

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		inflight: make(map[string]Message),
		notify:   make(chan struct{}, 1),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	q.pending = append(q.pending, msg)
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int, wait time.Duration) ([]Message, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()

	for {
		if msgs := q.take(max); len(msgs) > 0 {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-q.notify:
		}
	}
}

func (q *MemoryQueue) take(max int) []Message {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := max
	if n > len(q.pending) {
		n = len(q.pending)
	}
	if n == 0 {
		return nil
	}

	msgs := make([]Message, n)
	copy(msgs, q.pending[:n])
	q.pending = q.pending[n:]
	for i := range msgs {
		q.seq++
		msgs[i].Handle = "h" + strconv.FormatInt(q.seq, 10)
		q.inflight[msgs[i].Handle] = msgs[i]
	}
	return msgs
}

func (q *MemoryQueue) Delete(ctx context.Context, handle string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inflight, handle)
	return nil
}

// Requeue makes an in-flight delivery visible again. Test helper simulating
// a visibility timeout.
func (q *MemoryQueue) Requeue(handle string) {
	q.mu.Lock()
	msg, ok := q.inflight[handle]
	if ok {
		delete(q.inflight, handle)
		msg.Handle = ""
		q.pending = append(q.pending, msg)
	}
	q.mu.Unlock()

	if ok {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
}

// Len reports pending (visible) messages. Test helper.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Compile-time assertion that MemoryQueue implements Queue.
var _ Queue = (*MemoryQueue)(nil)
