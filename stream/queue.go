package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Queue.Next and Queue.Send after the queue is
// closed and drained.
var ErrClosed = errors.New("stream: queue closed")

// Queue is an in-process Sink exposing the event stream as a lazy pull
// sequence. Send never blocks the publisher: events accumulate in an
// unbounded buffer until a consumer pops them with Next. This keeps the
// synchronous hook bus decoupled from slow consumers.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	events []Event
	closed bool
}

// NewQueue constructs an empty queue sink.
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Send implements Sink. It appends the event and wakes one waiting consumer.
func (q *Queue) Send(ctx context.Context, event Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.events = append(q.events, event)
	q.cond.Signal()
	return nil
}

// Close implements Sink. Buffered events remain consumable; once drained,
// Next returns ErrClosed.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	return nil
}

// Next blocks until an event is available, the queue is closed and drained,
// or ctx is canceled. Events are returned in Send order.
func (q *Queue) Next(ctx context.Context) (Event, error) {
	// Wake the cond wait when the context is canceled. The goroutine exits
	// when Next returns.
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		q.cond.Broadcast()
		q.mu.Unlock()
	})
	defer stop()

	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if len(q.events) > 0 {
			e := q.events[0]
			q.events = q.events[1:]
			return e, nil
		}
		if q.closed {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.cond.Wait()
	}
}

// Drain returns all buffered events without blocking and empties the buffer.
func (q *Queue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

var _ Sink = (*Queue)(nil)
