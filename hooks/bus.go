// Package hooks defines the runtime's typed event set and the bus that fans
// events out to observers. Buses form a tree: a child bus bubbles every event
// it publishes up to its parent, so a workflow orchestrator can observe all
// sub-agent events with a single subscriber. Parents never push downward.
//
// The bus also implements the bidirectional suspension protocol: a middleware
// emits a request event carrying a fresh correlation ID, then blocks in
// WaitForResponse until an external actor supplies the response via
// SendResponse (or the wait times out or is canceled).
package hooks

import (
	"context"
	"errors"
	"sync"
	"time"
)

type (
	// Bus publishes runtime events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, SendResponse, and WaitForResponse operations.
	//
	// Events are delivered synchronously in the publisher's goroutine in
	// registration order, and iteration stops at the first subscriber error.
	// This fail-fast behavior ensures critical subscribers (for example
	// session persistence) can halt execution when they encounter
	// unrecoverable errors.
	Bus interface {
		// Publish delivers the event to every currently registered subscriber
		// and then bubbles it to the parent bus, if any.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber and returns a Subscription that can be
		// closed to unregister. Register returns an error if sub is nil.
		Register(sub Subscriber) (Subscription, error)

		// WaitForResponse blocks until a response event with the given
		// correlation ID is supplied via SendResponse, the timeout expires,
		// or the context is canceled. A zero timeout waits until cancellation.
		// Returns ErrWaitTimeout on expiry and the context error on
		// cancellation.
		WaitForResponse(ctx context.Context, correlationID string, timeout time.Duration) (Event, error)

		// SendResponse supplies the response for an outstanding (or imminent)
		// WaitForResponse call. Responses are buffered per correlation ID so
		// a response arriving before the wait begins is not lost.
		SendResponse(correlationID string, event Event) error
	}

	// Subscriber reacts to published runtime events. Subscribers receive all
	// events in FIFO order until their subscription is closed.
	//
	// HandleEvent should return an error only if processing fails in a way
	// that should halt the turn; the bus stops iterating at the first error.
	Subscriber interface {
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close removes
	// the subscriber; it is idempotent and thread-safe.
	Subscription interface {
		Close() error
	}

	bus struct {
		parent Bus

		mu          sync.RWMutex
		subscribers map[*subscription]Subscriber
		order       []*subscription

		wmu     sync.Mutex
		waiters map[string]chan Event
		// pending buffers responses delivered before their waiter registered.
		pending map[string]Event
	}

	subscription struct {
		bus  *bus
		once sync.Once
	}
)

// ErrWaitTimeout is returned by WaitForResponse when no response arrives
// within the configured timeout. Callers treat a timed-out permission or
// continuation request as denied.
var ErrWaitTimeout = errors.New("hooks: wait for response timed out")

// ErrDuplicateWaiter is returned when two goroutines wait on the same
// correlation ID concurrently.
var ErrDuplicateWaiter = errors.New("hooks: duplicate waiter for correlation id")

// HandleEvent calls f(ctx, event).
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs a root in-memory event bus.
func NewBus() Bus {
	return newBus(nil)
}

// NewChildBus constructs a bus whose published events bubble up to parent.
// A nil parent yields a root bus.
func NewChildBus(parent Bus) Bus {
	return newBus(parent)
}

func newBus(parent Bus) *bus {
	return &bus{
		parent:      parent,
		subscribers: make(map[*subscription]Subscriber),
		waiters:     make(map[string]chan Event),
		pending:     make(map[string]Event),
	}
}

// Publish delivers the event to local subscribers in registration order and
// then bubbles it to the parent bus. The subscriber snapshot is captured
// before iteration, so registrations during Publish do not affect the
// current delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.order))
	for _, s := range b.order {
		if sub, ok := b.subscribers[s]; ok {
			subs = append(subs, sub)
		}
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	if b.parent != nil {
		return b.parent.Publish(ctx, event)
	}
	return nil
}

// Register adds a subscriber to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("hooks: subscriber is required")
	}
	s := &subscription{bus: b}
	b.mu.Lock()
	b.subscribers[s] = sub
	b.order = append(b.order, s)
	b.mu.Unlock()
	return s, nil
}

// WaitForResponse implements the suspension protocol receiver side.
func (b *bus) WaitForResponse(ctx context.Context, correlationID string, timeout time.Duration) (Event, error) {
	if correlationID == "" {
		return nil, errors.New("hooks: correlation id is required")
	}

	b.wmu.Lock()
	if evt, ok := b.pending[correlationID]; ok {
		delete(b.pending, correlationID)
		b.wmu.Unlock()
		return evt, nil
	}
	if _, ok := b.waiters[correlationID]; ok {
		b.wmu.Unlock()
		return nil, ErrDuplicateWaiter
	}
	ch := make(chan Event, 1)
	b.waiters[correlationID] = ch
	b.wmu.Unlock()

	defer func() {
		b.wmu.Lock()
		delete(b.waiters, correlationID)
		b.wmu.Unlock()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case evt := <-ch:
		return evt, nil
	case <-timer:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendResponse implements the suspension protocol sender side.
func (b *bus) SendResponse(correlationID string, event Event) error {
	if correlationID == "" {
		return errors.New("hooks: correlation id is required")
	}
	if event == nil {
		return errors.New("hooks: event is required")
	}
	b.wmu.Lock()
	defer b.wmu.Unlock()
	if ch, ok := b.waiters[correlationID]; ok {
		select {
		case ch <- event:
		default:
			// Waiter buffer already holds a response; keep the first.
		}
		return nil
	}
	b.pending[correlationID] = event
	return nil
}

// Close removes the subscriber from the bus. Idempotent.
func (s *subscription) Close() error {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		delete(b.subscribers, s)
		// Compact the delivery order so long-lived buses do not accumulate
		// closed subscriptions. The full slice expression forces a copy,
		// leaving snapshots taken by in-flight Publish calls untouched.
		for i, sub := range b.order {
			if sub == s {
				b.order = append(b.order[:i:i], b.order[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
	})
	return nil
}
