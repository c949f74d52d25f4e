package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishOrder(t *testing.T) {
	b := NewBus()
	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		_, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
			got = append(got, name)
			return nil
		}))
		require.NoError(t, err)
	}

	err := b.Publish(context.Background(), NewTextDeltaEvent(Meta{SessionID: "s1"}, "hi"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, got)
}

func TestBusPublishStopsAtFirstError(t *testing.T) {
	b := NewBus()
	boom := errors.New("boom")
	var after int

	_, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		return boom
	}))
	require.NoError(t, err)
	_, err = b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		after++
		return nil
	}))
	require.NoError(t, err)

	err = b.Publish(context.Background(), NewTextDeltaEvent(Meta{}, "x"))
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, after, "subscribers after the failing one must not run")
}

func TestBusRegisterNil(t *testing.T) {
	b := NewBus()
	_, err := b.Register(nil)
	assert.Error(t, err)
}

func TestBusSubscriptionClose(t *testing.T) {
	b := NewBus()
	var count int
	sub, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		count++
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), NewTextDeltaEvent(Meta{}, "a")))
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close()) // idempotent
	require.NoError(t, b.Publish(context.Background(), NewTextDeltaEvent(Meta{}, "b")))

	assert.Equal(t, 1, count)
}

func TestBusChildBubblesToParent(t *testing.T) {
	parent := NewBus()
	child := NewChildBus(parent)

	var got []string
	_, err := child.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		got = append(got, "child")
		return nil
	}))
	require.NoError(t, err)
	_, err = parent.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		got = append(got, "parent")
		return nil
	}))
	require.NoError(t, err)

	require.NoError(t, child.Publish(context.Background(), NewTextDeltaEvent(Meta{}, "x")))
	assert.Equal(t, []string{"child", "parent"}, got, "local subscribers run before the event bubbles")

	// Publishing on the parent must not reach the child.
	got = nil
	require.NoError(t, parent.Publish(context.Background(), NewTextDeltaEvent(Meta{}, "y")))
	assert.Equal(t, []string{"parent"}, got)
}

func TestBusWaitForResponse(t *testing.T) {
	b := NewBus()
	resp := NewPermissionResponseEvent(Meta{SessionID: "s1"}, "corr-1", true, "", "")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, b.SendResponse("corr-1", resp))
	}()

	got, err := b.WaitForResponse(context.Background(), "corr-1", time.Second)
	require.NoError(t, err)
	assert.Same(t, resp, got)
	wg.Wait()
}

func TestBusSendBeforeWait(t *testing.T) {
	b := NewBus()
	resp := NewContinuationResponseEvent(Meta{}, "corr-2", true, 5)

	// The response arrives before anyone is waiting; it must be buffered.
	require.NoError(t, b.SendResponse("corr-2", resp))

	got, err := b.WaitForResponse(context.Background(), "corr-2", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Same(t, resp, got)
}

func TestBusWaitTimeout(t *testing.T) {
	b := NewBus()
	_, err := b.WaitForResponse(context.Background(), "nobody", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrWaitTimeout)
}

func TestBusWaitNoTimeoutUsesContext(t *testing.T) {
	b := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := b.WaitForResponse(ctx, "nobody", 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBusDuplicateWaiter(t *testing.T) {
	b := NewBus()
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(ready)
		_, err := b.WaitForResponse(context.Background(), "corr-3", time.Second)
		assert.NoError(t, err)
	}()
	<-ready
	time.Sleep(10 * time.Millisecond)

	_, err := b.WaitForResponse(context.Background(), "corr-3", 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrDuplicateWaiter)

	require.NoError(t, b.SendResponse("corr-3", NewPermissionResponseEvent(Meta{}, "corr-3", true, "", "")))
	<-done
}

func TestBusConcurrentPublish(t *testing.T) {
	b := NewBus()
	var mu sync.Mutex
	count := 0
	_, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	}))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 25; j++ {
				assert.NoError(t, b.Publish(context.Background(), NewTextDeltaEvent(Meta{}, "t")))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 16*25, count)
}

func TestBusCloseCompactsOrder(t *testing.T) {
	b := newBus(nil)
	subs := make([]Subscription, 0, 100)
	for i := 0; i < 100; i++ {
		s, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
			return nil
		}))
		require.NoError(t, err)
		subs = append(subs, s)
	}
	for _, s := range subs[:99] {
		require.NoError(t, s.Close())
	}

	b.mu.RLock()
	remaining := len(b.order)
	b.mu.RUnlock()
	assert.Equal(t, 1, remaining)

	// The surviving subscriber still receives events.
	var got int
	s, err := b.Register(SubscriberFunc(func(ctx context.Context, event Event) error {
		got++
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), NewTextDeltaEvent(Meta{}, "t")))
	assert.Equal(t, 1, got)
	require.NoError(t, s.Close())

	// Closing twice stays idempotent and leaves the order intact.
	require.NoError(t, subs[0].Close())
	require.NoError(t, subs[0].Close())
	b.mu.RLock()
	remaining = len(b.order)
	b.mu.RUnlock()
	assert.Equal(t, 1, remaining)
}
