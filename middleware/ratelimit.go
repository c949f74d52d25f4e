package middleware

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/strandlabs/strand/model"
)

type (
	// RateLimiter applies an AIMD-style adaptive token bucket to model
	// calls. It estimates the token cost of each request, blocks until
	// capacity is available, halves its tokens-per-minute budget when the
	// provider signals rate limiting, and probes back up on success.
	//
	// With a Pulse replicated map the budget is shared across processes:
	// a backoff anywhere in the cluster shrinks everyone's budget.
	RateLimiter struct {
		mu      sync.Mutex
		limiter *rate.Limiter

		currentTPM float64
		minTPM     float64
		maxTPM     float64
		step       float64

		shared    budgetMap
		sharedKey string

		closeOnce   sync.Once
		unsubscribe func()
	}

	// budgetMap is the subset of rmap.Map the cluster-shared budget needs.
	budgetMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
		Unsubscribe(ch <-chan rmap.EventKind)
	}

	rmapBudget struct {
		m *rmap.Map
	}
)

const rateLimitKey = "rate_limiter"

// NewRateLimiter constructs a process-local limiter with an initial
// tokens-per-minute budget and an upper bound. Non-positive initialTPM
// defaults to 60000; maxTPM below initialTPM is clamped to it.
func NewRateLimiter(initialTPM, maxTPM float64) *RateLimiter {
	if initialTPM <= 0 {
		initialTPM = 60000
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	step := initialTPM * 0.05
	if step < 1 {
		step = 1
	}
	return &RateLimiter{
		limiter:    rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM: initialTPM,
		minTPM:     minTPM,
		maxTPM:     maxTPM,
		step:       step,
	}
}

// NewClusterRateLimiter constructs a limiter whose budget is coordinated
// across processes through a Pulse replicated map. A nil map or empty key
// yields a process-local limiter.
func NewClusterRateLimiter(ctx context.Context, m *rmap.Map, key string, initialTPM, maxTPM float64) *RateLimiter {
	if m == nil || key == "" {
		return NewRateLimiter(initialTPM, maxTPM)
	}
	return newClusterRateLimiter(ctx, &rmapBudget{m: m}, key, initialTPM, maxTPM)
}

func newClusterRateLimiter(ctx context.Context, shared budgetMap, key string, initialTPM, maxTPM float64) *RateLimiter {
	// Seed the shared budget if nobody has. A concurrent writer may win;
	// the read below reconciles.
	if _, ok := shared.Get(key); !ok {
		if _, err := shared.SetIfNotExists(ctx, key, strconv.Itoa(int(initialTPM))); err != nil {
			return NewRateLimiter(initialTPM, maxTPM)
		}
	}
	if cur, ok := shared.Get(key); ok {
		if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
			initialTPM = v
		}
	}

	l := NewRateLimiter(initialTPM, maxTPM)
	l.shared = shared
	l.sharedKey = key

	// Reconcile the local bucket whenever another process moves the budget.
	// The goroutine exits when ctx is canceled or Close unsubscribes the
	// channel.
	ch := shared.Subscribe()
	l.unsubscribe = func() { shared.Unsubscribe(ch) }
	go func() {
		defer l.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-ch:
				if !ok {
					return
				}
				cur, ok := shared.Get(key)
				if !ok {
					continue
				}
				if v, err := strconv.ParseFloat(cur, 64); err == nil && v > 0 {
					l.setTPM(v)
				}
			}
		}
	}()
	return l
}

// Close stops the cluster budget reconciliation goroutine and releases the
// shared map subscription. A no-op for process-local limiters. Idempotent.
func (l *RateLimiter) Close() error {
	l.closeOnce.Do(func() {
		if l.unsubscribe != nil {
			l.unsubscribe()
		}
	})
	return nil
}

// Key implements Middleware.
func (l *RateLimiter) Key() string { return rateLimitKey }

// WrapModelCall implements ModelInterceptor.
func (l *RateLimiter) WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error) {
	if err := l.limiter.WaitN(ctx, estimateTokens(req)); err != nil {
		return nil, err
	}
	resp, err := next(ctx, req)
	switch {
	case err == nil:
		l.probe()
	case errors.Is(err, model.ErrRateLimited):
		l.backoff()
	}
	return resp, err
}

// TPM returns the current tokens-per-minute budget.
func (l *RateLimiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

func (l *RateLimiter) backoff() {
	l.mu.Lock()
	next := l.currentTPM * 0.5
	if next < l.minTPM {
		next = l.minTPM
	}
	changed := l.applyTPM(next)
	shared, key, floor := l.shared, l.sharedKey, l.minTPM
	l.mu.Unlock()

	if changed && shared != nil {
		go shareBackoff(shared, key, floor)
	}
}

func (l *RateLimiter) probe() {
	l.mu.Lock()
	next := l.currentTPM + l.step
	if next > l.maxTPM {
		next = l.maxTPM
	}
	changed := l.applyTPM(next)
	shared, key, step, ceiling := l.shared, l.sharedKey, l.step, l.maxTPM
	l.mu.Unlock()

	if changed && shared != nil {
		go shareProbe(shared, key, step, ceiling)
	}
}

func (l *RateLimiter) setTPM(tpm float64) {
	l.mu.Lock()
	if tpm < l.minTPM {
		tpm = l.minTPM
	}
	if tpm > l.maxTPM {
		tpm = l.maxTPM
	}
	l.applyTPM(tpm)
	l.mu.Unlock()
}

// applyTPM swaps the effective budget. Callers hold l.mu.
func (l *RateLimiter) applyTPM(tpm float64) bool {
	if tpm == l.currentTPM {
		return false
	}
	l.currentTPM = tpm
	l.limiter.SetLimit(rate.Limit(tpm / 60.0))
	l.limiter.SetBurst(int(tpm))
	return true
}

// estimateTokens is a cheap heuristic: roughly one token per three
// characters of transcript text plus a fixed buffer for system prompts and
// provider framing.
func estimateTokens(req *model.Request) int {
	chars := 0
	for _, m := range req.Messages {
		for _, p := range m.Parts {
			switch v := p.(type) {
			case model.TextPart:
				chars += len(v.Text)
			case model.ToolResultPart:
				if s, ok := v.Content.(string); ok {
					chars += len(s)
				}
			}
		}
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}

// shareBackoff compare-and-swaps the cluster budget down by half, bounded
// below by floor.
func shareBackoff(m budgetMap, key string, floor float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	casBudget(ctx, m, key, func(cur float64) (float64, bool) {
		next := cur * 0.5
		if next < floor {
			next = floor
		}
		return next, next != cur
	})
}

// shareProbe compare-and-swaps the cluster budget up by one step, bounded
// above by ceiling.
func shareProbe(m budgetMap, key string, step, ceiling float64) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	casBudget(ctx, m, key, func(cur float64) (float64, bool) {
		if cur >= ceiling {
			return cur, false
		}
		next := cur + step
		if next > ceiling {
			next = ceiling
		}
		return next, true
	})
}

func casBudget(ctx context.Context, m budgetMap, key string, move func(float64) (float64, bool)) {
	const maxAttempts = 3
	for i := 0; i < maxAttempts; i++ {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, err := strconv.ParseFloat(curStr, 64)
		if err != nil || cur <= 0 {
			return
		}
		next, apply := move(cur)
		if !apply {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, strconv.Itoa(int(next)))
		if err != nil || prev == curStr {
			return
		}
	}
}

func (b *rmapBudget) Get(key string) (string, bool) { return b.m.Get(key) }

func (b *rmapBudget) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return b.m.SetIfNotExists(ctx, key, value)
}

func (b *rmapBudget) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return b.m.TestAndSet(ctx, key, test, value)
}

func (b *rmapBudget) Subscribe() <-chan rmap.EventKind { return b.m.Subscribe() }

func (b *rmapBudget) Unsubscribe(ch <-chan rmap.EventKind) { b.m.Unsubscribe(ch) }

var _ ModelInterceptor = (*RateLimiter)(nil)
