// Package agent defines the agent: a named bundle of model client, tool
// registry, middleware list, and loop defaults that the runtime executes
// turns against. An Agent is immutable once built; the same agent value can
// drive many concurrent sessions.
package agent

import (
	"errors"
	"fmt"
	"strings"

	"github.com/strandlabs/strand/checkpoint"
	"github.com/strandlabs/strand/middleware"
	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/tools"
)

type (
	// Ident is a stable agent identifier, optionally namespaced with dots
	// like tool identifiers ("support.triage").
	Ident string

	// Agent bundles everything a turn needs. Construct with New; the zero
	// value is not usable.
	Agent struct {
		// ID identifies the agent in events and logs.
		ID Ident
		// Client invokes the language model.
		Client model.Client
		// ModelID is the provider model identifier sent on requests.
		ModelID string
		// Tools is the agent's tool registry. Read-only during a turn.
		Tools *tools.Registry
		// Pipeline is the composed middleware chain.
		Pipeline *middleware.Pipeline
		// SystemPrompt is merged once at the head of the conversation when
		// no system message exists.
		SystemPrompt string
		// MaxIterations caps model invocations per turn. Zero means the
		// turn finishes without any model call.
		MaxIterations int
		// Parallelism caps concurrent tool calls within one iteration.
		Parallelism int
		// CheckpointFrequency selects durable execution granularity.
		CheckpointFrequency checkpoint.Frequency
		// PreserveReasoning keeps reasoning parts in persisted history.
		PreserveReasoning bool
		// AutoSave persists a session snapshot after each successful turn.
		AutoSave bool
		// Temperature and MaxTokens are per-request defaults; zero defers
		// to the provider.
		Temperature float32
		MaxTokens   int

		// pending accumulates middlewares during construction until New
		// composes them into Pipeline.
		pending []middleware.Middleware
	}

	// Option configures an Agent under construction.
	Option func(*Agent)
)

const (
	defaultMaxIterations = 10
	defaultParallelism   = 4
)

// WithModel sets the provider model identifier.
func WithModel(id string) Option {
	return func(a *Agent) { a.ModelID = id }
}

// WithTools sets the tool registry.
func WithTools(reg *tools.Registry) Option {
	return func(a *Agent) { a.Tools = reg }
}

// WithMiddleware appends middlewares in composition order: the first
// middleware given observes calls first.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(a *Agent) { a.pending = append(a.pending, mws...) }
}

// WithSystemPrompt sets the system instructions.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.SystemPrompt = prompt }
}

// WithMaxIterations caps model invocations per turn. Default is 10. Zero is
// honored: the turn ends before the first model call.
func WithMaxIterations(n int) Option {
	return func(a *Agent) { a.MaxIterations = n }
}

// WithParallelism caps concurrent tool calls. Default is 4.
func WithParallelism(n int) Option {
	return func(a *Agent) { a.Parallelism = n }
}

// WithCheckpointFrequency enables durable execution at the given
// granularity. Default is off.
func WithCheckpointFrequency(f checkpoint.Frequency) Option {
	return func(a *Agent) { a.CheckpointFrequency = f }
}

// WithPreserveReasoning keeps model reasoning in persisted history.
func WithPreserveReasoning() Option {
	return func(a *Agent) { a.PreserveReasoning = true }
}

// WithAutoSave persists a snapshot after each successful turn.
func WithAutoSave() Option {
	return func(a *Agent) { a.AutoSave = true }
}

// WithSampling sets the default temperature and completion token cap.
func WithSampling(temperature float32, maxTokens int) Option {
	return func(a *Agent) { a.Temperature, a.MaxTokens = temperature, maxTokens }
}

// New constructs an Agent. The client is required; tools default to an empty
// registry and the middleware list may be empty.
func New(id Ident, client model.Client, opts ...Option) (*Agent, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if client == nil {
		return nil, errors.New("agent: model client is required")
	}
	a := &Agent{
		ID:                  id,
		Client:              client,
		MaxIterations:       defaultMaxIterations,
		Parallelism:         defaultParallelism,
		CheckpointFrequency: checkpoint.FrequencyOff,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.MaxIterations < 0 {
		return nil, fmt.Errorf("agent: max iterations must not be negative, got %d", a.MaxIterations)
	}
	if a.Parallelism < 1 {
		a.Parallelism = 1
	}
	if a.Tools == nil {
		a.Tools = tools.NewRegistry()
	}
	p, err := middleware.NewPipeline(a.pending...)
	if err != nil {
		return nil, err
	}
	a.Pipeline = p
	a.pending = nil
	return a, nil
}

// String implements fmt.Stringer.
func (id Ident) String() string { return string(id) }

// Validate checks the identifier shape: non-empty dot-separated segments of
// letters, digits, hyphens, and underscores.
func (id Ident) Validate() error {
	if id == "" {
		return errors.New("agent: id is required")
	}
	for _, seg := range strings.Split(string(id), ".") {
		if seg == "" {
			return fmt.Errorf("agent: id %q has an empty segment", id)
		}
		for _, r := range seg {
			if !isIdentRune(r) {
				return fmt.Errorf("agent: id %q contains invalid character %q", id, r)
			}
		}
	}
	return nil
}

func isIdentRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	}
	return false
}
