// Package runtime drives agent turns: it owns the model/tool iteration
// loop, the per-iteration tool scheduler, and the turn-boundary wiring of
// sessions, checkpoints, middleware, and events.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/strandlabs/strand/agent"
	"github.com/strandlabs/strand/checkpoint"
	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/middleware"
	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/session"
	"github.com/strandlabs/strand/stream"
	"github.com/strandlabs/strand/telemetry"
)

type (
	// Runtime executes agent turns against a session store. A single
	// Runtime is safe for concurrent use; it serializes turns per
	// (session, branch) with an in-process turn lock.
	Runtime struct {
		store  session.Store
		log    telemetry.Logger
		tracer telemetry.Tracer

		mu     sync.Mutex
		active map[string]struct{}
	}

	// Option configures a Runtime.
	Option func(*Runtime)

	// TurnRequest describes one user turn.
	TurnRequest struct {
		// SessionID selects the conversation. Required.
		SessionID string
		// BranchID selects the conversation branch. Defaults to "main".
		BranchID string
		// Message is the user's text. Required unless resuming.
		Message string
		// Bus receives runtime events. A private bus is created when nil.
		Bus hooks.Bus
		// Stream, when set, receives the client-facing event subset.
		Stream stream.Sink
		// ResumeFrom names a checkpoint to resume from after a crash.
		// Empty starts a fresh turn.
		ResumeFrom string
	}

	// TurnResult reports a completed turn.
	TurnResult struct {
		// FinalText is the assistant's terminal message text.
		FinalText string
		// Iterations counts model invocations made during the turn.
		Iterations int
		// Usage totals token consumption across the turn's model calls.
		Usage model.TokenUsage
		// Session is the post-turn session.
		Session *session.Session
	}
)

// ErrTurnActive reports that a turn already holds the lock for the
// requested session and branch.
var ErrTurnActive = errors.New("runtime: turn already active for session branch")

// WithLogger routes the runtime's structured logs through l.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithTracer wraps model and tool invocations in spans created by t.
func WithTracer(t telemetry.Tracer) Option {
	return func(r *Runtime) {
		if t != nil {
			r.tracer = t
		}
	}
}

// New constructs a Runtime backed by store.
func New(store session.Store, opts ...Option) (*Runtime, error) {
	if store == nil {
		return nil, errors.New("runtime: session store is required")
	}
	r := &Runtime{
		store:  store,
		log:    telemetry.NewClueLogger(),
		tracer: telemetry.NewNoopTracer(),
		active: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run executes one turn of ag for req and returns its result. Only one
// turn runs per (session, branch) at a time; a second concurrent call
// returns ErrTurnActive without side effects.
func (r *Runtime) Run(ctx context.Context, ag *agent.Agent, req TurnRequest) (*TurnResult, error) {
	if ag == nil {
		return nil, errors.New("runtime: agent is required")
	}
	if req.SessionID == "" {
		return nil, errors.New("runtime: session ID is required")
	}
	if req.Message == "" && req.ResumeFrom == "" {
		return nil, errors.New("runtime: message is required")
	}
	branch := req.BranchID
	if branch == "" {
		branch = "main"
	}

	lockKey := req.SessionID + "/" + branch
	if !r.acquire(lockKey) {
		r.log.Debug(ctx, "turn dropped, lock held",
			"session_id", req.SessionID,
			"branch_id", branch)
		return nil, fmt.Errorf("%w: %s", ErrTurnActive, lockKey)
	}
	defer r.release(lockKey)

	sess, err := r.store.LoadSession(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("runtime: load session %q: %w", req.SessionID, err)
	}

	bus := req.Bus
	if bus == nil {
		bus = hooks.NewBus()
	}
	if req.Stream != nil {
		sub, err := stream.NewSubscriber(req.Stream)
		if err != nil {
			return nil, err
		}
		subscription, err := bus.Register(sub)
		if err != nil {
			return nil, err
		}
		defer subscription.Close()
	}

	cp, err := checkpoint.NewManager(r.store, checkpoint.WithFrequency(ag.CheckpointFrequency))
	if err != nil {
		return nil, err
	}

	meta := hooks.Meta{SessionID: req.SessionID, TurnID: uuid.NewString(), AgentID: string(ag.ID)}
	turn := &turnState{rt: r, ag: ag, cp: cp, bus: bus, meta: meta, branch: branch, sess: sess}
	return turn.run(ctx, req)
}

func (r *Runtime) acquire(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.active[key]; held {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

func (r *Runtime) release(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, key)
}

// turnState carries one turn's working set through the protocol steps.
type turnState struct {
	rt     *Runtime
	ag     *agent.Agent
	cp     *checkpoint.Manager
	bus    hooks.Bus
	meta   hooks.Meta
	branch string
	sess   *session.Session

	loop    *session.LoopState
	pending []session.PendingWrite

	// activeCheckpoint is the checkpoint currently covering the iteration,
	// empty when durable execution is off.
	activeCheckpoint string

	usage model.TokenUsage
}

func (t *turnState) run(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	_ = t.bus.Publish(ctx, hooks.NewMessageTurnStartedEvent(t.meta, req.Message))

	if err := t.prepare(ctx, req); err != nil {
		t.fail(ctx, err)
		return nil, err
	}

	tc := middleware.NewTurnContext(t.meta, t.branch, t.bus, t.sess, t.loop)
	if err := t.ag.Pipeline.Bind(tc); err != nil {
		t.fail(ctx, err)
		return nil, err
	}

	finalText, turnErr := t.iterate(ctx, tc)

	if afterErr := t.ag.Pipeline.AfterTurn(ctx, tc, turnErr); afterErr != nil {
		t.rt.log.Error(ctx, "after_turn hooks failed",
			"session_id", t.sess.ID,
			"err", afterErr)
	}

	if turnErr != nil {
		t.fail(ctx, turnErr)
		return nil, turnErr
	}

	_ = t.bus.Publish(ctx, hooks.NewAgentCompletionEvent(t.meta, finalText))
	_ = t.bus.Publish(ctx, hooks.NewMessageTurnFinishedEvent(t.meta, finalText, t.loop.Iteration))

	result := &TurnResult{
		FinalText:  finalText,
		Iterations: t.loop.Iteration,
		Usage:      t.usage,
		Session:    t.sess,
	}
	t.sess.ExecutionState = nil
	if t.ag.AutoSave {
		if err := t.rt.store.SaveSnapshot(ctx, t.sess); err != nil {
			return nil, fmt.Errorf("runtime: save snapshot: %w", err)
		}
	}
	t.cp.Finish(ctx, t.sess.ID)
	return result, nil
}

// prepare establishes the turn's loop state: either fresh from the user
// message or restored from a checkpoint when resuming.
func (t *turnState) prepare(ctx context.Context, req TurnRequest) error {
	if req.ResumeFrom != "" {
		resume, err := t.cp.At(ctx, t.sess, req.ResumeFrom)
		if err != nil {
			return fmt.Errorf("runtime: resume from %q: %w", req.ResumeFrom, err)
		}
		if resume.Stale {
			return fmt.Errorf("runtime: checkpoint %q is stale for session %q", req.ResumeFrom, t.sess.ID)
		}
		t.loop = resume.Checkpoint.State
		t.pending = resume.Pending
		t.activeCheckpoint = resume.Checkpoint.ID
		t.sess.ExecutionState = t.loop
		return nil
	}

	t.sess.Append(model.NewTextMessage(model.ConversationRoleUser, req.Message))
	t.loop = &session.LoopState{
		MaxIterations:   t.ag.MaxIterations,
		CurrentMessages: append([]*model.Message(nil), t.sess.Messages...),
	}
	t.sess.ExecutionState = t.loop

	if t.cp.AtTurnStart() {
		saved, err := t.cp.Save(ctx, t.sess, t.loop, sourceFor(t.cp.Frequency()))
		if err != nil {
			return fmt.Errorf("runtime: checkpoint at turn start: %w", err)
		}
		t.activeCheckpoint = saved.ID
	}
	return nil
}

// iterate runs protocol steps 4 through 6: before_turn hooks followed by
// the model and tool iteration loop. It returns the final assistant text.
func (t *turnState) iterate(ctx context.Context, tc *middleware.TurnContext) (string, error) {
	if err := t.ag.Pipeline.BeforeTurn(ctx, tc); err != nil {
		return "", err
	}

	sched := &scheduler{
		registry:     t.ag.Tools,
		pipeline:     t.ag.Pipeline,
		parallelism:  t.ag.Parallelism,
		log:          t.rt.log,
		tracer:       t.rt.tracer,
		cp:           t.cp,
		checkpointID: t.activeCheckpoint,
	}
	wrapped := t.ag.Pipeline.WrapModel(tc, t.baseModelCall())

	// lastHadCalls is true while the conversation ends in unanswered tool
	// results, so exhausting the cap mid-task routes through the
	// continuation filter rather than silently stopping.
	lastHadCalls := t.loop.Operation.HadFunctionCalls

	for {
		if t.loop.Iteration >= t.loop.MaxIterations {
			if !lastHadCalls {
				break
			}
			if !hasContinuation(t.ag.Pipeline) {
				return t.terminate(ctx), nil
			}
		}

		_ = t.bus.Publish(ctx, hooks.NewIterationStartEvent(t.meta, t.loop.Iteration, t.loop.MaxIterations))
		_ = t.bus.Publish(ctx, hooks.NewStepStartedEvent(t.meta, "model_call"))

		resp, err := wrapped(ctx, t.buildRequest())
		if err != nil {
			var abort *middleware.AbortTurn
			if errors.As(err, &abort) && abort.Reason == "max_iterations" {
				return t.terminate(ctx), nil
			}
			return "", err
		}
		t.loop.Iteration++
		t.account(ctx, resp)

		calls := resp.Message.ToolCalls()
		t.loop.Operation = session.OperationMetadata{
			HadFunctionCalls:  len(calls) > 0,
			FunctionCalls:     callNames(calls),
			FunctionCallCount: len(calls),
		}
		_ = t.bus.Publish(ctx, hooks.NewAgentDecisionEvent(t.meta, t.loop.Operation.FunctionCalls))

		t.appendMessage(t.persistable(resp.Message))

		if len(calls) == 0 {
			lastHadCalls = false
			return resp.Message.Text(), nil
		}
		lastHadCalls = true

		_ = t.bus.Publish(ctx, hooks.NewStepStartedEvent(t.meta, "tool_execution"))
		sched.checkpointID = t.activeCheckpoint
		toolMsg, err := sched.run(ctx, tc, calls, t.pending)
		if err != nil {
			return "", err
		}
		t.pending = nil
		t.appendMessage(toolMsg)

		if err := t.checkpointIteration(ctx); err != nil {
			return "", err
		}
		sched.checkpointID = t.activeCheckpoint
	}
	return lastText(t.loop.CurrentMessages), nil
}

// terminate records the forced stop when the iteration budget is spent and
// no continuation was granted.
func (t *turnState) terminate(ctx context.Context) string {
	const text = "Stopping: the maximum number of iterations was reached before the task completed."
	t.appendMessage(model.NewTextMessage(model.ConversationRoleAssistant, text))
	t.rt.log.Debug(ctx, "iteration budget exhausted",
		"session_id", t.sess.ID,
		"iterations", t.loop.Iteration)
	return text
}

// buildRequest assembles the model request for the next iteration. The
// system prompt is merged exactly once at the head; if the working history
// already starts with a system message it is left alone.
func (t *turnState) buildRequest() *model.Request {
	msgs := t.loop.CurrentMessages
	if t.ag.SystemPrompt != "" && (len(msgs) == 0 || msgs[0].Role != model.ConversationRoleSystem) {
		merged := make([]*model.Message, 0, len(msgs)+1)
		merged = append(merged, model.NewTextMessage(model.ConversationRoleSystem, t.ag.SystemPrompt))
		msgs = append(merged, msgs...)
	}
	return &model.Request{
		Model:             t.ag.ModelID,
		Messages:          msgs,
		Tools:             t.ag.Tools.Definitions(),
		Temperature:       t.ag.Temperature,
		MaxTokens:         t.ag.MaxTokens,
		PreserveReasoning: t.ag.PreserveReasoning,
	}
}

// appendMessage extends both the durable session history and the turn's
// working sequence.
func (t *turnState) appendMessage(msg *model.Message) {
	t.sess.Append(msg)
	t.loop.CurrentMessages = append(t.loop.CurrentMessages, msg)
}

// persistable strips reasoning parts from the assistant message unless the
// agent preserves them. The streamed events already surfaced the reasoning.
func (t *turnState) persistable(msg *model.Message) *model.Message {
	if t.ag.PreserveReasoning {
		return msg
	}
	kept := make([]model.Part, 0, len(msg.Parts))
	for _, p := range msg.Parts {
		if _, ok := p.(model.ReasoningPart); ok {
			continue
		}
		kept = append(kept, p)
	}
	if len(kept) == len(msg.Parts) {
		return msg
	}
	clone := msg.Clone()
	clone.Parts = kept
	return clone
}

// account records usage: input tokens land on the last user message,
// output tokens are apportioned across this call's assistant output.
func (t *turnState) account(ctx context.Context, resp *model.Response) {
	if resp.Usage == (model.TokenUsage{}) {
		return
	}
	t.usage.InputTokens += resp.Usage.InputTokens
	t.usage.OutputTokens += resp.Usage.OutputTokens
	t.usage.TotalTokens += resp.Usage.TotalTokens
	_ = t.bus.Publish(ctx, hooks.NewUsageEvent(t.meta, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.Usage.TotalTokens))

	for i := len(t.sess.Messages) - 1; i >= 0; i-- {
		if t.sess.Messages[i].Role == model.ConversationRoleUser {
			t.sess.Messages[i].Tokens.Input += resp.Usage.InputTokens
			break
		}
	}
	apportionOutput([]*model.Message{resp.Message}, resp.Usage.OutputTokens)
}

// checkpointIteration persists a per-iteration checkpoint and promotes the
// pending writes the new checkpoint now covers.
func (t *turnState) checkpointIteration(ctx context.Context) error {
	if !t.cp.AtIterationEnd() {
		return nil
	}
	previous := t.activeCheckpoint
	saved, err := t.cp.Save(ctx, t.sess, t.loop, session.SourcePerIteration)
	if err != nil {
		return fmt.Errorf("runtime: checkpoint iteration %d: %w", t.loop.Iteration, err)
	}
	t.activeCheckpoint = saved.ID
	if err := t.cp.Promote(ctx, t.sess.ID, previous); err != nil {
		t.rt.log.Error(ctx, "promote pending writes failed",
			"session_id", t.sess.ID,
			"err", err)
	}
	return nil
}

// fail emits the terminal error event. Cancellation gets its own code so
// clients can distinguish an aborted turn from a failed one.
func (t *turnState) fail(ctx context.Context, err error) {
	code := "error"
	var abort *middleware.AbortTurn
	switch {
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		code = "canceled"
	case errors.As(err, &abort):
		code = abort.Reason
	}
	_ = t.bus.Publish(ctx, hooks.NewMessageTurnErrorEvent(t.meta, code, err.Error()))
}

// baseModelCall streams the model response, forwarding deltas to the bus
// and collecting the parts into a single assistant message in stream order.
func (t *turnState) baseModelCall() middleware.ModelCall {
	return func(ctx context.Context, req *model.Request) (resp *model.Response, err error) {
		ctx, span := t.rt.tracer.Start(ctx, "model.stream",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("model.id", t.ag.ModelID),
				attribute.Int("turn.iteration", t.loop.Iteration)))
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "model stream failed")
			} else {
				if resp.Usage != (model.TokenUsage{}) {
					span.AddEvent("model.usage",
						"input_tokens", resp.Usage.InputTokens,
						"output_tokens", resp.Usage.OutputTokens,
						"total_tokens", resp.Usage.TotalTokens)
				}
				span.SetStatus(codes.Ok, "")
			}
			span.End()
		}()

		st, err := t.ag.Client.Stream(ctx, req)
		if err != nil {
			return nil, err
		}
		defer st.Close()

		col := collector{}
		for {
			chunk, err := st.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return nil, err
			}
			switch chunk.Kind {
			case model.ChunkText:
				_ = t.bus.Publish(ctx, hooks.NewTextDeltaEvent(t.meta, chunk.Text))
				col.text(chunk.Text)
			case model.ChunkReasoning:
				if !col.reasoning {
					_ = t.bus.Publish(ctx, hooks.NewReasoningMessageStartEvent(t.meta))
				}
				_ = t.bus.Publish(ctx, hooks.NewReasoningMessageDeltaEvent(t.meta, chunk.Reasoning))
				col.reason(chunk.Reasoning, chunk.ReasoningTrace)
				if chunk.ReasoningFinal {
					_ = t.bus.Publish(ctx, hooks.NewReasoningMessageEndEvent(t.meta))
					col.endReasoning()
				}
			case model.ChunkToolCall:
				if chunk.ToolCall != nil {
					col.toolCall(*chunk.ToolCall)
				}
			case model.ChunkUsage:
				if chunk.Usage != nil {
					col.usage = *chunk.Usage
				}
			case model.ChunkStop:
				col.stop = chunk.StopReason
			}
		}
		if col.reasoning {
			_ = t.bus.Publish(ctx, hooks.NewReasoningMessageEndEvent(t.meta))
			col.endReasoning()
		}
		return col.response(), nil
	}
}

// collector assembles streamed chunks into message parts, preserving the
// order deltas arrived in.
type collector struct {
	parts []model.Part

	textBuf   []byte
	reasonBuf []byte
	trace     []byte
	reasoning bool

	usage model.TokenUsage
	stop  string
}

func (c *collector) text(delta string) {
	c.flushReasoning()
	c.textBuf = append(c.textBuf, delta...)
}

func (c *collector) reason(delta string, trace []byte) {
	c.flushText()
	c.reasoning = true
	c.reasonBuf = append(c.reasonBuf, delta...)
	if len(trace) > 0 {
		c.trace = trace
	}
}

func (c *collector) endReasoning() { c.flushReasoning() }

func (c *collector) toolCall(call model.ToolCall) {
	c.flushText()
	c.flushReasoning()
	c.parts = append(c.parts, model.ToolUsePart{ID: call.ID, Name: call.Name, Input: call.Input})
}

func (c *collector) flushText() {
	if len(c.textBuf) == 0 {
		return
	}
	c.parts = append(c.parts, model.TextPart{Text: string(c.textBuf)})
	c.textBuf = nil
}

func (c *collector) flushReasoning() {
	if !c.reasoning {
		return
	}
	c.parts = append(c.parts, model.ReasoningPart{Text: string(c.reasonBuf), Trace: c.trace})
	c.reasonBuf = nil
	c.trace = nil
	c.reasoning = false
}

func (c *collector) response() *model.Response {
	c.flushText()
	c.flushReasoning()
	return &model.Response{
		Message:    &model.Message{Role: model.ConversationRoleAssistant, Parts: c.parts},
		Usage:      c.usage,
		StopReason: c.stop,
	}
}

// apportionOutput distributes output tokens across assistant messages
// proportionally to their text length. A single message receives the full
// amount; remainders land on the last message.
func apportionOutput(msgs []*model.Message, output int) {
	if len(msgs) == 0 || output == 0 {
		return
	}
	if len(msgs) == 1 {
		msgs[0].Tokens.Output += output
		return
	}
	total := 0
	for _, m := range msgs {
		total += len(m.Text())
	}
	if total == 0 {
		msgs[len(msgs)-1].Tokens.Output += output
		return
	}
	assigned := 0
	for _, m := range msgs[:len(msgs)-1] {
		share := output * len(m.Text()) / total
		m.Tokens.Output += share
		assigned += share
	}
	msgs[len(msgs)-1].Tokens.Output += output - assigned
}

func sourceFor(f checkpoint.Frequency) session.Source {
	if f == checkpoint.FrequencyPerIteration {
		return session.SourcePerIteration
	}
	return session.SourcePerTurn
}

func hasContinuation(p *middleware.Pipeline) bool {
	for _, m := range p.Middlewares() {
		if _, ok := m.(*middleware.ContinuationFilter); ok {
			return true
		}
	}
	return false
}

func callNames(calls []model.ToolCall) []string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return names
}

func lastText(msgs []*model.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.ConversationRoleAssistant {
			if text := msgs[i].Text(); text != "" {
				return text
			}
		}
	}
	return ""
}
