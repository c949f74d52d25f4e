package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/strandlabs/strand/checkpoint"
	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/middleware"
	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/session"
	"github.com/strandlabs/strand/telemetry"
	"github.com/strandlabs/strand/toolerrors"
	"github.com/strandlabs/strand/tools"
)

type (
	// scheduler runs the tool calls of one iteration in parallel, bounded by
	// the agent's parallelism cap, and assembles all results into a single
	// tool-role message in call order.
	scheduler struct {
		registry    *tools.Registry
		pipeline    *middleware.Pipeline
		parallelism int
		log         telemetry.Logger
		tracer      telemetry.Tracer

		// cp and checkpointID are set when durable execution has an active
		// checkpoint for the iteration; results are then recorded as pending
		// writes as they complete.
		cp           *checkpoint.Manager
		checkpointID string
	}

	// outcome is one call's result in dispatch order.
	outcome struct {
		call  model.ToolCall
		value any
		err   *toolerrors.ToolError
	}
)

// run executes the calls and returns the aggregated tool-role message.
// Calls whose IDs appear in pending are not re-invoked; their recorded
// values are surfaced instead. A middleware AbortTurn cancels outstanding
// calls and propagates.
func (s *scheduler) run(ctx context.Context, tc *middleware.TurnContext, calls []model.ToolCall, pending []session.PendingWrite) (*model.Message, error) {
	covered := make(map[string]any, len(pending))
	for _, w := range pending {
		covered[w.CallID] = w.Value
	}

	// Every ToolCallStart precedes any ToolCallEnd of the iteration.
	for _, call := range calls {
		_ = tc.Bus.Publish(ctx, hooks.NewToolCallStartEvent(tc.Meta, call.ID, call.Name))
		_ = tc.Bus.Publish(ctx, hooks.NewToolCallArgsEvent(tc.Meta, call.ID, call.Input))
	}

	outcomes := make([]outcome, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallelism)
	for i, call := range calls {
		g.Go(func() error {
			started := time.Now()
			var out outcome
			if v, ok := covered[call.ID]; ok {
				out = outcome{call: call, value: v}
			} else {
				var abort error
				out, abort = s.dispatch(gctx, tc, call)
				if abort != nil {
					return abort
				}
				s.recordPending(gctx, tc, out)
			}
			outcomes[i] = out
			s.emitEnd(gctx, tc, out, time.Since(started))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	msg := &model.Message{Role: model.ConversationRoleTool, Parts: make([]model.Part, 0, len(outcomes))}
	for _, out := range outcomes {
		part := model.ToolResultPart{ToolUseID: out.call.ID}
		if out.err != nil {
			part.IsError = true
			part.Content = out.err.Message
		} else {
			part.Content = out.value
		}
		msg.Parts = append(msg.Parts, part)
	}
	return msg, nil
}

// dispatch validates, resolves, and invokes one call through the wrap chain.
// Failures become classified tool errors, never scheduler errors. A turn
// abort raised by middleware is returned separately so the scheduler can
// cancel the rest of the iteration.
func (s *scheduler) dispatch(ctx context.Context, tc *middleware.TurnContext, call model.ToolCall) (outcome, error) {
	ctx, span := s.tracer.Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID)))
	defer span.End()

	name := tools.Ident(call.Name)
	tool, err := s.registry.Resolve(name)
	if err != nil {
		return s.failed(span, call, toolerrors.NewKind(toolerrors.KindTerminal, fmt.Sprintf("unknown tool %s", call.Name))), nil
	}
	if err := s.registry.ValidateArgs(name, call.Input); err != nil {
		return s.failed(span, call, toolerrors.FromError(err)), nil
	}

	wrapped := s.pipeline.WrapTool(tc, s.base(tc, call))
	value, err := wrapped(ctx, &middleware.ToolRequest{Call: call, Tool: tool})
	if err != nil {
		var abort *middleware.AbortTurn
		if errors.As(err, &abort) {
			span.RecordError(abort)
			span.SetStatus(codes.Error, "turn aborted")
			return outcome{}, abort
		}
		return s.failed(span, call, toolerrors.FromError(err)), nil
	}
	span.SetStatus(codes.Ok, "")
	return outcome{call: call, value: value}, nil
}

// failed records the classified tool error on the span and packages it as
// the call's outcome.
func (s *scheduler) failed(span telemetry.Span, call model.ToolCall, terr *toolerrors.ToolError) outcome {
	span.RecordError(terr)
	span.SetStatus(codes.Error, "tool invocation failed")
	return outcome{call: call, err: terr}
}

// base is the innermost frame: the tool's own invoke, or container
// expansion for tools without one.
func (s *scheduler) base(tc *middleware.TurnContext, call model.ToolCall) middleware.ToolCall {
	return func(ctx context.Context, req *middleware.ToolRequest) (any, error) {
		callCtx := &tools.Context{
			SessionID: tc.Meta.SessionID,
			TurnID:    tc.Meta.TurnID,
			AgentID:   tc.Meta.AgentID,
			CallID:    call.ID,
			Messages:  append([]*model.Message(nil), tc.Loop.CurrentMessages...),
			Bus:       tc.Bus,
			Metadata:  tc.Session.Metadata,
		}
		if req.Tool.Options.Container {
			return s.registry.Expand(ctx, callCtx, req.Tool.Name)
		}
		if req.Tool.Invoke == nil {
			return nil, toolerrors.NewKind(toolerrors.KindTerminal, fmt.Sprintf("tool %s has no handler", req.Tool.Name))
		}
		return req.Tool.Invoke(ctx, callCtx, call.Input)
	}
}

func (s *scheduler) recordPending(ctx context.Context, tc *middleware.TurnContext, out outcome) {
	if s.cp == nil || s.checkpointID == "" || out.err != nil {
		return
	}
	// Durability is best-effort per write; a failed record only widens the
	// re-execution window on resume.
	_ = s.cp.RecordPending(ctx, tc.Meta.SessionID, s.checkpointID, session.PendingWrite{
		CallID: out.call.ID,
		Value:  out.value,
	})
}

func (s *scheduler) emitEnd(ctx context.Context, tc *middleware.TurnContext, out outcome, elapsed time.Duration) {
	if out.err != nil {
		s.log.Debug(ctx, "tool call failed",
			"tool", out.call.Name,
			"call_id", out.call.ID,
			"kind", string(out.err.Kind),
			"elapsed", elapsed)
		_ = tc.Bus.Publish(ctx, hooks.NewToolCallResultEvent(tc.Meta, out.call.ID, out.err.Message, true))
		_ = tc.Bus.Publish(ctx, hooks.NewToolCallEndEvent(tc.Meta, out.call.ID, out.call.Name, elapsed, out.err.Message))
		return
	}
	_ = tc.Bus.Publish(ctx, hooks.NewToolCallResultEvent(tc.Meta, out.call.ID, out.value, false))
	_ = tc.Bus.Publish(ctx, hooks.NewToolCallEndEvent(tc.Meta, out.call.ID, out.call.Name, elapsed, ""))
}
