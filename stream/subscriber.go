package stream

import (
	"context"
	"errors"

	"github.com/strandlabs/strand/hooks"
	"github.com/strandlabs/strand/toolerrors"
)

// Subscriber bridges the internal hook bus to a Sink. It receives every
// runtime event, translates the client-facing subset into stream events, and
// ignores the rest (iteration bookkeeping, workflow internals, policy
// lookups).
//
// Register the subscriber on a bus:
//
//	sub, err := stream.NewSubscriber(sink)
//	if err != nil {
//	    return err
//	}
//	subscription, _ := bus.Register(sub)
//	defer subscription.Close()
type Subscriber struct {
	sink Sink
}

// NewSubscriber constructs a subscriber forwarding selected hook events to
// sink. It returns an error if sink is nil.
func NewSubscriber(sink Sink) (*Subscriber, error) {
	if sink == nil {
		return nil, errors.New("stream sink is required")
	}
	return &Subscriber{sink: sink}, nil
}

// HandleEvent implements hooks.Subscriber. Sink errors propagate to the bus,
// which stops delivery to remaining subscribers; streaming failures surface
// immediately rather than silently dropping events.
func (s *Subscriber) HandleEvent(ctx context.Context, event hooks.Event) error {
	switch evt := event.(type) {
	case *hooks.TextDeltaEvent:
		return s.sink.Send(ctx, AssistantDelta{
			Base: Base{T: EventAssistantDelta, S: evt.SessionID(), P: evt.Text},
			Text: evt.Text,
		})
	case *hooks.ReasoningMessageDeltaEvent:
		return s.sink.Send(ctx, ReasoningDelta{
			Base: Base{T: EventReasoningDelta, S: evt.SessionID(), P: evt.Text},
			Text: evt.Text,
		})
	case *hooks.ToolCallStartEvent:
		payload := ToolStartPayload{CallID: evt.CallID, Name: evt.Name}
		return s.sink.Send(ctx, ToolStart{
			Base: Base{T: EventToolStart, S: evt.SessionID(), P: payload},
			Data: payload,
		})
	case *hooks.ToolCallEndEvent:
		payload := ToolEndPayload{
			CallID:   evt.CallID,
			Name:     evt.Name,
			Duration: evt.Duration,
		}
		if evt.Error != "" {
			payload.Error = toolerrors.New(evt.Error)
		}
		return s.sink.Send(ctx, ToolEnd{
			Base: Base{T: EventToolEnd, S: evt.SessionID(), P: payload},
			Data: payload,
		})
	case *hooks.PermissionRequestEvent:
		payload := PermissionPromptPayload{
			ID:       evt.ID,
			Function: evt.Function,
			CallID:   evt.CallID,
			Args:     evt.Args,
		}
		return s.sink.Send(ctx, PermissionPrompt{
			Base: Base{T: EventPermissionPrompt, S: evt.SessionID(), P: payload},
			Data: payload,
		})
	case *hooks.ContinuationRequestEvent:
		payload := ContinuationPromptPayload{
			ID:            evt.ID,
			NextIteration: evt.NextIteration,
			MaxIterations: evt.MaxIterations,
		}
		return s.sink.Send(ctx, ContinuationPrompt{
			Base: Base{T: EventContinuationPrompt, S: evt.SessionID(), P: payload},
			Data: payload,
		})
	case *hooks.MessageTurnFinishedEvent:
		return s.sink.Send(ctx, TurnDone{
			Base:       Base{T: EventTurnDone, S: evt.SessionID(), P: evt.FinalText},
			FinalText:  evt.FinalText,
			Iterations: evt.Iterations,
		})
	case *hooks.MessageTurnErrorEvent:
		return s.sink.Send(ctx, TurnFailed{
			Base:    Base{T: EventTurnFailed, S: evt.SessionID(), P: evt.Message},
			Code:    evt.Code,
			Message: evt.Message,
		})
	default:
		return nil
	}
}
