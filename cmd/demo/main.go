package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/strandlabs/strand/agent"
	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/runtime"
	"github.com/strandlabs/strand/session/inmem"
	"github.com/strandlabs/strand/tools"
)

// scriptedClient is a tiny model client that first requests the greet tool
// and then answers with the tool's result.
type scriptedClient struct {
	calls int
}

func (c *scriptedClient) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	c.calls++
	if c.calls == 1 {
		return &scriptedStream{chunks: []model.Chunk{
			{Kind: model.ChunkToolCall, ToolCall: &model.ToolCall{
				ID: "call-1", Name: "greet", Input: map[string]any{"name": "world"},
			}},
			{Kind: model.ChunkStop, StopReason: model.StopReasonToolCalls},
		}}, nil
	}
	text := "The tool said: "
	for _, m := range req.Messages {
		if m.Role != model.ConversationRoleTool {
			continue
		}
		for _, p := range m.Parts {
			if tr, ok := p.(model.ToolResultPart); ok {
				text += fmt.Sprint(tr.Content)
			}
		}
	}
	return &scriptedStream{chunks: []model.Chunk{
		{Kind: model.ChunkText, Text: text},
		{Kind: model.ChunkStop, StopReason: model.StopReasonStop},
	}}, nil
}

type scriptedStream struct {
	chunks []model.Chunk
	pos    int
}

func (s *scriptedStream) Recv() (model.Chunk, error) {
	if s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	c := s.chunks[s.pos]
	s.pos++
	return c, nil
}

func (s *scriptedStream) Close() error { return nil }

func main() {
	ctx := context.Background()

	registry := tools.NewRegistry()
	if err := registry.Register(&tools.Tool{
		Name:        "greet",
		Description: "Greets someone by name.",
		Invoke: func(ctx context.Context, tc *tools.Context, args map[string]any) (any, error) {
			return fmt.Sprintf("hello, %v", args["name"]), nil
		},
	}); err != nil {
		fmt.Fprintln(os.Stderr, "register tool:", err)
		os.Exit(1)
	}

	ag, err := agent.New("demo.assistant", &scriptedClient{},
		agent.WithModel("demo-model"),
		agent.WithTools(registry),
		agent.WithSystemPrompt("You are a friendly demo assistant."),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "build agent:", err)
		os.Exit(1)
	}

	rt, err := runtime.New(inmem.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, "build runtime:", err)
		os.Exit(1)
	}

	res, err := rt.Run(ctx, ag, runtime.TurnRequest{
		SessionID: "demo-session",
		Message:   "Please greet the world.",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "run turn:", err)
		os.Exit(1)
	}

	fmt.Println(res.FinalText)
	fmt.Printf("iterations=%d tokens_in=%d tokens_out=%d\n",
		res.Iterations, res.Usage.InputTokens, res.Usage.OutputTokens)
}
