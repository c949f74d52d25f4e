package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/strandlabs/strand/model"
)

type (
	// Summarizer produces a compact summary of a message prefix. The history
	// reducer calls it when its cached summary is missing or invalid.
	Summarizer interface {
		Summarize(ctx context.Context, msgs []*model.Message) (string, error)
	}

	// SummarizerFunc adapts a function to the Summarizer interface.
	SummarizerFunc func(ctx context.Context, msgs []*model.Message) (string, error)

	// HistoryReducer keeps long conversations within budget by replacing the
	// oldest messages with a cached summary. The cache is persistent state:
	// it records how many messages it covers and a digest of them, and is
	// rebuilt whenever the conversation shrinks, the digest mismatches, or
	// enough new messages accumulate past the threshold.
	HistoryReducer struct {
		summarizer Summarizer
		keepTail   int
		threshold  int
	}

	// HistoryOption configures a HistoryReducer.
	HistoryOption func(*HistoryReducer)

	historyState struct {
		// SnapshotCount is how many leading messages the summary covers.
		SnapshotCount int `json:"snapshot_count"`
		// Summary is the cached summary text.
		Summary string `json:"summary"`
		// Hash digests the summarized prefix for validity checks.
		Hash string `json:"hash"`
	}
)

const (
	historyKey           = "history_reduction"
	historyStateVersion  = 1
	defaultKeepTail      = 10
	defaultNewMsgTrigger = 20
)

// Summarize implements Summarizer.
func (f SummarizerFunc) Summarize(ctx context.Context, msgs []*model.Message) (string, error) {
	return f(ctx, msgs)
}

// WithKeepTail sets how many trailing messages stay verbatim. Default 10.
func WithKeepTail(n int) HistoryOption {
	return func(h *HistoryReducer) { h.keepTail = n }
}

// WithResummarizeThreshold sets how many messages may accumulate beyond the
// cached snapshot before the summary is rebuilt. Default 20.
func WithResummarizeThreshold(n int) HistoryOption {
	return func(h *HistoryReducer) { h.threshold = n }
}

// NewHistoryReducer constructs the reducer.
func NewHistoryReducer(summarizer Summarizer, opts ...HistoryOption) (*HistoryReducer, error) {
	if summarizer == nil {
		return nil, fmt.Errorf("middleware: summarizer is required")
	}
	h := &HistoryReducer{summarizer: summarizer, keepTail: defaultKeepTail, threshold: defaultNewMsgTrigger}
	for _, opt := range opts {
		opt(h)
	}
	if h.keepTail < 1 {
		h.keepTail = 1
	}
	if h.threshold < 1 {
		h.threshold = 1
	}
	return h, nil
}

// Key implements Middleware.
func (h *HistoryReducer) Key() string { return historyKey }

// StateVersion implements Versioned.
func (h *HistoryReducer) StateVersion() int { return historyStateVersion }

// MigrateState implements Versioned. Version 1 is the first schema; older
// state is discarded.
func (h *HistoryReducer) MigrateState(oldVersion int, value json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// WrapModelCall implements ModelInterceptor.
func (h *HistoryReducer) WrapModelCall(ctx context.Context, tc *TurnContext, req *model.Request, next ModelCall) (*model.Response, error) {
	msgs := req.Messages
	var system *model.Message
	if len(msgs) > 0 && msgs[0].Role == model.ConversationRoleSystem {
		system = msgs[0]
		msgs = msgs[1:]
	}
	// Not enough history to be worth reducing.
	if len(msgs) <= h.keepTail+h.threshold {
		return next(ctx, req)
	}

	st, _, err := State[historyState](tc, historyKey)
	if err != nil {
		return nil, err
	}

	prefixLen := len(msgs) - h.keepTail
	if !h.valid(st, msgs) {
		summary, err := h.summarizer.Summarize(ctx, msgs[:prefixLen])
		if err != nil {
			return nil, fmt.Errorf("middleware: summarize history: %w", err)
		}
		st = historyState{
			SnapshotCount: prefixLen,
			Summary:       summary,
			Hash:          digestMessages(msgs[:prefixLen]),
		}
		if err := UpdateState(tc, historyKey, func(historyState) historyState { return st }); err != nil {
			return nil, err
		}
	}

	reduced := make([]*model.Message, 0, len(msgs)-st.SnapshotCount+2)
	if system != nil {
		reduced = append(reduced, system)
	}
	reduced = append(reduced, model.NewTextMessage(model.ConversationRoleUser,
		"Summary of the conversation so far:\n"+st.Summary))
	reduced = append(reduced, msgs[st.SnapshotCount:]...)

	clean := *req
	clean.Messages = reduced
	return next(ctx, &clean)
}

// valid reports whether the cached summary still describes the current
// prefix: the conversation has not shrunk below it, its digest matches, and
// not too many messages have piled up since it was taken.
func (h *HistoryReducer) valid(st historyState, msgs []*model.Message) bool {
	if st.Summary == "" || st.SnapshotCount == 0 {
		return false
	}
	if len(msgs) < st.SnapshotCount {
		return false
	}
	if len(msgs)-st.SnapshotCount > h.threshold {
		return false
	}
	return st.Hash == digestMessages(msgs[:st.SnapshotCount])
}

func digestMessages(msgs []*model.Message) string {
	d := sha256.New()
	for _, m := range msgs {
		io.WriteString(d, string(m.Role))
		io.WriteString(d, "\x1f")
		io.WriteString(d, m.Text())
		io.WriteString(d, "\x1e")
	}
	return hex.EncodeToString(d.Sum(nil))
}

var (
	_ ModelInterceptor = (*HistoryReducer)(nil)
	_ Versioned        = (*HistoryReducer)(nil)
)
