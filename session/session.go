// Package session defines the durable conversation state: the session and
// its messages, post-turn snapshots, intra-turn execution checkpoints, and
// partial tool-call results (pending writes).
//
// A Session is the first-class conversational container. Its messages only
// grow; a turn appends and never rewrites. ExecutionState exists only while
// a turn is in flight.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/strandlabs/strand/model"
)

type (
	// Session captures the full durable state of a conversation.
	Session struct {
		// ID is the durable identifier of the session.
		ID string `json:"id"`
		// CreatedAt records when the session was created.
		CreatedAt time.Time `json:"created_at"`
		// LastActivity records the end of the most recent turn.
		LastActivity time.Time `json:"last_activity"`
		// Messages is the ordered conversation. Owned by the session; turns
		// append and never rewrite.
		Messages []*model.Message `json:"messages"`
		// Metadata carries opaque application data.
		Metadata map[string]any `json:"metadata,omitempty"`
		// MiddlewareState holds each middleware's persistent state keyed by
		// its state key. Values are versioned; the pipeline migrates them on
		// load.
		MiddlewareState map[string]VersionedValue `json:"middleware_state,omitempty"`
		// ExecutionState is present only while a turn is in flight.
		ExecutionState *LoopState `json:"execution_state,omitempty"`
	}

	// VersionedValue wraps a middleware's persistent state with its schema
	// version so stores can hold state written by older code.
	VersionedValue struct {
		// Version is the state schema version declared by the middleware.
		Version int `json:"version"`
		// Value is the opaque serialized state.
		Value json.RawMessage `json:"value"`
	}

	// LoopState is the agentic loop's resumable execution state, captured in
	// checkpoints.
	LoopState struct {
		// Iteration is the zero-based index of the next model invocation.
		Iteration int `json:"iteration"`
		// MaxIterations is the current cap, including continuation
		// extensions.
		MaxIterations int `json:"max_iterations"`
		// CurrentMessages is the working message sequence of the turn.
		CurrentMessages []*model.Message `json:"current_messages"`
		// ApprovedToolCallIDs lists calls already approved by the permission
		// filter so identical parallel calls do not re-prompt.
		ApprovedToolCallIDs []string `json:"approved_tool_call_ids,omitempty"`
		// Operation summarizes the latest model decision.
		Operation OperationMetadata `json:"operation_metadata"`
		// MiddlewareRuntime holds each middleware's turn-scoped state keyed
		// by its state key.
		MiddlewareRuntime map[string]any `json:"middleware_runtime_state,omitempty"`

		// mu guards ApprovedToolCallIDs: the permission filter records
		// approvals from the scheduler's parallel tool-call goroutines.
		mu sync.Mutex
	}

	// OperationMetadata summarizes the latest model response for resumption
	// decisions.
	OperationMetadata struct {
		HadFunctionCalls  bool     `json:"had_function_calls"`
		FunctionCalls     []string `json:"function_calls,omitempty"`
		FunctionCallCount int      `json:"function_call_count"`
	}

	// Snapshot is the post-turn persisted image of a session. Small; written
	// atomically after each successful turn when auto-save is on.
	Snapshot struct {
		// ID identifies the snapshot blob.
		ID string `json:"id"`
		// SessionID is the owning session.
		SessionID string `json:"session_id"`
		// CreatedAt records when the snapshot was written.
		CreatedAt time.Time `json:"created_at"`
		// LastActivity mirrors the session's last activity at snapshot time.
		LastActivity time.Time `json:"last_activity"`
		// Messages is the full conversation at snapshot time.
		Messages []*model.Message `json:"messages"`
		// Metadata mirrors the session metadata.
		Metadata map[string]any `json:"metadata,omitempty"`
		// MiddlewareState mirrors the persistent middleware state.
		MiddlewareState map[string]VersionedValue `json:"middleware_state,omitempty"`
	}

	// Checkpoint is the intra-turn persisted execution state used for crash
	// recovery. Larger than a snapshot; written per the configured
	// frequency.
	Checkpoint struct {
		// ID identifies the checkpoint blob.
		ID string `json:"id"`
		// SessionID is the owning session.
		SessionID string `json:"session_id"`
		// ParentID links to the previous checkpoint of the turn, empty for
		// the first.
		ParentID string `json:"parent_checkpoint_id,omitempty"`
		// Step orders checkpoints monotonically within a session.
		Step int64 `json:"step"`
		// Source records what triggered the checkpoint.
		Source Source `json:"source"`
		// CreatedAt records when the checkpoint was written.
		CreatedAt time.Time `json:"created_at"`
		// MessageCount is the session message count at capture time. A
		// checkpoint whose count exceeds the current session's is stale.
		MessageCount int `json:"message_count"`
		// State is the captured loop state.
		State *LoopState `json:"execution_state"`
	}

	// Source classifies what triggered a checkpoint.
	Source string

	// ManifestEntry summarizes one checkpoint in a session's manifest.
	ManifestEntry struct {
		CheckpointID string    `json:"checkpoint_id"`
		Step         int64     `json:"step"`
		Source       Source    `json:"source"`
		CreatedAt    time.Time `json:"created_at"`
		MessageCount int       `json:"message_count"`
	}

	// PendingWrite records one completed tool-call result before the next
	// checkpoint covers it. On resume, calls whose IDs are covered are not
	// re-invoked.
	PendingWrite struct {
		CallID string `json:"call_id"`
		Value  any    `json:"value"`
	}

	// Store persists sessions, checkpoints, and pending writes.
	//
	// Implementations must write atomically (temp-then-rename or an
	// equivalent) and update the manifest index only after the blob write,
	// so a crash between the two leaves an orphan blob rather than a
	// dangling manifest entry. Recovery is explicit: the store never
	// auto-loads checkpoints.
	Store interface {
		// LoadSession reads the latest snapshot for id or constructs a new
		// empty session when none exists.
		LoadSession(ctx context.Context, id string) (*Session, error)

		// SaveSnapshot atomically persists the session's post-turn image.
		SaveSnapshot(ctx context.Context, sess *Session) error

		// SaveCheckpoint atomically persists an intra-turn checkpoint and
		// appends it to the session's manifest.
		SaveCheckpoint(ctx context.Context, cp *Checkpoint) error

		// LatestCheckpoint returns the checkpoint with the highest step, or
		// ErrCheckpointNotFound when the session has none.
		LatestCheckpoint(ctx context.Context, sessionID string) (*Checkpoint, error)

		// CheckpointAt returns the identified checkpoint or
		// ErrCheckpointNotFound.
		CheckpointAt(ctx context.Context, sessionID, checkpointID string) (*Checkpoint, error)

		// CheckpointManifest lists the session's checkpoints sorted by step
		// descending.
		CheckpointManifest(ctx context.Context, sessionID string) ([]ManifestEntry, error)

		// SavePendingWrites appends tool-call results for the given
		// checkpoint. Append-only until the writes are promoted into the
		// next checkpoint.
		SavePendingWrites(ctx context.Context, sessionID, checkpointID string, writes []PendingWrite) error

		// LoadPendingWrites returns the accumulated pending writes for the
		// checkpoint, empty when none were recorded.
		LoadPendingWrites(ctx context.Context, sessionID, checkpointID string) ([]PendingWrite, error)

		// DeletePendingWrites removes the pending-write record after its
		// results are promoted into a checkpoint.
		DeletePendingWrites(ctx context.Context, sessionID, checkpointID string) error

		// PruneCheckpoints removes all but the keepLatest highest-step
		// checkpoints and returns the number deleted.
		PruneCheckpoints(ctx context.Context, sessionID string, keepLatest int) (int, error)

		// DeleteOlderThan removes checkpoints created before cutoff across
		// all sessions and returns the number deleted.
		DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

		// DeleteInactiveSessions removes sessions whose last activity is
		// older than threshold and returns the affected IDs. With dryRun the
		// IDs are returned without deleting.
		DeleteInactiveSessions(ctx context.Context, threshold time.Duration, dryRun bool) ([]string, error)

		// DeleteCheckpoints removes the identified checkpoints.
		DeleteCheckpoints(ctx context.Context, sessionID string, ids []string) error
	}
)

const (
	// SourcePerTurn marks checkpoints written at turn boundaries.
	SourcePerTurn Source = "per-turn"
	// SourcePerIteration marks checkpoints written after each loop
	// iteration.
	SourcePerIteration Source = "per-iteration"
	// SourceManual marks checkpoints requested explicitly by the caller.
	SourceManual Source = "manual"
)

var (
	// ErrSessionNotFound indicates a session does not exist in the store.
	// LoadSession does not return it (it constructs an empty session);
	// maintenance operations may.
	ErrSessionNotFound = errors.New("session: session not found")
	// ErrCheckpointNotFound indicates no checkpoint matches the query.
	ErrCheckpointNotFound = errors.New("session: checkpoint not found")
)

// New constructs an empty session with the given ID.
func New(id string) *Session {
	now := time.Now().UTC()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     make(map[string]any),
	}
}

// Append adds messages to the conversation and bumps last activity.
func (s *Session) Append(msgs ...*model.Message) {
	s.Messages = append(s.Messages, msgs...)
	s.LastActivity = time.Now().UTC()
}

// Snapshot captures the session's persistent image. Messages are shared, not
// copied; callers must not mutate messages after a turn completes.
func (s *Session) Snapshot(snapshotID string) *Snapshot {
	return &Snapshot{
		ID:              snapshotID,
		SessionID:       s.ID,
		CreatedAt:       time.Now().UTC(),
		LastActivity:    s.LastActivity,
		Messages:        s.Messages,
		Metadata:        s.Metadata,
		MiddlewareState: s.MiddlewareState,
	}
}

// Restore populates the session from a snapshot.
func (s *Session) Restore(snap *Snapshot) {
	s.ID = snap.SessionID
	s.LastActivity = snap.LastActivity
	s.Messages = snap.Messages
	s.Metadata = snap.Metadata
	s.MiddlewareState = snap.MiddlewareState
	if s.Metadata == nil {
		s.Metadata = make(map[string]any)
	}
}

// Approved reports whether the call ID is recorded as approved. Safe for
// concurrent use with Approve.
func (ls *LoopState) Approved(callID string) bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.approvedLocked(callID)
}

// Approve records the call ID as approved. Idempotent and safe for
// concurrent use.
func (ls *LoopState) Approve(callID string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if !ls.approvedLocked(callID) {
		ls.ApprovedToolCallIDs = append(ls.ApprovedToolCallIDs, callID)
	}
}

func (ls *LoopState) approvedLocked(callID string) bool {
	for _, id := range ls.ApprovedToolCallIDs {
		if id == callID {
			return true
		}
	}
	return false
}

// Stale reports whether the checkpoint predates a session rewrite: its
// captured message count exceeds the session's current count.
func (cp *Checkpoint) Stale(sess *Session) bool {
	return cp.MessageCount > len(sess.Messages)
}
