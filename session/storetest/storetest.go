// Package storetest exercises a session.Store implementation against the
// contract every backend must honor. Backend test files call Conformance
// with a fresh store.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/session"
)

// Factory returns a fresh, empty store for each subtest.
type Factory func(t *testing.T) session.Store

// Conformance runs the full store contract against stores built by f.
func Conformance(t *testing.T, f Factory) {
	t.Run("LoadSessionNew", func(t *testing.T) { testLoadSessionNew(t, f(t)) })
	t.Run("SnapshotRoundTrip", func(t *testing.T) { testSnapshotRoundTrip(t, f(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, f(t)) })
	t.Run("PendingWrites", func(t *testing.T) { testPendingWrites(t, f(t)) })
	t.Run("Prune", func(t *testing.T) { testPrune(t, f(t)) })
	t.Run("DeleteOlderThan", func(t *testing.T) { testDeleteOlderThan(t, f(t)) })
	t.Run("DeleteInactiveSessions", func(t *testing.T) { testDeleteInactive(t, f(t)) })
	t.Run("DeleteCheckpoints", func(t *testing.T) { testDeleteCheckpoints(t, f(t)) })
}

func testLoadSessionNew(t *testing.T, s session.Store) {
	ctx := context.Background()
	sess, err := s.LoadSession(ctx, "fresh")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, "fresh", sess.ID)
	assert.Empty(t, sess.Messages)
}

func testSnapshotRoundTrip(t *testing.T, s session.Store) {
	ctx := context.Background()
	sess := session.New("s1")
	sess.Append(
		model.NewTextMessage(model.ConversationRoleUser, "hello"),
		model.NewTextMessage(model.ConversationRoleAssistant, "hi there"),
	)
	sess.Metadata["project"] = "strand"
	sess.MiddlewareState = map[string]session.VersionedValue{
		"permission": {Version: 2, Value: []byte(`{"policies":{}}`)},
	}
	require.NoError(t, s.SaveSnapshot(ctx, sess))

	got, err := s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "hello", got.Messages[0].Text())
	assert.Equal(t, model.ConversationRoleAssistant, got.Messages[1].Role)
	assert.Equal(t, "strand", got.Metadata["project"])
	require.Contains(t, got.MiddlewareState, "permission")
	assert.Equal(t, 2, got.MiddlewareState["permission"].Version)

	// A second snapshot supersedes the first.
	sess.Append(model.NewTextMessage(model.ConversationRoleUser, "more"))
	require.NoError(t, s.SaveSnapshot(ctx, sess))
	got, err = s.LoadSession(ctx, "s1")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 3)
}

func testCheckpoints(t *testing.T, s session.Store) {
	ctx := context.Background()

	_, err := s.LatestCheckpoint(ctx, "s1")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)

	for step := int64(1); step <= 3; step++ {
		require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("s1", step)))
	}

	latest, err := s.LatestCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Step)
	require.NotNil(t, latest.State)
	assert.Equal(t, 3, latest.State.Iteration)
	require.Len(t, latest.State.CurrentMessages, 1)
	assert.Equal(t, "working", latest.State.CurrentMessages[0].Text())

	at, err := s.CheckpointAt(ctx, "s1", "cp-s1-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), at.Step)

	_, err = s.CheckpointAt(ctx, "s1", "cp-missing")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)

	manifest, err := s.CheckpointManifest(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, manifest, 3)
	assert.Equal(t, int64(3), manifest[0].Step, "manifest sorted by step descending")
	assert.Equal(t, int64(1), manifest[2].Step)
	assert.Equal(t, session.SourcePerIteration, manifest[0].Source)

	// Other sessions are unaffected.
	other, err := s.CheckpointManifest(ctx, "s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func testPendingWrites(t *testing.T, s session.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("s1", 1)))

	got, err := s.LoadPendingWrites(ctx, "s1", "cp-s1-1")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.SavePendingWrites(ctx, "s1", "cp-s1-1", []session.PendingWrite{
		{CallID: "call-a", Value: "alpha"},
	}))
	// Appends accumulate.
	require.NoError(t, s.SavePendingWrites(ctx, "s1", "cp-s1-1", []session.PendingWrite{
		{CallID: "call-b", Value: map[string]any{"n": float64(2)}},
	}))

	got, err = s.LoadPendingWrites(ctx, "s1", "cp-s1-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "call-a", got[0].CallID)
	assert.Equal(t, "alpha", got[0].Value)
	assert.Equal(t, "call-b", got[1].CallID)

	require.NoError(t, s.DeletePendingWrites(ctx, "s1", "cp-s1-1"))
	got, err = s.LoadPendingWrites(ctx, "s1", "cp-s1-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testPrune(t *testing.T, s session.Store) {
	ctx := context.Background()
	for step := int64(1); step <= 5; step++ {
		require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("s1", step)))
	}

	deleted, err := s.PruneCheckpoints(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)

	manifest, err := s.CheckpointManifest(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, manifest, 2)
	assert.Equal(t, int64(5), manifest[0].Step)
	assert.Equal(t, int64(4), manifest[1].Step)

	// Pruning again is a no-op.
	deleted, err = s.PruneCheckpoints(ctx, "s1", 2)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func testDeleteOlderThan(t *testing.T, s session.Store) {
	ctx := context.Background()
	old := checkpointAt("s1", 1)
	old.CreatedAt = time.Now().UTC().Add(-48 * time.Hour)
	require.NoError(t, s.SaveCheckpoint(ctx, old))
	require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("s1", 2)))
	oldOther := checkpointAt("s2", 1)
	oldOther.CreatedAt = time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, s.SaveCheckpoint(ctx, oldOther))

	deleted, err := s.DeleteOlderThan(ctx, time.Now().UTC().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	manifest, err := s.CheckpointManifest(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	assert.Equal(t, int64(2), manifest[0].Step)
}

func testDeleteInactive(t *testing.T, s session.Store) {
	ctx := context.Background()

	stale := session.New("stale")
	stale.Append(model.NewTextMessage(model.ConversationRoleUser, "old"))
	stale.LastActivity = time.Now().UTC().Add(-72 * time.Hour)
	require.NoError(t, s.SaveSnapshot(ctx, stale))

	active := session.New("active")
	active.Append(model.NewTextMessage(model.ConversationRoleUser, "new"))
	require.NoError(t, s.SaveSnapshot(ctx, active))

	// Dry run reports without deleting.
	ids, err := s.DeleteInactiveSessions(ctx, 24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	got, err := s.LoadSession(ctx, "stale")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1, "dry run must not delete")

	ids, err = s.DeleteInactiveSessions(ctx, 24*time.Hour, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, ids)

	got, err = s.LoadSession(ctx, "stale")
	require.NoError(t, err)
	assert.Empty(t, got.Messages, "deleted session reloads empty")

	got, err = s.LoadSession(ctx, "active")
	require.NoError(t, err)
	assert.Len(t, got.Messages, 1)
}

func testDeleteCheckpoints(t *testing.T, s session.Store) {
	ctx := context.Background()
	for step := int64(1); step <= 3; step++ {
		require.NoError(t, s.SaveCheckpoint(ctx, checkpointAt("s1", step)))
	}

	require.NoError(t, s.DeleteCheckpoints(ctx, "s1", []string{"cp-s1-1", "cp-s1-3"}))

	manifest, err := s.CheckpointManifest(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, manifest, 1)
	assert.Equal(t, "cp-s1-2", manifest[0].CheckpointID)

	_, err = s.CheckpointAt(ctx, "s1", "cp-s1-1")
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)
}

func checkpointAt(sessionID string, step int64) *session.Checkpoint {
	return &session.Checkpoint{
		ID:           fmt.Sprintf("cp-%s-%d", sessionID, step),
		SessionID:    sessionID,
		Step:         step,
		Source:       session.SourcePerIteration,
		CreatedAt:    time.Now().UTC(),
		MessageCount: int(step),
		State: &session.LoopState{
			Iteration:     int(step),
			MaxIterations: 8,
			CurrentMessages: []*model.Message{
				model.NewTextMessage(model.ConversationRoleAssistant, "working"),
			},
		},
	}
}
