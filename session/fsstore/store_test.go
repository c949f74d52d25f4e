package fsstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/session"
	"github.com/strandlabs/strand/session/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Conformance(t, func(t *testing.T) session.Store {
		s, err := New(t.TempDir())
		require.NoError(t, err)
		return s
	})
}

func TestNewRequiresRoot(t *testing.T) {
	_, err := New("")
	assert.Error(t, err)
}

func TestLayout(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()

	sess := session.New("s1")
	sess.Append(model.NewTextMessage(model.ConversationRoleUser, "hi"))
	require.NoError(t, s.SaveSnapshot(ctx, sess))
	require.NoError(t, s.SaveCheckpoint(ctx, &session.Checkpoint{
		ID:        "cp1",
		SessionID: "s1",
		Step:      1,
		Source:    session.SourceManual,
		State:     &session.LoopState{Iteration: 1},
	}))
	require.NoError(t, s.SavePendingWrites(ctx, "s1", "cp1", []session.PendingWrite{{CallID: "a", Value: 1}}))

	assert.FileExists(t, filepath.Join(root, "sessions", "s1", "manifest.json"))
	assert.FileExists(t, filepath.Join(root, "sessions", "s1", "checkpoints", "cp1.json"))
	assert.FileExists(t, filepath.Join(root, "pending", "s1_cp1.json"))

	snaps, err := os.ReadDir(filepath.Join(root, "sessions", "s1", "snapshots"))
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Join(root, "sessions", "s1"))
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp-")
	}
}

func TestSnapshotSuperseded(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()

	sess := session.New("s1")
	require.NoError(t, s.SaveSnapshot(ctx, sess))
	require.NoError(t, s.SaveSnapshot(ctx, sess))

	// Only the latest snapshot blob is retained.
	snaps, err := os.ReadDir(filepath.Join(root, "sessions", "s1", "snapshots"))
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestReopenStore(t *testing.T) {
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	ctx := context.Background()

	sess := session.New("s1")
	sess.Append(model.NewTextMessage(model.ConversationRoleUser, "persisted"))
	require.NoError(t, s.SaveSnapshot(ctx, sess))

	reopened, err := New(root)
	require.NoError(t, err)
	got, err := reopened.LoadSession(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "persisted", got.Messages[0].Text())
}
