package checkpoint

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strandlabs/strand/model"
	"github.com/strandlabs/strand/session"
	"github.com/strandlabs/strand/session/inmem"
)

func testSession(t *testing.T, store session.Store, id string, msgs int) *session.Session {
	t.Helper()
	sess := session.New(id)
	for i := 0; i < msgs; i++ {
		sess.Append(model.NewTextMessage(model.ConversationRoleUser, "hello"))
	}
	require.NoError(t, store.SaveSnapshot(context.Background(), sess))
	return sess
}

func loopState(iteration int) *session.LoopState {
	return &session.LoopState{Iteration: iteration, MaxIterations: 10}
}

func TestManagerStepsAreMonotonic(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	mgr, err := NewManager(store, WithFrequency(FrequencyPerIteration))
	require.NoError(t, err)
	sess := testSession(t, store, "s1", 2)

	first, err := mgr.Save(ctx, sess, loopState(0), session.SourcePerTurn)
	require.NoError(t, err)
	second, err := mgr.Save(ctx, sess, loopState(1), session.SourcePerIteration)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.Step)
	assert.Equal(t, int64(2), second.Step)
	assert.Empty(t, first.ParentID)
	assert.Equal(t, first.ID, second.ParentID)
	assert.Equal(t, 2, second.MessageCount)
}

func TestManagerSeedsStepFromStore(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	sess := testSession(t, store, "s1", 1)

	mgr, err := NewManager(store)
	require.NoError(t, err)
	cp, err := mgr.Save(ctx, sess, loopState(0), session.SourceManual)
	require.NoError(t, err)
	require.Equal(t, int64(1), cp.Step)

	// A fresh manager over the same store continues where the first left off.
	mgr2, err := NewManager(store)
	require.NoError(t, err)
	next, err := mgr2.Save(ctx, sess, loopState(1), session.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Step)
	assert.Equal(t, cp.ID, next.ParentID)
}

func TestManagerDisabled(t *testing.T) {
	store := inmem.New()
	mgr, err := NewManager(store, WithFrequency(FrequencyOff))
	require.NoError(t, err)

	assert.False(t, mgr.Enabled())
	assert.False(t, mgr.AtTurnStart())
	assert.False(t, mgr.AtIterationEnd())

	sess := testSession(t, store, "s1", 0)
	_, err = mgr.Save(context.Background(), sess, loopState(0), session.SourceManual)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestManagerFrequencyGates(t *testing.T) {
	store := inmem.New()

	perTurn, err := NewManager(store, WithFrequency(FrequencyPerTurn))
	require.NoError(t, err)
	assert.True(t, perTurn.AtTurnStart())
	assert.False(t, perTurn.AtIterationEnd())

	perIter, err := NewManager(store, WithFrequency(FrequencyPerIteration))
	require.NoError(t, err)
	assert.True(t, perIter.AtTurnStart())
	assert.True(t, perIter.AtIterationEnd())

	manual, err := NewManager(store, WithFrequency(FrequencyManual))
	require.NoError(t, err)
	assert.False(t, manual.AtTurnStart())
	assert.False(t, manual.AtIterationEnd())
	assert.True(t, manual.Enabled())

	_, err = NewManager(store, WithFrequency("hourly"))
	assert.Error(t, err)
}

func TestManagerPendingLifecycle(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	mgr, err := NewManager(store, WithFrequency(FrequencyPerIteration))
	require.NoError(t, err)
	sess := testSession(t, store, "s1", 1)

	cp, err := mgr.Save(ctx, sess, loopState(0), session.SourcePerIteration)
	require.NoError(t, err)

	require.NoError(t, mgr.RecordPending(ctx, sess.ID, cp.ID, session.PendingWrite{CallID: "call-a", Value: "ok"}))
	require.NoError(t, mgr.RecordPending(ctx, sess.ID, cp.ID, session.PendingWrite{CallID: "call-b", Value: "ok2"}))

	res, err := mgr.Latest(ctx, sess)
	require.NoError(t, err)
	require.Len(t, res.Pending, 2)
	assert.Equal(t, "call-a", res.Pending[0].CallID)
	assert.Equal(t, "call-b", res.Pending[1].CallID)
	assert.False(t, res.Stale)

	require.NoError(t, mgr.Promote(ctx, sess.ID, cp.ID))
	res, err = mgr.Latest(ctx, sess)
	require.NoError(t, err)
	assert.Empty(t, res.Pending)
}

func TestManagerStaleDetection(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	mgr, err := NewManager(store)
	require.NoError(t, err)
	sess := testSession(t, store, "s1", 3)

	cp, err := mgr.Save(ctx, sess, loopState(0), session.SourcePerTurn)
	require.NoError(t, err)

	// The caller truncated history after the checkpoint was taken.
	shorter := session.New(sess.ID)
	shorter.Append(model.NewTextMessage(model.ConversationRoleUser, "hello"))
	res, err := mgr.At(ctx, shorter, cp.ID)
	require.NoError(t, err)
	assert.True(t, res.Stale)
}

func TestManagerLatestNotFound(t *testing.T) {
	store := inmem.New()
	mgr, err := NewManager(store)
	require.NoError(t, err)
	_, err = mgr.Latest(context.Background(), session.New("empty"))
	assert.ErrorIs(t, err, session.ErrCheckpointNotFound)
}

func TestManagerFinishPrunes(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	mgr, err := NewManager(store, WithFrequency(FrequencyPerIteration), WithRetention(2))
	require.NoError(t, err)
	sess := testSession(t, store, "s1", 1)

	for i := 0; i < 5; i++ {
		_, err := mgr.Save(ctx, sess, loopState(i), session.SourcePerIteration)
		require.NoError(t, err)
	}
	mgr.Finish(ctx, sess.ID)

	entries, err := mgr.Manifest(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(5), entries[0].Step)
	assert.Equal(t, int64(4), entries[1].Step)
}

func TestManagerClock(t *testing.T) {
	ctx := context.Background()
	store := inmem.New()
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mgr, err := NewManager(store, WithClock(func() time.Time { return at }))
	require.NoError(t, err)
	sess := testSession(t, store, "s1", 0)

	cp, err := mgr.Save(ctx, sess, loopState(0), session.SourceManual)
	require.NoError(t, err)
	assert.Equal(t, at, cp.CreatedAt)
}
