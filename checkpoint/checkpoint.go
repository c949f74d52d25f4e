// Package checkpoint manages intra-turn execution checkpoints on top of a
// session.Store: when to write them, how many to keep, and how pending tool
// results ride along until they are promoted into the next checkpoint.
//
// The manager never loads a checkpoint on its own. Recovery is explicit:
// callers inspect the manifest, pick a checkpoint, and decide what to do
// with stale ones.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/strandlabs/strand/session"
)

type (
	// Frequency selects when the agentic loop writes checkpoints.
	Frequency string

	// Manager coordinates checkpoint writes, pending-write durability and
	// retention for one session store. It is safe for concurrent use.
	Manager struct {
		store     session.Store
		frequency Frequency
		keep      int
		now       func() time.Time

		mu    sync.Mutex
		steps map[string]int64 // session id -> last step handed out
		heads map[string]string
	}

	// Option configures a Manager.
	Option func(*Manager)

	// Resume bundles everything needed to continue an interrupted turn.
	Resume struct {
		Checkpoint *session.Checkpoint
		// Pending holds tool results persisted before the crash, in
		// completion order.
		Pending []session.PendingWrite
		// Stale reports that the checkpoint captured more messages than
		// the session currently holds and should not be resumed.
		Stale bool
	}
)

const (
	// FrequencyOff disables checkpointing entirely.
	FrequencyOff Frequency = "off"
	// FrequencyPerTurn writes one checkpoint at the start of each turn.
	FrequencyPerTurn Frequency = "per-turn"
	// FrequencyPerIteration writes a checkpoint after every loop iteration.
	FrequencyPerIteration Frequency = "per-iteration"
	// FrequencyManual writes checkpoints only on explicit Save calls.
	FrequencyManual Frequency = "manual"

	defaultKeep = 3
)

// ErrDisabled is returned by Save when checkpointing is off.
var ErrDisabled = errors.New("checkpoint: checkpointing is disabled")

// WithFrequency sets the checkpoint frequency. Default is FrequencyPerTurn.
func WithFrequency(f Frequency) Option {
	return func(m *Manager) { m.frequency = f }
}

// WithRetention sets how many checkpoints survive pruning after a successful
// turn. Default is 3. Zero keeps none.
func WithRetention(keep int) Option {
	return func(m *Manager) { m.keep = keep }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager constructs a Manager backed by the given store.
func NewManager(store session.Store, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("checkpoint: store is required")
	}
	m := &Manager{
		store:     store,
		frequency: FrequencyPerTurn,
		keep:      defaultKeep,
		now:       func() time.Time { return time.Now().UTC() },
		steps:     make(map[string]int64),
		heads:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	switch m.frequency {
	case FrequencyOff, FrequencyPerTurn, FrequencyPerIteration, FrequencyManual:
	default:
		return nil, fmt.Errorf("checkpoint: unknown frequency %q", m.frequency)
	}
	if m.keep < 0 {
		m.keep = 0
	}
	return m, nil
}

// Enabled reports whether any checkpointing happens at all.
func (m *Manager) Enabled() bool { return m.frequency != FrequencyOff }

// Frequency returns the configured frequency.
func (m *Manager) Frequency() Frequency { return m.frequency }

// AtTurnStart reports whether the loop should checkpoint when a turn begins.
func (m *Manager) AtTurnStart() bool {
	return m.frequency == FrequencyPerTurn || m.frequency == FrequencyPerIteration
}

// AtIterationEnd reports whether the loop should checkpoint after each
// iteration.
func (m *Manager) AtIterationEnd() bool {
	return m.frequency == FrequencyPerIteration
}

// Save persists a checkpoint of state for sess and returns it. Steps are
// monotonically increasing per session; the previous checkpoint of the same
// session becomes the parent. The source records what triggered the write.
func (m *Manager) Save(ctx context.Context, sess *session.Session, state *session.LoopState, source session.Source) (*session.Checkpoint, error) {
	if !m.Enabled() {
		return nil, ErrDisabled
	}
	if sess == nil {
		return nil, errors.New("checkpoint: session is required")
	}
	if state == nil {
		return nil, errors.New("checkpoint: loop state is required")
	}
	step, parent, err := m.nextStep(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	cp := &session.Checkpoint{
		ID:           uuid.NewString(),
		SessionID:    sess.ID,
		ParentID:     parent,
		Step:         step,
		Source:       source,
		CreatedAt:    m.now(),
		MessageCount: len(sess.Messages),
		State:        state,
	}
	if err := m.store.SaveCheckpoint(ctx, cp); err != nil {
		m.releaseStep(sess.ID, step, parent)
		return nil, fmt.Errorf("checkpoint: save step %d for %q: %w", step, sess.ID, err)
	}
	m.commitHead(sess.ID, cp.ID)
	return cp, nil
}

// RecordPending appends one tool result to the pending writes of the given
// checkpoint. Called by the scheduler as parallel calls complete.
func (m *Manager) RecordPending(ctx context.Context, sessionID, checkpointID string, write session.PendingWrite) error {
	if !m.Enabled() {
		return nil
	}
	return m.store.SavePendingWrites(ctx, sessionID, checkpointID, []session.PendingWrite{write})
}

// Promote folds the pending writes of a completed iteration into durable
// state by discarding them: the results they guarded now live in the
// session's messages, captured by the next checkpoint.
func (m *Manager) Promote(ctx context.Context, sessionID, checkpointID string) error {
	if !m.Enabled() || checkpointID == "" {
		return nil
	}
	if err := m.store.DeletePendingWrites(ctx, sessionID, checkpointID); err != nil {
		return fmt.Errorf("checkpoint: promote pending writes for %q: %w", checkpointID, err)
	}
	return nil
}

// Latest loads the most recent checkpoint of a session along with its
// pending writes and staleness verdict. Returns session.ErrCheckpointNotFound
// when the session has none.
func (m *Manager) Latest(ctx context.Context, sess *session.Session) (*Resume, error) {
	if sess == nil {
		return nil, errors.New("checkpoint: session is required")
	}
	cp, err := m.store.LatestCheckpoint(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	return m.resume(ctx, sess, cp)
}

// At loads a specific checkpoint of a session for explicit recovery.
func (m *Manager) At(ctx context.Context, sess *session.Session, checkpointID string) (*Resume, error) {
	if sess == nil {
		return nil, errors.New("checkpoint: session is required")
	}
	cp, err := m.store.CheckpointAt(ctx, sess.ID, checkpointID)
	if err != nil {
		return nil, err
	}
	return m.resume(ctx, sess, cp)
}

// Manifest lists a session's checkpoints newest first.
func (m *Manager) Manifest(ctx context.Context, sessionID string) ([]session.ManifestEntry, error) {
	return m.store.CheckpointManifest(ctx, sessionID)
}

// Finish applies the retention policy after a successful turn. Failures are
// logged, not returned: a missed prune never fails the turn that produced
// the data worth keeping.
func (m *Manager) Finish(ctx context.Context, sessionID string) {
	if !m.Enabled() {
		return
	}
	deleted, err := m.store.PruneCheckpoints(ctx, sessionID, m.keep)
	if err != nil {
		log.Errorf(ctx, err, "checkpoint: prune session %q", sessionID)
		return
	}
	if deleted > 0 {
		log.Debug(ctx, log.KV{K: "msg", V: "pruned checkpoints"},
			log.KV{K: "session_id", V: sessionID},
			log.KV{K: "deleted", V: deleted})
	}
}

func (m *Manager) resume(ctx context.Context, sess *session.Session, cp *session.Checkpoint) (*Resume, error) {
	pending, err := m.store.LoadPendingWrites(ctx, sess.ID, cp.ID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: load pending writes for %q: %w", cp.ID, err)
	}
	return &Resume{Checkpoint: cp, Pending: pending, Stale: cp.Stale(sess)}, nil
}

// nextStep hands out the next monotonic step for a session, seeding the
// counter from the store on first use.
func (m *Manager) nextStep(ctx context.Context, sessionID string) (int64, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.steps[sessionID]; !ok {
		cp, err := m.store.LatestCheckpoint(ctx, sessionID)
		switch {
		case err == nil:
			m.steps[sessionID] = cp.Step
			m.heads[sessionID] = cp.ID
		case errors.Is(err, session.ErrCheckpointNotFound):
			m.steps[sessionID] = 0
		default:
			return 0, "", fmt.Errorf("checkpoint: seed step counter for %q: %w", sessionID, err)
		}
	}
	m.steps[sessionID]++
	return m.steps[sessionID], m.heads[sessionID], nil
}

func (m *Manager) releaseStep(sessionID string, step int64, parent string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.steps[sessionID] == step {
		m.steps[sessionID] = step - 1
	}
	m.heads[sessionID] = parent
}

func (m *Manager) commitHead(sessionID, checkpointID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heads[sessionID] = checkpointID
}
