// Package inmem provides an in-memory implementation of session.Store.
//
// It is intended for tests and local development. Production deployments
// should use a durable backend (fsstore, redisstore, mongostore).
package inmem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/strandlabs/strand/session"
)

// Store is an in-memory implementation of session.Store. It is safe for
// concurrent use. Values are isolated by a JSON round-trip so callers cannot
// alias stored state.
type Store struct {
	mu          sync.RWMutex
	snapshots   map[string][]byte                    // session ID -> snapshot JSON
	checkpoints map[string]map[string][]byte         // session ID -> checkpoint ID -> JSON
	manifests   map[string][]session.ManifestEntry   // session ID -> entries
	pending     map[string][]session.PendingWrite    // session ID + checkpoint ID -> writes
	activity    map[string]time.Time                 // session ID -> last activity
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		snapshots:   make(map[string][]byte),
		checkpoints: make(map[string]map[string][]byte),
		manifests:   make(map[string][]session.ManifestEntry),
		pending:     make(map[string][]session.PendingWrite),
		activity:    make(map[string]time.Time),
	}
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("inmem: session id is required")
	}
	s.mu.RLock()
	raw, ok := s.snapshots[id]
	s.mu.RUnlock()
	if !ok {
		return session.New(id), nil
	}
	var snap session.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("inmem: decode snapshot for %q: %w", id, err)
	}
	sess := session.New(id)
	sess.Restore(&snap)
	return sess, nil
}

// SaveSnapshot implements session.Store.
func (s *Store) SaveSnapshot(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("inmem: session with id is required")
	}
	raw, err := json.Marshal(sess.Snapshot(sess.ID))
	if err != nil {
		return fmt.Errorf("inmem: encode snapshot for %q: %w", sess.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[sess.ID] = raw
	s.activity[sess.ID] = sess.LastActivity
	return nil
}

// SaveCheckpoint implements session.Store.
func (s *Store) SaveCheckpoint(_ context.Context, cp *session.Checkpoint) error {
	if cp == nil || cp.ID == "" || cp.SessionID == "" {
		return errors.New("inmem: checkpoint with id and session id is required")
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("inmem: encode checkpoint %q: %w", cp.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.checkpoints[cp.SessionID]
	if byID == nil {
		byID = make(map[string][]byte)
		s.checkpoints[cp.SessionID] = byID
	}
	byID[cp.ID] = raw
	s.manifests[cp.SessionID] = append(s.manifests[cp.SessionID], session.ManifestEntry{
		CheckpointID: cp.ID,
		Step:         cp.Step,
		Source:       cp.Source,
		CreatedAt:    cp.CreatedAt,
		MessageCount: cp.MessageCount,
	})
	return nil
}

// LatestCheckpoint implements session.Store.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	s.mu.RLock()
	entries := s.manifests[sessionID]
	var best *session.ManifestEntry
	for i := range entries {
		if best == nil || entries[i].Step > best.Step {
			best = &entries[i]
		}
	}
	s.mu.RUnlock()
	if best == nil {
		return nil, session.ErrCheckpointNotFound
	}
	return s.CheckpointAt(ctx, sessionID, best.CheckpointID)
}

// CheckpointAt implements session.Store.
func (s *Store) CheckpointAt(_ context.Context, sessionID, checkpointID string) (*session.Checkpoint, error) {
	s.mu.RLock()
	raw, ok := s.checkpoints[sessionID][checkpointID]
	s.mu.RUnlock()
	if !ok {
		return nil, session.ErrCheckpointNotFound
	}
	var cp session.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("inmem: decode checkpoint %q: %w", checkpointID, err)
	}
	return &cp, nil
}

// CheckpointManifest implements session.Store.
func (s *Store) CheckpointManifest(_ context.Context, sessionID string) ([]session.ManifestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := append([]session.ManifestEntry(nil), s.manifests[sessionID]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step > entries[j].Step })
	return entries, nil
}

// SavePendingWrites implements session.Store.
func (s *Store) SavePendingWrites(_ context.Context, sessionID, checkpointID string, writes []session.PendingWrite) error {
	if sessionID == "" || checkpointID == "" {
		return errors.New("inmem: session id and checkpoint id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := pendingKey(sessionID, checkpointID)
	s.pending[key] = append(s.pending[key], writes...)
	return nil
}

// LoadPendingWrites implements session.Store.
func (s *Store) LoadPendingWrites(_ context.Context, sessionID, checkpointID string) ([]session.PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]session.PendingWrite(nil), s.pending[pendingKey(sessionID, checkpointID)]...), nil
}

// DeletePendingWrites implements session.Store.
func (s *Store) DeletePendingWrites(_ context.Context, sessionID, checkpointID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, pendingKey(sessionID, checkpointID))
	return nil
}

// PruneCheckpoints implements session.Store.
func (s *Store) PruneCheckpoints(_ context.Context, sessionID string, keepLatest int) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := append([]session.ManifestEntry(nil), s.manifests[sessionID]...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step > entries[j].Step })
	if len(entries) <= keepLatest {
		return 0, nil
	}
	victims := entries[keepLatest:]
	for _, v := range victims {
		delete(s.checkpoints[sessionID], v.CheckpointID)
		delete(s.pending, pendingKey(sessionID, v.CheckpointID))
	}
	s.manifests[sessionID] = entries[:keepLatest]
	return len(victims), nil
}

// DeleteOlderThan implements session.Store.
func (s *Store) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for sessionID, entries := range s.manifests {
		kept := entries[:0]
		for _, e := range entries {
			if e.CreatedAt.Before(cutoff) {
				delete(s.checkpoints[sessionID], e.CheckpointID)
				delete(s.pending, pendingKey(sessionID, e.CheckpointID))
				deleted++
				continue
			}
			kept = append(kept, e)
		}
		s.manifests[sessionID] = kept
	}
	return deleted, nil
}

// DeleteInactiveSessions implements session.Store.
func (s *Store) DeleteInactiveSessions(_ context.Context, threshold time.Duration, dryRun bool) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, last := range s.activity {
		if last.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if dryRun {
		return ids, nil
	}
	for _, id := range ids {
		delete(s.snapshots, id)
		delete(s.activity, id)
		for _, e := range s.manifests[id] {
			delete(s.pending, pendingKey(id, e.CheckpointID))
		}
		delete(s.manifests, id)
		delete(s.checkpoints, id)
	}
	return ids, nil
}

// DeleteCheckpoints implements session.Store.
func (s *Store) DeleteCheckpoints(_ context.Context, sessionID string, ids []string) error {
	victims := make(map[string]bool, len(ids))
	for _, id := range ids {
		victims[id] = true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range victims {
		delete(s.checkpoints[sessionID], id)
		delete(s.pending, pendingKey(sessionID, id))
	}
	entries := s.manifests[sessionID]
	kept := entries[:0]
	for _, e := range entries {
		if !victims[e.CheckpointID] {
			kept = append(kept, e)
		}
	}
	s.manifests[sessionID] = kept
	return nil
}

func pendingKey(sessionID, checkpointID string) string {
	return sessionID + "/" + checkpointID
}

var _ session.Store = (*Store)(nil)
