// Package fsstore implements session.Store on the local filesystem.
//
// Layout under the root directory:
//
//	sessions/{session_id}/manifest.json
//	sessions/{session_id}/snapshots/{snapshot_id}.json
//	sessions/{session_id}/checkpoints/{checkpoint_id}.json
//	pending/{session_id}_{checkpoint_id}.json
//
// Every write goes to a temp file in the target directory followed by a
// rename. The manifest is updated only after the blob write, so a crash
// between the two leaves an orphan blob, never a dangling manifest entry.
package fsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/strandlabs/strand/session"
)

// Store persists sessions under a root directory.
type Store struct {
	root string
}

// manifest is the per-session index document.
type manifest struct {
	SessionID    string                  `json:"session_id"`
	SnapshotID   string                  `json:"snapshot_id,omitempty"`
	LastActivity time.Time               `json:"last_activity"`
	Checkpoints  []session.ManifestEntry `json:"checkpoints"`
}

// New constructs a store rooted at dir, creating it if needed.
func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("fsstore: root directory is required")
	}
	for _, sub := range []string{"sessions", "pending"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("fsstore: create %s dir: %w", sub, err)
		}
	}
	return &Store{root: dir}, nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(_ context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("fsstore: session id is required")
	}
	m, err := s.readManifest(id)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return session.New(id), nil
		}
		return nil, err
	}
	if m.SnapshotID == "" {
		return session.New(id), nil
	}
	var snap session.Snapshot
	if err := readJSON(s.snapshotPath(id, m.SnapshotID), &snap); err != nil {
		return nil, fmt.Errorf("fsstore: read snapshot %q: %w", m.SnapshotID, err)
	}
	sess := session.New(id)
	sess.Restore(&snap)
	return sess, nil
}

// SaveSnapshot implements session.Store.
func (s *Store) SaveSnapshot(_ context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("fsstore: session with id is required")
	}
	snapshotID := uuid.NewString()
	snap := sess.Snapshot(snapshotID)
	if err := os.MkdirAll(filepath.Dir(s.snapshotPath(sess.ID, snapshotID)), 0o755); err != nil {
		return fmt.Errorf("fsstore: create snapshot dir: %w", err)
	}
	if err := writeJSON(s.snapshotPath(sess.ID, snapshotID), snap); err != nil {
		return fmt.Errorf("fsstore: write snapshot: %w", err)
	}

	// Blob is durable; now point the manifest at it.
	m, err := s.readManifest(sess.ID)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		m = &manifest{SessionID: sess.ID}
	}
	old := m.SnapshotID
	m.SnapshotID = snapshotID
	m.LastActivity = sess.LastActivity
	if err := s.writeManifest(m); err != nil {
		return err
	}
	if old != "" {
		// Superseded snapshot; best-effort cleanup.
		_ = os.Remove(s.snapshotPath(sess.ID, old))
	}
	return nil
}

// SaveCheckpoint implements session.Store.
func (s *Store) SaveCheckpoint(_ context.Context, cp *session.Checkpoint) error {
	if cp == nil || cp.ID == "" || cp.SessionID == "" {
		return errors.New("fsstore: checkpoint with id and session id is required")
	}
	path := s.checkpointPath(cp.SessionID, cp.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fsstore: create checkpoint dir: %w", err)
	}
	if err := writeJSON(path, cp); err != nil {
		return fmt.Errorf("fsstore: write checkpoint: %w", err)
	}

	m, err := s.readManifest(cp.SessionID)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		m = &manifest{SessionID: cp.SessionID}
	}
	m.Checkpoints = append(m.Checkpoints, session.ManifestEntry{
		CheckpointID: cp.ID,
		Step:         cp.Step,
		Source:       cp.Source,
		CreatedAt:    cp.CreatedAt,
		MessageCount: cp.MessageCount,
	})
	return s.writeManifest(m)
}

// LatestCheckpoint implements session.Store.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	m, err := s.readManifest(sessionID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, session.ErrCheckpointNotFound
		}
		return nil, err
	}
	var best *session.ManifestEntry
	for i := range m.Checkpoints {
		if best == nil || m.Checkpoints[i].Step > best.Step {
			best = &m.Checkpoints[i]
		}
	}
	if best == nil {
		return nil, session.ErrCheckpointNotFound
	}
	return s.CheckpointAt(ctx, sessionID, best.CheckpointID)
}

// CheckpointAt implements session.Store.
func (s *Store) CheckpointAt(_ context.Context, sessionID, checkpointID string) (*session.Checkpoint, error) {
	var cp session.Checkpoint
	if err := readJSON(s.checkpointPath(sessionID, checkpointID), &cp); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, session.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("fsstore: read checkpoint %q: %w", checkpointID, err)
	}
	return &cp, nil
}

// CheckpointManifest implements session.Store.
func (s *Store) CheckpointManifest(_ context.Context, sessionID string) ([]session.ManifestEntry, error) {
	m, err := s.readManifest(sessionID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entries := append([]session.ManifestEntry(nil), m.Checkpoints...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step > entries[j].Step })
	return entries, nil
}

// SavePendingWrites implements session.Store.
func (s *Store) SavePendingWrites(_ context.Context, sessionID, checkpointID string, writes []session.PendingWrite) error {
	if sessionID == "" || checkpointID == "" {
		return errors.New("fsstore: session id and checkpoint id are required")
	}
	path := s.pendingPath(sessionID, checkpointID)
	var existing []session.PendingWrite
	if err := readJSON(path, &existing); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsstore: read pending writes: %w", err)
	}
	existing = append(existing, writes...)
	if err := writeJSON(path, existing); err != nil {
		return fmt.Errorf("fsstore: write pending writes: %w", err)
	}
	return nil
}

// LoadPendingWrites implements session.Store.
func (s *Store) LoadPendingWrites(_ context.Context, sessionID, checkpointID string) ([]session.PendingWrite, error) {
	var writes []session.PendingWrite
	if err := readJSON(s.pendingPath(sessionID, checkpointID), &writes); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: read pending writes: %w", err)
	}
	return writes, nil
}

// DeletePendingWrites implements session.Store.
func (s *Store) DeletePendingWrites(_ context.Context, sessionID, checkpointID string) error {
	err := os.Remove(s.pendingPath(sessionID, checkpointID))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("fsstore: delete pending writes: %w", err)
	}
	return nil
}

// PruneCheckpoints implements session.Store.
func (s *Store) PruneCheckpoints(_ context.Context, sessionID string, keepLatest int) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}
	m, err := s.readManifest(sessionID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	entries := append([]session.ManifestEntry(nil), m.Checkpoints...)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step > entries[j].Step })
	if len(entries) <= keepLatest {
		return 0, nil
	}
	victims := entries[keepLatest:]
	m.Checkpoints = entries[:keepLatest]
	if err := s.writeManifest(m); err != nil {
		return 0, err
	}
	for _, v := range victims {
		_ = os.Remove(s.checkpointPath(sessionID, v.CheckpointID))
		_ = os.Remove(s.pendingPath(sessionID, v.CheckpointID))
	}
	return len(victims), nil
}

// DeleteOlderThan implements session.Store.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.sessionIDs()
	if err != nil {
		return 0, err
	}
	deleted := 0
	for _, id := range ids {
		m, err := s.readManifest(id)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return deleted, err
		}
		kept := m.Checkpoints[:0]
		var victims []session.ManifestEntry
		for _, e := range m.Checkpoints {
			if e.CreatedAt.Before(cutoff) {
				victims = append(victims, e)
				continue
			}
			kept = append(kept, e)
		}
		if len(victims) == 0 {
			continue
		}
		m.Checkpoints = kept
		if err := s.writeManifest(m); err != nil {
			return deleted, err
		}
		for _, v := range victims {
			_ = os.Remove(s.checkpointPath(id, v.CheckpointID))
			_ = os.Remove(s.pendingPath(id, v.CheckpointID))
		}
		deleted += len(victims)
	}
	return deleted, nil
}

// DeleteInactiveSessions implements session.Store.
func (s *Store) DeleteInactiveSessions(_ context.Context, threshold time.Duration, dryRun bool) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	ids, err := s.sessionIDs()
	if err != nil {
		return nil, err
	}
	var inactive []string
	for _, id := range ids {
		m, err := s.readManifest(id)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, err
		}
		if m.LastActivity.Before(cutoff) {
			inactive = append(inactive, id)
		}
	}
	sort.Strings(inactive)
	if dryRun {
		return inactive, nil
	}
	for _, id := range inactive {
		m, err := s.readManifest(id)
		if err == nil {
			for _, e := range m.Checkpoints {
				_ = os.Remove(s.pendingPath(id, e.CheckpointID))
			}
		}
		if err := os.RemoveAll(filepath.Join(s.root, "sessions", id)); err != nil {
			return inactive, fmt.Errorf("fsstore: delete session %q: %w", id, err)
		}
	}
	return inactive, nil
}

// DeleteCheckpoints implements session.Store.
func (s *Store) DeleteCheckpoints(_ context.Context, sessionID string, ids []string) error {
	m, err := s.readManifest(sessionID)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	victims := make(map[string]bool, len(ids))
	for _, id := range ids {
		victims[id] = true
	}
	kept := m.Checkpoints[:0]
	for _, e := range m.Checkpoints {
		if !victims[e.CheckpointID] {
			kept = append(kept, e)
		}
	}
	m.Checkpoints = kept
	if err := s.writeManifest(m); err != nil {
		return err
	}
	for id := range victims {
		_ = os.Remove(s.checkpointPath(sessionID, id))
		_ = os.Remove(s.pendingPath(sessionID, id))
	}
	return nil
}

func (s *Store) sessionIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "sessions"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("fsstore: list sessions: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

func (s *Store) manifestPath(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID, "manifest.json")
}

func (s *Store) snapshotPath(sessionID, snapshotID string) string {
	return filepath.Join(s.root, "sessions", sessionID, "snapshots", snapshotID+".json")
}

func (s *Store) checkpointPath(sessionID, checkpointID string) string {
	return filepath.Join(s.root, "sessions", sessionID, "checkpoints", checkpointID+".json")
}

func (s *Store) pendingPath(sessionID, checkpointID string) string {
	return filepath.Join(s.root, "pending", sessionID+"_"+checkpointID+".json")
}

func (s *Store) readManifest(sessionID string) (*manifest, error) {
	var m manifest
	if err := readJSON(s.manifestPath(sessionID), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Store) writeManifest(m *manifest) error {
	path := s.manifestPath(m.SessionID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("fsstore: create session dir: %w", err)
	}
	if err := writeJSON(path, m); err != nil {
		return fmt.Errorf("fsstore: write manifest: %w", err)
	}
	return nil
}

func readJSON(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// writeJSON writes v to path atomically via temp-file-then-rename.
func writeJSON(path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

var _ session.Store = (*Store)(nil)
