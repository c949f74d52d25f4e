// Package redisstore implements session.Store on Redis.
//
// Key layout (prefix configurable, default "strand"):
//
//	{p}:sessions                         zset  member=session id, score=last activity (unix ms)
//	{p}:session:{id}:snapshot            string latest snapshot JSON
//	{p}:session:{id}:manifest            hash  field=checkpoint id, value=manifest entry JSON
//	{p}:session:{id}:steps               zset  member=checkpoint id, score=step
//	{p}:session:{id}:cp:{cpid}           string checkpoint JSON
//	{p}:session:{id}:pending:{cpid}      list  pending write JSON records
//
// Redis writes are atomic per command; the checkpoint blob is written before
// its manifest entry so a crash leaves an orphan blob, never a dangling
// manifest entry.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/strandlabs/strand/session"
)

// Store persists sessions in Redis.
type Store struct {
	client *redis.Client
	prefix string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix overrides the default "strand" key prefix.
func WithPrefix(p string) Option {
	return func(s *Store) { s.prefix = p }
}

// New constructs a store backed by the given client.
func New(client *redis.Client, opts ...Option) (*Store, error) {
	if client == nil {
		return nil, errors.New("redisstore: client is required")
	}
	s := &Store{client: client, prefix: "strand"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("redisstore: session id is required")
	}
	raw, err := s.client.Get(ctx, s.snapshotKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return session.New(id), nil
		}
		return nil, fmt.Errorf("redisstore: load snapshot for %q: %w", id, err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("redisstore: decode snapshot for %q: %w", id, err)
	}
	sess := session.New(id)
	sess.Restore(&snap)
	return sess, nil
}

// SaveSnapshot implements session.Store.
func (s *Store) SaveSnapshot(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("redisstore: session with id is required")
	}
	raw, err := json.Marshal(sess.Snapshot(sess.ID))
	if err != nil {
		return fmt.Errorf("redisstore: encode snapshot: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.snapshotKey(sess.ID), raw, 0)
	pipe.ZAdd(ctx, s.sessionsKey(), redis.Z{
		Score:  float64(sess.LastActivity.UnixMilli()),
		Member: sess.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: save snapshot for %q: %w", sess.ID, err)
	}
	return nil
}

// SaveCheckpoint implements session.Store.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *session.Checkpoint) error {
	if cp == nil || cp.ID == "" || cp.SessionID == "" {
		return errors.New("redisstore: checkpoint with id and session id is required")
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("redisstore: encode checkpoint: %w", err)
	}
	// Blob first, manifest second.
	if err := s.client.Set(ctx, s.checkpointKey(cp.SessionID, cp.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: write checkpoint %q: %w", cp.ID, err)
	}
	entry, err := json.Marshal(session.ManifestEntry{
		CheckpointID: cp.ID,
		Step:         cp.Step,
		Source:       cp.Source,
		CreatedAt:    cp.CreatedAt,
		MessageCount: cp.MessageCount,
	})
	if err != nil {
		return fmt.Errorf("redisstore: encode manifest entry: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.manifestKey(cp.SessionID), cp.ID, entry)
	pipe.ZAdd(ctx, s.stepsKey(cp.SessionID), redis.Z{Score: float64(cp.Step), Member: cp.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: index checkpoint %q: %w", cp.ID, err)
	}
	return nil
}

// LatestCheckpoint implements session.Store.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	ids, err := s.client.ZRevRange(ctx, s.stepsKey(sessionID), 0, 0).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: latest checkpoint for %q: %w", sessionID, err)
	}
	if len(ids) == 0 {
		return nil, session.ErrCheckpointNotFound
	}
	return s.CheckpointAt(ctx, sessionID, ids[0])
}

// CheckpointAt implements session.Store.
func (s *Store) CheckpointAt(ctx context.Context, sessionID, checkpointID string) (*session.Checkpoint, error) {
	raw, err := s.client.Get(ctx, s.checkpointKey(sessionID, checkpointID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, session.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("redisstore: read checkpoint %q: %w", checkpointID, err)
	}
	var cp session.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, fmt.Errorf("redisstore: decode checkpoint %q: %w", checkpointID, err)
	}
	return &cp, nil
}

// CheckpointManifest implements session.Store.
func (s *Store) CheckpointManifest(ctx context.Context, sessionID string) ([]session.ManifestEntry, error) {
	fields, err := s.client.HGetAll(ctx, s.manifestKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: manifest for %q: %w", sessionID, err)
	}
	entries := make([]session.ManifestEntry, 0, len(fields))
	for id, raw := range fields {
		var e session.ManifestEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			return nil, fmt.Errorf("redisstore: decode manifest entry %q: %w", id, err)
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Step > entries[j].Step })
	return entries, nil
}

// SavePendingWrites implements session.Store.
func (s *Store) SavePendingWrites(ctx context.Context, sessionID, checkpointID string, writes []session.PendingWrite) error {
	if sessionID == "" || checkpointID == "" {
		return errors.New("redisstore: session id and checkpoint id are required")
	}
	if len(writes) == 0 {
		return nil
	}
	vals := make([]any, 0, len(writes))
	for _, w := range writes {
		raw, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("redisstore: encode pending write %q: %w", w.CallID, err)
		}
		vals = append(vals, raw)
	}
	if err := s.client.RPush(ctx, s.pendingKey(sessionID, checkpointID), vals...).Err(); err != nil {
		return fmt.Errorf("redisstore: append pending writes: %w", err)
	}
	return nil
}

// LoadPendingWrites implements session.Store.
func (s *Store) LoadPendingWrites(ctx context.Context, sessionID, checkpointID string) ([]session.PendingWrite, error) {
	raws, err := s.client.LRange(ctx, s.pendingKey(sessionID, checkpointID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: load pending writes: %w", err)
	}
	writes := make([]session.PendingWrite, 0, len(raws))
	for _, raw := range raws {
		var w session.PendingWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("redisstore: decode pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// DeletePendingWrites implements session.Store.
func (s *Store) DeletePendingWrites(ctx context.Context, sessionID, checkpointID string) error {
	if err := s.client.Del(ctx, s.pendingKey(sessionID, checkpointID)).Err(); err != nil {
		return fmt.Errorf("redisstore: delete pending writes: %w", err)
	}
	return nil
}

// PruneCheckpoints implements session.Store.
func (s *Store) PruneCheckpoints(ctx context.Context, sessionID string, keepLatest int) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}
	ids, err := s.client.ZRevRange(ctx, s.stepsKey(sessionID), int64(keepLatest), -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: prune checkpoints for %q: %w", sessionID, err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.deleteCheckpoints(ctx, sessionID, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteOlderThan implements session.Store.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	sessions, err := s.client.ZRange(ctx, s.sessionsKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: list sessions: %w", err)
	}
	deleted := 0
	for _, id := range sessions {
		entries, err := s.CheckpointManifest(ctx, id)
		if err != nil {
			return deleted, err
		}
		var victims []string
		for _, e := range entries {
			if e.CreatedAt.Before(cutoff) {
				victims = append(victims, e.CheckpointID)
			}
		}
		if len(victims) == 0 {
			continue
		}
		if err := s.deleteCheckpoints(ctx, id, victims); err != nil {
			return deleted, err
		}
		deleted += len(victims)
	}
	return deleted, nil
}

// DeleteInactiveSessions implements session.Store.
func (s *Store) DeleteInactiveSessions(ctx context.Context, threshold time.Duration, dryRun bool) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	ids, err := s.client.ZRangeByScore(ctx, s.sessionsKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redisstore: list inactive sessions: %w", err)
	}
	sort.Strings(ids)
	if dryRun {
		return ids, nil
	}
	for _, id := range ids {
		cpIDs, err := s.client.ZRange(ctx, s.stepsKey(id), 0, -1).Result()
		if err != nil {
			return ids, fmt.Errorf("redisstore: list checkpoints for %q: %w", id, err)
		}
		if len(cpIDs) > 0 {
			if err := s.deleteCheckpoints(ctx, id, cpIDs); err != nil {
				return ids, err
			}
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, s.snapshotKey(id), s.manifestKey(id), s.stepsKey(id))
		pipe.ZRem(ctx, s.sessionsKey(), id)
		if _, err := pipe.Exec(ctx); err != nil {
			return ids, fmt.Errorf("redisstore: delete session %q: %w", id, err)
		}
	}
	return ids, nil
}

// DeleteCheckpoints implements session.Store.
func (s *Store) DeleteCheckpoints(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.deleteCheckpoints(ctx, sessionID, ids)
}

func (s *Store) deleteCheckpoints(ctx context.Context, sessionID string, ids []string) error {
	keys := make([]string, 0, len(ids)*2)
	members := make([]any, 0, len(ids))
	fields := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, s.checkpointKey(sessionID, id), s.pendingKey(sessionID, id))
		members = append(members, id)
		fields = append(fields, id)
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, keys...)
	pipe.HDel(ctx, s.manifestKey(sessionID), fields...)
	pipe.ZRem(ctx, s.stepsKey(sessionID), members...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisstore: delete checkpoints for %q: %w", sessionID, err)
	}
	return nil
}

func (s *Store) sessionsKey() string { return s.prefix + ":sessions" }

func (s *Store) snapshotKey(id string) string { return s.prefix + ":session:" + id + ":snapshot" }

func (s *Store) manifestKey(id string) string { return s.prefix + ":session:" + id + ":manifest" }

func (s *Store) stepsKey(id string) string { return s.prefix + ":session:" + id + ":steps" }

func (s *Store) checkpointKey(id, cpID string) string {
	return s.prefix + ":session:" + id + ":checkpoint:" + cpID
}

func (s *Store) pendingKey(id, cpID string) string {
	return s.prefix + ":session:" + id + ":pending:" + cpID
}

var _ session.Store = (*Store)(nil)
