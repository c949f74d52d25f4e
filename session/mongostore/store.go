// Package mongostore implements session.Store on MongoDB.
//
// Collections (names configurable):
//
//	snapshots    one document per session: {_id, last_activity, payload}
//	checkpoints  one document per checkpoint: {checkpoint_id, session_id,
//	             step, source, created_at, message_count, payload}
//	pending      one document per (session_id, checkpoint_id): {writes: [...]}
//
// Message payloads are stored as JSON strings so the model package's part
// codec owns the wire shape; BSON carries only the indexable metadata.
package mongostore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/strandlabs/strand/session"
)

const (
	defaultSnapshots   = "strand_snapshots"
	defaultCheckpoints = "strand_checkpoints"
	defaultPending     = "strand_pending_writes"
	defaultOpTimeout   = 5 * time.Second
)

type (
	// Store persists sessions in MongoDB.
	Store struct {
		snapshots   *mongo.Collection
		checkpoints *mongo.Collection
		pending     *mongo.Collection
		timeout     time.Duration
	}

	// Options configures the store.
	Options struct {
		// Client is the connected Mongo client. Required.
		Client *mongo.Client
		// Database is the database name. Required.
		Database string
		// SnapshotsCollection overrides the snapshot collection name.
		SnapshotsCollection string
		// CheckpointsCollection overrides the checkpoint collection name.
		CheckpointsCollection string
		// PendingCollection overrides the pending-writes collection name.
		PendingCollection string
		// Timeout bounds each store operation. Defaults to 5s.
		Timeout time.Duration
	}

	snapshotDoc struct {
		SessionID    string    `bson:"_id"`
		LastActivity time.Time `bson:"last_activity"`
		Payload      string    `bson:"payload"`
	}

	checkpointDoc struct {
		CheckpointID string    `bson:"checkpoint_id"`
		SessionID    string    `bson:"session_id"`
		Step         int64     `bson:"step"`
		Source       string    `bson:"source"`
		CreatedAt    time.Time `bson:"created_at"`
		MessageCount int       `bson:"message_count"`
		Payload      string    `bson:"payload"`
	}

	pendingDoc struct {
		SessionID    string   `bson:"session_id"`
		CheckpointID string   `bson:"checkpoint_id"`
		Writes       []string `bson:"writes"`
	}
)

// New constructs the store and ensures its indexes.
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongostore: client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("mongostore: database name is required")
	}
	name := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		snapshots:   db.Collection(name(opts.SnapshotsCollection, defaultSnapshots)),
		checkpoints: db.Collection(name(opts.CheckpointsCollection, defaultCheckpoints)),
		pending:     db.Collection(name(opts.PendingCollection, defaultPending)),
		timeout:     timeout,
	}
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.checkpoints.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "checkpoint_id", Value: 1}},
			Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "step", Value: -1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create checkpoint indexes: %w", err)
	}
	_, err = s.pending.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "session_id", Value: 1}, {Key: "checkpoint_id", Value: 1}},
			Options: options.Index().SetUnique(true)},
	})
	if err != nil {
		return fmt.Errorf("mongostore: create pending indexes: %w", err)
	}
	return nil
}

// LoadSession implements session.Store.
func (s *Store) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	if id == "" {
		return nil, errors.New("mongostore: session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc snapshotDoc
	if err := s.snapshots.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return session.New(id), nil
		}
		return nil, fmt.Errorf("mongostore: load snapshot for %q: %w", id, err)
	}
	var snap session.Snapshot
	if err := json.Unmarshal([]byte(doc.Payload), &snap); err != nil {
		return nil, fmt.Errorf("mongostore: decode snapshot for %q: %w", id, err)
	}
	sess := session.New(id)
	sess.Restore(&snap)
	return sess, nil
}

// SaveSnapshot implements session.Store.
func (s *Store) SaveSnapshot(ctx context.Context, sess *session.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("mongostore: session with id is required")
	}
	raw, err := json.Marshal(sess.Snapshot(sess.ID))
	if err != nil {
		return fmt.Errorf("mongostore: encode snapshot: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.snapshots.UpdateOne(ctx,
		bson.M{"_id": sess.ID},
		bson.M{"$set": bson.M{
			"last_activity": sess.LastActivity,
			"payload":       string(raw),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: save snapshot for %q: %w", sess.ID, err)
	}
	return nil
}

// SaveCheckpoint implements session.Store.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *session.Checkpoint) error {
	if cp == nil || cp.ID == "" || cp.SessionID == "" {
		return errors.New("mongostore: checkpoint with id and session id is required")
	}
	raw, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("mongostore: encode checkpoint: %w", err)
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err = s.checkpoints.UpdateOne(ctx,
		bson.M{"session_id": cp.SessionID, "checkpoint_id": cp.ID},
		bson.M{"$set": bson.M{
			"step":          cp.Step,
			"source":        string(cp.Source),
			"created_at":    cp.CreatedAt,
			"message_count": cp.MessageCount,
			"payload":       string(raw),
		}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: save checkpoint %q: %w", cp.ID, err)
	}
	return nil
}

// LatestCheckpoint implements session.Store.
func (s *Store) LatestCheckpoint(ctx context.Context, sessionID string) (*session.Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx,
		bson.M{"session_id": sessionID},
		options.FindOne().SetSort(bson.D{{Key: "step", Value: -1}}),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("mongostore: latest checkpoint for %q: %w", sessionID, err)
	}
	return decodeCheckpoint(&doc)
}

// CheckpointAt implements session.Store.
func (s *Store) CheckpointAt(ctx context.Context, sessionID, checkpointID string) (*session.Checkpoint, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc checkpointDoc
	err := s.checkpoints.FindOne(ctx,
		bson.M{"session_id": sessionID, "checkpoint_id": checkpointID},
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, session.ErrCheckpointNotFound
		}
		return nil, fmt.Errorf("mongostore: checkpoint %q: %w", checkpointID, err)
	}
	return decodeCheckpoint(&doc)
}

// CheckpointManifest implements session.Store.
func (s *Store) CheckpointManifest(ctx context.Context, sessionID string) ([]session.ManifestEntry, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.checkpoints.Find(ctx,
		bson.M{"session_id": sessionID},
		options.Find().SetSort(bson.D{{Key: "step", Value: -1}}).
			SetProjection(bson.M{"payload": 0}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: manifest for %q: %w", sessionID, err)
	}
	var docs []checkpointDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode manifest for %q: %w", sessionID, err)
	}
	entries := make([]session.ManifestEntry, 0, len(docs))
	for _, d := range docs {
		entries = append(entries, session.ManifestEntry{
			CheckpointID: d.CheckpointID,
			Step:         d.Step,
			Source:       session.Source(d.Source),
			CreatedAt:    d.CreatedAt,
			MessageCount: d.MessageCount,
		})
	}
	return entries, nil
}

// SavePendingWrites implements session.Store.
func (s *Store) SavePendingWrites(ctx context.Context, sessionID, checkpointID string, writes []session.PendingWrite) error {
	if sessionID == "" || checkpointID == "" {
		return errors.New("mongostore: session id and checkpoint id are required")
	}
	if len(writes) == 0 {
		return nil
	}
	encoded := make([]string, 0, len(writes))
	for _, w := range writes {
		raw, err := json.Marshal(w)
		if err != nil {
			return fmt.Errorf("mongostore: encode pending write %q: %w", w.CallID, err)
		}
		encoded = append(encoded, string(raw))
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pending.UpdateOne(ctx,
		bson.M{"session_id": sessionID, "checkpoint_id": checkpointID},
		bson.M{"$push": bson.M{"writes": bson.M{"$each": encoded}}},
		options.UpdateOne().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("mongostore: append pending writes: %w", err)
	}
	return nil
}

// LoadPendingWrites implements session.Store.
func (s *Store) LoadPendingWrites(ctx context.Context, sessionID, checkpointID string) ([]session.PendingWrite, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc pendingDoc
	err := s.pending.FindOne(ctx,
		bson.M{"session_id": sessionID, "checkpoint_id": checkpointID},
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, fmt.Errorf("mongostore: load pending writes: %w", err)
	}
	writes := make([]session.PendingWrite, 0, len(doc.Writes))
	for _, raw := range doc.Writes {
		var w session.PendingWrite
		if err := json.Unmarshal([]byte(raw), &w); err != nil {
			return nil, fmt.Errorf("mongostore: decode pending write: %w", err)
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// DeletePendingWrites implements session.Store.
func (s *Store) DeletePendingWrites(ctx context.Context, sessionID, checkpointID string) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.pending.DeleteOne(ctx, bson.M{"session_id": sessionID, "checkpoint_id": checkpointID})
	if err != nil {
		return fmt.Errorf("mongostore: delete pending writes: %w", err)
	}
	return nil
}

// PruneCheckpoints implements session.Store.
func (s *Store) PruneCheckpoints(ctx context.Context, sessionID string, keepLatest int) (int, error) {
	if keepLatest < 0 {
		keepLatest = 0
	}
	entries, err := s.CheckpointManifest(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if len(entries) <= keepLatest {
		return 0, nil
	}
	ids := make([]string, 0, len(entries)-keepLatest)
	for _, e := range entries[keepLatest:] {
		ids = append(ids, e.CheckpointID)
	}
	if err := s.DeleteCheckpoints(ctx, sessionID, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DeleteOlderThan implements session.Store.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.checkpoints.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("mongostore: delete old checkpoints: %w", err)
	}
	return int(res.DeletedCount), nil
}

// DeleteInactiveSessions implements session.Store.
func (s *Store) DeleteInactiveSessions(ctx context.Context, threshold time.Duration, dryRun bool) ([]string, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cursor, err := s.snapshots.Find(ctx,
		bson.M{"last_activity": bson.M{"$lt": cutoff}},
		options.Find().SetProjection(bson.M{"_id": 1}).SetSort(bson.D{{Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("mongostore: list inactive sessions: %w", err)
	}
	var docs []struct {
		SessionID string `bson:"_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongostore: decode inactive sessions: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.SessionID)
	}
	if dryRun || len(ids) == 0 {
		return ids, nil
	}
	filter := bson.M{"session_id": bson.M{"$in": ids}}
	if _, err := s.checkpoints.DeleteMany(ctx, filter); err != nil {
		return ids, fmt.Errorf("mongostore: delete checkpoints: %w", err)
	}
	if _, err := s.pending.DeleteMany(ctx, filter); err != nil {
		return ids, fmt.Errorf("mongostore: delete pending writes: %w", err)
	}
	if _, err := s.snapshots.DeleteMany(ctx, bson.M{"_id": bson.M{"$in": ids}}); err != nil {
		return ids, fmt.Errorf("mongostore: delete snapshots: %w", err)
	}
	return ids, nil
}

// DeleteCheckpoints implements session.Store.
func (s *Store) DeleteCheckpoints(ctx context.Context, sessionID string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID, "checkpoint_id": bson.M{"$in": ids}}
	if _, err := s.checkpoints.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongostore: delete checkpoints: %w", err)
	}
	if _, err := s.pending.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongostore: delete pending writes: %w", err)
	}
	return nil
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func decodeCheckpoint(doc *checkpointDoc) (*session.Checkpoint, error) {
	var cp session.Checkpoint
	if err := json.Unmarshal([]byte(doc.Payload), &cp); err != nil {
		return nil, fmt.Errorf("mongostore: decode checkpoint %q: %w", doc.CheckpointID, err)
	}
	return &cp, nil
}

var _ session.Store = (*Store)(nil)
