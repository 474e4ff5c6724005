// Package store is the persistence bridge (spec section 4.8, component
// C8): an append-only record of every envelope a node sees, with four
// derived collections (broadcasts, messageMesh, keyMesh, decrypted).
// The teacher used MongoDB for durable per-user documents; this reuses
// that dependency for the same purpose the spec calls "the persistence
// substrate... the choice of backing file is an implementation detail" —
// see SPEC_FULL.md's domain-stack table.
//
// All writes are last-writer-wins by msgId (spec section 4.8): a replay
// of an already-seen envelope simply overwrites its own record with an
// identical value, which is safe because envelopes are immutable once
// forwarded (addHop always produces a new msgId-preserving copy, never a
// mutation in place).
package store

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meshrelay/internal/model"
)

const (
	collBroadcasts  = "broadcasts"
	collMessageMesh = "messageMesh"
	collKeyMesh     = "keyMesh"
	collDecrypted   = "decrypted"
)

// Store owns every envelope and decrypted message by value for one node;
// every index and handler callback the node relay exposes holds only a
// read-only view onto it (spec section 3, "Ownership").
type Store struct {
	db *mongo.Database
}

// New wraps a per-node Mongo database as a persistence bridge.
func New(db *mongo.Database) *Store {
	return &Store{db: db}
}

func (s *Store) col(name string) *mongo.Collection { return s.db.Collection(name) }

func upsertByMsgId(ctx context.Context, col *mongo.Collection, msgId string, doc any) error {
	_, err := col.UpdateOne(
		ctx,
		bson.M{"msgId": msgId},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("upsert msgId=%s: %w: %v", msgId, model.ErrPersistence, err)
	}
	return nil
}

// SaveMessage persists env into messageMesh, and additionally into
// broadcasts when env is a public broadcast (spec section 4.8).
func (s *Store) SaveMessage(ctx context.Context, env model.MessageEnvelope) error {
	if err := upsertByMsgId(ctx, s.col(collMessageMesh), env.MsgId, env); err != nil {
		return err
	}
	if env.IsBroadcast() {
		if err := upsertByMsgId(ctx, s.col(collBroadcasts), env.MsgId, env); err != nil {
			return err
		}
	}
	return nil
}

// SaveKey persists key into keyMesh.
func (s *Store) SaveKey(ctx context.Context, key model.KeyEnvelope) error {
	return upsertByMsgId(ctx, s.col(collKeyMesh), key.MsgId, key)
}

// SaveDecrypted persists dm into decrypted. Admin-only.
func (s *Store) SaveDecrypted(ctx context.Context, dm model.DecryptedMessage) error {
	return upsertByMsgId(ctx, s.col(collDecrypted), dm.MsgId, dm)
}

// HasDecrypted reports whether a DecryptedMessage already exists for
// msgId, backing the admin join's idempotent-emission guarantee (spec
// section 4.6, "Duplicate successful joins... are suppressed").
func (s *Store) HasDecrypted(ctx context.Context, msgId string) (bool, error) {
	n, err := s.col(collDecrypted).CountDocuments(ctx, bson.M{"msgId": msgId})
	if err != nil {
		return false, fmt.Errorf("count decrypted msgId=%s: %w: %v", msgId, model.ErrPersistence, err)
	}
	return n > 0, nil
}

// RecentMessageIds returns up to limit of the most recently written
// messageMesh msgIds, newest first — used to rebuild the dedupe store on
// startup (spec section 4.2).
func (s *Store) RecentMessageIds(ctx context.Context, limit int64) ([]string, error) {
	return s.recentIds(ctx, collMessageMesh, limit)
}

// RecentKeyIds returns up to limit of the most recently written keyMesh
// msgIds, newest first.
func (s *Store) RecentKeyIds(ctx context.Context, limit int64) ([]string, error) {
	return s.recentIds(ctx, collKeyMesh, limit)
}

func (s *Store) recentIds(ctx context.Context, coll string, limit int64) ([]string, error) {
	opts := options.Find().SetSort(bson.M{"_id": -1}).SetLimit(limit).SetProjection(bson.M{"msgId": 1})
	cur, err := s.col(coll).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w: %v", coll, model.ErrPersistence, err)
	}
	defer cur.Close(ctx)

	var ids []string
	for cur.Next(ctx) {
		var doc struct {
			MsgId string `bson:"msgId"`
		}
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode %s row: %w: %v", coll, model.ErrPersistence, err)
		}
		ids = append(ids, doc.MsgId)
	}
	return ids, cur.Err()
}

// AllMessages returns every envelope in messageMesh, oldest first.
func (s *Store) AllMessages(ctx context.Context) ([]model.MessageEnvelope, error) {
	var out []model.MessageEnvelope
	if err := s.findAll(ctx, collMessageMesh, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllBroadcasts returns every broadcast envelope, oldest first.
func (s *Store) AllBroadcasts(ctx context.Context) ([]model.MessageEnvelope, error) {
	var out []model.MessageEnvelope
	if err := s.findAll(ctx, collBroadcasts, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllKeys returns every KeyEnvelope, oldest first.
func (s *Store) AllKeys(ctx context.Context) ([]model.KeyEnvelope, error) {
	var out []model.KeyEnvelope
	if err := s.findAll(ctx, collKeyMesh, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// AllDecrypted returns every DecryptedMessage, oldest first.
func (s *Store) AllDecrypted(ctx context.Context) ([]model.DecryptedMessage, error) {
	var out []model.DecryptedMessage
	if err := s.findAll(ctx, collDecrypted, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) findAll(ctx context.Context, coll string, out any) error {
	opts := options.Find().SetSort(bson.M{"_id": 1})
	cur, err := s.col(coll).Find(ctx, bson.M{}, opts)
	if err != nil {
		return fmt.Errorf("scan %s: %w: %v", coll, model.ErrPersistence, err)
	}
	defer cur.Close(ctx)
	if err := cur.All(ctx, out); err != nil {
		return fmt.Errorf("decode %s: %w: %v", coll, model.ErrPersistence, err)
	}
	return nil
}

// PingTimeout bounds how long store setup waits on the backing database.
const PingTimeout = 10 * time.Second
