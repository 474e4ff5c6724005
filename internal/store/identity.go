package store

import (
	"context"
	"encoding/hex"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"meshrelay/internal/model"
)

const collIdentity = "identity"

// identityDocId is the fixed key for the single identity document a
// node's local database holds (spec section 6.3, "Persisted state":
// nodeId, adminPrivateKey, adminPublicKey).
const identityDocId = "self"

type identityDoc struct {
	Id           string `bson:"_id"`
	NodeId       string `bson:"nodeId"`
	AdminPublic  string `bson:"adminPublicKey,omitempty"`
	AdminPrivate string `bson:"adminPrivateKey,omitempty"`
	HasAdminKeys bool   `bson:"hasAdminKeys"`
}

// Identity is a node's persisted identity: its nodeId, generated once
// at initialisation, and optionally an admin keypair.
type Identity struct {
	NodeId model.NodeId
	Admin  *model.AdminKeyPair // nil unless this node is an administrator
}

// LoadIdentity returns the previously persisted identity, or (Identity{}, false, nil)
// if this node has never initialised one.
func (s *Store) LoadIdentity(ctx context.Context) (Identity, bool, error) {
	var doc identityDoc
	err := s.col(collIdentity).FindOne(ctx, bson.M{"_id": identityDocId}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("load identity: %w: %v", model.ErrPersistence, err)
	}

	id := Identity{NodeId: model.NodeId(doc.NodeId)}
	if doc.HasAdminKeys {
		pub, err := hex.DecodeString(doc.AdminPublic)
		if err != nil || len(pub) != 32 {
			return Identity{}, false, fmt.Errorf("stored admin public key malformed: %w", model.ErrPersistence)
		}
		priv, err := hex.DecodeString(doc.AdminPrivate)
		if err != nil || len(priv) != 32 {
			return Identity{}, false, fmt.Errorf("stored admin private key malformed: %w", model.ErrPersistence)
		}
		kp := &model.AdminKeyPair{}
		copy(kp.Public[:], pub)
		copy(kp.Private[:], priv)
		id.Admin = kp
	}
	return id, true, nil
}

// SaveIdentity upserts id as the node's single identity document.
// cmd/node calls it when the identity is first created, and again when
// admin keys are added to an existing identity.
func (s *Store) SaveIdentity(ctx context.Context, id Identity) error {
	doc := identityDoc{
		Id:     identityDocId,
		NodeId: string(id.NodeId),
	}
	if id.Admin != nil {
		doc.HasAdminKeys = true
		doc.AdminPublic = hex.EncodeToString(id.Admin.Public[:])
		doc.AdminPrivate = hex.EncodeToString(id.Admin.Private[:])
	}

	_, err := s.col(collIdentity).UpdateOne(
		ctx,
		bson.M{"_id": identityDocId},
		bson.M{"$set": doc},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("save identity: %w: %v", model.ErrPersistence, err)
	}
	return nil
}
