// Package instance stores Instance entities: connection metadata for a
// Redis target, consumed but not produced by the execution substrate.
//
// The connection URL is encrypted at rest with golang.org/x/crypto's
// nacl/secretbox, keyed from a single process-wide master key seeded from
// REDIS_SRE_MASTER_KEY.
package instance

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/nacl/secretbox"

	"github.com/redis/go-redis/v9"

	"github.com/redis-sre/agentcore/pkg/ids"
	"github.com/redis-sre/agentcore/pkg/index"
	"github.com/redis-sre/agentcore/pkg/keys"
	"github.com/redis-sre/agentcore/pkg/model"
	"github.com/redis-sre/agentcore/pkg/ports"
)

// ErrNotFound is returned by reads for an instance id that doesn't exist.
var ErrNotFound = errors.New("instance: not found")

// ErrDecrypt is returned when a stored connection URL cannot be decrypted,
// typically because the master key changed.
var ErrDecrypt = errors.New("instance: failed to decrypt connection url")

// SearchDocTTL is the TTL on the Instances FT hash document.
const SearchDocTTL = 24 * 60 * 60

// Store is the Instance Store.
type Store struct {
	rdb redis.Cmdable
	idx *index.Manager
	key [32]byte
}

// NewStore constructs an Instance Store. masterKey is the raw secret from
// REDIS_SRE_MASTER_KEY; it is hashed down to a 32-byte secretbox key so
// operators may supply a passphrase of any length.
func NewStore(rdb redis.Cmdable, idx *index.Manager, masterKey string) *Store {
	return &Store{rdb: rdb, idx: idx, key: sha256.Sum256([]byte(masterKey))}
}

// Create encrypts connectionURL and persists a new Instance.
func (s *Store) Create(ctx context.Context, inst model.Instance, connectionURL string) (string, error) {
	inst.ID = ids.NewULID()
	inst.CreatedAt = time.Now().UTC()

	sealed, err := s.encrypt(connectionURL)
	if err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}

	if err := s.rdb.HSet(ctx, keys.InstanceMetadata(inst.ID), map[string]interface{}{
		"id":                    inst.ID,
		"name":                  inst.Name,
		"environment":           inst.Environment,
		"usage":                 inst.Usage,
		"instance_type":         inst.InstanceType,
		"description":           inst.Description,
		"created_by":            inst.CreatedBy,
		"user_id":               inst.UserID,
		"connection_url_sealed": sealed,
		"created_at":            inst.CreatedAt.Format(time.RFC3339Nano),
	}).Err(); err != nil {
		return "", fmt.Errorf("create instance: %w", err)
	}

	s.upsertDoc(ctx, inst)
	return inst.ID, nil
}

// GetByID reads and decrypts an Instance, implementing ports.InstanceResolver
// when wrapped by Resolver (below).
func (s *Store) GetByID(ctx context.Context, id string) (*model.Instance, error) {
	raw, err := s.rdb.HGetAll(ctx, keys.InstanceMetadata(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	if len(raw) == 0 {
		return nil, ErrNotFound
	}

	connectionURL, err := s.decrypt(raw["connection_url_sealed"])
	if err != nil {
		return nil, fmt.Errorf("get instance %s: %w", id, err)
	}

	createdAt, _ := time.Parse(time.RFC3339Nano, raw["created_at"])
	return &model.Instance{
		ID: raw["id"], Name: raw["name"], Environment: raw["environment"],
		Usage: raw["usage"], InstanceType: raw["instance_type"], Description: raw["description"],
		CreatedBy: raw["created_by"], UserID: raw["user_id"], ConnectionURL: connectionURL,
		CreatedAt: createdAt,
	}, nil
}

// Delete removes an Instance.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, keys.InstanceMetadata(id))
	pipe.Del(ctx, keys.InstanceDoc(id))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	return nil
}

func (s *Store) upsertDoc(ctx context.Context, inst model.Instance) {
	_ = s.idx.UpsertSearchDoc(ctx, keys.InstanceDoc(inst.ID), SearchDocTTL, map[string]interface{}{
		"id": inst.ID, "environment": inst.Environment, "usage": inst.Usage,
		"instance_type": inst.InstanceType, "name": inst.Name,
	})
}

func (s *Store) encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (s *Store) decrypt(sealedB64 string) (string, error) {
	if sealedB64 == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(sealedB64)
	if err != nil || len(sealed) < 24 {
		return "", ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, &s.key)
	if !ok {
		return "", ErrDecrypt
	}
	return string(plaintext), nil
}

// Resolver adapts Store to ports.InstanceResolver, the shape pkg/dispatcher
// and tool providers actually consume.
type Resolver struct {
	store *Store
}

// NewResolver wraps a Store as a ports.InstanceResolver.
func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// GetByID implements ports.InstanceResolver.
func (r *Resolver) GetByID(ctx context.Context, id string) (*ports.ResolvedInstance, error) {
	inst, err := r.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return &ports.ResolvedInstance{ID: inst.ID, Name: inst.Name, ConnectionURL: inst.ConnectionURL}, nil
}
