package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreConfig configures a Firestore store.
type FirestoreConfig struct {
	ProjectID       string `yaml:"project_id" json:"project_id"`
	CredentialsFile string `yaml:"credentials_file,omitempty" json:"credentials_file,omitempty"`

	// Collection holds one document per key. Defaults to "orchestra_memory".
	Collection string `yaml:"collection,omitempty" json:"collection,omitempty"`
}

// Firestore is a Store keeping one document per key. Expired documents are
// filtered on read; a native TTL policy on expires_at removes them for good.
type Firestore struct {
	client *firestore.Client
	coll   *firestore.CollectionRef
	now    func() time.Time
}

type firestoreItem struct {
	Key       string     `firestore:"key"`
	Value     []byte     `firestore:"value"`
	UpdatedAt time.Time  `firestore:"updated_at"`
	ExpiresAt *time.Time `firestore:"expires_at,omitempty"`
}

// NewFirestore creates a Firestore client. Application Default Credentials
// are used unless CredentialsFile is set. FIRESTORE_EMULATOR_HOST is honoured
// by the client library.
func NewFirestore(ctx context.Context, cfg FirestoreConfig) (*Firestore, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("project ID is required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := firestore.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create firestore client: %w", err)
	}
	return NewFirestoreFromClient(client, cfg.Collection), nil
}

// NewFirestoreFromClient wraps an existing client.
func NewFirestoreFromClient(client *firestore.Client, collection string) *Firestore {
	if collection == "" {
		collection = "orchestra_memory"
	}
	return &Firestore{client: client, coll: client.Collection(collection), now: time.Now}
}

// docID maps a key to a valid document id. Keys contain "/", which Firestore
// treats as a path separator.
func docID(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Put implements Store.
func (f *Firestore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := f.now().UTC()
	item := firestoreItem{Key: key, Value: value, UpdatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		item.ExpiresAt = &exp
	}
	if _, err := f.coll.Doc(docID(key)).Set(ctx, item); err != nil {
		return fmt.Errorf("firestore set %s: %w", key, err)
	}
	return nil
}

// Get implements Store.
func (f *Firestore) Get(ctx context.Context, key string) ([]byte, error) {
	snap, err := f.coll.Doc(docID(key)).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("firestore get %s: %w", key, err)
	}
	var item firestoreItem
	if err := snap.DataTo(&item); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	if item.ExpiresAt != nil && !f.now().Before(*item.ExpiresAt) {
		return nil, ErrNotFound
	}
	return item.Value, nil
}

// Delete implements Store.
func (f *Firestore) Delete(ctx context.Context, key string) error {
	if _, err := f.coll.Doc(docID(key)).Delete(ctx); err != nil && status.Code(err) != codes.NotFound {
		return fmt.Errorf("firestore delete %s: %w", key, err)
	}
	return nil
}

// Close implements Store.
func (f *Firestore) Close() error {
	return f.client.Close()
}
