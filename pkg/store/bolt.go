package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gematik/zero-authz/pkg/oauth2server"
	"github.com/gematik/zero-authz/pkg/uma"
	bolt "go.etcd.io/bbolt"
)

var (
	clientsBucket      = []byte("clients")
	resourceSetsBucket = []byte("resource_sets")
)

// Bolt persists registered clients and resource sets in a bbolt file.
// Values are JSON documents keyed by id.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens or creates the database at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{clientsBucket, resourceSetsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &Bolt{db: db}, nil
}

func (b *Bolt) Close() error {
	return b.db.Close()
}

func (b *Bolt) put(bucket []byte, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

// get decodes the value stored under id into v and reports whether it
// existed.
func (b *Bolt) get(bucket []byte, id string, v any) (bool, error) {
	var found bool
	err := b.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucket).Get([]byte(id))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, v)
	})
	return found, err
}

func (b *Bolt) delete(bucket []byte, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

func (b *Bolt) PutClient(_ context.Context, client *oauth2server.Client) error {
	if err := b.put(clientsBucket, client.ID, client); err != nil {
		return fmt.Errorf("storing client %s: %w", client.ID, err)
	}
	return nil
}

func (b *Bolt) GetClient(_ context.Context, id string) (*oauth2server.Client, error) {
	var c oauth2server.Client
	found, err := b.get(clientsBucket, id, &c)
	if err != nil {
		return nil, fmt.Errorf("reading client %s: %w", id, err)
	}
	if !found {
		return nil, oauth2server.ErrNotFound
	}
	return &c, nil
}

func (b *Bolt) DeleteClient(_ context.Context, id string) error {
	return b.delete(clientsBucket, id)
}

// ListClients returns all clients ordered by id.
func (b *Bolt) ListClients(_ context.Context) ([]*oauth2server.Client, error) {
	var out []*oauth2server.Client
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(clientsBucket).ForEach(func(k, data []byte) error {
			var c oauth2server.Client
			if err := json.Unmarshal(data, &c); err != nil {
				return fmt.Errorf("client %s: %w", k, err)
			}
			out = append(out, &c)
			return nil
		})
	})
	return out, err
}

func (b *Bolt) PutResourceSet(_ context.Context, rs *uma.ResourceSet) error {
	if err := b.put(resourceSetsBucket, rs.ID, rs); err != nil {
		return fmt.Errorf("storing resource set %s: %w", rs.ID, err)
	}
	return nil
}

func (b *Bolt) DeleteResourceSet(_ context.Context, id string) error {
	return b.delete(resourceSetsBucket, id)
}

func (b *Bolt) GetResourceSets(_ context.Context, ids []string) ([]*uma.ResourceSet, error) {
	out := make([]*uma.ResourceSet, 0, len(ids))
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(resourceSetsBucket)
		for _, id := range ids {
			data := bucket.Get([]byte(id))
			if data == nil {
				continue
			}
			var rs uma.ResourceSet
			if err := json.Unmarshal(data, &rs); err != nil {
				return fmt.Errorf("resource set %s: %w", id, err)
			}
			out = append(out, &rs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
