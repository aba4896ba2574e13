// internal/idempotency/bolt.go
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"
)

const boltBucket = "idempotency_keys"

type boltEntry struct {
	Value     string    `json:"value"`
	Pending   bool      `json:"pending"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (e boltEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// BoltStore is the single-node backend: keys live in one embedded file.
// Bolt serialises Update transactions, so Reserve's check-then-put is atomic.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) the database at path and ensures the bucket exists.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func (s *BoltStore) TryGet(ctx context.Context, key string) (bool, string, error) {
	if key == "" {
		return false, "", ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return false, "", err
	}
	var (
		found bool
		value string
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket([]byte(boltBucket)).Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e boltEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if e.Pending || e.expired(s.now()) {
			return nil
		}
		found, value = true, e.Value
		return nil
	})
	if err != nil {
		return false, "", fmt.Errorf("bolt get %s: %w", key, err)
	}
	return found, value, nil
}

func (s *BoltStore) Store(ctx context.Context, key, value string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	e := boltEntry{Value: value}
	if ttl > 0 {
		e.ExpiresAt = s.now().Add(ttl)
	}
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(boltBucket)).Put([]byte(key), data)
	})
}

func (s *BoltStore) Reserve(ctx context.Context, key string, lockTTL time.Duration) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	reserved := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		if raw := b.Get([]byte(key)); raw != nil {
			var existing boltEntry
			if err := json.Unmarshal(raw, &existing); err != nil {
				return err
			}
			if !existing.expired(s.now()) {
				return nil
			}
		}
		data, err := json.Marshal(boltEntry{Pending: true, ExpiresAt: s.now().Add(lockTTL)})
		if err != nil {
			return err
		}
		reserved = true
		return b.Put([]byte(key), data)
	})
	if err != nil {
		return false, fmt.Errorf("bolt reserve %s: %w", key, err)
	}
	return reserved, nil
}

func (s *BoltStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(boltBucket))
		raw := b.Get([]byte(key))
		if raw == nil {
			return nil
		}
		var e boltEntry
		if err := json.Unmarshal(raw, &e); err != nil {
			return err
		}
		if !e.Pending {
			return nil
		}
		return b.Delete([]byte(key))
	})
}
