// Package store persists queue items and quota usage in a bbolt file.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/shineum/mailpipe/internal/queue"
	"github.com/shineum/mailpipe/internal/quota"
)

const (
	queueBucket = "queue"
	quotaBucket = "quota"
)

// Store implements queue.Store and quota.Store.
type Store struct {
	db *bbolt.DB
}

var (
	_ queue.Store = (*Store)(nil)
	_ quota.Store = (*Store)(nil)
)

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range []string{queueBucket, quotaBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(bucket)); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveItem writes the item under its id.
func (s *Store) SaveItem(_ context.Context, item queue.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode queue item %s: %w", item.ID, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(queueBucket)).Put([]byte(item.ID), data)
	})
}

// DeleteItem removes the item. Deleting an unknown id is not an error.
func (s *Store) DeleteItem(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(queueBucket)).Delete([]byte(id))
	})
}

// LoadItems returns every stored item in key order.
func (s *Store) LoadItems(_ context.Context) ([]queue.Item, error) {
	var items []queue.Item
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(queueBucket)).ForEach(func(k, v []byte) error {
			var item queue.Item
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("decode queue item %s: %w", k, err)
			}
			items = append(items, item)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

type usageRecord struct {
	Root  quota.Root  `json:"root"`
	Usage quota.Usage `json:"usage"`
}

// SaveUsage writes the usage of root. Zero usage deletes the record.
func (s *Store) SaveUsage(_ context.Context, root quota.Root, usage quota.Usage) error {
	key := []byte(root.String())
	if usage == (quota.Usage{}) {
		return s.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket([]byte(quotaBucket)).Delete(key)
		})
	}

	data, err := json.Marshal(usageRecord{Root: root, Usage: usage})
	if err != nil {
		return fmt.Errorf("encode quota usage %s: %w", root, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(quotaBucket)).Put(key, data)
	})
}

// LoadUsage returns all stored usage.
func (s *Store) LoadUsage(_ context.Context) (map[quota.Root]quota.Usage, error) {
	out := make(map[quota.Root]quota.Usage)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(quotaBucket)).ForEach(func(k, v []byte) error {
			var rec usageRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode quota usage %s: %w", k, err)
			}
			out[rec.Root] = rec.Usage
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
