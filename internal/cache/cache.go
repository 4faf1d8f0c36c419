// WatchState - Multi-Backend Watch State Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/watchstate

// Package cache provides the badger-backed key-value store behind the
// webhook request and progress buckets. Entries are JSON-encoded, keyed by
// bucket prefix and expire via badger TTLs; writes are last-writer-wins per
// key with the TTL refreshed on every put.
package cache

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// ErrMiss is returned when a key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache wraps one badger database shared by all buckets.
type Cache struct {
	db  *badger.DB
	log zerolog.Logger
}

// Open opens the cache at path. With inMemory set, nothing touches disk;
// used by tests and ephemeral deployments.
func Open(path string, inMemory bool, log zerolog.Logger) (*Cache, error) {
	opts := badger.DefaultOptions(path).
		WithLogger(nil).
		WithInMemory(inMemory)
	if inMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &Cache{db: db, log: log}, nil
}

// Close closes the underlying badger database.
func (c *Cache) Close() error { return c.db.Close() }

// GC runs one badger value-log garbage collection cycle. Safe to call
// periodically; a no-rewrite outcome is not an error.
func (c *Cache) GC() {
	if err := c.db.RunValueLogGC(0.5); err != nil &&
		!errors.Is(err, badger.ErrNoRewrite) && !errors.Is(err, badger.ErrRejected) {
		c.log.Warn().Err(err).Msg("Cache value log GC failed")
	}
}

// Bucket is a named key space with a fixed entry TTL.
type Bucket struct {
	cache  *Cache
	prefix []byte
	ttl    time.Duration
}

// Bucket returns the named bucket. Buckets are cheap values; the same name
// always addresses the same keys.
func (c *Cache) Bucket(name string, ttl time.Duration) *Bucket {
	return &Bucket{cache: c, prefix: []byte(name + ":"), ttl: ttl}
}

func (b *Bucket) key(key string) []byte {
	out := make([]byte, 0, len(b.prefix)+len(key))
	out = append(out, b.prefix...)
	return append(out, key...)
}

// Put stores value under key, replacing any previous entry and refreshing
// the TTL.
func (b *Bucket) Put(key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	return b.cache.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(b.key(key), raw)
		if b.ttl > 0 {
			entry = entry.WithTTL(b.ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Get decodes the entry under key into value. Returns ErrMiss when the key
// is absent or expired.
func (b *Bucket) Get(key string, value any) error {
	return b.cache.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrMiss
		}
		if err != nil {
			return err
		}
		return item.Value(func(raw []byte) error {
			return json.Unmarshal(raw, value)
		})
	})
}

// CompareDelete removes the entry under key only while its value still
// equals expected, so a concurrent overwrite survives for the next reader.
// Returns whether the entry was deleted.
func (b *Bucket) CompareDelete(key string, expected []byte) (bool, error) {
	deleted := false
	err := b.cache.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(b.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		same := false
		if err := item.Value(func(raw []byte) error {
			same = bytes.Equal(raw, expected)
			return nil
		}); err != nil {
			return err
		}
		if !same {
			return nil
		}
		if err := txn.Delete(b.key(key)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

// Delete removes the entry under key. Deleting an absent key is not an error.
func (b *Bucket) Delete(key string) error {
	return b.cache.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(b.key(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Each calls fn for every live entry in the bucket with the key (prefix
// stripped) and raw value. Iteration stops at the first error fn returns.
func (b *Bucket) Each(fn func(key string, raw []byte) error) error {
	return b.cache.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = b.prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(b.prefix):])
			if err := item.Value(func(raw []byte) error {
				return fn(key, raw)
			}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Len returns the number of live entries in the bucket.
func (b *Bucket) Len() (int, error) {
	n := 0
	err := b.Each(func(string, []byte) error {
		n++
		return nil
	})
	return n, err
}
