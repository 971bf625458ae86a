// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"
)

const boltBucket = "checkpoints"

// OpenBolt opens, creating if needed, the database at path. A database file
// can only be opened once at a time, so all workers of a process share the
// returned handle.
func OpenBolt(path string) (*bbolt.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint database path is required")
	}
	db, err := bbolt.Open(filepath.Clean(path), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create checkpoint bucket: %w", err)
	}
	return db, nil
}

// BoltStore keeps one worker's checkpoint under its own key. The database
// is owned by the caller.
type BoltStore struct {
	db  *bbolt.DB
	key []byte
}

// NewBoltStore returns a store for worker in db, which must come from OpenBolt.
func NewBoltStore(db *bbolt.DB, worker int) *BoltStore {
	return &BoltStore{db: db, key: []byte("worker/" + strconv.Itoa(worker))}
}

// Load implements Store.
func (s *BoltStore) Load(ctx context.Context) (Checkpoint, bool, error) {
	if err := ctx.Err(); err != nil {
		return Checkpoint{}, false, err
	}
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		// Values are only valid for the life of the transaction.
		if v := bucket.Get(s.key); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return Checkpoint{}, false, err
	}
	if data == nil {
		return Checkpoint{}, false, nil
	}
	cp, err := Decode(data)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Save implements Store.
func (s *BoltStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(boltBucket))
		if bucket == nil {
			return fmt.Errorf("checkpoint bucket is missing")
		}
		return bucket.Put(s.key, Encode(cp))
	})
}
