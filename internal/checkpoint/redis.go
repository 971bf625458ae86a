// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps a checkpoint in a single Redis string. SET replaces the
// value atomically.
type RedisStore struct {
	client redis.UniversalClient
	key    string
}

// NewRedisStore returns a store for worker under prefix. The client is owned
// by the caller.
func NewRedisStore(client redis.UniversalClient, prefix string, worker int) *RedisStore {
	if prefix == "" {
		prefix = "trafficsim:checkpoint"
	}
	return &RedisStore{client: client, key: prefix + ":worker:" + strconv.Itoa(worker)}
}

// Key returns the Redis key holding the checkpoint.
func (s *RedisStore) Key() string { return s.key }

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context) (Checkpoint, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Checkpoint{}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, fmt.Errorf("get checkpoint: %w", err)
	}
	cp, err := Decode(data)
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, cp Checkpoint) error {
	if err := s.client.Set(ctx, s.key, Encode(cp), 0).Err(); err != nil {
		return fmt.Errorf("set checkpoint: %w", err)
	}
	return nil
}
