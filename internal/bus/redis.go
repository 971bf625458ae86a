// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package bus

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds configuration for a Redis Streams bus.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	// MaxLen approximately caps the stream length. Zero leaves it unbounded.
	MaxLen int64
}

// Redis appends events to a Redis stream, one entry per event, in a single
// pipeline per batch.
type Redis struct {
	client redis.UniversalClient
	stream string
	maxLen int64
}

// NewRedis returns a Redis bus.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" || cfg.Stream == "" {
		return nil, errors.New("redis bus: addr and stream are required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return NewRedisWithClient(client, cfg.Stream, cfg.MaxLen), nil
}

// NewRedisWithClient returns a Redis bus on an existing client.
func NewRedisWithClient(client redis.UniversalClient, stream string, maxLen int64) *Redis {
	return &Redis{client: client, stream: stream, maxLen: maxLen}
}

// Publish implements Bus.
func (r *Redis) Publish(ctx context.Context, batch []Message) error {
	pipe := r.client.Pipeline()
	for _, m := range batch {
		pipe.XAdd(ctx, &redis.XAddArgs{
			Stream: r.stream,
			MaxLen: r.maxLen,
			Approx: r.maxLen > 0,
			Values: map[string]any{"key": string(m.Key), "event": string(m.Value)},
		})
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Close implements Bus.
func (r *Redis) Close() error { return r.client.Close() }
