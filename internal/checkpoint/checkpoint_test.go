// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testCheckpoint(worker int) Checkpoint {
	return Checkpoint{
		Version:       Version,
		Worker:        worker,
		Fingerprint:   "6c3b0f9a1d2e4b57",
		SimulatedTime: time.Date(2025, 3, 1, 13, 45, 12, 123456789, time.UTC),
		SamplerRNG:    []byte("pcg:\x01\x02\x03\x04"),
		FactoryRNG:    []byte("pcg:\x05\x06\x07\x08"),
		Published:     12345,
		Pool:          map[string]int{"US": 40, "DE": 7},
		SavedAt:       time.Date(2026, 10, 19, 8, 0, 0, 0, time.UTC),
	}
}

func TestDecodeEncoded(t *testing.T) {
	cp := testCheckpoint(2)
	got, err := Decode(Encode(cp))
	require.NoError(t, err)
	assert.Equal(t, cp.SimulatedTime.UnixNano(), got.SimulatedTime.UnixNano())
	assert.Equal(t, cp.SamplerRNG, got.SamplerRNG)
	assert.Equal(t, cp.FactoryRNG, got.FactoryRNG)
	assert.Equal(t, cp.Published, got.Published)
	assert.Equal(t, cp.Pool, got.Pool)
	assert.Equal(t, cp.Fingerprint, got.Fingerprint)
	assert.Equal(t, 2, got.Worker)
}

func TestDecodeErrors(t *testing.T) {
	for name, doc := range map[string]string{
		"truncated":     `{"version":1,"worker":`,
		"array":         `[1,2]`,
		"no version":    `{"worker":0}`,
		"bad time":      `{"version":1,"simulated_time":"noon","sampler_rng":"AQ==","factory_rng":"AQ=="}`,
		"missing rng":   `{"version":1,"simulated_time":"2025-01-01T00:00:00Z","factory_rng":"AQ=="}`,
		"bad base64":    `{"version":1,"simulated_time":"2025-01-01T00:00:00Z","sampler_rng":"!!","factory_rng":"AQ=="}`,
		"negative pool": `{"version":1,"simulated_time":"2025-01-01T00:00:00Z","sampler_rng":"AQ==","factory_rng":"AQ==","pool":{"US":-1}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(doc))
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
	_, err := Decode([]byte(`{"version":7}`))
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	first := testCheckpoint(0)
	require.NoError(t, s.Save(ctx, first))
	second := first
	second.Published = 99999
	second.SimulatedTime = first.SimulatedTime.Add(time.Minute)
	require.NoError(t, s.Save(ctx, second))

	got, ok, err := s.Load(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, second.Published, got.Published)
	assert.True(t, second.SimulatedTime.Equal(got.SimulatedTime))
}

func TestFileStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	s := NewFileStore(dir, 0)
	testStore(t, s)

	// Only the checkpoint itself remains, no temporary files.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "worker-0.json", entries[0].Name())
}

func TestFileStoreCorrupt(t *testing.T) {
	s := NewFileStore(t.TempDir(), 3)
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{"version":1,"sim`), 0o644))

	_, _, err := s.Load(context.Background())
	assert.ErrorIs(t, err, ErrCorrupt)

	core, logs := observer.New(zap.WarnLevel)
	_, ok, err := LoadOrFresh(context.Background(), s, 3, "6c3b0f9a1d2e4b57", zap.New(core))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, logs.FilterMessageSnippet("starting fresh").Len())
}

func TestLoadOrFreshWorkerMismatch(t *testing.T) {
	s := NewFileStore(t.TempDir(), 1)
	require.NoError(t, s.Save(context.Background(), testCheckpoint(4)))

	_, ok, err := LoadOrFresh(context.Background(), s, 1, "6c3b0f9a1d2e4b57", zap.NewNop())
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(context.Background(), testCheckpoint(1)))
	cp, ok, err := LoadOrFresh(context.Background(), s, 1, "6c3b0f9a1d2e4b57", zap.NewNop())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(12345), cp.Published)
}

func TestLoadOrFreshFingerprintMismatch(t *testing.T) {
	s := NewFileStore(t.TempDir(), 1)
	require.NoError(t, s.Save(context.Background(), testCheckpoint(1)))

	core, logs := observer.New(zap.WarnLevel)
	_, ok, err := LoadOrFresh(context.Background(), s, 1, "0000000000000000", zap.New(core))
	require.NoError(t, err)
	assert.False(t, ok)
	entries := logs.FilterMessage("ignoring checkpoint of a different profile, starting fresh").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "6c3b0f9a1d2e4b57", entries[0].ContextMap()["checkpoint_fingerprint"])
}

func TestBoltStore(t *testing.T) {
	db, err := OpenBolt(filepath.Join(t.TempDir(), "checkpoints.db"))
	require.NoError(t, err)
	defer db.Close()

	testStore(t, NewBoltStore(db, 0))

	// Workers do not see each other's checkpoints.
	_, ok, err := NewBoltStore(db, 1).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = OpenBolt(" ")
	assert.Error(t, err)
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("TRAFFICSIM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRAFFICSIM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	s := NewRedisStore(client, "trafficsim-test:"+t.Name(), 0)
	t.Cleanup(func() { client.Del(context.Background(), s.Key()) })
	testStore(t, s)
}
