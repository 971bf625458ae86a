// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package checkpoint persists the resumable state of a worker.
package checkpoint

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tidwall/gjson"
	"go.elastic.co/fastjson"
	"go.uber.org/zap"
)

// Version is the current checkpoint format version.
const Version = 1

var (
	// ErrCorrupt is returned when stored data cannot be decoded.
	ErrCorrupt = errors.New("corrupt checkpoint")

	// ErrUnsupportedVersion is returned for a checkpoint written by an
	// incompatible format version.
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
)

// Checkpoint is the state needed to resume a worker exactly where its last
// acknowledged batch ended.
type Checkpoint struct {
	Version int
	Worker  int
	// Fingerprint identifies the profile parameters the state was
	// generated under.
	Fingerprint   string
	SimulatedTime time.Time
	SamplerRNG    []byte
	FactoryRNG    []byte
	// Published is the number of events acknowledged by the bus.
	Published uint64
	// Pool holds the user pool size per country.
	Pool    map[string]int
	SavedAt time.Time
}

// Store loads and saves the checkpoint of one worker.
type Store interface {
	// Load returns the stored checkpoint. ok is false if none exists.
	Load(ctx context.Context) (cp Checkpoint, ok bool, err error)
	// Save atomically replaces the stored checkpoint.
	Save(ctx context.Context, cp Checkpoint) error
}

// MarshalFastJSON writes cp as a JSON object.
func (cp *Checkpoint) MarshalFastJSON(w *fastjson.Writer) error {
	w.RawString(`{"version":`)
	w.Int64(int64(cp.Version))
	w.RawString(`,"worker":`)
	w.Int64(int64(cp.Worker))
	w.RawString(`,"fingerprint":`)
	w.String(cp.Fingerprint)
	w.RawString(`,"simulated_time":`)
	w.String(cp.SimulatedTime.UTC().Format(time.RFC3339Nano))
	w.RawString(`,"sampler_rng":`)
	w.String(base64.StdEncoding.EncodeToString(cp.SamplerRNG))
	w.RawString(`,"factory_rng":`)
	w.String(base64.StdEncoding.EncodeToString(cp.FactoryRNG))
	w.RawString(`,"published":`)
	w.Uint64(cp.Published)
	w.RawString(`,"pool":{`)
	codes := make([]string, 0, len(cp.Pool))
	for code := range cp.Pool {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for i, code := range codes {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(code)
		w.RawByte(':')
		w.Int64(int64(cp.Pool[code]))
	}
	w.RawString(`},"saved_at":`)
	w.String(cp.SavedAt.UTC().Format(time.RFC3339Nano))
	w.RawByte('}')
	return nil
}

// Encode returns cp as a JSON document.
func Encode(cp Checkpoint) []byte {
	var w fastjson.Writer
	_ = cp.MarshalFastJSON(&w)
	return w.Bytes()
}

// Decode parses a document written by Encode.
func Decode(data []byte) (Checkpoint, error) {
	if !gjson.ValidBytes(data) {
		return Checkpoint{}, fmt.Errorf("%w: invalid json", ErrCorrupt)
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return Checkpoint{}, fmt.Errorf("%w: not an object", ErrCorrupt)
	}
	version := doc.Get("version")
	if version.Type != gjson.Number {
		return Checkpoint{}, fmt.Errorf("%w: missing version", ErrCorrupt)
	}
	if version.Int() != Version {
		return Checkpoint{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version.Int())
	}

	cp := Checkpoint{
		Version:     Version,
		Worker:      int(doc.Get("worker").Int()),
		Fingerprint: doc.Get("fingerprint").String(),
		Published:   doc.Get("published").Uint(),
		Pool:        make(map[string]int),
	}
	var err error
	if cp.SimulatedTime, err = time.Parse(time.RFC3339Nano, doc.Get("simulated_time").String()); err != nil {
		return Checkpoint{}, fmt.Errorf("%w: simulated_time: %v", ErrCorrupt, err)
	}
	if cp.SamplerRNG, err = decodeBytes(doc, "sampler_rng"); err != nil {
		return Checkpoint{}, err
	}
	if cp.FactoryRNG, err = decodeBytes(doc, "factory_rng"); err != nil {
		return Checkpoint{}, err
	}
	var poolErr error
	doc.Get("pool").ForEach(func(key, value gjson.Result) bool {
		if value.Type != gjson.Number || value.Int() < 0 {
			poolErr = fmt.Errorf("%w: pool size for %s", ErrCorrupt, key.String())
			return false
		}
		cp.Pool[key.String()] = int(value.Int())
		return true
	})
	if poolErr != nil {
		return Checkpoint{}, poolErr
	}
	if saved := doc.Get("saved_at"); saved.Exists() {
		cp.SavedAt, _ = time.Parse(time.RFC3339Nano, saved.String())
	}
	return cp, nil
}

func decodeBytes(doc gjson.Result, key string) ([]byte, error) {
	field := doc.Get(key)
	if field.Type != gjson.String {
		return nil, fmt.Errorf("%w: missing %s", ErrCorrupt, key)
	}
	b, err := base64.StdEncoding.DecodeString(field.String())
	if err != nil || len(b) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, key)
	}
	return b, nil
}

// LoadOrFresh loads the checkpoint of worker from s. Missing, corrupt or
// incompatible checkpoints, or one written by another worker or under
// another profile fingerprint, are reported with ok false so the caller
// starts fresh; only storage errors are returned.
func LoadOrFresh(ctx context.Context, s Store, worker int, fingerprint string, logger *zap.Logger) (cp Checkpoint, ok bool, err error) {
	cp, ok, err = s.Load(ctx)
	switch {
	case errors.Is(err, ErrCorrupt), errors.Is(err, ErrUnsupportedVersion):
		logger.Warn("ignoring unusable checkpoint, starting fresh", zap.Error(err))
		return Checkpoint{}, false, nil
	case err != nil:
		return Checkpoint{}, false, err
	case !ok:
		logger.Info("no checkpoint found, starting fresh")
		return Checkpoint{}, false, nil
	case cp.Worker != worker:
		logger.Warn("ignoring checkpoint of another worker, starting fresh",
			zap.Int("checkpoint_worker", cp.Worker))
		return Checkpoint{}, false, nil
	case cp.Fingerprint != fingerprint:
		logger.Warn("ignoring checkpoint of a different profile, starting fresh",
			zap.String("checkpoint_fingerprint", cp.Fingerprint),
			zap.String("fingerprint", fingerprint))
		return Checkpoint{}, false, nil
	}
	return cp, true, nil
}
