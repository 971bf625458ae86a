// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package event

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/sjson"

	"github.com/elastic/trafficsim/internal/sampler"
	"github.com/elastic/trafficsim/internal/userpool"
)

// ErrInvalidConfig is returned for unusable factory configuration.
var ErrInvalidConfig = errors.New("invalid event factory config")

// Config holds configuration for a Factory.
type Config struct {
	// EventTypes is the categorical distribution of event types.
	EventTypes map[Type]float64
	// ByCountry overrides EventTypes for individual countries.
	ByCountry map[string]map[Type]float64
	// DeviceTypes is the categorical distribution of device types. Optional.
	DeviceTypes map[string]float64

	Pool userpool.Config

	// Seed seeds the factory's RNG stream, which is independent of the
	// sampler's.
	Seed uint64

	// Now returns the wall-clock generation time. Defaults to time.Now.
	Now func() time.Time
}

// State is the serializable progress of a Factory.
type State struct {
	RNG  []byte
	Pool map[string]int
}

// Factory turns arrivals into events. It owns the worker's user pool; the
// pool draws from the factory's RNG so State captures both.
//
// A Factory is not safe for concurrent use.
type Factory struct {
	src       *rand.PCG
	rng       *rand.Rand
	pool      *userpool.Pool
	types     categorical[Type]
	byCountry map[string]categorical[Type]
	devices   categorical[string]
	now       func() time.Time
}

// NewFactory returns a fresh factory.
func NewFactory(cfg Config) (*Factory, error) {
	return newFactory(cfg, rand.NewPCG(cfg.Seed, ^cfg.Seed))
}

// RestoreFactory returns a factory continuing from st.
func RestoreFactory(cfg Config, st State) (*Factory, error) {
	src := &rand.PCG{}
	if err := src.UnmarshalBinary(st.RNG); err != nil {
		return nil, fmt.Errorf("restore rng state: %w", err)
	}
	f, err := newFactory(cfg, src)
	if err != nil {
		return nil, err
	}
	if err := f.pool.Restore(st.Pool); err != nil {
		return nil, err
	}
	return f, nil
}

func newFactory(cfg Config, src *rand.PCG) (*Factory, error) {
	f := &Factory{
		src:       src,
		rng:       rand.New(src),
		byCountry: make(map[string]categorical[Type], len(cfg.ByCountry)),
		now:       cfg.Now,
	}
	if f.now == nil {
		f.now = time.Now
	}
	var err error
	if f.types, err = newEventTypes(cfg.EventTypes); err != nil {
		return nil, err
	}
	for code, weights := range cfg.ByCountry {
		c, err := newEventTypes(weights)
		if err != nil {
			return nil, fmt.Errorf("country %s: %w", code, err)
		}
		f.byCountry[code] = c
	}
	if len(cfg.DeviceTypes) > 0 {
		if f.devices, err = newCategorical(cfg.DeviceTypes); err != nil {
			return nil, fmt.Errorf("%w: device types: %w", ErrInvalidConfig, err)
		}
	}
	if f.pool, err = userpool.New(cfg.Pool, f.rng); err != nil {
		return nil, err
	}
	return f, nil
}

func newEventTypes(weights map[Type]float64) (categorical[Type], error) {
	for t := range weights {
		if !t.Valid() {
			return categorical[Type]{}, fmt.Errorf("%w: unknown event type %q", ErrInvalidConfig, t)
		}
	}
	c, err := newCategorical(weights)
	if err != nil {
		return categorical[Type]{}, fmt.Errorf("%w: event types: %w", ErrInvalidConfig, err)
	}
	return c, nil
}

// Pool returns the factory's user pool.
func (f *Factory) Pool() *userpool.Pool { return f.pool }

// Snapshot returns the state needed to restore this factory.
func (f *Factory) Snapshot() (State, error) {
	b, err := f.src.MarshalBinary()
	if err != nil {
		return State{}, err
	}
	return State{RNG: b, Pool: f.pool.Sizes()}, nil
}

// Build converts an arrival into an event. A failure to obtain a user is a
// configuration error and must not be retried.
func (f *Factory) Build(a sampler.Arrival) (Event, error) {
	user, err := f.pool.GetOrCreate(a.Code)
	if err != nil {
		return Event{}, err
	}
	types := f.types
	if c, ok := f.byCountry[a.Code]; ok {
		types = c
	}
	e := Event{
		ID:          f.uuid(),
		UserID:      user,
		CountryCode: a.Code,
		Type:        types.pick(f.rng),
		Timestamp:   a.Time.UTC(),
		SessionID:   f.uuid(),
		AppID:       "app_" + strconv.Itoa(1000+f.rng.IntN(9000)),
		OSVersion:   f.osVersion(),
		GeneratedAt: f.now(),
	}
	if f.devices.len() > 0 {
		e.DeviceType = f.devices.pick(f.rng)
	}
	if e.Payload, err = f.payload(e.Type); err != nil {
		return Event{}, err
	}
	return e, nil
}

func (f *Factory) payload(t Type) ([]byte, error) {
	doc := []byte(`{}`)
	var err error
	switch t {
	case Search:
		doc, err = sjson.SetBytes(doc, "search_query", f.searchQuery())
	case ReviewSubmit:
		doc, err = sjson.SetBytes(doc, "rating", 1+f.rng.IntN(5))
	case InAppPurchase:
		if doc, err = sjson.SetBytes(doc, "item_id", "iap_"+strconv.Itoa(100+f.rng.IntN(900))); err != nil {
			break
		}
		price := math.Round((0.99+f.rng.Float64()*99)*100) / 100
		doc, err = sjson.SetBytes(doc, "price_usd", price)
	}
	if err != nil {
		return nil, fmt.Errorf("build %s payload: %w", t, err)
	}
	return doc, nil
}

var (
	queryVerbs = []string{"optimize", "share", "stream", "track", "edit", "learn", "plan", "scan", "sync", "play"}
	queryAdjs  = []string{"free", "offline", "social", "smart", "family", "secure", "retro", "fast", "daily", "local"}
	queryNouns = []string{"photos", "budget", "music", "recipes", "workouts", "maps", "notes", "puzzles", "news", "language"}
)

func (f *Factory) searchQuery() string {
	return queryVerbs[f.rng.IntN(len(queryVerbs))] + " " +
		queryAdjs[f.rng.IntN(len(queryAdjs))] + " " +
		queryNouns[f.rng.IntN(len(queryNouns))]
}

func (f *Factory) osVersion() string {
	os := "iOS"
	if f.rng.IntN(2) == 1 {
		os = "Android"
	}
	return os + " " + strconv.Itoa(12+f.rng.IntN(4)) + "." + strconv.Itoa(f.rng.IntN(6))
}

// uuid draws a version 4 UUID from the factory's stream so ids are
// reproducible from a checkpoint.
func (f *Factory) uuid() string {
	id, err := uuid.NewRandomFromReader(rngReader{f.rng})
	if err != nil {
		// rngReader never fails.
		panic(err)
	}
	return id.String()
}

type rngReader struct{ r *rand.Rand }

func (rr rngReader) Read(p []byte) (int, error) {
	for i := 0; i < len(p); i += 8 {
		v := rr.r.Uint64()
		for j := 0; j < 8 && i+j < len(p); j++ {
			p[i+j] = byte(v >> (8 * j))
		}
	}
	return len(p), nil
}

// categorical is a named discrete distribution with a stable category
// order, independent of map iteration.
type categorical[T ~string] struct {
	names []T
	dist  sampler.Discrete
}

func newCategorical[T ~string](weights map[T]float64) (categorical[T], error) {
	names := make([]T, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	w := make([]float64, len(names))
	for i, name := range names {
		w[i] = weights[name]
	}
	d, err := sampler.NewDiscrete(w)
	if err != nil {
		return categorical[T]{}, err
	}
	return categorical[T]{names: names, dist: d}, nil
}

func (c categorical[T]) len() int { return len(c.names) }

func (c categorical[T]) pick(r *rand.Rand) T { return c.names[c.dist.Pick(r)] }
