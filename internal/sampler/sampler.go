// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package sampler simulates a non-homogeneous Poisson arrival process over a
// ratemodel.Model with Lewis-Shedler thinning.
package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/elastic/trafficsim/internal/ratemodel"
)

var (
	// ErrBoundViolated is returned when an observed intensity exceeds the
	// thinning bound. Continuing would silently under-count peak periods.
	ErrBoundViolated = errors.New("intensity exceeds thinning bound")

	// ErrStalled is returned after MaxRejections consecutive rejections.
	ErrStalled = errors.New("sampler stalled")

	// ErrInvalidConfig is returned for unusable sampler configuration.
	ErrInvalidConfig = errors.New("invalid sampler config")
)

// boundTolerance absorbs floating point noise in the bound check.
const boundTolerance = 1e-9

// Candidate rate limits, in events per second. Below MinRate a gap can
// overflow time.Duration; above MaxRate gaps fall under the nanosecond
// resolution of the simulated clock.
const (
	MinRate = 1e-6
	MaxRate = 1e7
)

// Mode selects how arrivals are generated.
type Mode string

const (
	// ModeThinning is the canonical non-homogeneous process: the total rate
	// follows the sum of country intensities.
	ModeThinning Mode = "thinning"

	// ModeModulated keeps the total rate fixed at the day-averaged intensity
	// and only shifts the country mix with time. Nothing is rejected.
	ModeModulated Mode = "modulated"
)

// Arrival is an accepted point of the process.
type Arrival struct {
	// Country is the index of the country in the model.
	Country int
	Code    string
	Time    time.Time
}

// Stats counts candidates drawn by a Sampler.
type Stats struct {
	Candidates uint64
	Accepted   uint64
	Rejected   uint64
}

// Config holds configuration for a Sampler.
type Config struct {
	Model *ratemodel.Model

	// Mode defaults to ModeThinning.
	Mode Mode

	// Start is the initial simulated time of a fresh sampler.
	Start time.Time

	// Seed seeds the RNG stream of a fresh sampler.
	Seed uint64

	// Bucket is the simulated interval for which country weights are cached
	// in ModeModulated. Defaults to one minute.
	Bucket time.Duration

	// MaxRejections bounds consecutive rejections before Next returns
	// ErrStalled. Zero disables the guard.
	MaxRejections int
}

// State is the serializable progress of a Sampler.
type State struct {
	Time time.Time
	RNG  []byte
}

// Sampler produces a lazy, infinite sequence of Arrivals. Consumers stop by
// no longer calling Next; there is nothing to clean up.
//
// A Sampler owns its simulated clock and RNG and is not safe for concurrent
// use.
type Sampler struct {
	model  *ratemodel.Model
	mode   Mode
	now    time.Time
	src    *rand.PCG
	rng    *rand.Rand
	lambda float64

	dist       Discrete
	weights    []float64
	bucketSize time.Duration
	bucket     int64
	hasBucket  bool

	maxRejections int
	stats         Stats
}

// New returns a fresh sampler starting at cfg.Start.
func New(cfg Config) (*Sampler, error) {
	seed := cfg.Seed
	return newSampler(cfg, cfg.Start, rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Restore returns a sampler that continues exactly where the sampler that
// produced st left off.
func Restore(cfg Config, st State) (*Sampler, error) {
	src := &rand.PCG{}
	if err := src.UnmarshalBinary(st.RNG); err != nil {
		return nil, fmt.Errorf("restore rng state: %w", err)
	}
	return newSampler(cfg, st.Time, src)
}

func newSampler(cfg Config, start time.Time, src *rand.PCG) (*Sampler, error) {
	if cfg.Model == nil {
		return nil, fmt.Errorf("%w: model is required", ErrInvalidConfig)
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeThinning
	}
	if cfg.Bucket <= 0 {
		cfg.Bucket = time.Minute
	}
	if cfg.MaxRejections < 0 {
		return nil, fmt.Errorf("%w: max rejections must be >= 0", ErrInvalidConfig)
	}
	s := &Sampler{
		model:         cfg.Model,
		mode:          cfg.Mode,
		now:           start,
		src:           src,
		rng:           rand.New(src),
		weights:       make([]float64, cfg.Model.Len()),
		bucketSize:    cfg.Bucket,
		maxRejections: cfg.MaxRejections,
	}
	switch cfg.Mode {
	case ModeThinning:
		s.lambda = cfg.Model.TotalMaxIntensity()
		for i := range s.weights {
			s.weights[i] = cfg.Model.MaxIntensity(i)
		}
		if err := s.dist.reset(s.weights); err != nil {
			return nil, err
		}
	case ModeModulated:
		s.lambda = cfg.Model.MeanIntensity()
	default:
		return nil, fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, cfg.Mode)
	}
	if !(s.lambda >= MinRate && s.lambda <= MaxRate) {
		return nil, fmt.Errorf("%w: total rate must be in [%g, %g] events/s, got %v",
			ErrInvalidConfig, MinRate, MaxRate, s.lambda)
	}
	return s, nil
}

// Time returns the current simulated time.
func (s *Sampler) Time() time.Time { return s.now }

// Rate returns the rate at which candidates are drawn.
func (s *Sampler) Rate() float64 { return s.lambda }

// Mode returns the sampler mode.
func (s *Sampler) Mode() Mode { return s.mode }

// Stats returns the candidate counters accumulated by this instance.
func (s *Sampler) Stats() Stats { return s.stats }

// Snapshot returns the state needed to Restore this sampler.
func (s *Sampler) Snapshot() (State, error) {
	b, err := s.src.MarshalBinary()
	if err != nil {
		return State{}, err
	}
	return State{Time: s.now, RNG: b}, nil
}

// Next advances the simulated clock until a candidate is accepted and
// returns it.
func (s *Sampler) Next() (Arrival, error) {
	var rejected int
	for {
		s.advance()
		c, err := s.candidate()
		if err != nil {
			return Arrival{}, err
		}
		s.stats.Candidates++

		ok, err := s.accept(c, s.now)
		if err != nil {
			return Arrival{}, err
		}
		if ok {
			s.stats.Accepted++
			return Arrival{Country: c, Code: s.model.Country(c).Code, Time: s.now}, nil
		}
		s.stats.Rejected++
		rejected++
		if s.maxRejections > 0 && rejected >= s.maxRejections {
			return Arrival{}, fmt.Errorf("%w: %d consecutive rejections at %s", ErrStalled, rejected, s.now.Format(time.RFC3339Nano))
		}
	}
}

// advance draws an exponential gap at the candidate rate. Rejection never
// rolls the clock back.
func (s *Sampler) advance() {
	gap := s.rng.ExpFloat64() / s.lambda
	s.now = s.now.Add(time.Duration(math.Round(gap * float64(time.Second))))
}

func (s *Sampler) candidate() (int, error) {
	if s.mode == ModeModulated {
		if err := s.refreshWeights(); err != nil {
			return 0, err
		}
	}
	return s.dist.Pick(s.rng), nil
}

// refreshWeights rebuilds the country distribution from current intensities
// when the simulated clock enters a new bucket.
func (s *Sampler) refreshWeights() error {
	b := s.now.UnixNano() / int64(s.bucketSize)
	if s.hasBucket && b == s.bucket {
		return nil
	}
	at := time.Unix(0, b*int64(s.bucketSize))
	for i := range s.weights {
		s.weights[i] = s.model.Intensity(i, at)
	}
	if err := s.dist.reset(s.weights); err != nil {
		return err
	}
	s.bucket, s.hasBucket = b, true
	return nil
}

// accept performs the thinning step for country c at time t.
func (s *Sampler) accept(c int, t time.Time) (bool, error) {
	if s.mode == ModeModulated {
		return true, nil
	}
	max := s.model.MaxIntensity(c)
	ratio := s.model.Intensity(c, t) / max
	if ratio > 1+boundTolerance {
		return false, fmt.Errorf("%w: country %s at %s: ratio %v",
			ErrBoundViolated, s.model.Country(c).Code, t.Format(time.RFC3339Nano), ratio)
	}
	return s.rng.Float64() < ratio, nil
}
