// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package sampler

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
)

// ErrInvalidWeights is returned by NewDiscrete when the weights cannot form a
// probability distribution.
var ErrInvalidWeights = errors.New("invalid weights")

// Discrete is a categorical distribution over indices [0, n), backed by a
// cumulative weight table searched in O(log n).
type Discrete struct {
	cum   []float64
	total float64
}

// NewDiscrete returns a distribution proportional to weights. Weights must be
// finite and non-negative, and at least one must be positive.
func NewDiscrete(weights []float64) (Discrete, error) {
	var d Discrete
	if err := d.reset(weights); err != nil {
		return Discrete{}, err
	}
	return d, nil
}

func (d *Discrete) reset(weights []float64) error {
	if cap(d.cum) < len(weights) {
		d.cum = make([]float64, len(weights))
	}
	d.cum = d.cum[:len(weights)]
	d.total = 0
	for i, w := range weights {
		if math.IsNaN(w) || math.IsInf(w, 0) || w < 0 {
			return fmt.Errorf("%w: weight %d is %v", ErrInvalidWeights, i, w)
		}
		d.total += w
		d.cum[i] = d.total
	}
	if !(d.total > 0) {
		return fmt.Errorf("%w: weights sum to %v", ErrInvalidWeights, d.total)
	}
	return nil
}

// Len returns the number of categories.
func (d Discrete) Len() int { return len(d.cum) }

// Pick draws an index. Zero-weight indices are never returned.
func (d Discrete) Pick(r *rand.Rand) int {
	u := r.Float64() * d.total
	i := sort.Search(len(d.cum), func(i int) bool { return d.cum[i] > u })
	if i == len(d.cum) {
		// u can round up to total; fall back to the last positive weight.
		i = len(d.cum) - 1
		for i > 0 && d.cum[i] == d.cum[i-1] {
			i--
		}
	}
	return i
}

// Probability returns the probability of index i.
func (d Discrete) Probability(i int) float64 {
	prev := 0.0
	if i > 0 {
		prev = d.cum[i-1]
	}
	return (d.cum[i] - prev) / d.total
}
