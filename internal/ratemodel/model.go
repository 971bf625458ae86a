// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package ratemodel computes the time-varying arrival intensity of user
// interactions per country.
package ratemodel

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrInvalidModel is returned for any configuration that would make the
// intensity function ill-defined.
var ErrInvalidModel = errors.New("invalid rate model")

// Params holds the tunables shared by all countries of a Model.
type Params struct {
	// Normalization converts online population into events per second.
	Normalization float64
	// Diurnal is the activity curve applied to every country's local hour.
	Diurnal Diurnal
}

// Model is a pure function of country and time to arrival intensity, in
// events per second. Countries are addressed by their index in the slice
// passed to New.
//
// A Model is immutable and safe for concurrent use.
type Model struct {
	countries []Country
	index     map[string]int
	baseline  []float64
	diurnal   Diurnal
	dmax      float64
	totalMax  float64
}

// New validates countries and params and returns a Model.
func New(countries []Country, p Params) (*Model, error) {
	if len(countries) == 0 {
		return nil, fmt.Errorf("%w: no countries", ErrInvalidModel)
	}
	if p.Diurnal == nil {
		return nil, fmt.Errorf("%w: diurnal curve is required", ErrInvalidModel)
	}
	if err := p.Diurnal.Validate(); err != nil {
		return nil, err
	}
	if math.IsNaN(p.Normalization) || math.IsInf(p.Normalization, 0) || p.Normalization <= 0 {
		return nil, fmt.Errorf("%w: normalization must be > 0, got %v", ErrInvalidModel, p.Normalization)
	}

	m := &Model{
		countries: make([]Country, len(countries)),
		index:     make(map[string]int, len(countries)),
		baseline:  make([]float64, len(countries)),
		diurnal:   p.Diurnal,
		dmax:      p.Diurnal.Max(),
	}
	copy(m.countries, countries)
	for i, c := range m.countries {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, ok := m.index[c.Code]; ok {
			return nil, fmt.Errorf("%w: duplicate country %s", ErrInvalidModel, c.Code)
		}
		m.index[c.Code] = i
		m.baseline[i] = c.Online() * p.Normalization
		m.totalMax += m.baseline[i] * m.dmax
	}
	if !(m.totalMax > 0) || math.IsInf(m.totalMax, 0) {
		return nil, fmt.Errorf("%w: total max intensity must be finite and > 0, got %v", ErrInvalidModel, m.totalMax)
	}
	return m, nil
}

// Len returns the number of countries.
func (m *Model) Len() int { return len(m.countries) }

// Country returns the country at index i.
func (m *Model) Country(i int) Country { return m.countries[i] }

// Countries returns a copy of the country table.
func (m *Model) Countries() []Country {
	out := make([]Country, len(m.countries))
	copy(out, m.countries)
	return out
}

// Index returns the index of the country with the given code.
func (m *Model) Index(code string) (int, bool) {
	i, ok := m.index[code]
	return i, ok
}

// Diurnal returns the model's activity curve.
func (m *Model) Diurnal() Diurnal { return m.diurnal }

// Baseline returns the intensity of country i at its diurnal factor of 1.
func (m *Model) Baseline(i int) float64 { return m.baseline[i] }

// Intensity returns the arrival intensity of country i at time t.
func (m *Model) Intensity(i int, t time.Time) float64 {
	return m.baseline[i] * m.diurnal.Factor(LocalHour(t, m.countries[i].UTCOffset))
}

// MaxIntensity returns the supremum of Intensity(i, t) over a day.
func (m *Model) MaxIntensity(i int) float64 {
	return m.baseline[i] * m.dmax
}

// TotalMaxIntensity returns the sum of MaxIntensity across all countries.
func (m *Model) TotalMaxIntensity() float64 { return m.totalMax }

// MeanIntensity returns the day-averaged intensity summed across countries.
func (m *Model) MeanIntensity() float64 {
	var sum float64
	for _, b := range m.baseline {
		sum += b
	}
	return sum * m.diurnal.Mean()
}

// ExpectedArrivals integrates Intensity(i, t) over [from, to) with the
// trapezoidal rule using the given step.
func (m *Model) ExpectedArrivals(i int, from, to time.Time, step time.Duration) float64 {
	if !to.After(from) || step <= 0 {
		return 0
	}
	var sum float64
	prev := m.Intensity(i, from)
	for t := from; t.Before(to); {
		next := t.Add(step)
		if next.After(to) {
			next = to
		}
		cur := m.Intensity(i, next)
		sum += (prev + cur) / 2 * next.Sub(t).Seconds()
		prev = cur
		t = next
	}
	return sum
}
