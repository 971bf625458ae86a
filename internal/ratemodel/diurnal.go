// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ratemodel

import (
	"fmt"
	"math"
	"time"
)

const hoursPerDay = 24

// Diurnal is a periodic activity multiplier indexed by local hour in [0,24).
//
// Max must return the exact supremum of Factor over a full day, and Mean its
// average over a full day. Both are derived analytically by implementations.
type Diurnal interface {
	Factor(hour float64) float64
	Max() float64
	Mean() float64
	Validate() error
}

// Cosine is a smooth diurnal curve with a single daily peak at PeakHour and a
// trough of Floor twelve hours later.
type Cosine struct {
	PeakHour float64
	Floor    float64
}

// Factor implements Diurnal.
func (c Cosine) Factor(hour float64) float64 {
	return c.Floor + (1-c.Floor)*0.5*(1+math.Cos((hour-c.PeakHour)*2*math.Pi/hoursPerDay))
}

// Max implements Diurnal. The cosine term spans [0,1], so the curve spans
// [min(1,Floor), max(1,Floor)].
func (c Cosine) Max() float64 {
	return math.Max(1, c.Floor)
}

// Mean implements Diurnal.
func (c Cosine) Mean() float64 {
	return c.Floor + (1-c.Floor)*0.5
}

// Validate implements Diurnal.
func (c Cosine) Validate() error {
	if math.IsNaN(c.Floor) || c.Floor <= 0 || c.Floor > 1 {
		return fmt.Errorf("%w: diurnal floor must be in (0,1], got %v", ErrInvalidModel, c.Floor)
	}
	if math.IsNaN(c.PeakHour) || c.PeakHour < 0 || c.PeakHour >= hoursPerDay {
		return fmt.Errorf("%w: diurnal peak hour must be in [0,24), got %v", ErrInvalidModel, c.PeakHour)
	}
	return nil
}

// Table is a piecewise-constant diurnal curve: the day is split into
// len(Table) equal slots.
type Table []float64

// SampleTable discretizes d into slots equal slots, sampling at the start of
// each slot.
func SampleTable(d Diurnal, slots int) Table {
	t := make(Table, slots)
	for i := range t {
		t[i] = d.Factor(float64(i) * hoursPerDay / float64(slots))
	}
	return t
}

// Factor implements Diurnal.
func (t Table) Factor(hour float64) float64 {
	i := int(wrapHour(hour) * float64(len(t)) / hoursPerDay)
	if i >= len(t) {
		i = len(t) - 1
	}
	return t[i]
}

// Max implements Diurnal.
func (t Table) Max() float64 {
	var m float64
	for _, v := range t {
		m = math.Max(m, v)
	}
	return m
}

// Mean implements Diurnal.
func (t Table) Mean() float64 {
	var sum float64
	for _, v := range t {
		sum += v
	}
	return sum / float64(len(t))
}

// Validate implements Diurnal.
func (t Table) Validate() error {
	if len(t) == 0 {
		return fmt.Errorf("%w: diurnal table is empty", ErrInvalidModel)
	}
	for i, v := range t {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: diurnal table slot %d must be > 0, got %v", ErrInvalidModel, i, v)
		}
	}
	return nil
}

// LocalHour returns the local hour of day in [0,24) of t in a zone offset
// from UTC by offset hours. Only t's UTC time of day is used, so simulated
// timestamps are modulated independently of the wall clock.
func LocalHour(t time.Time, offset float64) float64 {
	u := t.UTC()
	secs := float64(u.Hour()*3600+u.Minute()*60+u.Second()) + float64(u.Nanosecond())/1e9
	return wrapHour(secs/3600 + offset)
}

func wrapHour(h float64) float64 {
	h = math.Mod(h, hoursPerDay)
	if h < 0 {
		h += hoursPerDay
	}
	return h
}
