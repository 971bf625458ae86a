// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package throttle paces how fast simulated arrivals are emitted in wall-clock
// time. Throttling never changes simulated timestamps.
package throttle

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"
)

// Rate is an emission rate expressed as "burst/duration", e.g. "100/5s" or
// "50/s". The zero Rate means unlimited.
type Rate struct {
	Burst    int
	Interval time.Duration
}

// Unlimited reports whether r imposes no pacing.
func (r Rate) Unlimited() bool {
	return r.Burst <= 0 || r.Interval <= 0
}

// PerSecond returns the steady-state events per second, or +Inf when unlimited.
func (r Rate) PerSecond() rate.Limit {
	if r.Unlimited() {
		return rate.Inf
	}
	return rate.Limit(float64(r.Burst) / r.Interval.Seconds())
}

// String implements fmt.Stringer and pflag.Value.
func (r Rate) String() string {
	if r.Unlimited() {
		return ""
	}
	return strconv.Itoa(r.Burst) + "/" + r.Interval.String()
}

// Set implements pflag.Value.
func (r *Rate) Set(s string) error {
	if s == "" || s == "unlimited" {
		*r = Rate{}
		return nil
	}
	parsed, err := ParseRate(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Type implements pflag.Value.
func (r *Rate) Type() string { return "rate" }

// UnmarshalYAML implements yaml.Unmarshaler.
func (r *Rate) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return r.Set(s)
}

// ParseRate parses a "burst/duration" string. A duration without a leading
// number is read as one unit, so "10/s" equals "10/1s".
func ParseRate(s string) (Rate, error) {
	before, after, ok := strings.Cut(s, "/")
	if !ok || before == "" || after == "" {
		return Rate{}, fmt.Errorf("invalid rate %q, expected format burst/duration", s)
	}
	burst, err := strconv.Atoi(before)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid burst %s in rate: %w", before, err)
	}
	if burst <= 0 {
		return Rate{}, fmt.Errorf("invalid burst %d, must be positive", burst)
	}
	if !(after[0] >= '0' && after[0] <= '9') {
		after = "1" + after
	}
	interval, err := time.ParseDuration(after)
	if err != nil {
		return Rate{}, fmt.Errorf("invalid interval %q in rate: %w", after, err)
	}
	if interval <= 0 {
		return Rate{}, fmt.Errorf("invalid interval %q, must be positive", after)
	}
	return Rate{Burst: burst, Interval: interval}, nil
}

// NewLimiter returns a token bucket admitting r.Burst events per r.Interval.
// An unlimited rate yields a limiter that never waits.
func NewLimiter(r Rate) *rate.Limiter {
	if r.Unlimited() {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(r.PerSecond(), r.Burst)
}
