// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package ratemodel

import (
	"fmt"
	"math"
)

// Country is immutable reference data describing the online population of a
// single country.
type Country struct {
	Code        string  `yaml:"code"`
	Population  float64 `yaml:"population"`
	Penetration float64 `yaml:"penetration"`
	// UTCOffset is the offset from UTC in hours. Fractional offsets such as
	// +5.5 are allowed.
	UTCOffset float64 `yaml:"utc_offset"`
}

// Online returns the number of people in the country that are online.
func (c Country) Online() float64 {
	return c.Population * c.Penetration
}

// Validate returns an error if the country violates its invariants.
func (c Country) Validate() error {
	switch {
	case c.Code == "":
		return fmt.Errorf("%w: country code is required", ErrInvalidModel)
	case math.IsNaN(c.Population) || c.Population < 0:
		return fmt.Errorf("%w: country %s: population must be >= 0, got %v", ErrInvalidModel, c.Code, c.Population)
	case math.IsNaN(c.Penetration) || c.Penetration < 0 || c.Penetration > 1:
		return fmt.Errorf("%w: country %s: penetration must be in [0,1], got %v", ErrInvalidModel, c.Code, c.Penetration)
	case c.UTCOffset < -12 || c.UTCOffset > 14:
		return fmt.Errorf("%w: country %s: utc_offset %v out of range", ErrInvalidModel, c.Code, c.UTCOffset)
	}
	return nil
}
