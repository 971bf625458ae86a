// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package userpool holds the bounded per-country sets of synthetic users of a
// single worker.
package userpool

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"

	"github.com/google/uuid"
)

var (
	// ErrInvalidConfig is returned when a pool cap is not positive.
	ErrInvalidConfig = errors.New("invalid user pool config")

	// ErrNoUser is returned when a country cannot hold any user.
	ErrNoUser = errors.New("no user available")
)

// Config holds configuration for a Pool.
type Config struct {
	// Cap is the maximum number of users per country.
	Cap int
	// Caps overrides Cap for individual countries.
	Caps map[string]int
	// Worker partitions the user id namespace.
	Worker int
}

// Pool lazily grows a set of users per country up to a cap, and never
// evicts. Identifiers are UUIDv5 values derived from the worker namespace,
// the country and an ordinal, so a pool is fully described by its sizes.
//
// A Pool is not safe for concurrent use.
type Pool struct {
	cfg   Config
	ns    uuid.UUID
	rng   *rand.Rand
	users map[string][]string
}

// Namespace returns the id namespace of a worker. Namespaces of different
// workers are disjoint.
func Namespace(worker int) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("trafficsim/worker/"+strconv.Itoa(worker)))
}

// New returns an empty pool drawing reuse decisions from rng.
func New(cfg Config, rng *rand.Rand) (*Pool, error) {
	if cfg.Cap <= 0 {
		return nil, fmt.Errorf("%w: cap must be > 0, got %d", ErrInvalidConfig, cfg.Cap)
	}
	for code, c := range cfg.Caps {
		if c <= 0 {
			return nil, fmt.Errorf("%w: cap for %s must be > 0, got %d", ErrInvalidConfig, code, c)
		}
	}
	if rng == nil {
		return nil, fmt.Errorf("%w: rng is required", ErrInvalidConfig)
	}
	return &Pool{
		cfg:   cfg,
		ns:    Namespace(cfg.Worker),
		rng:   rng,
		users: make(map[string][]string),
	}, nil
}

// Cap returns the cap for country.
func (p *Pool) Cap(country string) int {
	if c, ok := p.cfg.Caps[country]; ok {
		return c
	}
	return p.cfg.Cap
}

// Len returns the number of users created for country.
func (p *Pool) Len(country string) int { return len(p.users[country]) }

// GetOrCreate returns a user of country. An empty pool always creates. Below
// the cap a new user is created with probability 1-len/cap, so reuse grows
// more likely as the pool fills; at the cap users are reused uniformly.
func (p *Pool) GetOrCreate(country string) (string, error) {
	limit := p.Cap(country)
	if limit <= 0 {
		return "", fmt.Errorf("%w: country %s", ErrNoUser, country)
	}
	users := p.users[country]
	n := len(users)
	if n == 0 || (n < limit && p.rng.Float64() >= float64(n)/float64(limit)) {
		id := p.userID(country, n)
		p.users[country] = append(users, id)
		return id, nil
	}
	return users[p.rng.IntN(n)], nil
}

// Sizes returns the number of users per country.
func (p *Pool) Sizes() map[string]int {
	out := make(map[string]int, len(p.users))
	for code, users := range p.users {
		out[code] = len(users)
	}
	return out
}

// Restore rebuilds the pool from sizes previously returned by Sizes.
func (p *Pool) Restore(sizes map[string]int) error {
	users := make(map[string][]string, len(sizes))
	for code, n := range sizes {
		if n < 0 || n > p.Cap(code) {
			return fmt.Errorf("%w: size %d for %s exceeds cap %d", ErrInvalidConfig, n, code, p.Cap(code))
		}
		ids := make([]string, n)
		for i := range ids {
			ids[i] = p.userID(code, i)
		}
		users[code] = ids
	}
	p.users = users
	return nil
}

func (p *Pool) userID(country string, ordinal int) string {
	return uuid.NewSHA1(p.ns, []byte(country+"/"+strconv.Itoa(ordinal))).String()
}
