// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package config

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elastic/trafficsim/internal/event"
	"github.com/elastic/trafficsim/internal/publisher"
	"github.com/elastic/trafficsim/internal/ratemodel"
	"github.com/elastic/trafficsim/internal/sampler"
	"github.com/elastic/trafficsim/internal/throttle"
)

const profilesYAML = `
profiles:
  minimal:
    rate:
      interactions_per_day: 57
      users_fraction: 0.001
  custom:
    mode: modulated
    start_time: 2025-06-01T00:00:00Z
    end_time: 2025-06-02T00:00:00Z
    seed: 7
    workers: 4
    countries:
      - {code: US, population: 1000000, penetration: 0.9, utc_offset: -5}
      - {code: IN, population: 2000000, penetration: 0.5, utc_offset: 5.5}
    rate:
      interactions_per_day: 86.4
      users_fraction: 0.5
      diurnal: table
      peak_hour: 20
      floor: 0.3
      slots: 24
    throttle: 100/5s
    pool:
      cap_per_country: 50
      caps: {IN: 10}
    event_types: {app_open: 1, search: 1}
    by_country:
      IN: {search: 1}
    batch:
      size: 10
      flush_interval: 250ms
      on_exhausted: drop
    bus:
      kind: http
      url: http://localhost:8080
      token: secret
    checkpoint:
      kind: bolt
      path: /tmp/trafficsim.db
    max_events: 1000
`

func TestProfileDefaults(t *testing.T) {
	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	assert.Equal(t, []string{"custom", "minimal"}, f.Names())

	p, err := f.Profile("minimal")
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, sampler.ModeThinning, p.Mode)
	assert.Equal(t, 1, p.Workers)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), p.StartTime)
	assert.NotEmpty(t, p.Countries)
	assert.Equal(t, DiurnalCosine, p.Rate.Diurnal)
	assert.Equal(t, publisher.DefaultConfig(), p.PublisherConfig())
	assert.Equal(t, BusStdout, p.Bus.Kind)
	assert.Equal(t, CheckpointFile, p.Checkpoint.Kind)
	assert.Equal(t, "checkpoints", p.Checkpoint.Dir)
	assert.True(t, p.Throttle.Unlimited())
	assert.InDelta(t, 0.001*57/86400.0, p.Normalization(), 1e-15)
}

func TestProfileCustom(t *testing.T) {
	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	p, err := f.Profile("custom")
	require.NoError(t, err)
	require.NoError(t, p.Validate())

	assert.Equal(t, sampler.ModeModulated, p.Mode)
	assert.Equal(t, throttle.Rate{Burst: 100, Interval: 5 * time.Second}, p.Throttle)
	assert.Equal(t, 250*time.Millisecond, p.Batch.FlushInterval)
	assert.Equal(t, publisher.PolicyDrop, p.Batch.OnExhausted)
	// 0.5 x 86.4 / 86400 / 4 workers
	assert.InDelta(t, 0.000125, p.Normalization(), 1e-15)

	d, err := p.DiurnalCurve()
	require.NoError(t, err)
	table, ok := d.(ratemodel.Table)
	require.True(t, ok)
	assert.Len(t, table, 24)

	m, err := p.Model()
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	sc := p.SamplerConfig(m, 3)
	assert.Equal(t, uint64(10), sc.Seed)
	fc := p.FactoryConfig(3)
	assert.Equal(t, 3, fc.Pool.Worker)
	assert.Equal(t, 10, fc.Pool.Caps["IN"])
	assert.Equal(t, map[event.Type]float64{event.Search: 1}, fc.ByCountry["IN"])
}

func TestProfileValidate(t *testing.T) {
	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	p, err := f.Profile("custom")
	require.NoError(t, err)

	p.Workers = 0
	p.EventTypes = map[event.Type]float64{"app_crash": 1}
	p.ByCountry = map[string]map[event.Type]float64{"FR": {event.Search: 1}}
	p.Bus = Bus{Kind: BusKafka}
	p.Checkpoint = Checkpoint{Kind: "s3"}
	p.Batch.Size = 0
	p.EndTime = p.StartTime

	err = p.Validate()
	require.ErrorIs(t, err, ErrInvalidConfig)
	for _, want := range []string{
		"workers must be >= 1",
		`unknown event type "app_crash"`,
		"unknown country FR",
		"brokers and bus.topic",
		`unknown checkpoint kind "s3"`,
		"batch size",
		"end_time",
	} {
		assert.ErrorContains(t, err, want)
	}
}

func TestProfileInvalidModel(t *testing.T) {
	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	p, err := f.Profile("minimal")
	require.NoError(t, err)

	p.Rate.PeakHour = 25
	err = p.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, ratemodel.ErrInvalidModel)
}

func TestProfileCountryCodes(t *testing.T) {
	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	p, err := f.Profile("custom")
	require.NoError(t, err)

	p.Countries = append(p.Countries, ratemodel.Country{Code: "uk", Population: 1000, Penetration: 1})
	err = p.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorContains(t, err, `invalid code "uk"`)
}

func TestProfileRateOutOfRange(t *testing.T) {
	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	p, err := f.Profile("custom")
	require.NoError(t, err)

	p.Rate.UsersFraction = 1e-12
	err = p.Validate()
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.ErrorIs(t, err, sampler.ErrInvalidConfig)
}

func TestProfileFingerprint(t *testing.T) {
	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	base, err := f.Profile("custom")
	require.NoError(t, err)
	fp := base.Fingerprint()
	assert.NotEmpty(t, fp)

	same, err := f.Profile("custom")
	require.NoError(t, err)
	same.Batch.Size = 99
	same.Bus = Bus{Kind: BusStdout}
	same.MaxEvents = 5
	same.EndTime = same.EndTime.Add(time.Hour)
	same.Throttle = throttle.Rate{Burst: 1, Interval: time.Second}
	assert.Equal(t, fp, same.Fingerprint())

	for name, change := range map[string]func(p *Profile){
		"workers":   func(p *Profile) { p.Workers = 8 },
		"seed":      func(p *Profile) { p.Seed++ },
		"rate":      func(p *Profile) { p.Rate.InteractionsPerDay = 57 },
		"countries": func(p *Profile) { p.Countries = p.Countries[:1] },
		"device":    func(p *Profile) { p.DeviceTypes = map[string]float64{"phone": 1} },
		"by_country": func(p *Profile) {
			p.ByCountry = map[string]map[event.Type]float64{"IN": {event.AppOpen: 1}}
		},
	} {
		t.Run(name, func(t *testing.T) {
			p, err := f.Profile("custom")
			require.NoError(t, err)
			change(&p)
			assert.NotEqual(t, fp, p.Fingerprint())
		})
	}
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("profiles: {}\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = Parse([]byte("profiles: [\n"))
	assert.ErrorIs(t, err, ErrInvalidConfig)

	f, err := Parse([]byte(profilesYAML))
	require.NoError(t, err)
	_, err = f.Profile("missing")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestDefaultCountries(t *testing.T) {
	countries, err := DefaultCountries()
	require.NoError(t, err)
	seen := make(map[string]bool)
	for _, c := range countries {
		require.NoError(t, c.Validate(), c.Code)
		assert.False(t, seen[c.Code], "duplicate %s", c.Code)
		seen[c.Code] = true
	}
}

func TestExampleProfiles(t *testing.T) {
	_, file, _, _ := runtime.Caller(0)
	f, err := Load(filepath.Join(filepath.Dir(file), "..", "..", "profiles.yml"))
	require.NoError(t, err)
	for _, name := range f.Names() {
		p, err := f.Profile(name)
		require.NoError(t, err)
		assert.NoError(t, p.Validate(), name)
	}
}
