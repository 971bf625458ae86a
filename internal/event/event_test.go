// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/elastic/trafficsim/internal/sampler"
	"github.com/elastic/trafficsim/internal/userpool"
)

var generatedAt = time.Date(2025, 10, 19, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	return Config{
		EventTypes: map[Type]float64{
			AppOpen: 0.4, Search: 0.3, AppInstall: 0.15, ReviewSubmit: 0.05,
			InAppPurchase: 0.05, AppClose: 0.04, AppUninstall: 0.01,
		},
		DeviceTypes: map[string]float64{"phone": 0.8, "tablet": 0.15, "desktop": 0.05},
		Pool:        userpool.Config{Cap: 100},
		Seed:        5,
		Now:         func() time.Time { return generatedAt },
	}
}

func arrival(i int) sampler.Arrival {
	return sampler.Arrival{
		Code: "IND",
		Time: time.Date(2025, 10, 19, 6, 14, 1, 420750000, time.UTC).Add(time.Duration(i) * time.Second),
	}
}

func TestBuildProducesValidEvents(t *testing.T) {
	f, err := NewFactory(testConfig())
	require.NoError(t, err)
	v, err := NewValidator()
	require.NoError(t, err)

	for i := 0; i < 500; i++ {
		e, err := f.Build(arrival(i))
		require.NoError(t, err)

		doc := e.Encode()
		require.NoError(t, v.Validate(doc), string(doc))

		_, err = uuid.Parse(e.ID)
		require.NoError(t, err)
		r := gjson.ParseBytes(doc)
		assert.Equal(t, "IND", r.Get("country_code").Str)
		assert.Equal(t, arrival(i).Time.Format(time.RFC3339Nano), r.Get("event_timestamp").Str)
		assert.Equal(t, generatedAt.UnixMicro(), r.Get("generation_timestamp").Int())

		switch e.Type {
		case Search:
			assert.NotEmpty(t, r.Get("payload.search_query").Str)
		case ReviewSubmit:
			assert.True(t, r.Get("payload.rating").Int() >= 1 && r.Get("payload.rating").Int() <= 5)
		case InAppPurchase:
			assert.True(t, r.Get("payload.price_usd").Float() >= 0.99)
			assert.Contains(t, r.Get("payload.item_id").Str, "iap_")
		default:
			assert.Equal(t, "{}", r.Get("payload").Raw)
		}
	}
}

func TestBuildIsDeterministic(t *testing.T) {
	a, err := NewFactory(testConfig())
	require.NoError(t, err)
	b, err := NewFactory(testConfig())
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		ea, err := a.Build(arrival(i))
		require.NoError(t, err)
		eb, err := b.Build(arrival(i))
		require.NoError(t, err)
		assert.Equal(t, ea.Encode(), eb.Encode())
	}
}

func TestRestoreFactoryContinues(t *testing.T) {
	f, err := NewFactory(testConfig())
	require.NoError(t, err)
	for i := 0; i < 300; i++ {
		_, err := f.Build(arrival(i))
		require.NoError(t, err)
	}
	st, err := f.Snapshot()
	require.NoError(t, err)

	g, err := RestoreFactory(testConfig(), st)
	require.NoError(t, err)
	for i := 300; i < 400; i++ {
		ef, err := f.Build(arrival(i))
		require.NoError(t, err)
		eg, err := g.Build(arrival(i))
		require.NoError(t, err)
		require.Equal(t, ef.Encode(), eg.Encode())
	}
}

func TestEventTypeDistribution(t *testing.T) {
	cfg := testConfig()
	cfg.EventTypes = map[Type]float64{Search: 3, InAppPurchase: 1}
	cfg.ByCountry = map[string]map[Type]float64{"USA": {AppUninstall: 1}}
	f, err := NewFactory(cfg)
	require.NoError(t, err)

	counts := map[Type]int{}
	for i := 0; i < 20000; i++ {
		e, err := f.Build(arrival(i))
		require.NoError(t, err)
		counts[e.Type]++
	}
	assert.Len(t, counts, 2)
	assert.InDelta(t, 0.75, float64(counts[Search])/20000, 0.02)

	e, err := f.Build(sampler.Arrival{Code: "USA", Time: generatedAt})
	require.NoError(t, err)
	assert.Equal(t, AppUninstall, e.Type)
}

func TestFactoryConfigErrors(t *testing.T) {
	cfg := testConfig()
	cfg.EventTypes = map[Type]float64{"teleport": 1}
	_, err := NewFactory(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.EventTypes = nil
	_, err = NewFactory(cfg)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg = testConfig()
	cfg.Pool.Cap = 0
	_, err = NewFactory(cfg)
	assert.ErrorIs(t, err, userpool.ErrInvalidConfig)
}

func TestValidatorRejectsSchemaViolations(t *testing.T) {
	v, err := NewValidator()
	require.NoError(t, err)

	valid := Event{
		ID:          "1b4e28ba-2fa1-41d2-883f-0016d3cca427",
		UserID:      "u-1",
		CountryCode: "IND",
		Type:        Search,
		Timestamp:   generatedAt,
	}
	require.NoError(t, v.Validate(valid.Encode()))

	tests := map[string]func(e *Event){
		"non uuid id":       func(e *Event) { e.ID = "42" },
		"unknown type":      func(e *Event) { e.Type = "teleport" },
		"empty user":        func(e *Event) { e.UserID = "" },
		"lowercase country": func(e *Event) { e.CountryCode = "ind" },
		"array payload":     func(e *Event) { e.Payload = []byte(`[1]`) },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			e := valid
			mutate(&e)
			assert.ErrorIs(t, v.Validate(e.Encode()), ErrInvalidEvent)
		})
	}
	assert.ErrorIs(t, v.Validate([]byte(`{"event_id":`)), ErrInvalidEvent)
}

func TestValidCountryCode(t *testing.T) {
	for _, code := range []string{"US", "IND", "GB"} {
		assert.True(t, ValidCountryCode(code), code)
	}
	for _, code := range []string{"", "uk", "U", "USAX", "U1"} {
		assert.False(t, ValidCountryCode(code), code)
	}
}
