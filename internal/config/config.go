// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package config loads traffic profiles from YAML.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.elastic.co/fastjson"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/elastic/trafficsim/internal/event"
	"github.com/elastic/trafficsim/internal/publisher"
	"github.com/elastic/trafficsim/internal/ratemodel"
	"github.com/elastic/trafficsim/internal/sampler"
	"github.com/elastic/trafficsim/internal/throttle"
	"github.com/elastic/trafficsim/internal/userpool"
)

// ErrInvalidConfig is returned for profiles that cannot be run.
var ErrInvalidConfig = errors.New("invalid config")

// Bus kinds.
const (
	BusHTTP   = "http"
	BusKafka  = "kafka"
	BusRedis  = "redis"
	BusStdout = "stdout"
	BusFile   = "file"
)

// Checkpoint kinds.
const (
	CheckpointNone  = "none"
	CheckpointFile  = "file"
	CheckpointBolt  = "bolt"
	CheckpointRedis = "redis"
)

// Diurnal curve kinds.
const (
	DiurnalCosine = "cosine"
	DiurnalTable  = "table"
)

const secondsPerDay = 24 * 60 * 60

//go:embed countries.yml
var countriesYAML []byte

// File is the top level of a profiles file.
type File struct {
	Profiles map[string]Profile `yaml:"profiles"`
}

// Profile describes one traffic simulation.
type Profile struct {
	Description string       `yaml:"description"`
	Mode        sampler.Mode `yaml:"mode"`
	StartTime   time.Time    `yaml:"start_time"`
	// EndTime stops the simulation once simulated time reaches it. Optional.
	EndTime time.Time `yaml:"end_time"`
	Seed    uint64    `yaml:"seed"`
	Workers int       `yaml:"workers"`

	// Countries defaults to the embedded reference table.
	Countries []ratemodel.Country `yaml:"countries"`
	Rate      Rate                `yaml:"rate"`
	Throttle  throttle.Rate       `yaml:"throttle"`
	Pool      Pool                `yaml:"pool"`

	EventTypes  map[event.Type]float64            `yaml:"event_types"`
	ByCountry   map[string]map[event.Type]float64 `yaml:"by_country"`
	DeviceTypes map[string]float64                `yaml:"device_types"`

	Batch      Batch      `yaml:"batch"`
	Bus        Bus        `yaml:"bus"`
	Checkpoint Checkpoint `yaml:"checkpoint"`

	// MaxEvents stops each worker after it has generated this many events
	// in the current run. Zero means unlimited.
	MaxEvents       uint64        `yaml:"max_events"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRejections   int           `yaml:"max_rejections"`
	// ModulationBucket is the simulated interval over which country weights
	// are held constant in modulated mode.
	ModulationBucket time.Duration `yaml:"modulation_bucket"`
}

// Rate configures the arrival intensity.
type Rate struct {
	InteractionsPerDay float64 `yaml:"interactions_per_day"`
	// UsersFraction is the fraction of the online population simulated.
	UsersFraction float64 `yaml:"users_fraction"`

	Diurnal  string  `yaml:"diurnal"`
	PeakHour float64 `yaml:"peak_hour"`
	Floor    float64 `yaml:"floor"`
	// Slots discretizes the cosine curve when Diurnal is "table" and Table
	// is empty.
	Slots int       `yaml:"slots"`
	Table []float64 `yaml:"table"`
}

// Pool configures user pools.
type Pool struct {
	CapPerCountry int            `yaml:"cap_per_country"`
	Caps          map[string]int `yaml:"caps"`
}

// Batch configures the publisher.
type Batch struct {
	Size           int              `yaml:"size"`
	FlushInterval  time.Duration    `yaml:"flush_interval"`
	MaxAttempts    int              `yaml:"max_attempts"`
	InitialBackoff time.Duration    `yaml:"initial_backoff"`
	MaxBackoff     time.Duration    `yaml:"max_backoff"`
	OnExhausted    publisher.Policy `yaml:"on_exhausted"`
}

// Bus configures where events are delivered.
type Bus struct {
	Kind string `yaml:"kind"`

	// http
	URL     string            `yaml:"url"`
	Token   string            `yaml:"token"`
	APIKey  string            `yaml:"api_key"`
	Headers map[string]string `yaml:"headers"`

	// kafka
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`

	// redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`

	// file
	Path string `yaml:"path"`
}

// Checkpoint configures where worker state is kept.
type Checkpoint struct {
	Kind string `yaml:"kind"`

	// file
	Dir string `yaml:"dir"`
	// bolt
	Path string `yaml:"path"`
	// redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Load reads a profiles file.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a profiles file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if len(f.Profiles) == 0 {
		return nil, fmt.Errorf("%w: no profiles defined", ErrInvalidConfig)
	}
	return &f, nil
}

// Names returns the profile names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Profiles))
	for name := range f.Profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Profile returns the named profile with defaults applied. The profile is
// not validated, so overrides can be applied first.
func (f *File) Profile(name string) (Profile, error) {
	p, ok := f.Profiles[name]
	if !ok {
		return Profile{}, fmt.Errorf("%w: unknown profile %q, have %v", ErrInvalidConfig, name, f.Names())
	}
	if err := p.applyDefaults(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

// DefaultCountries returns the embedded reference country table.
func DefaultCountries() ([]ratemodel.Country, error) {
	var doc struct {
		Countries []ratemodel.Country `yaml:"countries"`
	}
	if err := yaml.Unmarshal(countriesYAML, &doc); err != nil {
		return nil, fmt.Errorf("decode default countries: %w", err)
	}
	return doc.Countries, nil
}

func (p *Profile) applyDefaults() error {
	if p.Mode == "" {
		p.Mode = sampler.ModeThinning
	}
	if p.StartTime.IsZero() {
		p.StartTime = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if p.Workers == 0 {
		p.Workers = 1
	}
	if len(p.Countries) == 0 {
		countries, err := DefaultCountries()
		if err != nil {
			return err
		}
		p.Countries = countries
	}
	if p.Rate.Diurnal == "" {
		p.Rate.Diurnal = DiurnalCosine
	}
	if p.Rate.Floor == 0 {
		p.Rate.Floor = 0.2
	}
	if p.Rate.Diurnal == DiurnalTable && len(p.Rate.Table) == 0 && p.Rate.Slots == 0 {
		p.Rate.Slots = 120
	}
	if p.Pool.CapPerCountry == 0 {
		p.Pool.CapPerCountry = 10000
	}
	if len(p.EventTypes) == 0 {
		p.EventTypes = map[event.Type]float64{
			event.AppOpen:       0.4,
			event.Search:        0.3,
			event.AppInstall:    0.15,
			event.ReviewSubmit:  0.05,
			event.InAppPurchase: 0.05,
			event.AppClose:      0.04,
			event.AppUninstall:  0.01,
		}
	}
	if len(p.DeviceTypes) == 0 {
		p.DeviceTypes = map[string]float64{"phone": 0.8, "tablet": 0.15, "desktop": 0.05}
	}
	defaults := publisher.DefaultConfig()
	if p.Batch.Size == 0 {
		p.Batch.Size = defaults.BatchSize
	}
	if p.Batch.FlushInterval == 0 {
		p.Batch.FlushInterval = defaults.FlushInterval
	}
	if p.Batch.MaxAttempts == 0 {
		p.Batch.MaxAttempts = defaults.MaxAttempts
	}
	if p.Batch.InitialBackoff == 0 {
		p.Batch.InitialBackoff = defaults.InitialBackoff
	}
	if p.Batch.MaxBackoff == 0 {
		p.Batch.MaxBackoff = defaults.MaxBackoff
	}
	if p.Batch.OnExhausted == "" {
		p.Batch.OnExhausted = defaults.OnExhausted
	}
	if p.Bus.Kind == "" {
		p.Bus.Kind = BusStdout
	}
	if p.Checkpoint.Kind == "" {
		p.Checkpoint.Kind = CheckpointFile
	}
	if p.Checkpoint.Kind == CheckpointFile && p.Checkpoint.Dir == "" {
		p.Checkpoint.Dir = "checkpoints"
	}
	if p.ShutdownTimeout == 0 {
		p.ShutdownTimeout = 10 * time.Second
	}
	if p.MaxRejections == 0 {
		p.MaxRejections = 1_000_000
	}
	return nil
}

// Validate reports every problem with p at once.
func (p Profile) Validate() error {
	var errs []error
	switch p.Mode {
	case sampler.ModeThinning, sampler.ModeModulated:
	default:
		errs = append(errs, fmt.Errorf("unknown mode %q", p.Mode))
	}
	if p.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", p.Workers))
	}
	if !p.EndTime.IsZero() && !p.EndTime.After(p.StartTime) {
		errs = append(errs, fmt.Errorf("end_time %s must be after start_time %s",
			p.EndTime.Format(time.RFC3339), p.StartTime.Format(time.RFC3339)))
	}
	if p.Rate.InteractionsPerDay <= 0 {
		errs = append(errs, fmt.Errorf("rate.interactions_per_day must be > 0, got %v", p.Rate.InteractionsPerDay))
	}
	if p.Rate.UsersFraction <= 0 || p.Rate.UsersFraction > 1 {
		errs = append(errs, fmt.Errorf("rate.users_fraction must be in (0, 1], got %v", p.Rate.UsersFraction))
	}
	if len(errs) == 0 {
		if m, err := p.Model(); err != nil {
			errs = append(errs, err)
		} else if _, err := sampler.New(p.SamplerConfig(m, 0)); err != nil {
			errs = append(errs, err)
		}
	}
	known := make(map[string]bool, len(p.Countries))
	for _, c := range p.Countries {
		if !event.ValidCountryCode(c.Code) {
			errs = append(errs, fmt.Errorf("countries: invalid code %q, want 2 or 3 upper case letters", c.Code))
		}
		known[c.Code] = true
	}
	errs = append(errs, validateTypes("event_types", p.EventTypes)...)
	for code, types := range p.ByCountry {
		if !known[code] {
			errs = append(errs, fmt.Errorf("by_country: unknown country %s", code))
		}
		errs = append(errs, validateTypes("by_country."+code, types)...)
	}
	if p.Pool.CapPerCountry <= 0 {
		errs = append(errs, fmt.Errorf("pool.cap_per_country must be > 0, got %d", p.Pool.CapPerCountry))
	}
	for code, c := range p.Pool.Caps {
		if c <= 0 {
			errs = append(errs, fmt.Errorf("pool.caps.%s must be > 0, got %d", code, c))
		}
	}
	if err := p.PublisherConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, p.Bus.validate()...)
	errs = append(errs, p.Checkpoint.validate()...)
	if p.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("shutdown_timeout must be >= 0"))
	}
	if p.MaxRejections < 0 {
		errs = append(errs, fmt.Errorf("max_rejections must be >= 0"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

func validateTypes(field string, weights map[event.Type]float64) []error {
	var errs []error
	if len(weights) == 0 {
		return []error{fmt.Errorf("%s must not be empty", field)}
	}
	for t, w := range weights {
		if !t.Valid() {
			errs = append(errs, fmt.Errorf("%s: unknown event type %q", field, t))
		}
		if w < 0 {
			errs = append(errs, fmt.Errorf("%s: negative weight for %s", field, t))
		}
	}
	return errs
}

func (b Bus) validate() []error {
	switch b.Kind {
	case BusHTTP:
		if b.URL == "" {
			return []error{errors.New("bus.url is required for http")}
		}
	case BusKafka:
		if len(b.Brokers) == 0 || b.Topic == "" {
			return []error{errors.New("bus.brokers and bus.topic are required for kafka")}
		}
	case BusRedis:
		if b.Addr == "" || b.Stream == "" {
			return []error{errors.New("bus.addr and bus.stream are required for redis")}
		}
	case BusFile:
		if b.Path == "" {
			return []error{errors.New("bus.path is required for file")}
		}
	case BusStdout:
	default:
		return []error{fmt.Errorf("unknown bus kind %q", b.Kind)}
	}
	return nil
}

func (c Checkpoint) validate() []error {
	switch c.Kind {
	case CheckpointFile:
		if c.Dir == "" {
			return []error{errors.New("checkpoint.dir is required for file")}
		}
	case CheckpointBolt:
		if c.Path == "" {
			return []error{errors.New("checkpoint.path is required for bolt")}
		}
	case CheckpointRedis:
		if c.Addr == "" {
			return []error{errors.New("checkpoint.addr is required for redis")}
		}
	case CheckpointNone:
	default:
		return []error{fmt.Errorf("unknown checkpoint kind %q", c.Kind)}
	}
	return nil
}

// Normalization returns the per-capita event rate of one worker, in events
// per second per online person.
func (p Profile) Normalization() float64 {
	workers := p.Workers
	if workers < 1 {
		workers = 1
	}
	return p.Rate.UsersFraction * p.Rate.InteractionsPerDay / secondsPerDay / float64(workers)
}

// DiurnalCurve returns the configured activity curve.
func (p Profile) DiurnalCurve() (ratemodel.Diurnal, error) {
	cosine := ratemodel.Cosine{PeakHour: p.Rate.PeakHour, Floor: p.Rate.Floor}
	switch p.Rate.Diurnal {
	case DiurnalCosine:
		return cosine, nil
	case DiurnalTable:
		if len(p.Rate.Table) > 0 {
			return ratemodel.Table(p.Rate.Table), nil
		}
		if p.Rate.Slots <= 0 {
			return nil, fmt.Errorf("rate.slots must be > 0, got %d", p.Rate.Slots)
		}
		if err := cosine.Validate(); err != nil {
			return nil, err
		}
		return ratemodel.SampleTable(cosine, p.Rate.Slots), nil
	default:
		return nil, fmt.Errorf("unknown diurnal curve %q", p.Rate.Diurnal)
	}
}

// Model returns the rate model of a single worker.
func (p Profile) Model() (*ratemodel.Model, error) {
	d, err := p.DiurnalCurve()
	if err != nil {
		return nil, err
	}
	return ratemodel.New(p.Countries, ratemodel.Params{
		Normalization: p.Normalization(),
		Diurnal:       d,
	})
}

// Fingerprint identifies the parameters that shape the generated event
// stream: mode, start time, seed, worker count, countries, rate, pools and
// distributions. A checkpoint is only resumed under an equal fingerprint.
// Delivery, batching, throttling and stop conditions are excluded, so they
// can change between runs.
func (p Profile) Fingerprint() string {
	var w fastjson.Writer
	w.RawString(`{"mode":`)
	w.String(string(p.Mode))
	w.RawString(`,"start_time":`)
	w.String(p.StartTime.UTC().Format(time.RFC3339Nano))
	w.RawString(`,"seed":`)
	w.Uint64(p.Seed)
	w.RawString(`,"workers":`)
	w.Int64(int64(p.Workers))
	w.RawString(`,"countries":[`)
	for i, c := range p.Countries {
		if i > 0 {
			w.RawByte(',')
		}
		w.RawByte('[')
		w.String(c.Code)
		for _, v := range []float64{c.Population, c.Penetration, c.UTCOffset} {
			w.RawByte(',')
			w.Float64(v)
		}
		w.RawByte(']')
	}
	w.RawString(`],"rate":[`)
	w.Float64(p.Rate.InteractionsPerDay)
	w.RawByte(',')
	w.Float64(p.Rate.UsersFraction)
	w.RawByte(',')
	w.String(p.Rate.Diurnal)
	w.RawByte(',')
	w.Float64(p.Rate.PeakHour)
	w.RawByte(',')
	w.Float64(p.Rate.Floor)
	w.RawByte(',')
	w.Int64(int64(p.Rate.Slots))
	for _, v := range p.Rate.Table {
		w.RawByte(',')
		w.Float64(v)
	}
	w.RawString(`],"pool_cap":`)
	w.Int64(int64(p.Pool.CapPerCountry))
	w.RawString(`,"pool_caps":`)
	writeSorted(&w, p.Pool.Caps, func(v int) { w.Int64(int64(v)) })
	w.RawString(`,"event_types":`)
	writeSorted(&w, p.EventTypes, w.Float64)
	w.RawString(`,"by_country":`)
	writeSorted(&w, p.ByCountry, func(v map[event.Type]float64) { writeSorted(&w, v, w.Float64) })
	w.RawString(`,"device_types":`)
	writeSorted(&w, p.DeviceTypes, w.Float64)
	w.RawString(`,"modulation_bucket":`)
	w.Int64(int64(p.ModulationBucket))
	w.RawByte('}')
	return strconv.FormatUint(xxhash.Sum64(w.Bytes()), 16)
}

func writeSorted[K ~string, V any](w *fastjson.Writer, m map[K]V, value func(V)) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)
	w.RawByte('{')
	for i, k := range keys {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(k)
		w.RawByte(':')
		value(m[K(k)])
	}
	w.RawByte('}')
}

// SamplerConfig returns the sampler configuration of worker.
func (p Profile) SamplerConfig(model *ratemodel.Model, worker int) sampler.Config {
	return sampler.Config{
		Model:         model,
		Mode:          p.Mode,
		Start:         p.StartTime,
		Seed:          p.Seed + uint64(worker),
		Bucket:        p.ModulationBucket,
		MaxRejections: p.MaxRejections,
	}
}

// FactoryConfig returns the event factory configuration of worker.
func (p Profile) FactoryConfig(worker int) event.Config {
	return event.Config{
		EventTypes:  p.EventTypes,
		ByCountry:   p.ByCountry,
		DeviceTypes: p.DeviceTypes,
		Pool: userpool.Config{
			Cap:    p.Pool.CapPerCountry,
			Caps:   p.Pool.Caps,
			Worker: worker,
		},
		Seed: p.Seed + uint64(worker),
	}
}

// PublisherConfig returns the batch publisher configuration.
func (p Profile) PublisherConfig() publisher.Config {
	return publisher.Config{
		BatchSize:      p.Batch.Size,
		FlushInterval:  p.Batch.FlushInterval,
		MaxAttempts:    p.Batch.MaxAttempts,
		InitialBackoff: p.Batch.InitialBackoff,
		MaxBackoff:     p.Batch.MaxBackoff,
		OnExhausted:    p.Batch.OnExhausted,
	}
}

// MarshalLogObject implements zapcore.ObjectMarshaler. Secrets are omitted.
func (p Profile) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("mode", string(p.Mode))
	enc.AddTime("start_time", p.StartTime)
	if !p.EndTime.IsZero() {
		enc.AddTime("end_time", p.EndTime)
	}
	enc.AddUint64("seed", p.Seed)
	enc.AddInt("workers", p.Workers)
	enc.AddInt("countries", len(p.Countries))
	enc.AddString("diurnal", p.Rate.Diurnal)
	enc.AddFloat64("normalization", p.Normalization())
	enc.AddString("throttle", p.Throttle.String())
	enc.AddInt("batch_size", p.Batch.Size)
	enc.AddDuration("flush_interval", p.Batch.FlushInterval)
	enc.AddString("bus", p.Bus.Kind)
	enc.AddString("checkpoint", p.Checkpoint.Kind)
	enc.AddUint64("max_events", p.MaxEvents)
	return nil
}
