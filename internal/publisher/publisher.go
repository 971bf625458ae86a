// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package publisher buffers encoded events and delivers them to a bus in
// batches, retrying transient failures.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/elastic/trafficsim/internal/bus"
	"github.com/elastic/trafficsim/internal/event"
	"github.com/elastic/trafficsim/internal/metrics"
	"github.com/elastic/trafficsim/internal/telemetry"
)

var (
	// ErrRetriesExhausted is returned by Flush when a batch could not be
	// delivered and the policy is PolicyAbort.
	ErrRetriesExhausted = errors.New("publish retries exhausted")

	// ErrInvalidConfig is returned for unusable publisher configuration.
	ErrInvalidConfig = errors.New("invalid publisher config")
)

// Policy decides what happens to a batch that could not be delivered.
type Policy string

const (
	// PolicyAbort stops the worker.
	PolicyAbort Policy = "abort"
	// PolicyDrop discards the batch and keeps going. The batch is never
	// acknowledged, so no checkpoint covers it.
	PolicyDrop Policy = "drop"
)

// Config holds configuration for a Publisher.
type Config struct {
	BatchSize      int
	FlushInterval  time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	OnExhausted    Policy
}

// DefaultConfig returns the settings used when a profile omits them.
func DefaultConfig() Config {
	return Config{
		BatchSize:      500,
		FlushInterval:  time.Second,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		OnExhausted:    PolicyAbort,
	}
}

// Validate checks cfg.
func (cfg Config) Validate() error {
	var errs []error
	if cfg.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be > 0, got %d", cfg.BatchSize))
	}
	if cfg.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush interval must be > 0, got %s", cfg.FlushInterval))
	}
	if cfg.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be > 0, got %d", cfg.MaxAttempts))
	}
	if cfg.InitialBackoff <= 0 || cfg.MaxBackoff < cfg.InitialBackoff {
		errs = append(errs, fmt.Errorf("backoff must satisfy 0 < initial <= max, got %s and %s",
			cfg.InitialBackoff, cfg.MaxBackoff))
	}
	switch cfg.OnExhausted {
	case PolicyAbort, PolicyDrop:
	default:
		errs = append(errs, fmt.Errorf("unknown exhaustion policy %q", cfg.OnExhausted))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return nil
}

// Ack describes a batch the bus accepted.
type Ack struct {
	// Size is the number of events in the batch.
	Size int
	// Published is the total number of events acknowledged so far,
	// including Size.
	Published uint64
}

// AckFunc runs after the bus accepts a batch and before the next event is
// buffered. An error returned from it is returned from the flush.
type AckFunc func(ctx context.Context, ack Ack) error

// Validator checks an encoded event before it is buffered.
type Validator interface {
	Validate(doc []byte) error
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Publisher) { p.logger = logger }
}

// WithValidator validates every event on Add.
func WithValidator(v Validator) Option {
	return func(p *Publisher) { p.validator = v }
}

// WithMetrics records batch outcomes.
func WithMetrics(m *metrics.Metrics, worker int) Option {
	return func(p *Publisher) {
		p.metrics = m
		p.worker = worker
	}
}

// WithClock replaces time.Now for flush interval accounting.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithAck sets the acknowledgement hook.
func WithAck(fn AckFunc) Option {
	return func(p *Publisher) { p.ack = fn }
}

// Publisher is a size- and time-bounded batch buffer in front of a bus.
//
// A Publisher is not safe for concurrent use. Flushes happen synchronously
// inside Add, Flush and FlushIfDue.
type Publisher struct {
	cfg       Config
	bus       bus.Bus
	logger    *zap.Logger
	validator Validator
	metrics   *metrics.Metrics
	worker    int
	now       func() time.Time
	ack       AckFunc
	tracer    trace.Tracer

	buf       []bus.Message
	first     time.Time
	published uint64
	dropped   uint64
}

// New returns a Publisher delivering to b.
func New(cfg Config, b bus.Bus, opts ...Option) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: bus is required", ErrInvalidConfig)
	}
	p := &Publisher{
		cfg:    cfg,
		bus:    b,
		logger: zap.NewNop(),
		now:    time.Now,
		tracer: telemetry.Tracer(),
		buf:    make([]bus.Message, 0, cfg.BatchSize),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Add buffers e and flushes when the batch is full or the flush interval
// since the first buffered event has elapsed.
func (p *Publisher) Add(ctx context.Context, e *event.Event) error {
	doc := e.Encode()
	if p.validator != nil {
		if err := p.validator.Validate(doc); err != nil {
			return fmt.Errorf("event %s: %w", e.ID, err)
		}
	}
	now := p.now()
	if len(p.buf) == 0 {
		p.first = now
	}
	p.buf = append(p.buf, bus.Message{Key: []byte(e.UserID), Value: doc})
	if len(p.buf) >= p.cfg.BatchSize || !now.Before(p.first.Add(p.cfg.FlushInterval)) {
		return p.Flush(ctx)
	}
	return nil
}

// Deadline returns when the pending batch becomes due. ok is false when
// nothing is buffered.
func (p *Publisher) Deadline() (deadline time.Time, ok bool) {
	if len(p.buf) == 0 {
		return time.Time{}, false
	}
	return p.first.Add(p.cfg.FlushInterval), true
}

// FlushIfDue flushes the pending batch if its flush interval has elapsed.
func (p *Publisher) FlushIfDue(ctx context.Context) error {
	deadline, ok := p.Deadline()
	if !ok || p.now().Before(deadline) {
		return nil
	}
	return p.Flush(ctx)
}

// Pending returns the number of buffered events.
func (p *Publisher) Pending() int { return len(p.buf) }

// Published returns the number of events acknowledged by the bus.
func (p *Publisher) Published() uint64 { return p.published }

// SetPublished sets the acknowledged count, used when resuming.
func (p *Publisher) SetPublished(n uint64) { p.published = n }

// Dropped returns the number of events discarded under PolicyDrop.
func (p *Publisher) Dropped() uint64 { return p.dropped }

// Flush delivers the buffered events. Transient errors are retried with
// exponential backoff up to MaxAttempts; errors wrapping bus.ErrRejected are
// not retried.
func (p *Publisher) Flush(ctx context.Context) error {
	n := len(p.buf)
	if n == 0 {
		return nil
	}
	ctx, span := p.tracer.Start(ctx, "publisher.Flush",
		trace.WithAttributes(attribute.Int("batch.size", n)))
	defer span.End()

	start := time.Now()
	attempts := 0
	err := backoff.RetryNotify(
		func() error {
			attempts++
			err := p.bus.Publish(ctx, p.buf)
			if errors.Is(err, bus.ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(p.backoff(), ctx),
		func(err error, wait time.Duration) {
			p.metrics.Retry(p.worker)
			p.logger.Warn("publish failed, retrying",
				zap.Error(err), zap.Int("attempt", attempts), zap.Duration("backoff", wait))
		},
	)
	span.SetAttributes(attribute.Int("publish.attempts", attempts))
	elapsed := time.Since(start).Seconds()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		if ctx.Err() != nil {
			p.metrics.Batch("failed", elapsed)
			return err
		}
		if p.cfg.OnExhausted == PolicyDrop {
			p.metrics.Batch("dropped", elapsed)
			p.dropped += uint64(n)
			p.logger.Error("dropping batch",
				zap.Error(err), zap.Int("events", n), zap.Int("attempts", attempts))
			p.reset()
			return nil
		}
		p.metrics.Batch("failed", elapsed)
		return fmt.Errorf("%w: %d events after %d attempts: %w", ErrRetriesExhausted, n, attempts, err)
	}

	p.metrics.Batch("acked", elapsed)
	p.published += uint64(n)
	p.reset()
	if p.ack != nil {
		return p.ack(ctx, Ack{Size: n, Published: p.published})
	}
	return nil
}

func (p *Publisher) backoff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.cfg.InitialBackoff
	eb.MaxInterval = p.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, uint64(p.cfg.MaxAttempts-1))
}

func (p *Publisher) reset() {
	clear(p.buf)
	p.buf = p.buf[:0]
}
