// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package worker

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/elastic/trafficsim/internal/bus"
	"github.com/elastic/trafficsim/internal/checkpoint"
	"github.com/elastic/trafficsim/internal/config"
	"github.com/elastic/trafficsim/internal/event"
	"github.com/elastic/trafficsim/internal/metrics"
	"github.com/elastic/trafficsim/internal/throttle"
)

// AllWorkers runs every worker of the profile in this process.
const AllWorkers = -1

// RunnerConfig holds configuration for a Runner.
type RunnerConfig struct {
	Profile config.Profile
	// WorkerIndex selects a single worker, for deployments that run one
	// worker per process. AllWorkers runs them all.
	WorkerIndex int
	Metrics     *metrics.Metrics
	// Bus overrides the bus built from the profile.
	Bus bus.Bus
}

// Runner starts the workers of a profile and waits for them.
type Runner struct {
	config RunnerConfig
	logger *zap.Logger
}

// NewRunner validates cfg and returns a Runner.
func NewRunner(cfg RunnerConfig, logger *zap.Logger) (*Runner, error) {
	if err := cfg.Profile.Validate(); err != nil {
		return nil, err
	}
	if cfg.WorkerIndex != AllWorkers && (cfg.WorkerIndex < 0 || cfg.WorkerIndex >= cfg.Profile.Workers) {
		return nil, fmt.Errorf("%w: worker index %d out of range [0, %d)",
			config.ErrInvalidConfig, cfg.WorkerIndex, cfg.Profile.Workers)
	}
	return &Runner{config: cfg, logger: logger.Named("runner")}, nil
}

// Run runs the selected workers until ctx is cancelled, they meet their stop
// conditions or one fails. A failing worker cancels the others, which flush
// and checkpoint before returning.
func (r *Runner) Run(ctx context.Context) error {
	profile := r.config.Profile
	model, err := profile.Model()
	if err != nil {
		return err
	}
	validator, err := event.NewValidator()
	if err != nil {
		return err
	}

	b := r.config.Bus
	if b == nil {
		if b, err = NewBus(r.logger, profile.Bus); err != nil {
			return fmt.Errorf("create bus: %w", err)
		}
	}
	defer func() {
		if err := b.Close(); err != nil {
			r.logger.Error("failed to close bus", zap.Error(err))
		}
	}()

	stores, err := NewStores(profile.Checkpoint)
	if err != nil {
		return fmt.Errorf("create checkpoint store: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			r.logger.Error("failed to close checkpoint store", zap.Error(err))
		}
	}()

	ids := make([]int, 0, profile.Workers)
	if r.config.WorkerIndex == AllWorkers {
		for i := 0; i < profile.Workers; i++ {
			ids = append(ids, i)
		}
	} else {
		ids = append(ids, r.config.WorkerIndex)
	}

	r.logger.Info("running profile", zap.Object("profile", profile), zap.Ints("workers", ids))
	limiter := throttle.NewLimiter(profile.Throttle)
	g, gCtx := errgroup.WithContext(ctx)
	for _, id := range ids {
		id := id
		w, err := New(Params{
			ID:        id,
			Profile:   profile,
			Model:     model,
			Bus:       b,
			Store:     stores.Store(id),
			Limiter:   limiter,
			Validator: validator,
			Logger:    r.logger,
			Metrics:   r.config.Metrics,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			if _, err := w.Run(gCtx); err != nil {
				return fmt.Errorf("worker %d: %w", id, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// NewBus returns the bus described by cfg.
func NewBus(logger *zap.Logger, cfg config.Bus) (bus.Bus, error) {
	switch cfg.Kind {
	case config.BusHTTP:
		return bus.NewHTTP(logger.Named("bus"), bus.HTTPConfig{
			URL:     cfg.URL,
			Token:   cfg.Token,
			APIKey:  cfg.APIKey,
			Headers: cfg.Headers,
		})
	case config.BusKafka:
		return bus.NewKafka(bus.KafkaConfig{Brokers: cfg.Brokers, Topic: cfg.Topic})
	case config.BusRedis:
		return bus.NewRedis(bus.RedisConfig{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
			Stream:   cfg.Stream,
			MaxLen:   cfg.MaxLen,
		})
	case config.BusStdout:
		// Hide os.Stdout's Close from the writer.
		return bus.NewWriter(struct{ io.Writer }{os.Stdout}), nil
	case config.BusFile:
		f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		return bus.NewWriter(f), nil
	default:
		return nil, fmt.Errorf("%w: unknown bus kind %q", config.ErrInvalidConfig, cfg.Kind)
	}
}

// Stores hands out per-worker checkpoint stores sharing one backend.
type Stores struct {
	store func(worker int) checkpoint.Store
	close func() error
}

// NewStores opens the checkpoint backend described by cfg.
func NewStores(cfg config.Checkpoint) (*Stores, error) {
	switch cfg.Kind {
	case config.CheckpointNone:
		return &Stores{
			store: func(int) checkpoint.Store { return nil },
			close: func() error { return nil },
		}, nil
	case config.CheckpointFile:
		return &Stores{
			store: func(worker int) checkpoint.Store { return checkpoint.NewFileStore(cfg.Dir, worker) },
			close: func() error { return nil },
		}, nil
	case config.CheckpointBolt:
		db, err := checkpoint.OpenBolt(cfg.Path)
		if err != nil {
			return nil, err
		}
		return &Stores{
			store: func(worker int) checkpoint.Store { return checkpoint.NewBoltStore(db, worker) },
			close: db.Close,
		}, nil
	case config.CheckpointRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
		return &Stores{
			store: func(worker int) checkpoint.Store { return checkpoint.NewRedisStore(client, cfg.Prefix, worker) },
			close: client.Close,
		}, nil
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint kind %q", config.ErrInvalidConfig, cfg.Kind)
	}
}

// Store returns the store of worker, or nil when checkpointing is disabled.
func (s *Stores) Store(worker int) checkpoint.Store {
	return s.store(worker)
}

// Close releases the shared backend.
func (s *Stores) Close() error {
	return s.close()
}
