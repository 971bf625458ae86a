// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package worker drives the generate, build and publish loop of a simulation
// and fans it out across workers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/elastic/trafficsim/internal/bus"
	"github.com/elastic/trafficsim/internal/checkpoint"
	"github.com/elastic/trafficsim/internal/config"
	"github.com/elastic/trafficsim/internal/event"
	"github.com/elastic/trafficsim/internal/metrics"
	"github.com/elastic/trafficsim/internal/publisher"
	"github.com/elastic/trafficsim/internal/ratemodel"
	"github.com/elastic/trafficsim/internal/sampler"
	"github.com/elastic/trafficsim/internal/throttle"
)

// Params holds the dependencies of a Worker.
type Params struct {
	ID      int
	Profile config.Profile
	// Model is the per-worker rate model. Built from Profile when nil.
	Model *ratemodel.Model
	Bus   bus.Bus
	// Store persists checkpoints. Nil disables checkpointing.
	Store checkpoint.Store
	// Limiter paces emission in wall-clock time. Built from
	// Profile.Throttle when nil; may be shared between workers.
	Limiter   *rate.Limiter
	Validator publisher.Validator
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Result summarizes a finished run.
type Result struct {
	// Generated counts events built in this run.
	Generated uint64
	// Published is the total acknowledged count, including earlier runs.
	Published     uint64
	Dropped       uint64
	SimulatedTime time.Time
	Resumed       bool
}

// Worker owns one sampler, one event factory and one publisher. It runs a
// single sequential loop.
type Worker struct {
	id          int
	profile     config.Profile
	fingerprint string
	model       *ratemodel.Model
	bus         bus.Bus
	store       checkpoint.Store
	limiter     *rate.Limiter
	validator   publisher.Validator
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

// New returns a Worker.
func New(p Params) (*Worker, error) {
	if p.Bus == nil {
		return nil, errors.New("worker: bus is required")
	}
	if p.Model == nil {
		m, err := p.Profile.Model()
		if err != nil {
			return nil, err
		}
		p.Model = m
	}
	if p.Limiter == nil {
		p.Limiter = throttle.NewLimiter(p.Profile.Throttle)
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}
	return &Worker{
		id:          p.ID,
		profile:     p.Profile,
		fingerprint: p.Profile.Fingerprint(),
		model:       p.Model,
		bus:         p.Bus,
		store:       p.Store,
		limiter:     p.Limiter,
		validator:   p.Validator,
		logger:      p.Logger.Named("worker").With(zap.Int("worker", p.ID)),
		metrics:     p.Metrics,
	}, nil
}

// run is the mutable state of one Run call.
type run struct {
	w        *Worker
	smp      *sampler.Sampler
	fac      *event.Factory
	pub      *publisher.Publisher
	detached context.Context
	stats    sampler.Stats

	generated uint64
	resumed   bool
}

// Run generates events until ctx is cancelled, a stop condition is met or a
// fatal error occurs. Cancellation is not an error: the pending batch is
// flushed and checkpointed before Run returns.
func (w *Worker) Run(ctx context.Context) (Result, error) {
	r := &run{w: w, detached: context.WithoutCancel(ctx)}
	if err := r.init(ctx); err != nil {
		return Result{}, err
	}
	w.logger.Info("worker started",
		zap.Bool("resumed", r.resumed),
		zap.Time("simulated_time", r.smp.Time()),
		zap.Uint64("published", r.pub.Published()),
		zap.Float64("candidate_rate", r.smp.Rate()),
	)

	loopErr := r.loop(ctx)
	if loopErr != nil && (ctx.Err() == nil || !errors.Is(loopErr, ctx.Err())) {
		return r.result(), loopErr
	}
	if err := r.shutdown(); err != nil {
		return r.result(), err
	}
	res := r.result()
	w.logger.Info("worker stopped",
		zap.Uint64("generated", res.Generated),
		zap.Uint64("published", res.Published),
		zap.Uint64("dropped", res.Dropped),
		zap.Time("simulated_time", res.SimulatedTime),
	)
	return res, nil
}

func (r *run) init(ctx context.Context) error {
	w := r.w
	scfg := w.profile.SamplerConfig(w.model, w.id)
	fcfg := w.profile.FactoryConfig(w.id)

	var published uint64
	if w.store != nil {
		cp, ok, err := checkpoint.LoadOrFresh(ctx, w.store, w.id, w.fingerprint, w.logger)
		if err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}
		if ok {
			if err := r.restore(scfg, fcfg, cp); err != nil {
				w.logger.Warn("ignoring checkpoint that cannot be restored, starting fresh", zap.Error(err))
			} else {
				published = cp.Published
				r.resumed = true
			}
		}
	}
	if !r.resumed {
		smp, err := sampler.New(scfg)
		if err != nil {
			return err
		}
		fac, err := event.NewFactory(fcfg)
		if err != nil {
			return err
		}
		r.smp, r.fac = smp, fac
	}

	opts := []publisher.Option{
		publisher.WithLogger(w.logger),
		publisher.WithMetrics(w.metrics, w.id),
		publisher.WithAck(r.acknowledge),
	}
	if w.validator != nil {
		opts = append(opts, publisher.WithValidator(w.validator))
	}
	pub, err := publisher.New(w.profile.PublisherConfig(), w.bus, opts...)
	if err != nil {
		return err
	}
	pub.SetPublished(published)
	r.pub = pub
	return nil
}

func (r *run) restore(scfg sampler.Config, fcfg event.Config, cp checkpoint.Checkpoint) error {
	smp, err := sampler.Restore(scfg, sampler.State{Time: cp.SimulatedTime, RNG: cp.SamplerRNG})
	if err != nil {
		return err
	}
	fac, err := event.RestoreFactory(fcfg, event.State{RNG: cp.FactoryRNG, Pool: cp.Pool})
	if err != nil {
		return err
	}
	r.smp, r.fac = smp, fac
	return nil
}

func (r *run) loop(ctx context.Context) error {
	w := r.w
	end := w.profile.EndTime
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if limit := w.profile.MaxEvents; limit > 0 && r.generated >= limit {
			w.logger.Info("max events reached", zap.Uint64("max_events", limit))
			return nil
		}
		if err := r.pace(ctx); err != nil {
			return err
		}

		var before sampler.State
		if !end.IsZero() {
			st, err := r.smp.Snapshot()
			if err != nil {
				return err
			}
			before = st
		}
		a, err := r.smp.Next()
		if err != nil {
			return err
		}
		if !end.IsZero() && !a.Time.Before(end) {
			// Rewind so a later run with a later end time continues
			// from the last emitted arrival.
			smp, err := sampler.Restore(w.profile.SamplerConfig(w.model, w.id), before)
			if err != nil {
				return err
			}
			r.smp = smp
			w.logger.Info("end time reached", zap.Time("end_time", end))
			return nil
		}

		e, err := r.fac.Build(a)
		if err != nil {
			return fmt.Errorf("build event: %w", err)
		}
		w.metrics.Event(e.CountryCode, string(e.Type))
		r.generated++
		if err := r.pub.Add(r.detached, &e); err != nil {
			return err
		}
	}
}

// pace blocks until the throttle admits the next event, flushing batches
// whose interval elapses while waiting.
func (r *run) pace(ctx context.Context) error {
	if r.w.limiter.Limit() == rate.Inf {
		return r.pub.FlushIfDue(r.detached)
	}
	res := r.w.limiter.Reserve()
	if !res.OK() {
		return errors.New("throttle cannot admit an event")
	}
	for wait := res.Delay(); wait > 0; wait = res.Delay() {
		d := wait
		if deadline, ok := r.pub.Deadline(); ok {
			if until := time.Until(deadline); until < d {
				d = until
			}
		}
		if d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				res.Cancel()
				return ctx.Err()
			case <-timer.C:
			}
		}
		if err := r.pub.FlushIfDue(r.detached); err != nil {
			return err
		}
	}
	return r.pub.FlushIfDue(r.detached)
}

// acknowledge checkpoints the state covering exactly the events the bus has
// accepted. Save failures are logged and the run continues.
func (r *run) acknowledge(ctx context.Context, ack publisher.Ack) error {
	w := r.w
	stats := r.smp.Stats()
	w.metrics.Candidates(w.id, stats.Accepted-r.stats.Accepted, stats.Rejected-r.stats.Rejected)
	r.stats = stats
	w.metrics.SimulatedTime(w.id, float64(r.smp.Time().UnixNano())/1e9)
	if w.store == nil {
		return nil
	}

	cp, err := r.checkpoint(ack.Published)
	if err != nil {
		return err
	}
	if err := w.store.Save(ctx, cp); err != nil {
		w.metrics.Checkpoint("failed")
		w.logger.Error("failed to save checkpoint", zap.Error(err), zap.Uint64("published", ack.Published))
		return nil
	}
	w.metrics.Checkpoint("saved")
	w.logger.Debug("checkpoint saved",
		zap.Int("batch_size", ack.Size),
		zap.Uint64("published", ack.Published),
		zap.Time("simulated_time", cp.SimulatedTime),
	)
	return nil
}

func (r *run) checkpoint(published uint64) (checkpoint.Checkpoint, error) {
	ss, err := r.smp.Snapshot()
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("snapshot sampler: %w", err)
	}
	fs, err := r.fac.Snapshot()
	if err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("snapshot factory: %w", err)
	}
	return checkpoint.Checkpoint{
		Version:       checkpoint.Version,
		Worker:        r.w.id,
		Fingerprint:   r.w.fingerprint,
		SimulatedTime: ss.Time,
		SamplerRNG:    ss.RNG,
		FactoryRNG:    fs.RNG,
		Published:     published,
		Pool:          fs.Pool,
		SavedAt:       time.Now(),
	}, nil
}

func (r *run) shutdown() error {
	timeout := r.w.profile.ShutdownTimeout
	ctx := r.detached
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(r.detached, timeout)
		defer cancel()
	}
	if n := r.pub.Pending(); n > 0 {
		r.w.logger.Info("flushing pending events", zap.Int("events", n))
	}
	if err := r.pub.Flush(ctx); err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	return nil
}

func (r *run) result() Result {
	res := Result{Generated: r.generated, Resumed: r.resumed}
	if r.pub != nil {
		res.Published = r.pub.Published()
		res.Dropped = r.pub.Dropped()
	}
	if r.smp != nil {
		res.SimulatedTime = r.smp.Time()
	}
	return res
}
