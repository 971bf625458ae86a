// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/elastic/trafficsim/internal/config"
	"github.com/elastic/trafficsim/internal/metrics"
	"github.com/elastic/trafficsim/internal/telemetry"
	"github.com/elastic/trafficsim/internal/throttle"
	"github.com/elastic/trafficsim/internal/worker"
)

type RunOptions struct {
	ProfilesPath  string
	Profile       string
	Workers       int
	WorkerIndex   int
	BusURL        string
	BusToken      string
	CheckpointDir string
	MaxEvents     uint64
	Throttle      throttle.Rate
	MetricsAddr   string
	OTLPEndpoint  string
	OTLPInsecure  bool
	LogLevel      string
}

// envFlags maps flags to the environment variables used when the flag is
// not given on the command line.
var envFlags = map[string]string{
	"file":           "TRAFFICSIM_PROFILES",
	"profile":        "TRAFFICSIM_PROFILE",
	"worker-index":   "TRAFFICSIM_WORKER_INDEX",
	"bus-url":        "TRAFFICSIM_BUS_URL",
	"bus-token":      "TRAFFICSIM_BUS_TOKEN",
	"checkpoint-dir": "TRAFFICSIM_CHECKPOINT_DIR",
	"metrics-addr":   "TRAFFICSIM_METRICS_ADDR",
	"otlp-endpoint":  "TRAFFICSIM_OTLP_ENDPOINT",
	"log-level":      "TRAFFICSIM_LOG_LEVEL",
}

func setFlagsFromEnv(flags *pflag.FlagSet, lookup func(string) (string, bool)) error {
	for name, env := range envFlags {
		f := flags.Lookup(name)
		if f == nil || f.Changed {
			continue
		}
		if value, ok := lookup(env); ok && value != "" {
			if err := flags.Set(name, value); err != nil {
				return fmt.Errorf("invalid %s: %w", env, err)
			}
		}
	}
	return nil
}

// profile loads the selected profile and applies command line overrides.
func (opts *RunOptions) profile(flags *pflag.FlagSet) (config.Profile, error) {
	f, err := config.Load(opts.ProfilesPath)
	if err != nil {
		return config.Profile{}, err
	}
	p, err := f.Profile(opts.Profile)
	if err != nil {
		return config.Profile{}, err
	}
	if opts.Workers > 0 {
		p.Workers = opts.Workers
	}
	if opts.BusURL != "" {
		p.Bus.Kind = config.BusHTTP
		p.Bus.URL = opts.BusURL
	}
	if opts.BusToken != "" {
		p.Bus.Token = opts.BusToken
	}
	if opts.CheckpointDir != "" {
		p.Checkpoint = config.Checkpoint{Kind: config.CheckpointFile, Dir: opts.CheckpointDir}
	}
	if flags.Changed("max-events") {
		p.MaxEvents = opts.MaxEvents
	}
	if flags.Changed("throttle") {
		p.Throttle = opts.Throttle
	}
	return p, p.Validate()
}

func NewCmdRun() *cobra.Command {
	opts := &RunOptions{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a traffic profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setFlagsFromEnv(cmd.Flags(), os.LookupEnv); err != nil {
				return err
			}
			profile, err := opts.profile(cmd.Flags())
			if err != nil {
				return err
			}

			// Events own stdout when it is the bus.
			var logOut io.Writer = os.Stdout
			if profile.Bus.Kind == config.BusStdout {
				logOut = os.Stderr
			}
			logger, err := newLogger(logOut, opts.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
				Endpoint: opts.OTLPEndpoint,
				Insecure: opts.OTLPInsecure,
			})
			if err != nil {
				return fmt.Errorf("failed to set up tracing: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := shutdownTracing(shutdownCtx); err != nil {
					logger.Warn("failed to flush traces", zap.Error(err))
				}
			}()

			m := metrics.New(nil)
			if opts.MetricsAddr != "" {
				stop := serveMetrics(logger, opts.MetricsAddr, m)
				defer stop()
			}

			runner, err := worker.NewRunner(worker.RunnerConfig{
				Profile:     profile,
				WorkerIndex: opts.WorkerIndex,
				Metrics:     m,
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize runner: %w", err)
			}
			if err := runner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("runner exited with error", zap.Error(err))
				return err
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&opts.ProfilesPath, "file", "f", "./profiles.yml", "Path to profiles file")
	flags.StringVar(&opts.Profile, "profile", "steady", "Profile to run, one of the keys of the profiles file")
	flags.IntVar(&opts.Workers, "workers", 0, "Override the number of workers of the profile")
	flags.IntVar(&opts.WorkerIndex, "worker-index", worker.AllWorkers, "Run only this worker, for one worker per process deployments (-1 runs all)")
	flags.StringVar(&opts.BusURL, "bus-url", "", "Deliver events over HTTP to this URL instead of the profile's bus")
	flags.StringVar(&opts.BusToken, "bus-token", "", "Bearer token for the HTTP bus")
	flags.StringVar(&opts.CheckpointDir, "checkpoint-dir", "", "Keep file checkpoints in this directory instead of the profile's store")
	flags.Uint64Var(&opts.MaxEvents, "max-events", 0, "Stop each worker after this many events (0 is unlimited)")
	flags.Var(&opts.Throttle, "throttle", "Maximum emission rate as burst/duration, e.g. 1000/s")
	flags.StringVar(&opts.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	flags.StringVar(&opts.OTLPEndpoint, "otlp-endpoint", "", "Export traces over OTLP gRPC to this host:port")
	flags.BoolVar(&opts.OTLPInsecure, "otlp-insecure", false, "Disable TLS for the OTLP exporter")
	flags.StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")
	return cmd
}

func serveMetrics(logger *zap.Logger, addr string, m *metrics.Metrics) (stop func()) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	s := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("serving metrics", zap.String("addr", addr))
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(ctx)
	}
}
