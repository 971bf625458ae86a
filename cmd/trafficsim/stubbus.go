// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/elastic/trafficsim/internal/bus"
)

type StubBusOptions struct {
	Addr      string
	Token     string
	FailFirst int
	LogLevel  string
}

// NewCmdStubBus returns a command serving a local HTTP bus that accepts and
// counts events, for trying profiles without real infrastructure.
func NewCmdStubBus() *cobra.Command {
	opts := &StubBusOptions{}
	cmd := &cobra.Command{
		Use:   "stub-bus",
		Short: "Serve a local HTTP bus that accepts and counts events",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(os.Stdout, opts.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()

			options := []bus.StubOption{bus.StubWithLogger(logger.Named("stub-bus"))}
			if opts.Token != "" {
				options = append(options, bus.StubWithToken(opts.Token))
			}
			if opts.FailFirst > 0 {
				options = append(options, bus.StubWithFailures(opts.FailFirst))
			}
			stub := bus.NewStub(options...)
			s := &http.Server{
				Addr:              opts.Addr,
				Handler:           stub,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				s.Shutdown(shutdownCtx)
			}()
			logger.Info("stub bus listening", zap.String("addr", opts.Addr))
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("listen error", zap.Error(err))
				return err
			}
			logger.Info("stub bus stopped",
				zap.Int64("batches", stub.Batches()), zap.Int64("events", stub.Events()))
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", ":8080", "Address to listen on")
	cmd.Flags().StringVar(&opts.Token, "token", "", "Require this bearer token")
	cmd.Flags().IntVar(&opts.FailFirst, "fail-first", 0, "Answer the first N requests with 503, to exercise retries")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "info", "Log level: debug, info, warn or error")
	return cmd
}
