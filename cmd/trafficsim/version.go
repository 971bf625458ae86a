// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package main

import (
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/elastic/trafficsim/internal/version"
)

func NewCmdVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show current version info",
		Run: func(cmd *cobra.Command, args []string) {
			build := "unknown"
			if t := version.BuildTime(); !t.IsZero() {
				build = t.Format(time.RFC3339)
			}
			fmt.Fprintf(cmd.OutOrStdout(),
				"trafficsim version %s (%s/%s) [%s %s]\n",
				version.Version, runtime.GOOS, runtime.GOARCH,
				version.CommitSha(), build,
			)
		},
	}
}
