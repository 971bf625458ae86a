// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package version contains build metadata for the trafficsim command.
package version

import (
	"runtime/debug"
	"time"
)

// Version is the release version, set with -ldflags at build time.
var Version = "dev"

var (
	commitSha string
	buildTime string
)

// CommitSha returns the hash of the git commit used for the build. When not
// set at link time it falls back to the VCS stamp recorded by the Go linker.
func CommitSha() string {
	if commitSha != "" {
		return commitSha
	}
	return buildSetting("vcs.revision")
}

// BuildTime returns the timestamp of the commit used for the build, or the
// zero time when unknown.
func BuildTime() time.Time {
	raw := buildTime
	if raw == "" {
		raw = buildSetting("vcs.time")
	}
	value, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return value
}

func buildSetting(key string) string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == key {
			return s.Value
		}
	}
	return ""
}
