// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package bus contains the outbound transports events are published to.
package bus

import (
	"context"
	"errors"
)

// ErrRejected marks a publish failure that retrying cannot fix, such as a
// malformed or unauthorized request.
var ErrRejected = errors.New("rejected by bus")

// Message is a single encoded event.
type Message struct {
	// Key groups related messages, e.g. for partitioning. May be empty.
	Key []byte
	// Value is the JSON encoded event.
	Value []byte
}

// Bus publishes batches of messages. Publish returns only after the bus has
// acknowledged the whole batch. Implementations must tolerate concurrent
// unordered writers from other processes.
type Bus interface {
	Publish(ctx context.Context, batch []Message) error
	Close() error
}
