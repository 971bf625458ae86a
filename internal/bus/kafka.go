// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds configuration for a Kafka bus.
type KafkaConfig struct {
	Brokers []string
	Topic   string
	// BatchTimeout bounds how long the writer waits to fill its own internal
	// batches. Our batches are already formed, so this is kept short.
	BatchTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes each event as a message keyed by user id, so one user's
// events land on the same partition.
type Kafka struct {
	w messageWriter
}

// NewKafka returns a Kafka bus writing synchronously to cfg.Topic.
func NewKafka(cfg KafkaConfig) (*Kafka, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka bus: brokers and topic are required")
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	return &Kafka{w: &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: cfg.BatchTimeout,
		// Retries are driven by the publisher.
		MaxAttempts: 1,
	}}, nil
}

// Publish implements Bus.
func (k *Kafka) Publish(ctx context.Context, batch []Message) error {
	msgs := make([]kafka.Message, len(batch))
	for i, m := range batch {
		msgs[i] = kafka.Message{Key: m.Key, Value: m.Value}
	}
	err := k.w.WriteMessages(ctx, msgs...)
	if err == nil {
		return nil
	}
	if permanent(err) {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return err
}

// permanent reports whether err is made only of non-temporary broker errors.
// A synchronous writer reports per message failures as kafka.WriteErrors.
func permanent(err error) bool {
	var werrs kafka.WriteErrors
	if errors.As(err, &werrs) {
		var n int
		for _, e := range werrs {
			if e == nil {
				continue
			}
			if !permanent(e) {
				return false
			}
			n++
		}
		return n > 0
	}
	var kerr kafka.Error
	return errors.As(err, &kerr) && !kerr.Temporary()
}

// Close implements Bus.
func (k *Kafka) Close() error { return k.w.Close() }
