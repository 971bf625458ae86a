// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

// Package metrics exposes generator counters to Prometheus.
// All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trafficsim"

// Metrics holds the collectors shared by all workers of a process.
type Metrics struct {
	registry *prometheus.Registry

	candidates    *prometheus.CounterVec
	events        *prometheus.CounterVec
	batches       *prometheus.CounterVec
	retries       *prometheus.CounterVec
	checkpoints   *prometheus.CounterVec
	flushDuration prometheus.Histogram
	simulatedTime *prometheus.GaugeVec
}

// New registers the collectors with reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		candidates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "candidates_total",
			Help:      "Candidate arrivals drawn by the sampler, by outcome.",
		}, []string{"worker", "outcome"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events generated, by country and type.",
		}, []string{"country", "type"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Batches handed to the bus, by result.",
		}, []string{"result"}),
		retries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_retries_total",
			Help:      "Failed publish attempts that were retried.",
		}, []string{"worker"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Checkpoint saves, by result.",
		}, []string{"result"}),
		flushDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Time spent delivering one batch including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		simulatedTime: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "simulated_time_seconds",
			Help:      "Simulated clock of each worker as a Unix timestamp.",
		}, []string{"worker"}),
	}
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Candidates records sampler outcomes since the previous call.
func (m *Metrics) Candidates(worker int, accepted, rejected uint64) {
	if m == nil {
		return
	}
	w := strconv.Itoa(worker)
	m.candidates.WithLabelValues(w, "accepted").Add(float64(accepted))
	m.candidates.WithLabelValues(w, "rejected").Add(float64(rejected))
}

// Event counts one generated event.
func (m *Metrics) Event(country, typ string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(country, typ).Inc()
}

// Batch counts one batch outcome: "acked", "dropped" or "failed".
func (m *Metrics) Batch(result string, seconds float64) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(result).Inc()
	m.flushDuration.Observe(seconds)
}

// Retry counts one retried publish attempt.
func (m *Metrics) Retry(worker int) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(strconv.Itoa(worker)).Inc()
}

// Checkpoint counts one checkpoint save: "saved" or "failed".
func (m *Metrics) Checkpoint(result string) {
	if m == nil {
		return
	}
	m.checkpoints.WithLabelValues(result).Inc()
}

// SimulatedTime sets the worker's simulated clock.
func (m *Metrics) SimulatedTime(worker int, unix float64) {
	if m == nil {
		return
	}
	m.simulatedTime.WithLabelValues(strconv.Itoa(worker)).Set(unix)
}
