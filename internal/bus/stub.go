// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package bus

import (
	"bufio"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

// Stub is an in-process HTTP bus that acknowledges ND-JSON batches posted to
// EventsPath. It is meant for local runs and tests.
type Stub struct {
	logger    *zap.Logger
	token     string
	failFirst int64
	keep      bool

	requests atomic.Int64
	batches  atomic.Int64
	events   atomic.Int64

	mu       sync.Mutex
	received [][]byte
}

// StubOption configures a Stub.
type StubOption func(*Stub)

// StubWithLogger sets the logger.
func StubWithLogger(logger *zap.Logger) StubOption {
	return func(s *Stub) {
		s.logger = logger
	}
}

// StubWithToken requires a matching bearer token.
func StubWithToken(token string) StubOption {
	return func(s *Stub) {
		s.token = token
	}
}

// StubWithFailures makes the first n intake requests fail with 503.
func StubWithFailures(n int) StubOption {
	return func(s *Stub) {
		s.failFirst = int64(n)
	}
}

// StubWithRecording keeps every received event for inspection.
func StubWithRecording() StubOption {
	return func(s *Stub) {
		s.keep = true
	}
}

// NewStub returns a Stub.
func NewStub(options ...StubOption) *Stub {
	s := &Stub{logger: zap.NewNop()}
	for _, opt := range options {
		opt(s)
	}
	return s
}

// Events returns the number of acknowledged events.
func (s *Stub) Events() int64 { return s.events.Load() }

// Batches returns the number of acknowledged batches.
func (s *Stub) Batches() int64 { return s.batches.Load() }

// Received returns the recorded events, if recording is enabled.
func (s *Stub) Received() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

func (s *Stub) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	switch req.URL.Path {
	case "/":
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"batches":%d,"events":%d}`, s.batches.Load(), s.events.Load())
	case EventsPath:
		s.intake(w, req)
	default:
		s.logger.Error("unknown path", zap.String("path", req.URL.Path))
		http.NotFound(w, req)
	}
}

func (s *Stub) intake(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.token != "" && req.Header.Get("Authorization") != "Bearer "+s.token {
		s.logger.Error("authentication failed")
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if n := s.requests.Add(1); n <= s.failFirst {
		s.logger.Debug("injected failure", zap.Int64("request", n))
		http.Error(w, "injected failure", http.StatusServiceUnavailable)
		return
	}

	body, err := decodeBody(req)
	if err != nil {
		s.logger.Error("reader error", zap.Error(err))
		http.Error(w, fmt.Sprintf("reader error: %v", err), http.StatusBadRequest)
		return
	}
	defer body.Close()

	var lines [][]byte
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if !gjson.ValidBytes(line) || !gjson.GetBytes(line, "event_id").Exists() {
			http.Error(w, "invalid event at line "+strconv.Itoa(len(lines)+1), http.StatusBadRequest)
			return
		}
		lines = append(lines, append([]byte(nil), line...))
	}
	if err := scanner.Err(); err != nil {
		s.logger.Error("scanner error", zap.Error(err))
		http.Error(w, fmt.Sprintf("scanner error: %v", err), http.StatusBadRequest)
		return
	}

	if s.keep {
		s.mu.Lock()
		s.received = append(s.received, lines...)
		s.mu.Unlock()
	}
	s.batches.Add(1)
	s.events.Add(int64(len(lines)))
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintf(w, `{"accepted":%d}`, len(lines))
}

func decodeBody(req *http.Request) (io.ReadCloser, error) {
	switch req.Header.Get("Content-Encoding") {
	case "deflate":
		return zlib.NewReader(req.Body)
	case "gzip":
		return gzip.NewReader(req.Body)
	case "zstd":
		r, err := zstd.NewReader(req.Body)
		if err != nil {
			return nil, err
		}
		return r.IOReadCloser(), nil
	default:
		return io.NopCloser(req.Body), nil
	}
}
