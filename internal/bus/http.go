// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package bus

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/klauspost/compress/zlib"
	"go.elastic.co/apm/v2/transport"
	"go.uber.org/zap"
)

// EventsPath is the intake path of the HTTP bus.
const EventsPath = "/events"

// HTTP posts batches as deflate-compressed ND-JSON.
type HTTP struct {
	logger     *zap.Logger
	client     *http.Client
	url        string
	headers    http.Header
	writerPool sync.Pool
}

// HTTPConfig holds configuration for an HTTP bus.
type HTTPConfig struct {
	// URL is the base URL of the bus; EventsPath is appended.
	URL     string
	Token   string
	APIKey  string
	Headers map[string]string
	// Client defaults to the APM agent's HTTP transport client.
	Client *http.Client
}

// NewHTTP returns an HTTP bus.
func NewHTTP(logger *zap.Logger, cfg HTTPConfig) (*HTTP, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("http bus: url is required")
	}
	client := cfg.Client
	if client == nil {
		// The APM transport constructor handles proxy and TLS settings
		// from the environment.
		t, err := transport.NewHTTPTransport(transport.HTTPTransportOptions{})
		if err != nil {
			return nil, err
		}
		client = t.Client
	}
	headers := make(http.Header)
	headers.Set("Content-Encoding", "deflate")
	headers.Set("Content-Type", "application/x-ndjson")
	if auth := authHeader(cfg.Token, cfg.APIKey); auth != "" {
		headers.Set("Authorization", auth)
	}
	for name, value := range cfg.Headers {
		headers.Set(name, value)
	}
	h := &HTTP{
		logger:  logger.Named("http-bus"),
		client:  client,
		url:     cfg.URL + EventsPath,
		headers: headers,
	}
	h.writerPool.New = func() any {
		pw := &pooledWriter{}
		pw.Writer, _ = zlib.NewWriterLevel(&pw.buf, zlib.BestSpeed)
		return pw
	}
	return h, nil
}

type pooledWriter struct {
	buf bytes.Buffer
	*zlib.Writer
}

func (pw *pooledWriter) reset() {
	pw.buf.Reset()
	pw.Writer.Reset(&pw.buf)
}

// Publish implements Bus.
func (h *HTTP) Publish(ctx context.Context, batch []Message) error {
	pw := h.writerPool.Get().(*pooledWriter)
	defer h.writerPool.Put(pw)
	pw.reset()

	for _, m := range batch {
		if _, err := pw.Write(m.Value); err != nil {
			return err
		}
		if _, err := pw.Write(newline); err != nil {
			return err
		}
	}
	if err := pw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(pw.buf.Bytes()))
	if err != nil {
		return err
	}
	req.Header = h.headers.Clone()
	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	return h.outcome(res, len(batch))
}

var newline = []byte("\n")

func (h *HTTP) outcome(res *http.Response, n int) error {
	var body bytes.Buffer
	if _, err := body.ReadFrom(res.Body); err != nil {
		h.logger.Error("cannot read body", zap.Error(err))
	}
	if res.StatusCode < http.StatusBadRequest {
		h.logger.Debug("batch acknowledged",
			zap.Int("status_code", res.StatusCode), zap.Int("events", n))
		return nil
	}
	h.logger.Error("request failed",
		zap.Int("status_code", res.StatusCode), zap.String("response", body.String()))
	switch {
	case res.StatusCode == http.StatusRequestTimeout, res.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("bus throttled: %d", res.StatusCode)
	case res.StatusCode/100 == 4:
		return fmt.Errorf("%w: unexpected client error: %d", ErrRejected, res.StatusCode)
	default:
		return fmt.Errorf("unexpected server error: %d", res.StatusCode)
	}
}

// Close implements Bus.
func (h *HTTP) Close() error {
	h.client.CloseIdleConnections()
	return nil
}

func authHeader(token string, apiKey string) string {
	var auth string
	if token != "" {
		auth = "Bearer " + token
	}
	if apiKey != "" {
		auth = "ApiKey " + apiKey
	}
	return auth
}
