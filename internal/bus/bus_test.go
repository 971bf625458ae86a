// Copyright Elasticsearch B.V. and/or licensed to Elasticsearch B.V. under one
// or more contributor license agreements. Licensed under the Elastic License 2.0;
// you may not use this file except in compliance with the Elastic License 2.0.

package bus

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func messages(n int) []Message {
	out := make([]Message, n)
	for i := range out {
		out[i] = Message{
			Key:   []byte("user-1"),
			Value: []byte(`{"event_id":"1b4e28ba-2fa1-41d2-883f-0016d3cca427","n":` + string(rune('0'+i%10)) + `}`),
		}
	}
	return out
}

func TestHTTPPublish(t *testing.T) {
	stub := NewStub(StubWithToken("secret"), StubWithRecording())
	srv := httptest.NewServer(stub)
	defer srv.Close()

	core, logs := observer.New(zap.DebugLevel)
	b, err := NewHTTP(zap.New(core), HTTPConfig{URL: srv.URL, Token: "secret", Client: srv.Client()})
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, b.Publish(context.Background(), messages(3)))
	require.NoError(t, b.Publish(context.Background(), messages(2)))

	assert.Equal(t, int64(5), stub.Events())
	assert.Equal(t, int64(2), stub.Batches())
	assert.Len(t, stub.Received(), 5)
	assert.Equal(t, 2, logs.FilterMessageSnippet("batch acknowledged").Len())
}

func TestHTTPErrorClassification(t *testing.T) {
	t.Run("unauthorized is rejected", func(t *testing.T) {
		srv := httptest.NewServer(NewStub(StubWithToken("secret")))
		defer srv.Close()

		core, logs := observer.New(zap.ErrorLevel)
		b, err := NewHTTP(zap.New(core), HTTPConfig{URL: srv.URL, Client: srv.Client()})
		require.NoError(t, err)

		err = b.Publish(context.Background(), messages(1))
		assert.ErrorIs(t, err, ErrRejected)
		statusCode, ok := logs.FilterFieldKey("status_code").TakeAll()[0].ContextMap()["status_code"]
		require.True(t, ok)
		assert.Equal(t, int64(http.StatusUnauthorized), statusCode)
	})

	t.Run("unavailable is transient", func(t *testing.T) {
		stub := NewStub(StubWithFailures(1))
		srv := httptest.NewServer(stub)
		defer srv.Close()

		b, err := NewHTTP(zap.NewNop(), HTTPConfig{URL: srv.URL, Client: srv.Client()})
		require.NoError(t, err)

		err = b.Publish(context.Background(), messages(1))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrRejected))
		require.NoError(t, b.Publish(context.Background(), messages(1)))
		assert.Equal(t, int64(1), stub.Events())
	})

	t.Run("throttled is transient", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
		}))
		defer srv.Close()

		b, err := NewHTTP(zap.NewNop(), HTTPConfig{URL: srv.URL, Client: srv.Client()})
		require.NoError(t, err)
		err = b.Publish(context.Background(), messages(1))
		require.Error(t, err)
		assert.False(t, errors.Is(err, ErrRejected))
	})
}

func TestStubDecoding(t *testing.T) {
	stub := NewStub()
	srv := httptest.NewServer(stub)
	defer srv.Close()

	var body bytes.Buffer
	gz := gzip.NewWriter(&body)
	_, err := gz.Write([]byte("{\"event_id\":\"a\"}\n{\"event_id\":\"b\"}\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req, err := http.NewRequest(http.MethodPost, srv.URL+EventsPath, &body)
	require.NoError(t, err)
	req.Header.Set("Content-Encoding", "gzip")
	res, err := srv.Client().Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusAccepted, res.StatusCode)
	assert.Equal(t, int64(2), stub.Events())

	res, err = srv.Client().Post(srv.URL+EventsPath, "application/x-ndjson", strings.NewReader("{\"n\":1}\n"))
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = srv.Client().Get(srv.URL + "/unknown")
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.Publish(context.Background(), messages(2)))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"))
	require.NoError(t, w.Close())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, w.Publish(ctx, messages(1)), context.Canceled)
}

// flakyWriter fails its first writes, then records everything it is given.
type flakyWriter struct {
	failures int
	buf      bytes.Buffer
}

func (f *flakyWriter) Write(p []byte) (int, error) {
	if f.failures > 0 {
		f.failures--
		return 0, errors.New("no space left on device")
	}
	return f.buf.Write(p)
}

func TestWriterRetriesAfterFailure(t *testing.T) {
	fw := &flakyWriter{failures: 1}
	w := NewWriter(fw)
	batch := messages(3)

	require.Error(t, w.Publish(context.Background(), batch))
	assert.Zero(t, fw.buf.Len())

	require.NoError(t, w.Publish(context.Background(), batch))
	lines := strings.Split(strings.TrimSuffix(fw.buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Equal(t, string(batch[i].Value), line)
	}
}

type fakeKafkaWriter struct {
	err  error
	sent []kafka.Message
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaPublish(t *testing.T) {
	fw := &fakeKafkaWriter{}
	k := &Kafka{w: fw}
	require.NoError(t, k.Publish(context.Background(), messages(3)))
	require.Len(t, fw.sent, 3)
	assert.Equal(t, []byte("user-1"), fw.sent[0].Key)

	for _, tc := range []struct {
		name     string
		err      error
		rejected bool
	}{
		{"message too large", kafka.MessageSizeTooLarge, true},
		{"leader not available", kafka.LeaderNotAvailable, false},
		{"write errors too large", kafka.WriteErrors{kafka.MessageSizeTooLarge, nil}, true},
		{"write errors unauthorized", kafka.WriteErrors{kafka.TopicAuthorizationFailed}, true},
		{"write errors leader", kafka.WriteErrors{kafka.LeaderNotAvailable}, false},
		{"write errors mixed", kafka.WriteErrors{kafka.MessageSizeTooLarge, kafka.LeaderNotAvailable}, false},
		{"write errors io", kafka.WriteErrors{io.ErrUnexpectedEOF}, false},
		{"write errors empty", kafka.WriteErrors{nil, nil}, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fw.err = tc.err
			err := k.Publish(context.Background(), messages(2))
			require.Error(t, err)
			assert.Equal(t, tc.rejected, errors.Is(err, ErrRejected))
		})
	}

	_, err := NewKafka(KafkaConfig{Topic: "events"})
	assert.Error(t, err)
}

func TestRedisPublish(t *testing.T) {
	addr := os.Getenv("TRAFFICSIM_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TRAFFICSIM_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	stream := "trafficsim-test-" + t.Name()
	t.Cleanup(func() { client.Del(context.Background(), stream) })

	r := NewRedisWithClient(client, stream, 0)
	require.NoError(t, r.Publish(context.Background(), messages(4)))
	n, err := client.XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	require.NoError(t, r.Close())
}
