package webhook

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := New()
		assert.Equal(t, 30*time.Second, p.client.Timeout)
		assert.Equal(t, "application/json", p.defaultHeaders["Content-Type"])
	})

	t.Run("custom client", func(t *testing.T) {
		client := &http.Client{Timeout: 10 * time.Second}
		p := New(WithHTTPClient(client))
		assert.Same(t, client, p.client)
	})

	t.Run("timeout option", func(t *testing.T) {
		p := New(WithTimeout(5 * time.Second))
		assert.Equal(t, 5*time.Second, p.client.Timeout)
	})
}

func TestPublisher_Destination(t *testing.T) {
	assert.Equal(t, "webhook", New().Destination())
}

func TestPublisher_Publish(t *testing.T) {
	t.Run("posts payload and headers", func(t *testing.T) {
		var gotBody []byte
		var gotHeaders http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeaders = r.Header.Clone()
			gotBody, _ = io.ReadAll(r.Body)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		p := New()
		err := p.Publish(context.Background(), []*adapters.OutboxMessage{
			{
				ID:          "msg-1",
				Destination: "webhook:" + server.URL,
				Payload:     []byte(`{"event":"OrderPlaced","id":"Order-1"}`),
				Headers:     map[string]string{"correlation-id": "abc-123"},
			},
		})
		require.NoError(t, err)

		assert.Equal(t, `{"event":"OrderPlaced","id":"Order-1"}`, string(gotBody))
		assert.Equal(t, "application/json", gotHeaders.Get("Content-Type"))
		assert.Equal(t, "abc-123", gotHeaders.Get("X-Outbox-correlation-id"))
	})

	t.Run("sends default headers", func(t *testing.T) {
		var gotHeaders http.Header
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotHeaders = r.Header.Clone()
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		p := New(WithDefaultHeaders(map[string]string{
			"Authorization": "Bearer token123",
		}))
		err := p.Publish(context.Background(), []*adapters.OutboxMessage{
			{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{}`)},
		})
		require.NoError(t, err)
		assert.Equal(t, "Bearer token123", gotHeaders.Get("Authorization"))
	})

	t.Run("delivers every message", func(t *testing.T) {
		var calls atomic.Int64
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		p := New()
		err := p.Publish(context.Background(), []*adapters.OutboxMessage{
			{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{"id":"1"}`)},
			{ID: "msg-2", Destination: "webhook:" + server.URL, Payload: []byte(`{"id":"2"}`)},
			{ID: "msg-3", Destination: "webhook:" + server.URL, Payload: []byte(`{"id":"3"}`)},
		})
		require.NoError(t, err)
		assert.Equal(t, int64(3), calls.Load())
	})

	t.Run("no messages", func(t *testing.T) {
		p := New()
		assert.NoError(t, p.Publish(context.Background(), nil))
		assert.NoError(t, p.Publish(context.Background(), []*adapters.OutboxMessage{}))
	})

	t.Run("rejects destinations without a url", func(t *testing.T) {
		p := New()
		err := p.Publish(context.Background(), []*adapters.OutboxMessage{
			{ID: "msg-1", Destination: "kafka:orders", Payload: []byte(`{}`)},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no URL")
	})

	t.Run("fails on error status", func(t *testing.T) {
		for _, status := range []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError} {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(status)
			}))

			p := New()
			err := p.Publish(context.Background(), []*adapters.OutboxMessage{
				{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{}`)},
			})
			server.Close()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "responded")
		}
	})

	t.Run("accepts any status below 400", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusAccepted)
		}))
		defer server.Close()

		p := New()
		err := p.Publish(context.Background(), []*adapters.OutboxMessage{
			{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{}`)},
		})
		assert.NoError(t, err)
	})

	t.Run("attempts every message and joins the failures", func(t *testing.T) {
		var calls atomic.Int64
		okServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusOK)
		}))
		defer okServer.Close()
		badServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer badServer.Close()

		p := New()
		err := p.Publish(context.Background(), []*adapters.OutboxMessage{
			{ID: "msg-1", Destination: "webhook:" + badServer.URL, Payload: []byte(`{}`)},
			{ID: "msg-2", Destination: "webhook:" + okServer.URL, Payload: []byte(`{}`)},
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "responded 502")
		assert.Equal(t, int64(1), calls.Load())
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		p := New()
		err := p.Publish(ctx, []*adapters.OutboxMessage{
			{ID: "msg-1", Destination: "webhook:" + server.URL, Payload: []byte(`{}`)},
		})
		assert.Error(t, err)
	})
}

func TestURLOf(t *testing.T) {
	tests := []struct {
		destination string
		want        string
	}{
		{"webhook:https://example.com/events", "https://example.com/events"},
		{"webhook:http://localhost:8080/hook", "http://localhost:8080/hook"},
		{"kafka:orders", ""},
		{"invalid", ""},
		{"webhook:", ""},
	}

	for _, tt := range tests {
		t.Run(tt.destination, func(t *testing.T) {
			assert.Equal(t, tt.want, urlOf(tt.destination))
		})
	}
}
