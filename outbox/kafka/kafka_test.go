package kafka

import (
	"context"
	"fmt"
	"net"
	"os"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata/adapters"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := New()

		assert.Equal(t, []string{"localhost:9092"}, p.brokers)
		assert.NotNil(t, p.balancer)
		assert.Equal(t, 10*time.Millisecond, p.batchTimeout)
		assert.Equal(t, "kafka", p.Destination())
	})

	t.Run("applies options", func(t *testing.T) {
		balancer := &kafkago.RoundRobin{}
		p := New(
			WithBrokers("broker1:9092", "broker2:9092"),
			WithBalancer(balancer),
			WithBatchTimeout(500*time.Millisecond),
		)

		assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, p.brokers)
		assert.Equal(t, balancer, p.balancer)
		assert.Equal(t, 500*time.Millisecond, p.batchTimeout)
	})
}

func TestTopicOf(t *testing.T) {
	cases := []struct {
		destination string
		want        string
	}{
		{"kafka:orders", "orders"},
		{"kafka:events.order.placed", "events.order.placed"},
		{"webhook:https://example.com", ""},
		{"orders", ""},
		{"kafka:", ""},
	}

	for _, tc := range cases {
		t.Run(tc.destination, func(t *testing.T) {
			assert.Equal(t, tc.want, topicOf(tc.destination))
		})
	}
}

func TestPublisher_Publish_MissingTopic(t *testing.T) {
	p := New()

	err := p.Publish(context.Background(), []*adapters.OutboxMessage{
		{ID: "msg-1", Destination: "kafka:", Payload: []byte(`{"id":"1"}`)},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "has no topic")
}

func TestPublisher_WriterCaching(t *testing.T) {
	p := New()

	w1 := p.writer("orders")
	w2 := p.writer("orders")
	w3 := p.writer("invoices")

	assert.Same(t, w1, w2)
	assert.NotSame(t, w1, w3)
}

// Integration tests need a reachable broker in TEST_KAFKA_BROKERS.

type integrationEnv struct {
	brokers   string
	topic     string
	publisher *Publisher
	ctx       context.Context
}

func setupIntegration(t *testing.T) *integrationEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}

	topic := fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
	createTopic(t, brokers, topic)

	p := New(WithBrokers(brokers), WithBatchTimeout(10*time.Millisecond), WithTransport(&kafkago.Transport{}))
	t.Cleanup(func() { _ = p.Close() })

	return &integrationEnv{
		brokers:   brokers,
		topic:     topic,
		publisher: p,
		ctx:       context.Background(),
	}
}

func (e *integrationEnv) publish(t *testing.T, msg *adapters.OutboxMessage) {
	t.Helper()
	msg.Destination = "kafka:" + e.topic
	require.NoError(t, e.publisher.Publish(e.ctx, []*adapters.OutboxMessage{msg}))
}

func (e *integrationEnv) readMessage(t *testing.T) kafkago.Message {
	t.Helper()
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:   []string{e.brokers},
		Topic:     e.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
		MaxWait:   5 * time.Second,
	})
	defer reader.Close()

	readCtx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()

	msg, err := reader.ReadMessage(readCtx)
	require.NoError(t, err)
	return msg
}

func createTopic(t *testing.T, brokers, topic string) {
	t.Helper()
	conn, err := kafkago.Dial("tcp", brokers)
	require.NoError(t, err)
	defer conn.Close()

	controller, err := conn.Controller()
	require.NoError(t, err)

	controllerConn, err := kafkago.Dial("tcp", net.JoinHostPort(controller.Host, fmt.Sprintf("%d", controller.Port)))
	require.NoError(t, err)
	defer controllerConn.Close()

	require.NoError(t, controllerConn.CreateTopics(kafkago.TopicConfig{
		Topic:             topic,
		NumPartitions:     1,
		ReplicationFactor: 1,
	}))

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		partitions, err := conn.ReadPartitions(topic)
		if err == nil && len(partitions) > 0 {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatalf("topic %s not available after 10s", topic)
}

func TestPublisher_Publish_Integration(t *testing.T) {
	env := setupIntegration(t)
	env.publish(t, &adapters.OutboxMessage{
		ID:          "msg-1",
		AggregateID: "Order-1",
		EventType:   "OrderPlaced",
		Payload:     []byte(`{"orderId":"Order-1"}`),
	})

	msg := env.readMessage(t)
	assert.Equal(t, []byte("Order-1"), msg.Key)
	assert.Equal(t, []byte(`{"orderId":"Order-1"}`), msg.Value)
}

func TestPublisher_Publish_Headers_Integration(t *testing.T) {
	env := setupIntegration(t)
	env.publish(t, &adapters.OutboxMessage{
		ID:          "msg-1",
		AggregateID: "Order-2",
		Payload:     []byte(`{"orderId":"Order-2"}`),
		Headers: map[string]string{
			"correlation-id": "corr-abc",
			"event-type":     "OrderShipped",
		},
	})

	msg := env.readMessage(t)
	headers := make(map[string]string)
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "corr-abc", headers["correlation-id"])
	assert.Equal(t, "OrderShipped", headers["event-type"])
}

func TestPublisher_Publish_MultipleTopics_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	brokers := os.Getenv("TEST_KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("TEST_KAFKA_BROKERS not set")
	}

	topic1 := fmt.Sprintf("test-%s-%d-a", t.Name(), time.Now().UnixNano())
	topic2 := fmt.Sprintf("test-%s-%d-b", t.Name(), time.Now().UnixNano())
	createTopic(t, brokers, topic1)
	createTopic(t, brokers, topic2)

	p := New(WithBrokers(brokers), WithBatchTimeout(10*time.Millisecond), WithTransport(&kafkago.Transport{}))
	defer p.Close()
	ctx := context.Background()

	err := p.Publish(ctx, []*adapters.OutboxMessage{
		{ID: "msg-1", AggregateID: "Order-1", Destination: "kafka:" + topic1, Payload: []byte(`{"topic":"1"}`)},
		{ID: "msg-2", AggregateID: "Order-2", Destination: "kafka:" + topic2, Payload: []byte(`{"topic":"2"}`)},
	})
	require.NoError(t, err)

	readFrom := func(topic string) kafkago.Message {
		reader := kafkago.NewReader(kafkago.ReaderConfig{
			Brokers: []string{brokers}, Topic: topic, Partition: 0,
			MinBytes: 1, MaxBytes: 10e6, MaxWait: 5 * time.Second,
		})
		defer reader.Close()
		readCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		msg, err := reader.ReadMessage(readCtx)
		require.NoError(t, err)
		return msg
	}

	assert.Equal(t, []byte(`{"topic":"1"}`), readFrom(topic1).Value)
	assert.Equal(t, []byte(`{"topic":"2"}`), readFrom(topic2).Value)
}

func TestPublisher_Close_Integration(t *testing.T) {
	env := setupIntegration(t)
	env.publish(t, &adapters.OutboxMessage{
		ID: "msg-1", AggregateID: "Order-1", Payload: []byte(`{}`),
	})

	assert.NoError(t, env.publisher.Close())
	assert.NoError(t, env.publisher.Close())
}
