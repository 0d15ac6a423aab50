// Package kafka delivers outbox messages to Kafka topics. A destination of
// the form "kafka:orders" routes to the topic "orders"; one writer is kept
// per topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters"
)

var _ strata.Publisher = (*Publisher)(nil)

// Publisher writes outbox messages to Kafka. The message's aggregate ID
// becomes the Kafka key, so events of one aggregate stay ordered within a
// partition.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper

	mu      sync.RWMutex
	writers map[string]*kafkago.Writer
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithBrokers sets the broker addresses. Defaults to localhost:9092.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the partition balancer. Defaults to LeastBytes.
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets how long a writer buffers before flushing a batch.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTransport sets a custom transport, for TLS or SASL setups.
func WithTransport(transport kafkago.RoundTripper) Option {
	return func(p *Publisher) {
		p.transport = transport
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.LeastBytes{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]*kafkago.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the scheme this publisher serves.
func (p *Publisher) Destination() string {
	return "kafka"
}

// Publish writes the messages to their topics. Every topic is attempted even
// when an earlier one fails; the failures come back as one joined error so
// the relay marks the whole batch failed and retries it.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	grouped := make(map[string][]kafkago.Message)
	var errs []error

	for _, msg := range messages {
		topic := topicOf(msg.Destination)
		if topic == "" {
			errs = append(errs, fmt.Errorf("strata/kafka: destination %q has no topic", msg.Destination))
			continue
		}

		record := kafkago.Message{
			Key:   []byte(msg.AggregateID),
			Value: msg.Payload,
		}
		for k, v := range msg.Headers {
			record.Headers = append(record.Headers, kafkago.Header{Key: k, Value: []byte(v)})
		}
		grouped[topic] = append(grouped[topic], record)
	}

	for topic, records := range grouped {
		if err := p.writer(topic).WriteMessages(ctx, records...); err != nil {
			errs = append(errs, fmt.Errorf("strata/kafka: write to topic %q: %w", topic, err))
		}
	}

	return errors.Join(errs...)
}

// Close closes every topic writer.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			return fmt.Errorf("strata/kafka: close writer for topic %q: %w", topic, err)
		}
		delete(p.writers, topic)
	}
	return nil
}

func (p *Publisher) writer(topic string) *kafkago.Writer {
	p.mu.RLock()
	if w, ok := p.writers[topic]; ok {
		p.mu.RUnlock()
		return w
	}
	p.mu.RUnlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}

	w := &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	return w
}

// topicOf strips the "kafka:" scheme from a destination.
func topicOf(destination string) string {
	const scheme = "kafka:"
	if strings.HasPrefix(destination, scheme) {
		return destination[len(scheme):]
	}
	return ""
}
