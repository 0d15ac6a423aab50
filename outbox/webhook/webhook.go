// Package webhook delivers outbox messages as HTTP POST requests. A
// destination of the form "webhook:https://example.com/events" posts the
// message payload to that URL.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters"
)

var _ strata.Publisher = (*Publisher)(nil)

// Publisher posts outbox messages to the URL embedded in their destination.
// Message headers are forwarded as "X-Outbox-" prefixed HTTP headers.
type Publisher struct {
	client         *http.Client
	defaultHeaders map[string]string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithHTTPClient sets the HTTP client used for deliveries.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithTimeout sets the per-request timeout. Defaults to 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.client.Timeout = d
	}
}

// WithDefaultHeaders adds headers sent with every request, such as an
// Authorization header. Message headers take precedence.
func WithDefaultHeaders(headers map[string]string) Option {
	return func(p *Publisher) {
		for k, v := range headers {
			p.defaultHeaders[k] = v
		}
	}
}

// New creates a webhook Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
		defaultHeaders: map[string]string{
			"Content-Type": "application/json",
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Destination returns the destination scheme this publisher handles.
func (p *Publisher) Destination() string {
	return "webhook"
}

// Publish posts each message to its destination URL. Every message is
// attempted; failures are joined into the returned error. A response status
// of 400 or above counts as a failure so the relay retries the message.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	var errs []error
	for _, msg := range messages {
		if err := p.deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) deliver(ctx context.Context, msg *adapters.OutboxMessage) error {
	url := urlOf(msg.Destination)
	if url == "" {
		return fmt.Errorf("strata/webhook: destination %q has no URL", msg.Destination)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(msg.Payload))
	if err != nil {
		return fmt.Errorf("strata/webhook: build request for %s: %w", url, err)
	}

	for k, v := range p.defaultHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range msg.Headers {
		req.Header.Set("X-Outbox-"+k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("strata/webhook: post to %s: %w", url, err)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("strata/webhook: %s responded %d", url, resp.StatusCode)
	}
	return nil
}

// urlOf strips the "webhook:" scheme from a destination. It returns "" when
// the destination uses a different scheme or carries no URL.
func urlOf(destination string) string {
	const scheme = "webhook:"
	if strings.HasPrefix(destination, scheme) {
		return destination[len(scheme):]
	}
	return ""
}
