// Package sns delivers outbox messages to AWS SNS topics. A destination of
// the form "sns:arn:aws:sns:region:account:topic" routes to that topic ARN.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters"
)

var _ strata.Publisher = (*Publisher)(nil)

// Client is the subset of the SNS API the publisher calls.
type Client interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher sends outbox messages to SNS. Message headers become SNS
// message attributes.
type Publisher struct {
	client         Client
	messageGroupID string
}

// Option configures a Publisher.
type Option func(*Publisher)

// WithClient sets the SNS client. Required before Publish.
func WithClient(client Client) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithMessageGroupID sets the message group ID applied to every publish,
// for FIFO topics.
func WithMessageGroupID(groupID string) Option {
	return func(p *Publisher) {
		p.messageGroupID = groupID
	}
}

// New creates a Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns the scheme this publisher serves.
func (p *Publisher) Destination() string {
	return "sns"
}

// Publish sends each message to its topic ARN. Every message is attempted
// even when an earlier one fails; the failures come back as one joined
// error so the relay retries the batch.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.OutboxMessage) error {
	if p.client == nil {
		return errors.New("strata/sns: client not configured")
	}

	var errs []error
	for _, msg := range messages {
		topicARN := topicARNOf(msg.Destination)
		if topicARN == "" {
			errs = append(errs, fmt.Errorf("strata/sns: destination %q has no topic ARN", msg.Destination))
			continue
		}

		input := &sns.PublishInput{
			TopicArn: aws.String(topicARN),
			Message:  aws.String(string(msg.Payload)),
		}
		if len(msg.Headers) > 0 {
			input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(msg.Headers))
			for k, v := range msg.Headers {
				input.MessageAttributes[k] = types.MessageAttributeValue{
					DataType:    aws.String("String"),
					StringValue: aws.String(v),
				}
			}
		}
		if p.messageGroupID != "" {
			input.MessageGroupId = aws.String(p.messageGroupID)
		}

		if _, err := p.client.Publish(ctx, input); err != nil {
			errs = append(errs, fmt.Errorf("strata/sns: publish to %s: %w", topicARN, err))
		}
	}

	return errors.Join(errs...)
}

// topicARNOf strips the "sns:" scheme from a destination.
func topicARNOf(destination string) string {
	const scheme = "sns:"
	if strings.HasPrefix(destination, scheme) {
		return destination[len(scheme):]
	}
	return ""
}
