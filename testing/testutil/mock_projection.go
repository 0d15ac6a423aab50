package testutil

import (
	"context"
	"errors"

	"github.com/stratastore/strata"
)

var _ strata.InlineProjection = (*StubProjection)(nil)

// StubProjection records every event it is handed and fails with ApplyErr
// when set.
type StubProjection struct {
	ProjectionName string
	EventTypes     []string
	ApplyErr       error
	Applied        []strata.StoredEvent
}

func (p *StubProjection) Name() string {
	return p.ProjectionName
}

func (p *StubProjection) HandledEvents() []string {
	return p.EventTypes
}

func (p *StubProjection) Apply(ctx context.Context, event strata.StoredEvent) error {
	p.Applied = append(p.Applied, event)
	return p.ApplyErr
}

// StubCommand is a minimal command for middleware and bus tests. Validation
// fails when ShouldFail is set.
type StubCommand struct {
	ID         string
	ShouldFail bool
}

// AggregateID returns the target aggregate's ID.
func (c *StubCommand) AggregateID() string { return c.ID }

// CommandType implements strata.Command.
func (c *StubCommand) CommandType() string { return "StubCommand" }

// Validate implements strata.Command.
func (c *StubCommand) Validate() error {
	if c.ShouldFail {
		return errors.New("validation failed")
	}
	return nil
}
