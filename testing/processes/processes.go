// Package processes provides fixtures for testing process manager
// reactions: feed events in, assert on the commands dispatched.
package processes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/adapters/memory"
)

// TB is testing.TB, aliased so fixtures can be driven by a recorder in
// their own tests.
type TB = testing.TB

// Fixture wires a process manager to an in-memory store and a recording
// command bus. Reactions run through the real dispatch path; the commands
// they emit are captured for assertions.
type Fixture struct {
	t       TB
	ctx     context.Context
	store   *strata.EventStore
	bus     *strata.CommandBus
	manager *strata.ProcessManager

	dispatched []strata.Command
	err        error
	position   uint64
}

// ForProcess creates a fixture around a named process manager. Retries are
// disabled so a failing command surfaces immediately.
func ForProcess(t TB, name string) *Fixture {
	t.Helper()

	store := strata.New(memory.NewAdapter())
	bus := strata.NewCommandBus()
	f := &Fixture{
		t:     t,
		ctx:   context.Background(),
		store: store,
		bus:   bus,
	}
	f.manager = strata.NewProcessManager(name, store, bus, memory.NewCheckpointStore(),
		strata.WithProcessRetry(1, 0))
	return f
}

// WithContext replaces the context used when processing events.
func (f *Fixture) WithContext(ctx context.Context) *Fixture {
	f.ctx = ctx
	return f
}

// On registers a reaction with the underlying manager.
func (f *Fixture) On(eventType string, reaction strata.Reaction) *Fixture {
	f.manager.On(eventType, reaction)
	return f
}

// Handling registers recording handlers for the given command types. Every
// dispatched command of those types succeeds and is captured.
func (f *Fixture) Handling(commandTypes ...string) *Fixture {
	for _, cmdType := range commandTypes {
		f.bus.RegisterFunc(cmdType, func(ctx context.Context, cmd strata.Command) (strata.CommandResult, error) {
			f.dispatched = append(f.dispatched, cmd)
			return strata.NewSuccessResult(aggregateIDOf(cmd), 1), nil
		})
	}
	return f
}

// FailingCommand registers a handler for a command type that always fails
// with the given error, for testing reaction failure paths.
func (f *Fixture) FailingCommand(commandType string, err error) *Fixture {
	f.bus.RegisterFunc(commandType, func(ctx context.Context, cmd strata.Command) (strata.CommandResult, error) {
		return strata.NewErrorResult(err), err
	})
	return f
}

// WhenEvent runs the manager's reactions for one stored event. Missing
// positions and timestamps are stamped so event ordering stays realistic.
func (f *Fixture) WhenEvent(event strata.StoredEvent) *Fixture {
	f.t.Helper()

	f.position++
	if event.GlobalPosition == 0 {
		event.GlobalPosition = f.position
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	f.err = f.manager.ProcessEvent(f.ctx, event)
	return f
}

// WhenDomainEvent marshals a domain event to JSON and processes it as a
// stored event on the given stream. The event type is the struct name.
func (f *Fixture) WhenDomainEvent(streamID string, event interface{}) *Fixture {
	f.t.Helper()

	data, err := json.Marshal(event)
	if err != nil {
		f.t.Fatalf("marshaling domain event %T: %v", event, err)
	}

	t := reflect.TypeOf(event)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	return f.WhenEvent(strata.StoredEvent{
		ID:       fmt.Sprintf("evt-%d", f.position+1),
		StreamID: streamID,
		Type:     t.Name(),
		Data:     data,
	})
}

// ThenDispatched asserts the recorded commands match expected, in order.
func (f *Fixture) ThenDispatched(expected ...strata.Command) *Fixture {
	f.t.Helper()

	if f.err != nil {
		f.t.Fatalf("processing failed: %v", f.err)
	}
	if len(f.dispatched) != len(expected) {
		f.t.Fatalf("expected %d commands, got %d\nexpected: %+v\nactual:   %+v",
			len(expected), len(f.dispatched), expected, f.dispatched)
	}
	for i, exp := range expected {
		if !reflect.DeepEqual(f.dispatched[i], exp) {
			f.t.Errorf("command %d mismatch\nexpected: %+v\nactual:   %+v",
				i, exp, f.dispatched[i])
		}
	}
	return f
}

// ThenNoCommands asserts processing succeeded without dispatching anything.
func (f *Fixture) ThenNoCommands() *Fixture {
	f.t.Helper()

	if f.err != nil {
		f.t.Fatalf("processing failed: %v", f.err)
	}
	if len(f.dispatched) > 0 {
		f.t.Errorf("expected no commands, got %d: %+v", len(f.dispatched), f.dispatched)
	}
	return f
}

// ThenCommandCount asserts how many commands were dispatched in total.
func (f *Fixture) ThenCommandCount(expected int) *Fixture {
	f.t.Helper()

	if len(f.dispatched) != expected {
		f.t.Errorf("expected %d commands, got %d", expected, len(f.dispatched))
	}
	return f
}

// ThenContains asserts that a matching command was dispatched at some point.
func (f *Fixture) ThenContains(expected strata.Command) *Fixture {
	f.t.Helper()

	for _, cmd := range f.dispatched {
		if reflect.DeepEqual(cmd, expected) {
			return f
		}
	}
	f.t.Errorf("dispatched commands do not contain %+v", expected)
	return f
}

// ThenError asserts processing failed with an error matching expected.
func (f *Fixture) ThenError(expected error) *Fixture {
	f.t.Helper()

	if f.err == nil {
		f.t.Fatal("expected an error, got success")
	}
	if !errors.Is(f.err, expected) {
		f.t.Errorf("expected error %v, got %v", expected, f.err)
	}
	return f
}

// ThenErrorContains asserts processing failed and the message contains the
// substring.
func (f *Fixture) ThenErrorContains(substring string) *Fixture {
	f.t.Helper()

	if f.err == nil {
		f.t.Fatal("expected an error, got success")
	}
	if !strings.Contains(f.err.Error(), substring) {
		f.t.Errorf("expected error containing %q, got %q", substring, f.err.Error())
	}
	return f
}

// Commands returns the dispatched commands for ad-hoc assertions.
func (f *Fixture) Commands() []strata.Command {
	return f.dispatched
}

// Manager returns the underlying process manager.
func (f *Fixture) Manager() *strata.ProcessManager {
	return f.manager
}

// Store returns the fixture's event store.
func (f *Fixture) Store() *strata.EventStore {
	return f.store
}

func aggregateIDOf(cmd strata.Command) string {
	if c, ok := cmd.(interface{ AggregateID() string }); ok {
		return c.AggregateID()
	}
	return ""
}
