// Package bdd provides Given-When-Then fixtures for event-sourced
// aggregates and command dispatch.
package bdd

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stratastore/strata"
	"github.com/stratastore/strata/testing/assertions"
)

// TB is testing.TB, aliased so fixtures can be driven by a recorder in
// their own tests.
type TB = testing.TB

// AggregateFixture drives one aggregate through a history, a command, and
// assertions about the raised events.
type AggregateFixture struct {
	t           TB
	aggregate   strata.Aggregate
	givenEvents []interface{}
	result      error
	executed    bool
}

// Given starts a fixture on an aggregate, optionally replaying historical
// events to establish its state.
func Given(t TB, aggregate strata.Aggregate, events ...interface{}) *AggregateFixture {
	t.Helper()
	return &AggregateFixture{
		t:           t,
		aggregate:   aggregate,
		givenEvents: events,
	}
}

// When replays the given events and then runs the command function. The
// events raised by the command are what Then asserts against.
func (f *AggregateFixture) When(command func() error) *AggregateFixture {
	f.t.Helper()

	for _, event := range f.givenEvents {
		if err := f.aggregate.ApplyEvent(event); err != nil {
			f.t.Fatalf("replaying given event %T: %v", event, err)
		}
	}
	f.aggregate.ClearUncommittedEvents()

	f.result = command()
	f.executed = true

	return f
}

// Then asserts the command succeeded and raised exactly the expected
// events, in order.
func (f *AggregateFixture) Then(expectedEvents ...interface{}) {
	f.t.Helper()
	f.requireExecuted("Then")

	if f.result != nil {
		f.t.Fatalf("expected success, got error: %v", f.result)
	}

	raised := f.aggregate.UncommittedEvents()
	diffs := assertions.DiffEvents(expectedEvents, raised)
	if len(raised) != len(expectedEvents) {
		f.t.Fatalf("expected %d events, got %d\n%s",
			len(expectedEvents), len(raised), assertions.FormatDiffs(diffs))
	}
	if len(diffs) > 0 {
		f.t.Error(assertions.FormatDiffs(diffs))
	}
}

// ThenError asserts the command failed with an error matching expectedErr.
func (f *AggregateFixture) ThenError(expectedErr error) {
	f.t.Helper()
	f.requireExecuted("ThenError")

	if f.result == nil {
		f.t.Fatal("expected an error, got success")
	}
	if !errors.Is(f.result, expectedErr) {
		f.t.Errorf("expected error %v, got %v", expectedErr, f.result)
	}
}

// ThenErrorContains asserts the command failed and the error message
// contains the substring.
func (f *AggregateFixture) ThenErrorContains(substring string) {
	f.t.Helper()
	f.requireExecuted("ThenErrorContains")

	if f.result == nil {
		f.t.Fatal("expected an error, got success")
	}
	if !strings.Contains(f.result.Error(), substring) {
		f.t.Errorf("expected error containing %q, got %q", substring, f.result.Error())
	}
}

// ThenNoEvents asserts the command succeeded without raising anything.
func (f *AggregateFixture) ThenNoEvents() {
	f.t.Helper()
	f.requireExecuted("ThenNoEvents")

	if f.result != nil {
		f.t.Fatalf("expected success, got error: %v", f.result)
	}
	if raised := f.aggregate.UncommittedEvents(); len(raised) > 0 {
		f.t.Errorf("expected no events, got %d: %+v", len(raised), raised)
	}
}

func (f *AggregateFixture) requireExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() requires a prior When()", step)
	}
}

// DispatchFixture drives a command through a bus, optionally seeding the
// event store first, and asserts on the dispatch result.
type DispatchFixture struct {
	t     TB
	ctx   context.Context
	bus   *strata.CommandBus
	store *strata.EventStore

	givenStreams map[string][]interface{}
	streamOrder  []string

	result   strata.CommandResult
	err      error
	executed bool
}

// GivenDispatch starts a fixture on a bus. The store may be nil when no
// events need seeding.
func GivenDispatch(t TB, bus *strata.CommandBus, store *strata.EventStore) *DispatchFixture {
	t.Helper()
	return &DispatchFixture{
		t:            t,
		ctx:          context.Background(),
		bus:          bus,
		store:        store,
		givenStreams: make(map[string][]interface{}),
	}
}

// WithContext replaces the context used for seeding and dispatch.
func (f *DispatchFixture) WithContext(ctx context.Context) *DispatchFixture {
	f.ctx = ctx
	return f
}

// WithExistingEvents seeds events into a stream before the command runs.
func (f *DispatchFixture) WithExistingEvents(streamID string, events ...interface{}) *DispatchFixture {
	if _, seen := f.givenStreams[streamID]; !seen {
		f.streamOrder = append(f.streamOrder, streamID)
	}
	f.givenStreams[streamID] = append(f.givenStreams[streamID], events...)
	return f
}

// When seeds the given events and dispatches the command.
func (f *DispatchFixture) When(cmd strata.Command) *DispatchFixture {
	f.t.Helper()

	if f.store != nil {
		for _, streamID := range f.streamOrder {
			if _, err := f.store.Append(f.ctx, streamID, f.givenStreams[streamID]); err != nil {
				f.t.Fatalf("seeding stream %s: %v", streamID, err)
			}
		}
	}

	f.result, f.err = f.bus.Dispatch(f.ctx, cmd)
	f.executed = true
	return f
}

// ThenSucceeds asserts the dispatch returned a success result.
func (f *DispatchFixture) ThenSucceeds() *DispatchFixture {
	f.t.Helper()
	f.requireExecuted("ThenSucceeds")

	if f.err != nil {
		f.t.Fatalf("expected success, got error: %v", f.err)
	}
	if !f.result.IsSuccess() {
		f.t.Fatalf("expected success result, got error: %v", f.result.Error)
	}
	return f
}

// ThenFails asserts the dispatch failed with an error matching expectedErr,
// whether it surfaced as a dispatch error or an error result.
func (f *DispatchFixture) ThenFails(expectedErr error) {
	f.t.Helper()
	f.requireExecuted("ThenFails")

	if f.err == nil && f.result.IsSuccess() {
		f.t.Fatal("expected failure, got success")
	}

	got := f.err
	if got == nil {
		got = f.result.Error
	}
	if !errors.Is(got, expectedErr) {
		f.t.Errorf("expected error %v, got %v", expectedErr, got)
	}
}

// ThenReturnsAggregateID asserts the result names the expected aggregate.
func (f *DispatchFixture) ThenReturnsAggregateID(expected string) *DispatchFixture {
	f.t.Helper()
	f.requireExecuted("ThenReturnsAggregateID")

	if f.result.AggregateID != expected {
		f.t.Errorf("expected aggregate ID %q, got %q", expected, f.result.AggregateID)
	}
	return f
}

// ThenReturnsVersion asserts the result carries the expected stream version.
func (f *DispatchFixture) ThenReturnsVersion(expected int64) *DispatchFixture {
	f.t.Helper()
	f.requireExecuted("ThenReturnsVersion")

	if f.result.Version != expected {
		f.t.Errorf("expected version %d, got %d", expected, f.result.Version)
	}
	return f
}

func (f *DispatchFixture) requireExecuted(step string) {
	f.t.Helper()
	if !f.executed {
		f.t.Fatalf("bdd: %s() requires a prior When()", step)
	}
}
