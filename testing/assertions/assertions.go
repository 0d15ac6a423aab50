// Package assertions provides event comparison helpers for tests of
// event-sourced code: ordered type checks, value diffs, event matchers,
// and stream invariants over committed events.
package assertions

import (
	"fmt"
	"reflect"
	"strings"
	"testing"

	"github.com/stratastore/strata"
)

// TB aliases testing.TB so assertion failures can be captured by a fake
// in the package's own tests.
type TB = testing.TB

// AssertEventTypes checks that events carry exactly the given type names,
// in order.
func AssertEventTypes(t TB, events []interface{}, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(events))
	}
	for i, want := range types {
		if got := typeName(events[i]); got != want {
			t.Errorf("event %d: want type %s, got %s", i, want, got)
		}
	}
}

// AssertEventData checks that event is a T equal to expected.
func AssertEventData[T any](t TB, event interface{}, expected T) {
	t.Helper()

	actual, ok := event.(T)
	if !ok {
		t.Fatalf("want event of type %T, got %T", expected, event)
	}
	if !reflect.DeepEqual(actual, expected) {
		t.Errorf("event mismatch\nwant: %+v\ngot:  %+v", expected, actual)
	}
}

// AssertEventCount checks the number of events.
func AssertEventCount(t TB, events []interface{}, want int) {
	t.Helper()

	if len(events) != want {
		t.Errorf("expected %d events, got %d", want, len(events))
	}
}

// AssertNoEvents checks that the slice is empty.
func AssertNoEvents(t TB, events []interface{}) {
	t.Helper()

	if len(events) > 0 {
		t.Errorf("expected no events, got %d: %+v", len(events), events)
	}
}

// AssertFirstEvent checks the first event equals expected.
func AssertFirstEvent[T any](t TB, events []interface{}, expected T) {
	t.Helper()

	if len(events) == 0 {
		t.Fatal("expected at least one event, got none")
	}
	AssertEventData(t, events[0], expected)
}

// AssertLastEvent checks the last event equals expected.
func AssertLastEvent[T any](t TB, events []interface{}, expected T) {
	t.Helper()

	if len(events) == 0 {
		t.Fatal("expected at least one event, got none")
	}
	AssertEventData(t, events[len(events)-1], expected)
}

// AssertEventAtIndex checks the event at index equals expected.
func AssertEventAtIndex[T any](t TB, events []interface{}, index int, expected T) {
	t.Helper()

	if index < 0 || index >= len(events) {
		t.Fatalf("index %d out of range, have %d events", index, len(events))
	}
	AssertEventData(t, events[index], expected)
}

// AssertContainsEvent checks that some event equals expected.
func AssertContainsEvent[T any](t TB, events []interface{}, expected T) {
	t.Helper()

	for _, event := range events {
		if actual, ok := event.(T); ok && reflect.DeepEqual(actual, expected) {
			return
		}
	}
	t.Errorf("events do not contain %+v", expected)
}

// AssertContainsEventType checks that at least one event has the given
// type name.
func AssertContainsEventType(t TB, events []interface{}, name string) {
	t.Helper()

	for _, event := range events {
		if typeName(event) == name {
			return
		}
	}
	t.Errorf("events do not contain type %s", name)
}

// AssertStoredTypes checks that committed events carry exactly the given
// event type identifiers, in order.
func AssertStoredTypes(t TB, events []strata.StoredEvent, types ...string) {
	t.Helper()

	if len(events) != len(types) {
		t.Fatalf("expected %d events, got %d", len(types), len(events))
	}
	for i, want := range types {
		if events[i].Type != want {
			t.Errorf("event %d: want type %s, got %s", i, want, events[i].Type)
		}
	}
}

// AssertStreamID checks that every committed event belongs to streamID.
func AssertStreamID(t TB, events []strata.StoredEvent, streamID string) {
	t.Helper()

	for i, e := range events {
		if e.StreamID != streamID {
			t.Errorf("event %d: want stream %s, got %s", i, streamID, e.StreamID)
		}
	}
}

// AssertContiguousVersions checks that versions increase by exactly one,
// starting from the first event's version. Gaps or reordering in a single
// stream's history indicate a broken store.
func AssertContiguousVersions(t TB, events []strata.StoredEvent) {
	t.Helper()

	for i := 1; i < len(events); i++ {
		if events[i].Version != events[i-1].Version+1 {
			t.Errorf("version gap at event %d: %d follows %d",
				i, events[i].Version, events[i-1].Version)
		}
	}
}

// AssertGlobalOrder checks that global positions are strictly increasing.
func AssertGlobalOrder(t TB, events []strata.StoredEvent) {
	t.Helper()

	for i := 1; i < len(events); i++ {
		if events[i].GlobalPosition <= events[i-1].GlobalPosition {
			t.Errorf("global position not increasing at event %d: %d follows %d",
				i, events[i].GlobalPosition, events[i-1].GlobalPosition)
		}
	}
}

// DiffType classifies a single event difference.
type DiffType int

const (
	// DiffMissing marks an expected event absent from actual.
	DiffMissing DiffType = iota
	// DiffExtra marks an actual event with no expected counterpart.
	DiffExtra
	// DiffMismatch marks a position where both sides differ.
	DiffMismatch
)

func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	}
	return "unknown"
}

// EventDiff is one positional difference between expected and actual.
type EventDiff struct {
	Index    int
	Expected interface{}
	Actual   interface{}
	Type     DiffType
}

// DiffEvents compares two event slices position by position.
func DiffEvents(expected, actual []interface{}) []EventDiff {
	n := len(expected)
	if len(actual) > n {
		n = len(actual)
	}

	var diffs []EventDiff
	for i := 0; i < n; i++ {
		switch {
		case i >= len(actual):
			diffs = append(diffs, EventDiff{Index: i, Expected: expected[i], Type: DiffMissing})
		case i >= len(expected):
			diffs = append(diffs, EventDiff{Index: i, Actual: actual[i], Type: DiffExtra})
		case !reflect.DeepEqual(expected[i], actual[i]):
			diffs = append(diffs, EventDiff{
				Index:    i,
				Expected: expected[i],
				Actual:   actual[i],
				Type:     DiffMismatch,
			})
		}
	}
	return diffs
}

// FormatDiffs renders diffs for a failure message.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "events differ at %d position(s):\n", len(diffs))
	for _, d := range diffs {
		switch d.Type {
		case DiffMissing:
			fmt.Fprintf(&b, "  [%d] missing: want %T %+v\n", d.Index, d.Expected, d.Expected)
		case DiffExtra:
			fmt.Fprintf(&b, "  [%d] extra: unexpected %T %+v\n", d.Index, d.Actual, d.Actual)
		case DiffMismatch:
			fmt.Fprintf(&b, "  [%d] mismatch:\n    want: %T %+v\n    got:  %T %+v\n",
				d.Index, d.Expected, d.Expected, d.Actual, d.Actual)
		}
	}
	return b.String()
}

// AssertEventsEqual fails with a positional diff if the slices differ.
func AssertEventsEqual(t TB, expected, actual []interface{}) {
	t.Helper()

	if diffs := DiffEvents(expected, actual); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// EventMatcher reports whether an event satisfies some criterion.
type EventMatcher func(event interface{}) bool

// MatchEventType matches events whose type name equals name.
func MatchEventType(name string) EventMatcher {
	return func(event interface{}) bool {
		return typeName(event) == name
	}
}

// MatchEvent matches events deep-equal to expected.
func MatchEvent[T any](expected T) EventMatcher {
	return func(event interface{}) bool {
		actual, ok := event.(T)
		return ok && reflect.DeepEqual(actual, expected)
	}
}

// AssertAnyMatch checks that at least one event satisfies the matcher.
func AssertAnyMatch(t TB, events []interface{}, matcher EventMatcher) {
	t.Helper()

	for _, event := range events {
		if matcher(event) {
			return
		}
	}
	t.Error("no event matched")
}

// AssertAllMatch checks that every event satisfies the matcher.
func AssertAllMatch(t TB, events []interface{}, matcher EventMatcher) {
	t.Helper()

	for i, event := range events {
		if !matcher(event) {
			t.Errorf("event %d did not match: %+v", i, event)
		}
	}
}

// AssertNoneMatch checks that no event satisfies the matcher.
func AssertNoneMatch(t TB, events []interface{}, matcher EventMatcher) {
	t.Helper()

	for i, event := range events {
		if matcher(event) {
			t.Errorf("event %d unexpectedly matched: %+v", i, event)
		}
	}
}

// CountMatches returns how many events satisfy the matcher.
func CountMatches(events []interface{}, matcher EventMatcher) int {
	n := 0
	for _, event := range events {
		if matcher(event) {
			n++
		}
	}
	return n
}

// FilterEvents returns the events that satisfy the matcher.
func FilterEvents(events []interface{}, matcher EventMatcher) []interface{} {
	var out []interface{}
	for _, event := range events {
		if matcher(event) {
			out = append(out, event)
		}
	}
	return out
}

func typeName(v interface{}) string {
	if v == nil {
		return "<nil>"
	}
	t := reflect.TypeOf(v)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}
