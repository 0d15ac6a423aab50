package assertions

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratastore/strata"
)

type orderPlaced struct {
	OrderID    string
	CustomerID string
}

type itemReserved struct {
	OrderID  string
	SKU      string
	Quantity int
}

type orderBilled struct {
	OrderID string
	Amount  int64
}

// recorder captures failures from the assertion helpers under test.
// Fatalf must stop the calling goroutine the way testing.T does, hence
// the Goexit and the goroutine in record.
type recorder struct {
	testing.TB
	failed  bool
	fatal   bool
	message string
}

func (r *recorder) Helper() {}

func (r *recorder) Errorf(format string, args ...interface{}) {
	r.failed = true
	r.message = format
}

func (r *recorder) Error(args ...interface{}) {
	r.failed = true
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			r.message = s
		}
	}
}

func (r *recorder) Fatalf(format string, args ...interface{}) {
	r.failed = true
	r.fatal = true
	r.message = format
	runtime.Goexit()
}

func (r *recorder) Fatal(args ...interface{}) {
	r.failed = true
	r.fatal = true
	if len(args) > 0 {
		if s, ok := args[0].(string); ok {
			r.message = s
		}
	}
	runtime.Goexit()
}

func record(fn func(*recorder)) *recorder {
	r := &recorder{}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(r)
	}()
	<-done
	return r
}

func placedAndReserved() []interface{} {
	return []interface{}{
		orderPlaced{OrderID: "ord-1", CustomerID: "cust-9"},
		itemReserved{OrderID: "ord-1", SKU: "SKU-1", Quantity: 2},
	}
}

func TestAssertEventTypes(t *testing.T) {
	t.Run("passes for matching sequence", func(t *testing.T) {
		AssertEventTypes(t, placedAndReserved(), "orderPlaced", "itemReserved")
	})

	t.Run("passes for empty", func(t *testing.T) {
		AssertEventTypes(t, nil)
	})

	t.Run("count mismatch is fatal", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertEventTypes(r, placedAndReserved(), "orderPlaced")
		})
		assert.True(t, r.fatal)
	})

	t.Run("wrong type fails", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertEventTypes(r, placedAndReserved(), "itemReserved", "orderPlaced")
		})
		assert.True(t, r.failed)
		assert.False(t, r.fatal)
	})
}

func TestAssertEventData(t *testing.T) {
	t.Run("equal value passes", func(t *testing.T) {
		AssertEventData(t, orderPlaced{OrderID: "ord-1"}, orderPlaced{OrderID: "ord-1"})
	})

	t.Run("wrong type is fatal", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertEventData(r, orderPlaced{OrderID: "ord-1"}, itemReserved{OrderID: "ord-1"})
		})
		assert.True(t, r.fatal)
	})

	t.Run("different value fails", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertEventData(r, orderPlaced{OrderID: "ord-1"}, orderPlaced{OrderID: "ord-2"})
		})
		assert.True(t, r.failed)
	})
}

func TestCountAndEmpty(t *testing.T) {
	t.Run("count matches", func(t *testing.T) {
		AssertEventCount(t, placedAndReserved(), 2)
		AssertEventCount(t, nil, 0)
	})

	t.Run("count mismatch fails", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertEventCount(r, placedAndReserved(), 3)
		})
		assert.True(t, r.failed)
	})

	t.Run("no events passes on empty", func(t *testing.T) {
		AssertNoEvents(t, []interface{}{})
	})

	t.Run("no events fails when present", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertNoEvents(r, placedAndReserved())
		})
		assert.True(t, r.failed)
	})
}

func TestPositionalAsserts(t *testing.T) {
	events := placedAndReserved()

	t.Run("first", func(t *testing.T) {
		AssertFirstEvent(t, events, orderPlaced{OrderID: "ord-1", CustomerID: "cust-9"})
	})

	t.Run("last", func(t *testing.T) {
		AssertLastEvent(t, events, itemReserved{OrderID: "ord-1", SKU: "SKU-1", Quantity: 2})
	})

	t.Run("at index", func(t *testing.T) {
		AssertEventAtIndex(t, events, 1, itemReserved{OrderID: "ord-1", SKU: "SKU-1", Quantity: 2})
	})

	t.Run("first on empty is fatal", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertFirstEvent(r, nil, orderPlaced{})
		})
		assert.True(t, r.fatal)
	})

	t.Run("last on empty is fatal", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertLastEvent(r, nil, orderPlaced{})
		})
		assert.True(t, r.fatal)
	})

	t.Run("index out of range is fatal", func(t *testing.T) {
		for _, idx := range []int{-1, 2} {
			r := record(func(r *recorder) {
				AssertEventAtIndex(r, events, idx, orderPlaced{})
			})
			assert.True(t, r.fatal, "index %d", idx)
		}
	})
}

func TestContains(t *testing.T) {
	events := placedAndReserved()

	t.Run("contains value", func(t *testing.T) {
		AssertContainsEvent(t, events, itemReserved{OrderID: "ord-1", SKU: "SKU-1", Quantity: 2})
	})

	t.Run("missing value fails", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertContainsEvent(r, events, orderBilled{OrderID: "ord-1"})
		})
		assert.True(t, r.failed)
	})

	t.Run("same type different data fails", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertContainsEvent(r, events, orderPlaced{OrderID: "ord-1", CustomerID: "other"})
		})
		assert.True(t, r.failed)
	})

	t.Run("contains type", func(t *testing.T) {
		AssertContainsEventType(t, events, "orderPlaced")
	})

	t.Run("missing type fails", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertContainsEventType(r, events, "orderBilled")
		})
		assert.True(t, r.failed)
	})
}

func committedEvents() []strata.StoredEvent {
	return []strata.StoredEvent{
		{StreamID: "Order-1", Type: "OrderPlaced", Version: 1, GlobalPosition: 10},
		{StreamID: "Order-1", Type: "ItemReserved", Version: 2, GlobalPosition: 11},
		{StreamID: "Order-1", Type: "OrderBilled", Version: 3, GlobalPosition: 14},
	}
}

func TestStoredEventAsserts(t *testing.T) {
	t.Run("stored types in order", func(t *testing.T) {
		AssertStoredTypes(t, committedEvents(), "OrderPlaced", "ItemReserved", "OrderBilled")
	})

	t.Run("stored type count mismatch is fatal", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertStoredTypes(r, committedEvents(), "OrderPlaced")
		})
		assert.True(t, r.fatal)
	})

	t.Run("stream id", func(t *testing.T) {
		AssertStreamID(t, committedEvents(), "Order-1")
	})

	t.Run("wrong stream id fails", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertStreamID(r, committedEvents(), "Order-2")
		})
		assert.True(t, r.failed)
	})

	t.Run("contiguous versions", func(t *testing.T) {
		AssertContiguousVersions(t, committedEvents())
	})

	t.Run("version gap fails", func(t *testing.T) {
		events := committedEvents()
		events[2].Version = 5
		r := record(func(r *recorder) {
			AssertContiguousVersions(r, events)
		})
		assert.True(t, r.failed)
	})

	t.Run("global order allows gaps", func(t *testing.T) {
		AssertGlobalOrder(t, committedEvents())
	})

	t.Run("non-increasing global position fails", func(t *testing.T) {
		events := committedEvents()
		events[2].GlobalPosition = 11
		r := record(func(r *recorder) {
			AssertGlobalOrder(r, events)
		})
		assert.True(t, r.failed)
	})

	t.Run("single event always passes", func(t *testing.T) {
		one := committedEvents()[:1]
		AssertContiguousVersions(t, one)
		AssertGlobalOrder(t, one)
	})
}

func TestDiffEvents(t *testing.T) {
	t.Run("identical slices have no diffs", func(t *testing.T) {
		events := placedAndReserved()
		assert.Empty(t, DiffEvents(events, events))
	})

	t.Run("shorter actual reports missing", func(t *testing.T) {
		diffs := DiffEvents(placedAndReserved(), placedAndReserved()[:1])
		require.Len(t, diffs, 1)
		assert.Equal(t, DiffMissing, diffs[0].Type)
		assert.Equal(t, 1, diffs[0].Index)
	})

	t.Run("longer actual reports extra", func(t *testing.T) {
		diffs := DiffEvents(placedAndReserved()[:1], placedAndReserved())
		require.Len(t, diffs, 1)
		assert.Equal(t, DiffExtra, diffs[0].Type)
		assert.Equal(t, 1, diffs[0].Index)
	})

	t.Run("different values report mismatch", func(t *testing.T) {
		expected := []interface{}{orderPlaced{OrderID: "ord-1"}}
		actual := []interface{}{orderPlaced{OrderID: "ord-2"}}
		diffs := DiffEvents(expected, actual)
		require.Len(t, diffs, 1)
		assert.Equal(t, DiffMismatch, diffs[0].Type)
	})

	t.Run("multiple positions", func(t *testing.T) {
		expected := []interface{}{
			orderPlaced{OrderID: "ord-1"},
			itemReserved{OrderID: "ord-1", SKU: "SKU-1"},
		}
		actual := []interface{}{
			orderPlaced{OrderID: "ord-9"},
			itemReserved{OrderID: "ord-1", SKU: "SKU-2"},
		}
		assert.Len(t, DiffEvents(expected, actual), 2)
	})
}

func TestDiffTypeString(t *testing.T) {
	assert.Equal(t, "missing", DiffMissing.String())
	assert.Equal(t, "extra", DiffExtra.String())
	assert.Equal(t, "mismatch", DiffMismatch.String())
	assert.Equal(t, "unknown", DiffType(99).String())
}

func TestFormatDiffs(t *testing.T) {
	t.Run("empty", func(t *testing.T) {
		assert.Equal(t, "no differences", FormatDiffs(nil))
	})

	t.Run("missing", func(t *testing.T) {
		out := FormatDiffs([]EventDiff{
			{Index: 0, Expected: orderPlaced{OrderID: "ord-1"}, Type: DiffMissing},
		})
		assert.Contains(t, out, "missing")
		assert.Contains(t, out, "orderPlaced")
	})

	t.Run("extra", func(t *testing.T) {
		out := FormatDiffs([]EventDiff{
			{Index: 0, Actual: itemReserved{OrderID: "ord-1"}, Type: DiffExtra},
		})
		assert.Contains(t, out, "extra")
		assert.Contains(t, out, "unexpected")
	})

	t.Run("mismatch shows both sides", func(t *testing.T) {
		out := FormatDiffs([]EventDiff{
			{
				Index:    2,
				Expected: orderPlaced{OrderID: "ord-1"},
				Actual:   orderPlaced{OrderID: "ord-2"},
				Type:     DiffMismatch,
			},
		})
		assert.Contains(t, out, "mismatch")
		assert.Contains(t, out, "want:")
		assert.Contains(t, out, "got:")
	})
}

func TestAssertEventsEqual(t *testing.T) {
	t.Run("equal passes", func(t *testing.T) {
		events := placedAndReserved()
		AssertEventsEqual(t, events, events)
	})

	t.Run("difference fails with diff output", func(t *testing.T) {
		r := record(func(r *recorder) {
			AssertEventsEqual(r,
				[]interface{}{orderPlaced{OrderID: "ord-1"}},
				[]interface{}{orderPlaced{OrderID: "ord-2"}})
		})
		assert.True(t, r.failed)
		assert.Contains(t, r.message, "differ")
	})
}

func TestMatchers(t *testing.T) {
	events := []interface{}{
		orderPlaced{OrderID: "ord-1"},
		itemReserved{OrderID: "ord-1", SKU: "SKU-1"},
		itemReserved{OrderID: "ord-1", SKU: "SKU-2"},
	}

	t.Run("match by type", func(t *testing.T) {
		m := MatchEventType("itemReserved")
		assert.True(t, m(itemReserved{}))
		assert.False(t, m(orderPlaced{}))
	})

	t.Run("match by value", func(t *testing.T) {
		m := MatchEvent(orderPlaced{OrderID: "ord-1"})
		assert.True(t, m(orderPlaced{OrderID: "ord-1"}))
		assert.False(t, m(orderPlaced{OrderID: "ord-2"}))
		assert.False(t, m(itemReserved{OrderID: "ord-1"}))
	})

	t.Run("any match", func(t *testing.T) {
		AssertAnyMatch(t, events, MatchEventType("orderPlaced"))
		r := record(func(r *recorder) {
			AssertAnyMatch(r, events, MatchEventType("orderBilled"))
		})
		assert.True(t, r.failed)
	})

	t.Run("all match", func(t *testing.T) {
		AssertAllMatch(t, events[1:], MatchEventType("itemReserved"))
		AssertAllMatch(t, nil, MatchEventType("orderPlaced"))
		r := record(func(r *recorder) {
			AssertAllMatch(r, events, MatchEventType("itemReserved"))
		})
		assert.True(t, r.failed)
	})

	t.Run("none match", func(t *testing.T) {
		AssertNoneMatch(t, events, MatchEventType("orderBilled"))
		r := record(func(r *recorder) {
			AssertNoneMatch(r, events, MatchEventType("orderPlaced"))
		})
		assert.True(t, r.failed)
	})

	t.Run("count and filter", func(t *testing.T) {
		assert.Equal(t, 2, CountMatches(events, MatchEventType("itemReserved")))
		assert.Equal(t, 0, CountMatches(events, MatchEventType("orderBilled")))
		assert.Len(t, FilterEvents(events, MatchEventType("itemReserved")), 2)
		assert.Empty(t, FilterEvents(events, MatchEventType("orderBilled")))
	})
}

func TestTypeName(t *testing.T) {
	assert.Equal(t, "orderPlaced", typeName(orderPlaced{}))
	assert.Equal(t, "orderPlaced", typeName(&orderPlaced{}))
	assert.Equal(t, "<nil>", typeName(nil))
}
