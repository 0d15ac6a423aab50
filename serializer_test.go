package strata

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventRegistry(t *testing.T) {
	t.Run("register and lookup", func(t *testing.T) {
		reg := NewEventRegistry()
		reg.Register("OrderPlaced", orderPlaced{})

		typ, ok := reg.Lookup("OrderPlaced")
		require.True(t, ok)
		assert.Equal(t, "orderPlaced", typ.Name())
	})

	t.Run("register all uses struct names", func(t *testing.T) {
		reg := NewEventRegistry()
		reg.RegisterAll(orderPlaced{}, &orderShipped{})
		assert.Equal(t, 2, reg.Count())

		_, ok := reg.Lookup("orderPlaced")
		assert.True(t, ok)
		_, ok = reg.Lookup("orderShipped")
		assert.True(t, ok)
	})

	t.Run("pointer examples are dereferenced", func(t *testing.T) {
		reg := NewEventRegistry()
		reg.Register("OrderPlaced", &orderPlaced{})

		typ, ok := reg.Lookup("OrderPlaced")
		require.True(t, ok)
		assert.Equal(t, "orderPlaced", typ.Name())
	})

	t.Run("registered types", func(t *testing.T) {
		reg := NewEventRegistry()
		reg.RegisterAll(orderPlaced{}, orderShipped{})
		assert.ElementsMatch(t, []string{"orderPlaced", "orderShipped"}, reg.RegisteredTypes())
	})
}

func TestJSONSerializer(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		ser := NewJSONSerializer()
		ser.RegisterAll(orderPlaced{})

		data, err := ser.Serialize(orderPlaced{CustomerID: "cust-1"})
		require.NoError(t, err)

		decoded, err := ser.Deserialize(data, "orderPlaced")
		require.NoError(t, err)

		placed, ok := decoded.(orderPlaced)
		require.True(t, ok)
		assert.Equal(t, "cust-1", placed.CustomerID)
	})

	t.Run("unregistered type tag", func(t *testing.T) {
		ser := NewJSONSerializer()
		_, err := ser.Deserialize([]byte(`{}`), "Unknown")
		assert.ErrorIs(t, err, ErrEventTypeNotRegistered)
	})

	t.Run("nil event", func(t *testing.T) {
		ser := NewJSONSerializer()
		_, err := ser.Serialize(nil)
		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("empty data", func(t *testing.T) {
		ser := NewJSONSerializer()
		ser.RegisterAll(orderPlaced{})
		_, err := ser.Deserialize(nil, "orderPlaced")
		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("malformed payload", func(t *testing.T) {
		ser := NewJSONSerializer()
		ser.RegisterAll(orderPlaced{})
		_, err := ser.Deserialize([]byte(`{`), "orderPlaced")
		assert.ErrorIs(t, err, ErrSerializationFailed)
	})

	t.Run("shared registry", func(t *testing.T) {
		reg := NewEventRegistry()
		reg.RegisterAll(orderPlaced{})
		ser := NewJSONSerializerWithRegistry(reg)
		assert.Same(t, reg, ser.Registry())

		_, err := ser.Deserialize([]byte(`{}`), "orderPlaced")
		assert.NoError(t, err)
	})

	t.Run("nil registry falls back to empty", func(t *testing.T) {
		ser := NewJSONSerializerWithRegistry(nil)
		assert.NotNil(t, ser.Registry())
	})
}

func TestGetEventType(t *testing.T) {
	assert.Equal(t, "orderPlaced", GetEventType(orderPlaced{}))
	assert.Equal(t, "orderPlaced", GetEventType(&orderPlaced{}))
	assert.Equal(t, "", GetEventType(nil))
}

func TestSerializeEvent(t *testing.T) {
	ser := NewJSONSerializer()

	data, err := SerializeEvent(ser, orderItemAdded{SKU: "sku-1", Quantity: 2}, Metadata{UserID: "u"})
	require.NoError(t, err)
	assert.Equal(t, "orderItemAdded", data.Type)
	assert.NotEmpty(t, data.Data)
	assert.Equal(t, "u", data.Metadata.UserID)
	assert.NoError(t, data.Validate())
}

func TestDeserializeEvent(t *testing.T) {
	ser := NewJSONSerializer()
	ser.RegisterAll(orderItemAdded{})

	payload, err := ser.Serialize(orderItemAdded{SKU: "sku-1", Quantity: 2})
	require.NoError(t, err)

	event, err := DeserializeEvent(ser, StoredEvent{
		ID:       "evt-1",
		StreamID: "Order-1",
		Type:     "orderItemAdded",
		Data:     payload,
		Version:  4,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(4), event.Version)

	added, ok := event.Data.(orderItemAdded)
	require.True(t, ok)
	assert.Equal(t, 2, added.Quantity)
}
