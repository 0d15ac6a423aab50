// Package msgpack provides a MessagePack Serializer. MessagePack encodes the
// same payloads as JSON in a compact binary form, which helps when event
// volume makes storage size matter.
//
//	serializer := msgpack.NewSerializer()
//	serializer.Register("OrderPlaced", OrderPlaced{})
//
//	data, err := serializer.Serialize(OrderPlaced{OrderID: "Order-1"})
//	event, err := serializer.Deserialize(data, "OrderPlaced")
package msgpack

import (
	"fmt"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratastore/strata"
)

var _ strata.Serializer = (*Serializer)(nil)

// Serializer encodes events as MessagePack, decoding through a shared
// EventRegistry like the default JSON serializer does.
type Serializer struct {
	registry *strata.EventRegistry
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{registry: strata.NewEventRegistry()}
}

// NewSerializerWithRegistry creates a Serializer sharing the given registry.
func NewSerializerWithRegistry(registry *strata.EventRegistry) *Serializer {
	if registry == nil {
		registry = strata.NewEventRegistry()
	}
	return &Serializer{registry: registry}
}

// Register adds an event type to the serializer's registry.
func (s *Serializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their struct names.
func (s *Serializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying EventRegistry.
func (s *Serializer) Registry() *strata.EventRegistry {
	return s.registry
}

// Serialize converts an event to MessagePack bytes.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, strata.NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}

	data, err := msgpack.Marshal(event)
	if err != nil {
		t := reflect.TypeOf(event)
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		return nil, strata.NewSerializationError(t.Name(), "serialize", err)
	}
	return data, nil
}

// Deserialize converts MessagePack bytes back to a value of the registered
// type. Unregistered type tags fail with EventTypeNotRegisteredError.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, strata.NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, strata.NewEventTypeNotRegisteredError(eventType)
	}

	ptr := reflect.New(t)
	if err := msgpack.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, strata.NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}
