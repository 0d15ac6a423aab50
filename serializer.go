package strata

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Serializer encodes event payloads for storage and decodes them back to Go
// values. Implementations must be deterministic: decoding the bytes an
// earlier Serialize produced always yields an equal value, so replay is
// stable across restarts.
type Serializer interface {
	// Serialize converts an event to bytes.
	Serialize(event interface{}) ([]byte, error)

	// Deserialize converts bytes back to an event value. The eventType tag
	// selects the registered target type.
	Deserialize(data []byte, eventType string) (interface{}, error)
}

// EventRegistry maps event type tags to Go types. Decoding dispatches
// through the registry; an unregistered tag is a decode error rather than a
// guess, so schema drift surfaces immediately.
type EventRegistry struct {
	mu    sync.RWMutex
	types map[string]reflect.Type
}

// NewEventRegistry creates an empty EventRegistry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{types: make(map[string]reflect.Type)}
}

// Register maps eventType to the Go type of example. Pointer examples are
// dereferenced to their element type.
func (r *EventRegistry) Register(eventType string, example interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.types[eventType] = indirectType(example)
}

// RegisterAll registers events under their struct names.
func (r *EventRegistry) RegisterAll(examples ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, example := range examples {
		t := indirectType(example)
		r.types[t.Name()] = t
	}
}

// Lookup returns the Go type for an event type tag.
func (r *EventRegistry) Lookup(eventType string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.types[eventType]
	return t, ok
}

// RegisteredTypes returns all registered event type tags.
func (r *EventRegistry) RegisteredTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.types))
	for t := range r.types {
		types = append(types, t)
	}
	return types
}

// Count returns the number of registered event types.
func (r *EventRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

func indirectType(example interface{}) reflect.Type {
	t := reflect.TypeOf(example)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t
}

// JSONSerializer is the default Serializer, encoding events as JSON and
// decoding through an EventRegistry.
type JSONSerializer struct {
	registry *EventRegistry
}

// NewJSONSerializer creates a JSONSerializer with an empty registry.
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{registry: NewEventRegistry()}
}

// NewJSONSerializerWithRegistry creates a JSONSerializer sharing the given
// registry.
func NewJSONSerializerWithRegistry(registry *EventRegistry) *JSONSerializer {
	if registry == nil {
		registry = NewEventRegistry()
	}
	return &JSONSerializer{registry: registry}
}

// Register adds an event type to the serializer's registry.
func (s *JSONSerializer) Register(eventType string, example interface{}) {
	s.registry.Register(eventType, example)
}

// RegisterAll registers events under their struct names.
func (s *JSONSerializer) RegisterAll(examples ...interface{}) {
	s.registry.RegisterAll(examples...)
}

// Registry returns the underlying EventRegistry.
func (s *JSONSerializer) Registry() *EventRegistry {
	return s.registry
}

// Serialize converts an event to JSON bytes.
func (s *JSONSerializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, NewSerializationError("nil", "serialize", fmt.Errorf("event cannot be nil"))
	}
	data, err := json.Marshal(event)
	if err != nil {
		return nil, NewSerializationError(indirectType(event).Name(), "serialize", err)
	}
	return data, nil
}

// Deserialize converts JSON bytes back to a value of the registered type.
// Unregistered type tags fail with EventTypeNotRegisteredError.
func (s *JSONSerializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if len(data) == 0 {
		return nil, NewSerializationError(eventType, "deserialize", fmt.Errorf("data cannot be empty"))
	}

	t, ok := s.registry.Lookup(eventType)
	if !ok {
		return nil, NewEventTypeNotRegisteredError(eventType)
	}

	ptr := reflect.New(t)
	if err := json.Unmarshal(data, ptr.Interface()); err != nil {
		return nil, NewSerializationError(eventType, "deserialize", err)
	}
	return ptr.Elem().Interface(), nil
}

// GetEventType returns the type tag for an event: its struct name.
func GetEventType(event interface{}) string {
	if event == nil {
		return ""
	}
	return indirectType(event).Name()
}

// SerializeEvent serializes an event and wraps it as EventData ready for
// appending.
func SerializeEvent(serializer Serializer, event interface{}, metadata Metadata) (EventData, error) {
	eventType := GetEventType(event)
	if eventType == "" {
		return EventData{}, NewSerializationError("", "serialize", fmt.Errorf("cannot determine event type"))
	}

	data, err := serializer.Serialize(event)
	if err != nil {
		return EventData{}, err
	}

	return EventData{Type: eventType, Data: data, Metadata: metadata}, nil
}

// DeserializeEvent decodes a StoredEvent into an Event.
func DeserializeEvent(serializer Serializer, stored StoredEvent) (Event, error) {
	data, err := serializer.Deserialize(stored.Data, stored.Type)
	if err != nil {
		return Event{}, err
	}
	return EventFromStored(stored, data), nil
}
