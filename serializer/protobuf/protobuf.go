// Package protobuf provides a Protocol Buffers Serializer for events whose
// Go types are generated proto messages. Compared to JSON it gives smaller
// payloads and a schema that other languages can consume.
//
//	serializer := protobuf.NewSerializer()
//	serializer.MustRegister("OrderPlaced", &pb.OrderPlaced{})
//
//	data, err := serializer.Serialize(&pb.OrderPlaced{OrderId: "Order-1"})
//	event, err := serializer.Deserialize(data, "OrderPlaced")
//
// Only types implementing proto.Message can be registered; plain structs
// belong with the JSON or MessagePack serializers. Deserialize returns the
// message as a pointer, since generated proto messages must not be copied
// by value.
package protobuf

import (
	"errors"
	"reflect"
	"sync"

	"google.golang.org/protobuf/proto"

	"github.com/stratastore/strata"
)

var _ strata.Serializer = (*Serializer)(nil)

var (
	// ErrNilEvent indicates an attempt to serialize a nil event.
	ErrNilEvent = errors.New("strata/protobuf: cannot serialize nil event")

	// ErrEmptyData indicates an attempt to deserialize nil data. An empty
	// non-nil slice is a valid proto encoding of an all-defaults message.
	ErrEmptyData = errors.New("strata/protobuf: cannot deserialize nil data")

	// ErrNotProtoMessage indicates a value that does not implement
	// proto.Message.
	ErrNotProtoMessage = errors.New("strata/protobuf: event must implement proto.Message")
)

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

// Serializer encodes events with the Protocol Buffers wire format. Unlike the
// JSON and MessagePack serializers it keeps its own registry, because
// registration has to reject types that are not proto messages.
type Serializer struct {
	mu       sync.RWMutex
	registry map[string]reflect.Type
}

// NewSerializer creates a Serializer with an empty registry.
func NewSerializer() *Serializer {
	return &Serializer{registry: make(map[string]reflect.Type)}
}

// Register adds an event type under the given type tag, replacing any
// previous registration. The event must implement proto.Message.
func (s *Serializer) Register(eventType string, event interface{}) error {
	t := reflect.TypeOf(event)
	if t == nil {
		return strata.NewSerializationError(eventType, "register", ErrNilEvent)
	}
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if !reflect.PtrTo(t).Implements(protoMessageType) {
		return strata.NewSerializationError(eventType, "register", ErrNotProtoMessage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.registry[eventType] = t
	return nil
}

// RegisterAll registers events under their generated struct names. It stops
// at the first type that is not a proto message; earlier registrations stay.
func (s *Serializer) RegisterAll(events ...interface{}) error {
	for _, event := range events {
		t := reflect.TypeOf(event)
		if t == nil {
			return strata.NewSerializationError("nil", "register", ErrNilEvent)
		}
		if t.Kind() == reflect.Ptr {
			t = t.Elem()
		}
		if err := s.Register(t.Name(), event); err != nil {
			return err
		}
	}
	return nil
}

// MustRegister registers an event type and panics on error.
func (s *Serializer) MustRegister(eventType string, event interface{}) {
	if err := s.Register(eventType, event); err != nil {
		panic(err)
	}
}

// MustRegisterAll registers multiple event types and panics on error.
func (s *Serializer) MustRegisterAll(events ...interface{}) {
	if err := s.RegisterAll(events...); err != nil {
		panic(err)
	}
}

// Lookup returns the registered struct type for a type tag.
func (s *Serializer) Lookup(eventType string) (reflect.Type, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.registry[eventType]
	return t, ok
}

// RegisteredTypes returns all registered type tags.
func (s *Serializer) RegisteredTypes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.registry))
	for name := range s.registry {
		types = append(types, name)
	}
	return types
}

// Count returns the number of registered event types.
func (s *Serializer) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.registry)
}

// Serialize converts a proto message to its binary wire format.
func (s *Serializer) Serialize(event interface{}) ([]byte, error) {
	if event == nil {
		return nil, strata.NewSerializationError("nil", "serialize", ErrNilEvent)
	}

	msg, ok := event.(proto.Message)
	if !ok {
		return nil, strata.NewSerializationError(reflect.TypeOf(event).String(), "serialize", ErrNotProtoMessage)
	}

	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, strata.NewSerializationError(reflect.TypeOf(event).String(), "serialize", err)
	}
	return data, nil
}

// Deserialize converts wire-format bytes back to a message of the registered
// type. The result is a pointer implementing proto.Message. A non-nil empty
// slice decodes to an all-defaults message; nil data is an error.
func (s *Serializer) Deserialize(data []byte, eventType string) (interface{}, error) {
	if data == nil {
		return nil, strata.NewSerializationError(eventType, "deserialize", ErrEmptyData)
	}

	t, ok := s.Lookup(eventType)
	if !ok {
		return nil, strata.NewEventTypeNotRegisteredError(eventType)
	}

	msg, ok := reflect.New(t).Interface().(proto.Message)
	if !ok {
		return nil, strata.NewSerializationError(eventType, "deserialize", ErrNotProtoMessage)
	}

	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, strata.NewSerializationError(eventType, "deserialize", err)
	}
	return msg, nil
}
