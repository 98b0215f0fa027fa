package looprun

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// FieldType constrains a payload field's JSON shape.
type FieldType string

// Supported field types.
const (
	FieldString FieldType = "string"
	FieldNumber FieldType = "number"
	FieldBool   FieldType = "boolean"
	FieldObject FieldType = "object"
	FieldArray  FieldType = "array"
	FieldAny    FieldType = "any"
)

// Schema describes the payload of one event type. Clients fetch schemas
// through the discovery endpoint to validate payloads before sending.
type Schema struct {
	// Type is the event type tag (e.g. "pr_opened").
	Type string `json:"type"`

	// Description explains the event's purpose.
	Description string `json:"description,omitempty"`

	// Fields maps payload field names to their expected types.
	// Fields not listed here are passed through unchecked.
	Fields map[string]FieldType `json:"fields,omitempty"`

	// Required lists field names that must be present.
	Required []string `json:"required,omitempty"`

	// Validator is an optional custom check run after structural validation.
	Validator func(payload map[string]any) error `json:"-"`
}

// Validate checks a payload against the schema.
func (s *Schema) Validate(payload map[string]any) error {
	for _, name := range s.Required {
		if _, ok := payload[name]; !ok {
			return &SchemaError{EventType: s.Type, Field: name, Message: "required field missing"}
		}
	}

	for name, want := range s.Fields {
		v, ok := payload[name]
		if !ok {
			continue
		}
		if !matchesType(v, want) {
			return &SchemaError{
				EventType: s.Type,
				Field:     name,
				Message:   fmt.Sprintf("expected %s, got %T", want, v),
			}
		}
	}

	if s.Validator != nil {
		if err := s.Validator(payload); err != nil {
			return &SchemaError{EventType: s.Type, Message: err.Error()}
		}
	}

	return nil
}

// matchesType checks a decoded JSON value against a field type.
func matchesType(v any, want FieldType) bool {
	if v == nil {
		return true
	}
	switch want {
	case FieldString:
		_, ok := v.(string)
		return ok
	case FieldNumber:
		switch v.(type) {
		case float64, float32, int, int64, int32:
			return true
		}
		return false
	case FieldBool:
		_, ok := v.(bool)
		return ok
	case FieldObject:
		_, ok := v.(map[string]any)
		return ok
	case FieldArray:
		_, ok := v.([]any)
		return ok
	case FieldAny:
		return true
	}
	return false
}

// SchemaRegistry manages event type schemas. Registration happens at
// process start; lookups are concurrent with dispatch.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[string]*Schema
}

// NewSchemaRegistry creates an empty schema registry.
func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{
		schemas: make(map[string]*Schema),
	}
}

// Register adds a schema. Registering the same type again replaces the
// previous schema. The "loop." prefix is reserved for runtime events.
func (r *SchemaRegistry) Register(schema *Schema) error {
	if schema == nil || schema.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if strings.HasPrefix(schema.Type, "loop.") {
		return fmt.Errorf("event type %q: the loop. prefix is reserved", schema.Type)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Type] = schema
	return nil
}

// Get returns the schema for an event type.
func (r *SchemaRegistry) Get(eventType string) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[eventType]
	return s, ok
}

// Has returns true if a schema exists for the event type.
func (r *SchemaRegistry) Has(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.schemas[eventType]
	return ok
}

// Types returns all registered event types, sorted.
func (r *SchemaRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.schemas))
	for t := range r.schemas {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Schemas returns all registered schemas, sorted by type.
func (r *SchemaRegistry) Schemas() []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	schemas := make([]*Schema, 0, len(r.schemas))
	for _, s := range r.schemas {
		schemas = append(schemas, s)
	}
	sort.Slice(schemas, func(i, j int) bool { return schemas[i].Type < schemas[j].Type })
	return schemas
}

// Validate checks an event against its registered schema. Events with an
// unregistered type are rejected.
func (r *SchemaRegistry) Validate(evt *Event) error {
	r.mu.RLock()
	schema, ok := r.schemas[evt.Type]
	r.mu.RUnlock()

	if !ok {
		return &SchemaError{EventType: evt.Type, Message: "unknown event type"}
	}
	return schema.Validate(evt.Payload)
}
