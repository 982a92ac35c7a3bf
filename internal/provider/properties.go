package provider

import (
	"errors"
	"fmt"
	"math"
	"regexp"
)

// Namespace identifies one data domain and routes calls to its provider.
type Namespace string

// Well-known namespaces.
const (
	Weather        Namespace = "weather"
	Applications   Namespace = "applications"
	Location       Namespace = "location"
	Communications Namespace = "communications"
	Media          Namespace = "media"
	System         Namespace = "system"
	Resources      Namespace = "resources"
)

// WellKnown lists the namespaces widgets commonly subscribe to.
var WellKnown = []Namespace{Applications, Communications, Location, Media, Resources, System, Weather}

var namespacePattern = regexp.MustCompile(`^[a-z][a-z0-9_.-]*$`)

// String returns the namespace as a plain string.
func (n Namespace) String() string {
	return string(n)
}

// Valid reports whether n is a usable namespace identifier.
func (n Namespace) Valid() bool {
	return namespacePattern.MatchString(string(n))
}

// Properties is a key/value snapshot. Values are limited to the shapes that
// survive every transport: nil, bool, string, numbers, []byte, []any,
// []string and nested maps.
type Properties map[string]any

// Clone returns a deep copy. Nested maps and slices are copied so the clone
// can be handed to another goroutine without sharing.
func (p Properties) Clone() Properties {
	if p == nil {
		return nil
	}
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Properties(val).Clone())
	case Properties:
		return map[string]any(val.Clone())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return append([]string(nil), val...)
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = map[string]any(Properties(item).Clone())
		}
		return out
	case []byte:
		return append([]byte(nil), val...)
	default:
		return v
	}
}

// Canonical returns a deep copy of p in the shape every transport delivers
// to a receiver: integers as int64 (uint64 only above math.MaxInt64),
// floats as float64, lists as []any and nested maps as map[string]any. A
// nil map yields an empty one.
func (p Properties) Canonical() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = canonicalValue(v)
	}
	return out
}

func canonicalValue(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint:
		return canonicalUint(uint64(val))
	case uint64:
		return canonicalUint(val)
	case float32:
		return float64(val)
	case map[string]any:
		return map[string]any(Properties(val).Canonical())
	case Properties:
		return map[string]any(val.Canonical())
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = item
		}
		return out
	case []map[string]any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = map[string]any(Properties(item).Canonical())
		}
		return out
	case []byte:
		return append([]byte{}, val...)
	default:
		return v
	}
}

func canonicalUint(v uint64) any {
	if v <= math.MaxInt64 {
		return int64(v)
	}
	return v
}

// ErrInvalidValue is returned by Validate for values no transport can carry.
var ErrInvalidValue = errors.New("unsupported property value")

// Validate checks that every value in p has a transportable shape.
func (p Properties) Validate() error {
	for k, v := range p {
		if err := validateValue(v); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

func validateValue(v any) error {
	switch val := v.(type) {
	case nil, bool, string, []byte, []string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return nil
	case map[string]any:
		return Properties(val).Validate()
	case Properties:
		return val.Validate()
	case []map[string]any:
		for i, item := range val {
			if err := Properties(item).Validate(); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case []any:
		for i, item := range val {
			if err := validateValue(item); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", ErrInvalidValue, v)
	}
}

// Data is the point-in-time state of one provider.
type Data struct {
	Static  Properties `json:"static" yaml:"static"`
	Dynamic Properties `json:"dynamic" yaml:"dynamic"`
}

// Clone returns a deep copy of both snapshots.
func (d Data) Clone() Data {
	return Data{Static: d.Static.Clone(), Dynamic: d.Dynamic.Clone()}
}

// ToMap renders d in its wire shape {"static": ..., "dynamic": ...}.
// Nil snapshots are rendered as empty maps.
func (d Data) ToMap() map[string]any {
	static, dynamic := d.Static, d.Dynamic
	if static == nil {
		static = Properties{}
	}
	if dynamic == nil {
		dynamic = Properties{}
	}
	return map[string]any{
		"static":  map[string]any(static),
		"dynamic": map[string]any(dynamic),
	}
}

// DataFromMap parses the wire shape produced by ToMap.
func DataFromMap(m map[string]any) (Data, error) {
	var d Data
	static, err := subMap(m, "static")
	if err != nil {
		return d, err
	}
	dynamic, err := subMap(m, "dynamic")
	if err != nil {
		return d, err
	}
	d.Static = static
	d.Dynamic = dynamic
	return d, nil
}

func subMap(m map[string]any, key string) (Properties, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return Properties{}, nil
	}
	switch val := v.(type) {
	case map[string]any:
		return Properties(val), nil
	case Properties:
		return val, nil
	default:
		return nil, fmt.Errorf("%q is %T, not a mapping", key, v)
	}
}

// Message is a widget-originated call routed to one provider.
type Message struct {
	Namespace Namespace
	Function  string
	Data      Properties
}

// Message shape errors.
var (
	ErrEmptyNamespace = errors.New("namespace is required")
	ErrEmptyFunction  = errors.New("function definition is required")
)

// Validate performs the basic shape checks done before a message reaches a
// provider.
func (m Message) Validate() error {
	if m.Namespace == "" {
		return ErrEmptyNamespace
	}
	if m.Function == "" {
		return ErrEmptyFunction
	}
	return m.Data.Validate()
}

// Clone returns a copy of m whose Data shares nothing with the original.
func (m Message) Clone() Message {
	m.Data = m.Data.Clone()
	return m
}
