// Package extension provides the URI-keyed metadata container attached to
// stored records. The ledger rides on two sanctioned URIs: the account owner
// tag and the receipt link list. Values are deep-copied on every access so a
// container never leaks shared state between callers, and the JSON wire shape
// stays a plain map[uri]value.
package extension

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"golang.org/x/exp/maps"
)

// URI identifies a metadata extension slot on a stored record.
type URI string

// Known extension URIs. The values are part of the persisted wire format and
// must remain stable across releases.
const (
	// URIAccountOwner tags a record with the username of the owning account.
	URIAccountOwner URI = "urn:healthcore:account:owner"
	// URIReceiptLinks holds the ordered list of receipt bundle references
	// ("Bundle/<id>") that produced versions of the record.
	URIReceiptLinks URI = "urn:healthcore:receipt:links"
	// URIAccountUsername carries the account username on receipt headers.
	URIAccountUsername URI = "urn:healthcore:account:username"
)

var uriRegistry = map[URI]struct{}{
	URIAccountOwner:    {},
	URIReceiptLinks:    {},
	URIAccountUsername: {},
}

// ErrUnknownURI indicates a payload referenced an extension slot outside the
// sanctioned set.
var ErrUnknownURI = errors.New("extension: unknown extension uri")

// KnownURIs returns the sorted list of registered extension URIs.
func KnownURIs() []URI {
	keys := maps.Keys(uriRegistry)
	slices.Sort(keys)
	return keys
}

// IsKnownURI reports whether the provided URI is registered.
func IsKnownURI(u URI) bool {
	_, ok := uriRegistry[u]
	return ok
}

// ParseURI validates a string identifier and returns the typed URI.
func ParseURI(value string) (URI, error) {
	u := URI(value)
	if !IsKnownURI(u) {
		return "", fmt.Errorf("%w: %s", ErrUnknownURI, value)
	}
	return u, nil
}

// Container stores extension values keyed by URI. It centralises cloning and
// JSON marshalling so record structs can carry metadata without aliasing.
type Container struct {
	payload map[URI]any
}

// NewContainer initialises an empty extension container.
func NewContainer() Container {
	return Container{payload: make(map[URI]any)}
}

// FromRaw builds a container from the JSON-compatible wire representation.
// Unknown URIs trigger an error to prevent accidental schema drift.
func FromRaw(raw map[string]any) (Container, error) {
	c := NewContainer()
	for uriStr, value := range raw {
		uri, err := ParseURI(uriStr)
		if err != nil {
			return Container{}, err
		}
		c.Set(uri, value)
	}
	return c, nil
}

func (c *Container) ensurePayload() {
	if c.payload == nil {
		c.payload = make(map[URI]any)
	}
}

// Set stores a value for the given URI, deep-copying it to shield the
// container from external mutation. Unregistered URIs are ignored and Set
// reports false.
func (c *Container) Set(uri URI, value any) bool {
	if !IsKnownURI(uri) {
		return false
	}
	c.ensurePayload()
	c.payload[uri] = cloneValue(value)
	return true
}

// Remove deletes the value stored for the given URI.
func (c *Container) Remove(uri URI) {
	if c.payload == nil {
		return
	}
	delete(c.payload, uri)
}

// Get retrieves a deep copy of the value for the given URI.
func (c Container) Get(uri URI) (any, bool) {
	if c.payload == nil {
		return nil, false
	}
	value, ok := c.payload[uri]
	if !ok {
		return nil, false
	}
	return cloneValue(value), true
}

// GetString retrieves a string value for the given URI.
func (c Container) GetString(uri URI) (string, bool) {
	value, ok := c.Get(uri)
	if !ok {
		return "", false
	}
	s, ok := value.(string)
	return s, ok
}

// GetStrings retrieves an ordered string list for the given URI. Both []string
// and []any (post JSON round-trip) representations are accepted.
func (c Container) GetStrings(uri URI) ([]string, bool) {
	value, ok := c.Get(uri)
	if !ok {
		return nil, false
	}
	switch typed := value.(type) {
	case []string:
		return append([]string(nil), typed...), true
	case []any:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}

// URIs reports the slots populated in the container, sorted.
func (c Container) URIs() []URI {
	if c.payload == nil {
		return nil
	}
	uris := maps.Keys(c.payload)
	slices.Sort(uris)
	return uris
}

// Len returns the number of populated slots.
func (c Container) Len() int { return len(c.payload) }

// Clone produces a deep copy of the container, including all nested values.
func (c Container) Clone() Container {
	if c.payload == nil {
		return Container{}
	}
	clone := NewContainer()
	for uri, value := range c.payload {
		clone.payload[uri] = cloneValue(value)
	}
	return clone
}

// MarshalJSON implements json.Marshaler keeping the wire shape map[uri]value
// with all nested values cloned to avoid aliasing.
func (c Container) MarshalJSON() ([]byte, error) {
	wire := make(map[string]any, len(c.payload))
	for uri, value := range c.payload {
		wire[string(uri)] = cloneValue(value)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON validates URIs and populates the container.
func (c *Container) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*c = Container{}
		return nil
	}
	var wire map[string]any
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	*c = NewContainer()
	for uriStr, value := range wire {
		uri, err := ParseURI(uriStr)
		if err != nil {
			return err
		}
		c.payload[uri] = cloneValue(value)
	}
	return nil
}

// Raw exposes a JSON-compatible copy of the container payload.
func (c Container) Raw() map[string]any {
	wire := make(map[string]any, len(c.payload))
	for uri, value := range c.payload {
		wire[string(uri)] = cloneValue(value)
	}
	return wire
}

// cloneValue deep copies supported JSON-compatible values to prevent shared
// references between callers.
func cloneValue(value any) any {
	if value == nil {
		return nil
	}
	switch typed := value.(type) {
	case string, bool,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr,
		float32, float64,
		json.Number:
		return typed
	}

	source := reflect.ValueOf(value)

	switch source.Kind() {
	case reflect.Map:
		if source.IsNil() || source.Type().Key().Kind() != reflect.String {
			return value
		}
		clone := reflect.MakeMapWithSize(source.Type(), source.Len())
		iter := source.MapRange()
		for iter.Next() {
			clone.SetMapIndex(iter.Key(), cloneIntoType(iter.Value(), source.Type().Elem()))
		}
		return clone.Interface()
	case reflect.Slice:
		if source.IsNil() {
			return value
		}
		clone := reflect.MakeSlice(source.Type(), source.Len(), source.Len())
		for i := 0; i < source.Len(); i++ {
			clone.Index(i).Set(cloneIntoType(source.Index(i), source.Type().Elem()))
		}
		return clone.Interface()
	case reflect.Array:
		clone := reflect.New(source.Type()).Elem()
		for i := 0; i < source.Len(); i++ {
			clone.Index(i).Set(cloneIntoType(source.Index(i), source.Type().Elem()))
		}
		return clone.Interface()
	default:
		return value
	}
}

// cloneIntoType deep copies the provided value and converts it to the target type.
func cloneIntoType(value reflect.Value, target reflect.Type) reflect.Value {
	if !value.IsValid() || (value.Kind() == reflect.Interface && value.IsNil()) {
		return reflect.Zero(target)
	}

	cloned := cloneValue(value.Interface())
	if cloned == nil {
		return reflect.Zero(target)
	}

	clonedValue := reflect.ValueOf(cloned)
	if !clonedValue.Type().AssignableTo(target) {
		if clonedValue.Type().ConvertibleTo(target) {
			clonedValue = clonedValue.Convert(target)
		} else {
			return value
		}
	}
	return clonedValue
}
