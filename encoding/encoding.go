// Package encoding converts typed values to and from the opaque byte payloads object stores hold.
package encoding

import (
	"encoding/json"
)

// Marshaler interface specifies encoding to byte array and back to the object.
type Marshaler interface {
	// Encodes any object to byte array.
	Marshal(v any) ([]byte, error)
	// Decodes byte array back to its Object type.
	Unmarshal(data []byte, v any) error
}

// DefaultMarshaler is the global default marshaller, JSON based.
var DefaultMarshaler = NewMarshaler()

type defaultMarshaler struct{}

// NewMarshaler returns the default marshaller which uses the golang's json package.
func NewMarshaler() Marshaler {
	return &defaultMarshaler{}
}

// Marshal encodes any object to a byte array.
func (m defaultMarshaler) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes a byte array back to its Object type.
func (m defaultMarshaler) Unmarshal(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// Marshal encodes v with m, passing byte arrays through untouched.
func Marshal[T any](m Marshaler, v T) ([]byte, error) {
	switch b := any(v).(type) {
	case []byte:
		return b, nil
	case *[]byte:
		if b == nil {
			return nil, nil
		}
		return *b, nil
	}
	if m == nil {
		m = DefaultMarshaler
	}
	return m.Marshal(v)
}

// Unmarshal decodes ba into v with m, passing byte arrays through untouched.
func Unmarshal[T any](m Marshaler, ba []byte, v *T) error {
	if p, ok := any(v).(*[]byte); ok {
		*p = ba
		return nil
	}
	if m == nil {
		m = DefaultMarshaler
	}
	return m.Unmarshal(ba, v)
}
