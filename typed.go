package objstore

import (
	"context"

	"github.com/sharedcode/objstore/encoding"
)

// Typed is a typed facade over a partition. Values are encoded with its Marshaler,
// JSON by default, while []byte values pass through as is.
type Typed[T any] struct {
	Partition
	Marshaler encoding.Marshaler
}

// NewTyped returns a Typed facade over p using the default marshaler.
func NewTyped[T any](p Partition) Typed[T] {
	return Typed[T]{Partition: p, Marshaler: encoding.DefaultMarshaler}
}

// Store encodes value and adds it under key.
func (t Typed[T]) Store(ctx context.Context, key string, value T) error {
	ba, err := encoding.Marshal(t.Marshaler, value)
	if err != nil {
		return Error{Code: StoreFailure, Err: err, UserData: key}
	}
	return t.Partition.Store(ctx, key, ba)
}

// Retrieve returns the decoded value of key.
func (t Typed[T]) Retrieve(ctx context.Context, key string) (T, error) {
	var v T
	ba, err := t.Partition.Retrieve(ctx, key)
	if err != nil {
		return v, err
	}
	if err := encoding.Unmarshal(t.Marshaler, ba, &v); err != nil {
		return v, Error{Code: StoreFailure, Err: err, UserData: key}
	}
	return v, nil
}

// Remove deletes key and returns its decoded value.
func (t Typed[T]) Remove(ctx context.Context, key string) (T, error) {
	var v T
	ba, err := t.Partition.Remove(ctx, key)
	if err != nil {
		return v, err
	}
	if err := encoding.Unmarshal(t.Marshaler, ba, &v); err != nil {
		return v, Error{Code: StoreFailure, Err: err, UserData: key}
	}
	return v, nil
}
