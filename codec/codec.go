// Package codec encodes and decodes arbitrary typed application values to
// and from the opaque byte strings stored by a store.Store backend.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/outpostlabs/sessvault/store"
)

// Encode marshals v to its opaque byte-string representation.
func Encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, store.NewError(store.KindEncode, fmt.Errorf("failed to marshal session value: %w", err))
	}
	return b, nil
}

// Decode unmarshals data into v.
func Decode(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return store.NewError(store.KindDecode, fmt.Errorf("failed to unmarshal session value: %w", err))
	}
	return nil
}
