package cache

import "encoding/json"

// Codec converts cache values to and from the byte representation stored in
// the remote tier.
type Codec[V any] interface {
	Marshal(v V) ([]byte, error)
	Unmarshal(data []byte) (V, error)
}

// JSONCodec is the default codec, serializing values as JSON.
type JSONCodec[V any] struct{}

// Marshal encodes v as JSON.
func (JSONCodec[V]) Marshal(v V) ([]byte, error) {
	return json.Marshal(v)
}

// Unmarshal decodes JSON data into a value.
func (JSONCodec[V]) Unmarshal(data []byte) (V, error) {
	var v V
	err := json.Unmarshal(data, &v)
	return v, err
}

// BytesCodec passes []byte values through unchanged.
type BytesCodec struct{}

// Marshal returns the value as-is.
func (BytesCodec) Marshal(v []byte) ([]byte, error) { return v, nil }

// Unmarshal returns the data as-is.
func (BytesCodec) Unmarshal(data []byte) ([]byte, error) { return data, nil }
