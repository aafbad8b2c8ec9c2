package shmstore

import (
	"bytes"
	"encoding/gob"
)

// Serializer is the caller-supplied codec for non-byte-string values. Only
// []byte values bypass it entirely (stored with kind=string); everything
// else is marshaled through this interface before compression.
type Serializer interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, isString bool) (any, error)
}

// gobSerializer is the default Serializer, used when a caller never
// supplies one of its own (e.g. tests, cmd/shmstore-bench). A real type
// checker driver will typically install a purpose-built binary encoding
// for its AST/type representation via SetSerializer.
type gobSerializer struct{}

func (gobSerializer) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (gobSerializer) Unmarshal(data []byte, isString bool) (any, error) {
	var v any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// SetSerializer installs the codec used for non-[]byte values passed to
// Add/Get. Must be called before the first Add/Get of a non-byte-string
// value; the default is a gob-based codec.
func (s *Store) SetSerializer(ser Serializer) { s.serializer = ser }
