package core

import (
	"encoding/json"
	"fmt"
)

// Codec converts payloads and results to the bytes that cross the unit boundary.
// Units never see the caller's values, only their encoding.
type Codec interface {
	// Encode converts a Go value to bytes
	Encode(v any) ([]byte, error)

	// Decode converts bytes back to a Go value
	Decode(data []byte, target any) error

	// Name returns the codec name (for debugging/logging)
	Name() string
}

// JSONCodec uses JSON encoding.
type JSONCodec struct{}

// NewJSONCodec creates a new JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return []byte("null"), nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json marshal failed: %w", err)
	}

	return data, nil
}

func (c *JSONCodec) Decode(data []byte, target any) error {
	if target == nil {
		return fmt.Errorf("decode target cannot be nil")
	}

	if len(data) == 0 {
		return fmt.Errorf("data is empty")
	}

	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("json unmarshal failed: %w", err)
	}

	return nil
}

func (c *JSONCodec) Name() string {
	return "json"
}
