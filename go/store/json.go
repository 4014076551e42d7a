package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// All JSON written to the store is UTF-8, pretty-printed with indent 2.
const jsonContentType = "application/json"

// GetJSON reads and unmarshals the object at |key| into |into|.
func GetJSON(ctx context.Context, b Bucket, key string, into interface{}) error {
	data, err := b.Get(ctx, key)
	if err != nil {
		return err
	}
	if err = json.Unmarshal(data, into); err != nil {
		return fmt.Errorf("decoding %q: %w", key, err)
	}
	return nil
}

// PutJSON marshals |doc| and writes it to |key|.
func PutJSON(ctx context.Context, b Bucket, key string, doc interface{}) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %q: %w", key, err)
	}
	return b.Put(ctx, key, data, jsonContentType)
}

// PutJSONIfAbsent marshals |doc| and writes it under an If-None-Match: *
// precondition, returning false if the object already exists.
func PutJSONIfAbsent(ctx context.Context, b Bucket, key string, doc interface{}) (bool, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return false, fmt.Errorf("encoding %q: %w", key, err)
	}
	return b.PutIfAbsent(ctx, key, data, jsonContentType)
}
