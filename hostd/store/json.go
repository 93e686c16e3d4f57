package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// GetJSON reads key and decodes it into v. A missing key returns ErrNotFound;
// undecodable data returns a *CorruptError.
func GetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &CorruptError{Key: key, Err: err}
	}
	return nil
}

// GetJSONOrEmpty is GetJSON that treats a missing key as success and leaves v untouched.
func GetJSONOrEmpty(ctx context.Context, s Store, key string, v interface{}) error {
	err := GetJSON(ctx, s, key, v)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}
