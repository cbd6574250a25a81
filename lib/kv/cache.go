/*
Copyright 2024 z-open

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package kv

import (
	"context"
	"encoding/json"

	"github.com/gravitational/trace"
)

// Cache layers value-facing helpers over a Store: objects are stored as
// JSON, booleans as the literal "true"/"false".
type Cache struct {
	store Store
}

// NewCache wraps a store.
func NewCache(store Store) *Cache {
	return &Cache{store: store}
}

// Store returns the underlying store.
func (c *Cache) Store() Store {
	return c.store
}

// CacheValue stores a raw string value.
func (c *Cache) CacheValue(ctx context.Context, key, value string, opts ...Option) error {
	op := applyOptions(opts)
	if op.ttl > 0 {
		return trace.Wrap(c.store.SetEx(ctx, op.prefix+key, op.ttl, value))
	}
	return trace.Wrap(c.store.Set(ctx, op.prefix+key, value))
}

// CacheObject stores the JSON serialization of v.
func (c *Cache) CacheObject(ctx context.Context, key string, v any, opts ...Option) error {
	data, err := json.Marshal(v)
	if err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(c.CacheValue(ctx, key, string(data), opts...))
}

// Value returns the raw string stored under key.
func (c *Cache) Value(ctx context.Context, key string, opts ...Option) (string, bool, error) {
	op := applyOptions(opts)
	value, ok, err := c.store.Get(ctx, op.prefix+key)
	return value, ok, trace.Wrap(err)
}

// Object parses the value stored under key into out; ok is false when the
// key is missing.
func (c *Cache) Object(ctx context.Context, key string, out any, opts ...Option) (bool, error) {
	value, ok, err := c.Value(ctx, key, opts...)
	if err != nil || !ok {
		return false, trace.Wrap(err)
	}
	if err := json.Unmarshal([]byte(value), out); err != nil {
		return false, trace.Wrap(err, "corrupt cached object under %v", key)
	}
	return true, nil
}

// BoolValue tests the value stored under key for equality with "true".
// Missing keys read as false.
func (c *Cache) BoolValue(ctx context.Context, key string, opts ...Option) (bool, error) {
	value, ok, err := c.Value(ctx, key, opts...)
	if err != nil || !ok {
		return false, trace.Wrap(err)
	}
	return value == "true", nil
}

// Delete removes the value stored under key.
func (c *Cache) Delete(ctx context.Context, key string, opts ...Option) error {
	op := applyOptions(opts)
	return trace.Wrap(c.store.Delete(ctx, op.prefix+key))
}

// ObjectsWithKeyPrefix returns the raw JSON values of every key starting
// with prefix, in key order as returned by the store scan.
func (c *Cache) ObjectsWithKeyPrefix(ctx context.Context, prefix string, opts ...Option) ([]json.RawMessage, error) {
	op := applyOptions(opts)
	keys, err := c.store.Scan(ctx, op.prefix+prefix+"*", DefaultScanCount)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := c.store.MGet(ctx, keys...)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make([]json.RawMessage, 0, len(values))
	for _, value := range values {
		// A key may expire between the scan and the mget.
		if value == nil {
			continue
		}
		out = append(out, json.RawMessage(*value))
	}
	return out, nil
}
