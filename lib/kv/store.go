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

// Package kv implements the key/value cache facade: a uniform surface over
// either an in-process store with file persistence or the cluster store.
package kv

import (
	"context"
	"time"
)

// Store is the uniform key/value surface consumed by the server core.
// Values are stored in their serialized string form.
type Store interface {
	// Set stores value under key. An existing expiry on the key is
	// preserved.
	Set(ctx context.Context, key, value string) error

	// SetEx stores value under key with the given time to live, replacing
	// any prior expiry.
	SetEx(ctx context.Context, key string, ttl time.Duration, value string) error

	// Get returns the value stored under key and whether it was found.
	Get(ctx context.Context, key string) (string, bool, error)

	// MGet returns the values for the given keys, nil for missing ones.
	MGet(ctx context.Context, keys ...string) ([]*string, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Scan returns the deduplicated set of keys matching the glob pattern,
	// iterating in batches of count (DefaultScanCount when count <= 0).
	Scan(ctx context.Context, match string, count int64) ([]string, error)

	// Close releases the store's resources.
	Close() error
}

// DefaultScanCount is the batch size used by Scan when none is given.
const DefaultScanCount = 100

// Option configures a single cache facade operation.
type Option func(*operation)

type operation struct {
	prefix string
	ttl    time.Duration
}

// WithPrefix prepends a key prefix to the operation's key.
func WithPrefix(prefix string) Option {
	return func(op *operation) { op.prefix = prefix }
}

// WithTTL stores the value with the given time to live.
func WithTTL(ttl time.Duration) Option {
	return func(op *operation) { op.ttl = ttl }
}

func applyOptions(opts []Option) operation {
	var op operation
	for _, o := range opts {
		o(&op)
	}
	return op
}
