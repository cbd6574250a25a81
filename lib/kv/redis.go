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
	"errors"
	"time"

	"github.com/gravitational/trace"
	"github.com/redis/go-redis/v9"
)

// RedisStore is the cluster Store implementation, a thin adapter over the
// go-redis client shared by all server instances.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore wraps an initialized redis client.
func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, trace.BadParameter("missing redis client")
	}
	return &RedisStore{client: client}, nil
}

// DialRedis connects to the cluster store at addr and verifies the
// connection before returning the store.
func DialRedis(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, trace.ConnectionProblem(err, "cluster store at %v is unreachable", addr)
	}
	return &RedisStore{client: client}, nil
}

// Client exposes the underlying redis client for collaborators that need
// more than the Store surface (pub/sub).
func (s *RedisStore) Client() redis.UniversalClient {
	return s.client
}

// Set stores value under key, preserving any prior expiry (KEEPTTL).
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, key, value, redis.KeepTTL).Err(); err != nil {
		return trace.ConnectionProblem(err, "failed to set %v", key)
	}
	return nil
}

// SetEx stores value under key with the given time to live.
func (s *RedisStore) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	if ttl <= 0 {
		return trace.BadParameter("ttl must be positive, got %v", ttl)
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return trace.ConnectionProblem(err, "failed to set %v", key)
	}
	return nil
}

// Get returns the value stored under key.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, trace.ConnectionProblem(err, "failed to get %v", key)
	}
	return value, true, nil
}

// MGet returns the values for the given keys, nil for missing ones.
func (s *RedisStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, trace.ConnectionProblem(err, "failed to mget %v keys", len(keys))
	}
	out := make([]*string, len(keys))
	for i, value := range values {
		if str, ok := value.(string); ok {
			v := str
			out[i] = &v
		}
	}
	return out, nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return trace.ConnectionProblem(err, "failed to delete %v", key)
	}
	return nil
}

// Scan iterates keys matching the glob pattern in batches of count,
// deduplicating the result as SCAN may return a key more than once.
func (s *RedisStore) Scan(ctx context.Context, match string, count int64) ([]string, error) {
	if count <= 0 {
		count = DefaultScanCount
	}
	seen := make(map[string]struct{})
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, match, count).Result()
		if err != nil {
			return nil, trace.ConnectionProblem(err, "failed to scan %v", match)
		}
		for _, key := range batch {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return trace.Wrap(s.client.Close())
}
