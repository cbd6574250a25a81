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
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store, err := NewRedisStore(client)
	require.NoError(t, err)
	return store, mr
}

func TestRedisStoreSetGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newRedis(t)

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, "k", "v"))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", value)

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok, err = store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newRedis(t)

	require.NoError(t, store.SetEx(ctx, "k", time.Minute, "v"))

	// A plain Set keeps the remaining TTL.
	require.NoError(t, store.Set(ctx, "k", "v2"))
	require.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(time.Minute)
	_, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStoreScanDeduplicates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newRedis(t)

	for i := 0; i < 250; i++ {
		require.NoError(t, store.Set(ctx, fmt.Sprintf("REVOK_TOK_%03d", i), "true"))
	}
	require.NoError(t, store.Set(ctx, "SESSION_x", "{}"))

	keys, err := store.Scan(ctx, "REVOK_TOK_*", 100)
	require.NoError(t, err)
	require.Len(t, keys, 250)
	seen := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		_, dup := seen[key]
		require.False(t, dup, "duplicate key %v", key)
		seen[key] = struct{}{}
	}
}

func TestRedisStoreMGet(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, _ := newRedis(t)

	require.NoError(t, store.Set(ctx, "a", "1"))
	require.NoError(t, store.Set(ctx, "c", "3"))

	values, err := store.MGet(ctx, "a", "b", "c")
	require.NoError(t, err)
	require.Len(t, values, 3)
	require.Equal(t, "1", *values[0])
	require.Nil(t, values[1])
	require.Equal(t, "3", *values[2])
}

func TestRedisStoreConnectionError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store, mr := newRedis(t)

	mr.Close()
	_, _, err := store.Get(ctx, "k")
	require.Error(t, err)
}
