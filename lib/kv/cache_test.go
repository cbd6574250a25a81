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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type testObject struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

func TestCacheObjectRoundTrip(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := NewCache(newLocal(t, clockwork.NewFakeClock()))

	in := testObject{ID: 7, Name: "magazine"}
	require.NoError(t, cache.CacheObject(ctx, "obj1", in, WithPrefix("TEST_")))

	var out testObject
	ok, err := cache.Object(ctx, "obj1", &out, WithPrefix("TEST_"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, in, out)

	// The prefixed key is what actually hit the store.
	_, ok, err = cache.Store().Get(ctx, "TEST_obj1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheBoolValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := NewCache(newLocal(t, clockwork.NewFakeClock()))

	ok, err := cache.BoolValue(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, cache.CacheValue(ctx, "flag", "true"))
	ok, err = cache.BoolValue(ctx, "flag")
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, cache.CacheValue(ctx, "flag", "yes"))
	ok, err = cache.BoolValue(ctx, "flag")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheTTLOption(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	cache := NewCache(newLocal(t, clock))

	require.NoError(t, cache.CacheValue(ctx, "k", "v", WithTTL(time.Minute)))
	clock.Advance(time.Minute)
	_, ok, err := cache.Value(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheObjectsWithKeyPrefix(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	cache := NewCache(newLocal(t, clockwork.NewFakeClock()))

	require.NoError(t, cache.CacheObject(ctx, "a", testObject{ID: 1}, WithPrefix("SESSION_")))
	require.NoError(t, cache.CacheObject(ctx, "b", testObject{ID: 2}, WithPrefix("SESSION_")))
	require.NoError(t, cache.CacheObject(ctx, "x", testObject{ID: 3}, WithPrefix("OTHER_")))

	raw, err := cache.ObjectsWithKeyPrefix(ctx, "SESSION_")
	require.NoError(t, err)
	require.Len(t, raw, 2)
}
