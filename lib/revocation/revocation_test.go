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

package revocation

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/z-open/zerv-core/lib/kv"
)

func newStore(t *testing.T, clock clockwork.Clock) *Store {
	t.Helper()
	local, err := kv.NewLocalStore(kv.LocalStoreConfig{Clock: clock})
	require.NoError(t, err)
	t.Cleanup(func() { local.Close() })
	store, err := New(Config{Cache: kv.NewCache(local), Clock: clock})
	require.NoError(t, err)
	return store
}

func TestRevokeAndCheck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newStore(t, clock)

	revoked, err := store.IsRevoked(ctx, "tok1")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "tok1", clock.Now().Add(time.Hour)))
	revoked, err = store.IsRevoked(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestRevokeDropsExpiredToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newStore(t, clock)

	require.NoError(t, store.Revoke(ctx, "tok1", clock.Now().Add(-time.Second)))
	revoked, err := store.IsRevoked(ctx, "tok1")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevocationOutlivesToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newStore(t, clock)

	// 90s of remaining life rounds up to 2 minutes of TTL.
	exp := clock.Now().Add(90 * time.Second)
	require.NoError(t, store.Revoke(ctx, "tok1", exp))

	clock.Advance(90 * time.Second)
	revoked, err := store.IsRevoked(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, revoked, "entry must not disappear before the token expiry")

	clock.Advance(time.Minute)
	revoked, err = store.IsRevoked(ctx, "tok1")
	require.NoError(t, err)
	require.False(t, revoked)
}

func TestRevokeTTLFloor(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newStore(t, clock)

	// One second of remaining life still yields a full minute of TTL.
	require.NoError(t, store.Revoke(ctx, "tok1", clock.Now().Add(time.Second)))
	clock.Advance(30 * time.Second)
	revoked, err := store.IsRevoked(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestRepeatedRevokeKeepsEntryUntilExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	store := newStore(t, clock)

	exp := clock.Now().Add(10 * time.Minute)
	require.NoError(t, store.Revoke(ctx, "tok1", exp))
	clock.Advance(5 * time.Minute)
	require.NoError(t, store.Revoke(ctx, "tok1", exp))

	clock.Advance(4 * time.Minute)
	revoked, err := store.IsRevoked(ctx, "tok1")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestIsRevokedPropagatesStoreErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	cluster, err := kv.NewRedisStore(client)
	require.NoError(t, err)

	store, err := New(Config{Cache: kv.NewCache(cluster), Clock: clockwork.NewFakeClock()})
	require.NoError(t, err)

	mr.Close()
	_, err = store.IsRevoked(ctx, "tok1")
	require.Error(t, err, "transport failures must surface so callers refuse authentication")
}
