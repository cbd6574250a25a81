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

// Package revocation records tokens that must no longer authenticate.
// Entries live in the key/value cache facade under the REVOK_TOK_ prefix
// and evict themselves when the token they mark would have expired anyway.
package revocation

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/defaults"
	"github.com/z-open/zerv-core/lib/kv"
)

// Config configures a revoked-token store.
type Config struct {
	// Cache is the key/value facade entries are stored in.
	Cache *kv.Cache
	// Clock drives TTL computations.
	Clock clockwork.Clock
	// RefreshInterval is the configured token refresh interval, used as
	// the TTL fallback for tokens without a usable expiry.
	RefreshInterval time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.TokenRefreshInterval
	}
	return nil
}

// Store records and tests revoked tokens.
type Store struct {
	cfg Config
}

// New builds a revoked-token store.
func New(cfg Config) (*Store, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Store{cfg: cfg}, nil
}

// Revoke marks the token unusable until exp. Tokens that already expired
// are dropped silently; live entries get a TTL of the token's remaining
// life rounded up to whole minutes, floored at one minute. A token without
// a usable expiry is kept for the refresh interval plus a 5% safety
// margin, long enough to outlive any copy still accepted by a peer.
func (s *Store) Revoke(ctx context.Context, signed string, exp time.Time) error {
	now := s.cfg.Clock.Now()
	var ttl time.Duration
	switch {
	case exp.IsZero():
		ttl = s.cfg.RefreshInterval + s.cfg.RefreshInterval/20
	case !exp.After(now):
		// Nothing left to revoke.
		return nil
	default:
		remaining := exp.Sub(now)
		ttl = remaining.Truncate(time.Minute)
		if ttl < remaining {
			ttl += time.Minute
		}
	}
	if ttl < time.Minute {
		ttl = time.Minute
	}
	err := s.cfg.Cache.CacheValue(ctx, signed, "true",
		kv.WithPrefix(zerv.RevokedTokenPrefix), kv.WithTTL(ttl))
	return trace.Wrap(err)
}

// IsRevoked reports whether the token was revoked. Transport errors
// propagate: callers must treat them as "unknown" and refuse
// authentication rather than admit.
func (s *Store) IsRevoked(ctx context.Context, signed string) (bool, error) {
	revoked, err := s.cfg.Cache.BoolValue(ctx, signed, kv.WithPrefix(zerv.RevokedTokenPrefix))
	return revoked, trace.Wrap(err)
}
