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
	"time"

	"github.com/gravitational/trace"

	"github.com/z-open/zerv-core/lib/defaults"
)

// SwitchedStore routes every operation to the cluster store when one is
// configured, falling back to the local store otherwise. The decision is
// made at call time so that a cluster store wired in after construction
// takes effect immediately.
type SwitchedStore struct {
	local   Store
	cluster Store
	use     func() bool
}

// NewSwitchedStore builds a store routing to cluster when use() reports
// true. cluster may be nil, in which case everything goes local.
func NewSwitchedStore(local, cluster Store, use func() bool) (*SwitchedStore, error) {
	if local == nil {
		return nil, trace.BadParameter("missing local store")
	}
	if use == nil {
		use = func() bool { return cluster != nil }
	}
	return &SwitchedStore{local: local, cluster: cluster, use: use}, nil
}

func (s *SwitchedStore) pick() Store {
	if s.cluster != nil && s.use() {
		return s.cluster
	}
	return s.local
}

// Set implements Store.
func (s *SwitchedStore) Set(ctx context.Context, key, value string) error {
	return s.pick().Set(ctx, key, value)
}

// SetEx implements Store.
func (s *SwitchedStore) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	return s.pick().SetEx(ctx, key, ttl, value)
}

// Get implements Store.
func (s *SwitchedStore) Get(ctx context.Context, key string) (string, bool, error) {
	return s.pick().Get(ctx, key)
}

// MGet implements Store.
func (s *SwitchedStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	return s.pick().MGet(ctx, keys...)
}

// Delete implements Store.
func (s *SwitchedStore) Delete(ctx context.Context, key string) error {
	return s.pick().Delete(ctx, key)
}

// Scan implements Store.
func (s *SwitchedStore) Scan(ctx context.Context, match string, count int64) ([]string, error) {
	return s.pick().Scan(ctx, match, count)
}

// Close closes both backing stores.
func (s *SwitchedStore) Close() error {
	var errs []error
	if err := s.local.Close(); err != nil {
		errs = append(errs, err)
	}
	if s.cluster != nil {
		if err := s.cluster.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return trace.NewAggregate(errs...)
}

// LocalCachePath is the per-environment persistence file of the local
// store. Empty when no directory is configured.
func LocalCachePath(dir string) string {
	if dir == "" {
		return ""
	}
	return dir + "/.zerv-cache-" + defaults.Environment() + ".json"
}
