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
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	zerv "github.com/z-open/zerv-core"
)

// saveThrottle is the minimum interval between two persistence writes.
const saveThrottle = time.Second

type localItem struct {
	Value   string    `json:"value"`
	Expires time.Time `json:"expires,omitzero"`
}

func (it localItem) expired(now time.Time) bool {
	return !it.Expires.IsZero() && !it.Expires.After(now)
}

// LocalStoreConfig configures a process-local store.
type LocalStoreConfig struct {
	// Clock drives expiries and the persistence throttle.
	Clock clockwork.Clock
	// Path, when set, enables JSON file persistence of the store contents.
	Path string
	// Logger is used to report persistence failures.
	Logger *slog.Logger
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *LocalStoreConfig) CheckAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(zerv.ComponentKey, zerv.ComponentKV)
	}
	return nil
}

// LocalStore is the in-process Store implementation used when no cluster
// store is configured: a mutex-guarded map with optional per-key expiry,
// optionally persisted to a per-environment file by a throttled writer and
// reloaded at construction.
type LocalStore struct {
	cfg LocalStoreConfig

	mu        sync.Mutex
	data      map[string]localItem
	lastSave  time.Time
	saveTimer clockwork.Timer
	closed    bool
}

// NewLocalStore builds a local store, loading persisted contents when a
// persistence path is configured. Expired keys are pruned at load time.
func NewLocalStore(cfg LocalStoreConfig) (*LocalStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	s := &LocalStore{
		cfg:  cfg,
		data: make(map[string]localItem),
	}
	if cfg.Path != "" {
		if err := s.load(); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	return s, nil
}

// Set stores value under key, preserving any prior expiry.
func (s *LocalStore) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	it := localItem{Value: value}
	if prev, ok := s.data[key]; ok && !prev.expired(s.cfg.Clock.Now()) {
		it.Expires = prev.Expires
	}
	s.data[key] = it
	s.scheduleSaveLocked()
	return nil
}

// SetEx stores value under key with the given time to live, replacing any
// prior expiry.
func (s *LocalStore) SetEx(ctx context.Context, key string, ttl time.Duration, value string) error {
	if ttl <= 0 {
		return trace.BadParameter("ttl must be positive, got %v", ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = localItem{
		Value:   value,
		Expires: s.cfg.Clock.Now().Add(ttl),
	}
	s.scheduleSaveLocked()
	return nil
}

// Get returns the value stored under key, expiring it lazily.
func (s *LocalStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.data[key]
	if !ok {
		return "", false, nil
	}
	if it.expired(s.cfg.Clock.Now()) {
		delete(s.data, key)
		return "", false, nil
	}
	return it.Value, true, nil
}

// MGet returns the values for the given keys, nil for missing ones.
func (s *LocalStore) MGet(ctx context.Context, keys ...string) ([]*string, error) {
	out := make([]*string, len(keys))
	for i, key := range keys {
		value, ok, err := s.Get(ctx, key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if ok {
			v := value
			out[i] = &v
		}
	}
	return out, nil
}

// Delete removes key.
func (s *LocalStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[key]; ok {
		delete(s.data, key)
		s.scheduleSaveLocked()
	}
	return nil
}

// Scan returns the sorted set of live keys matching the glob pattern. Only
// prefix patterns ("PREFIX*") and literal keys are supported, which is all
// the facade callers use.
func (s *LocalStore) Scan(ctx context.Context, match string, count int64) ([]string, error) {
	prefix, wildcard := strings.CutSuffix(match, "*")
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.cfg.Clock.Now()
	var keys []string
	for key, it := range s.data {
		if it.expired(now) {
			delete(s.data, key)
			continue
		}
		if wildcard && strings.HasPrefix(key, prefix) || !wildcard && key == match {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close flushes pending persistence and stops the writer.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.saveTimer != nil {
		s.saveTimer.Stop()
	}
	s.mu.Unlock()
	if s.cfg.Path != "" {
		return trace.Wrap(s.save())
	}
	return nil
}

// scheduleSaveLocked arranges a persistence write, at most one per
// saveThrottle. Callers must hold s.mu.
func (s *LocalStore) scheduleSaveLocked() {
	if s.cfg.Path == "" || s.closed {
		return
	}
	now := s.cfg.Clock.Now()
	if now.Sub(s.lastSave) >= saveThrottle {
		s.lastSave = now
		go s.saveLogged()
		return
	}
	if s.saveTimer != nil {
		return
	}
	delay := saveThrottle - now.Sub(s.lastSave)
	s.saveTimer = s.cfg.Clock.AfterFunc(delay, func() {
		s.mu.Lock()
		s.saveTimer = nil
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.lastSave = s.cfg.Clock.Now()
		s.mu.Unlock()
		s.saveLogged()
	})
}

func (s *LocalStore) saveLogged() {
	if err := s.save(); err != nil {
		s.cfg.Logger.Warn("Failed to persist local cache.", "error", err, "path", s.cfg.Path)
	}
}

// save writes the live contents to the persistence file, pruning expired
// keys on the way out.
func (s *LocalStore) save() error {
	s.mu.Lock()
	now := s.cfg.Clock.Now()
	snapshot := make(map[string]localItem, len(s.data))
	for key, it := range s.data {
		if it.expired(now) {
			delete(s.data, key)
			continue
		}
		snapshot[key] = it
	}
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return trace.Wrap(err)
	}
	tmp := s.cfg.Path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o700); err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return trace.ConvertSystemError(err)
	}
	return trace.ConvertSystemError(os.Rename(tmp, s.cfg.Path))
}

// load reads persisted contents, dropping keys that expired while the
// process was down.
func (s *LocalStore) load() error {
	data, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return trace.ConvertSystemError(err)
	}
	var stored map[string]localItem
	if err := json.Unmarshal(data, &stored); err != nil {
		return trace.Wrap(err, "corrupt cache file %v", s.cfg.Path)
	}
	now := s.cfg.Clock.Now()
	for key, it := range stored {
		if it.expired(now) {
			continue
		}
		s.data[key] = it
	}
	return nil
}
