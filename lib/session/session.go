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

// Package session tracks user sessions: a local map of the sessions held
// by this instance, a cluster mirror keyed by origin, auto-logout when
// the maximum active duration elapses, and a sweeper collecting sessions
// with no remaining connections.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/defaults"
	"github.com/z-open/zerv-core/lib/kv"
	"github.com/z-open/zerv-core/lib/notify"
	"github.com/z-open/zerv-core/lib/revocation"
	"github.com/z-open/zerv-core/lib/token"
	"github.com/z-open/zerv-core/lib/utils"
	"github.com/z-open/zerv-core/lib/websock"
)

var localSessionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "zerv_local_user_sessions",
	Help: "Number of user sessions held by this instance.",
})

// Session is one user's presence at one origin on this instance. An
// origin is a browser installation; all its sockets share the session.
type Session struct {
	ID                string        `json:"id"`
	Origin            string        `json:"origin"`
	UserID            string        `json:"userId"`
	TenantID          string        `json:"tenantId"`
	FirstName         string        `json:"firstName,omitempty"`
	LastName          string        `json:"lastName,omitempty"`
	Payload           token.Payload `json:"payload,omitempty"`
	Creation          time.Time     `json:"creation"`
	ClusterCreation   time.Time     `json:"clusterCreation"`
	LastUpdate        time.Time     `json:"lastUpdate"`
	Revision          int64         `json:"revision"`
	Active            bool          `json:"active"`
	Connections       int           `json:"connections"`
	MaxActiveDuration time.Duration `json:"maxActiveDuration"`

	timer *utils.LongTimer
}

// clusterRecord is the session mirror stored in the cluster under
// SESSION_<origin>, letting any instance resume the session.
type clusterRecord struct {
	ID                    string    `json:"id"`
	UserID                string    `json:"userId"`
	Origin                string    `json:"origin"`
	TenantID              string    `json:"tenantId"`
	ClusterCreation       time.Time `json:"clusterCreation"`
	MaxActiveDurationMins int64     `json:"maxActiveDuration"`
}

// Config configures a session manager.
type Config struct {
	// Clock drives timers and timestamps.
	Clock clockwork.Clock
	// Logger reports session lifecycle events.
	Logger *slog.Logger
	// Cache reads and writes the cluster session mirror.
	Cache *kv.Cache
	// Clustered reports, at call time, whether the cluster mirror is in
	// use. Defaults to the redis environment switch.
	Clustered func() bool
	// Revocations revokes socket tokens when an origin logs out.
	Revocations *revocation.Store
	// Sockets is the socket server whose connections the sessions count.
	Sockets *websock.Server
	// Notifier receives session change notifications and the session
	// sync publication.
	Notifier notify.Notifier
	// Bus propagates logouts to the other instances of the cluster.
	Bus Bus
	// InactiveTimeout is both the sweep period and the age past which a
	// session with no connections is collected.
	InactiveTimeout time.Duration
	// MaxActiveTimeout is the default maximum active session duration,
	// bounding per-tenant overrides.
	MaxActiveTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Cache == nil {
		return trace.BadParameter("missing parameter Cache")
	}
	if c.Revocations == nil {
		return trace.BadParameter("missing parameter Revocations")
	}
	if c.Sockets == nil {
		return trace.BadParameter("missing parameter Sockets")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(zerv.ComponentKey, zerv.ComponentSessions)
	}
	if c.Clustered == nil {
		c.Clustered = defaults.RedisEnabled
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
	if c.InactiveTimeout <= 0 {
		c.InactiveTimeout = defaults.InactiveLocalSessionTimeout
	}
	if c.MaxActiveTimeout <= 0 {
		c.MaxActiveTimeout = defaults.MaxActiveSessionTimeoutFromEnv()
	}
	return nil
}

// Manager owns the local sessions of one server instance.
type Manager struct {
	cfg      Config
	serverID string

	mu        sync.Mutex
	sessions  map[string]*Session
	tenantMax map[string]time.Duration

	listenerMu sync.Mutex
	nextHandle int64
	listeners  map[int64]func(*Session, string)

	stopBus func()
	closed  chan struct{}
	once    sync.Once
}

// NewManager builds a session manager and starts its inactive-session
// sweeper. When a bus is configured it also starts consuming logout
// events from the other instances.
func NewManager(cfg Config) (*Manager, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	m := &Manager{
		cfg:       cfg,
		serverID:  uuid.NewString(),
		sessions:  make(map[string]*Session),
		tenantMax: make(map[string]time.Duration),
		listeners: make(map[int64]func(*Session, string)),
		closed:    make(chan struct{}),
	}
	if cfg.Bus != nil {
		stop, err := cfg.Bus.SubscribeLogout(m.onClusterLogout)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		m.stopBus = stop
	}
	go m.sweepLoop()
	return m, nil
}

// ServerInstanceID returns this instance's unique id, attached to every
// cluster logout event to suppress echo.
func (m *Manager) ServerInstanceID() string { return m.serverID }

// ConnectUser registers a socket's connection against the session of its
// origin, creating the session when this is the origin's first socket or
// a different user took the origin over. A cluster store failure is
// returned so the caller refuses authentication.
func (m *Manager) ConnectUser(ctx context.Context, socket *websock.Socket) (*Session, error) {
	origin := socket.Origin()
	if origin == "" {
		return nil, trace.BadParameter("socket has no origin")
	}
	payload := socket.Payload()
	now := m.cfg.Clock.Now()

	m.mu.Lock()
	s, ok := m.sessions[origin]
	isNew := !ok || s.UserID != payload.UserID()
	var replaced *Session
	var replacedTimer *utils.LongTimer
	if isNew && ok {
		// Another user takes the origin over; the old session's expiry
		// timer must not outlive it and fire against the new session.
		replacedTimer = s.timer
		copied := *s
		copied.Active = false
		replaced = &copied
	}
	if isNew {
		s = &Session{
			ID:        uuid.NewString(),
			Origin:    origin,
			UserID:    payload.UserID(),
			TenantID:  payload.TenantID(),
			FirstName: payload.FirstName(),
			LastName:  payload.LastName(),
			Payload:   payload.Clone(),
			Creation:  now,
		}
		if m.cfg.Clustered() {
			if err := m.adoptClusterSession(ctx, s, now); err != nil {
				m.mu.Unlock()
				return nil, trace.Wrap(err)
			}
		} else {
			s.ClusterCreation = now
			s.MaxActiveDuration = m.tenantMaxLocked(s.TenantID)
		}
		m.sessions[origin] = s
		localSessionsGauge.Set(float64(len(m.sessions)))
	}
	s.Revision++
	s.LastUpdate = now
	s.Connections = len(m.cfg.Sockets.SocketsAtOrigin(origin))
	s.Active = s.Connections > 0
	snapshot := *s
	m.mu.Unlock()

	if replaced != nil {
		if replacedTimer != nil {
			replacedTimer.Stop()
		}
		m.notifyDestroyed(replaced, zerv.ReasonUserLoggedOut)
		m.cfg.Notifier.NotifyDelete(replaced.TenantID, zerv.UserSessionDataSet, []any{*replaced})
	}

	if isNew {
		m.cfg.Notifier.NotifyCreation(snapshot.TenantID, zerv.UserSessionDataSet, []any{snapshot})
		m.scheduleAutoLogout(s, now)
	} else {
		m.cfg.Notifier.NotifyUpdate(snapshot.TenantID, zerv.UserSessionDataSet, []any{snapshot})
	}
	m.publishSync()
	return s, nil
}

// adoptClusterSession attaches the local session to the cluster mirror of
// its origin, creating or overwriting the mirror when absent or held by a
// different user. Called with m.mu held.
func (m *Manager) adoptClusterSession(ctx context.Context, s *Session, now time.Time) error {
	var record clusterRecord
	found, err := m.cfg.Cache.Object(ctx, s.Origin, &record, kv.WithPrefix(zerv.SessionPrefix))
	if err != nil {
		return trace.Wrap(err)
	}
	if !found || record.UserID != s.UserID {
		maxActive := m.tenantMaxLocked(s.TenantID)
		record = clusterRecord{
			ID:                    uuid.NewString(),
			UserID:                s.UserID,
			Origin:                s.Origin,
			TenantID:              s.TenantID,
			ClusterCreation:       now,
			MaxActiveDurationMins: int64(maxActive / time.Minute),
		}
		err := m.cfg.Cache.CacheObject(ctx, s.Origin, record,
			kv.WithPrefix(zerv.SessionPrefix),
			kv.WithTTL(maxActive))
		if err != nil {
			return trace.Wrap(err)
		}
	}
	s.ClusterCreation = record.ClusterCreation
	s.MaxActiveDuration = time.Duration(record.MaxActiveDurationMins) * time.Minute
	return nil
}

// scheduleAutoLogout arms the session's absolute expiry, armed once at
// creation. A session past its maximum active duration is logged out on
// the spot.
func (m *Manager) scheduleAutoLogout(s *Session, now time.Time) {
	remaining := s.ClusterCreation.Add(s.MaxActiveDuration).Sub(now)
	if remaining <= 0 {
		m.Logout(context.Background(), s.Origin, zerv.ReasonSessionTimeout)
		return
	}
	origin := s.Origin
	m.mu.Lock()
	s.timer = utils.AfterLong(m.cfg.Clock, remaining, func() {
		m.Logout(context.Background(), origin, zerv.ReasonSessionTimeout)
	})
	m.mu.Unlock()
}

// DisconnectUser updates the origin's session after one of its sockets
// went away. The session lingers inactive until the sweeper collects it.
func (m *Manager) DisconnectUser(ctx context.Context, socket *websock.Socket) {
	origin := socket.Origin()
	if origin == "" {
		return
	}
	m.mu.Lock()
	s, ok := m.sessions[origin]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.Connections = len(m.cfg.Sockets.SocketsAtOrigin(origin))
	s.Active = s.Connections > 0
	s.LastUpdate = m.cfg.Clock.Now()
	snapshot := *s
	m.mu.Unlock()

	m.cfg.Notifier.NotifyUpdate(snapshot.TenantID, zerv.UserSessionDataSet, []any{snapshot})
	m.publishSync()
}

// Logout destroys the origin's session on this instance and announces the
// logout to the rest of the cluster. Unknown origins are a no-op, so
// repeated logouts are safe.
func (m *Manager) Logout(ctx context.Context, origin, reason string) {
	if !m.logoutLocally(ctx, origin, reason) {
		return
	}
	if m.cfg.Bus != nil && m.cfg.Clustered() {
		event := LogoutEvent{Origin: origin, LogoutReason: reason, ZervServerID: m.serverID}
		if err := m.cfg.Bus.PublishLogout(ctx, event); err != nil {
			m.cfg.Logger.Warn("Failed to broadcast logout.", "origin", origin, "error", err)
		}
	}
}

// logoutLocally runs the full teardown of the origin's session on this
// instance, cluster entry included. Reports whether a session existed.
func (m *Manager) logoutLocally(ctx context.Context, origin, reason string) bool {
	if !m.destroyLocally(ctx, origin, reason) {
		return false
	}
	if m.cfg.Clustered() {
		err := m.cfg.Cache.Delete(ctx, origin, kv.WithPrefix(zerv.SessionPrefix))
		if err != nil {
			m.cfg.Logger.Warn("Failed to delete cluster session.", "origin", origin, "error", err)
		}
	}
	return true
}

// destroyLocally tears the session down on this instance only: destroy
// listeners, delete notification, socket token revocation, logged_out
// emission and socket disconnect. The cluster entry is left alone, so the
// sweeper collecting an idle local session does not end the session on
// the other instances. Reports whether a session existed.
func (m *Manager) destroyLocally(ctx context.Context, origin, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[origin]
	if !ok {
		m.mu.Unlock()
		return false
	}
	s.Active = false
	if s.timer != nil {
		s.timer.Stop()
	}
	delete(m.sessions, origin)
	localSessionsGauge.Set(float64(len(m.sessions)))
	snapshot := *s
	m.mu.Unlock()

	m.notifyDestroyed(&snapshot, reason)
	m.cfg.Notifier.NotifyDelete(snapshot.TenantID, zerv.UserSessionDataSet, []any{snapshot})

	for _, socket := range m.cfg.Sockets.SocketsAtOrigin(origin) {
		if signed := socket.Token(); signed != "" {
			if err := m.cfg.Revocations.Revoke(ctx, signed, socket.Payload().Expiry()); err != nil {
				m.cfg.Logger.Warn("Failed to revoke token on logout.", "origin", origin, "error", err)
			}
		}
		socket.Emit(zerv.EventLoggedOut, reason)
		socket.Disconnect()
	}

	m.cfg.Logger.Info("User session destroyed.",
		"origin", origin, "user", snapshot.UserID, "reason", reason)
	m.publishSync()
	return true
}

// notifyDestroyed runs the destroy listeners with the session snapshot.
func (m *Manager) notifyDestroyed(s *Session, reason string) {
	m.listenerMu.Lock()
	listeners := make([]func(*Session, string), 0, len(m.listeners))
	for _, cb := range m.listeners {
		listeners = append(listeners, cb)
	}
	m.listenerMu.Unlock()
	for _, cb := range listeners {
		cb(s, reason)
	}
}

// onClusterLogout applies a logout initiated by another instance. Events
// from this instance already ran locally and are dropped.
func (m *Manager) onClusterLogout(event LogoutEvent) {
	if event.ZervServerID == m.serverID {
		return
	}
	// The initiating instance already removed the cluster entry.
	m.destroyLocally(context.Background(), event.Origin, event.LogoutReason)
}

// SetTenantMaxActiveTimeout overrides the maximum active session duration
// for one tenant. Values outside [1min, default] are ignored by the
// accessor.
func (m *Manager) SetTenantMaxActiveTimeout(tenantID string, d time.Duration) {
	m.mu.Lock()
	m.tenantMax[tenantID] = d
	m.mu.Unlock()
}

// TenantMaxActiveTimeout returns the tenant's maximum active session
// duration, falling back to the instance default when the tenant has no
// override or its override is out of range.
func (m *Manager) TenantMaxActiveTimeout(tenantID string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tenantMaxLocked(tenantID)
}

func (m *Manager) tenantMaxLocked(tenantID string) time.Duration {
	if d, ok := m.tenantMax[tenantID]; ok && d >= time.Minute && d <= m.cfg.MaxActiveTimeout {
		return d
	}
	return m.cfg.MaxActiveTimeout
}

// OnLocalSessionDestroy registers a callback run whenever a local session
// is destroyed, with the session and the logout reason. The returned
// function unregisters it.
func (m *Manager) OnLocalSessionDestroy(cb func(*Session, string)) func() {
	m.listenerMu.Lock()
	m.nextHandle++
	handle := m.nextHandle
	m.listeners[handle] = cb
	m.listenerMu.Unlock()
	return func() {
		m.listenerMu.Lock()
		delete(m.listeners, handle)
		m.listenerMu.Unlock()
	}
}

// IsLocalSession reports whether this instance holds a session for the
// origin.
func (m *Manager) IsLocalSession(origin string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[origin]
	return ok
}

// HasActiveClusterSession reports whether the cluster mirror holds an
// entry for the origin. Outside cluster mode the local map is authority.
func (m *Manager) HasActiveClusterSession(ctx context.Context, origin string) (bool, error) {
	if !m.cfg.Clustered() {
		return m.IsLocalSession(origin), nil
	}
	var record clusterRecord
	found, err := m.cfg.Cache.Object(ctx, origin, &record, kv.WithPrefix(zerv.SessionPrefix))
	if err != nil {
		return false, trace.Wrap(err)
	}
	return found, nil
}

// CountSessionsByUserID counts the user's active sessions on this
// instance.
func (m *Manager) CountSessionsByUserID(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.sessions {
		if s.Active && s.UserID == userID {
			n++
		}
	}
	return n
}

// LocalSessions returns a snapshot of the sessions held by this instance.
func (m *Manager) LocalSessions() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

func (m *Manager) publishSync() {
	sessions := m.LocalSessions()
	objs := make([]any, 0, len(sessions))
	for _, s := range sessions {
		objs = append(objs, s)
	}
	m.cfg.Notifier.Publish(zerv.SessionSyncPublication, objs)
}

// Sweep destroys every inactive session whose last update is older than
// the inactive timeout. Run periodically; exported for tests.
func (m *Manager) Sweep(ctx context.Context) {
	now := m.cfg.Clock.Now()
	m.mu.Lock()
	var stale []string
	for origin, s := range m.sessions {
		if !s.Active && now.Sub(s.LastUpdate) > m.cfg.InactiveTimeout {
			stale = append(stale, origin)
		}
	}
	m.mu.Unlock()
	for _, origin := range stale {
		m.destroyLocally(ctx, origin, zerv.ReasonGarbageCollected)
	}
}

func (m *Manager) sweepLoop() {
	for {
		select {
		case <-m.cfg.Clock.After(m.cfg.InactiveTimeout):
			m.Sweep(context.Background())
		case <-m.closed:
			return
		}
	}
}

// Close stops the sweeper, the bus subscription and every pending
// auto-logout timer. Sessions are left in place.
func (m *Manager) Close() error {
	m.once.Do(func() {
		close(m.closed)
		if m.stopBus != nil {
			m.stopBus()
		}
		m.mu.Lock()
		for _, s := range m.sessions {
			if s.timer != nil {
				s.timer.Stop()
			}
		}
		m.mu.Unlock()
	})
	return nil
}
