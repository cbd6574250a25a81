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

// Package service assembles the server core: token signer, revocation
// store, session manager, socket authentication, api router and the HTTP
// authorization endpoint, wired over a local or clustered key/value
// store.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/activity"
	"github.com/z-open/zerv-core/lib/defaults"
	"github.com/z-open/zerv-core/lib/kv"
	"github.com/z-open/zerv-core/lib/notify"
	"github.com/z-open/zerv-core/lib/revocation"
	"github.com/z-open/zerv-core/lib/rpc"
	"github.com/z-open/zerv-core/lib/session"
	"github.com/z-open/zerv-core/lib/sockauth"
	"github.com/z-open/zerv-core/lib/token"
	"github.com/z-open/zerv-core/lib/web"
	"github.com/z-open/zerv-core/lib/websock"
)

// Config carries every option of a server instance. Only Secret,
// FindUserByCredentials and Claim are required.
type Config struct {
	// Secret signs and verifies session tokens.
	Secret string
	// Clock drives every timer of the instance.
	Clock clockwork.Clock
	// Logger is the parent logger of all components.
	Logger *slog.Logger
	// DataDir, when set, persists the local key/value store there.
	DataDir string
	// APIEvent is the socket event carrying api calls.
	APIEvent string
	// AuthTimeout is the socket authenticate-or-die deadline.
	AuthTimeout time.Duration
	// CodeExpiresIn is the auth code lifetime.
	CodeExpiresIn time.Duration
	// TokenRefreshInterval is the client refresh hint.
	TokenRefreshInterval time.Duration
	// InactiveSessionTimeout collects sessions with no connections.
	InactiveSessionTimeout time.Duration
	// MaxActiveSessionTimeout caps session lifetime, unless a tenant
	// override applies.
	MaxActiveSessionTimeout time.Duration
	// MaxMessageSize bounds a single socket message.
	MaxMessageSize int64
	// RedisAddr overrides the redis address from the environment.
	RedisAddr string
	// Clustered reports whether the cluster store is in use. Defaults
	// to the redis environment switch.
	Clustered func() bool
	// Notifier receives data change notifications and publications.
	Notifier notify.Notifier
	// GetTenantID resolves the tenant of a token payload.
	GetTenantID func(token.Payload) (string, error)
	// FindUserByCredentials resolves logins for the HTTP endpoint.
	FindUserByCredentials func(ctx context.Context, username, password string) (any, error)
	// Register creates accounts for the HTTP endpoint. Optional.
	Register func(ctx context.Context, body json.RawMessage) (any, error)
	// Claim derives a user's token payload.
	Claim func(user any) (token.Payload, error)
	// OnLogin runs after a successful credential check. Optional.
	OnLogin func(ctx context.Context, user any, r *http.Request) error
	// AppURL computes the login grant redirect. Optional.
	AppURL func(signed string, user any) string
	// RestURL computes the rest grant redirect. Optional.
	RestURL func(signed string, user any) string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Secret == "" {
		return trace.BadParameter("missing parameter Secret")
	}
	if c.FindUserByCredentials == nil {
		return trace.BadParameter("missing parameter FindUserByCredentials")
	}
	if c.Claim == nil {
		return trace.BadParameter("missing parameter Claim")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(zerv.ComponentKey, zerv.ComponentService)
	}
	if c.APIEvent == "" {
		c.APIEvent = zerv.DefaultRPCEvent
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = defaults.AuthenticateTimeout
	}
	if c.CodeExpiresIn <= 0 {
		c.CodeExpiresIn = defaults.CodeExpiresIn
	}
	if c.TokenRefreshInterval <= 0 {
		c.TokenRefreshInterval = defaults.TokenRefreshInterval
	}
	if c.InactiveSessionTimeout <= 0 {
		c.InactiveSessionTimeout = defaults.InactiveLocalSessionTimeout
	}
	if c.MaxActiveSessionTimeout <= 0 {
		c.MaxActiveSessionTimeout = defaults.MaxActiveSessionTimeoutFromEnv()
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = defaults.MaxHTTPBufferSize
	}
	if c.Clustered == nil {
		c.Clustered = defaults.RedisEnabled
	}
	if c.RedisAddr == "" {
		c.RedisAddr = defaults.RedisAddr()
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
	return nil
}

// Server is a running instance of the application server core.
type Server struct {
	cfg Config

	store       kv.Store
	cache       *kv.Cache
	signer      *token.Signer
	revocations *revocation.Store
	tracker     *activity.Tracker
	sessions    *session.Manager
	sockets     *websock.Server
	auth        *sockauth.Authenticator
	router      *rpc.Router
	web         *web.Handler
	mux         *http.ServeMux
}

// New builds and wires a server instance.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	srv := &Server{cfg: cfg}

	local, err := kv.NewLocalStore(kv.LocalStoreConfig{
		Clock: cfg.Clock,
		Path:  kv.LocalCachePath(cfg.DataDir),
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	srv.store = local

	var bus session.Bus
	if cfg.Clustered() {
		cluster, err := kv.DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		srv.store, err = kv.NewSwitchedStore(local, cluster, cfg.Clustered)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if bus, err = session.NewRedisBus(cluster.Client()); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	srv.cache = kv.NewCache(srv.store)

	srv.signer, err = token.NewSigner(cfg.Secret, cfg.Clock)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	srv.revocations, err = revocation.New(revocation.Config{
		Cache:           srv.cache,
		Clock:           cfg.Clock,
		RefreshInterval: cfg.TokenRefreshInterval,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	srv.tracker = activity.NewTracker(activity.Config{Clock: cfg.Clock})

	srv.sockets, err = websock.NewServer(websock.Config{
		Clock:          cfg.Clock,
		MaxMessageSize: cfg.MaxMessageSize,
		OnConnect:      func(s *websock.Socket) { srv.auth.HandleConnect(s) },
		OnDisconnect:   func(s *websock.Socket, err error) { srv.auth.HandleDisconnect(s, err) },
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	srv.sessions, err = session.NewManager(session.Config{
		Clock:            cfg.Clock,
		Cache:            srv.cache,
		Clustered:        cfg.Clustered,
		Revocations:      srv.revocations,
		Sockets:          srv.sockets,
		Notifier:         cfg.Notifier,
		Bus:              bus,
		InactiveTimeout:  cfg.InactiveSessionTimeout,
		MaxActiveTimeout: cfg.MaxActiveSessionTimeout,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	srv.auth, err = sockauth.New(sockauth.Config{
		Clock:           cfg.Clock,
		Signer:          srv.signer,
		Revocations:     srv.revocations,
		Sessions:        srv.sessions,
		Timeout:         cfg.AuthTimeout,
		RefreshInterval: cfg.TokenRefreshInterval,
		GetTenantID:     cfg.GetTenantID,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	srv.auth.Attach(srv.sockets)

	srv.router, err = rpc.NewRouter(rpc.Config{
		Clock:    cfg.Clock,
		Tracker:  srv.tracker,
		Notifier: cfg.Notifier,
		Event:    cfg.APIEvent,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	srv.router.Attach(srv.sockets)

	srv.web, err = web.NewHandler(web.Config{
		Clock:                 cfg.Clock,
		Signer:                srv.signer,
		Revocations:           srv.revocations,
		CodeExpiresIn:         cfg.CodeExpiresIn,
		FindUserByCredentials: cfg.FindUserByCredentials,
		Register:              cfg.Register,
		Claim:                 cfg.Claim,
		OnLogin:               cfg.OnLogin,
		AppURL:                cfg.AppURL,
		RestURL:               cfg.RestURL,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	srv.mux = http.NewServeMux()
	srv.mux.Handle("/ws", srv.sockets)
	srv.mux.Handle("/", srv.web)

	cfg.Logger.Info("Server core assembled.",
		"clustered", cfg.Clustered(),
		"instance", srv.sessions.ServerInstanceID())
	return srv, nil
}

// On registers an api route and returns the server so registrations
// chain.
func (s *Server) On(call string, fn rpc.HandlerFunc, opts ...rpc.RouteOptions) *Server {
	s.router.On(call, fn, opts...)
	return s
}

// Handler returns the HTTP surface of the instance: the authorization
// routes and the websocket endpoint at /ws.
func (s *Server) Handler() http.Handler { return s.mux }

// HTTPAuthorize authorizes a plain HTTP request by its access-token
// header.
func (s *Server) HTTPAuthorize(r *http.Request) (*web.AuthInfo, error) {
	return s.web.HTTPAuthorize(r)
}

// Sessions returns the session manager.
func (s *Server) Sessions() *session.Manager { return s.sessions }

// Sockets returns the socket server.
func (s *Server) Sockets() *websock.Server { return s.sockets }

// Tracker returns the activity tracker.
func (s *Server) Tracker() *activity.Tracker { return s.tracker }

// Shutdown drains the instance: intake pauses immediately, in-flight
// activities get the drain delay to finish, then sockets and stores are
// closed.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.tracker.Pause(ctx, defaults.PauseDrainDelay)
	return trace.NewAggregate(
		err,
		s.sockets.Close(),
		s.sessions.Close(),
		s.store.Close(),
	)
}
