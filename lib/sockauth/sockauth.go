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

// Package sockauth runs the per-socket authentication state machine: a
// fresh socket must authenticate within a deadline, an auth code is
// exchanged for a session token, and periodic re-authentications refresh
// the token for as long as the session is allowed to live.
package sockauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/defaults"
	"github.com/z-open/zerv-core/lib/revocation"
	"github.com/z-open/zerv-core/lib/session"
	"github.com/z-open/zerv-core/lib/token"
	"github.com/z-open/zerv-core/lib/websock"
)

// Config configures an authenticator.
type Config struct {
	// Clock drives the authentication deadline and token stamps.
	Clock clockwork.Clock
	// Logger reports authentication outcomes.
	Logger *slog.Logger
	// Signer verifies presented tokens and signs refreshed ones.
	Signer *token.Signer
	// Revocations refuses revoked tokens and retires replaced ones.
	Revocations *revocation.Store
	// Sessions registers authenticated sockets against user sessions.
	Sessions *session.Manager
	// Timeout is how long a socket may stay connected without
	// authenticating.
	Timeout time.Duration
	// RefreshInterval is handed to clients as the dur refresh hint.
	RefreshInterval time.Duration
	// GetTenantID resolves the tenant of a token payload. Optional; the
	// payload's own tenantId claim is used when nil.
	GetTenantID func(token.Payload) (string, error)
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Signer == nil {
		return trace.BadParameter("missing parameter Signer")
	}
	if c.Revocations == nil {
		return trace.BadParameter("missing parameter Revocations")
	}
	if c.Sessions == nil {
		return trace.BadParameter("missing parameter Sessions")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(zerv.ComponentKey, zerv.ComponentSocketAuth)
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.AuthenticateTimeout
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = defaults.TokenRefreshInterval
	}
	return nil
}

// Authenticator drives the authentication state machine of every socket
// of a server.
type Authenticator struct {
	cfg Config

	mu     sync.Mutex
	timers map[*websock.Socket]clockwork.Timer
}

// New builds an authenticator.
func New(cfg Config) (*Authenticator, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Authenticator{
		cfg:    cfg,
		timers: make(map[*websock.Socket]clockwork.Timer),
	}, nil
}

// Attach registers the authentication events on a socket server.
func (a *Authenticator) Attach(server *websock.Server) {
	server.HandleEvent(zerv.EventAuthenticate, a.HandleAuthenticate)
	server.HandleEvent(zerv.EventLogout, a.HandleLogout)
	server.HandleEvent(zerv.EventActivity, a.handleActivity)
}

// HandleConnect arms the authenticate-or-die deadline of a fresh socket.
func (a *Authenticator) HandleConnect(s *websock.Socket) {
	timer := a.cfg.Clock.AfterFunc(a.cfg.Timeout, func() {
		a.refuse(s, zerv.NewUnauthorizedError(zerv.CodeUnknown, "no authentication received"))
	})
	a.mu.Lock()
	a.timers[s] = timer
	a.mu.Unlock()
}

// HandleDisconnect releases the socket's pending deadline and tells the
// session manager the connection went away.
func (a *Authenticator) HandleDisconnect(s *websock.Socket, err error) {
	a.clearDeadline(s)
	a.cfg.Sessions.DisconnectUser(context.Background(), s)
}

func (a *Authenticator) clearDeadline(s *websock.Socket) {
	a.mu.Lock()
	timer, ok := a.timers[s]
	if ok {
		delete(a.timers, s)
	}
	a.mu.Unlock()
	if ok {
		timer.Stop()
	}
}

// authRequest is the payload of authenticate events.
type authRequest struct {
	Token  string `json:"token"`
	Origin string `json:"origin,omitempty"`
}

// HandleAuthenticate processes one authenticate event against the
// socket's state. Any failure is emitted as an unauthorized event and
// the socket is disconnected.
func (a *Authenticator) HandleAuthenticate(ctx context.Context, s *websock.Socket, args []json.RawMessage, ack websock.AckFunc) {
	a.clearDeadline(s)

	var req authRequest
	if len(args) == 0 || json.Unmarshal(args[0], &req) != nil || req.Token == "" {
		a.refuse(s, zerv.NewUnauthorizedError(zerv.CodeInvalidToken, "no token provided"))
		return
	}

	payload, err := a.cfg.Signer.Verify(req.Token)
	if err != nil {
		a.refuse(s, err)
		return
	}
	revoked, err := a.cfg.Revocations.IsRevoked(ctx, req.Token)
	if err != nil {
		// An unreachable revocation store must not let tokens through.
		a.refuse(s, zerv.NewUnauthorizedError(zerv.CodeInvalidToken, "unable to check token revocation: %v", err))
		return
	}
	if revoked {
		a.refuse(s, zerv.NewUnauthorizedError(zerv.CodeRevokedToken, "token was revoked"))
		return
	}

	switch current := s.UserID(); {
	case current == "":
		err = a.initNewConnection(ctx, s, req, payload)
	case current == payload.UserID():
		err = a.maintainConnection(ctx, s, payload)
	default:
		err = zerv.NewUnauthorizedError(zerv.CodeUnauthorizedToken, "token belongs to another user")
	}
	if err != nil {
		a.refuse(s, err)
	}
}

// initNewConnection authenticates a socket for the first time: an auth
// code (jti 0) is exchanged for a session token, a reconnect (jti >= 1)
// reuses the presented token and requires a live cluster session.
func (a *Authenticator) initNewConnection(ctx context.Context, s *websock.Socket, req authRequest, payload token.Payload) error {
	s.SetUserID(payload.UserID())

	if req.Origin != "" {
		for _, other := range s.Server().SocketsAtOrigin(req.Origin) {
			if other != s && other.UserID() != "" && other.UserID() != payload.UserID() {
				a.refuse(other, zerv.NewUnauthorizedError(zerv.CodeWrongUser, "another user took over this origin"))
			}
		}
	}

	tenantID, err := a.resolveTenant(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	if tenantID != "" {
		payload.SetTenantID(tenantID)
	}

	oldToken := req.Token
	oldExp := payload.Expiry()
	newToken := req.Token
	fromAuthCode := payload.RefreshCount() == 0

	if fromAuthCode {
		newToken, payload, err = a.refreshToken(payload, tenantID)
		if err != nil {
			return trace.Wrap(err)
		}
	}

	origin := req.Origin
	if origin == "" {
		origin = newToken
	}

	if !fromAuthCode {
		// A reconnect reuses its token verbatim, but only while the
		// session is still alive somewhere in the cluster.
		active, err := a.cfg.Sessions.HasActiveClusterSession(ctx, origin)
		if err != nil {
			return trace.Wrap(err)
		}
		if !active {
			return zerv.NewUnauthorizedError(zerv.CodeInactiveSession, "session is no longer active")
		}
	}

	s.SetOrigin(origin)
	s.SetCredentials(newToken, payload)
	s.SetAuthTime(a.cfg.Clock.Now())

	if err := s.EmitWithAck(zerv.EventAuthenticated, func([]json.RawMessage) {
		if oldToken != newToken {
			if err := a.cfg.Revocations.Revoke(context.Background(), oldToken, oldExp); err != nil {
				a.cfg.Logger.Warn("Failed to revoke replaced token.", "user", s.UserID(), "error", err)
			}
		}
	}, newToken); err != nil {
		return trace.Wrap(err)
	}

	if _, err := a.cfg.Sessions.ConnectUser(ctx, s); err != nil {
		return trace.Wrap(err)
	}
	a.cfg.Logger.Info("Socket authenticated.", "user", payload.UserID(), "origin", origin)
	return nil
}

// maintainConnection refreshes the token of an already authenticated
// socket and propagates the new credentials to its origin peers on this
// instance.
func (a *Authenticator) maintainConnection(ctx context.Context, s *websock.Socket, payload token.Payload) error {
	origin := s.Origin()
	if origin == "" {
		// A refresh raced the initial authentication; the init flow will
		// finish the job.
		return nil
	}

	active, err := a.cfg.Sessions.HasActiveClusterSession(ctx, origin)
	if err != nil {
		return trace.Wrap(err)
	}
	if !active {
		return zerv.NewUnauthorizedError(zerv.CodeInactiveSession, "session is no longer active")
	}

	tenantID, err := a.resolveTenant(payload)
	if err != nil {
		return trace.Wrap(err)
	}
	if tenantID != "" {
		payload.SetTenantID(tenantID)
	}

	oldToken := s.Token()
	oldExp := s.Payload().Expiry()
	newToken, newPayload, err := a.refreshToken(payload, tenantID)
	if err != nil {
		return trace.Wrap(err)
	}

	for _, peer := range s.Server().SocketsAtOrigin(origin) {
		peer.SetCredentials(newToken, newPayload)
	}

	if err := s.EmitWithAck(zerv.EventAuthenticated, func([]json.RawMessage) {
		if oldToken != "" && oldToken != newToken {
			if err := a.cfg.Revocations.Revoke(context.Background(), oldToken, oldExp); err != nil {
				a.cfg.Logger.Warn("Failed to revoke replaced token.", "user", s.UserID(), "error", err)
			}
		}
	}, newToken); err != nil {
		return trace.Wrap(err)
	}
	return nil
}

// refreshToken mints the next token of the session: the refresh counter
// advances, the dur hint tells the client when to come back, and the
// expiry follows the tenant's maximum active duration.
func (a *Authenticator) refreshToken(payload token.Payload, tenantID string) (string, token.Payload, error) {
	next := payload.Clone()
	next.SetRefreshCount(payload.RefreshCount() + 1)
	next.SetRefreshHint(a.cfg.RefreshInterval)

	tenantMax := a.cfg.Sessions.TenantMaxActiveTimeout(tenantID)
	params := token.SignParams{MutatePayload: true}
	if payload.Expiry().Sub(payload.IssuedAt()) != tenantMax {
		next.DeleteExpiry()
		params.ExpiresIn = tenantMax
	}
	signed, err := a.cfg.Signer.Sign(next, params)
	if err != nil {
		return "", nil, trace.Wrap(err)
	}
	if next.Expiry().Before(a.cfg.Clock.Now()) {
		// The tenant's allowance shrank under the session's feet.
		return "", nil, zerv.NewUnauthorizedError(zerv.CodeDurationDecreased, "session outlived the allowed active duration")
	}
	return signed, next, nil
}

func (a *Authenticator) resolveTenant(payload token.Payload) (string, error) {
	if a.cfg.GetTenantID == nil {
		return payload.TenantID(), nil
	}
	tenantID, err := a.cfg.GetTenantID(payload)
	if err != nil || tenantID == "" {
		return "", zerv.NewUnauthorizedError(zerv.CodeUnknownTenant, "unable to resolve tenant")
	}
	return tenantID, nil
}

// HandleLogout logs the socket's origin out on the client's request.
func (a *Authenticator) HandleLogout(ctx context.Context, s *websock.Socket, args []json.RawMessage, ack websock.AckFunc) {
	origin := s.Origin()
	if origin == "" {
		return
	}
	a.cfg.Sessions.Logout(ctx, origin, zerv.ReasonUserLoggedOut)
}

func (a *Authenticator) handleActivity(ctx context.Context, s *websock.Socket, args []json.RawMessage, ack websock.AckFunc) {
	a.cfg.Logger.Debug("Client activity.", "user", s.UserID(), "origin", s.Origin())
}

// refuse delivers the failure to the client and closes the socket.
func (a *Authenticator) refuse(s *websock.Socket, err error) {
	var ue *zerv.UnauthorizedError
	if !errors.As(err, &ue) {
		ue = zerv.NewUnauthorizedError(zerv.CodeUnknown, "%v", trace.UserMessage(err))
	}
	a.cfg.Logger.Info("Refusing socket.", "code", ue.Code, "error", err)
	s.Emit(zerv.EventUnauthorized, ue.Event())
	s.Disconnect()
}
