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

// Package web is the HTTP authorization endpoint: it trades credentials
// for a short-lived auth code the browser then presents on its socket,
// and authorizes plain HTTP requests by their access-token header.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/julienschmidt/httprouter"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/defaults"
	"github.com/z-open/zerv-core/lib/httplib"
	"github.com/z-open/zerv-core/lib/revocation"
	"github.com/z-open/zerv-core/lib/token"
)

// Grant types accepted by the authorize endpoint.
const (
	GrantLogin = "login"
	GrantRest  = "rest"
)

// Config configures the authorization endpoint.
type Config struct {
	// Clock stamps issued tokens.
	Clock clockwork.Clock
	// Logger reports authorization outcomes.
	Logger *slog.Logger
	// Signer signs issued auth codes and verifies presented tokens.
	Signer *token.Signer
	// Revocations refuses revoked tokens on HTTP authorization.
	Revocations *revocation.Store
	// CodeExpiresIn is the auth code lifetime.
	CodeExpiresIn time.Duration
	// FindUserByCredentials resolves a login. The failure is relayed to
	// the client as a 401 {code}.
	FindUserByCredentials func(ctx context.Context, username, password string) (any, error)
	// Register creates an account from the registration body. Optional.
	Register func(ctx context.Context, body json.RawMessage) (any, error)
	// Claim derives the token payload of a user.
	Claim func(user any) (token.Payload, error)
	// OnLogin runs after a successful credential check. Optional.
	OnLogin func(ctx context.Context, user any, r *http.Request) error
	// AppURL computes the application url handed out on login grants.
	// Optional.
	AppURL func(signed string, user any) string
	// RestURL computes the url handed out on rest grants. Optional.
	RestURL func(signed string, user any) string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Signer == nil {
		return trace.BadParameter("missing parameter Signer")
	}
	if c.Revocations == nil {
		return trace.BadParameter("missing parameter Revocations")
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
		c.Logger = slog.With(zerv.ComponentKey, zerv.ComponentWeb)
	}
	if c.CodeExpiresIn <= 0 {
		c.CodeExpiresIn = defaults.CodeExpiresIn
	}
	return nil
}

// Handler serves the authorization routes.
type Handler struct {
	httprouter.Router
	cfg Config
}

// NewHandler builds the endpoint and mounts its routes.
func NewHandler(cfg Config) (*Handler, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	h := &Handler{cfg: cfg}
	h.POST("/authorize", h.authorize)
	h.POST("/register", h.register)
	return h, nil
}

// tokenResponse is the success body of both authorization routes.
type tokenResponse struct {
	IssuedAt    int64   `json:"issued_at"`
	AccessToken string  `json:"access_token"`
	URL         *string `json:"url"`
}

type authorizeRequest struct {
	Username  string `json:"username"`
	Password  string `json:"password"`
	GrantType string `json:"grant_type"`
}

func (h *Handler) authorize(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req authorizeRequest
	if err := httplib.ReadJSON(r, &req); err != nil {
		httplib.ReplyCode(w, http.StatusBadRequest, zerv.CodeBadFormat)
		return
	}
	if req.GrantType != GrantLogin && req.GrantType != GrantRest {
		httplib.ReplyCode(w, http.StatusBadRequest, zerv.CodeInvalidType)
		return
	}

	user, err := h.cfg.FindUserByCredentials(r.Context(), req.Username, req.Password)
	if err != nil {
		h.cfg.Logger.Info("Login refused.", "user", req.Username, "error", err)
		httplib.ReplyCode(w, http.StatusUnauthorized, failureCode(err))
		return
	}
	if h.cfg.OnLogin != nil {
		if err := h.cfg.OnLogin(r.Context(), user, r); err != nil {
			httplib.ReplyError(w, err)
			return
		}
	}

	resp, err := h.issueAuthCode(user, req.GrantType)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	h.cfg.Logger.Info("User logged in.", "user", req.Username, "grant", req.GrantType)
	httplib.ReplyJSON(w, http.StatusOK, resp)
}

func (h *Handler) register(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if h.cfg.Register == nil {
		httplib.ReplyCode(w, http.StatusBadRequest, "REGISTRATION_NOT_SUPPORTED")
		return
	}
	body := json.RawMessage{}
	if err := httplib.ReadJSON(r, &body); err != nil {
		httplib.ReplyCode(w, http.StatusBadRequest, zerv.CodeBadFormat)
		return
	}
	user, err := h.cfg.Register(r.Context(), body)
	if err != nil {
		httplib.ReplyCode(w, http.StatusBadRequest, failureCode(err))
		return
	}
	resp, err := h.issueAuthCode(user, GrantLogin)
	if err != nil {
		httplib.ReplyError(w, err)
		return
	}
	httplib.ReplyJSON(w, http.StatusOK, resp)
}

// issueAuthCode signs a short-lived auth code for the user and computes
// the grant's redirect url.
func (h *Handler) issueAuthCode(user any, grantType string) (*tokenResponse, error) {
	payload, err := h.cfg.Claim(user)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if payload == nil {
		return nil, trace.BadParameter("user claim produced no payload")
	}
	signed, err := h.cfg.Signer.Sign(payload, token.SignParams{
		ExpiresIn:     h.cfg.CodeExpiresIn,
		MutatePayload: true,
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}

	var url *string
	switch {
	case grantType == GrantRest && h.cfg.RestURL != nil:
		u := h.cfg.RestURL(signed, user)
		url = &u
	case grantType == GrantLogin && h.cfg.AppURL != nil:
		u := h.cfg.AppURL(signed, user)
		url = &u
	}
	return &tokenResponse{
		IssuedAt:    payload.IssuedAt().UnixMilli(),
		AccessToken: signed,
		URL:         url,
	}, nil
}

// AuthInfo is the outcome of a successful HTTP authorization.
type AuthInfo struct {
	Payload  token.Payload `json:"payload"`
	NewToken string        `json:"newToken"`
}

// HTTPAuthorize authorizes a plain HTTP request by its access-token
// header. Failures are UnauthorizedError with codes invalid_secret,
// invalid_token or revoked_token.
func (h *Handler) HTTPAuthorize(r *http.Request) (*AuthInfo, error) {
	signed := r.Header.Get("access-token")
	if signed == "" {
		return nil, trace.Wrap(zerv.NewUnauthorizedError(zerv.CodeInvalidSecret, "no access token provided"))
	}
	payload, err := h.cfg.Signer.Verify(signed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	revoked, err := h.cfg.Revocations.IsRevoked(r.Context(), signed)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if revoked {
		return nil, trace.Wrap(zerv.NewUnauthorizedError(zerv.CodeRevokedToken, "token was revoked"))
	}
	// Token renewal over plain HTTP is not implemented; socket
	// authentication is the refresh path.
	return &AuthInfo{Payload: payload, NewToken: "not implemented"}, nil
}

// failureCode relays an application failure verbatim, e.g. USER_INVALID.
func failureCode(err error) string {
	if zerv.IsUnauthorized(err) {
		return zerv.UnauthorizedCode(err)
	}
	return trace.UserMessage(err)
}
