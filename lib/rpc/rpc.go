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

// Package rpc dispatches api calls arriving on authenticated sockets to
// registered handlers, tracking each call as an activity and optionally
// running it inside a transaction scope.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/activity"
	"github.com/z-open/zerv-core/lib/notify"
	"github.com/z-open/zerv-core/lib/token"
	"github.com/z-open/zerv-core/lib/transaction"
	"github.com/z-open/zerv-core/lib/websock"
)

// ActivityOrigin marks activities registered by the dispatcher.
const ActivityOrigin = "zerv api"

var apiCalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "zerv_api_calls_total",
	Help: "Api calls dispatched, by ack code.",
}, []string{"code"})

// Error is a failure a handler wants relayed to the client as is: the
// ack carries {code, data: description}, or just {code} when there is no
// description.
type Error struct {
	Code        string
	Description any
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description != nil {
		return fmt.Sprintf("%v: %v", e.Code, e.Description)
	}
	return e.Code
}

// HandlerFunc handles one api call. arg is the deserialized call
// argument; the returned value is serialized into the ack.
type HandlerFunc func(ctx context.Context, call *CallContext, arg json.RawMessage) (any, error)

// RouteOptions alters how a route is dispatched.
type RouteOptions struct {
	// Transactional opens the call context's transaction before the
	// handler runs and commits or rolls it back with the handler's
	// outcome.
	Transactional bool
}

type route struct {
	fn   HandlerFunc
	opts RouteOptions
}

// Config configures a router.
type Config struct {
	// Clock drives activity timestamps.
	Clock clockwork.Clock
	// Logger reports dispatch failures.
	Logger *slog.Logger
	// Tracker registers every call as an activity and pauses intake.
	Tracker *activity.Tracker
	// Notifier receives the notifications of transactional calls.
	Notifier notify.Notifier
	// Event is the socket event carrying api calls.
	Event string
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Tracker == nil {
		return trace.BadParameter("missing parameter Tracker")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Logger == nil {
		c.Logger = slog.With(zerv.ComponentKey, zerv.ComponentRPC)
	}
	if c.Notifier == nil {
		c.Notifier = notify.Nop{}
	}
	if c.Event == "" {
		c.Event = zerv.DefaultRPCEvent
	}
	return nil
}

// Router maps api call names to handlers.
type Router struct {
	cfg Config

	mu     sync.RWMutex
	routes map[string]route
}

// NewRouter builds an empty router.
func NewRouter(cfg Config) (*Router, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Router{cfg: cfg, routes: make(map[string]route)}, nil
}

// On registers the handler for a call name and returns the router so
// registrations chain.
func (r *Router) On(call string, fn HandlerFunc, opts ...RouteOptions) *Router {
	var o RouteOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	r.mu.Lock()
	r.routes[call] = route{fn: fn, opts: o}
	r.mu.Unlock()
	return r
}

// Attach subscribes the router to the api event of a socket server.
func (r *Router) Attach(server *websock.Server) {
	server.HandleEvent(r.cfg.Event, r.Dispatch)
}

// Dispatch handles one api frame: (call, serialized argument, ack). The
// ack is invoked exactly once with {code, data?}.
func (r *Router) Dispatch(ctx context.Context, s *websock.Socket, args []json.RawMessage, ack websock.AckFunc) {
	if r.cfg.Tracker.Paused() {
		r.reply(ack, zerv.CodeServerUnavailable, nil)
		return
	}

	var call, serialized string
	if len(args) < 1 || json.Unmarshal(args[0], &call) != nil {
		r.reply(ack, zerv.CodeBadFormat, "call name missing")
		return
	}
	if len(args) > 1 && json.Unmarshal(args[1], &serialized) != nil {
		r.reply(ack, zerv.CodeBadFormat, "argument is not a serialized string")
		return
	}
	var arg json.RawMessage
	if serialized != "" {
		if !json.Valid([]byte(serialized)) {
			r.reply(ack, zerv.CodeBadFormat, "argument is not valid json")
			return
		}
		arg = json.RawMessage(serialized)
	}

	payload := s.Payload()
	if payload == nil {
		r.reply(ack, zerv.CodeUnauthorized, "Access requires authentication")
		return
	}

	r.mu.RLock()
	rt, found := r.routes[call]
	r.mu.RUnlock()
	if !found {
		r.reply(ack, zerv.CodeUnknownAPI, fmt.Sprintf("Unknown API call [%v]", call))
		return
	}

	user := payload.Clone()
	cc := &CallContext{
		router:   r,
		socket:   s,
		arg:      arg,
		User:     user,
		UserID:   user.UserID(),
		TenantID: user.TenantID(),
	}

	act := r.cfg.Tracker.Register(call, map[string]any{
		"call":     call,
		"tenantId": cc.TenantID,
	}, ActivityOrigin)

	result, err := r.run(ctx, rt, cc)
	if err != nil {
		act.Fail(err)
		code, data := r.formatError(call, err)
		r.reply(ack, code, data)
		return
	}
	act.Done()

	data, err := json.Marshal(result)
	if err != nil {
		act.Fail(err)
		code, data := r.formatError(call, err)
		r.reply(ack, code, data)
		return
	}
	r.reply(ack, 0, string(data))
}

// run executes the route, turning panics into errors and wrapping
// transactional routes in the call's transaction scope.
func (r *Router) run(ctx context.Context, rt route, cc *CallContext) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = trace.Errorf("handler panic: %v", rec)
		}
	}()
	if !rt.opts.Transactional {
		return rt.fn(ctx, cc, cc.arg)
	}
	tx := cc.Transaction()
	err = tx.Execute(ctx, func(ctx context.Context, _ *transaction.Transaction) error {
		var herr error
		result, herr = rt.fn(ctx, cc, cc.arg)
		return herr
	})
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return result, nil
}

func (r *Router) formatError(call string, err error) (code any, data any) {
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Description != nil {
			return rpcErr.Code, rpcErr.Description
		}
		return rpcErr.Code, nil
	}
	var ue *zerv.UnauthorizedError
	if errors.As(err, &ue) {
		return ue.Code, ue.Message
	}
	r.cfg.Logger.Warn("Api call failed.", "call", call, "error", err)
	return zerv.CodeServerError, fmt.Sprintf("Backend error while API call [%v]", call)
}

// reply sends the ack body. A zero code is the success marker.
func (r *Router) reply(ack websock.AckFunc, code any, data any) {
	if s, ok := code.(string); ok {
		apiCalls.WithLabelValues(s).Inc()
	} else {
		apiCalls.WithLabelValues("0").Inc()
	}
	body := map[string]any{"code": code}
	if data != nil {
		body["data"] = data
	}
	ack(body)
}

// CallContext carries the state a handler may need: the calling user,
// its socket, broadcast helpers and a lazily opened transaction scope.
type CallContext struct {
	router *Router
	socket *websock.Socket
	arg    json.RawMessage

	// User is the calling user's token payload, cloned per call, with
	// tenantId injected.
	User token.Payload
	// UserID is the calling user's id.
	UserID string
	// TenantID is the calling user's tenant.
	TenantID string

	txMu sync.Mutex
	tx   *transaction.Transaction
}

// Socket returns the socket the call arrived on.
func (c *CallContext) Socket() *websock.Socket { return c.socket }

// Server returns the socket server, reaching every peer on this
// instance.
func (c *CallContext) Server() *websock.Server { return c.socket.Server() }

// Emit sends an event with a serialized payload to the calling socket.
func (c *CallContext) Emit(event string, data any) error {
	serialized, err := json.Marshal(data)
	if err != nil {
		return trace.Wrap(err)
	}
	return c.socket.Emit(event, string(serialized))
}

// Broadcast sends an event to every connected socket but the caller's.
func (c *CallContext) Broadcast(event string, data any) {
	serialized, err := json.Marshal(data)
	if err != nil {
		c.router.cfg.Logger.Warn("Failed to serialize broadcast.", "event", event, "error", err)
		return
	}
	c.Server().Broadcast(event, c.socket, string(serialized))
}

// BroadcastAll sends an event to every connected socket, the caller's
// included.
func (c *CallContext) BroadcastAll(event string, data any) {
	serialized, err := json.Marshal(data)
	if err != nil {
		c.router.cfg.Logger.Warn("Failed to serialize broadcast.", "event", event, "error", err)
		return
	}
	c.Server().Broadcast(event, nil, string(serialized))
}

// Log writes a line attributed to the call's user.
func (c *CallContext) Log(text string) {
	c.router.cfg.Logger.Info(text, "user", c.UserID, "tenant", c.TenantID)
}

// Transaction returns the call's transaction scope, opening a root on
// first use. Committed notifications reach the router's notifier.
func (c *CallContext) Transaction() *transaction.Transaction {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	if c.tx == nil {
		c.tx = transaction.Begin(transaction.Options{
			Name:     "Api Router",
			TenantID: c.TenantID,
			User:     c.User,
			Notifier: c.router.cfg.Notifier,
			Logger:   c.router.cfg.Logger,
		})
	}
	return c.tx
}
