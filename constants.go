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

// Package zerv holds constants shared across the server core: socket event
// names, wire-level error codes and key prefixes used in the cluster store.
package zerv

const (
	// ComponentKey is the attribute key used for component-scoped loggers.
	ComponentKey = "component"

	// ComponentSocketAuth is the per-socket authentication state machine.
	ComponentSocketAuth = "sockauth"

	// ComponentWebsock is the socket transport.
	ComponentWebsock = "websock"

	// ComponentSessions is the user-session manager.
	ComponentSessions = "sessions"

	// ComponentRPC is the api call dispatcher.
	ComponentRPC = "rpc"

	// ComponentWeb is the HTTP authorization endpoint.
	ComponentWeb = "web"

	// ComponentKV is the key/value cache facade.
	ComponentKV = "kv"

	// ComponentTransaction is the transaction manager.
	ComponentTransaction = "transaction"

	// ComponentService is the server factory and lifecycle.
	ComponentService = "service"
)

// Socket events exchanged with browser clients.
const (
	// EventAuthenticate is sent by the client to present a token.
	EventAuthenticate = "authenticate"

	// EventAuthenticated carries the (possibly refreshed) token back to the
	// client; the client acks it to confirm receipt.
	EventAuthenticated = "authenticated"

	// EventUnauthorized notifies the client of an authentication failure;
	// the socket is disconnected right after.
	EventUnauthorized = "unauthorized"

	// EventLogout is sent by the client to terminate its session.
	EventLogout = "logout"

	// EventLoggedOut notifies every socket of a logged-out origin, with the
	// logout reason as payload.
	EventLoggedOut = "logged_out"

	// EventActivity carries client-side activity hints.
	EventActivity = "activity"

	// DefaultRPCEvent is the socket event carrying api calls.
	DefaultRPCEvent = "api"
)

// Authentication failure codes delivered inside unauthorized events.
const (
	CodeInvalidSecret     = "invalid_secret"
	CodeInvalidToken      = "invalid_token"
	CodeRevokedToken      = "revoked_token"
	CodeUnauthorizedToken = "unauthorized_token"
	CodeWrongUser         = "wrong_user"
	CodeUnknownTenant     = "unknown_tenant"
	CodeInactiveSession   = "inactive_session_timeout_or_session_not_found"
	CodeDurationDecreased = "active_session_duration_decreased"
	CodeNoLongerValid     = "no_longer_valid"
	CodeUnknown           = "unknown"
)

// Logout reasons handed to destroy listeners and logged_out events.
const (
	ReasonUserLoggedOut    = "user_logged_out"
	ReasonSessionTimeout   = "session_timeout"
	ReasonGarbageCollected = "garbage_collected"
)

// RPC ack codes.
const (
	CodeServerUnavailable = "SERVER_UNAVAILABLE"
	CodeBadFormat         = "Incorrect data format"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeUnknownAPI        = "API-UNKNOWN"
	CodeServerError       = "SERVER_ERROR"
)

// HTTP authorization codes.
const (
	CodeInvalidType = "INVALID_TYPE"
	CodeUserInvalid = "USER_INVALID"
)

// Key prefixes in the cluster key/value store.
const (
	// RevokedTokenPrefix marks tokens that must no longer authenticate.
	RevokedTokenPrefix = "REVOK_TOK_"

	// SessionPrefix stores cluster user sessions keyed by origin.
	SessionPrefix = "SESSION_"
)

// Environment variables honored by the server.
const (
	EnvRedisEnabled            = "REDIS_ENABLED"
	EnvRedisHost               = "REDIS_HOST"
	EnvRedisPort               = "REDIS_PORT"
	EnvNodeEnv                 = "NODE_ENV"
	EnvMaxActiveSessionTimeout = "ZERV_MAX_ACTIVE_SESSION_TIMEOUT_IN_MINS"
)

// SessionSyncPublication is the logical name under which the current set of
// local user sessions is published to the application, when a publish hook
// is provided.
const SessionSyncPublication = "user-sessions.sync"

// UserSessionDataSet is the data set name of session change notifications.
const UserSessionDataSet = "USER_SESSION"

// SessionLogoutChannel is the cluster bus channel announcing origin logouts
// to the other server instances.
const SessionLogoutChannel = "USER_SESSION_LOGGED_OUT"
