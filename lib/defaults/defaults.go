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

// Package defaults holds process-wide default values and environment
// lookups shared by the server components.
package defaults

import (
	"os"
	"strconv"
	"time"

	zerv "github.com/z-open/zerv-core"
)

const (
	// CodeExpiresIn is the lifetime of an authorization code minted by the
	// HTTP login endpoint.
	CodeExpiresIn = 5 * time.Second

	// TokenRefreshInterval is the advisory interval after which clients
	// should refresh their session token (the dur claim).
	TokenRefreshInterval = 1440 * time.Minute

	// AuthenticateTimeout is how long a freshly connected socket may stay
	// silent before it is disconnected as unauthorized.
	AuthenticateTimeout = 5 * time.Second

	// InactiveLocalSessionTimeout is how long a local user session may stay
	// without connections before the sweeper destroys it.
	InactiveLocalSessionTimeout = 5 * time.Minute

	// MaxActiveSessionTimeout caps the absolute lifetime of a user session,
	// unless overridden per tenant or via environment.
	MaxActiveSessionTimeout = 12 * time.Hour

	// MaxHTTPBufferSize bounds the size of a single socket message.
	MaxHTTPBufferSize = 100 * 1024 * 1024

	// ScanBatchSize is the key count requested per cluster-store scan batch.
	ScanBatchSize = 100

	// PauseDrainDelay is the grace period between pausing the server and
	// starting to wait for in-flight activities.
	PauseDrainDelay = 10 * time.Second
)

// MaxActiveSessionTimeoutFromEnv returns the configured absolute session
// lifetime, honoring ZERV_MAX_ACTIVE_SESSION_TIMEOUT_IN_MINS when it parses
// to a positive number of minutes.
func MaxActiveSessionTimeoutFromEnv() time.Duration {
	if v := os.Getenv(zerv.EnvMaxActiveSessionTimeout); v != "" {
		if mins, err := strconv.Atoi(v); err == nil && mins > 0 {
			return time.Duration(mins) * time.Minute
		}
	}
	return MaxActiveSessionTimeout
}

// RedisEnabled reports whether the cluster key/value store is configured.
func RedisEnabled() bool {
	v := os.Getenv(zerv.EnvRedisEnabled)
	return v == "true" || v == "1" || v == "yes"
}

// RedisAddr returns the host:port of the cluster store, with localhost
// fallbacks matching the development setup.
func RedisAddr() string {
	host := os.Getenv(zerv.EnvRedisHost)
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv(zerv.EnvRedisPort)
	if port == "" {
		port = "6379"
	}
	return host + ":" + port
}

// Environment returns the NODE_ENV suffix used to name the local cache
// persistence file.
func Environment() string {
	if env := os.Getenv(zerv.EnvNodeEnv); env != "" {
		return env
	}
	return "development"
}
