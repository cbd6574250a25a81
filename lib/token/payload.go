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

// Package token wraps the signed-token library: sign, verify, decode and
// typed access to the claims carried by zerv bearer tokens.
package token

import (
	"encoding/json"
	"maps"
	"time"
)

// Claim names carried by zerv tokens. Arbitrary application claims
// (firstName, tenantId, ...) ride along untouched.
const (
	ClaimUserID       = "id"
	ClaimIssuedAt     = "iat"
	ClaimExpiry       = "exp"
	ClaimRefreshCount = "jti"
	ClaimRefreshHint  = "dur"
	ClaimTenantID     = "tenantId"
	ClaimFirstName    = "firstName"
	ClaimLastName     = "lastName"
)

// Payload is the claim set of a zerv token. A first-issued token
// (authorization code) has RefreshCount 0 and a short expiry; a refreshed
// session token has RefreshCount >= 1.
type Payload map[string]any

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return maps.Clone(p)
}

// UserID returns the id claim.
func (p Payload) UserID() string { return p.str(ClaimUserID) }

// SetUserID sets the id claim.
func (p Payload) SetUserID(id string) { p[ClaimUserID] = id }

// TenantID returns the tenantId claim.
func (p Payload) TenantID() string { return p.str(ClaimTenantID) }

// SetTenantID sets the tenantId claim.
func (p Payload) SetTenantID(id string) { p[ClaimTenantID] = id }

// FirstName returns the firstName claim.
func (p Payload) FirstName() string { return p.str(ClaimFirstName) }

// LastName returns the lastName claim.
func (p Payload) LastName() string { return p.str(ClaimLastName) }

// IssuedAt returns the iat claim, zero when absent.
func (p Payload) IssuedAt() time.Time { return p.epoch(ClaimIssuedAt) }

// Expiry returns the exp claim, zero when absent.
func (p Payload) Expiry() time.Time { return p.epoch(ClaimExpiry) }

// DeleteExpiry drops the exp claim so that signing recomputes it.
func (p Payload) DeleteExpiry() { delete(p, ClaimExpiry) }

// RefreshCount returns the jti claim, 0 when absent.
func (p Payload) RefreshCount() int64 { return p.num(ClaimRefreshCount) }

// SetRefreshCount sets the jti claim.
func (p Payload) SetRefreshCount(n int64) { p[ClaimRefreshCount] = n }

// RefreshHint returns the advisory dur claim.
func (p Payload) RefreshHint() time.Duration {
	return time.Duration(p.num(ClaimRefreshHint)) * time.Second
}

// SetRefreshHint sets the dur claim, in whole seconds.
func (p Payload) SetRefreshHint(d time.Duration) {
	p[ClaimRefreshHint] = int64(d / time.Second)
}

func (p Payload) str(claim string) string {
	v, _ := p[claim].(string)
	return v
}

// num normalizes the numeric representations a claim may carry after a
// JSON round trip.
func (p Payload) num(claim string) int64 {
	switch v := p[claim].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	default:
		return 0
	}
}

func (p Payload) epoch(claim string) time.Time {
	if _, ok := p[claim]; !ok {
		return time.Time{}
	}
	return time.Unix(p.num(claim), 0)
}
