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

package token

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"

	zerv "github.com/z-open/zerv-core"
)

// Signer signs and verifies zerv bearer tokens with a shared HMAC secret.
type Signer struct {
	secret []byte
	clock  clockwork.Clock
}

// NewSigner builds a signer for the given secret.
func NewSigner(secret string, clock clockwork.Clock) (*Signer, error) {
	if secret == "" {
		return nil, trace.BadParameter("missing signing secret")
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Signer{secret: []byte(secret), clock: clock}, nil
}

// SignParams controls a single signing operation.
type SignParams struct {
	// ExpiresIn, when positive, computes exp = iat + ExpiresIn (keeping a
	// pre-existing iat). When zero, the payload's own exp claim is signed
	// as is.
	ExpiresIn time.Duration
	// MutatePayload writes the computed iat and exp back into the caller's
	// payload.
	MutatePayload bool
}

// Sign produces a signed token for the payload.
func (s *Signer) Sign(payload Payload, params SignParams) (string, error) {
	claims := jwt.MapClaims(payload.Clone())

	iat := payload.IssuedAt()
	if iat.IsZero() {
		iat = s.clock.Now().Truncate(time.Second)
	}
	claims[ClaimIssuedAt] = iat.Unix()

	if params.ExpiresIn > 0 {
		claims[ClaimExpiry] = iat.Add(params.ExpiresIn).Unix()
	} else if _, ok := claims[ClaimExpiry]; !ok {
		return "", trace.BadParameter("payload carries no exp claim and no ExpiresIn was given")
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", trace.Wrap(err)
	}

	if params.MutatePayload {
		payload[ClaimIssuedAt] = claims[ClaimIssuedAt]
		payload[ClaimExpiry] = claims[ClaimExpiry]
	}
	return signed, nil
}

// Verify checks the token signature and expiry and returns its payload.
// Failures are UnauthorizedError{invalid_token}; expiry is strict, a token
// whose exp equals the current second is already rejected.
func (s *Signer) Verify(signed string) (Payload, error) {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(signed, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	}); err != nil {
		return nil, trace.Wrap(zerv.NewUnauthorizedError(zerv.CodeInvalidToken, "failed to verify token: %v", err))
	}

	payload := Payload(claims)
	exp := payload.Expiry()
	if exp.IsZero() || !exp.After(s.clock.Now()) {
		return nil, trace.Wrap(zerv.NewUnauthorizedError(zerv.CodeInvalidToken, "token expired"))
	}
	return payload, nil
}

// Decode parses the token payload without verifying the signature.
func Decode(signed string) (Payload, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(signed, claims); err != nil {
		return nil, trace.Wrap(zerv.NewUnauthorizedError(zerv.CodeInvalidToken, "malformed token: %v", err))
	}
	return Payload(claims), nil
}
