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
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	zerv "github.com/z-open/zerv-core"
)

func newSigner(t *testing.T, clock clockwork.Clock) *Signer {
	t.Helper()
	signer, err := NewSigner("test-secret", clock)
	require.NoError(t, err)
	return signer
}

func TestSignVerifyRoundTrip(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	signer := newSigner(t, clock)

	payload := Payload{
		ClaimUserID:    "u1",
		ClaimTenantID:  "t1",
		ClaimFirstName: "Jose",
		"custom":       "claim",
	}
	signed, err := signer.Sign(payload, SignParams{ExpiresIn: 20 * time.Second})
	require.NoError(t, err)

	out, err := signer.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, "u1", out.UserID())
	require.Equal(t, "t1", out.TenantID())
	require.Equal(t, "Jose", out.FirstName())
	require.Equal(t, "claim", out["custom"])
	require.Equal(t, 20*time.Second, out.Expiry().Sub(out.IssuedAt()))
	require.Equal(t, int64(0), out.RefreshCount())
}

func TestSignKeepsExistingIssuedAt(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	signer := newSigner(t, clock)

	iat := clock.Now().Add(-time.Hour).Truncate(time.Second)
	payload := Payload{ClaimUserID: "u1", ClaimIssuedAt: iat.Unix()}
	signed, err := signer.Sign(payload, SignParams{ExpiresIn: 2 * time.Hour})
	require.NoError(t, err)

	out, err := signer.Verify(signed)
	require.NoError(t, err)
	require.Equal(t, iat.Unix(), out.IssuedAt().Unix())
	require.Equal(t, iat.Add(2*time.Hour).Unix(), out.Expiry().Unix())
}

func TestSignMutatePayload(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	signer := newSigner(t, clock)

	payload := Payload{ClaimUserID: "u1"}
	_, err := signer.Sign(payload, SignParams{ExpiresIn: time.Minute, MutatePayload: true})
	require.NoError(t, err)
	require.Equal(t, clock.Now().Truncate(time.Second).Unix(), payload.IssuedAt().Unix())
	require.Equal(t, time.Minute, payload.Expiry().Sub(payload.IssuedAt()))
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	signer := newSigner(t, clock)

	other, err := NewSigner("other-secret", clock)
	require.NoError(t, err)

	signed, err := other.Sign(Payload{ClaimUserID: "u1"}, SignParams{ExpiresIn: time.Minute})
	require.NoError(t, err)

	_, err = signer.Verify(signed)
	require.Error(t, err)
	require.Equal(t, zerv.CodeInvalidToken, zerv.UnauthorizedCode(err))
}

func TestVerifyStrictExpiry(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	signer := newSigner(t, clock)

	signed, err := signer.Sign(Payload{ClaimUserID: "u1"}, SignParams{ExpiresIn: time.Minute})
	require.NoError(t, err)

	_, err = signer.Verify(signed)
	require.NoError(t, err)

	// exp == now is already rejected.
	clock.Advance(time.Minute)
	_, err = signer.Verify(signed)
	require.Error(t, err)
	require.Equal(t, zerv.CodeInvalidToken, zerv.UnauthorizedCode(err))
}

func TestDecodeDoesNotVerify(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	signer := newSigner(t, clock)

	signed, err := signer.Sign(Payload{ClaimUserID: "u1", "extra": true}, SignParams{ExpiresIn: time.Second})
	require.NoError(t, err)

	// Decoding works even after expiry.
	clock.Advance(time.Hour)
	payload, err := Decode(signed)
	require.NoError(t, err)
	require.Equal(t, "u1", payload.UserID())
	require.Equal(t, true, payload["extra"])

	_, err = Decode("not-a-token")
	require.Error(t, err)
}
