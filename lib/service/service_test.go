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

package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	zerv "github.com/z-open/zerv-core"
	"github.com/z-open/zerv-core/lib/rpc"
	"github.com/z-open/zerv-core/lib/token"
	"github.com/z-open/zerv-core/lib/websock"
)

func testConfig() Config {
	return Config{
		Secret:    "test-secret",
		Clustered: func() bool { return false },
		FindUserByCredentials: func(ctx context.Context, username, password string) (any, error) {
			if username == "john" && password == "secret" {
				return map[string]string{"id": "u1"}, nil
			}
			return nil, zerv.NewUnauthorizedError(zerv.CodeUserInvalid, "bad credentials")
		},
		Claim: func(user any) (token.Payload, error) {
			u := user.(map[string]string)
			return token.Payload{"id": u["id"], "tenantId": "t1"}, nil
		},
	}
}

// TestEndToEnd walks the full login path: credentials for an auth code
// over HTTP, the code for a session token over the socket, then an api
// call on the authenticated socket.
func TestEndToEnd(t *testing.T) {
	ctx := context.Background()
	srv, err := New(ctx, testConfig())
	require.NoError(t, err)
	t.Cleanup(func() { srv.Shutdown(ctx) })

	srv.On("apiGreet", func(ctx context.Context, cc *rpc.CallContext, arg json.RawMessage) (any, error) {
		return "hello " + cc.UserID, nil
	})

	web := httptest.NewServer(srv.Handler())
	t.Cleanup(web.Close)

	// Login over HTTP.
	body, err := json.Marshal(map[string]string{
		"username": "john", "password": "secret", "grant_type": "login",
	})
	require.NoError(t, err)
	resp, err := http.Post(web.URL+"/authorize", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var login struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&login))
	require.NotEmpty(t, login.AccessToken)

	// Exchange the auth code on the socket.
	wsURL := "ws" + strings.TrimPrefix(web.URL, "http") + "/ws"
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	authBody, err := json.Marshal(map[string]string{
		"token": login.AccessToken, "origin": "origin-1",
	})
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(websock.Frame{
		Event: zerv.EventAuthenticate,
		Args:  []json.RawMessage{authBody},
	}))

	var frame websock.Frame
	require.NoError(t, conn.ReadJSON(&frame))
	require.Equal(t, zerv.EventAuthenticated, frame.Event)
	var issued string
	require.NoError(t, json.Unmarshal(frame.Args[0], &issued))
	require.NotEqual(t, login.AccessToken, issued)
	if frame.AckID != 0 {
		require.NoError(t, conn.WriteJSON(websock.Frame{Event: websock.AckEvent, AckID: frame.AckID}))
	}
	require.Eventually(t, func() bool {
		return srv.Sessions().IsLocalSession("origin-1")
	}, 2*time.Second, 10*time.Millisecond)

	// Call the api.
	require.NoError(t, conn.WriteJSON(websock.Frame{
		Event: zerv.DefaultRPCEvent,
		Args:  []json.RawMessage{json.RawMessage(`"apiGreet"`)},
		AckID: 7,
	}))
	for {
		require.NoError(t, conn.ReadJSON(&frame))
		if frame.Event == websock.AckEvent && frame.AckID == 7 {
			break
		}
	}
	var ack struct {
		Code any    `json:"code"`
		Data string `json:"data"`
	}
	require.NoError(t, json.Unmarshal(frame.Args[0], &ack))
	require.Equal(t, float64(0), ack.Code)
	var greeting string
	require.NoError(t, json.Unmarshal([]byte(ack.Data), &greeting))
	require.Equal(t, "hello u1", greeting)

	// The middleware accepts the issued token.
	req := httptest.NewRequest(http.MethodGet, "/data", nil)
	req.Header.Set("access-token", issued)
	info, err := srv.HTTPAuthorize(req)
	require.NoError(t, err)
	require.Equal(t, "u1", info.Payload.UserID())
}

func TestRejectsIncompleteConfig(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	cfg := testConfig()
	cfg.Secret = ""
	_, err := New(ctx, cfg)
	require.Error(t, err)

	cfg = testConfig()
	cfg.Claim = nil
	_, err = New(ctx, cfg)
	require.Error(t, err)
}

func TestShutdownDrains(t *testing.T) {
	t.Parallel()
	clock := clockwork.NewFakeClock()
	ctx := context.Background()

	cfg := testConfig()
	cfg.Clock = clock
	srv, err := New(ctx, cfg)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(ctx) }()

	require.Eventually(t, srv.Tracker().Paused, time.Second, time.Millisecond)
	clock.BlockUntil(2)
	clock.Advance(time.Minute)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not resolve")
	}
}
