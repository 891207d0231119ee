// Copyright 2024-2026 Aiku AI

package matrix

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return NewClient(ts.URL, "as-token", zerolog.Nop())
}

func TestSendMessage_Impersonates(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer as-token", r.Header.Get("Authorization"))
		assert.Equal(t, "@ghost:example.org", r.URL.Query().Get("user_id"))
		assert.Contains(t, r.URL.Path, "/send/m.room.message/")
		_, _ = w.Write([]byte(`{"event_id": "$ev1"}`))
	})

	eventID, err := c.SendMessage(context.Background(), "!room:example.org", "@ghost:example.org", "hi")
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$ev1"), eventID)
}

func TestRegisterUser_ToleratesExisting(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"errcode": "M_USER_IN_USE", "error": "User ID already taken."}`))
	})

	err := c.RegisterUser(context.Background(), "rocketchat_rc_alice")
	assert.NoError(t, err, "an existing user must register as a no-op")
}

func TestResolveAlias_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode": "M_NOT_FOUND", "error": "Room alias not found."}`))
	})

	_, err := c.ResolveAlias(context.Background(), "#missing:example.org")
	assert.True(t, IsNotFound(err), "expected not-found, got %v", err)
}

func TestRequest_BodyFollowsMethod(t *testing.T) {
	bodies := make(map[string]string)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		bodies[r.Method] = string(body)
		_, _ = w.Write([]byte(`{"room_id": "!room:example.org"}`))
	})

	ctx := context.Background()
	_, err := c.ResolveAlias(ctx, "#ch:example.org")
	require.NoError(t, err)
	require.NoError(t, c.DeleteAlias(ctx, "#ch:example.org"))
	require.NoError(t, c.JoinRoom(ctx, "!room:example.org", ""))

	assert.Empty(t, bodies[http.MethodGet], "GET must not carry a body")
	assert.Empty(t, bodies[http.MethodDelete], "DELETE must not carry a body")
	assert.JSONEq(t, `{}`, bodies[http.MethodPost], "payloadless POST still needs a JSON object")
}

func TestRequest_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"joined_rooms": ["!a:example.org"]}`))
	})

	rooms, err := c.JoinedRooms(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []id.RoomID{"!a:example.org"}, rooms)
	assert.EqualValues(t, 2, calls.Load())
}

func TestRequest_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errcode": "M_FORBIDDEN", "error": "nope"}`))
	})

	err := c.JoinRoom(context.Background(), "!room:example.org", "")
	require.Error(t, err)
	assert.EqualValues(t, 1, calls.Load())

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "M_FORBIDDEN", apiErr.ErrCode)
}
