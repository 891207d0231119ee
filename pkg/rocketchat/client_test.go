// Copyright 2024-2026 Aiku AI

package rocketchat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogin(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/login", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		if body["username"] != "alice" || body["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"status": "error", "error": "Unauthorized"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status": "success", "data": {"userId": "rc_alice", "authToken": "tok123"}}`))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, zerolog.Nop())
	creds, err := c.Login(context.Background(), "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, "rc_alice", creds.UserID)
	assert.Equal(t, "tok123", creds.AuthToken)

	_, err = c.Login(context.Background(), "alice", "wrong")
	assert.True(t, IsUnauthorized(err), "expected unauthorized, got %v", err)
}

func TestPostMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/chat.postMessage", r.URL.Path)
		require.Equal(t, "rc_alice", r.Header.Get("X-User-Id"))
		require.Equal(t, "tok123", r.Header.Get("X-Auth-Token"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "#general", body["channel"])
		assert.Equal(t, "hello", body["text"])

		_, _ = w.Write([]byte(`{"success": true, "message": {"_id": "msg1", "ts": {"$date": 1756209600000}}}`))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, zerolog.Nop())
	creds := Credentials{UserID: "rc_alice", AuthToken: "tok123"}
	msg, err := c.PostMessage(context.Background(), creds, "general", "hello")
	require.NoError(t, err)
	assert.Equal(t, "msg1", msg.ID)
	assert.EqualValues(t, 1756209600000, msg.Timestamp)
}

func TestServerInfo(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/info", r.URL.Path)
		_, _ = w.Write([]byte(`{"info": {"version": "7.0.0"}}`))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, zerolog.Nop())
	version, err := c.ServerInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "7.0.0", version)
}

func TestChannelsList(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/channels.list", r.URL.Path)
		_, _ = w.Write([]byte(`{"channels": [
			{"_id": "general_id", "name": "general", "usernames": ["alice"]},
			{"_id": "random_id", "name": "random"}
		]}`))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, zerolog.Nop())
	channels, err := c.ChannelsList(context.Background(), Credentials{UserID: "u", AuthToken: "t"})
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "general", channels[0].Name)
	assert.Equal(t, []string{"alice"}, channels[0].Usernames)
}

func TestJoinedChannels(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/channels.list.joined", r.URL.Path)
		require.Equal(t, "rc_alice", r.Header.Get("X-User-Id"))
		_, _ = w.Write([]byte(`{"channels": [{"_id": "general_id", "name": "general"}]}`))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, zerolog.Nop())
	channels, err := c.JoinedChannels(context.Background(), Credentials{UserID: "rc_alice", AuthToken: "tok123"})
	require.NoError(t, err)
	require.Len(t, channels, 1)
	assert.Equal(t, "general_id", channels[0].ID)
}

func TestMe(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/me", r.URL.Path)
		require.Equal(t, "tok123", r.Header.Get("X-Auth-Token"))
		_, _ = w.Write([]byte(`{"_id": "rc_alice", "username": "alice"}`))
	}))
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, zerolog.Nop())
	username, err := c.Me(context.Background(), Credentials{UserID: "rc_alice", AuthToken: "tok123"})
	require.NoError(t, err)
	assert.Equal(t, "alice", username)
}

func TestVersionAtLeast(t *testing.T) {
	cases := []struct {
		version, min string
		want         bool
	}{
		{"0.49.0", "0.49.0", true},
		{"0.48.9", "0.49.0", false},
		{"1.0", "0.49.0", true},
		{"7.0.0", "0.49.0", true},
		{"0.49", "0.49.0", true},
		{"1.2.0-rc1", "1.2.0", true},
		{"0.10.0", "0.9.0", true},
	}
	for _, tc := range cases {
		if got := VersionAtLeast(tc.version, tc.min); got != tc.want {
			t.Errorf("VersionAtLeast(%q, %q) = %v, want %v", tc.version, tc.min, got, tc.want)
		}
	}
}
