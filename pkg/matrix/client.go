// Copyright 2024-2026 Aiku AI

// Package matrix implements the outbound Matrix client-server API calls the
// bridge needs, authenticated with the application service token and
// optionally impersonating ghost users via the user_id query parameter.
package matrix

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// API is the surface the bridge core uses to drive the homeserver.
type API interface {
	CreateRoom(ctx context.Context, name, aliasLocalpart string, creator id.UserID) (id.RoomID, error)
	CreateAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error
	DeleteAlias(ctx context.Context, alias id.RoomAlias) error
	ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error)
	JoinRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	LeaveRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	ForgetRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	RegisterUser(ctx context.Context, localpart string) error
	SetDisplayName(ctx context.Context, userID id.UserID, displayName string) error
	SendMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) (id.EventID, error)
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
}

// APIError is a non-2xx response from the homeserver.
type APIError struct {
	StatusCode int
	ErrCode    string `json:"errcode"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("matrix API error: %d %s %s", e.StatusCode, e.ErrCode, e.Message)
}

// IsNotFound reports whether err is a homeserver "not found" response, e.g.
// resolving an alias that does not exist.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusNotFound || apiErr.ErrCode == "M_NOT_FOUND")
}

// IsUserInUse reports whether err is a registration attempt for an existing
// user, which the bridge treats as success.
func IsUserInUse(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.ErrCode == "M_USER_IN_USE"
}

// IsTransient reports whether err is worth retrying later: a 5xx, a rate
// limit or a transport failure.
func IsTransient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500 || apiErr.StatusCode == http.StatusTooManyRequests
	}
	return err != nil
}

// Client is the HTTP implementation of API.
type Client struct {
	serverURL  string
	asToken    string
	httpClient *http.Client
	log        zerolog.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a client for the given homeserver, authenticating with
// the application service token.
func NewClient(serverURL, asToken string, log zerolog.Logger) *Client {
	return &Client{
		serverURL: serverURL,
		asToken:   asToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "matrix-client").Logger(),
	}
}

// request performs one API call as userID (empty for the bot itself),
// retrying transient failures with exponential backoff. The response body is
// decoded into out when out is non-nil.
func (c *Client) request(ctx context.Context, method, endpoint string, userID id.UserID, payload, out any) error {
	reqURL := c.serverURL + endpoint
	if userID != "" {
		sep := "?"
		if len(endpoint) > 0 && containsQuery(endpoint) {
			sep = "&"
		}
		reqURL += sep + "user_id=" + url.QueryEscape(string(userID))
	}

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
	} else if method != http.MethodGet && method != http.MethodDelete {
		// Homeservers reject bodyless POSTs, so state-changing calls always
		// carry at least an empty JSON object.
		body = []byte("{}")
	}

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, reader)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to create request"))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		req.Header.Set("Authorization", "Bearer "+c.asToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return errors.Wrap(err, "failed to send request")
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return errors.Wrap(err, "failed to read response body")
		}

		if resp.StatusCode >= 300 {
			apiErr := &APIError{StatusCode: resp.StatusCode}
			_ = json.Unmarshal(respBody, apiErr)
			if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
				return apiErr
			}
			return backoff.Permanent(apiErr)
		}

		if out != nil {
			if err := json.Unmarshal(respBody, out); err != nil {
				return backoff.Permanent(errors.Wrap(err, "failed to unmarshal response"))
			}
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	return backoff.Retry(operation, policy)
}

func containsQuery(endpoint string) bool {
	for i := 0; i < len(endpoint); i++ {
		if endpoint[i] == '?' {
			return true
		}
	}
	return false
}

// CreateRoom creates a room with the given name and alias localpart,
// impersonating creator when set.
func (c *Client) CreateRoom(ctx context.Context, name, aliasLocalpart string, creator id.UserID) (id.RoomID, error) {
	payload := map[string]any{
		"name":       name,
		"preset":     "private_chat",
		"visibility": "private",
	}
	if aliasLocalpart != "" {
		payload["room_alias_name"] = aliasLocalpart
	}
	var resp struct {
		RoomID id.RoomID `json:"room_id"`
	}
	err := c.request(ctx, http.MethodPost, "/_matrix/client/v3/createRoom", creator, payload, &resp)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) CreateAlias(ctx context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	endpoint := "/_matrix/client/v3/directory/room/" + url.PathEscape(string(alias))
	payload := map[string]any{"room_id": roomID}
	return c.request(ctx, http.MethodPut, endpoint, "", payload, nil)
}

func (c *Client) DeleteAlias(ctx context.Context, alias id.RoomAlias) error {
	endpoint := "/_matrix/client/v3/directory/room/" + url.PathEscape(string(alias))
	return c.request(ctx, http.MethodDelete, endpoint, "", nil, nil)
}

// ResolveAlias maps an alias to a room id. A missing alias is reported as an
// *APIError for which IsNotFound returns true.
func (c *Client) ResolveAlias(ctx context.Context, alias id.RoomAlias) (id.RoomID, error) {
	endpoint := "/_matrix/client/v3/directory/room/" + url.PathEscape(string(alias))
	var resp struct {
		RoomID id.RoomID `json:"room_id"`
	}
	if err := c.request(ctx, http.MethodGet, endpoint, "", nil, &resp); err != nil {
		return "", err
	}
	return resp.RoomID, nil
}

func (c *Client) JoinRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	endpoint := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/join"
	return c.request(ctx, http.MethodPost, endpoint, userID, nil, nil)
}

func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	endpoint := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/invite"
	payload := map[string]any{"user_id": userID}
	return c.request(ctx, http.MethodPost, endpoint, "", payload, nil)
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	endpoint := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/leave"
	return c.request(ctx, http.MethodPost, endpoint, userID, nil, nil)
}

func (c *Client) ForgetRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	endpoint := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/forget"
	return c.request(ctx, http.MethodPost, endpoint, userID, nil, nil)
}

// RegisterUser registers an appservice-owned user. Registering a localpart
// that already exists is treated as success.
func (c *Client) RegisterUser(ctx context.Context, localpart string) error {
	payload := map[string]any{
		"type":     "m.login.application_service",
		"username": localpart,
	}
	err := c.request(ctx, http.MethodPost, "/_matrix/client/v3/register", "", payload, nil)
	if IsUserInUse(err) {
		c.log.Debug().Str("localpart", localpart).Msg("User already registered")
		return nil
	}
	return err
}

func (c *Client) SetDisplayName(ctx context.Context, userID id.UserID, displayName string) error {
	endpoint := "/_matrix/client/v3/profile/" + url.PathEscape(string(userID)) + "/displayname"
	payload := map[string]any{"displayname": displayName}
	return c.request(ctx, http.MethodPut, endpoint, userID, payload, nil)
}

// SendMessage posts an m.text message to a room as sender (the bot when
// sender is empty).
func (c *Client) SendMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) (id.EventID, error) {
	txnID := uuid.New().String()
	endpoint := "/_matrix/client/v3/rooms/" + url.PathEscape(string(roomID)) + "/send/m.room.message/" + txnID
	payload := map[string]any{
		"msgtype": "m.text",
		"body":    body,
	}
	var resp struct {
		EventID id.EventID `json:"event_id"`
	}
	if err := c.request(ctx, http.MethodPut, endpoint, sender, payload, &resp); err != nil {
		return "", err
	}
	return resp.EventID, nil
}

// JoinedRooms lists the rooms the bot user is currently joined to.
func (c *Client) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	var resp struct {
		JoinedRooms []id.RoomID `json:"joined_rooms"`
	}
	if err := c.request(ctx, http.MethodGet, "/_matrix/client/v3/joined_rooms", "", nil, &resp); err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}
