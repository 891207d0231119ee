// Copyright 2024-2026 Aiku AI

// Package rocketchat implements the subset of the Rocket.Chat REST API v1 the
// bridge needs: credential login, channel listing and message posting with
// user impersonation via per-identity auth headers.
package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// MinVersion is the lowest Rocket.Chat release the bridge accepts. Older
// servers lack the REST endpoints the relay depends on.
const MinVersion = "0.49.0"

// Credentials authenticate one Rocket.Chat identity.
type Credentials struct {
	UserID    string
	AuthToken string
}

// Channel is one Rocket.Chat channel as reported by channels.list.
type Channel struct {
	ID        string   `json:"_id"`
	Name      string   `json:"name"`
	Usernames []string `json:"usernames"`
}

// Message is the result of posting a message.
type Message struct {
	ID string
	// Timestamp is the server-assigned post time in milliseconds. The relay
	// records it per identity for echo suppression.
	Timestamp int64
}

// API is the Rocket.Chat surface the bridge core uses.
type API interface {
	// ServerInfo returns the server version. It needs no credentials.
	ServerInfo(ctx context.Context) (string, error)
	// Login exchanges a username and password for an auth token.
	Login(ctx context.Context, username, password string) (Credentials, error)
	// Me returns the username behind creds.
	Me(ctx context.Context, creds Credentials) (string, error)
	ChannelsList(ctx context.Context, creds Credentials) ([]Channel, error)
	// JoinedChannels lists the channels creds is a member of.
	JoinedChannels(ctx context.Context, creds Credentials) ([]Channel, error)
	PostMessage(ctx context.Context, creds Credentials, channelName, text string) (Message, error)
}

// Factory builds an API client for a server base URL. Tests swap it for a
// fake; production uses NewClient.
type Factory func(baseURL string) API

// APIError is a non-2xx response from a Rocket.Chat server.
type APIError struct {
	StatusCode int
	ErrorType  string `json:"errorType"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("rocketchat API error: %d %s %s", e.StatusCode, e.ErrorType, e.Message)
}

// IsUnauthorized reports whether err is a credential rejection.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}

// Client is the HTTP implementation of API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

var _ API = (*Client)(nil)

// NewClient creates a client for the Rocket.Chat server at baseURL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: log.With().Str("component", "rocketchat-client").Str("server", baseURL).Logger(),
	}
}

// NewFactory returns a Factory producing HTTP clients with the given logger.
func NewFactory(log zerolog.Logger) Factory {
	return func(baseURL string) API {
		return NewClient(baseURL, log)
	}
}

func (c *Client) request(ctx context.Context, method, endpoint string, creds *Credentials, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "failed to marshal request body")
		}
	}

	operation := func() error {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, "failed to create request"))
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if creds != nil {
			req.Header.Set("X-User-Id", creds.UserID)
			req.Header.Set("X-Auth-Token", creds.AuthToken)
		}

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

func (c *Client) ServerInfo(ctx context.Context) (string, error) {
	var resp struct {
		Info struct {
			Version string `json:"version"`
		} `json:"info"`
		Version string `json:"version"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/info", nil, nil, &resp); err != nil {
		return "", err
	}
	if resp.Info.Version != "" {
		return resp.Info.Version, nil
	}
	return resp.Version, nil
}

func (c *Client) Login(ctx context.Context, username, password string) (Credentials, error) {
	payload := map[string]string{
		"username": username,
		"password": password,
	}
	var resp struct {
		Data struct {
			UserID    string `json:"userId"`
			AuthToken string `json:"authToken"`
		} `json:"data"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/login", nil, payload, &resp); err != nil {
		return Credentials{}, err
	}
	return Credentials{UserID: resp.Data.UserID, AuthToken: resp.Data.AuthToken}, nil
}

func (c *Client) Me(ctx context.Context, creds Credentials) (string, error) {
	var resp struct {
		Username string `json:"username"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/me", &creds, nil, &resp); err != nil {
		return "", err
	}
	return resp.Username, nil
}

func (c *Client) ChannelsList(ctx context.Context, creds Credentials) ([]Channel, error) {
	var resp struct {
		Channels []Channel `json:"channels"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/channels.list", &creds, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *Client) JoinedChannels(ctx context.Context, creds Credentials) ([]Channel, error) {
	var resp struct {
		Channels []Channel `json:"channels"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/channels.list.joined", &creds, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Channels, nil
}

func (c *Client) PostMessage(ctx context.Context, creds Credentials, channelName, text string) (Message, error) {
	payload := map[string]string{
		"channel": "#" + channelName,
		"text":    text,
	}
	var resp struct {
		Message struct {
			ID        string `json:"_id"`
			Timestamp struct {
				Date int64 `json:"$date"`
			} `json:"ts"`
		} `json:"message"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/chat.postMessage", &creds, payload, &resp); err != nil {
		return Message{}, err
	}
	msg := Message{ID: resp.Message.ID, Timestamp: resp.Message.Timestamp.Date}
	if msg.Timestamp == 0 {
		msg.Timestamp = time.Now().UnixMilli()
	}
	return msg, nil
}
