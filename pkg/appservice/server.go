// Copyright 2024-2026 Aiku AI

// Package appservice is the inbound transport: the Matrix application service
// transaction endpoint and the Rocket.Chat outgoing webhook endpoint. Both
// normalize their payloads into the common event shape before anything
// reaches the router.
package appservice

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/bridge"
)

// Server serves both inbound transports on one listener.
type Server struct {
	router  *bridge.Router
	hsToken string
	httpSrv *http.Server
	log     zerolog.Logger
}

// NewServer creates the transport server. hsToken authenticates the
// homeserver on the transaction endpoint; webhook requests authenticate with
// their per-server token instead.
func NewServer(listenAddr, hsToken string, router *bridge.Router, log zerolog.Logger) *Server {
	s := &Server{
		router:  router,
		hsToken: hsToken,
		log:     log.With().Str("component", "appservice").Logger(),
	}

	r := mux.NewRouter()
	r.HandleFunc("/transactions/{txnID}", s.handleTransaction).Methods(http.MethodPut)
	r.HandleFunc("/_matrix/app/v1/transactions/{txnID}", s.handleTransaction).Methods(http.MethodPut)
	r.HandleFunc("/rocketchat", s.handleWebhook).Methods(http.MethodPost)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	s.httpSrv = &http.Server{
		Addr:              listenAddr,
		Handler:           r,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info().Str("addr", s.httpSrv.Addr).Msg("Transport server listening")
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

type matrixEvent struct {
	Type      string    `json:"type"`
	RoomID    id.RoomID `json:"room_id"`
	Sender    id.UserID `json:"sender"`
	StateKey  *string   `json:"state_key"`
	Timestamp int64     `json:"origin_server_ts"`
	Content   struct {
		MsgType    string `json:"msgtype"`
		Body       string `json:"body"`
		Membership string `json:"membership"`
	} `json:"content"`
}

type transactionPayload struct {
	Events []matrixEvent `json:"events"`
}

func (s *Server) handleTransaction(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"errcode": "M_FORBIDDEN"})
		return
	}

	txnID := mux.Vars(r)["txnID"]
	var payload transactionPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errcode": "M_BAD_JSON"})
		return
	}

	// Events in one transaction are dispatched in order; the homeserver may
	// re-deliver the whole transaction, which the per-event delivery ids
	// absorb.
	for i, raw := range payload.Events {
		ev, ok := normalizeMatrixEvent(raw)
		if !ok {
			continue
		}
		ev.DeliveryID = txnID + "/" + strconv.Itoa(i)
		if err := s.router.Dispatch(r.Context(), ev); err != nil {
			s.log.Error().Err(err).Str("txn_id", txnID).Str("type", raw.Type).Msg("Failed to process transaction event")
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{})
}

func normalizeMatrixEvent(raw matrixEvent) (bridge.Event, bool) {
	switch raw.Type {
	case "m.room.message":
		if raw.Content.MsgType != "m.text" && raw.Content.MsgType != "m.emote" && raw.Content.MsgType != "m.notice" {
			return bridge.Event{}, false
		}
		return bridge.Event{
			Kind:      bridge.EventMessage,
			Source:    bridge.SourceMatrix,
			RoomID:    raw.RoomID,
			Sender:    raw.Sender,
			Body:      raw.Content.Body,
			Timestamp: raw.Timestamp,
		}, true
	case "m.room.member":
		target := raw.Sender
		if raw.StateKey != nil && *raw.StateKey != "" {
			target = id.UserID(*raw.StateKey)
		}
		return bridge.Event{
			Kind:       bridge.EventMembership,
			Source:     bridge.SourceMatrix,
			RoomID:     raw.RoomID,
			Sender:     raw.Sender,
			Target:     target,
			Membership: raw.Content.Membership,
			Timestamp:  raw.Timestamp,
		}, true
	case "m.room.name", "m.room.topic":
		return bridge.Event{
			Kind:      bridge.EventRoomMeta,
			Source:    bridge.SourceMatrix,
			RoomID:    raw.RoomID,
			Sender:    raw.Sender,
			Timestamp: raw.Timestamp,
		}, true
	default:
		return bridge.Event{}, false
	}
}

type webhookPayload struct {
	Token       string `json:"token"`
	MessageID   string `json:"message_id"`
	ChannelID   string `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Text        string `json:"text"`
	Timestamp   string `json:"timestamp"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	server, err := s.router.ServerForWebhookToken(r.Context(), payload.Token)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unknown token"})
		return
	}

	ev := bridge.Event{
		Kind:               bridge.EventMessage,
		Source:             bridge.SourceRocketchat,
		DeliveryID:         payload.MessageID,
		ServerID:           server.ID,
		RocketchatRoomID:   payload.ChannelID,
		RocketchatUserID:   payload.UserID,
		RocketchatUsername: payload.UserName,
		Body:               payload.Text,
		Timestamp:          parseWebhookTimestamp(payload.Timestamp),
	}
	if err := s.router.Dispatch(r.Context(), ev); err != nil {
		s.log.Error().Err(err).Str("server", server.ID).Str("channel", payload.ChannelID).Msg("Failed to process webhook event")
	}

	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// parseWebhookTimestamp accepts both the millisecond form and the RFC 3339
// form Rocket.Chat has used across releases.
func parseWebhookTimestamp(value string) int64 {
	if value == "" {
		return 0
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return ms
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t.UnixMilli()
	}
	return 0
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authorized(r *http.Request) bool {
	token := r.URL.Query().Get("access_token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return token != "" && token == s.hsToken
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
