// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/rocketchat"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

const helpText = "`connect <url> [token] [id]`: connect a Rocket.Chat server\n" +
	"`login <username> <password>`: login to the connected Rocket.Chat server\n" +
	"`bridge <channel>`: bridge a Rocket.Chat channel to a Matrix room\n" +
	"`unbridge <channel>`: remove the bridge for a channel\n" +
	"`list`: list the channels on the connected server, bridged channels are **bold**, channels you joined are *italic*\n" +
	"`help`: show this help"

// CommandHandler parses admin room text into lifecycle operations. It holds
// no state beyond the current message's parse; replies are posted back into
// the admin room as the bot.
type CommandHandler struct {
	store     store.Store
	lifecycle *Lifecycle
	ghosts    *VirtualUserManager
	rcFactory rocketchat.Factory
	log       zerolog.Logger
}

// NewCommandHandler creates the interpreter.
func NewCommandHandler(st store.Store, lifecycle *Lifecycle, ghosts *VirtualUserManager, factory rocketchat.Factory, log zerolog.Logger) *CommandHandler {
	return &CommandHandler{
		store:     st,
		lifecycle: lifecycle,
		ghosts:    ghosts,
		rcFactory: factory,
		log:       log.With().Str("component", "commands").Logger(),
	}
}

// Process interprets one admin room message and returns the reply to post.
// Unknown input yields a help reply and mutates nothing.
func (h *CommandHandler) Process(ctx context.Context, room *store.Room, sender id.UserID, body string) string {
	fields := strings.Fields(body)
	if len(fields) == 0 {
		return helpText
	}

	var reply string
	var err error
	switch fields[0] {
	case "connect":
		reply, err = h.connect(ctx, room, sender, fields[1:])
	case "login":
		reply, err = h.login(ctx, room, sender, fields[1:])
	case "bridge":
		reply, err = h.bridge(ctx, room, sender, fields[1:])
	case "unbridge":
		reply, err = h.unbridge(ctx, room, fields[1:])
	case "list":
		reply, err = h.list(ctx, room, sender)
	case "help":
		reply = helpText
	default:
		reply = fmt.Sprintf("Unknown command %q.\n%s", fields[0], helpText)
	}

	if err != nil {
		h.log.Warn().Err(err).Stringer("room", room.MatrixRoomID).Str("command", fields[0]).Msg("Command failed")
		return UserMessageOf(err)
	}
	return reply
}

func (h *CommandHandler) connect(ctx context.Context, room *store.Room, sender id.UserID, args []string) (string, error) {
	if len(args) < 1 || len(args) > 3 {
		return "", ValidationError("Usage: `connect <url> [token] [id]`")
	}
	serverURL := args[0]
	var token, serverID string
	if len(args) > 1 {
		token = args[1]
	}
	if len(args) > 2 {
		serverID = args[2]
	} else {
		serverID = deriveServerID(serverURL)
	}
	return h.lifecycle.ConnectServer(ctx, room.MatrixRoomID, sender, serverURL, token, serverID)
}

func (h *CommandHandler) login(ctx context.Context, room *store.Room, sender id.UserID, args []string) (string, error) {
	if len(args) != 2 {
		return "", ValidationError("Usage: `login <username> <password>`")
	}
	server, err := h.connectedServer(ctx, room)
	if err != nil {
		return "", err
	}
	rc := h.rcFactory(server.URL)
	if err := h.ghosts.LinkAccount(ctx, rc, sender, server.ID, args[0], args[1]); err != nil {
		return "", err
	}
	return fmt.Sprintf("You are logged in. Use `bridge <channel>` to bridge a channel or `list` to list the channels on %s.", server.URL), nil
}

func (h *CommandHandler) bridge(ctx context.Context, room *store.Room, sender id.UserID, args []string) (string, error) {
	if len(args) != 1 {
		return "", ValidationError("Usage: `bridge <channel>`")
	}
	serverID, channel := SplitChannelRef(args[0])
	channel = strings.TrimPrefix(channel, "#")
	target := *room
	if serverID != "" {
		target.RocketchatServerID = serverID
	}
	return h.lifecycle.BridgeChannel(ctx, &target, sender, channel)
}

func (h *CommandHandler) unbridge(ctx context.Context, room *store.Room, args []string) (string, error) {
	if len(args) != 1 {
		return "", ValidationError("Usage: `unbridge <channel>`")
	}
	serverID, channel := SplitChannelRef(args[0])
	channel = strings.TrimPrefix(channel, "#")
	target := *room
	if serverID != "" {
		target.RocketchatServerID = serverID
	}
	return h.lifecycle.UnbridgeChannel(ctx, &target, channel)
}

func (h *CommandHandler) list(ctx context.Context, room *store.Room, sender id.UserID) (string, error) {
	server, err := h.connectedServer(ctx, room)
	if err != nil {
		return "", err
	}
	binding, err := h.store.FindBinding(ctx, sender, server.ID)
	if err != nil || binding.RocketchatToken == "" {
		return "", ValidationError("You have to login before you can list channels, use `login <username> <password>`.")
	}
	creds := rocketchat.Credentials{UserID: binding.RocketchatUserID, AuthToken: binding.RocketchatToken}

	rc := h.rcFactory(server.URL)
	channels, err := rc.ChannelsList(ctx, creds)
	if err != nil {
		return "", TransientError(err, "Could not list channels on the Rocket.Chat server.")
	}
	joined, err := rc.JoinedChannels(ctx, creds)
	if err != nil {
		return "", TransientError(err, "Could not list joined channels on the Rocket.Chat server.")
	}
	joinedIDs := make(map[string]bool, len(joined))
	for _, channel := range joined {
		joinedIDs[channel.ID] = true
	}

	var sb strings.Builder
	sb.WriteString("Channels on " + server.URL + ":\n")
	for _, channel := range channels {
		name := channel.Name
		switch {
		case h.isBridged(ctx, server.ID, channel.ID):
			name = "**" + name + "**"
		case joinedIDs[channel.ID]:
			name = "*" + name + "*"
		}
		sb.WriteString("- " + name + "\n")
	}
	return sb.String(), nil
}

func (h *CommandHandler) isBridged(ctx context.Context, serverID, channelID string) bool {
	room, err := h.store.FindRoomByRocketchatRoom(ctx, serverID, channelID)
	return err == nil && room.IsBridged
}

func (h *CommandHandler) connectedServer(ctx context.Context, room *store.Room) (*store.Server, error) {
	if room.RocketchatServerID == "" {
		return nil, ValidationError("This room is not connected to a Rocket.Chat server, use `connect` first.")
	}
	server, err := h.store.FindServerByID(ctx, room.RocketchatServerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ValidationError("The Rocket.Chat server %q is not connected.", room.RocketchatServerID)
		}
		return nil, errors.Wrap(err, "failed to look up server")
	}
	return server, nil
}

// deriveServerID builds a default server id from the server URL's host,
// reduced to the allowed charset and length.
func deriveServerID(serverURL string) string {
	parsed, err := url.Parse(serverURL)
	if err != nil || parsed.Hostname() == "" {
		return ""
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(parsed.Hostname()) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '-':
			sb.WriteRune(r)
		}
		if sb.Len() >= maxServerIDLength {
			break
		}
	}
	return sb.String()
}
