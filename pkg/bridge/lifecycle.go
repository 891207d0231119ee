// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/matrix"
	"github.com/aiku/matrix-rocketchat/pkg/rocketchat"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

const maxServerIDLength = 16

// Lifecycle owns the room state machine: connecting Rocket.Chat servers,
// bridging channels into Matrix rooms and tearing bridged rooms down again.
// All transitions are store-backed so a restart resumes instead of restarting.
type Lifecycle struct {
	store     store.Store
	matrix    matrix.API
	rcFactory rocketchat.Factory
	ghosts    *VirtualUserManager
	prefix    string
	domain    string
	botUserID id.UserID
	log       zerolog.Logger
}

// NewLifecycle wires the state machine. prefix is the namespace used for room
// aliases and ghost localparts, domain the homeserver domain.
func NewLifecycle(st store.Store, mx matrix.API, factory rocketchat.Factory, ghosts *VirtualUserManager, prefix, domain string, botUserID id.UserID, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		store:     st,
		matrix:    mx,
		rcFactory: factory,
		ghosts:    ghosts,
		prefix:    prefix,
		domain:    domain,
		botUserID: botUserID,
		log:       log.With().Str("component", "lifecycle").Logger(),
	}
}

// ChannelAlias is the Matrix alias a bridged channel's room is published
// under.
func (l *Lifecycle) ChannelAlias(serverID, channelID string) id.RoomAlias {
	return id.RoomAlias(fmt.Sprintf("#%s:%s", l.channelAliasLocalpart(serverID, channelID), l.domain))
}

func (l *Lifecycle) channelAliasLocalpart(serverID, channelID string) string {
	return fmt.Sprintf("%s#%s#%s", l.prefix, serverID, channelID)
}

func validServerID(serverID string) bool {
	if serverID == "" || len(serverID) > maxServerIDLength {
		return false
	}
	for _, r := range serverID {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// ConnectServer registers a Rocket.Chat server and binds it to the admin room
// it was issued from, moving the room into admin negotiation. The server must
// be reachable and recent enough before anything is persisted.
func (l *Lifecycle) ConnectServer(ctx context.Context, adminRoomID id.RoomID, sender id.UserID, serverURL, token, serverID string) (string, error) {
	if !validServerID(serverID) {
		return "", ValidationError(
			"The provided ID %q is not valid, it has to be at most %d characters long and may only contain lowercase letters, numbers, dots, dashes and underscores.",
			serverID, maxServerIDLength)
	}

	if existing, err := l.store.FindServerByURL(ctx, serverURL); err == nil {
		if existing.ID != serverID {
			return "", ConflictError("The Rocket.Chat server %s is already connected as %q.", serverURL, existing.ID)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", errors.Wrap(err, "failed to look up server by URL")
	}

	if token != "" {
		if other, err := l.store.FindServerByToken(ctx, token); err == nil && other.URL != serverURL {
			return "", ConflictError("The token is already in use by the server %s, please use another one.", other.URL)
		} else if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", errors.Wrap(err, "failed to look up server by token")
		}
	}

	rc := l.rcFactory(serverURL)
	version, err := rc.ServerInfo(ctx)
	if err != nil {
		return "", ValidationError("Could not reach the Rocket.Chat server %s, please check the URL.", serverURL)
	}
	if !rocketchat.VersionAtLeast(version, rocketchat.MinVersion) {
		return "", ValidationError(
			"The Rocket.Chat server runs version %s, but the bridge requires at least %s.",
			version, rocketchat.MinVersion)
	}

	if _, err := l.store.FindServerByID(ctx, serverID); errors.Is(err, store.ErrNotFound) {
		if _, err := l.store.CreateServer(ctx, store.CreateServerParams{ID: serverID, URL: serverURL, Token: token}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return "", ConflictError("The server ID %q is already in use, please choose another one.", serverID)
			}
			return "", errors.Wrap(err, "failed to create server")
		}
	} else if err != nil {
		return "", errors.Wrap(err, "failed to look up server by ID")
	}

	if _, _, err := l.store.UpsertBinding(ctx, store.UpsertBindingParams{
		MatrixUserID:       sender,
		RocketchatServerID: serverID,
	}); err != nil {
		return "", errors.Wrap(err, "failed to bind admin user to server")
	}

	if err := l.store.SetRoomServer(ctx, adminRoomID, serverID); err != nil {
		return "", errors.Wrap(err, "failed to bind admin room to server")
	}
	if err := l.store.SetRoomState(ctx, adminRoomID, store.RoomStateAdminNegotiation); err != nil {
		return "", errors.Wrap(err, "failed to update admin room state")
	}

	l.log.Info().Str("server", serverID).Str("url", serverURL).Msg("Connected Rocket.Chat server")
	return fmt.Sprintf("You are connected to %s. You can now login with `login <username> <password>`.", serverURL), nil
}

// BridgeChannel binds a Rocket.Chat channel to a Matrix room, creating the
// room with its alias and joining the bot. A retry after a partial failure
// resumes from the Bridging state instead of starting over.
func (l *Lifecycle) BridgeChannel(ctx context.Context, adminRoom *store.Room, sender id.UserID, channelName string) (string, error) {
	serverID := adminRoom.RocketchatServerID
	if serverID == "" {
		return "", ValidationError("This room is not connected to a Rocket.Chat server, use `connect` first.")
	}
	server, err := l.store.FindServerByID(ctx, serverID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ValidationError("The Rocket.Chat server %q is not connected.", serverID)
		}
		return "", errors.Wrap(err, "failed to look up server")
	}

	binding, err := l.store.FindBinding(ctx, sender, serverID)
	if err != nil || binding.RocketchatToken == "" || binding.IsVirtualUser {
		return "", ValidationError("You have to login before you can bridge a channel, use `login <username> <password>`.")
	}
	creds := rocketchat.Credentials{UserID: binding.RocketchatUserID, AuthToken: binding.RocketchatToken}

	rc := l.rcFactory(server.URL)
	channels, err := rc.ChannelsList(ctx, creds)
	if err != nil {
		return "", TransientError(err, "Could not list channels on the Rocket.Chat server.")
	}
	var channel *rocketchat.Channel
	for i := range channels {
		if channels[i].Name == channelName {
			channel = &channels[i]
			break
		}
	}
	if channel == nil {
		return "", ValidationError("No channel with the name %q found on the Rocket.Chat server.", channelName)
	}

	if existing, err := l.store.FindRoomByRocketchatRoom(ctx, serverID, channel.ID); err == nil {
		if existing.IsBridged {
			return "", ConflictError("The channel %q is already bridged.", channelName)
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return "", errors.Wrap(err, "failed to look up channel binding")
	}

	alias := l.ChannelAlias(serverID, channel.ID)
	roomID, err := l.matrix.ResolveAlias(ctx, alias)
	if matrix.IsNotFound(err) {
		roomID, err = l.matrix.CreateRoom(ctx, channelName, l.channelAliasLocalpart(serverID, channel.ID), "")
		if err != nil {
			return "", TransientError(err, "Could not create the Matrix room for the channel.")
		}
	} else if err != nil {
		return "", TransientError(err, "Could not resolve the channel room alias.")
	}

	room, _, err := l.store.CreateRoom(ctx, store.CreateRoomParams{
		MatrixRoomID:       roomID,
		DisplayName:        channelName,
		RocketchatServerID: serverID,
		State:              store.RoomStateBridging,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to create room row")
	}
	if room.IsBridged {
		return "", ConflictError("The channel %q is already bridged.", channelName)
	}
	if room.State != store.RoomStateBridging {
		if err := l.store.SetRoomState(ctx, roomID, store.RoomStateBridging); err != nil {
			return "", errors.Wrap(err, "failed to mark room bridging")
		}
	}

	// Completion step: the bot joins and the binding becomes visible. A
	// failure here leaves the room in Bridging for the next attempt.
	if err := l.matrix.JoinRoom(ctx, roomID, l.botUserID); err != nil {
		return "", TransientError(err, "Could not join the new channel room, please run the command again.")
	}
	if err := l.store.AddMembership(ctx, l.botUserID, roomID); err != nil {
		return "", errors.Wrap(err, "failed to record bot membership")
	}
	if err := l.store.SetRoomBridged(ctx, roomID, channel.ID, true); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return "", ConflictError("The channel %q is already bridged.", channelName)
		}
		return "", errors.Wrap(err, "failed to mark room bridged")
	}
	if err := l.store.SetRoomState(ctx, roomID, store.RoomStateBridged); err != nil {
		return "", errors.Wrap(err, "failed to mark room bridged")
	}

	if err := l.matrix.InviteUser(ctx, roomID, sender); err != nil && !matrix.IsTransient(err) {
		// Already invited or joined, nothing to do.
		l.log.Debug().Err(err).Stringer("room", roomID).Msg("Invite after bridge returned an error")
	}

	l.log.Info().Str("server", serverID).Str("channel", channelName).Stringer("room", roomID).Msg("Bridged channel")
	return fmt.Sprintf("%s is now bridged to %s.", channelName, alias), nil
}

// UnbridgeChannel tears down the bridged room of a channel. The room row
// survives as torn down so the cleanup is auditable.
func (l *Lifecycle) UnbridgeChannel(ctx context.Context, adminRoom *store.Room, channelName string) (string, error) {
	serverID := adminRoom.RocketchatServerID
	if serverID == "" {
		return "", ValidationError("This room is not connected to a Rocket.Chat server, use `connect` first.")
	}

	room, err := l.findBridgedRoomByName(ctx, serverID, channelName)
	if err != nil {
		return "", err
	}

	if err := l.store.SetRoomState(ctx, room.MatrixRoomID, store.RoomStateUnbridging); err != nil {
		return "", errors.Wrap(err, "failed to mark room unbridging")
	}

	report, err := l.Teardown(ctx, room)
	if err != nil {
		return "", err
	}
	if report.Failed() {
		return "", TransientError(nil, "Some members could not be removed from %s, run the command again to finish the cleanup.", channelName)
	}

	if err := l.store.SetRoomBridged(ctx, room.MatrixRoomID, "", false); err != nil {
		return "", errors.Wrap(err, "failed to unbind room")
	}
	if err := l.store.SetRoomState(ctx, room.MatrixRoomID, store.RoomStateTornDown); err != nil {
		return "", errors.Wrap(err, "failed to mark room torn down")
	}

	l.log.Info().Str("server", serverID).Str("channel", channelName).Stringer("room", room.MatrixRoomID).Msg("Unbridged channel")
	return fmt.Sprintf("%s is no longer bridged.", channelName), nil
}

func (l *Lifecycle) findBridgedRoomByName(ctx context.Context, serverID, channelName string) (*store.Room, error) {
	rooms, err := l.store.ListBridgedRooms(ctx, serverID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list bridged rooms")
	}
	for i := range rooms {
		if rooms[i].DisplayName == channelName {
			return &rooms[i], nil
		}
	}
	return nil, ValidationError("The channel %q is not bridged.", channelName)
}

// SplitChannelRef splits "server/channel" into its parts, with the server
// part optional.
func SplitChannelRef(ref string) (serverID, channel string) {
	if idx := strings.Index(ref, "/"); idx >= 0 {
		return ref[:idx], ref[idx+1:]
	}
	return "", ref
}
