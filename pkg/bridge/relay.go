// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/rocketchat"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

// Relay forwards chat messages between bridged rooms and their channels.
// Messages for rooms the bridge does not manage are dropped silently.
type Relay struct {
	store     store.Store
	rcFactory rocketchat.Factory
	ghosts    *VirtualUserManager
	botUserID id.UserID
	log       zerolog.Logger
}

// NewRelay creates the relay.
func NewRelay(st store.Store, factory rocketchat.Factory, ghosts *VirtualUserManager, botUserID id.UserID, log zerolog.Logger) *Relay {
	return &Relay{
		store:     st,
		rcFactory: factory,
		ghosts:    ghosts,
		botUserID: botUserID,
		log:       log.With().Str("component", "relay").Logger(),
	}
}

// HandleMatrixMessage forwards a Matrix room message to its bridged channel,
// posting with the sender's linked Rocket.Chat credentials and advancing the
// echo counter so the server's webhook echo of the post is not re-ingested.
func (r *Relay) HandleMatrixMessage(ctx context.Context, ev Event) error {
	if ev.Sender == r.botUserID || r.ghosts.IsGhost(ev.Sender) {
		return nil
	}

	room, err := r.store.FindRoomByMatrixID(ctx, ev.RoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to look up room")
	}
	if !room.IsBridged || room.IsAdminRoom {
		return nil
	}

	server, err := r.store.FindServerByID(ctx, room.RocketchatServerID)
	if err != nil {
		return errors.Wrap(err, "failed to look up server")
	}

	binding, err := r.store.FindBinding(ctx, ev.Sender, server.ID)
	if err != nil || binding.RocketchatToken == "" || binding.IsVirtualUser {
		r.log.Debug().Stringer("sender", ev.Sender).Stringer("room", ev.RoomID).Msg("Dropping message from sender without linked Rocket.Chat account")
		return nil
	}
	creds := rocketchat.Credentials{UserID: binding.RocketchatUserID, AuthToken: binding.RocketchatToken}

	rc := r.rcFactory(server.URL)
	msg, err := rc.PostMessage(ctx, creds, room.DisplayName, ev.Body)
	if err != nil {
		return TransientError(err, "Could not forward the message to Rocket.Chat.")
	}

	if err := r.ghosts.RecordSent(ctx, ev.Sender, server.ID, msg.Timestamp); err != nil {
		return errors.Wrap(err, "failed to advance echo counter")
	}

	r.log.Debug().Stringer("room", ev.RoomID).Str("channel", room.DisplayName).Msg("Forwarded message to Rocket.Chat")
	return nil
}

// HandleRocketchatMessage forwards a channel message into the bridged Matrix
// room, posting as the ghost of the Rocket.Chat sender. Echoes of messages
// the bridge itself posted are suppressed before any relay.
func (r *Relay) HandleRocketchatMessage(ctx context.Context, ev Event) error {
	room, err := r.store.FindRoomByRocketchatRoom(ctx, ev.ServerID, ev.RocketchatRoomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return errors.Wrap(err, "failed to look up room")
	}
	if !room.IsBridged {
		return nil
	}

	if binding, err := r.store.FindBindingByRocketchatUserID(ctx, ev.ServerID, ev.RocketchatUserID); err == nil {
		if !binding.IsVirtualUser {
			if r.ghosts.IsEcho(binding, ev.Timestamp) {
				r.log.Debug().Str("rc_user", ev.RocketchatUserID).Stringer("room", room.MatrixRoomID).Msg("Suppressed echo of bridge-posted message")
				return nil
			}
			// The remote identity belongs to a real Matrix user, so a ghost
			// would double their identity. They see the room natively.
			r.log.Debug().Str("rc_user", ev.RocketchatUserID).Stringer("user", binding.MatrixUserID).Msg("Dropping message from linked Matrix user")
			return nil
		}
	} else if !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "failed to look up sender binding")
	}

	_, ghostID, err := r.ghosts.EnsureVirtualUser(ctx, ev.ServerID, ev.RocketchatUserID, ev.RocketchatUsername)
	if err != nil {
		return err
	}

	if err := r.ensureJoined(ctx, ghostID, room.MatrixRoomID); err != nil {
		return err
	}

	if _, err := r.ghosts.matrix.SendMessage(ctx, room.MatrixRoomID, ghostID, ev.Body); err != nil {
		return TransientError(err, "Could not forward the message to Matrix.")
	}

	r.log.Debug().Stringer("room", room.MatrixRoomID).Str("rc_user", ev.RocketchatUserID).Msg("Forwarded message to Matrix")
	return nil
}

// ensureJoined joins the ghost into the room unless a membership row already
// says it is there.
func (r *Relay) ensureJoined(ctx context.Context, ghostID id.UserID, roomID id.RoomID) error {
	members, err := r.store.ListMemberships(ctx, roomID)
	if err != nil {
		return errors.Wrap(err, "failed to list memberships")
	}
	for _, member := range members {
		if member.MatrixUserID == ghostID && member.LeftAt == nil {
			return nil
		}
	}

	if err := r.ghosts.matrix.InviteUser(ctx, roomID, ghostID); err != nil {
		r.log.Debug().Err(err).Stringer("ghost", ghostID).Msg("Ghost invite returned an error, continuing with join")
	}
	if err := r.ghosts.matrix.JoinRoom(ctx, roomID, ghostID); err != nil {
		return TransientError(err, "Could not join the ghost user into the room.")
	}
	if err := r.store.AddMembership(ctx, ghostID, roomID); err != nil {
		return errors.Wrap(err, "failed to record ghost membership")
	}
	return nil
}
