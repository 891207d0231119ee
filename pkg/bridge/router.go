// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/matrix"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

const welcomeText = "Hi, I'm the Rocket.Chat bridge bot. " +
	"Connect a Rocket.Chat server with `connect <url> [token] [id]`, or type `help` for all commands."

// Router is the entry point for normalized inbound events. It deduplicates
// deliveries, serializes work per room and dispatches to the command
// interpreter, the lifecycle state machine or the relay.
type Router struct {
	store     store.Store
	matrix    matrix.API
	commands  *CommandHandler
	relay     *Relay
	botUserID id.UserID
	locks     *roomLocks
	log       zerolog.Logger
}

// NewRouter wires the dispatch path.
func NewRouter(st store.Store, mx matrix.API, commands *CommandHandler, relay *Relay, botUserID id.UserID, log zerolog.Logger) *Router {
	return &Router{
		store:     st,
		matrix:    mx,
		commands:  commands,
		relay:     relay,
		botUserID: botUserID,
		locks:     newRoomLocks(),
		log:       log.With().Str("component", "router").Logger(),
	}
}

// ServerForWebhookToken authenticates an inbound webhook by its per-server
// token.
func (r *Router) ServerForWebhookToken(ctx context.Context, token string) (*store.Server, error) {
	return r.store.FindServerByToken(ctx, token)
}

// Dispatch processes one inbound event. Exact re-deliveries are dropped
// before they reach any stateful component; everything after the dedup runs
// under the room's lock.
func (r *Router) Dispatch(ctx context.Context, ev Event) error {
	if ev.DeliveryID != "" {
		first, err := r.store.MarkDelivery(ctx, string(ev.Source), ev.DeliveryID)
		if err != nil {
			return errors.Wrap(err, "failed to record delivery")
		}
		if !first {
			r.log.Debug().Str("delivery_id", ev.DeliveryID).Str("source", string(ev.Source)).Msg("Dropping duplicate delivery")
			return nil
		}
	}

	unlock := r.locks.Lock(r.lockKey(ctx, ev))
	defer unlock()

	switch {
	case ev.Source == SourceMatrix && ev.Kind == EventMembership:
		return r.handleMatrixMembership(ctx, ev)
	case ev.Source == SourceMatrix && ev.Kind == EventMessage:
		return r.handleMatrixMessage(ctx, ev)
	case ev.Source == SourceRocketchat && ev.Kind == EventMessage:
		return r.relay.HandleRocketchatMessage(ctx, ev)
	default:
		r.log.Debug().Str("kind", string(ev.Kind)).Str("source", string(ev.Source)).Msg("Ignoring event")
		return nil
	}
}

// lockKey resolves the Matrix room an event belongs to so both sides of a
// bridged room serialize on the same lock.
func (r *Router) lockKey(ctx context.Context, ev Event) id.RoomID {
	if ev.RoomID != "" {
		return ev.RoomID
	}
	if room, err := r.store.FindRoomByRocketchatRoom(ctx, ev.ServerID, ev.RocketchatRoomID); err == nil {
		return room.MatrixRoomID
	}
	return id.RoomID(fmt.Sprintf("rocketchat/%s/%s", ev.ServerID, ev.RocketchatRoomID))
}

func (r *Router) handleMatrixMessage(ctx context.Context, ev Event) error {
	room, err := r.store.FindRoomByMatrixID(ctx, ev.RoomID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return errors.Wrap(err, "failed to look up room")
	}

	if room != nil && room.IsAdminRoom && ev.Sender != r.botUserID {
		reply := r.commands.Process(ctx, room, ev.Sender, ev.Body)
		if reply == "" {
			return nil
		}
		if _, err := r.matrix.SendMessage(ctx, ev.RoomID, "", reply); err != nil {
			return TransientError(err, "Could not post the command reply.")
		}
		return nil
	}

	return r.relay.HandleMatrixMessage(ctx, ev)
}

// handleMatrixMembership tracks membership rows and accepts invites for the
// bot, turning the inviting room into an admin room.
func (r *Router) handleMatrixMembership(ctx context.Context, ev Event) error {
	switch ev.Membership {
	case "invite":
		if ev.Target != r.botUserID {
			return nil
		}
		return r.acceptAdminInvite(ctx, ev)
	case "join":
		room, err := r.store.FindRoomByMatrixID(ctx, ev.RoomID)
		if err != nil || room == nil {
			return nil
		}
		return r.store.AddMembership(ctx, ev.Target, ev.RoomID)
	case "leave", "ban":
		room, err := r.store.FindRoomByMatrixID(ctx, ev.RoomID)
		if err != nil || room == nil {
			return nil
		}
		members, err := r.store.ListMemberships(ctx, ev.RoomID)
		if err != nil {
			return errors.Wrap(err, "failed to list memberships")
		}
		for _, member := range members {
			if member.MatrixUserID != ev.Target {
				continue
			}
			// A set left_at means a teardown issued this leave itself and
			// still owes the forget; the row carries that state until the
			// forget succeeds.
			if member.LeftAt != nil {
				return nil
			}
			return r.store.RemoveMembership(ctx, ev.Target, ev.RoomID)
		}
		return nil
	default:
		return nil
	}
}

func (r *Router) acceptAdminInvite(ctx context.Context, ev Event) error {
	if err := r.matrix.JoinRoom(ctx, ev.RoomID, r.botUserID); err != nil {
		if matrix.IsTransient(err) {
			return TransientError(err, "Could not accept the invite.")
		}
		// A rejected or stale invite is not worth retrying.
		r.log.Warn().Err(err).Stringer("room", ev.RoomID).Msg("Could not join invited room")
		return nil
	}

	room, created, err := r.store.CreateRoom(ctx, store.CreateRoomParams{
		MatrixRoomID: ev.RoomID,
		DisplayName:  "Admin Room",
		IsAdminRoom:  true,
		State:        store.RoomStateUnbridged,
	})
	if err != nil {
		return errors.Wrap(err, "failed to create admin room row")
	}
	if err := r.store.AddMembership(ctx, r.botUserID, ev.RoomID); err != nil {
		return errors.Wrap(err, "failed to record bot membership")
	}
	if err := r.store.AddMembership(ctx, ev.Sender, ev.RoomID); err != nil {
		return errors.Wrap(err, "failed to record inviter membership")
	}

	if created {
		if _, err := r.matrix.SendMessage(ctx, ev.RoomID, "", welcomeText); err != nil {
			return TransientError(err, "Could not post the welcome message.")
		}
		r.log.Info().Stringer("room", room.MatrixRoomID).Stringer("inviter", ev.Sender).Msg("Created admin room")
	}
	return nil
}
