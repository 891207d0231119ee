// Copyright 2024-2026 Aiku AI

// Package store is the durable source of truth for room mappings, Rocket.Chat
// server registrations, user bindings and bridge-observed memberships. All
// mapping state lives here; no other component keeps its own copy beyond a
// per-request read.
package store

import (
	"context"
	"errors"
	"time"

	"maunium.net/go/mautrix/id"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a write would violate a mapping
	// uniqueness constraint.
	ErrConflict = errors.New("store: mapping conflict")
)

// RoomState is the lifecycle state of a managed room.
type RoomState string

const (
	RoomStateUnbridged        RoomState = "unbridged"
	RoomStateAdminNegotiation RoomState = "admin_negotiation"
	RoomStateBridging         RoomState = "bridging"
	RoomStateBridged          RoomState = "bridged"
	RoomStateUnbridging       RoomState = "unbridging"
	RoomStateTornDown         RoomState = "torn_down"
)

// Room is a Matrix room managed by the bridge, either an admin room or a room
// bridged (or being bridged) to a Rocket.Chat channel. Rows are never deleted,
// only marked non-bridged, so alias and membership cleanup stays auditable.
type Room struct {
	MatrixRoomID       id.RoomID
	DisplayName        string
	RocketchatServerID string
	// RocketchatRoomID is empty until the room is bound to a channel.
	// Admin rooms never carry one.
	RocketchatRoomID string
	IsAdminRoom      bool
	IsBridged        bool
	State            RoomState
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Server is one Rocket.Chat deployment the bridge talks to.
type Server struct {
	ID        string
	URL       string
	Token     string
	CreatedAt time.Time
}

// Binding is a (Matrix user, Rocket.Chat server) identity binding. Virtual
// bindings are bridge-owned ghosts; non-virtual bindings belong to Matrix
// users who linked their own Rocket.Chat account.
type Binding struct {
	MatrixUserID       id.UserID
	RocketchatServerID string
	RocketchatUserID   string
	RocketchatToken    string
	RocketchatUsername string
	IsVirtualUser      bool
	// LastMessageSent is a monotonically increasing counter used for echo
	// suppression: it records the timestamp of the last message the bridge
	// posted to Rocket.Chat as this identity.
	LastMessageSent int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Membership records that the bridge believes a user is joined to a Matrix
// room. LeftAt is set once a teardown leave succeeded but the matching forget
// is still pending, so a re-run resumes at the right step.
type Membership struct {
	MatrixUserID id.UserID
	MatrixRoomID id.RoomID
	LeftAt       *time.Time
	CreatedAt    time.Time
}

// CreateRoomParams are the natural-key attributes of a new room row.
type CreateRoomParams struct {
	MatrixRoomID       id.RoomID
	DisplayName        string
	RocketchatServerID string
	IsAdminRoom        bool
	State              RoomState
}

// CreateServerParams are the attributes of a new server registration.
type CreateServerParams struct {
	ID    string
	URL   string
	Token string
}

// UpsertBindingParams identify and describe a binding for insert-or-get.
type UpsertBindingParams struct {
	MatrixUserID       id.UserID
	RocketchatServerID string
	RocketchatUserID   string
	RocketchatToken    string
	RocketchatUsername string
	IsVirtualUser      bool
}

// Store is the identity and mapping store contract. All writes are atomic and
// enforce the uniqueness invariants as constraints; callers racing to create
// the same row get insert-or-get semantics, never a surfaced duplicate-key
// failure.
type Store interface {
	// Rooms
	CreateRoom(ctx context.Context, params CreateRoomParams) (Room, bool, error)
	FindRoomByMatrixID(ctx context.Context, roomID id.RoomID) (*Room, error)
	FindRoomByRocketchatRoom(ctx context.Context, serverID, rcRoomID string) (*Room, error)
	SetRoomState(ctx context.Context, roomID id.RoomID, state RoomState) error
	SetRoomServer(ctx context.Context, roomID id.RoomID, serverID string) error
	// SetRoomBridged binds or unbinds a room to a Rocket.Chat channel.
	// Binding an already-bound channel to a different room returns
	// ErrConflict without mutating anything.
	SetRoomBridged(ctx context.Context, roomID id.RoomID, rcRoomID string, bridged bool) error
	ListBridgedRooms(ctx context.Context, serverID string) ([]Room, error)

	// Servers
	CreateServer(ctx context.Context, params CreateServerParams) (Server, error)
	FindServerByID(ctx context.Context, serverID string) (*Server, error)
	FindServerByURL(ctx context.Context, url string) (*Server, error)
	FindServerByToken(ctx context.Context, token string) (*Server, error)
	ListServers(ctx context.Context) ([]Server, error)

	// Bindings
	UpsertBinding(ctx context.Context, params UpsertBindingParams) (Binding, bool, error)
	FindBinding(ctx context.Context, userID id.UserID, serverID string) (*Binding, error)
	FindBindingByRocketchatUserID(ctx context.Context, serverID, rcUserID string) (*Binding, error)
	SetBindingCredentials(ctx context.Context, userID id.UserID, serverID, rcUserID, token, username string) error
	SetLastMessageSent(ctx context.Context, userID id.UserID, serverID string, sent int64) error

	// Memberships
	AddMembership(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	MarkMembershipLeft(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	RemoveMembership(ctx context.Context, userID id.UserID, roomID id.RoomID) error
	ListMemberships(ctx context.Context, roomID id.RoomID) ([]Membership, error)

	// MarkDelivery records an inbound delivery id and reports whether it was
	// seen for the first time. Duplicate deliveries return false.
	MarkDelivery(ctx context.Context, source, deliveryID string) (bool, error)

	Close() error
}
