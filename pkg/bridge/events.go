// Copyright 2024-2026 Aiku AI

// Package bridge is the core of the Matrix to Rocket.Chat bridge: the room
// lifecycle state machine, the virtual user manager, the admin command
// interpreter, the message relay and the event router that ties them
// together. All durable state lives in the store; the components here are
// stateless request handlers over it.
package bridge

import (
	"maunium.net/go/mautrix/id"
)

// EventKind classifies a normalized inbound event.
type EventKind string

const (
	EventMessage    EventKind = "message"
	EventMembership EventKind = "membership"
	EventRoomMeta   EventKind = "room_meta"
)

// EventSource names the transport an event arrived on.
type EventSource string

const (
	SourceMatrix     EventSource = "matrix"
	SourceRocketchat EventSource = "rocketchat"
)

// Event is the common shape both inbound transports normalize into before the
// router sees anything. DeliveryID identifies the transport delivery for
// dedup; re-deliveries carry the same id.
type Event struct {
	Kind       EventKind
	Source     EventSource
	DeliveryID string

	// Matrix-side references.
	RoomID id.RoomID
	Sender id.UserID

	// Rocket.Chat-side references, set for SourceRocketchat events.
	ServerID           string
	RocketchatRoomID   string
	RocketchatUserID   string
	RocketchatUsername string

	// Membership holds the new membership value for EventMembership events
	// ("invite", "join", "leave"), Target the user it applies to.
	Membership string
	Target     id.UserID

	Body      string
	Timestamp int64
}
