// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"strings"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/store"
)

// TestDispatch_DeduplicatesDeliveries verifies that an exact re-delivery
// never reaches a stateful component.
func TestDispatch_DeduplicatesDeliveries(t *testing.T) {
	t.Parallel()
	tb := newTestBridge()
	ctx := context.Background()
	tb.connectAndLogin(t, adminRoomID, adminUserID)

	ev := Event{
		Kind:       EventMessage,
		Source:     SourceMatrix,
		DeliveryID: "txn1/0",
		RoomID:     adminRoomID,
		Sender:     adminUserID,
		Body:       "help",
	}
	for i := 0; i < 3; i++ {
		if err := tb.router.Dispatch(ctx, ev); err != nil {
			t.Fatalf("dispatch %d failed: %v", i, err)
		}
	}

	replies := 0
	for _, msg := range tb.mx.sent {
		if msg.RoomID == adminRoomID && msg.Sender == "" {
			replies++
		}
	}
	if replies != 1 {
		t.Errorf("expected one help reply for three deliveries, got %d", replies)
	}
}

// TestDispatch_BotInviteCreatesAdminRoom verifies that inviting the bot
// creates the admin room row and posts the welcome instructions.
func TestDispatch_BotInviteCreatesAdminRoom(t *testing.T) {
	t.Parallel()
	tb := newTestBridge()
	ctx := context.Background()
	roomID := id.RoomID("!newadmin:" + testDomain)
	inviter := id.UserID("@alice:" + testDomain)

	ev := Event{
		Kind:       EventMembership,
		Source:     SourceMatrix,
		DeliveryID: "txn2/0",
		RoomID:     roomID,
		Sender:     inviter,
		Target:     testBotID,
		Membership: "invite",
	}
	if err := tb.router.Dispatch(ctx, ev); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	room, err := tb.store.FindRoomByMatrixID(ctx, roomID)
	if err != nil {
		t.Fatalf("admin room row missing: %v", err)
	}
	if !room.IsAdminRoom || room.State != store.RoomStateUnbridged {
		t.Errorf("unexpected admin room row: %+v", room)
	}
	if !tb.mx.joined[roomID][testBotID] {
		t.Error("bot did not join the room")
	}
	found := false
	for _, msg := range tb.mx.sent {
		if msg.RoomID == roomID && strings.Contains(msg.Body, "connect") {
			found = true
		}
	}
	if !found {
		t.Error("welcome message was not posted")
	}
}

// TestDispatch_InviteForOtherUserIgnored verifies that invites not aimed at
// the bot do not create rooms.
func TestDispatch_InviteForOtherUserIgnored(t *testing.T) {
	t.Parallel()
	tb := newTestBridge()
	ctx := context.Background()
	roomID := id.RoomID("!other:" + testDomain)

	ev := Event{
		Kind:       EventMembership,
		Source:     SourceMatrix,
		RoomID:     roomID,
		Sender:     id.UserID("@alice:" + testDomain),
		Target:     id.UserID("@bob:" + testDomain),
		Membership: "invite",
	}
	if err := tb.router.Dispatch(ctx, ev); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if _, err := tb.store.FindRoomByMatrixID(ctx, roomID); err == nil {
		t.Error("a room row was created for a foreign invite")
	}
}

// TestDispatch_MembershipTracking verifies that joins and leaves of managed
// rooms maintain membership rows.
func TestDispatch_MembershipTracking(t *testing.T) {
	t.Parallel()
	tb := newTestBridge()
	ctx := context.Background()
	tb.connectAndLogin(t, adminRoomID, adminUserID)
	member := id.UserID("@carol:" + testDomain)

	join := Event{
		Kind:       EventMembership,
		Source:     SourceMatrix,
		RoomID:     adminRoomID,
		Sender:     member,
		Target:     member,
		Membership: "join",
	}
	if err := tb.router.Dispatch(ctx, join); err != nil {
		t.Fatalf("join dispatch failed: %v", err)
	}
	if !hasMember(t, tb, adminRoomID, member) {
		t.Fatal("join was not recorded")
	}

	leave := join
	leave.Membership = "leave"
	if err := tb.router.Dispatch(ctx, leave); err != nil {
		t.Fatalf("leave dispatch failed: %v", err)
	}
	if hasMember(t, tb, adminRoomID, member) {
		t.Fatal("leave was not recorded")
	}
}

// TestDispatch_LeaveEchoKeepsPendingForget verifies that the homeserver's
// echo of a teardown leave does not erase the record of the still-pending
// forget, so a teardown re-run finishes the cleanup.
func TestDispatch_LeaveEchoKeepsPendingForget(t *testing.T) {
	t.Parallel()
	tb := newTestBridge()
	ctx := context.Background()
	room, ghostID := bridgeGeneral(t, tb)

	tb.mx.failForget[ghostID] = errors.New("forget exploded")
	report, err := tb.lifecycle.Teardown(ctx, room)
	if err != nil {
		t.Fatalf("teardown errored: %v", err)
	}
	if !report.Failed() {
		t.Fatal("expected a failed member pair in the report")
	}

	leaveEcho := Event{
		Kind:       EventMembership,
		Source:     SourceMatrix,
		RoomID:     room.MatrixRoomID,
		Sender:     ghostID,
		Target:     ghostID,
		Membership: "leave",
	}
	if err := tb.router.Dispatch(ctx, leaveEcho); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	members, _ := tb.store.ListMemberships(ctx, room.MatrixRoomID)
	found := false
	for _, member := range members {
		if member.MatrixUserID == ghostID {
			found = true
			if member.LeftAt == nil {
				t.Error("left marker was cleared by the leave echo")
			}
		}
	}
	if !found {
		t.Fatal("leave echo removed the membership row with a pending forget")
	}

	delete(tb.mx.failForget, ghostID)
	report, err = tb.lifecycle.Teardown(ctx, room)
	if err != nil {
		t.Fatalf("second teardown errored: %v", err)
	}
	if report.Failed() {
		t.Fatalf("expected clean report, got %+v", report.Members)
	}
	members, _ = tb.store.ListMemberships(ctx, room.MatrixRoomID)
	if len(members) != 0 {
		t.Errorf("expected all memberships removed, got %d", len(members))
	}
}

// TestDispatch_WebhookMessage verifies the Rocket.Chat path end to end
// through the router.
func TestDispatch_WebhookMessage(t *testing.T) {
	t.Parallel()
	tb := newTestBridge()
	ctx := context.Background()
	room, _ := bridgeGeneral(t, tb)

	ev := rocketchatMessage("rc_dave", "dave", "via router", 7000)
	ev.DeliveryID = "rcmsg1"
	if err := tb.router.Dispatch(ctx, ev); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	delivered := false
	for _, msg := range tb.mx.sent {
		if msg.RoomID == room.MatrixRoomID && msg.Body == "via router" {
			delivered = true
		}
	}
	if !delivered {
		t.Error("webhook message did not reach the Matrix room")
	}
}

func hasMember(t *testing.T, tb *testBridge, roomID id.RoomID, userID id.UserID) bool {
	t.Helper()
	members, err := tb.store.ListMemberships(context.Background(), roomID)
	if err != nil {
		t.Fatalf("failed to list memberships: %v", err)
	}
	for _, member := range members {
		if member.MatrixUserID == userID {
			return true
		}
	}
	return false
}
