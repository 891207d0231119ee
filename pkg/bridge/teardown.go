// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"

	"github.com/pkg/errors"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/matrix"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

// StepOutcome is the per-step result of a teardown. The caller decides retry
// versus abort from it without hidden control flow.
type StepOutcome int

const (
	StepSuccess StepOutcome = iota
	StepRetryableFailure
	StepFatalInconsistency
)

func (o StepOutcome) String() string {
	switch o {
	case StepSuccess:
		return "success"
	case StepRetryableFailure:
		return "retryable_failure"
	case StepFatalInconsistency:
		return "fatal_inconsistency"
	default:
		return "unknown"
	}
}

// MemberResult is the outcome of the leave/forget sequence for one identity
// in the room being torn down.
type MemberResult struct {
	UserID  id.UserID
	Outcome StepOutcome
	Err     error
}

// TeardownReport summarizes one teardown run.
type TeardownReport struct {
	AliasDeleted bool
	Members      []MemberResult
}

// Failed reports whether any member pair needs a retry.
func (r *TeardownReport) Failed() bool {
	for _, m := range r.Members {
		if m.Outcome != StepSuccess {
			return true
		}
	}
	return false
}

// Teardown removes the native-side footprint of a bridged room: the alias,
// then every bridge-owned membership via leave and forget. Destructive steps
// only run after the join sanity check passes; a stale alias on a room the
// bot is not joined to is an unrecoverable inconsistency and aborts the whole
// procedure before any delete. Partial completion is recorded in the store so
// a re-run resumes at the right step per identity.
func (l *Lifecycle) Teardown(ctx context.Context, room *store.Room) (*TeardownReport, error) {
	report := &TeardownReport{}
	alias := l.ChannelAlias(room.RocketchatServerID, room.RocketchatRoomID)

	aliasRoomID, err := l.matrix.ResolveAlias(ctx, alias)
	aliasExists := err == nil
	if err != nil && !matrix.IsNotFound(err) {
		return nil, TransientError(err, "Could not query the room alias.")
	}

	if aliasExists {
		joined, err := l.matrix.JoinedRooms(ctx)
		if err != nil {
			return nil, TransientError(err, "Could not query the bot's joined rooms.")
		}
		botJoined := false
		for _, joinedID := range joined {
			if joinedID == aliasRoomID {
				botJoined = true
				break
			}
		}
		if !botJoined {
			l.log.Error().
				Stringer("room", room.MatrixRoomID).
				Stringer("alias", alias).
				Msg("Alias points at a room the bot is not joined to, aborting teardown")
			return nil, FatalError(nil,
				"The alias %s still exists but the bridge is not joined to its room. This needs manual cleanup, no changes were made.", alias)
		}

		if err := l.matrix.DeleteAlias(ctx, alias); err != nil {
			return nil, TransientError(err, "Could not delete the room alias.")
		}
		// The delete must be observable before membership cleanup starts.
		if _, err := l.matrix.ResolveAlias(ctx, alias); !matrix.IsNotFound(err) {
			if err == nil {
				return nil, FatalError(nil, "The alias %s is still resolvable after deletion, aborting the teardown.", alias)
			}
			return nil, TransientError(err, "Could not verify the alias deletion.")
		}
	}
	report.AliasDeleted = true

	members, err := l.store.ListMemberships(ctx, room.MatrixRoomID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list memberships")
	}

	for _, member := range members {
		// Only bridge-owned identities are left and forgotten. Real Matrix
		// users manage their own membership; the appservice token cannot act
		// for them anyway.
		if member.MatrixUserID != l.botUserID && !l.ghosts.IsGhost(member.MatrixUserID) {
			continue
		}
		result := MemberResult{UserID: member.MatrixUserID, Outcome: StepSuccess}

		// A recorded left_at means the leave already succeeded on an earlier
		// run; only the forget is still pending.
		if member.LeftAt == nil {
			err := l.matrix.LeaveRoom(ctx, room.MatrixRoomID, member.MatrixUserID)
			if err != nil && !matrix.IsNotFound(err) {
				l.log.Warn().Err(err).Stringer("user", member.MatrixUserID).Stringer("room", room.MatrixRoomID).Msg("Leave failed during teardown")
				result.Outcome = StepRetryableFailure
				result.Err = err
				report.Members = append(report.Members, result)
				continue
			}
			if err := l.store.MarkMembershipLeft(ctx, member.MatrixUserID, room.MatrixRoomID); err != nil {
				result.Outcome = StepRetryableFailure
				result.Err = err
				report.Members = append(report.Members, result)
				continue
			}
		}

		err := l.matrix.ForgetRoom(ctx, room.MatrixRoomID, member.MatrixUserID)
		if err != nil && !matrix.IsNotFound(err) {
			l.log.Warn().Err(err).Stringer("user", member.MatrixUserID).Stringer("room", room.MatrixRoomID).Msg("Forget failed during teardown")
			result.Outcome = StepRetryableFailure
			result.Err = err
			report.Members = append(report.Members, result)
			continue
		}
		if err := l.store.RemoveMembership(ctx, member.MatrixUserID, room.MatrixRoomID); err != nil {
			result.Outcome = StepRetryableFailure
			result.Err = err
		}
		report.Members = append(report.Members, result)
	}

	return report, nil
}
