// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/matrix"
	"github.com/aiku/matrix-rocketchat/pkg/rocketchat"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

// VirtualUserManager provisions ghost Matrix identities for Rocket.Chat users
// and maintains the credentials and echo counters of all identity bindings.
type VirtualUserManager struct {
	store  store.Store
	matrix matrix.API
	prefix string
	domain string
	log    zerolog.Logger
}

// NewVirtualUserManager creates a manager issuing ghost localparts of the form
// <prefix>_<serverID>_<rocketchatUserID> on the given homeserver domain.
func NewVirtualUserManager(st store.Store, mx matrix.API, prefix, domain string, log zerolog.Logger) *VirtualUserManager {
	return &VirtualUserManager{
		store:  st,
		matrix: mx,
		prefix: prefix,
		domain: domain,
		log:    log.With().Str("component", "virtual-users").Logger(),
	}
}

// GhostUserID is the deterministic Matrix id of the ghost representing a
// Rocket.Chat user.
func (m *VirtualUserManager) GhostUserID(serverID, rcUserID string) id.UserID {
	return id.NewUserID(m.ghostLocalpart(serverID, rcUserID), m.domain)
}

func (m *VirtualUserManager) ghostLocalpart(serverID, rcUserID string) string {
	return strings.ToLower(fmt.Sprintf("%s_%s_%s", m.prefix, serverID, rcUserID))
}

// IsGhost reports whether userID is one of this bridge's ghost users.
func (m *VirtualUserManager) IsGhost(userID id.UserID) bool {
	return strings.HasPrefix(string(userID), "@"+m.prefix+"_") &&
		strings.HasSuffix(string(userID), ":"+m.domain)
}

// EnsureVirtualUser returns the ghost identity bound to a Rocket.Chat user,
// creating both the binding row and the Matrix account on first sight.
// Concurrent callers for the same remote user converge on one row; the ghost
// token is bridge-issued, never obtained through the remote login flow.
func (m *VirtualUserManager) EnsureVirtualUser(ctx context.Context, serverID, rcUserID, rcUsername string) (store.Binding, id.UserID, error) {
	ghostID := m.GhostUserID(serverID, rcUserID)

	binding, created, err := m.store.UpsertBinding(ctx, store.UpsertBindingParams{
		MatrixUserID:       ghostID,
		RocketchatServerID: serverID,
		RocketchatUserID:   rcUserID,
		RocketchatToken:    random.String(32),
		RocketchatUsername: rcUsername,
		IsVirtualUser:      true,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.Binding{}, "", ConflictError("Rocket.Chat user %s is already bound to another Matrix user", rcUserID)
		}
		return store.Binding{}, "", errors.Wrap(err, "failed to upsert virtual user binding")
	}

	if created {
		if err := m.matrix.RegisterUser(ctx, m.ghostLocalpart(serverID, rcUserID)); err != nil {
			return store.Binding{}, "", TransientError(err, "Could not register the virtual user on the homeserver.")
		}
		if rcUsername != "" {
			if err := m.matrix.SetDisplayName(ctx, ghostID, rcUsername); err != nil {
				// Cosmetic only, the binding is already usable.
				m.log.Warn().Err(err).Stringer("ghost", ghostID).Msg("Failed to set ghost display name")
			}
		}
		m.log.Info().Stringer("ghost", ghostID).Str("rc_user_id", rcUserID).Msg("Provisioned virtual user")
	}

	return binding, ghostID, nil
}

// LinkAccount performs the login exchange for a real Matrix user who wants to
// act on a Rocket.Chat server as themselves, and persists the resulting
// credential on their binding.
func (m *VirtualUserManager) LinkAccount(ctx context.Context, rc rocketchat.API, userID id.UserID, serverID, username, password string) error {
	if _, _, err := m.store.UpsertBinding(ctx, store.UpsertBindingParams{
		MatrixUserID:       userID,
		RocketchatServerID: serverID,
	}); err != nil {
		return errors.Wrap(err, "failed to upsert user binding")
	}

	creds, err := rc.Login(ctx, username, password)
	if err != nil {
		if rocketchat.IsUnauthorized(err) {
			return ValidationError("Authentication failed, please check your username and password.")
		}
		return TransientError(err, "Could not reach the Rocket.Chat server to log in.")
	}

	// The server reports the canonical username; the typed one may differ in
	// case or alias.
	canonical, err := rc.Me(ctx, creds)
	if err != nil {
		return TransientError(err, "Could not verify the login with the Rocket.Chat server.")
	}
	if canonical == "" {
		canonical = username
	}

	err = m.store.SetBindingCredentials(ctx, userID, serverID, creds.UserID, creds.AuthToken, canonical)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return ConflictError("This Rocket.Chat account is already linked to another Matrix user.")
		}
		return errors.Wrap(err, "failed to persist credentials")
	}

	m.log.Info().Stringer("user", userID).Str("server", serverID).Msg("Linked Rocket.Chat account")
	return nil
}

// IsEcho reports whether an inbound Rocket.Chat message with the given
// timestamp was posted by the bridge itself as binding's identity and is now
// being echoed back through the server's event feed.
func (m *VirtualUserManager) IsEcho(binding *store.Binding, timestamp int64) bool {
	return timestamp != 0 && timestamp <= binding.LastMessageSent
}

// RecordSent advances the echo counter after the bridge posted a message to
// Rocket.Chat as the given identity.
func (m *VirtualUserManager) RecordSent(ctx context.Context, userID id.UserID, serverID string, timestamp int64) error {
	return m.store.SetLastMessageSent(ctx, userID, serverID, timestamp)
}
