// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"sync"
	"time"

	"maunium.net/go/mautrix/id"
)

// MemoryStore is an in-memory Store used in tests and single-process setups.
// It enforces the same insert-or-get and uniqueness semantics as the Postgres
// implementation.
type MemoryStore struct {
	mu          sync.Mutex
	rooms       map[id.RoomID]*Room
	servers     map[string]*Server
	bindings    map[bindingKey]*Binding
	memberships map[membershipKey]*Membership
	deliveries  map[deliveryKey]struct{}
}

type bindingKey struct {
	userID   id.UserID
	serverID string
}

type membershipKey struct {
	userID id.UserID
	roomID id.RoomID
}

type deliveryKey struct {
	source     string
	deliveryID string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:       make(map[id.RoomID]*Room),
		servers:     make(map[string]*Server),
		bindings:    make(map[bindingKey]*Binding),
		memberships: make(map[membershipKey]*Membership),
		deliveries:  make(map[deliveryKey]struct{}),
	}
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) CreateRoom(_ context.Context, params CreateRoomParams) (Room, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.rooms[params.MatrixRoomID]; ok {
		return *existing, false, nil
	}
	now := time.Now().UTC()
	room := &Room{
		MatrixRoomID:       params.MatrixRoomID,
		DisplayName:        params.DisplayName,
		RocketchatServerID: params.RocketchatServerID,
		IsAdminRoom:        params.IsAdminRoom,
		State:              params.State,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.rooms[params.MatrixRoomID] = room
	return *room, true, nil
}

func (s *MemoryStore) FindRoomByMatrixID(_ context.Context, roomID id.RoomID) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *room
	return &copied, nil
}

func (s *MemoryStore) FindRoomByRocketchatRoom(_ context.Context, serverID, rcRoomID string) (*Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, room := range s.rooms {
		if room.RocketchatServerID == serverID && room.RocketchatRoomID == rcRoomID && rcRoomID != "" {
			copied := *room
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetRoomState(_ context.Context, roomID id.RoomID, state RoomState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.State = state
	room.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetRoomServer(_ context.Context, roomID id.RoomID, serverID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	room.RocketchatServerID = serverID
	room.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetRoomBridged(_ context.Context, roomID id.RoomID, rcRoomID string, bridged bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	if rcRoomID != "" {
		for otherID, other := range s.rooms {
			if otherID != roomID && other.RocketchatServerID == room.RocketchatServerID && other.RocketchatRoomID == rcRoomID {
				return ErrConflict
			}
		}
		if room.IsAdminRoom {
			return ErrConflict
		}
	}
	room.RocketchatRoomID = rcRoomID
	room.IsBridged = bridged
	room.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListBridgedRooms(_ context.Context, serverID string) ([]Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []Room
	for _, room := range s.rooms {
		if room.RocketchatServerID == serverID && room.IsBridged {
			result = append(result, *room)
		}
	}
	return result, nil
}

func (s *MemoryStore) CreateServer(_ context.Context, params CreateServerParams) (Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.servers[params.ID]; ok {
		return Server{}, ErrConflict
	}
	for _, server := range s.servers {
		if server.URL == params.URL {
			return Server{}, ErrConflict
		}
		if params.Token != "" && server.Token == params.Token {
			return Server{}, ErrConflict
		}
	}
	server := &Server{
		ID:        params.ID,
		URL:       params.URL,
		Token:     params.Token,
		CreatedAt: time.Now().UTC(),
	}
	s.servers[params.ID] = server
	return *server, nil
}

func (s *MemoryStore) FindServerByID(_ context.Context, serverID string) (*Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	server, ok := s.servers[serverID]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *server
	return &copied, nil
}

func (s *MemoryStore) FindServerByURL(_ context.Context, url string) (*Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, server := range s.servers {
		if server.URL == url {
			copied := *server
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) FindServerByToken(_ context.Context, token string) (*Server, error) {
	if token == "" {
		return nil, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, server := range s.servers {
		if server.Token == token {
			copied := *server
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListServers(_ context.Context) ([]Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var servers []Server
	for _, server := range s.servers {
		servers = append(servers, *server)
	}
	return servers, nil
}

func (s *MemoryStore) UpsertBinding(_ context.Context, params UpsertBindingParams) (Binding, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := bindingKey{userID: params.MatrixUserID, serverID: params.RocketchatServerID}
	if existing, ok := s.bindings[key]; ok {
		return *existing, false, nil
	}
	if params.RocketchatUserID != "" {
		for _, other := range s.bindings {
			if other.RocketchatServerID == params.RocketchatServerID && other.RocketchatUserID == params.RocketchatUserID {
				return Binding{}, false, ErrConflict
			}
		}
	}
	now := time.Now().UTC()
	binding := &Binding{
		MatrixUserID:       params.MatrixUserID,
		RocketchatServerID: params.RocketchatServerID,
		RocketchatUserID:   params.RocketchatUserID,
		RocketchatToken:    params.RocketchatToken,
		RocketchatUsername: params.RocketchatUsername,
		IsVirtualUser:      params.IsVirtualUser,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	s.bindings[key] = binding
	return *binding, true, nil
}

func (s *MemoryStore) FindBinding(_ context.Context, userID id.UserID, serverID string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.bindings[bindingKey{userID: userID, serverID: serverID}]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *binding
	return &copied, nil
}

func (s *MemoryStore) FindBindingByRocketchatUserID(_ context.Context, serverID, rcUserID string) (*Binding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, binding := range s.bindings {
		if binding.RocketchatServerID == serverID && binding.RocketchatUserID == rcUserID && rcUserID != "" {
			copied := *binding
			return &copied, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SetBindingCredentials(_ context.Context, userID id.UserID, serverID, rcUserID, token, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.bindings[bindingKey{userID: userID, serverID: serverID}]
	if !ok {
		return ErrNotFound
	}
	if rcUserID != "" {
		for key, other := range s.bindings {
			if key.userID != userID && other.RocketchatServerID == serverID && other.RocketchatUserID == rcUserID {
				return ErrConflict
			}
		}
	}
	binding.RocketchatUserID = rcUserID
	binding.RocketchatToken = token
	binding.RocketchatUsername = username
	binding.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetLastMessageSent(_ context.Context, userID id.UserID, serverID string, sent int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	binding, ok := s.bindings[bindingKey{userID: userID, serverID: serverID}]
	if !ok {
		return ErrNotFound
	}
	if binding.LastMessageSent < sent {
		binding.LastMessageSent = sent
		binding.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) AddMembership(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := membershipKey{userID: userID, roomID: roomID}
	if existing, ok := s.memberships[key]; ok {
		existing.LeftAt = nil
		return nil
	}
	s.memberships[key] = &Membership{
		MatrixUserID: userID,
		MatrixRoomID: roomID,
		CreatedAt:    time.Now().UTC(),
	}
	return nil
}

func (s *MemoryStore) MarkMembershipLeft(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	member, ok := s.memberships[membershipKey{userID: userID, roomID: roomID}]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	member.LeftAt = &now
	return nil
}

func (s *MemoryStore) RemoveMembership(_ context.Context, userID id.UserID, roomID id.RoomID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.memberships, membershipKey{userID: userID, roomID: roomID})
	return nil
}

func (s *MemoryStore) ListMemberships(_ context.Context, roomID id.RoomID) ([]Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var members []Membership
	for _, member := range s.memberships {
		if member.MatrixRoomID == roomID {
			copied := *member
			if member.LeftAt != nil {
				t := *member.LeftAt
				copied.LeftAt = &t
			}
			members = append(members, copied)
		}
	}
	return members, nil
}

func (s *MemoryStore) MarkDelivery(_ context.Context, source, deliveryID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := deliveryKey{source: source, deliveryID: deliveryID}
	if _, ok := s.deliveries[key]; ok {
		return false, nil
	}
	s.deliveries[key] = struct{}{}
	return true, nil
}
