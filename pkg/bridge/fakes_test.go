// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-rocketchat/pkg/matrix"
	"github.com/aiku/matrix-rocketchat/pkg/rocketchat"
	"github.com/aiku/matrix-rocketchat/pkg/store"
)

const (
	testDomain = "matrix.example"
	testPrefix = "rocketchat"
)

var testBotID = id.NewUserID(testPrefix, testDomain)

type sentMessage struct {
	RoomID id.RoomID
	Sender id.UserID
	Body   string
}

// fakeMatrix is an in-memory homeserver double implementing matrix.API.
type fakeMatrix struct {
	mu         sync.Mutex
	registered map[string]bool
	aliases    map[id.RoomAlias]id.RoomID
	joined     map[id.RoomID]map[id.UserID]bool
	sent       []sentMessage
	roomSeq    int

	failLeave   map[id.UserID]error
	failForget  map[id.UserID]error
	deleteCalls int
	leaveCalls  []id.UserID
}

var _ matrix.API = (*fakeMatrix)(nil)

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		registered: make(map[string]bool),
		aliases:    make(map[id.RoomAlias]id.RoomID),
		joined:     make(map[id.RoomID]map[id.UserID]bool),
		failLeave:  make(map[id.UserID]error),
		failForget: make(map[id.UserID]error),
	}
}

func notFoundErr() error {
	return &matrix.APIError{StatusCode: http.StatusNotFound, ErrCode: "M_NOT_FOUND"}
}

func (f *fakeMatrix) markJoined(roomID id.RoomID, userID id.UserID) {
	if f.joined[roomID] == nil {
		f.joined[roomID] = make(map[id.UserID]bool)
	}
	f.joined[roomID][userID] = true
}

func (f *fakeMatrix) CreateRoom(_ context.Context, name, aliasLocalpart string, creator id.UserID) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.roomSeq++
	roomID := id.RoomID(fmt.Sprintf("!room%d:%s", f.roomSeq, testDomain))
	if aliasLocalpart != "" {
		f.aliases[id.RoomAlias(fmt.Sprintf("#%s:%s", aliasLocalpart, testDomain))] = roomID
	}
	if creator != "" {
		f.markJoined(roomID, creator)
	}
	return roomID, nil
}

func (f *fakeMatrix) CreateAlias(_ context.Context, alias id.RoomAlias, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias] = roomID
	return nil
}

func (f *fakeMatrix) DeleteAlias(_ context.Context, alias id.RoomAlias) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	delete(f.aliases, alias)
	return nil
}

func (f *fakeMatrix) ResolveAlias(_ context.Context, alias id.RoomAlias) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	roomID, ok := f.aliases[alias]
	if !ok {
		return "", notFoundErr()
	}
	return roomID, nil
}

func (f *fakeMatrix) JoinRoom(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if userID == "" {
		userID = testBotID
	}
	f.markJoined(roomID, userID)
	return nil
}

func (f *fakeMatrix) InviteUser(_ context.Context, _ id.RoomID, _ id.UserID) error {
	return nil
}

func (f *fakeMatrix) LeaveRoom(_ context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaveCalls = append(f.leaveCalls, userID)
	if err := f.failLeave[userID]; err != nil {
		return err
	}
	delete(f.joined[roomID], userID)
	return nil
}

func (f *fakeMatrix) ForgetRoom(_ context.Context, _ id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failForget[userID]; err != nil {
		return err
	}
	return nil
}

func (f *fakeMatrix) RegisterUser(_ context.Context, localpart string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[localpart] = true
	return nil
}

func (f *fakeMatrix) SetDisplayName(_ context.Context, _ id.UserID, _ string) error {
	return nil
}

func (f *fakeMatrix) SendMessage(_ context.Context, roomID id.RoomID, sender id.UserID, body string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{RoomID: roomID, Sender: sender, Body: body})
	return id.EventID(fmt.Sprintf("$ev%d", len(f.sent))), nil
}

func (f *fakeMatrix) JoinedRooms(_ context.Context) ([]id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []id.RoomID
	for roomID, members := range f.joined {
		if members[testBotID] {
			rooms = append(rooms, roomID)
		}
	}
	return rooms, nil
}

type postedMessage struct {
	Channel string
	Text    string
	UserID  string
}

// fakeRocketchat is an in-memory Rocket.Chat double implementing
// rocketchat.API. One instance backs every base URL handed to its factory.
type fakeRocketchat struct {
	mu       sync.Mutex
	version  string
	channels []rocketchat.Channel
	accounts map[string]string
	posted   []postedMessage
	postTS   int64

	infoErr error
}

var _ rocketchat.API = (*fakeRocketchat)(nil)

func newFakeRocketchat() *fakeRocketchat {
	return &fakeRocketchat{
		version:  "7.0.0",
		accounts: map[string]string{"alice": "secret"},
		channels: []rocketchat.Channel{
			{ID: "general_id", Name: "general", Usernames: []string{"alice"}},
			{ID: "random_id", Name: "random"},
		},
		postTS: 1000,
	}
}

func (f *fakeRocketchat) factory() rocketchat.Factory {
	return func(string) rocketchat.API { return f }
}

func (f *fakeRocketchat) ServerInfo(_ context.Context) (string, error) {
	if f.infoErr != nil {
		return "", f.infoErr
	}
	return f.version, nil
}

func (f *fakeRocketchat) Login(_ context.Context, username, password string) (rocketchat.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.accounts[username] != password {
		return rocketchat.Credentials{}, &rocketchat.APIError{StatusCode: http.StatusUnauthorized, Message: "Unauthorized"}
	}
	return rocketchat.Credentials{UserID: username + "_rcid", AuthToken: "token-" + username}, nil
}

func (f *fakeRocketchat) Me(_ context.Context, creds rocketchat.Credentials) (string, error) {
	return strings.TrimSuffix(creds.UserID, "_rcid"), nil
}

func (f *fakeRocketchat) ChannelsList(_ context.Context, _ rocketchat.Credentials) ([]rocketchat.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]rocketchat.Channel(nil), f.channels...), nil
}

func (f *fakeRocketchat) JoinedChannels(_ context.Context, creds rocketchat.Credentials) ([]rocketchat.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	username := strings.TrimSuffix(creds.UserID, "_rcid")
	var joined []rocketchat.Channel
	for _, channel := range f.channels {
		for _, member := range channel.Usernames {
			if member == username {
				joined = append(joined, channel)
				break
			}
		}
	}
	return joined, nil
}

func (f *fakeRocketchat) PostMessage(_ context.Context, creds rocketchat.Credentials, channelName, text string) (rocketchat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.postTS++
	f.posted = append(f.posted, postedMessage{Channel: channelName, Text: text, UserID: creds.UserID})
	return rocketchat.Message{ID: fmt.Sprintf("msg%d", len(f.posted)), Timestamp: f.postTS}, nil
}

// testBridge bundles a fully wired bridge core over in-memory doubles.
type testBridge struct {
	store     *store.MemoryStore
	mx        *fakeMatrix
	rc        *fakeRocketchat
	ghosts    *VirtualUserManager
	lifecycle *Lifecycle
	commands  *CommandHandler
	relay     *Relay
	router    *Router
}

func newTestBridge() *testBridge {
	log := zerolog.Nop()
	st := store.NewMemoryStore()
	mx := newFakeMatrix()
	rc := newFakeRocketchat()
	ghosts := NewVirtualUserManager(st, mx, testPrefix, testDomain, log)
	lifecycle := NewLifecycle(st, mx, rc.factory(), ghosts, testPrefix, testDomain, testBotID, log)
	commands := NewCommandHandler(st, lifecycle, ghosts, rc.factory(), log)
	relay := NewRelay(st, rc.factory(), ghosts, testBotID, log)
	router := NewRouter(st, mx, commands, relay, testBotID, log)
	return &testBridge{
		store:     st,
		mx:        mx,
		rc:        rc,
		ghosts:    ghosts,
		lifecycle: lifecycle,
		commands:  commands,
		relay:     relay,
		router:    router,
	}
}

// connectAndLogin walks an admin room through connect and login so tests can
// start from a ready state.
func (tb *testBridge) connectAndLogin(t interface {
	Helper()
	Fatalf(format string, args ...any)
}, adminRoomID id.RoomID, sender id.UserID) *store.Room {
	t.Helper()
	ctx := context.Background()
	if _, _, err := tb.store.CreateRoom(ctx, store.CreateRoomParams{
		MatrixRoomID: adminRoomID,
		DisplayName:  "Admin Room",
		IsAdminRoom:  true,
		State:        store.RoomStateUnbridged,
	}); err != nil {
		t.Fatalf("failed to create admin room: %v", err)
	}

	if _, err := tb.lifecycle.ConnectServer(ctx, adminRoomID, sender, "https://rc.example", "webhook-token", "rc-example"); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	room, err := tb.store.FindRoomByMatrixID(ctx, adminRoomID)
	if err != nil {
		t.Fatalf("failed to load admin room: %v", err)
	}
	server, err := tb.store.FindServerByID(ctx, room.RocketchatServerID)
	if err != nil {
		t.Fatalf("failed to load server: %v", err)
	}
	if err := tb.ghosts.LinkAccount(ctx, tb.rc, sender, server.ID, "alice", "secret"); err != nil {
		t.Fatalf("login failed: %v", err)
	}
	return room
}
