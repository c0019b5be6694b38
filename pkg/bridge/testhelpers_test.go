// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/config"
	"github.com/aiku/matrix-hookbridge/pkg/connections"
	"github.com/aiku/matrix-hookbridge/pkg/msgqueue"
)

type sentMessage struct {
	RoomID  id.RoomID
	Content *event.MessageEventContent
	Sender  id.UserID
	Notice  string
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (f *fakeMessenger) SendMatrixMessage(_ context.Context, roomID id.RoomID, content *event.MessageEventContent, sender id.UserID) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{RoomID: roomID, Content: content, Sender: sender})
	return id.EventID(fmt.Sprintf("$fake-%d", len(f.sent))), nil
}

func (f *fakeMessenger) SendNotice(_ context.Context, roomID id.RoomID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMessage{RoomID: roomID, Notice: text})
	return nil
}

func (f *fakeMessenger) messages() []sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentMessage, len(f.sent))
	copy(out, f.sent)
	return out
}

type sentState struct {
	RoomID   id.RoomID
	Type     event.Type
	StateKey string
}

type fakeMatrix struct {
	mu          sync.Mutex
	stateSent   []sentState
	accountData map[string]json.RawMessage
	created     []*mautrix.ReqCreateRoom
	invited     []id.UserID
	nextRoomID  int
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{accountData: map[string]json.RawMessage{}}
}

func (f *fakeMatrix) BotUserID() id.UserID { return "@hookbridge:example.com" }

func (f *fakeMatrix) JoinedRooms(context.Context) ([]id.RoomID, error) { return nil, nil }

func (f *fakeMatrix) RoomState(context.Context, id.RoomID) (mautrix.RoomStateMap, error) {
	return mautrix.RoomStateMap{}, nil
}

func (f *fakeMatrix) SendStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, stateKey string, _ any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateSent = append(f.stateSent, sentState{RoomID: roomID, Type: evtType, StateKey: stateKey})
	return nil
}

func (f *fakeMatrix) RoomAccountData(_ context.Context, roomID id.RoomID, eventType string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.accountData[string(roomID)+"/"+eventType]
	if !ok {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (f *fakeMatrix) SetRoomAccountData(_ context.Context, roomID id.RoomID, eventType string, content any) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountData[string(roomID)+"/"+eventType] = raw
	return nil
}

func (f *fakeMatrix) LeaveRoom(context.Context, id.RoomID) error { return nil }

func (f *fakeMatrix) InviteUser(_ context.Context, _ id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invited = append(f.invited, userID)
	return nil
}

func (f *fakeMatrix) CreateRoom(_ context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	f.nextRoomID++
	return id.RoomID(fmt.Sprintf("!created-%d:example.com", f.nextRoomID)), nil
}

func (f *fakeMatrix) createdReqs() []*mautrix.ReqCreateRoom {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*mautrix.ReqCreateRoom, len(f.created))
	copy(out, f.created)
	return out
}

func (f *fakeMatrix) states() []sentState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentState, len(f.stateSent))
	copy(out, f.stateSent)
	return out
}

// waitFor polls cond until it holds, failing the test after two seconds.
// Dispatch fans out on background goroutines, so tests observe delivery
// asynchronously.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle gives in-flight fan-out goroutines time to finish before a test
// asserts that nothing more was delivered.
func settle() {
	time.Sleep(75 * time.Millisecond)
}

// newTestBridge assembles a bridge around fakes and the in-process queue,
// skipping the appservice entirely.
func newTestBridge() (*Bridge, *fakeMatrix, *fakeMessenger) {
	matrix := newFakeMatrix()
	messenger := &fakeMessenger{}
	cfg := &config.BridgeConfig{
		Bridge: config.BridgeSection{Domain: "example.com", URL: "http://localhost"},
		Github: &config.GithubConfig{UserIDPrefix: "_github_"},
		Gitlab: &config.GitlabConfig{
			Instances:    map[string]config.GitlabInstance{"gitlab.com": {URL: "https://gitlab.com"}},
			UserIDPrefix: "_gitlab_",
		},
		Jira:    &config.JiraConfig{},
		Generic: &config.GenericConfig{Enabled: true, URLPrefix: "https://hooks.example.com/webhook"},
	}
	log := zerolog.Nop()
	b := &Bridge{
		cfg:           cfg,
		log:           log,
		queue:         msgqueue.NewLocalMQ(log),
		matrix:        matrix,
		messenger:     messenger,
		adminRooms:    map[id.RoomID]*AdminRoom{},
		adminCommands: make(chan AdminCommand, 16),
	}
	b.conns = connections.NewConnectionManager(connections.Deps{
		Matrix:    matrix,
		Messenger: messenger,
		Config:    cfg,
		Log:       log,
	})
	b.ready.Store(true)
	return b, matrix, messenger
}

func queueMessage(t interface{ Fatalf(string, ...any) }, eventName string, data any) *msgqueue.Message {
	msg, err := msgqueue.NewMessage(eventName, "test", data)
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	return msg
}
