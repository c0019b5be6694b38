// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/config"
	"github.com/aiku/matrix-hookbridge/pkg/webhooks"
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
	Content  any
}

type fakeMatrix struct {
	mu          sync.Mutex
	botUserID   id.UserID
	roomState   map[id.RoomID]mautrix.RoomStateMap
	accountData map[string]json.RawMessage
	stateSent   []sentState
	stateErr    error
	leftRooms   []id.RoomID
	invited     []id.UserID
	created     []*mautrix.ReqCreateRoom
	nextRoomID  int
}

func newFakeMatrix() *fakeMatrix {
	return &fakeMatrix{
		botUserID:   id.UserID("@hookbridge:example.com"),
		roomState:   map[id.RoomID]mautrix.RoomStateMap{},
		accountData: map[string]json.RawMessage{},
	}
}

func (f *fakeMatrix) BotUserID() id.UserID { return f.botUserID }

func (f *fakeMatrix) JoinedRooms(context.Context) ([]id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rooms []id.RoomID
	for roomID := range f.roomState {
		rooms = append(rooms, roomID)
	}
	return rooms, nil
}

func (f *fakeMatrix) RoomState(_ context.Context, roomID id.RoomID) (mautrix.RoomStateMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.roomState[roomID]
	if !ok {
		return mautrix.RoomStateMap{}, nil
	}
	return state, nil
}

func (f *fakeMatrix) SendStateEvent(_ context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stateErr != nil {
		return f.stateErr
	}
	f.stateSent = append(f.stateSent, sentState{RoomID: roomID, Type: evtType, StateKey: stateKey, Content: content})
	return nil
}

func accountDataKey(roomID id.RoomID, eventType string) string {
	return string(roomID) + "/" + eventType
}

func (f *fakeMatrix) RoomAccountData(_ context.Context, roomID id.RoomID, eventType string, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, ok := f.accountData[accountDataKey(roomID, eventType)]
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
	f.accountData[accountDataKey(roomID, eventType)] = raw
	return nil
}

func (f *fakeMatrix) LeaveRoom(_ context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leftRooms = append(f.leftRooms, roomID)
	return nil
}

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
	roomID := id.RoomID(fmt.Sprintf("!created-%d:example.com", f.nextRoomID))
	f.roomState[roomID] = mautrix.RoomStateMap{}
	return roomID, nil
}

// putState installs a raw-content state event into a fake room.
func (f *fakeMatrix) putState(roomID id.RoomID, evtType event.Type, stateKey string, content map[string]any) *event.Event {
	key := stateKey
	evt := &event.Event{
		Type:     evtType,
		RoomID:   roomID,
		StateKey: &key,
		Content:  event.Content{Raw: content},
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.roomState[roomID]
	if !ok {
		state = mautrix.RoomStateMap{}
		f.roomState[roomID] = state
	}
	byKey, ok := state[evtType]
	if !ok {
		byKey = map[string]*event.Event{}
		state[evtType] = byKey
	}
	byKey[stateKey] = evt
	return evt
}

type fakeGithub struct {
	mu       sync.Mutex
	issues   map[string]*webhooks.GithubIssue
	comments []string
	err      error
}

func issueKey(owner, repo string, number int) string {
	return fmt.Sprintf("%s/%s#%d", owner, repo, number)
}

func (f *fakeGithub) GetIssue(_ context.Context, owner, repo string, number int) (*webhooks.GithubIssue, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	issue, ok := f.issues[issueKey(owner, repo, number)]
	if !ok {
		return nil, fmt.Errorf("issue not found")
	}
	return issue, nil
}

func (f *fakeGithub) CreateIssueComment(_ context.Context, owner, repo string, number int, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.comments = append(f.comments, issueKey(owner, repo, number)+": "+body)
	return nil
}

// testDeps builds a Deps with every integration enabled and fakes wired in.
func testDeps() (Deps, *fakeMatrix, *fakeMessenger, *fakeGithub) {
	matrix := newFakeMatrix()
	messenger := &fakeMessenger{}
	github := &fakeGithub{issues: map[string]*webhooks.GithubIssue{
		issueKey("octo", "demo", 5): {Number: 5, Title: "Flaky test", State: "open"},
	}}
	cfg := &config.BridgeConfig{
		Github: &config.GithubConfig{UserIDPrefix: "_github_"},
		Gitlab: &config.GitlabConfig{
			Instances:    map[string]config.GitlabInstance{"gitlab.com": {URL: "https://gitlab.com"}},
			UserIDPrefix: "_gitlab_",
		},
		Jira:    &config.JiraConfig{},
		Generic: &config.GenericConfig{Enabled: true, URLPrefix: "https://hooks.example.com/webhook"},
	}
	deps := Deps{
		Matrix:    matrix,
		Messenger: messenger,
		Config:    cfg,
		Github:    github,
		Log:       zerolog.Nop(),
	}
	return deps, matrix, messenger, github
}
