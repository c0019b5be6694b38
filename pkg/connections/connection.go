// Copyright 2024-2026 Aiku AI

// Package connections implements the bridge's connection model: the
// polymorphic units binding one Matrix room to one remote entity (a GitHub
// issue, repository, discussion or project, a GitLab repository or issue, a
// Jira project, or a generic webhook target), the registry that indexes live
// connections by their identity keys, and the factory that materializes
// connections from persisted room state.
package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/config"
	"github.com/aiku/matrix-hookbridge/pkg/webhooks"
)

// Connection binds a Matrix room to one remote entity. Concrete kinds add
// identity accessors and capability methods; routing code type-asserts
// against the capability interfaces below rather than concrete types.
type Connection interface {
	// ConnectionID is stable and unique within the registry; pushing a
	// connection with an already-registered id is a no-op.
	ConnectionID() string
	RoomID() id.RoomID
	// StateKey identifies the room-state event backing this connection, or
	// is empty for singleton-per-room kinds.
	StateKey() string
	// IsInterestedInStateEvent reports whether a state update to the given
	// type and key belongs to this connection.
	IsInterestedInStateEvent(evtType event.Type, stateKey string) bool
	fmt.Stringer
}

// Capability interfaces. A connection implements the subset matching its
// kind; the dispatch engine and registry check these at fan-out time.
type (
	// Removable connections support explicit teardown via the provisioning
	// path. Kinds without this capability fail removal with ErrUnsupported.
	Removable interface {
		OnRemove(ctx context.Context) error
	}

	// StateUpdateHandler reacts to updates of the connection's own room
	// state event.
	StateUpdateHandler interface {
		OnStateUpdate(ctx context.Context, evt *event.Event) error
	}

	// MessageHandler receives room messages from non-bridge users.
	MessageHandler interface {
		OnMessageEvent(ctx context.Context, evt *event.Event) error
	}

	IssueCommentHandler interface {
		OnIssueCommentCreated(ctx context.Context, evt *webhooks.GithubIssueCommentEvent) error
	}
	IssueCreatedHandler interface {
		OnIssueCreated(ctx context.Context, evt *webhooks.GithubIssueEvent) error
	}
	IssueStateHandler interface {
		OnIssueStateChange(ctx context.Context, evt *webhooks.GithubIssueEvent) error
	}
	IssueEditedHandler interface {
		OnIssueEdited(ctx context.Context, evt *webhooks.GithubIssueEvent) error
	}
	PullRequestHandler interface {
		OnPROpened(ctx context.Context, evt *webhooks.GithubPullRequestEvent) error
		OnPRClosed(ctx context.Context, evt *webhooks.GithubPullRequestEvent) error
		OnPRReadyForReview(ctx context.Context, evt *webhooks.GithubPullRequestEvent) error
	}
	ReviewHandler interface {
		OnPRReviewed(ctx context.Context, evt *webhooks.GithubReviewEvent) error
	}
	ReleaseHandler interface {
		OnReleaseCreated(ctx context.Context, evt *webhooks.GithubReleaseEvent) error
	}
	DiscussionCommentHandler interface {
		OnDiscussionCommentCreated(ctx context.Context, evt *webhooks.GithubDiscussionCommentEvent) error
	}
	MergeRequestHandler interface {
		OnMergeRequestOpened(ctx context.Context, evt *webhooks.GitlabMergeRequestEvent) error
	}
	TagPushHandler interface {
		OnTagPush(ctx context.Context, evt *webhooks.GitlabTagPushEvent) error
	}
	GitlabNoteHandler interface {
		OnCommentCreated(ctx context.Context, evt *webhooks.GitlabNoteEvent) error
	}
	GitlabIssueStateHandler interface {
		OnIssueReopened(ctx context.Context) error
		OnIssueClosed(ctx context.Context) error
	}
	JiraIssueHandler interface {
		OnJiraIssueCreated(ctx context.Context, evt *webhooks.JiraIssueEvent) error
	}
	GenericHookHandler interface {
		OnGenericHook(ctx context.Context, payload json.RawMessage) error
	}
)

// MatrixClient is the homeserver surface the connection layer needs. The
// production implementation wraps the appservice bot intent; tests inject a
// fake.
type MatrixClient interface {
	BotUserID() id.UserID
	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	RoomState(ctx context.Context, roomID id.RoomID) (mautrix.RoomStateMap, error)
	SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error
	// RoomAccountData fills out with the bot's room account data of the
	// given type; a missing entry leaves out untouched and returns nil.
	RoomAccountData(ctx context.Context, roomID id.RoomID, eventType string, out any) error
	SetRoomAccountData(ctx context.Context, roomID id.RoomID, eventType string, content any) error
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error)
}

// MessageSender delivers room messages through the queue's matrix.message
// topic so sending survives a split-process deployment. An empty sender
// means the bot user; otherwise the message is puppeted through the ghost
// intent for that user.
type MessageSender interface {
	SendMatrixMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, sender id.UserID) (id.EventID, error)
	SendNotice(ctx context.Context, roomID id.RoomID, text string) error
}

// GithubClient is the minimal GitHub API surface used during connection
// construction and the Matrix-to-GitHub reply path.
type GithubClient interface {
	GetIssue(ctx context.Context, owner, repo string, number int) (*webhooks.GithubIssue, error)
	CreateIssueComment(ctx context.Context, owner, repo string, number int, body string) error
}

// Deps bundles the collaborators shared by all connection kinds.
type Deps struct {
	Matrix    MatrixClient
	Messenger MessageSender
	Config    *config.BridgeConfig
	Github    GithubClient
	Log       zerolog.Logger
}

// baseConnection carries the identity fields every kind shares.
type baseConnection struct {
	roomID        id.RoomID
	stateKey      string
	canonicalType event.Type
}

func (b *baseConnection) RoomID() id.RoomID { return b.roomID }
func (b *baseConnection) StateKey() string  { return b.stateKey }

// ConnectionID derives the registry key from room, canonical type and state
// key, so re-discovering the same state event yields the same id.
func (b *baseConnection) ConnectionID() string {
	return fmt.Sprintf("%s/%s/%s", b.roomID, b.canonicalType.Type, b.stateKey)
}

// decodeState unmarshals a state event's content into a kind-specific state
// struct, tolerating both parsed and raw content.
func decodeState(evt *event.Event, out any) error {
	raw := evt.Content.VeryRaw
	if raw == nil {
		var err error
		raw, err = json.Marshal(evt.Content.Raw)
		if err != nil {
			return fmt.Errorf("failed to re-encode state content: %w", err)
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode state content: %w", err)
	}
	return nil
}

// stateDisabled reports whether the state event opts out of connection
// creation regardless of its type.
func stateDisabled(evt *event.Event) bool {
	disabled, _ := evt.Content.Raw["disabled"].(bool)
	return disabled
}

// typeIn reports whether evtType is one of the given types.
func typeIn(evtType event.Type, types []event.Type) bool {
	for _, t := range types {
		if evtType.Type == t.Type {
			return true
		}
	}
	return false
}

// markdownNotice renders a markdown string into an m.notice content.
func markdownNotice(md string) *event.MessageEventContent {
	content := format.RenderMarkdown(md, true, false)
	content.MsgType = event.MsgNotice
	return &content
}

// markdownText renders a markdown string into an m.text content.
func markdownText(md string) *event.MessageEventContent {
	content := format.RenderMarkdown(md, true, false)
	content.MsgType = event.MsgText
	return &content
}

// ghostUserID computes the bridge ghost mxid puppeting a remote-service
// login. Logins are lowercased because services vary casing across payloads.
func ghostUserID(botUserID id.UserID, prefix, login string) id.UserID {
	return id.NewUserID(prefix+strings.ToLower(login), botUserID.Homeserver())
}
