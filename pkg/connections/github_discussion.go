// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/webhooks"
)

var (
	TypeGithubDiscussion       = event.Type{Type: "com.aiku.hookbridge.github.discussion", Class: event.StateEventType}
	TypeGithubDiscussionLegacy = event.Type{Type: "com.aiku.github-bridge.discussion", Class: event.StateEventType}

	githubDiscussionEventTypes = []event.Type{TypeGithubDiscussion, TypeGithubDiscussionLegacy}
)

// GithubDiscussionState is the persisted configuration of a discussion
// connection.
type GithubDiscussionState struct {
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
	ID         int64  `json:"id"`
	InternalID string `json:"internalId"`
	Discussion int    `json:"discussion"`
	Category   int64  `json:"category"`
}

// GithubDiscussionConnection bridges a room to one GitHub discussion thread.
type GithubDiscussionConnection struct {
	baseConnection
	deps  Deps
	state GithubDiscussionState

	// sentMu guards sentComments, the node ids of comments this bridge
	// itself posted, used for echo prevention.
	sentMu       sync.Mutex
	sentComments map[string]struct{}
}

var (
	_ Connection               = (*GithubDiscussionConnection)(nil)
	_ DiscussionCommentHandler = (*GithubDiscussionConnection)(nil)
)

// NewGithubDiscussionConnection builds the connection from decoded state.
func NewGithubDiscussionConnection(deps Deps, roomID id.RoomID, stateKey string, state GithubDiscussionState) *GithubDiscussionConnection {
	return &GithubDiscussionConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGithubDiscussion},
		deps:           deps,
		state:          state,
		sentComments:   make(map[string]struct{}),
	}
}

// CreateDiscussionRoom creates a fresh room for a newly observed discussion
// and returns its connection. The room is created by the discussion author's
// ghost so the thread opener appears correctly attributed; userID, when
// non-empty, is additionally invited (the admin-room "open discussion" path).
func CreateDiscussionRoom(ctx context.Context, deps Deps, userID id.UserID, owner, repo string, discussion *webhooks.GithubDiscussion) (*GithubDiscussionConnection, error) {
	owner = strings.ToLower(owner)
	repo = strings.ToLower(repo)
	state := GithubDiscussionState{
		Owner:      owner,
		Repo:       repo,
		ID:         discussion.ID,
		InternalID: discussion.NodeID,
		Discussion: discussion.Number,
		Category:   categoryID(discussion),
	}
	invite := []id.UserID{}
	if userID != "" {
		invite = append(invite, userID)
	}
	topic := ""
	if discussion.Category != nil {
		topic = fmt.Sprintf("Under %s %s", discussion.Category.Emoji, discussion.Category.Name)
	}
	stateEvt := &event.Event{
		Type:    TypeGithubDiscussion,
		Content: event.Content{Parsed: &state},
	}
	emptyKey := ""
	stateEvt.StateKey = &emptyKey
	roomID, err := deps.Matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:        "public_chat",
		Name:          fmt.Sprintf("%s (%s/%s)", discussion.Title, owner, repo),
		Topic:         topic,
		Invite:        invite,
		RoomAliasName: fmt.Sprintf("github_disc_%s_%s_%d", owner, repo, discussion.Number),
		InitialState:  []*event.Event{stateEvt},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create discussion room: %w", err)
	}

	conn := NewGithubDiscussionConnection(deps, roomID, "", state)
	if discussion.Body != "" {
		sender := deps.Matrix.BotUserID()
		if discussion.User != nil && deps.Config.Github != nil {
			sender = ghostUserID(deps.Matrix.BotUserID(), deps.Config.Github.UserIDPrefix, discussion.User.Login)
		}
		if _, err := deps.Messenger.SendMatrixMessage(ctx, roomID, markdownText(discussion.Body), sender); err != nil {
			deps.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to post discussion body")
		}
	}
	return conn, nil
}

func categoryID(d *webhooks.GithubDiscussion) int64 {
	if d.Category == nil {
		return 0
	}
	return d.Category.ID
}

func (c *GithubDiscussionConnection) Owner() string {
	return strings.ToLower(c.state.Owner)
}

func (c *GithubDiscussionConnection) Repo() string {
	return strings.ToLower(c.state.Repo)
}

func (c *GithubDiscussionConnection) DiscussionNumber() int {
	return c.state.Discussion
}

func (c *GithubDiscussionConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, githubDiscussionEventTypes) && c.stateKey == stateKey
}

func (c *GithubDiscussionConnection) String() string {
	return fmt.Sprintf("GithubDiscussion %s/%s#%d", c.Owner(), c.Repo(), c.state.Discussion)
}

// MarkCommentSent records a comment this bridge posted so the webhook echo
// is not relayed back into the room.
func (c *GithubDiscussionConnection) MarkCommentSent(nodeID string) {
	c.sentMu.Lock()
	c.sentComments[nodeID] = struct{}{}
	c.sentMu.Unlock()
}

func (c *GithubDiscussionConnection) commentWasSent(nodeID string) bool {
	c.sentMu.Lock()
	defer c.sentMu.Unlock()
	_, ok := c.sentComments[nodeID]
	return ok
}

func (c *GithubDiscussionConnection) OnDiscussionCommentCreated(ctx context.Context, evt *webhooks.GithubDiscussionCommentEvent) error {
	if evt.Comment == nil || c.commentWasSent(evt.Comment.NodeID) {
		return nil
	}
	sender := c.deps.Matrix.BotUserID()
	if evt.Comment.User != nil && c.deps.Config.Github != nil {
		sender = ghostUserID(c.deps.Matrix.BotUserID(), c.deps.Config.Github.UserIDPrefix, evt.Comment.User.Login)
	}
	_, err := c.deps.Messenger.SendMatrixMessage(ctx, c.roomID, markdownText(evt.Comment.Body), sender)
	return err
}
