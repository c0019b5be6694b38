// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/webhooks"
)

var (
	TypeGithubIssue       = event.Type{Type: "com.aiku.hookbridge.github.issue", Class: event.StateEventType}
	TypeGithubIssueLegacy = event.Type{Type: "com.aiku.github-bridge.issue", Class: event.StateEventType}

	githubIssueEventTypes = []event.Type{TypeGithubIssue, TypeGithubIssueLegacy}
)

// GithubIssueState is the persisted configuration of an issue connection.
// Issues holds issue numbers as strings, matching the alias grammar the
// room-query path produces.
type GithubIssueState struct {
	Org    string   `json:"org"`
	Repo   string   `json:"repo"`
	Issues []string `json:"issues"`
}

// GithubIssueConnection bridges a room to a single GitHub issue thread.
// Construction resolves the issue's current state from the API so the room
// reflects reality after a restart.
type GithubIssueConnection struct {
	baseConnection
	deps Deps

	mu    sync.RWMutex
	state GithubIssueState
	// issue is the last remote snapshot, refreshed by syncState.
	issue *webhooks.GithubIssue
}

var (
	_ Connection          = (*GithubIssueConnection)(nil)
	_ IssueCommentHandler = (*GithubIssueConnection)(nil)
	_ IssueStateHandler   = (*GithubIssueConnection)(nil)
	_ IssueEditedHandler  = (*GithubIssueConnection)(nil)
	_ MessageHandler      = (*GithubIssueConnection)(nil)
)

// NewGithubIssueConnection builds the connection and synchronizes the remote
// issue state. The Github client must be configured.
func NewGithubIssueConnection(ctx context.Context, deps Deps, roomID id.RoomID, stateKey string, state GithubIssueState) (*GithubIssueConnection, error) {
	c := &GithubIssueConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGithubIssue},
		deps:           deps,
		state:          state,
	}
	if c.IssueNumber() == 0 {
		return nil, fmt.Errorf("issue connection state names no issue")
	}
	if err := c.syncState(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *GithubIssueConnection) Org() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(c.state.Org)
}

func (c *GithubIssueConnection) Repo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(c.state.Repo)
}

// IssueNumber returns the tracked issue number, or 0 when the state is
// malformed.
func (c *GithubIssueConnection) IssueNumber() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.state.Issues) == 0 {
		return 0
	}
	n, err := strconv.Atoi(c.state.Issues[0])
	if err != nil {
		return 0
	}
	return n
}

func (c *GithubIssueConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, githubIssueEventTypes) && c.stateKey == stateKey
}

func (c *GithubIssueConnection) String() string {
	return fmt.Sprintf("GithubIssue %s/%s#%d", c.Org(), c.Repo(), c.IssueNumber())
}

// syncState fetches the issue's current remote state.
func (c *GithubIssueConnection) syncState(ctx context.Context) error {
	issue, err := c.deps.Github.GetIssue(ctx, c.Org(), c.Repo(), c.IssueNumber())
	if err != nil {
		return fmt.Errorf("failed to sync issue state: %w", err)
	}
	c.mu.Lock()
	c.issue = issue
	c.mu.Unlock()
	return nil
}

func (c *GithubIssueConnection) ghost(login string) id.UserID {
	return ghostUserID(c.deps.Matrix.BotUserID(), c.deps.Config.Github.UserIDPrefix, login)
}

// OnIssueCommentCreated relays a new remote comment into the room as the
// commenter's ghost.
func (c *GithubIssueConnection) OnIssueCommentCreated(ctx context.Context, evt *webhooks.GithubIssueCommentEvent) error {
	if evt.Comment == nil || evt.Comment.Body == "" {
		return nil
	}
	sender := c.deps.Matrix.BotUserID()
	if evt.Comment.User != nil {
		sender = c.ghost(evt.Comment.User.Login)
	}
	content := markdownText(evt.Comment.Body)
	_, err := c.deps.Messenger.SendMatrixMessage(ctx, c.roomID, content, sender)
	return err
}

func (c *GithubIssueConnection) OnIssueStateChange(ctx context.Context, evt *webhooks.GithubIssueEvent) error {
	c.mu.Lock()
	c.issue = evt.Issue
	c.mu.Unlock()
	verb := "closed"
	if evt.Issue.State == "open" {
		verb = "reopened"
	}
	return c.deps.Messenger.SendNotice(ctx, c.roomID, fmt.Sprintf(
		"Issue #%d was %s by %s", evt.Issue.Number, verb, login(evt.Sender),
	))
}

func (c *GithubIssueConnection) OnIssueEdited(ctx context.Context, evt *webhooks.GithubIssueEvent) error {
	c.mu.Lock()
	c.issue = evt.Issue
	c.mu.Unlock()
	return c.deps.Messenger.SendNotice(ctx, c.roomID, fmt.Sprintf(
		"Issue #%d was edited: \"%s\"", evt.Issue.Number, evt.Issue.Title,
	))
}

// OnMessageEvent forwards a room message to the issue thread as a GitHub
// comment. Failures are reported back to the room rather than surfaced.
func (c *GithubIssueConnection) OnMessageEvent(ctx context.Context, evt *event.Event) error {
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.Body == "" {
		return nil
	}
	body := fmt.Sprintf("%s\n\n— %s", content.Body, evt.Sender)
	if err := c.deps.Github.CreateIssueComment(ctx, c.Org(), c.Repo(), c.IssueNumber(), body); err != nil {
		if notifyErr := c.deps.Messenger.SendNotice(ctx, c.roomID, "Failed to forward your comment to GitHub."); notifyErr != nil {
			c.deps.Log.Warn().Err(notifyErr).Stringer("room_id", c.roomID).Msg("Failed to send failure notice")
		}
		return fmt.Errorf("failed to create issue comment: %w", err)
	}
	return nil
}
