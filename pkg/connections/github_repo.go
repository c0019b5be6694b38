// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/webhooks"
)

// Room-state event types identifying a GitHub repository connection. The
// legacy type is honoured on read but never written.
var (
	TypeGithubRepo       = event.Type{Type: "com.aiku.hookbridge.github.repository", Class: event.StateEventType}
	TypeGithubRepoLegacy = event.Type{Type: "com.aiku.github-bridge.repository", Class: event.StateEventType}

	githubRepoEventTypes = []event.Type{TypeGithubRepo, TypeGithubRepoLegacy}
)

// GithubRepoState is the persisted configuration of a repository connection.
type GithubRepoState struct {
	Org  string `json:"org"`
	Repo string `json:"repo"`
	// IgnoreHooks suppresses notification categories ("issue",
	// "pull_request", "release") for this room.
	IgnoreHooks   []string `json:"ignoreHooks,omitempty"`
	CommandPrefix string   `json:"commandPrefix,omitempty"`
}

// GithubRepoConnection bridges a room to a GitHub repository: it receives
// every issue, pull request, review and release event for that repository,
// including issue events that also target a dedicated issue connection.
type GithubRepoConnection struct {
	baseConnection
	deps Deps

	mu    sync.RWMutex
	state GithubRepoState
}

var (
	_ Connection          = (*GithubRepoConnection)(nil)
	_ IssueCreatedHandler = (*GithubRepoConnection)(nil)
	_ IssueStateHandler   = (*GithubRepoConnection)(nil)
	_ IssueEditedHandler  = (*GithubRepoConnection)(nil)
	_ PullRequestHandler  = (*GithubRepoConnection)(nil)
	_ ReviewHandler       = (*GithubRepoConnection)(nil)
	_ ReleaseHandler      = (*GithubRepoConnection)(nil)
	_ Removable           = (*GithubRepoConnection)(nil)
	_ StateUpdateHandler  = (*GithubRepoConnection)(nil)
)

// NewGithubRepoConnection builds the connection from decoded state.
func NewGithubRepoConnection(deps Deps, roomID id.RoomID, stateKey string, state GithubRepoState) *GithubRepoConnection {
	return &GithubRepoConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGithubRepo},
		deps:           deps,
		state:          state,
	}
}

func (c *GithubRepoConnection) Org() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(c.state.Org)
}

func (c *GithubRepoConnection) Repo() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(c.state.Repo)
}

func (c *GithubRepoConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, githubRepoEventTypes) && c.stateKey == stateKey
}

func (c *GithubRepoConnection) String() string {
	return fmt.Sprintf("GithubRepo %s/%s", c.Org(), c.Repo())
}

// hookFiltered reports whether this room opted out of a hook category.
func (c *GithubRepoConnection) hookFiltered(category string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, ignored := range c.state.IgnoreHooks {
		if ignored == category {
			return true
		}
	}
	return false
}

func (c *GithubRepoConnection) sendGhostNotice(ctx context.Context, user *webhooks.GithubUser, md string) error {
	sender := c.deps.Matrix.BotUserID()
	if user != nil && user.Login != "" && c.deps.Config.Github != nil {
		sender = ghostUserID(c.deps.Matrix.BotUserID(), c.deps.Config.Github.UserIDPrefix, user.Login)
	}
	_, err := c.deps.Messenger.SendMatrixMessage(ctx, c.roomID, markdownNotice(md), sender)
	return err
}

func login(user *webhooks.GithubUser) string {
	if user == nil {
		return "unknown"
	}
	return user.Login
}

func (c *GithubRepoConnection) OnIssueCreated(ctx context.Context, evt *webhooks.GithubIssueEvent) error {
	if c.hookFiltered("issue") {
		return nil
	}
	issue := evt.Issue
	return c.sendGhostNotice(ctx, issue.User, fmt.Sprintf(
		"**%s** opened a new issue [%s#%d](%s): \"%s\"",
		login(issue.User), evt.Repository.FullName, issue.Number, issue.HTMLURL, issue.Title,
	))
}

func (c *GithubRepoConnection) OnIssueStateChange(ctx context.Context, evt *webhooks.GithubIssueEvent) error {
	if c.hookFiltered("issue") {
		return nil
	}
	issue := evt.Issue
	verb := "closed"
	if evt.Action == "reopened" {
		verb = "reopened"
	}
	return c.sendGhostNotice(ctx, evt.Sender, fmt.Sprintf(
		"**%s** %s issue [%s#%d](%s): \"%s\"",
		login(evt.Sender), verb, evt.Repository.FullName, issue.Number, issue.HTMLURL, issue.Title,
	))
}

func (c *GithubRepoConnection) OnIssueEdited(ctx context.Context, evt *webhooks.GithubIssueEvent) error {
	if c.hookFiltered("issue") {
		return nil
	}
	issue := evt.Issue
	return c.sendGhostNotice(ctx, evt.Sender, fmt.Sprintf(
		"**%s** edited issue [%s#%d](%s): \"%s\"",
		login(evt.Sender), evt.Repository.FullName, issue.Number, issue.HTMLURL, issue.Title,
	))
}

func (c *GithubRepoConnection) OnPROpened(ctx context.Context, evt *webhooks.GithubPullRequestEvent) error {
	if c.hookFiltered("pull_request") {
		return nil
	}
	pr := evt.PullRequest
	draft := ""
	if pr.Draft {
		draft = " (draft)"
	}
	return c.sendGhostNotice(ctx, pr.User, fmt.Sprintf(
		"**%s** opened a new PR%s [%s#%d](%s): \"%s\"",
		login(pr.User), draft, evt.Repository.FullName, pr.Number, pr.HTMLURL, pr.Title,
	))
}

func (c *GithubRepoConnection) OnPRClosed(ctx context.Context, evt *webhooks.GithubPullRequestEvent) error {
	if c.hookFiltered("pull_request") {
		return nil
	}
	pr := evt.PullRequest
	verb := "closed"
	if pr.Merged {
		verb = "merged"
	}
	return c.sendGhostNotice(ctx, evt.Sender, fmt.Sprintf(
		"**%s** %s PR [%s#%d](%s): \"%s\"",
		login(evt.Sender), verb, evt.Repository.FullName, pr.Number, pr.HTMLURL, pr.Title,
	))
}

func (c *GithubRepoConnection) OnPRReadyForReview(ctx context.Context, evt *webhooks.GithubPullRequestEvent) error {
	if c.hookFiltered("pull_request") {
		return nil
	}
	pr := evt.PullRequest
	return c.sendGhostNotice(ctx, pr.User, fmt.Sprintf(
		"**%s** marked PR [%s#%d](%s) as ready for review: \"%s\"",
		login(pr.User), evt.Repository.FullName, pr.Number, pr.HTMLURL, pr.Title,
	))
}

func (c *GithubRepoConnection) OnPRReviewed(ctx context.Context, evt *webhooks.GithubReviewEvent) error {
	if c.hookFiltered("pull_request") {
		return nil
	}
	pr := evt.PullRequest
	state := strings.ToLower(strings.ReplaceAll(evt.Review.State, "_", " "))
	return c.sendGhostNotice(ctx, evt.Review.User, fmt.Sprintf(
		"**%s** %s PR [%s#%d](%s): \"%s\"",
		login(evt.Review.User), state, evt.Repository.FullName, pr.Number, pr.HTMLURL, pr.Title,
	))
}

func (c *GithubRepoConnection) OnReleaseCreated(ctx context.Context, evt *webhooks.GithubReleaseEvent) error {
	if c.hookFiltered("release") {
		return nil
	}
	release := evt.Release
	name := release.Name
	if name == "" {
		name = release.TagName
	}
	return c.sendGhostNotice(ctx, nil, fmt.Sprintf(
		"New release [%s](%s) published for %s", name, release.HTMLURL, evt.Repository.FullName,
	))
}

// OnStateUpdate re-reads the connection's configuration after its backing
// state event changes.
func (c *GithubRepoConnection) OnStateUpdate(_ context.Context, evt *event.Event) error {
	var state GithubRepoState
	if err := decodeState(evt, &state); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

// OnRemove tombstones the backing state event so the connection is not
// rediscovered on the next sync.
func (c *GithubRepoConnection) OnRemove(ctx context.Context) error {
	return c.deps.Matrix.SendStateEvent(ctx, c.roomID, TypeGithubRepo, c.stateKey, struct{}{})
}
