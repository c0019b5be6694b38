// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/config"
	"github.com/aiku/matrix-hookbridge/pkg/webhooks"
)

var (
	TypeGitlabRepo       = event.Type{Type: "com.aiku.hookbridge.gitlab.repository", Class: event.StateEventType}
	TypeGitlabRepoLegacy = event.Type{Type: "com.aiku.github-bridge.gitlab.repository", Class: event.StateEventType}
	TypeGitlabIssue      = event.Type{Type: "com.aiku.hookbridge.gitlab.issue", Class: event.StateEventType}

	gitlabRepoEventTypes  = []event.Type{TypeGitlabRepo, TypeGitlabRepoLegacy}
	gitlabIssueEventTypes = []event.Type{TypeGitlabIssue}
)

// SplitGitlabHomepage resolves a webhook repository homepage URL against the
// configured instances, returning the instance and the project path below
// it. GitLab webhooks do not name their instance, so the URL prefix is the
// only way to recover it.
func SplitGitlabHomepage(instances map[string]config.GitlabInstance, homepage string) (name string, instance config.GitlabInstance, path string, ok bool) {
	for candidate, inst := range instances {
		base := strings.TrimSuffix(inst.URL, "/")
		if homepage == base || strings.HasPrefix(homepage, base+"/") {
			path = strings.Trim(strings.TrimPrefix(homepage, base), "/")
			return candidate, inst, path, true
		}
	}
	return "", config.GitlabInstance{}, "", false
}

// GitlabRepoState is the persisted configuration of a GitLab repository
// connection.
type GitlabRepoState struct {
	Instance string `json:"instance"`
	Path     string `json:"path"`
}

// GitlabRepoConnection bridges a room to a GitLab project, receiving merge
// request and tag push events.
type GitlabRepoConnection struct {
	baseConnection
	deps        Deps
	instanceURL string

	mu    sync.RWMutex
	state GitlabRepoState
}

var (
	_ Connection          = (*GitlabRepoConnection)(nil)
	_ MergeRequestHandler = (*GitlabRepoConnection)(nil)
	_ TagPushHandler      = (*GitlabRepoConnection)(nil)
	_ Removable           = (*GitlabRepoConnection)(nil)
	_ StateUpdateHandler  = (*GitlabRepoConnection)(nil)
)

// NewGitlabRepoConnection builds the connection; the instance must already
// be resolved from config by the factory.
func NewGitlabRepoConnection(deps Deps, roomID id.RoomID, stateKey string, state GitlabRepoState, instance config.GitlabInstance) *GitlabRepoConnection {
	return &GitlabRepoConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGitlabRepo},
		deps:           deps,
		instanceURL:    instance.URL,
		state:          state,
	}
}

// Path returns the project path, normalized to lower case.
func (c *GitlabRepoConnection) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToLower(c.state.Path)
}

func (c *GitlabRepoConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, gitlabRepoEventTypes) && c.stateKey == stateKey
}

func (c *GitlabRepoConnection) String() string {
	return fmt.Sprintf("GitlabRepo %s", c.Path())
}

func (c *GitlabRepoConnection) ghost(username string) id.UserID {
	if username == "" || c.deps.Config.Gitlab == nil {
		return c.deps.Matrix.BotUserID()
	}
	return ghostUserID(c.deps.Matrix.BotUserID(), c.deps.Config.Gitlab.UserIDPrefix, username)
}

func (c *GitlabRepoConnection) OnMergeRequestOpened(ctx context.Context, evt *webhooks.GitlabMergeRequestEvent) error {
	mr := evt.ObjectAttributes
	username := ""
	if evt.User != nil {
		username = evt.User.Username
	}
	md := fmt.Sprintf("**%s** opened a new MR [%s!%d](%s): \"%s\"",
		username, evt.Project.PathWithNamespace, mr.IID, mr.URL, mr.Title)
	_, err := c.deps.Messenger.SendMatrixMessage(ctx, c.roomID, markdownNotice(md), c.ghost(username))
	return err
}

func (c *GitlabRepoConnection) OnTagPush(ctx context.Context, evt *webhooks.GitlabTagPushEvent) error {
	tag := strings.TrimPrefix(evt.Ref, "refs/tags/")
	md := fmt.Sprintf("**%s** pushed tag `%s` to %s", evt.UserName, tag, evt.Project.PathWithNamespace)
	return c.deps.Messenger.SendNotice(ctx, c.roomID, md)
}

func (c *GitlabRepoConnection) OnStateUpdate(_ context.Context, evt *event.Event) error {
	var state GitlabRepoState
	if err := decodeState(evt, &state); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

func (c *GitlabRepoConnection) OnRemove(ctx context.Context) error {
	return c.deps.Matrix.SendStateEvent(ctx, c.roomID, TypeGitlabRepo, c.stateKey, struct{}{})
}

// GitlabIssueState is the persisted configuration of a GitLab issue
// connection. Projects holds the namespace path segments.
type GitlabIssueState struct {
	Instance string   `json:"instance"`
	Projects []string `json:"projects"`
	IID      int      `json:"iid"`
}

// GitlabIssueConnection bridges a room to a single GitLab issue thread.
type GitlabIssueConnection struct {
	baseConnection
	deps        Deps
	instanceURL string
	state       GitlabIssueState
}

var (
	_ Connection              = (*GitlabIssueConnection)(nil)
	_ GitlabNoteHandler       = (*GitlabIssueConnection)(nil)
	_ GitlabIssueStateHandler = (*GitlabIssueConnection)(nil)
)

// NewGitlabIssueConnection builds the connection; the instance must already
// be resolved from config by the factory.
func NewGitlabIssueConnection(deps Deps, roomID id.RoomID, stateKey string, state GitlabIssueState, instance config.GitlabInstance) *GitlabIssueConnection {
	return &GitlabIssueConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGitlabIssue},
		deps:           deps,
		instanceURL:    instance.URL,
		state:          state,
	}
}

func (c *GitlabIssueConnection) InstanceURL() string { return c.instanceURL }
func (c *GitlabIssueConnection) IssueNumber() int    { return c.state.IID }

// ProjectPath returns the joined, lowercased namespace path.
func (c *GitlabIssueConnection) ProjectPath() string {
	return strings.ToLower(strings.Join(c.state.Projects, "/"))
}

func (c *GitlabIssueConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, gitlabIssueEventTypes) && c.stateKey == stateKey
}

func (c *GitlabIssueConnection) String() string {
	return fmt.Sprintf("GitlabIssue %s#%d", c.ProjectPath(), c.state.IID)
}

func (c *GitlabIssueConnection) OnCommentCreated(ctx context.Context, evt *webhooks.GitlabNoteEvent) error {
	if evt.ObjectAttributes == nil || evt.ObjectAttributes.Note == "" {
		return nil
	}
	sender := c.deps.Matrix.BotUserID()
	if evt.User != nil && c.deps.Config.Gitlab != nil {
		sender = ghostUserID(c.deps.Matrix.BotUserID(), c.deps.Config.Gitlab.UserIDPrefix, evt.User.Username)
	}
	_, err := c.deps.Messenger.SendMatrixMessage(ctx, c.roomID, markdownText(evt.ObjectAttributes.Note), sender)
	return err
}

func (c *GitlabIssueConnection) OnIssueReopened(ctx context.Context) error {
	return c.deps.Messenger.SendNotice(ctx, c.roomID, fmt.Sprintf("Issue #%d was reopened", c.state.IID))
}

func (c *GitlabIssueConnection) OnIssueClosed(ctx context.Context) error {
	return c.deps.Messenger.SendNotice(ctx, c.roomID, fmt.Sprintf("Issue #%d was closed", c.state.IID))
}
