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

var (
	TypeJiraProject = event.Type{Type: "com.aiku.hookbridge.jira.project", Class: event.StateEventType}

	jiraProjectEventTypes = []event.Type{TypeJiraProject}
)

// jiraDefaultEvents applies when a connection's state names no events.
var jiraDefaultEvents = []string{"jira.issue_created"}

// JiraProjectState is the persisted configuration of a Jira project
// connection. Events filters which webhook topics the connection handles;
// empty means issue creation only.
type JiraProjectState struct {
	ID     string   `json:"id"`
	Events []string `json:"events,omitempty"`
}

// JiraProjectConnection bridges a room to a Jira project.
type JiraProjectConnection struct {
	baseConnection
	deps Deps

	mu    sync.RWMutex
	state JiraProjectState
}

var (
	_ Connection         = (*JiraProjectConnection)(nil)
	_ JiraIssueHandler   = (*JiraProjectConnection)(nil)
	_ Removable          = (*JiraProjectConnection)(nil)
	_ StateUpdateHandler = (*JiraProjectConnection)(nil)
)

// NewJiraProjectConnection builds the connection from decoded state.
func NewJiraProjectConnection(deps Deps, roomID id.RoomID, stateKey string, state JiraProjectState) *JiraProjectConnection {
	return &JiraProjectConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeJiraProject},
		deps:           deps,
		state:          state,
	}
}

// ProjectKey returns the project key, normalized to upper case the way Jira
// presents keys.
func (c *JiraProjectConnection) ProjectKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.ToUpper(c.state.ID)
}

// InterestedInProject reports whether the webhook project belongs to this
// connection. Projects match by key or by numeric id, both of which appear
// in Jira payloads depending on the event version.
func (c *JiraProjectConnection) InterestedInProject(project *webhooks.JiraProject) bool {
	if project == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return strings.EqualFold(project.Key, c.state.ID) || project.ID == c.state.ID
}

// IsInterestedInHookEvent reports whether the connection wants the given
// webhook topic, applying the default event set when none is configured.
func (c *JiraProjectConnection) IsInterestedInHookEvent(eventName string) bool {
	c.mu.RLock()
	events := c.state.Events
	c.mu.RUnlock()
	if len(events) == 0 {
		events = jiraDefaultEvents
	}
	for _, want := range events {
		if want == eventName {
			return true
		}
	}
	return false
}

func (c *JiraProjectConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, jiraProjectEventTypes) && c.stateKey == stateKey
}

func (c *JiraProjectConnection) String() string {
	return fmt.Sprintf("JiraProject %s", c.ProjectKey())
}

func (c *JiraProjectConnection) OnJiraIssueCreated(ctx context.Context, evt *webhooks.JiraIssueEvent) error {
	issue := evt.Issue
	md := fmt.Sprintf("%s created a new issue [%s](%s): \"%s\"",
		displayName(evt.User), issue.Key, issue.Self, issue.Fields.Summary)
	return c.deps.Messenger.SendNotice(ctx, c.roomID, md)
}

func (c *JiraProjectConnection) OnStateUpdate(_ context.Context, evt *event.Event) error {
	var state JiraProjectState
	if err := decodeState(evt, &state); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

func (c *JiraProjectConnection) OnRemove(ctx context.Context) error {
	return c.deps.Matrix.SendStateEvent(ctx, c.roomID, TypeJiraProject, c.stateKey, struct{}{})
}

func displayName(u *webhooks.JiraUser) string {
	if u == nil || u.DisplayName == "" {
		return "Someone"
	}
	return u.DisplayName
}
