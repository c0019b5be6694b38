// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	TypeGithubDiscussionSpace       = event.Type{Type: "com.aiku.hookbridge.github.discussion.space", Class: event.StateEventType}
	TypeGithubDiscussionSpaceLegacy = event.Type{Type: "com.aiku.github-bridge.discussion.space", Class: event.StateEventType}

	githubDiscussionSpaceEventTypes = []event.Type{TypeGithubDiscussionSpace, TypeGithubDiscussionSpaceLegacy}
)

// GithubDiscussionSpaceState is the persisted configuration of a discussion
// space connection.
type GithubDiscussionSpaceState struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// GithubDiscussionSpaceConnection binds a Matrix space to a repository's
// discussions: newly created discussion rooms are attached as children of
// the space. Its presence is also the opt-in signal that allows the bridge
// to create discussion rooms for the repository at all.
type GithubDiscussionSpaceConnection struct {
	baseConnection
	deps  Deps
	state GithubDiscussionSpaceState
}

var _ Connection = (*GithubDiscussionSpaceConnection)(nil)

// NewGithubDiscussionSpaceConnection builds the connection from decoded state.
func NewGithubDiscussionSpaceConnection(deps Deps, roomID id.RoomID, stateKey string, state GithubDiscussionSpaceState) *GithubDiscussionSpaceConnection {
	return &GithubDiscussionSpaceConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGithubDiscussionSpace},
		deps:           deps,
		state:          state,
	}
}

func (c *GithubDiscussionSpaceConnection) Owner() string {
	return strings.ToLower(c.state.Owner)
}

func (c *GithubDiscussionSpaceConnection) Repo() string {
	return strings.ToLower(c.state.Repo)
}

func (c *GithubDiscussionSpaceConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, githubDiscussionSpaceEventTypes) && c.stateKey == stateKey
}

func (c *GithubDiscussionSpaceConnection) String() string {
	return fmt.Sprintf("GithubDiscussionSpace %s/%s", c.Owner(), c.Repo())
}

// OnDiscussionCreated attaches a discussion room as a child of the space.
func (c *GithubDiscussionSpaceConnection) OnDiscussionCreated(ctx context.Context, discussion *GithubDiscussionConnection) error {
	content := &event.SpaceChildEventContent{
		Via: []string{c.deps.Matrix.BotUserID().Homeserver()},
	}
	err := c.deps.Matrix.SendStateEvent(ctx, c.roomID, event.StateSpaceChild, discussion.RoomID().String(), content)
	if err != nil {
		return fmt.Errorf("failed to add discussion to space: %w", err)
	}
	return nil
}
