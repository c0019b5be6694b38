// Copyright 2024-2026 Aiku AI

package connections

import (
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	TypeGithubProject = event.Type{Type: "com.aiku.hookbridge.github.project", Class: event.StateEventType}

	githubProjectEventTypes = []event.Type{TypeGithubProject}
)

// GithubProjectState is the persisted configuration of a project board
// connection.
type GithubProjectState struct {
	ProjectID int64  `json:"project_id"`
	Name      string `json:"name,omitempty"`
	URL       string `json:"url,omitempty"`
}

// GithubProjectConnection binds a room to a GitHub project board. Project
// rooms are created through the admin-room "open project" command and
// rediscovered from their state event on restart.
type GithubProjectConnection struct {
	baseConnection
	state GithubProjectState
}

var _ Connection = (*GithubProjectConnection)(nil)

// NewGithubProjectConnection builds the connection from decoded state.
func NewGithubProjectConnection(roomID id.RoomID, stateKey string, state GithubProjectState) *GithubProjectConnection {
	return &GithubProjectConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGithubProject},
		state:          state,
	}
}

func (c *GithubProjectConnection) ProjectID() int64 {
	return c.state.ProjectID
}

func (c *GithubProjectConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, githubProjectEventTypes) && c.stateKey == stateKey
}

func (c *GithubProjectConnection) String() string {
	return fmt.Sprintf("GithubProject %d", c.state.ProjectID)
}
