// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// CreateConnectionForState materializes a connection from one room state
// event. State events of unrelated types, tombstoned (empty) events and
// events carrying "disabled": true return (nil, nil). Integration types
// whose config section is absent fail with ErrNotConfigured.
func (m *ConnectionManager) CreateConnectionForState(ctx context.Context, roomID id.RoomID, evt *event.Event) (Connection, error) {
	if len(evt.Content.Raw) == 0 && evt.Content.VeryRaw == nil {
		return nil, nil
	}
	if stateDisabled(evt) {
		return nil, nil
	}
	stateKey := ""
	if evt.StateKey != nil {
		stateKey = *evt.StateKey
	}

	switch {
	case typeIn(evt.Type, githubRepoEventTypes):
		if m.deps.Config.Github == nil {
			return nil, fmt.Errorf("%w: github support is not enabled", ErrNotConfigured)
		}
		var state GithubRepoState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		return NewGithubRepoConnection(m.deps, roomID, stateKey, state), nil

	case typeIn(evt.Type, githubIssueEventTypes):
		if m.deps.Config.Github == nil {
			return nil, fmt.Errorf("%w: github support is not enabled", ErrNotConfigured)
		}
		var state GithubIssueState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		return NewGithubIssueConnection(ctx, m.deps, roomID, stateKey, state)

	case typeIn(evt.Type, githubDiscussionEventTypes):
		if m.deps.Config.Github == nil {
			return nil, fmt.Errorf("%w: github support is not enabled", ErrNotConfigured)
		}
		var state GithubDiscussionState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		return NewGithubDiscussionConnection(m.deps, roomID, stateKey, state), nil

	case typeIn(evt.Type, githubDiscussionSpaceEventTypes):
		if m.deps.Config.Github == nil {
			return nil, fmt.Errorf("%w: github support is not enabled", ErrNotConfigured)
		}
		var state GithubDiscussionSpaceState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		return NewGithubDiscussionSpaceConnection(m.deps, roomID, stateKey, state), nil

	case typeIn(evt.Type, githubProjectEventTypes):
		if m.deps.Config.Github == nil {
			return nil, fmt.Errorf("%w: github support is not enabled", ErrNotConfigured)
		}
		var state GithubProjectState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		return NewGithubProjectConnection(roomID, stateKey, state), nil

	case typeIn(evt.Type, gitlabRepoEventTypes):
		if m.deps.Config.Gitlab == nil {
			return nil, fmt.Errorf("%w: gitlab support is not enabled", ErrNotConfigured)
		}
		var state GitlabRepoState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		instance, ok := m.deps.Config.Gitlab.Instances[state.Instance]
		if !ok {
			return nil, fmt.Errorf("%w: gitlab instance %q is not configured", ErrNotConfigured, state.Instance)
		}
		return NewGitlabRepoConnection(m.deps, roomID, stateKey, state, instance), nil

	case typeIn(evt.Type, gitlabIssueEventTypes):
		if m.deps.Config.Gitlab == nil {
			return nil, fmt.Errorf("%w: gitlab support is not enabled", ErrNotConfigured)
		}
		var state GitlabIssueState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		instance, ok := m.deps.Config.Gitlab.Instances[state.Instance]
		if !ok {
			return nil, fmt.Errorf("%w: gitlab instance %q is not configured", ErrNotConfigured, state.Instance)
		}
		return NewGitlabIssueConnection(m.deps, roomID, stateKey, state, instance), nil

	case typeIn(evt.Type, jiraProjectEventTypes):
		if m.deps.Config.Jira == nil {
			return nil, fmt.Errorf("%w: jira support is not enabled", ErrNotConfigured)
		}
		var state JiraProjectState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		return NewJiraProjectConnection(m.deps, roomID, stateKey, state), nil

	case typeIn(evt.Type, genericHookEventTypes):
		if !m.deps.Config.GenericEnabled() {
			return nil, fmt.Errorf("%w: generic webhooks are not enabled", ErrNotConfigured)
		}
		var state GenericHookState
		if err := decodeState(evt, &state); err != nil {
			return nil, err
		}
		return NewGenericHookConnection(ctx, m.deps, roomID, stateKey, state)
	}
	return nil, nil
}

// CreateConnectionsForRoomId walks a room's full state and registers every
// connection it yields. Individual bad state events are logged and skipped
// so one broken event cannot take down the room.
func (m *ConnectionManager) CreateConnectionsForRoomId(ctx context.Context, roomID id.RoomID) ([]Connection, error) {
	state, err := m.deps.Matrix.RoomState(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch room state: %w", err)
	}
	var created []Connection
	for _, byKey := range state {
		for _, evt := range byKey {
			conn, err := m.CreateConnectionForState(ctx, roomID, evt)
			if err != nil {
				m.deps.Log.Error().Err(err).
					Stringer("room_id", roomID).
					Str("event_type", evt.Type.Type).
					Msg("Failed to create connection for state event")
				continue
			}
			if conn == nil {
				continue
			}
			m.Push(conn)
			created = append(created, conn)
		}
	}
	return created, nil
}

// ProvisionConnection creates a connection on behalf of a user via the
// provisioning surface, writing the canonical state event and registering
// the result. Only repo, Jira project and generic hook kinds can be
// provisioned.
func (m *ConnectionManager) ProvisionConnection(ctx context.Context, roomID id.RoomID, userID id.UserID, connType string, data json.RawMessage) (Connection, error) {
	switch connType {
	case TypeGithubRepo.Type:
		if m.deps.Config.Github == nil {
			return nil, fmt.Errorf("%w: github support is not enabled", ErrNotConfigured)
		}
		var state GithubRepoState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode connection data: %w", err)
		}
		if state.Org == "" || state.Repo == "" {
			return nil, fmt.Errorf("org and repo are required")
		}
		for _, existing := range m.GetConnectionsForGithubRepo(state.Org, state.Repo) {
			if existing.RoomID() == roomID {
				return nil, fmt.Errorf("room is already connected to %s/%s", existing.Org(), existing.Repo())
			}
		}
		stateKey := strings.ToLower(state.Org + "/" + state.Repo)
		if err := m.deps.Matrix.SendStateEvent(ctx, roomID, TypeGithubRepo, stateKey, &state); err != nil {
			return nil, fmt.Errorf("failed to write connection state: %w", err)
		}
		conn := NewGithubRepoConnection(m.deps, roomID, stateKey, state)
		m.Push(conn)
		return conn, nil

	case TypeJiraProject.Type:
		if m.deps.Config.Jira == nil {
			return nil, fmt.Errorf("%w: jira support is not enabled", ErrNotConfigured)
		}
		var state JiraProjectState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode connection data: %w", err)
		}
		if state.ID == "" {
			return nil, fmt.Errorf("project id is required")
		}
		for _, conn := range m.GetAllConnectionsForRoom(roomID) {
			if c, ok := conn.(*JiraProjectConnection); ok && c.ProjectKey() == strings.ToUpper(state.ID) {
				return nil, fmt.Errorf("room is already connected to project %s", c.ProjectKey())
			}
		}
		stateKey := strings.ToUpper(state.ID)
		if err := m.deps.Matrix.SendStateEvent(ctx, roomID, TypeJiraProject, stateKey, &state); err != nil {
			return nil, fmt.Errorf("failed to write connection state: %w", err)
		}
		conn := NewJiraProjectConnection(m.deps, roomID, stateKey, state)
		m.Push(conn)
		return conn, nil

	case TypeGenericHook.Type:
		if !m.deps.Config.GenericEnabled() {
			return nil, fmt.Errorf("%w: generic webhooks are not enabled", ErrNotConfigured)
		}
		var state GenericHookState
		if err := json.Unmarshal(data, &state); err != nil {
			return nil, fmt.Errorf("failed to decode connection data: %w", err)
		}
		if state.Name == "" {
			return nil, fmt.Errorf("hook name is required")
		}
		for _, conn := range m.GetAllConnectionsForRoom(roomID) {
			if c, ok := conn.(*GenericHookConnection); ok && c.Name() == state.Name {
				return nil, fmt.Errorf("room already has a hook named %q", state.Name)
			}
		}
		if err := m.deps.Matrix.SendStateEvent(ctx, roomID, TypeGenericHook, state.Name, &state); err != nil {
			return nil, fmt.Errorf("failed to write connection state: %w", err)
		}
		conn, err := NewGenericHookConnection(ctx, m.deps, roomID, state.Name, state)
		if err != nil {
			return nil, err
		}
		m.Push(conn)
		return conn, nil
	}
	return nil, fmt.Errorf("%w: %s connections cannot be provisioned", ErrUnsupported, connType)
}
