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

// ConnectionManager is the live registry of connections plus the factory
// that materializes them from room state. Lookups scan a snapshot of the
// slice; the collection is small enough that indexes would not pay for
// their bookkeeping.
type ConnectionManager struct {
	deps Deps

	mu          sync.Mutex
	connections []Connection
}

// NewConnectionManager builds an empty registry.
func NewConnectionManager(deps Deps) *ConnectionManager {
	return &ConnectionManager{deps: deps}
}

// Push registers connections, skipping any whose ConnectionID is already
// present.
func (m *ConnectionManager) Push(conns ...Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, conn := range conns {
		if m.lockedFind(conn.ConnectionID()) != nil {
			continue
		}
		m.connections = append(m.connections, conn)
	}
}

// Size returns the number of registered connections.
func (m *ConnectionManager) Size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections)
}

func (m *ConnectionManager) lockedFind(connectionID string) Connection {
	for _, conn := range m.connections {
		if conn.ConnectionID() == connectionID {
			return conn
		}
	}
	return nil
}

// snapshot returns a copy of the registry for lock-free iteration.
func (m *ConnectionManager) snapshot() []Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Connection, len(m.connections))
	copy(out, m.connections)
	return out
}

// GetConnectionByID returns the connection with the given id, or nil.
func (m *ConnectionManager) GetConnectionByID(connectionID string) Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lockedFind(connectionID)
}

// GetAllConnectionsForRoom returns every connection bound to the room.
func (m *ConnectionManager) GetAllConnectionsForRoom(roomID id.RoomID) []Connection {
	var out []Connection
	for _, conn := range m.snapshot() {
		if conn.RoomID() == roomID {
			out = append(out, conn)
		}
	}
	return out
}

// IsRoomConnected reports whether any connection is bound to the room.
func (m *ConnectionManager) IsRoomConnected(roomID id.RoomID) bool {
	for _, conn := range m.snapshot() {
		if conn.RoomID() == roomID {
			return true
		}
	}
	return false
}

// GetInterestedForRoomState returns the room's connections claiming the
// given state event.
func (m *ConnectionManager) GetInterestedForRoomState(roomID id.RoomID, evtType event.Type, stateKey string) []Connection {
	var out []Connection
	for _, conn := range m.snapshot() {
		if conn.RoomID() == roomID && conn.IsInterestedInStateEvent(evtType, stateKey) {
			out = append(out, conn)
		}
	}
	return out
}

// GetConnectionsForGithubRepo returns the repository connections watching
// owner/repo. Matching is case-insensitive.
func (m *ConnectionManager) GetConnectionsForGithubRepo(owner, repo string) []*GithubRepoConnection {
	owner = strings.ToLower(owner)
	repo = strings.ToLower(repo)
	var out []*GithubRepoConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*GithubRepoConnection); ok && c.Org() == owner && c.Repo() == repo {
			out = append(out, c)
		}
	}
	return out
}

// GetConnectionsForGithubIssue returns the connections interested in one
// issue: its dedicated issue connections plus the repository connections
// watching the whole repo.
func (m *ConnectionManager) GetConnectionsForGithubIssue(owner, repo string, issueNumber int) []Connection {
	owner = strings.ToLower(owner)
	repo = strings.ToLower(repo)
	var out []Connection
	for _, conn := range m.snapshot() {
		switch c := conn.(type) {
		case *GithubIssueConnection:
			if c.Org() == owner && c.Repo() == repo && c.IssueNumber() == issueNumber {
				out = append(out, c)
			}
		case *GithubRepoConnection:
			if c.Org() == owner && c.Repo() == repo {
				out = append(out, c)
			}
		}
	}
	return out
}

// GetConnectionsForGithubRepoDiscussion returns the discussion spaces opted
// in to a repository's discussions.
func (m *ConnectionManager) GetConnectionsForGithubRepoDiscussion(owner, repo string) []*GithubDiscussionSpaceConnection {
	owner = strings.ToLower(owner)
	repo = strings.ToLower(repo)
	var out []*GithubDiscussionSpaceConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*GithubDiscussionSpaceConnection); ok && c.Owner() == owner && c.Repo() == repo {
			out = append(out, c)
		}
	}
	return out
}

// GetConnectionsForGithubDiscussion returns the connections bound to one
// discussion thread.
func (m *ConnectionManager) GetConnectionsForGithubDiscussion(owner, repo string, discussionNumber int) []*GithubDiscussionConnection {
	owner = strings.ToLower(owner)
	repo = strings.ToLower(repo)
	var out []*GithubDiscussionConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*GithubDiscussionConnection); ok &&
			c.Owner() == owner && c.Repo() == repo && c.DiscussionNumber() == discussionNumber {
			out = append(out, c)
		}
	}
	return out
}

// GetForGithubProject returns the connections bound to a project board.
func (m *ConnectionManager) GetForGithubProject(projectID int64) []*GithubProjectConnection {
	var out []*GithubProjectConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*GithubProjectConnection); ok && c.ProjectID() == projectID {
			out = append(out, c)
		}
	}
	return out
}

// GetConnectionsForGitlabRepo returns the repository connections watching a
// project path on any instance. Matching is case-insensitive.
func (m *ConnectionManager) GetConnectionsForGitlabRepo(path string) []*GitlabRepoConnection {
	path = strings.ToLower(path)
	var out []*GitlabRepoConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*GitlabRepoConnection); ok && c.Path() == path {
			out = append(out, c)
		}
	}
	return out
}

// GetConnectionsForGitlabIssue returns the issue connections for one issue
// on one instance.
func (m *ConnectionManager) GetConnectionsForGitlabIssue(instanceURL, path string, iid int) []*GitlabIssueConnection {
	path = strings.ToLower(path)
	var out []*GitlabIssueConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*GitlabIssueConnection); ok &&
			c.InstanceURL() == instanceURL && c.ProjectPath() == path && c.IssueNumber() == iid {
			out = append(out, c)
		}
	}
	return out
}

// GetConnectionsForGitlabIssueWebhook resolves a webhook's project homepage
// URL to an instance and looks the issue up under it. Webhooks from
// instances absent from the config match nothing.
func (m *ConnectionManager) GetConnectionsForGitlabIssueWebhook(homepage string, iid int) []*GitlabIssueConnection {
	if m.deps.Config.Gitlab == nil {
		return nil
	}
	_, instance, path, ok := SplitGitlabHomepage(m.deps.Config.Gitlab.Instances, homepage)
	if !ok {
		return nil
	}
	return m.GetConnectionsForGitlabIssue(instance.URL, path, iid)
}

// GetConnectionsForJiraProject returns the Jira connections watching the
// project that also declared interest in the webhook topic.
func (m *ConnectionManager) GetConnectionsForJiraProject(project *webhooks.JiraProject, eventName string) []*JiraProjectConnection {
	var out []*JiraProjectConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*JiraProjectConnection); ok &&
			c.InterestedInProject(project) && c.IsInterestedInHookEvent(eventName) {
			out = append(out, c)
		}
	}
	return out
}

// GetConnectionsForGenericWebhook returns the connections addressed by a
// hook id.
func (m *ConnectionManager) GetConnectionsForGenericWebhook(hookID string) []*GenericHookConnection {
	var out []*GenericHookConnection
	for _, conn := range m.snapshot() {
		if c, ok := conn.(*GenericHookConnection); ok && c.HookID() == hookID {
			out = append(out, c)
		}
	}
	return out
}

// RemoveConnection tears a connection down and drops it from the registry.
// The connection must belong to the room and support removal. When the last
// connection of a room goes, the bot leaves it.
func (m *ConnectionManager) RemoveConnection(ctx context.Context, roomID id.RoomID, connectionID string) error {
	m.mu.Lock()
	idx := -1
	for i, conn := range m.connections {
		if conn.RoomID() == roomID && conn.ConnectionID() == connectionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: connection %s in room %s", ErrNotFound, connectionID, roomID)
	}
	conn := m.connections[idx]
	removable, ok := conn.(Removable)
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s cannot be removed", ErrUnsupported, conn)
	}
	m.mu.Unlock()

	// Teardown before dropping from the registry: if the tombstone write
	// fails the connection stays live, matching the room state it would be
	// rebuilt from after a restart.
	if err := removable.OnRemove(ctx); err != nil {
		return fmt.Errorf("failed to remove %s: %w", conn, err)
	}
	m.mu.Lock()
	for i, c := range m.connections {
		if c == conn {
			m.connections = append(m.connections[:i], m.connections[i+1:]...)
			break
		}
	}
	m.mu.Unlock()
	if !m.IsRoomConnected(roomID) {
		if err := m.deps.Matrix.LeaveRoom(ctx, roomID); err != nil {
			m.deps.Log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to leave emptied room")
		}
	}
	return nil
}
