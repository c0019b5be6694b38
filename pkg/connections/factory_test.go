// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"maunium.net/go/mautrix/id"
)

func TestCreateConnectionForStatePerKind(t *testing.T) {
	deps, matrix, _, _ := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")

	cases := []struct {
		name    string
		install func() interface{ ConnectionID() string }
	}{
		{"github repo", func() interface{ ConnectionID() string } {
			evt := matrix.putState(roomID, TypeGithubRepo, "octo/demo", map[string]any{"org": "octo", "repo": "demo"})
			conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, ok := conn.(*GithubRepoConnection); !ok {
				t.Fatalf("wrong kind %T", conn)
			}
			return conn
		}},
		{"github issue", func() interface{ ConnectionID() string } {
			evt := matrix.putState(roomID, TypeGithubIssue, "", map[string]any{
				"org": "octo", "repo": "demo", "issues": []any{"5"},
			})
			conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, ok := conn.(*GithubIssueConnection); !ok {
				t.Fatalf("wrong kind %T", conn)
			}
			return conn
		}},
		{"github project", func() interface{ ConnectionID() string } {
			evt := matrix.putState(roomID, TypeGithubProject, "12", map[string]any{"project_id": 12})
			conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			proj, ok := conn.(*GithubProjectConnection)
			if !ok {
				t.Fatalf("wrong kind %T", conn)
			}
			if proj.ProjectID() != 12 {
				t.Fatalf("project id = %d", proj.ProjectID())
			}
			return conn
		}},
		{"gitlab repo", func() interface{ ConnectionID() string } {
			evt := matrix.putState(roomID, TypeGitlabRepo, "group/proj", map[string]any{
				"instance": "gitlab.com", "path": "group/proj",
			})
			conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, ok := conn.(*GitlabRepoConnection); !ok {
				t.Fatalf("wrong kind %T", conn)
			}
			return conn
		}},
		{"jira project", func() interface{ ConnectionID() string } {
			evt := matrix.putState(roomID, TypeJiraProject, "PROJ", map[string]any{"id": "PROJ"})
			conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			if _, ok := conn.(*JiraProjectConnection); !ok {
				t.Fatalf("wrong kind %T", conn)
			}
			return conn
		}},
		{"generic hook", func() interface{ ConnectionID() string } {
			evt := matrix.putState(roomID, TypeGenericHook, "deploys", map[string]any{"name": "deploys"})
			conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			hook, ok := conn.(*GenericHookConnection)
			if !ok {
				t.Fatalf("wrong kind %T", conn)
			}
			if hook.HookID() == "" {
				t.Fatal("expected a generated hook id")
			}
			return conn
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			conn := tc.install()
			if conn.ConnectionID() == "" {
				t.Fatal("empty connection id")
			}
		})
	}
}

func TestCreateConnectionForStateLegacyType(t *testing.T) {
	deps, matrix, _, _ := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	evt := matrix.putState(roomID, TypeGithubRepoLegacy, "octo/demo", map[string]any{"org": "octo", "repo": "demo"})

	conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, ok := conn.(*GithubRepoConnection); !ok {
		t.Fatalf("wrong kind %T", conn)
	}
}

func TestCreateConnectionForStateDisabled(t *testing.T) {
	deps, matrix, _, _ := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	evt := matrix.putState(roomID, TypeGithubRepo, "octo/demo", map[string]any{
		"org": "octo", "repo": "demo", "disabled": true,
	})

	conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conn != nil {
		t.Fatalf("disabled state must yield no connection, got %v", conn)
	}
}

func TestCreateConnectionForStateUnknownType(t *testing.T) {
	deps, matrix, _, _ := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	evt := matrix.putState(roomID, TypeGithubRepo, "x", map[string]any{"whatever": true})
	evt.Type.Type = "m.room.unrelated"

	conn, err := m.CreateConnectionForState(context.Background(), roomID, evt)
	if err != nil || conn != nil {
		t.Fatalf("unknown type must yield (nil, nil), got (%v, %v)", conn, err)
	}
}

func TestCreateConnectionForStateNotConfigured(t *testing.T) {
	deps, matrix, _, _ := testDeps()
	deps.Config.Github = nil
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	evt := matrix.putState(roomID, TypeGithubRepo, "octo/demo", map[string]any{"org": "octo", "repo": "demo"})

	_, err := m.CreateConnectionForState(context.Background(), roomID, evt)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCreateConnectionForStateUnknownGitlabInstance(t *testing.T) {
	deps, matrix, _, _ := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	evt := matrix.putState(roomID, TypeGitlabRepo, "group/proj", map[string]any{
		"instance": "gitlab.internal", "path": "group/proj",
	})

	_, err := m.CreateConnectionForState(context.Background(), roomID, evt)
	if !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestCreateConnectionsForRoomIdSkipsBadEvents(t *testing.T) {
	deps, matrix, _, github := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	matrix.putState(roomID, TypeGithubRepo, "octo/demo", map[string]any{"org": "octo", "repo": "demo"})
	// Issue sync will fail for this one.
	github.issues = nil
	matrix.putState(roomID, TypeGithubIssue, "", map[string]any{
		"org": "octo", "repo": "demo", "issues": []any{"5"},
	})

	created, err := m.CreateConnectionsForRoomId(context.Background(), roomID)
	if err != nil {
		t.Fatalf("CreateConnectionsForRoomId: %v", err)
	}
	if len(created) != 1 {
		t.Fatalf("expected the repo connection to survive, got %d", len(created))
	}
	if !m.IsRoomConnected(roomID) {
		t.Fatal("room should be connected")
	}
}

func TestProvisionGithubRepo(t *testing.T) {
	deps, matrix, _, _ := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	data, _ := json.Marshal(GithubRepoState{Org: "Octo", Repo: "Demo"})

	conn, err := m.ProvisionConnection(context.Background(), roomID, "@alice:example.com", TypeGithubRepo.Type, data)
	if err != nil {
		t.Fatalf("ProvisionConnection: %v", err)
	}
	if len(matrix.stateSent) != 1 || matrix.stateSent[0].StateKey != "octo/demo" {
		t.Fatalf("expected canonical state write, got %+v", matrix.stateSent)
	}
	if m.GetConnectionByID(conn.ConnectionID()) == nil {
		t.Fatal("provisioned connection not registered")
	}

	// Same repo again conflicts.
	if _, err := m.ProvisionConnection(context.Background(), roomID, "@alice:example.com", TypeGithubRepo.Type, data); err == nil {
		t.Fatal("expected duplicate provisioning to fail")
	}
}

func TestProvisionGenericHookConflictByName(t *testing.T) {
	deps, _, _, _ := testDeps()
	m := NewConnectionManager(deps)
	roomID := id.RoomID("!room:example.com")
	data, _ := json.Marshal(GenericHookState{Name: "deploys"})

	first, err := m.ProvisionConnection(context.Background(), roomID, "@alice:example.com", TypeGenericHook.Type, data)
	if err != nil {
		t.Fatalf("ProvisionConnection: %v", err)
	}
	if first.(*GenericHookConnection).HookID() == "" {
		t.Fatal("expected a hook id")
	}
	if _, err := m.ProvisionConnection(context.Background(), roomID, "@alice:example.com", TypeGenericHook.Type, data); err == nil {
		t.Fatal("expected conflicting hook name to fail")
	}
}

func TestProvisionUnsupportedKind(t *testing.T) {
	deps, _, _, _ := testDeps()
	m := NewConnectionManager(deps)
	_, err := m.ProvisionConnection(context.Background(), "!room:example.com", "@alice:example.com", TypeGithubDiscussion.Type, nil)
	if !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}
