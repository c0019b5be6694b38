// Copyright 2024-2026 Aiku AI

package bridge

import (
	"testing"
)

func TestQueryAliasCreatesDiscussionSpace(t *testing.T) {
	b, matrix, _ := newTestBridge()

	if !b.QueryAlias("#github_disc_octo_demo:example.com") {
		t.Fatal("discussion space alias must be honoured")
	}
	created := matrix.createdReqs()
	if len(created) != 1 {
		t.Fatalf("expected 1 room creation, got %d", len(created))
	}
	req := created[0]
	if req.RoomAliasName != "github_disc_octo_demo" {
		t.Fatalf("alias localpart = %q", req.RoomAliasName)
	}
	if req.CreationContent["type"] != "m.space" {
		t.Fatalf("expected a space, got creation content %v", req.CreationContent)
	}
	if len(b.conns.GetConnectionsForGithubRepoDiscussion("octo", "demo")) != 1 {
		t.Fatal("space connection not registered")
	}
}

func TestQueryAliasRejectsForeignDomain(t *testing.T) {
	b, matrix, _ := newTestBridge()

	if b.QueryAlias("#github_disc_octo_demo:other.com") {
		t.Fatal("alias on a foreign domain must be declined")
	}
	if got := matrix.createdReqs(); len(got) != 0 {
		t.Fatalf("no room must be created, got %d", len(got))
	}
}
