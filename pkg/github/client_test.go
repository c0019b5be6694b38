// Copyright 2024-2026 Aiku AI

package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetIssue(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/repos/octo/demo/issues/5" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"number": 5, "title": "Flaky test", "state": "open"}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok")
	issue, err := client.GetIssue(context.Background(), "octo", "demo", 5)
	if err != nil {
		t.Fatalf("GetIssue: %v", err)
	}
	if issue.Number != 5 || issue.Title != "Flaky test" || issue.State != "open" {
		t.Fatalf("unexpected issue %+v", issue)
	}
}

func TestCreateIssueComment(t *testing.T) {
	var gotBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/repos/octo/demo/issues/5/comments" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	client := NewClient(server.URL, "tok")
	if err := client.CreateIssueComment(context.Background(), "octo", "demo", 5, "hello"); err != nil {
		t.Fatalf("CreateIssueComment: %v", err)
	}
	if gotBody["body"] != "hello" {
		t.Fatalf("comment body = %q", gotBody["body"])
	}
}

func TestErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message": "Not Found"}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(server.URL, "")
	if _, err := client.GetIssue(context.Background(), "octo", "demo", 404); err == nil {
		t.Fatal("expected an error for 404")
	}
}
