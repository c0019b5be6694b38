// Copyright 2024-2026 Aiku AI

package webhooks

import "errors"

type JiraProject struct {
	ID   string `json:"id"`
	Key  string `json:"key"`
	Name string `json:"name,omitempty"`
}

type JiraUser struct {
	AccountID   string `json:"accountId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type JiraIssueFields struct {
	Summary string       `json:"summary,omitempty"`
	Project *JiraProject `json:"project"`
	Creator *JiraUser    `json:"creator,omitempty"`
}

type JiraIssue struct {
	ID     string           `json:"id"`
	Key    string           `json:"key"`
	Self   string           `json:"self,omitempty"`
	Fields *JiraIssueFields `json:"fields"`
}

// JiraIssueEvent covers jira.issue_created.
type JiraIssueEvent struct {
	WebhookEvent string     `json:"webhookEvent,omitempty"`
	Issue        *JiraIssue `json:"issue"`
	User         *JiraUser  `json:"user,omitempty"`
}

// ValidateJiraIssue checks the routing shape of Jira issue events and
// returns the owning project.
func ValidateJiraIssue(issue *JiraIssue) (*JiraProject, error) {
	if issue == nil || issue.Fields == nil || issue.Fields.Project == nil || issue.Fields.Project.ID == "" {
		return nil, errors.Join(ErrMalformed, errors.New("missing issue project"))
	}
	return issue.Fields.Project, nil
}
