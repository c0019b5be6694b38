// Copyright 2024-2026 Aiku AI

// Package webhooks defines the typed payloads carried on the message queue
// for each external service, along with the minimum-shape validation the
// dispatch engine applies before routing. The ingestion listeners decode raw
// webhook bodies into these types; the dispatch engine and connections never
// see raw service payloads.
package webhooks

import (
	"errors"
	"strings"
)

// ErrMalformed marks an inbound event that is missing required fields. Such
// messages are dropped and logged, never retried: the external service will
// not resend on bridge failure, so dropping one bad notification is
// preferred to blocking the topic.
var ErrMalformed = errors.New("malformed webhook event")

type GithubUser struct {
	Login     string `json:"login"`
	AvatarURL string `json:"avatar_url,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
}

type GithubRepository struct {
	Name     string      `json:"name"`
	FullName string      `json:"full_name,omitempty"`
	Owner    *GithubUser `json:"owner"`
	HTMLURL  string      `json:"html_url,omitempty"`
}

type GithubIssue struct {
	ID      int64       `json:"id"`
	Number  int         `json:"number"`
	Title   string      `json:"title"`
	State   string      `json:"state"`
	Body    string      `json:"body,omitempty"`
	HTMLURL string      `json:"html_url,omitempty"`
	User    *GithubUser `json:"user,omitempty"`
}

type GithubComment struct {
	ID      int64       `json:"id"`
	NodeID  string      `json:"node_id,omitempty"`
	Body    string      `json:"body"`
	HTMLURL string      `json:"html_url,omitempty"`
	User    *GithubUser `json:"user,omitempty"`
}

type GithubPullRequest struct {
	ID      int64       `json:"id"`
	Number  int         `json:"number"`
	Title   string      `json:"title"`
	State   string      `json:"state"`
	Draft   bool        `json:"draft,omitempty"`
	Merged  bool        `json:"merged,omitempty"`
	HTMLURL string      `json:"html_url,omitempty"`
	User    *GithubUser `json:"user,omitempty"`
}

type GithubReview struct {
	ID      int64       `json:"id"`
	State   string      `json:"state"`
	Body    string      `json:"body,omitempty"`
	HTMLURL string      `json:"html_url,omitempty"`
	User    *GithubUser `json:"user,omitempty"`
}

type GithubRelease struct {
	ID      int64  `json:"id"`
	TagName string `json:"tag_name"`
	Name    string `json:"name,omitempty"`
	Body    string `json:"body,omitempty"`
	HTMLURL string `json:"html_url,omitempty"`
}

type GithubDiscussionCategory struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Emoji string `json:"emoji,omitempty"`
}

type GithubDiscussion struct {
	ID       int64                     `json:"id"`
	NodeID   string                    `json:"node_id,omitempty"`
	Number   int                       `json:"number"`
	Title    string                    `json:"title"`
	Body     string                    `json:"body,omitempty"`
	HTMLURL  string                    `json:"html_url,omitempty"`
	User     *GithubUser               `json:"user,omitempty"`
	Category *GithubDiscussionCategory `json:"category,omitempty"`
}

// GithubIssueEvent covers github.issues.* topics.
type GithubIssueEvent struct {
	Action     string            `json:"action"`
	Repository *GithubRepository `json:"repository"`
	Issue      *GithubIssue      `json:"issue"`
	Sender     *GithubUser       `json:"sender,omitempty"`
}

// GithubIssueCommentEvent covers github.issue_comment.* topics.
type GithubIssueCommentEvent struct {
	Action     string            `json:"action"`
	Repository *GithubRepository `json:"repository"`
	Issue      *GithubIssue      `json:"issue"`
	Comment    *GithubComment    `json:"comment"`
}

// GithubPullRequestEvent covers github.pull_request.* topics.
type GithubPullRequestEvent struct {
	Action      string             `json:"action"`
	Repository  *GithubRepository  `json:"repository"`
	PullRequest *GithubPullRequest `json:"pull_request"`
	Sender      *GithubUser        `json:"sender,omitempty"`
}

// GithubReviewEvent covers github.pull_request_review.submitted.
type GithubReviewEvent struct {
	Action      string             `json:"action"`
	Repository  *GithubRepository  `json:"repository"`
	PullRequest *GithubPullRequest `json:"pull_request"`
	Review      *GithubReview      `json:"review"`
}

// GithubReleaseEvent covers github.release.created.
type GithubReleaseEvent struct {
	Action     string            `json:"action"`
	Repository *GithubRepository `json:"repository"`
	Release    *GithubRelease    `json:"release"`
}

// GithubDiscussionEvent covers github.discussion.created.
type GithubDiscussionEvent struct {
	Action     string            `json:"action"`
	Repository *GithubRepository `json:"repository"`
	Discussion *GithubDiscussion `json:"discussion"`
}

// GithubDiscussionCommentEvent covers github.discussion_comment.created.
type GithubDiscussionCommentEvent struct {
	Action     string            `json:"action"`
	Repository *GithubRepository `json:"repository"`
	Discussion *GithubDiscussion `json:"discussion"`
	Comment    *GithubComment    `json:"comment"`
}

// ValidateGithubRepo checks the minimum routing shape shared by all GitHub
// repository-scoped events and returns the normalized owner login and
// repository name.
func ValidateGithubRepo(repo *GithubRepository) (owner, name string, err error) {
	if repo == nil || repo.Owner == nil || repo.Owner.Login == "" || repo.Name == "" {
		return "", "", errors.Join(ErrMalformed, errors.New("missing repository owner or name"))
	}
	return strings.ToLower(repo.Owner.Login), strings.ToLower(repo.Name), nil
}

// ValidateGithubIssue checks the routing shape of issue and issue-comment
// events: a repository with an owner login, plus the issue itself.
func ValidateGithubIssue(repo *GithubRepository, issue *GithubIssue) (owner, name string, number int, err error) {
	owner, name, err = ValidateGithubRepo(repo)
	if err != nil {
		return "", "", 0, err
	}
	if issue == nil || issue.Number == 0 {
		return "", "", 0, errors.Join(ErrMalformed, errors.New("missing issue"))
	}
	return owner, name, issue.Number, nil
}

// ValidateGithubDiscussion checks the routing shape of discussion events.
func ValidateGithubDiscussion(repo *GithubRepository, discussion *GithubDiscussion) (owner, name string, number int, err error) {
	owner, name, err = ValidateGithubRepo(repo)
	if err != nil {
		return "", "", 0, err
	}
	if discussion == nil || discussion.Number == 0 {
		return "", "", 0, errors.Join(ErrMalformed, errors.New("missing discussion"))
	}
	return owner, name, discussion.Number, nil
}
