// Copyright 2024-2026 Aiku AI

package webhooks

import "errors"

type GitlabUser struct {
	Name      string `json:"name,omitempty"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

type GitlabProject struct {
	PathWithNamespace string `json:"path_with_namespace"`
	WebURL            string `json:"web_url,omitempty"`
	Homepage          string `json:"homepage,omitempty"`
}

// GitlabRepository is the legacy repository block GitLab still attaches to
// note and issue hooks; its homepage is the only reliable way to resolve the
// originating instance and project path.
type GitlabRepository struct {
	Name     string `json:"name,omitempty"`
	Homepage string `json:"homepage"`
}

type GitlabIssue struct {
	IID         int    `json:"iid"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	State       string `json:"state,omitempty"`
	URL         string `json:"url,omitempty"`
}

type GitlabMergeRequestAttributes struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	State        string `json:"state,omitempty"`
	URL          string `json:"url,omitempty"`
	SourceBranch string `json:"source_branch,omitempty"`
	TargetBranch string `json:"target_branch,omitempty"`
}

// GitlabMergeRequestEvent covers gitlab.merge_request.* topics.
type GitlabMergeRequestEvent struct {
	User             *GitlabUser                   `json:"user"`
	Project          *GitlabProject                `json:"project"`
	ObjectAttributes *GitlabMergeRequestAttributes `json:"object_attributes"`
}

// GitlabTagPushEvent covers gitlab.tag_push.
type GitlabTagPushEvent struct {
	UserName string         `json:"user_name,omitempty"`
	Ref      string         `json:"ref"`
	Project  *GitlabProject `json:"project"`
}

// GitlabNoteEvent covers gitlab.note.created.
type GitlabNoteEvent struct {
	User             *GitlabUser       `json:"user"`
	Repository       *GitlabRepository `json:"repository"`
	Issue            *GitlabIssue      `json:"issue"`
	ObjectAttributes *struct {
		Note string `json:"note"`
		URL  string `json:"url,omitempty"`
	} `json:"object_attributes"`
}

// GitlabIssueStateEvent covers gitlab.issue.reopen and gitlab.issue.close.
type GitlabIssueStateEvent struct {
	User             *GitlabUser       `json:"user"`
	Repository       *GitlabRepository `json:"repository"`
	ObjectAttributes *struct {
		IID   int    `json:"iid"`
		Title string `json:"title,omitempty"`
	} `json:"object_attributes"`
}

// ValidateGitlabProject checks the minimum routing shape of project-scoped
// GitLab events.
func ValidateGitlabProject(project *GitlabProject) (path string, err error) {
	if project == nil || project.PathWithNamespace == "" {
		return "", errors.Join(ErrMalformed, errors.New("missing project path"))
	}
	return project.PathWithNamespace, nil
}

// ValidateGitlabIssueRef checks the repository homepage and issue iid needed
// to route issue-scoped GitLab webhooks.
func ValidateGitlabIssueRef(repo *GitlabRepository, iid int) (homepage string, err error) {
	if repo == nil || repo.Homepage == "" {
		return "", errors.Join(ErrMalformed, errors.New("missing repository homepage"))
	}
	if iid == 0 {
		return "", errors.Join(ErrMalformed, errors.New("missing issue iid"))
	}
	return repo.Homepage, nil
}
