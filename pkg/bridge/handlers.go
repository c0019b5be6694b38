// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"

	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/connections"
	"github.com/aiku/matrix-hookbridge/pkg/msgqueue"
	"github.com/aiku/matrix-hookbridge/pkg/webhooks"
)

// registerQueueHandlers subscribes the dispatch engine to every webhook
// topic and attaches the per-topic handlers. Handlers are wrapped with
// async: the in-process queue invokes them on its dispatch goroutine, and
// several of them block on request/response round trips over that same
// queue, so running them inline would stall delivery.
func (b *Bridge) registerQueueHandlers() {
	q := b.queue
	q.Subscribe("github.*")
	q.Subscribe("gitlab.*")
	q.Subscribe("jira.*")
	q.Subscribe("generic-webhook.event")
	q.Subscribe("notifications.user.events")
	q.Subscribe("oauth.*")
	q.Subscribe("response.*")

	q.On("github.issues.opened", async(b.onGithubIssueOpened))
	q.On("github.issues.closed", async(b.onGithubIssueStateChange))
	q.On("github.issues.reopened", async(b.onGithubIssueStateChange))
	q.On("github.issues.edited", async(b.onGithubIssueEdited))
	q.On("github.issue_comment.created", async(b.onGithubIssueComment))
	q.On("github.pull_request.opened", async(b.onGithubPROpened))
	q.On("github.pull_request.closed", async(b.onGithubPRClosed))
	q.On("github.pull_request.ready_for_review", async(b.onGithubPRReady))
	q.On("github.pull_request_review.submitted", async(b.onGithubPRReview))
	q.On("github.release.created", async(b.onGithubRelease))
	q.On("github.discussion.created", async(b.onGithubDiscussionCreated))
	q.On("github.discussion_comment.created", async(b.onGithubDiscussionComment))

	q.On("gitlab.merge_request.open", async(b.onGitlabMergeRequest))
	q.On("gitlab.tag_push", async(b.onGitlabTagPush))
	q.On("gitlab.note.created", async(b.onGitlabNote))
	q.On("gitlab.issue.reopen", async(b.onGitlabIssueReopen))
	q.On("gitlab.issue.close", async(b.onGitlabIssueClose))

	q.On("jira.issue_created", async(b.onJiraIssueCreated))
	q.On("generic-webhook.event", async(b.onGenericHook))

	q.On("notifications.user.events", async(b.onUserNotifications))
	q.On("oauth.response", async(b.onOAuthResponse))
	q.On("oauth.tokens", async(b.onOAuthTokens))
}

// async moves a queue handler onto its own goroutine.
func async(handler msgqueue.Handler) msgqueue.Handler {
	return func(ctx context.Context, msg *msgqueue.Message) {
		go handler(ctx, msg)
	}
}

// decodeOrDrop decodes a queue payload, logging and dropping malformed
// messages. The queue never redelivers, so there is nothing else to do with
// them.
func decodeOrDrop[T any](b *Bridge, msg *msgqueue.Message) (T, bool) {
	payload, err := msgqueue.DataTo[T](msg)
	if err != nil {
		b.log.Error().Err(err).Str("event", msg.EventName).Msg("Dropping malformed queue payload")
		var zero T
		return zero, false
	}
	return payload, true
}

func (b *Bridge) dropMalformed(msg *msgqueue.Message, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, webhooks.ErrMalformed) {
		b.log.Error().Err(err).Str("event", msg.EventName).Msg("Dropping malformed webhook payload")
	} else {
		b.log.Error().Err(err).Str("event", msg.EventName).Msg("Dropping unroutable webhook payload")
	}
	return true
}

// fanOut runs one handler call per connection, each on its own goroutine.
// Delivery is fire-and-forget: the caller never waits on a connection, so a
// slow remote call delays only that connection's handling of that event.
// Panics and errors are contained and logged per connection so one bad
// handler cannot poison the rest of the delivery.
func fanOut[C connections.Connection](b *Bridge, ctx context.Context, conns []C, call func(ctx context.Context, conn C) error) {
	for _, conn := range conns {
		go func(conn C) {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error().Interface("panic", r).Stringer("connection", conn).Msg("Connection handler panicked")
				}
			}()
			if err := call(ctx, conn); err != nil {
				b.log.Error().Err(err).Stringer("connection", conn).Msg("Connection handler failed")
			}
		}(conn)
	}
}

func (b *Bridge) onGithubIssueOpened(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubIssueEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, _, err := webhooks.ValidateGithubIssue(evt.Repository, evt.Issue)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubRepo(owner, repo), func(ctx context.Context, c *connections.GithubRepoConnection) error {
		return c.OnIssueCreated(ctx, evt)
	})
}

func (b *Bridge) onGithubIssueStateChange(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubIssueEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, number, err := webhooks.ValidateGithubIssue(evt.Repository, evt.Issue)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubIssue(owner, repo, number), func(ctx context.Context, conn connections.Connection) error {
		if handler, ok := conn.(connections.IssueStateHandler); ok {
			return handler.OnIssueStateChange(ctx, evt)
		}
		return nil
	})
}

// onGithubIssueEdited delivers the edit exactly once per interested
// connection: the lookup unions issue-level and repo-level connections.
func (b *Bridge) onGithubIssueEdited(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubIssueEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, number, err := webhooks.ValidateGithubIssue(evt.Repository, evt.Issue)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubIssue(owner, repo, number), func(ctx context.Context, conn connections.Connection) error {
		if handler, ok := conn.(connections.IssueEditedHandler); ok {
			return handler.OnIssueEdited(ctx, evt)
		}
		return nil
	})
}

func (b *Bridge) onGithubIssueComment(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubIssueCommentEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, number, err := webhooks.ValidateGithubIssue(evt.Repository, evt.Issue)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubIssue(owner, repo, number), func(ctx context.Context, conn connections.Connection) error {
		if handler, ok := conn.(connections.IssueCommentHandler); ok {
			return handler.OnIssueCommentCreated(ctx, evt)
		}
		return nil
	})
}

func (b *Bridge) githubPRFanOut(ctx context.Context, msg *msgqueue.Message, call func(ctx context.Context, c connections.PullRequestHandler, evt *webhooks.GithubPullRequestEvent) error) {
	evt, ok := decodeOrDrop[*webhooks.GithubPullRequestEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, err := webhooks.ValidateGithubRepo(evt.Repository)
	if b.dropMalformed(msg, err) {
		return
	}
	if evt.PullRequest == nil {
		b.dropMalformed(msg, webhooks.ErrMalformed)
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubRepo(owner, repo), func(ctx context.Context, c *connections.GithubRepoConnection) error {
		return call(ctx, c, evt)
	})
}

func (b *Bridge) onGithubPROpened(ctx context.Context, msg *msgqueue.Message) {
	b.githubPRFanOut(ctx, msg, func(ctx context.Context, c connections.PullRequestHandler, evt *webhooks.GithubPullRequestEvent) error {
		return c.OnPROpened(ctx, evt)
	})
}

func (b *Bridge) onGithubPRClosed(ctx context.Context, msg *msgqueue.Message) {
	b.githubPRFanOut(ctx, msg, func(ctx context.Context, c connections.PullRequestHandler, evt *webhooks.GithubPullRequestEvent) error {
		return c.OnPRClosed(ctx, evt)
	})
}

func (b *Bridge) onGithubPRReady(ctx context.Context, msg *msgqueue.Message) {
	b.githubPRFanOut(ctx, msg, func(ctx context.Context, c connections.PullRequestHandler, evt *webhooks.GithubPullRequestEvent) error {
		return c.OnPRReadyForReview(ctx, evt)
	})
}

func (b *Bridge) onGithubPRReview(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubReviewEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, err := webhooks.ValidateGithubRepo(evt.Repository)
	if b.dropMalformed(msg, err) {
		return
	}
	if evt.Review == nil || evt.PullRequest == nil {
		b.dropMalformed(msg, webhooks.ErrMalformed)
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubRepo(owner, repo), func(ctx context.Context, c *connections.GithubRepoConnection) error {
		return c.OnPRReviewed(ctx, evt)
	})
}

func (b *Bridge) onGithubRelease(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubReleaseEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, err := webhooks.ValidateGithubRepo(evt.Repository)
	if b.dropMalformed(msg, err) {
		return
	}
	if evt.Release == nil {
		b.dropMalformed(msg, webhooks.ErrMalformed)
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubRepo(owner, repo), func(ctx context.Context, c *connections.GithubRepoConnection) error {
		return c.OnReleaseCreated(ctx, evt)
	})
}

// onGithubDiscussionCreated creates a discussion room, but only when a
// discussion space opted the repository in. The new room is attached to
// every interested space.
func (b *Bridge) onGithubDiscussionCreated(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubDiscussionEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, number, err := webhooks.ValidateGithubDiscussion(evt.Repository, evt.Discussion)
	if b.dropMalformed(msg, err) {
		return
	}
	spaces := b.conns.GetConnectionsForGithubRepoDiscussion(owner, repo)
	if len(spaces) == 0 {
		return
	}
	if len(b.conns.GetConnectionsForGithubDiscussion(owner, repo, number)) > 0 {
		return
	}
	conn, err := connections.CreateDiscussionRoom(ctx, b.connDeps(), "", owner, repo, evt.Discussion)
	if err != nil {
		b.log.Error().Err(err).Str("repo", owner+"/"+repo).Msg("Failed to create discussion room")
		return
	}
	b.conns.Push(conn)
	fanOut(b, ctx, spaces, func(ctx context.Context, space *connections.GithubDiscussionSpaceConnection) error {
		return space.OnDiscussionCreated(ctx, conn)
	})
}

func (b *Bridge) onGithubDiscussionComment(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GithubDiscussionCommentEvent](b, msg)
	if !ok {
		return
	}
	owner, repo, number, err := webhooks.ValidateGithubDiscussion(evt.Repository, evt.Discussion)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGithubDiscussion(owner, repo, number), func(ctx context.Context, c *connections.GithubDiscussionConnection) error {
		return c.OnDiscussionCommentCreated(ctx, evt)
	})
}

func (b *Bridge) onGitlabMergeRequest(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GitlabMergeRequestEvent](b, msg)
	if !ok {
		return
	}
	path, err := webhooks.ValidateGitlabProject(evt.Project)
	if b.dropMalformed(msg, err) {
		return
	}
	if evt.ObjectAttributes == nil {
		b.dropMalformed(msg, webhooks.ErrMalformed)
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGitlabRepo(path), func(ctx context.Context, c *connections.GitlabRepoConnection) error {
		return c.OnMergeRequestOpened(ctx, evt)
	})
}

func (b *Bridge) onGitlabTagPush(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GitlabTagPushEvent](b, msg)
	if !ok {
		return
	}
	path, err := webhooks.ValidateGitlabProject(evt.Project)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGitlabRepo(path), func(ctx context.Context, c *connections.GitlabRepoConnection) error {
		return c.OnTagPush(ctx, evt)
	})
}

func (b *Bridge) onGitlabNote(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GitlabNoteEvent](b, msg)
	if !ok {
		return
	}
	if evt.Issue == nil {
		// Notes on MRs, commits and snippets have no issue room.
		return
	}
	homepage, err := webhooks.ValidateGitlabIssueRef(evt.Repository, evt.Issue.IID)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGitlabIssueWebhook(homepage, evt.Issue.IID), func(ctx context.Context, c *connections.GitlabIssueConnection) error {
		return c.OnCommentCreated(ctx, evt)
	})
}

func (b *Bridge) gitlabIssueStateFanOut(ctx context.Context, msg *msgqueue.Message, call func(ctx context.Context, c *connections.GitlabIssueConnection) error) {
	evt, ok := decodeOrDrop[*webhooks.GitlabIssueStateEvent](b, msg)
	if !ok {
		return
	}
	if evt.ObjectAttributes == nil {
		b.dropMalformed(msg, webhooks.ErrMalformed)
		return
	}
	homepage, err := webhooks.ValidateGitlabIssueRef(evt.Repository, evt.ObjectAttributes.IID)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGitlabIssueWebhook(homepage, evt.ObjectAttributes.IID), call)
}

func (b *Bridge) onGitlabIssueReopen(ctx context.Context, msg *msgqueue.Message) {
	b.gitlabIssueStateFanOut(ctx, msg, func(ctx context.Context, c *connections.GitlabIssueConnection) error {
		return c.OnIssueReopened(ctx)
	})
}

func (b *Bridge) onGitlabIssueClose(ctx context.Context, msg *msgqueue.Message) {
	b.gitlabIssueStateFanOut(ctx, msg, func(ctx context.Context, c *connections.GitlabIssueConnection) error {
		return c.OnIssueClosed(ctx)
	})
}

func (b *Bridge) onJiraIssueCreated(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.JiraIssueEvent](b, msg)
	if !ok {
		return
	}
	project, err := webhooks.ValidateJiraIssue(evt.Issue)
	if b.dropMalformed(msg, err) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForJiraProject(project, msg.EventName), func(ctx context.Context, c *connections.JiraProjectConnection) error {
		return c.OnJiraIssueCreated(ctx, evt)
	})
}

func (b *Bridge) onGenericHook(ctx context.Context, msg *msgqueue.Message) {
	evt, ok := decodeOrDrop[*webhooks.GenericHookEvent](b, msg)
	if !ok {
		return
	}
	if b.dropMalformed(msg, evt.Validate()) {
		return
	}
	fanOut(b, ctx, b.conns.GetConnectionsForGenericWebhook(evt.HookID), func(ctx context.Context, c *connections.GenericHookConnection) error {
		return c.OnGenericHook(ctx, evt.HookData)
	})
}

// userNotificationPayload is the shape the notification watcher pushes on
// notifications.user.events.
type userNotificationPayload struct {
	RoomID string `json:"roomId"`
	Events []struct {
		Subject string `json:"subject"`
		Reason  string `json:"reason"`
		URL     string `json:"url,omitempty"`
	} `json:"events"`
}

func (b *Bridge) onUserNotifications(ctx context.Context, msg *msgqueue.Message) {
	payload, ok := decodeOrDrop[userNotificationPayload](b, msg)
	if !ok {
		return
	}
	room := b.adminRoom(id.RoomID(payload.RoomID))
	if room == nil {
		b.log.Warn().Str("room_id", payload.RoomID).Msg("Notification events for unknown admin room")
		return
	}
	for _, evt := range payload.Events {
		room.OnNotification(ctx, evt.Subject, evt.Reason, evt.URL)
	}
}

// oauthResponsePayload is the OAuth listener asking whether a callback's
// state token belongs to a pending login. The answer goes back on the
// response topic so the listener can reject forged callbacks before
// exchanging the code.
type oauthResponsePayload struct {
	State string `json:"state"`
}

type oauthResponseResult struct {
	Approved bool      `json:"approved"`
	UserID   id.UserID `json:"userId,omitempty"`
}

func (b *Bridge) onOAuthResponse(ctx context.Context, msg *msgqueue.Message) {
	payload, ok := decodeOrDrop[oauthResponsePayload](b, msg)
	if !ok {
		return
	}
	result := oauthResponseResult{}
	b.adminMu.Lock()
	for _, room := range b.adminRooms {
		if room.VerifyOAuthState(payload.State) {
			result.Approved = true
			result.UserID = room.UserID()
			break
		}
	}
	b.adminMu.Unlock()

	resp, err := msgqueue.NewMessage(msgqueue.ResponseTopic(msg.EventName), "Bridge", &result)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to encode oauth response")
		return
	}
	resp.MessageID = msg.MessageID
	if err := b.queue.Push(ctx, resp); err != nil {
		b.log.Error().Err(err).Msg("Failed to push oauth response")
	}
}

// oauthTokensPayload is the shape the OAuth listener pushes on oauth.tokens
// after exchanging a grant. The user was already resolved by the
// oauth.response round trip, so the state token is not re-checked here.
type oauthTokensPayload struct {
	UserID string `json:"userId"`
}

func (b *Bridge) onOAuthTokens(ctx context.Context, msg *msgqueue.Message) {
	payload, ok := decodeOrDrop[oauthTokensPayload](b, msg)
	if !ok {
		return
	}
	room := b.adminRoomForUser(id.UserID(payload.UserID))
	if room == nil {
		b.log.Warn().Str("user_id", payload.UserID).Msg("OAuth tokens with no matching admin room")
		return
	}
	room.OnOAuthGranted(ctx)
}
