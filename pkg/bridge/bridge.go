// Copyright 2024-2026 Aiku AI

// Package bridge wires the appservice, the message queue and the connection
// registry into the running service: it discovers connections from room
// state on boot, keeps them in sync with live state updates, dispatches
// webhook topics from the queue and hosts admin rooms.
package bridge

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/config"
	"github.com/aiku/matrix-hookbridge/pkg/connections"
	"github.com/aiku/matrix-hookbridge/pkg/github"
	"github.com/aiku/matrix-hookbridge/pkg/msgqueue"
)

const bootRetryInterval = 5 * time.Second

// Bridge owns the service's long-lived components.
type Bridge struct {
	cfg   *config.BridgeConfig
	log   zerolog.Logger
	as    *appservice.AppService
	ep    *appservice.EventProcessor
	queue msgqueue.MessageQueue

	matrix    connections.MatrixClient
	messenger connections.MessageSender
	intents   *intentManager
	conns     *connections.ConnectionManager

	adminMu       sync.Mutex
	adminRooms    map[id.RoomID]*AdminRoom
	adminCommands chan AdminCommand

	ready  atomic.Bool
	cancel context.CancelFunc
}

// New assembles a bridge from config and the appservice registration file.
func New(cfg *config.BridgeConfig, registrationPath string, log zerolog.Logger) (*Bridge, error) {
	as := appservice.Create()
	var err error
	as.Registration, err = appservice.LoadRegistration(registrationPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load registration: %w", err)
	}
	as.HomeserverDomain = cfg.Bridge.Domain
	if err = as.SetHomeserverURL(cfg.Bridge.URL); err != nil {
		return nil, fmt.Errorf("failed to set homeserver URL: %w", err)
	}
	as.Host = appservice.HostConfig{
		Hostname: cfg.Bridge.BindAddress,
		Port:     cfg.Bridge.Port,
	}
	as.Log = log.With().Str("component", "appservice").Logger()

	queue := msgqueue.NewFromAddr(cfg.Queue.RedisAddr(), log.With().Str("component", "msgqueue").Logger())

	b := &Bridge{
		cfg:           cfg,
		log:           log,
		as:            as,
		queue:         queue,
		matrix:        newAppserviceClient(as),
		messenger:     NewMessageSenderClient(queue),
		intents:       newIntentManager(as, log),
		adminRooms:    map[id.RoomID]*AdminRoom{},
		adminCommands: make(chan AdminCommand, 16),
	}

	var gh connections.GithubClient
	if cfg.Github != nil {
		gh = github.NewClient(cfg.Github.BaseURL, "")
	}
	b.conns = connections.NewConnectionManager(connections.Deps{
		Matrix:    b.matrix,
		Messenger: b.messenger,
		Config:    cfg,
		Github:    gh,
		Log:       log.With().Str("component", "connections").Logger(),
	})
	return b, nil
}

// Start brings the bridge up: event processing, queue consumption, the
// appservice listener and the boot-time room sync. It returns once the
// components are running; the sync continues in the background.
func (b *Bridge) Start(ctx context.Context) error {
	ctx, b.cancel = context.WithCancel(ctx)

	b.ep = appservice.NewEventProcessor(b.as)
	b.ep.On(event.EventMessage, b.onRoomMessage)
	b.ep.On(event.StateMember, b.onMemberEvent)
	for _, evtType := range connectionStateTypes() {
		b.ep.On(evtType, b.onStateEvent)
	}
	b.as.QueryHandler = b

	b.as.Router.HandleFunc("/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	b.as.Router.HandleFunc("/ready", func(w http.ResponseWriter, _ *http.Request) {
		if b.ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	NewMatrixSender(b).Listen(b.queue)
	b.registerQueueHandlers()

	go b.as.Start()
	go b.ep.Start(ctx)
	go b.adminCommandLoop(ctx)
	go b.bootSync(ctx)
	return nil
}

// Stop shuts the bridge down.
func (b *Bridge) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.ep != nil {
		b.ep.Stop()
	}
	b.as.Stop()
	b.queue.Stop()
}

// Ready reports whether boot sync has completed.
func (b *Bridge) Ready() bool {
	return b.ready.Load()
}

// connectionStateTypes lists every state event type that can back a
// connection, canonical and legacy.
func connectionStateTypes() []event.Type {
	return []event.Type{
		connections.TypeGithubRepo, connections.TypeGithubRepoLegacy,
		connections.TypeGithubIssue, connections.TypeGithubIssueLegacy,
		connections.TypeGithubDiscussion, connections.TypeGithubDiscussionLegacy,
		connections.TypeGithubDiscussionSpace, connections.TypeGithubDiscussionSpaceLegacy,
		connections.TypeGithubProject,
		connections.TypeGitlabRepo, connections.TypeGitlabRepoLegacy,
		connections.TypeGitlabIssue,
		connections.TypeJiraProject,
		connections.TypeGenericHook,
	}
}

// bootSync fetches the joined room list, retrying indefinitely, then runs
// connection discovery over every room. The bridge only reports ready once
// the walk finishes.
func (b *Bridge) bootSync(ctx context.Context) {
	b.assertBotProfile(ctx)

	var rooms []id.RoomID
	for {
		var err error
		rooms, err = b.matrix.JoinedRooms(ctx)
		if err == nil {
			break
		}
		b.log.Warn().Err(err).Msg("Failed to fetch joined rooms, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(bootRetryInterval):
		}
	}

	for _, roomID := range rooms {
		b.discoverRoom(ctx, roomID)
	}
	b.ready.Store(true)
	b.log.Info().Int("rooms", len(rooms)).Int("connections", b.conns.Size()).Msg("Boot sync complete")
}

// assertBotProfile pushes the configured displayname and avatar.
func (b *Bridge) assertBotProfile(ctx context.Context) {
	if b.cfg.Bot == nil {
		return
	}
	intent := b.as.BotIntent()
	if b.cfg.Bot.Displayname != "" {
		if err := intent.SetDisplayName(ctx, b.cfg.Bot.Displayname); err != nil {
			b.log.Warn().Err(err).Msg("Failed to set bot displayname")
		}
	}
	if b.cfg.Bot.Avatar != "" {
		uri, err := id.ParseContentURI(b.cfg.Bot.Avatar)
		if err != nil {
			b.log.Warn().Err(err).Msg("Configured bot avatar is not an mxc URI")
		} else if err := intent.SetAvatarURL(ctx, uri); err != nil {
			b.log.Warn().Err(err).Msg("Failed to set bot avatar")
		}
	}
}

// discoverRoom builds connections from a room's state. Rooms with no
// connections fall back to the admin-room marker, and failing that stay
// unbound.
func (b *Bridge) discoverRoom(ctx context.Context, roomID id.RoomID) {
	created, err := b.conns.CreateConnectionsForRoomId(ctx, roomID)
	if err != nil {
		b.log.Error().Err(err).Stringer("room_id", roomID).Msg("Failed to discover room connections")
		return
	}
	if len(created) > 0 {
		b.log.Info().Stringer("room_id", roomID).Int("connections", len(created)).Msg("Discovered room connections")
		return
	}

	var marker BridgeRoomData
	if err := b.matrix.RoomAccountData(ctx, roomID, AccountDataBridgeRoom, &marker); err != nil {
		b.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to read admin room marker")
		return
	}
	if marker.AdminUser == "" {
		b.log.Debug().Stringer("room_id", roomID).Msg("Room has no connections")
		return
	}
	b.setupAdminRoom(ctx, roomID, marker.AdminUser)
}

// setupAdminRoom constructs and registers an AdminRoom.
func (b *Bridge) setupAdminRoom(ctx context.Context, roomID id.RoomID, userID id.UserID) *AdminRoom {
	filter, err := loadNotifFilter(ctx, b.matrix, roomID)
	if err != nil {
		b.log.Warn().Err(err).Stringer("room_id", roomID).Msg("Failed to load notification filter")
	}
	room := NewAdminRoom(roomID, userID, filter, b.matrix, b.messenger, b.adminCommands, b.log)
	b.adminMu.Lock()
	b.adminRooms[roomID] = room
	b.adminMu.Unlock()
	return room
}

func (b *Bridge) adminRoom(roomID id.RoomID) *AdminRoom {
	b.adminMu.Lock()
	defer b.adminMu.Unlock()
	return b.adminRooms[roomID]
}

func (b *Bridge) adminRoomForUser(userID id.UserID) *AdminRoom {
	b.adminMu.Lock()
	defer b.adminMu.Unlock()
	for _, room := range b.adminRooms {
		if room.UserID() == userID {
			return room
		}
	}
	return nil
}

// adminCommandLoop reacts to owner requests coming out of admin rooms.
func (b *Bridge) adminCommandLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-b.adminCommands:
			b.handleAdminCommand(ctx, cmd)
		}
	}
}

func (b *Bridge) handleAdminCommand(ctx context.Context, cmd AdminCommand) {
	switch cmd.Kind {
	case AdminCmdSettingsChanged:
		topic := "notifications.user.disable"
		if cmd.Filter.GithubEnabled {
			topic = "notifications.user.enable"
		}
		msg, err := msgqueue.NewMessage(topic, "Bridge", map[string]any{
			"userId":            cmd.Room.UserID(),
			"roomId":            cmd.Room.RoomID(),
			"participatingOnly": cmd.Filter.ParticipatingOnly,
		})
		if err != nil {
			b.log.Error().Err(err).Msg("Failed to encode notification toggle")
			return
		}
		if err := b.queue.Push(ctx, msg); err != nil {
			b.log.Error().Err(err).Msg("Failed to push notification toggle")
		}
	case AdminCmdOpenProject:
		b.openProjectRoom(ctx, cmd)
	case AdminCmdOpenGitlabIssue:
		b.openGitlabIssueRoom(ctx, cmd)
	}
}

// openProjectRoom creates (or reuses) a room for a project board and invites
// the requesting user.
func (b *Bridge) openProjectRoom(ctx context.Context, cmd AdminCommand) {
	for _, existing := range b.conns.GetForGithubProject(cmd.ProjectID) {
		if err := b.matrix.InviteUser(ctx, existing.RoomID(), cmd.Room.UserID()); err != nil {
			b.log.Warn().Err(err).Stringer("room_id", existing.RoomID()).Msg("Failed to invite to project room")
		}
		return
	}
	state := connections.GithubProjectState{ProjectID: cmd.ProjectID}
	roomID, err := b.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:       "private_chat",
		Name:         fmt.Sprintf("Project %d", cmd.ProjectID),
		Invite:       []id.UserID{cmd.Room.UserID()},
		InitialState: []*event.Event{initialStateEvent(connections.TypeGithubProject, &state)},
	})
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to create project room")
		cmd.Room.reply(ctx, "Failed to create the project room.")
		return
	}
	b.conns.Push(connections.NewGithubProjectConnection(roomID, "", state))
}

// openGitlabIssueRoom creates (or reuses) a room for one GitLab issue.
func (b *Bridge) openGitlabIssueRoom(ctx context.Context, cmd AdminCommand) {
	if b.cfg.Gitlab == nil {
		cmd.Room.reply(ctx, "GitLab support is not enabled.")
		return
	}
	instance, ok := b.cfg.Gitlab.Instances[cmd.GitlabInstance]
	if !ok {
		cmd.Room.reply(ctx, fmt.Sprintf("Unknown GitLab instance %q.", cmd.GitlabInstance))
		return
	}
	for _, existing := range b.conns.GetConnectionsForGitlabIssue(instance.URL, cmd.GitlabPath, cmd.GitlabIID) {
		if err := b.matrix.InviteUser(ctx, existing.RoomID(), cmd.Room.UserID()); err != nil {
			b.log.Warn().Err(err).Stringer("room_id", existing.RoomID()).Msg("Failed to invite to issue room")
		}
		return
	}
	// TODO: fetch the issue title from the GitLab API once a client exists.
	state := connections.GitlabIssueState{
		Instance: cmd.GitlabInstance,
		Projects: splitPath(cmd.GitlabPath),
		IID:      cmd.GitlabIID,
	}
	roomID, err := b.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:       "private_chat",
		Name:         fmt.Sprintf("%s#%d", cmd.GitlabPath, cmd.GitlabIID),
		Invite:       []id.UserID{cmd.Room.UserID()},
		InitialState: []*event.Event{initialStateEvent(connections.TypeGitlabIssue, &state)},
	})
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to create issue room")
		cmd.Room.reply(ctx, "Failed to create the issue room.")
		return
	}
	b.conns.Push(connections.NewGitlabIssueConnection(b.connDeps(), roomID, "", state, instance))
}

// onRoomMessage routes room messages: admin rooms get command handling,
// connected rooms fan out to MessageHandler connections.
func (b *Bridge) onRoomMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == b.matrix.BotUserID() || b.isGhost(evt.Sender) {
		return
	}
	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if room := b.adminRoom(evt.RoomID); room != nil {
		room.HandleCommand(ctx, content.Body)
		return
	}
	if !b.ready.Load() {
		return
	}
	for _, conn := range b.conns.GetAllConnectionsForRoom(evt.RoomID) {
		handler, ok := conn.(connections.MessageHandler)
		if !ok {
			continue
		}
		if err := handler.OnMessageEvent(ctx, evt); err != nil {
			b.log.Error().Err(err).Stringer("connection", conn).Msg("Message handler failed")
		}
	}
}

// onMemberEvent reacts to invites for the bot and to the bot joining rooms.
func (b *Bridge) onMemberEvent(ctx context.Context, evt *event.Event) {
	content, ok := evt.Content.Parsed.(*event.MemberEventContent)
	if !ok || evt.GetStateKey() != b.matrix.BotUserID().String() {
		return
	}
	switch content.Membership {
	case event.MembershipInvite:
		b.onRoomInvite(ctx, evt, content)
	case event.MembershipJoin:
		if b.ready.Load() && !b.conns.IsRoomConnected(evt.RoomID) {
			b.discoverRoom(ctx, evt.RoomID)
		}
	}
}

// onRoomInvite joins on invite. Direct invites become admin rooms.
func (b *Bridge) onRoomInvite(ctx context.Context, evt *event.Event, content *event.MemberEventContent) {
	if _, err := b.as.BotIntent().JoinRoomByID(ctx, evt.RoomID); err != nil {
		b.log.Error().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to join on invite")
		return
	}
	if !content.IsDirect {
		return
	}
	marker := BridgeRoomData{AdminUser: evt.Sender}
	if err := b.matrix.SetRoomAccountData(ctx, evt.RoomID, AccountDataBridgeRoom, &marker); err != nil {
		b.log.Error().Err(err).Stringer("room_id", evt.RoomID).Msg("Failed to mark admin room")
		return
	}
	room := b.setupAdminRoom(ctx, evt.RoomID, evt.Sender)
	room.reply(ctx, "Hello! Send \"help\" to see what I can do.")
}

// onStateEvent keeps connections in sync with their backing state events and
// materializes connections for newly written state. State updates are
// dropped until boot sync completes.
func (b *Bridge) onStateEvent(ctx context.Context, evt *event.Event) {
	if !b.ready.Load() {
		return
	}
	stateKey := evt.GetStateKey()
	interested := b.conns.GetInterestedForRoomState(evt.RoomID, evt.Type, stateKey)
	if len(interested) == 0 {
		conn, err := b.conns.CreateConnectionForState(ctx, evt.RoomID, evt)
		if err != nil {
			b.log.Error().Err(err).Stringer("room_id", evt.RoomID).Str("event_type", evt.Type.Type).
				Msg("Failed to create connection for new state")
			return
		}
		if conn != nil {
			b.conns.Push(conn)
			b.log.Info().Stringer("connection", conn).Msg("Created connection from live state")
		}
		return
	}
	for _, conn := range interested {
		handler, ok := conn.(connections.StateUpdateHandler)
		if !ok {
			continue
		}
		if err := handler.OnStateUpdate(ctx, evt); err != nil {
			b.log.Error().Err(err).Stringer("connection", conn).Msg("State update failed")
		}
	}
}

var (
	aliasIssueRegex = regexp.MustCompile(`^#github_issue_([^_]+)_(.+)_(\d+):(.+)$`)
	aliasDiscRegex  = regexp.MustCompile(`^#github_disc_([^_]+)_([^:]+):(.+)$`)
)

// QueryAlias creates rooms on first reference to a recognised alias.
func (b *Bridge) QueryAlias(alias string) bool {
	ctx := context.Background()
	if m := aliasIssueRegex.FindStringSubmatch(alias); m != nil && m[4] == b.cfg.Bridge.Domain {
		return b.createIssueRoomForAlias(ctx, m[1], m[2], m[3])
	}
	if m := aliasDiscRegex.FindStringSubmatch(alias); m != nil && m[3] == b.cfg.Bridge.Domain {
		return b.createDiscussionSpaceForAlias(ctx, m[1], m[2])
	}
	return false
}

// QueryUser accepts ghost users inside the configured namespaces.
func (b *Bridge) QueryUser(userID id.UserID) bool {
	return b.isGhost(userID)
}

func (b *Bridge) createIssueRoomForAlias(ctx context.Context, owner, repo, number string) bool {
	if b.cfg.Github == nil {
		return false
	}
	state := connections.GithubIssueState{Org: owner, Repo: repo, Issues: []string{number}}
	roomID, err := b.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:        "public_chat",
		Name:          fmt.Sprintf("%s/%s#%s", owner, repo, number),
		RoomAliasName: fmt.Sprintf("github_issue_%s_%s_%s", owner, repo, number),
		InitialState:  []*event.Event{initialStateEvent(connections.TypeGithubIssue, &state)},
	})
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to create issue room for alias")
		return false
	}
	conn, err := connections.NewGithubIssueConnection(ctx, b.connDeps(), roomID, "", state)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to build issue connection for alias")
		return false
	}
	b.conns.Push(conn)
	return true
}

// createDiscussionSpaceForAlias creates the opt-in discussion space for a
// repository. Its presence lets the bridge create rooms for that
// repository's discussions as they arrive, attached as children of the
// space.
func (b *Bridge) createDiscussionSpaceForAlias(ctx context.Context, owner, repo string) bool {
	if b.cfg.Github == nil {
		return false
	}
	state := connections.GithubDiscussionSpaceState{Owner: owner, Repo: repo}
	roomID, err := b.matrix.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:          "public_chat",
		Name:            fmt.Sprintf("%s/%s discussions", owner, repo),
		RoomAliasName:   fmt.Sprintf("github_disc_%s_%s", owner, repo),
		CreationContent: map[string]any{"type": "m.space"},
		InitialState:    []*event.Event{initialStateEvent(connections.TypeGithubDiscussionSpace, &state)},
	})
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to create discussion space for alias")
		return false
	}
	b.conns.Push(connections.NewGithubDiscussionSpaceConnection(b.connDeps(), roomID, "", state))
	return true
}

func (b *Bridge) connDeps() connections.Deps {
	var gh connections.GithubClient
	if b.cfg.Github != nil {
		gh = github.NewClient(b.cfg.Github.BaseURL, "")
	}
	return connections.Deps{
		Matrix:    b.matrix,
		Messenger: b.messenger,
		Config:    b.cfg,
		Github:    gh,
		Log:       b.log.With().Str("component", "connections").Logger(),
	}
}

// initialStateEvent wraps connection state for a room creation request.
func initialStateEvent(evtType event.Type, content any) *event.Event {
	evt := &event.Event{
		Type:    evtType,
		Content: event.Content{Parsed: content},
	}
	emptyKey := ""
	evt.StateKey = &emptyKey
	return evt
}

func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
