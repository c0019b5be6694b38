// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/connections"
)

// Account data types backing admin rooms. The legacy filter type is honoured
// on read for rooms set up by older deployments.
const (
	AccountDataBridgeRoom        = "com.aiku.hookbridge.bridge_room"
	AccountDataNotifFilter       = "com.aiku.hookbridge.notif_filter"
	AccountDataNotifFilterLegacy = "com.aiku.github-bridge.notif_filter"
)

// BridgeRoomData marks a room as an admin room and names its owner.
type BridgeRoomData struct {
	AdminUser id.UserID `json:"admin_user"`
}

// NotifFilter is the owner's notification settings, persisted as room
// account data.
type NotifFilter struct {
	GithubEnabled     bool            `json:"github_enabled"`
	ParticipatingOnly bool            `json:"participating_only"`
	GitlabEnabled     map[string]bool `json:"gitlab_enabled,omitempty"`
}

// AdminCommandKind discriminates the commands an admin room forwards to the
// orchestrator.
type AdminCommandKind int

const (
	AdminCmdSettingsChanged AdminCommandKind = iota
	AdminCmdOpenProject
	AdminCmdOpenGitlabIssue
)

// AdminCommand is one owner request the orchestrator must act on. Settings
// changes carry the new filter; the open commands carry their target.
type AdminCommand struct {
	Kind AdminCommandKind
	Room *AdminRoom

	Filter NotifFilter

	ProjectID int64

	GitlabInstance string
	GitlabPath     string
	GitlabIID      int
}

// AdminRoom is a direct room between one user and the bridge bot, used for
// notification settings and for opening project or issue rooms on demand.
type AdminRoom struct {
	roomID    id.RoomID
	userID    id.UserID
	matrix    connections.MatrixClient
	messenger connections.MessageSender
	commands  chan<- AdminCommand
	log       zerolog.Logger

	mu         sync.Mutex
	filter     NotifFilter
	oauthState string
}

// NewAdminRoom wires up an admin room. The caller loads the filter from
// account data (canonical type first, then legacy) before constructing.
func NewAdminRoom(roomID id.RoomID, userID id.UserID, filter NotifFilter, matrix connections.MatrixClient, messenger connections.MessageSender, commands chan<- AdminCommand, log zerolog.Logger) *AdminRoom {
	return &AdminRoom{
		roomID:    roomID,
		userID:    userID,
		matrix:    matrix,
		messenger: messenger,
		commands:  commands,
		filter:    filter,
		log:       log.With().Stringer("admin_room", roomID).Logger(),
	}
}

func (r *AdminRoom) RoomID() id.RoomID { return r.roomID }
func (r *AdminRoom) UserID() id.UserID { return r.userID }

// Filter returns a copy of the current notification settings.
func (r *AdminRoom) Filter() NotifFilter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.filter
}

// OAuthState mints (once) and returns the token correlating this room's
// OAuth login flow.
func (r *AdminRoom) OAuthState() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.oauthState == "" {
		r.oauthState = random.String(32)
	}
	return r.oauthState
}

// VerifyOAuthState checks and consumes the room's OAuth token.
func (r *AdminRoom) VerifyOAuthState(state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.oauthState == "" || r.oauthState != state {
		return false
	}
	r.oauthState = ""
	return true
}

// OnOAuthGranted reports a completed login back to the owner.
func (r *AdminRoom) OnOAuthGranted(ctx context.Context) {
	if err := r.messenger.SendNotice(ctx, r.roomID, "Logged in successfully."); err != nil {
		r.log.Warn().Err(err).Msg("Failed to confirm login")
	}
}

// OnNotification renders one remote notification into the room.
func (r *AdminRoom) OnNotification(ctx context.Context, subject, reason, url string) {
	text := fmt.Sprintf("%s (%s)", subject, reason)
	if url != "" {
		text = fmt.Sprintf("%s (%s): %s", subject, reason, url)
	}
	if err := r.messenger.SendNotice(ctx, r.roomID, text); err != nil {
		r.log.Warn().Err(err).Msg("Failed to deliver notification")
	}
}

const adminHelp = `Commands:
 - notifications on/off: toggle GitHub notification delivery
 - notifications participating on/off: only notify for threads you participate in
 - project open <id>: open a room for a GitHub project board
 - gitlab issue <instance> <path> <iid>: open a room for a GitLab issue
 - help: this text`

// HandleCommand parses and executes one owner message. Unknown input gets
// the help text rather than an error.
func (r *AdminRoom) HandleCommand(ctx context.Context, text string) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return
	}
	switch fields[0] {
	case "notifications":
		r.handleNotifications(ctx, fields[1:])
	case "project":
		r.handleOpenProject(ctx, fields[1:])
	case "gitlab":
		r.handleOpenGitlabIssue(ctx, fields[1:])
	default:
		r.reply(ctx, adminHelp)
	}
}

func (r *AdminRoom) handleNotifications(ctx context.Context, args []string) {
	if len(args) == 0 {
		r.reply(ctx, adminHelp)
		return
	}
	r.mu.Lock()
	switch {
	case args[0] == "on":
		r.filter.GithubEnabled = true
	case args[0] == "off":
		r.filter.GithubEnabled = false
	case args[0] == "participating" && len(args) == 2:
		r.filter.ParticipatingOnly = args[1] == "on"
	default:
		r.mu.Unlock()
		r.reply(ctx, adminHelp)
		return
	}
	filter := r.filter
	r.mu.Unlock()

	if err := r.matrix.SetRoomAccountData(ctx, r.roomID, AccountDataNotifFilter, &filter); err != nil {
		r.log.Error().Err(err).Msg("Failed to persist notification filter")
		r.reply(ctx, "Failed to save your settings, please try again.")
		return
	}
	r.commands <- AdminCommand{Kind: AdminCmdSettingsChanged, Room: r, Filter: filter}
	r.reply(ctx, "Settings updated.")
}

func (r *AdminRoom) handleOpenProject(ctx context.Context, args []string) {
	if len(args) != 2 || args[0] != "open" {
		r.reply(ctx, adminHelp)
		return
	}
	projectID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		r.reply(ctx, fmt.Sprintf("%q is not a project id.", args[1]))
		return
	}
	r.commands <- AdminCommand{Kind: AdminCmdOpenProject, Room: r, ProjectID: projectID}
}

func (r *AdminRoom) handleOpenGitlabIssue(ctx context.Context, args []string) {
	if len(args) != 4 || args[0] != "issue" {
		r.reply(ctx, adminHelp)
		return
	}
	iid, err := strconv.Atoi(args[3])
	if err != nil {
		r.reply(ctx, fmt.Sprintf("%q is not an issue number.", args[3]))
		return
	}
	r.commands <- AdminCommand{
		Kind:           AdminCmdOpenGitlabIssue,
		Room:           r,
		GitlabInstance: args[1],
		GitlabPath:     strings.ToLower(args[2]),
		GitlabIID:      iid,
	}
}

func (r *AdminRoom) reply(ctx context.Context, text string) {
	if err := r.messenger.SendNotice(ctx, r.roomID, text); err != nil {
		r.log.Warn().Err(err).Msg("Failed to reply in admin room")
	}
}

// loadNotifFilter reads the room's notification filter, preferring the
// canonical account data type and falling back to the legacy one.
func loadNotifFilter(ctx context.Context, matrix connections.MatrixClient, roomID id.RoomID) (NotifFilter, error) {
	var filter NotifFilter
	if err := matrix.RoomAccountData(ctx, roomID, AccountDataNotifFilter, &filter); err != nil {
		return filter, err
	}
	if filter.GithubEnabled || filter.ParticipatingOnly || len(filter.GitlabEnabled) > 0 {
		return filter, nil
	}
	err := matrix.RoomAccountData(ctx, roomID, AccountDataNotifFilterLegacy, &filter)
	return filter, err
}
