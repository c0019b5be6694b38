// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/id"
)

// intentManager resolves ghost-user intents and lazily syncs their profile
// the first time each ghost is used after startup.
type intentManager struct {
	as  *appservice.AppService
	log zerolog.Logger

	mu     sync.Mutex
	synced map[id.UserID]bool
}

func newIntentManager(as *appservice.AppService, log zerolog.Logger) *intentManager {
	return &intentManager{as: as, log: log, synced: make(map[id.UserID]bool)}
}

// ghostIntent returns a registered intent for the ghost mxid, asserting a
// displayname derived from the remote login on first use.
func (im *intentManager) ghostIntent(ctx context.Context, userID id.UserID, prefix string) *appservice.IntentAPI {
	intent := im.as.Intent(userID)

	im.mu.Lock()
	done := im.synced[userID]
	im.synced[userID] = true
	im.mu.Unlock()
	if done {
		return intent
	}

	if err := intent.EnsureRegistered(ctx); err != nil {
		im.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to register ghost")
		return intent
	}
	login := ghostLogin(userID, prefix)
	if login == "" {
		return intent
	}
	profile, err := intent.GetProfile(ctx, userID)
	if err != nil || profile.DisplayName == "" {
		if err := intent.SetDisplayName(ctx, login); err != nil {
			im.log.Warn().Err(err).Stringer("user_id", userID).Msg("Failed to set ghost displayname")
		}
	}
	return intent
}

// ghostLogin recovers the remote login from a ghost mxid localpart.
func ghostLogin(userID id.UserID, prefix string) string {
	localpart, _, err := userID.Parse()
	if err != nil {
		return ""
	}
	if !strings.HasPrefix(localpart, prefix) {
		return ""
	}
	return strings.TrimPrefix(localpart, prefix)
}

// isGhost reports whether the mxid belongs to one of the bridge's ghost
// namespaces.
func (b *Bridge) isGhost(userID id.UserID) bool {
	localpart, homeserver, err := userID.Parse()
	if err != nil || homeserver != b.cfg.Bridge.Domain {
		return false
	}
	if b.cfg.Github != nil && strings.HasPrefix(localpart, b.cfg.Github.UserIDPrefix) {
		return true
	}
	if b.cfg.Gitlab != nil && strings.HasPrefix(localpart, b.cfg.Gitlab.UserIDPrefix) {
		return true
	}
	return false
}
