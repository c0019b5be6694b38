// Copyright 2024-2026 Aiku AI

package connections

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

var (
	TypeGenericHook = event.Type{Type: "com.aiku.hookbridge.generic.hook", Class: event.StateEventType}

	genericHookEventTypes = []event.Type{TypeGenericHook}
)

// GenericHookAccountData maps hook ids to the state keys of the connections
// they feed, persisted as bot room account data under the canonical type so
// hook ids survive restarts without living in (world-readable) room state.
type GenericHookAccountData map[string]string

// GenericHookState is the persisted configuration of a generic webhook
// connection. Only the human-readable name lives in room state; the secret
// hook id is kept in account data.
type GenericHookState struct {
	Name string `json:"name"`
}

// GenericHookConnection accepts arbitrary webhook payloads addressed to its
// hook id and renders them into the room.
type GenericHookConnection struct {
	baseConnection
	deps Deps

	mu     sync.RWMutex
	state  GenericHookState
	hookID string
}

var (
	_ Connection         = (*GenericHookConnection)(nil)
	_ GenericHookHandler = (*GenericHookConnection)(nil)
	_ Removable          = (*GenericHookConnection)(nil)
	_ StateUpdateHandler = (*GenericHookConnection)(nil)
)

// NewGenericHookConnection builds the connection, looking up the hook id in
// room account data and minting plus persisting a fresh one when absent.
func NewGenericHookConnection(ctx context.Context, deps Deps, roomID id.RoomID, stateKey string, state GenericHookState) (*GenericHookConnection, error) {
	data := GenericHookAccountData{}
	if err := deps.Matrix.RoomAccountData(ctx, roomID, TypeGenericHook.Type, &data); err != nil {
		return nil, fmt.Errorf("failed to read hook account data: %w", err)
	}
	hookID := ""
	for candidate, key := range data {
		if key == stateKey {
			hookID = candidate
			break
		}
	}
	if hookID == "" {
		hookID = uuid.NewString()
		data[hookID] = stateKey
		if err := deps.Matrix.SetRoomAccountData(ctx, roomID, TypeGenericHook.Type, data); err != nil {
			return nil, fmt.Errorf("failed to persist hook account data: %w", err)
		}
	}
	return &GenericHookConnection{
		baseConnection: baseConnection{roomID: roomID, stateKey: stateKey, canonicalType: TypeGenericHook},
		deps:           deps,
		state:          state,
		hookID:         hookID,
	}, nil
}

// Name returns the hook's human-readable name.
func (c *GenericHookConnection) Name() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Name
}

// HookID returns the secret id inbound webhooks are addressed to.
func (c *GenericHookConnection) HookID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hookID
}

// URL returns the full inbound endpoint for this hook.
func (c *GenericHookConnection) URL() string {
	prefix := ""
	if c.deps.Config.Generic != nil {
		prefix = c.deps.Config.Generic.URLPrefix
	}
	return fmt.Sprintf("%s/%s", prefix, c.HookID())
}

func (c *GenericHookConnection) IsInterestedInStateEvent(evtType event.Type, stateKey string) bool {
	return typeIn(evtType, genericHookEventTypes) && c.stateKey == stateKey
}

func (c *GenericHookConnection) String() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("GenericHook %s", c.state.Name)
}

// OnGenericHook renders the payload into the room. JSON objects are shown as
// a formatted code block, anything else as plain text.
func (c *GenericHookConnection) OnGenericHook(ctx context.Context, payload json.RawMessage) error {
	var pretty any
	md := ""
	if err := json.Unmarshal(payload, &pretty); err == nil {
		if s, ok := pretty.(string); ok {
			md = fmt.Sprintf("Received webhook: %s", s)
		} else {
			formatted, err := json.MarshalIndent(pretty, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to render hook payload: %w", err)
			}
			md = fmt.Sprintf("Received webhook data:\n\n```json\n%s\n```", formatted)
		}
	} else {
		md = fmt.Sprintf("Received webhook: %s", payload)
	}
	return c.deps.Messenger.SendNotice(ctx, c.roomID, md)
}

func (c *GenericHookConnection) OnStateUpdate(_ context.Context, evt *event.Event) error {
	var state GenericHookState
	if err := decodeState(evt, &state); err != nil {
		return err
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return nil
}

// OnRemove tears the connection down, dropping the hook id mapping along
// with the state event so the endpoint stops resolving.
func (c *GenericHookConnection) OnRemove(ctx context.Context) error {
	data := GenericHookAccountData{}
	if err := c.deps.Matrix.RoomAccountData(ctx, c.roomID, TypeGenericHook.Type, &data); err != nil {
		return fmt.Errorf("failed to read hook account data: %w", err)
	}
	delete(data, c.HookID())
	if err := c.deps.Matrix.SetRoomAccountData(ctx, c.roomID, TypeGenericHook.Type, data); err != nil {
		return fmt.Errorf("failed to update hook account data: %w", err)
	}
	return c.deps.Matrix.SendStateEvent(ctx, c.roomID, TypeGenericHook, c.stateKey, struct{}{})
}
