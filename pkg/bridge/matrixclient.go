// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/connections"
)

// appserviceClient adapts the appservice bot intent to the narrow surface
// the connection layer consumes.
type appserviceClient struct {
	bot *appservice.IntentAPI
}

var _ connections.MatrixClient = (*appserviceClient)(nil)

func newAppserviceClient(as *appservice.AppService) *appserviceClient {
	return &appserviceClient{bot: as.BotIntent()}
}

func (c *appserviceClient) BotUserID() id.UserID {
	return c.bot.UserID
}

func (c *appserviceClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.bot.JoinedRooms(ctx)
	if err != nil {
		return nil, err
	}
	return resp.JoinedRooms, nil
}

func (c *appserviceClient) RoomState(ctx context.Context, roomID id.RoomID) (mautrix.RoomStateMap, error) {
	return c.bot.State(ctx, roomID)
}

func (c *appserviceClient) SendStateEvent(ctx context.Context, roomID id.RoomID, evtType event.Type, stateKey string, content any) error {
	_, err := c.bot.SendStateEvent(ctx, roomID, evtType, stateKey, content)
	return err
}

func (c *appserviceClient) RoomAccountData(ctx context.Context, roomID id.RoomID, eventType string, out any) error {
	err := c.bot.GetRoomAccountData(ctx, roomID, eventType, out)
	if err != nil && errors.Is(err, mautrix.MNotFound) {
		return nil
	}
	return err
}

func (c *appserviceClient) SetRoomAccountData(ctx context.Context, roomID id.RoomID, eventType string, content any) error {
	return c.bot.SetRoomAccountData(ctx, roomID, eventType, content)
}

func (c *appserviceClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.bot.LeaveRoom(ctx, roomID)
	return err
}

func (c *appserviceClient) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.bot.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	return err
}

func (c *appserviceClient) CreateRoom(ctx context.Context, req *mautrix.ReqCreateRoom) (id.RoomID, error) {
	resp, err := c.bot.CreateRoom(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.RoomID, nil
}
