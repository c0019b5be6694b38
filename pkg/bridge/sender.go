// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-hookbridge/pkg/connections"
	"github.com/aiku/matrix-hookbridge/pkg/msgqueue"
)

const (
	topicMatrixMessage = "matrix.message"

	sendTimeout = 30 * time.Second
)

// matrixMessagePayload travels over the matrix.message topic.
type matrixMessagePayload struct {
	RoomID  id.RoomID                  `json:"roomId"`
	Sender  id.UserID                  `json:"sender,omitempty"`
	Content *event.MessageEventContent `json:"content"`
}

// matrixMessageResponse travels back on the response topic.
type matrixMessageResponse struct {
	EventID id.EventID `json:"eventId,omitempty"`
	Failed  string     `json:"failed,omitempty"`
}

// MessageSenderClient sends room messages by pushing them onto the queue,
// so a split deployment can run the homeserver-facing sender in a separate
// process.
type MessageSenderClient struct {
	queue msgqueue.MessageQueue
}

var _ connections.MessageSender = (*MessageSenderClient)(nil)

func NewMessageSenderClient(queue msgqueue.MessageQueue) *MessageSenderClient {
	return &MessageSenderClient{queue: queue}
}

func (s *MessageSenderClient) SendMatrixMessage(ctx context.Context, roomID id.RoomID, content *event.MessageEventContent, sender id.UserID) (id.EventID, error) {
	msg, err := msgqueue.NewMessage(topicMatrixMessage, "MessageSenderClient", &matrixMessagePayload{
		RoomID:  roomID,
		Sender:  sender,
		Content: content,
	})
	if err != nil {
		return "", err
	}
	resp, err := s.queue.PushWait(ctx, msg, sendTimeout)
	if err != nil {
		return "", fmt.Errorf("failed to send matrix message: %w", err)
	}
	result, err := msgqueue.DataTo[matrixMessageResponse](resp)
	if err != nil {
		return "", err
	}
	if result.Failed != "" {
		return "", fmt.Errorf("failed to send matrix message: %s", result.Failed)
	}
	return result.EventID, nil
}

func (s *MessageSenderClient) SendNotice(ctx context.Context, roomID id.RoomID, text string) error {
	_, err := s.SendMatrixMessage(ctx, roomID, &event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    text,
	}, "")
	return err
}

// MatrixSender is the queue consumer that actually talks to the homeserver.
// It answers every matrix.message request on the response topic so the
// client side can correlate.
type MatrixSender struct {
	bridge *Bridge
	log    zerolog.Logger
}

func NewMatrixSender(bridge *Bridge) *MatrixSender {
	return &MatrixSender{bridge: bridge, log: bridge.log.With().Str("component", "matrix_sender").Logger()}
}

// Listen attaches the sender to the queue. The handler runs async so the
// homeserver round trip never occupies the queue's dispatch goroutine.
func (s *MatrixSender) Listen(queue msgqueue.MessageQueue) {
	queue.Subscribe(topicMatrixMessage)
	queue.On(topicMatrixMessage, async(s.onMessage))
}

func (s *MatrixSender) onMessage(ctx context.Context, msg *msgqueue.Message) {
	payload, err := msgqueue.DataTo[matrixMessagePayload](msg)
	if err != nil {
		s.log.Error().Err(err).Msg("Dropping malformed matrix.message payload")
		return
	}
	result := matrixMessageResponse{}
	eventID, err := s.send(ctx, &payload)
	if err != nil {
		s.log.Error().Err(err).Stringer("room_id", payload.RoomID).Msg("Failed to send matrix message")
		result.Failed = err.Error()
	} else {
		result.EventID = eventID
	}

	raw, err := msgqueue.NewMessage(msgqueue.ResponseTopic(msg.EventName), "MatrixSender", &result)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to encode matrix.message response")
		return
	}
	raw.MessageID = msg.MessageID
	if err := s.bridge.queue.Push(ctx, raw); err != nil {
		s.log.Error().Err(err).Msg("Failed to push matrix.message response")
	}
}

func (s *MatrixSender) send(ctx context.Context, payload *matrixMessagePayload) (id.EventID, error) {
	intent := s.bridge.as.BotIntent()
	if payload.Sender != "" && payload.Sender != s.bridge.matrix.BotUserID() {
		prefix := ""
		if s.bridge.cfg.Github != nil {
			prefix = s.bridge.cfg.Github.UserIDPrefix
		}
		if s.bridge.cfg.Gitlab != nil && ghostLogin(payload.Sender, s.bridge.cfg.Gitlab.UserIDPrefix) != "" {
			prefix = s.bridge.cfg.Gitlab.UserIDPrefix
		}
		intent = s.bridge.intents.ghostIntent(ctx, payload.Sender, prefix)
		if err := intent.EnsureJoined(ctx, payload.RoomID); err != nil {
			return "", fmt.Errorf("ghost could not join room: %w", err)
		}
	}
	resp, err := intent.SendMessageEvent(ctx, payload.RoomID, event.EventMessage, payload.Content)
	if err != nil {
		return "", err
	}
	return resp.EventID, nil
}
