// Copyright 2024-2026 Aiku AI

package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"

	"github.com/aiku/matrix-hookbridge/pkg/msgqueue"
)

// respondWith attaches a fake homeserver-side consumer to the queue.
func respondWith(t *testing.T, queue msgqueue.MessageQueue, result matrixMessageResponse) {
	t.Helper()
	queue.Subscribe(topicMatrixMessage)
	queue.On(topicMatrixMessage, func(ctx context.Context, msg *msgqueue.Message) {
		resp, err := msgqueue.NewMessage(msgqueue.ResponseTopic(msg.EventName), "test", &result)
		if err != nil {
			t.Errorf("NewMessage: %v", err)
			return
		}
		resp.MessageID = msg.MessageID
		if err := queue.Push(ctx, resp); err != nil {
			t.Errorf("Push: %v", err)
		}
	})
}

func TestSendMatrixMessageRoundTrip(t *testing.T) {
	queue := msgqueue.NewLocalMQ(zerolog.Nop())
	defer queue.Stop()
	respondWith(t, queue, matrixMessageResponse{EventID: "$sent:example.com"})

	client := NewMessageSenderClient(queue)
	eventID, err := client.SendMatrixMessage(context.Background(), "!room:example.com", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello",
	}, "@_github_alice:example.com")
	if err != nil {
		t.Fatalf("SendMatrixMessage: %v", err)
	}
	if eventID != "$sent:example.com" {
		t.Fatalf("event id = %s", eventID)
	}
}

func TestSendMatrixMessageFailureSurfaces(t *testing.T) {
	queue := msgqueue.NewLocalMQ(zerolog.Nop())
	defer queue.Stop()
	respondWith(t, queue, matrixMessageResponse{Failed: "M_FORBIDDEN"})

	client := NewMessageSenderClient(queue)
	_, err := client.SendMatrixMessage(context.Background(), "!room:example.com", &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "hello",
	}, "")
	if err == nil {
		t.Fatal("expected the remote failure to surface")
	}
}

func TestSendNoticeTimesOutWithoutConsumer(t *testing.T) {
	queue := msgqueue.NewLocalMQ(zerolog.Nop())
	defer queue.Stop()

	client := &MessageSenderClient{queue: queue}
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := client.SendNotice(ctx, "!room:example.com", "anyone there?")
	if err == nil {
		t.Fatal("expected a timeout with no consumer attached")
	}
	if !errors.Is(err, msgqueue.ErrTimeout) && !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("unexpected error %v", err)
	}
}
