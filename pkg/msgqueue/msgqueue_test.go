// Copyright 2024-2026 Aiku AI

package msgqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTopicMatches(t *testing.T) {
	cases := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"github.issues.opened", "github.issues.opened", true},
		{"github.issues.opened", "github.issues.closed", false},
		{"github.*", "github.issues.opened", true},
		{"github.*", "github.issue_comment.created", true},
		{"github.*", "gitlab.merge_request.open", false},
		{"github.*", "github", false},
		{"*", "anything.at.all", true},
		{"gitlab.*", "gitlab.tag_push", true},
		{"response.matrix.message", "response.matrix.message", true},
	}
	for _, tc := range cases {
		if got := TopicMatches(tc.pattern, tc.topic); got != tc.want {
			t.Errorf("TopicMatches(%q, %q) = %v, want %v", tc.pattern, tc.topic, got, tc.want)
		}
	}
}

func TestDataTo(t *testing.T) {
	type payload struct {
		HookID string `json:"hookId"`
	}
	msg, err := NewMessage("generic-webhook.event", "test", payload{HookID: "abc"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	decoded, err := DataTo[payload](msg)
	if err != nil {
		t.Fatalf("DataTo: %v", err)
	}
	if decoded.HookID != "abc" {
		t.Errorf("HookID: got %q, want %q", decoded.HookID, "abc")
	}

	msg.Data = []byte("{not json")
	if _, err := DataTo[payload](msg); err == nil {
		t.Error("DataTo should fail on invalid JSON")
	}
}

func newTestLocalMQ(t *testing.T) *LocalMQ {
	t.Helper()
	mq := NewLocalMQ(zerolog.Nop())
	t.Cleanup(mq.Stop)
	return mq
}

func TestLocalMQDelivery(t *testing.T) {
	mq := newTestLocalMQ(t)
	mq.Subscribe("github.*")

	received := make(chan *Message, 1)
	mq.On("github.issues.opened", func(_ context.Context, msg *Message) {
		received <- msg
	})

	msg, _ := NewMessage("github.issues.opened", "test", map[string]string{"k": "v"})
	if err := mq.Push(context.Background(), msg); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case got := <-received:
		if got.EventName != "github.issues.opened" {
			t.Errorf("EventName: got %q", got.EventName)
		}
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLocalMQUnsubscribedTopicNotDelivered(t *testing.T) {
	mq := newTestLocalMQ(t)
	mq.Subscribe("github.*")

	received := make(chan *Message, 1)
	mq.On("gitlab.tag_push", func(_ context.Context, msg *Message) {
		received <- msg
	})

	msg, _ := NewMessage("gitlab.tag_push", "test", struct{}{})
	if err := mq.Push(context.Background(), msg); err != nil {
		t.Fatalf("Push: %v", err)
	}

	select {
	case <-received:
		t.Fatal("handler fired for an unsubscribed topic")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestLocalMQPreservesPublishOrder(t *testing.T) {
	mq := newTestLocalMQ(t)
	mq.Subscribe("order.*")

	var mu sync.Mutex
	var seen []int
	done := make(chan struct{})
	const total = 50
	mq.On("order.test.event", func(_ context.Context, msg *Message) {
		n, err := DataTo[int](msg)
		if err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		mu.Lock()
		seen = append(seen, n)
		if len(seen) == total {
			close(done)
		}
		mu.Unlock()
	})

	for i := range total {
		msg, _ := NewMessage("order.test.event", "test", i)
		if err := mq.Push(context.Background(), msg); err != nil {
			t.Fatalf("Push %d: %v", i, err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all messages delivered")
	}
	mu.Lock()
	defer mu.Unlock()
	for i, n := range seen {
		if n != i {
			t.Fatalf("out-of-order delivery at index %d: got %d", i, n)
		}
	}
}

func TestLocalMQPushWait(t *testing.T) {
	mq := newTestLocalMQ(t)
	mq.Subscribe("matrix.message")

	mq.On("matrix.message", func(ctx context.Context, msg *Message) {
		resp, _ := NewMessage(ResponseTopic(msg.EventName), "responder", map[string]string{"eventId": "$abc"})
		resp.MessageID = msg.MessageID
		if err := mq.Push(ctx, resp); err != nil {
			t.Errorf("response push: %v", err)
		}
	})

	msg, _ := NewMessage("matrix.message", "test", map[string]string{"body": "hi"})
	resp, err := mq.PushWait(context.Background(), msg, time.Second)
	if err != nil {
		t.Fatalf("PushWait: %v", err)
	}
	decoded, err := DataTo[map[string]string](resp)
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decoded["eventId"] != "$abc" {
		t.Errorf("eventId: got %q", decoded["eventId"])
	}
}

func TestLocalMQPushWaitTimeout(t *testing.T) {
	mq := newTestLocalMQ(t)
	mq.Subscribe("matrix.message")
	// No responder registered.
	msg, _ := NewMessage("matrix.message", "test", struct{}{})
	_, err := mq.PushWait(context.Background(), msg, 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestLocalMQResponseIgnoresSubscriptions(t *testing.T) {
	mq := newTestLocalMQ(t)
	// Deliberately no Subscribe for the response topic: PushWait's waiter is
	// its own subscription.
	mq.Subscribe("some.request")
	mq.On("some.request", func(ctx context.Context, msg *Message) {
		resp, _ := NewMessage(ResponseTopic(msg.EventName), "responder", true)
		resp.MessageID = msg.MessageID
		_ = mq.Push(ctx, resp)
	})

	msg, _ := NewMessage("some.request", "test", struct{}{})
	if _, err := mq.PushWait(context.Background(), msg, time.Second); err != nil {
		t.Fatalf("PushWait: %v", err)
	}
}
