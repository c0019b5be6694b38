// Copyright 2024-2026 Aiku AI

// Package msgqueue provides the pub/sub transport that decouples webhook
// ingestion from event processing. Two interchangeable backends exist: an
// in-process queue for single-instance deployments and a Redis-backed queue
// for multi-instance deployments. Both share topic-wildcard subscription
// semantics and point-to-point request/response correlation via message ids.
package msgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Message is the envelope for every queue payload. Data is kept as raw JSON
// so the local and Redis backends deliver identical shapes; handlers decode
// with [DataTo].
type Message struct {
	EventName string          `json:"eventName"`
	Sender    string          `json:"sender"`
	Data      json.RawMessage `json:"data"`
	MessageID string          `json:"messageId,omitempty"`
}

// NewMessage marshals data into a message envelope for the given topic.
func NewMessage(eventName, sender string, data any) (*Message, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", eventName, err)
	}
	return &Message{EventName: eventName, Sender: sender, Data: raw}, nil
}

// DataTo decodes the message payload into T.
func DataTo[T any](msg *Message) (T, error) {
	var out T
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s payload: %w", msg.EventName, err)
	}
	return out, nil
}

// Handler processes a single delivered message. Handlers must not assume any
// ordering between messages and should return quickly, spawning goroutines
// for slow work.
type Handler func(ctx context.Context, msg *Message)

// ErrTimeout is returned by PushWait when no response arrives in time.
var ErrTimeout = errors.New("timed out waiting for queue response")

// MessageQueue is the transport contract shared by both backends.
//
// Subscribe registers interest in a topic pattern; On attaches a handler for
// an exact topic. A handler only fires for messages whose topic matches at
// least one subscribed pattern. Push is fire-and-forget. PushWait pushes and
// blocks until a message on "response.<eventName>" carries the same
// messageId, or the timeout elapses.
type MessageQueue interface {
	Subscribe(topicPattern string)
	On(eventName string, handler Handler)
	Push(ctx context.Context, msg *Message) error
	PushWait(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error)
	Stop()
}

// ResponseTopic returns the reply topic for a request topic.
func ResponseTopic(eventName string) string {
	return "response." + eventName
}

// TopicMatches reports whether a dot-namespaced topic matches a subscription
// pattern. A trailing "*" matches the entire remaining suffix, so "github.*"
// covers both "github.issues.opened" and "github.issue_comment.created".
// This mirrors the glob behaviour of Redis PSUBSCRIBE, which the broker
// backend delegates to.
func TopicMatches(pattern, topic string) bool {
	if pattern == topic || pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(topic, pattern[:len(pattern)-1])
	}
	return false
}

// NewFromAddr selects a backend: a Redis queue when addr is non-empty,
// otherwise the in-process queue.
func NewFromAddr(addr string, log zerolog.Logger) MessageQueue {
	if addr != "" {
		return NewRedisMQ(addr, log)
	}
	return NewLocalMQ(log)
}

// waiterSet tracks in-flight PushWait calls keyed by response topic and
// message id. Shared by both backends.
type waiterSet struct {
	waiters map[string]chan *Message
}

func newWaiterSet() *waiterSet {
	return &waiterSet{waiters: make(map[string]chan *Message)}
}

func waiterKey(eventName, messageID string) string {
	return eventName + "\x00" + messageID
}

// add registers a single-use response channel. Caller must hold the queue lock.
func (ws *waiterSet) add(responseTopic, messageID string) chan *Message {
	ch := make(chan *Message, 1)
	ws.waiters[waiterKey(responseTopic, messageID)] = ch
	return ch
}

// remove drops a waiter. Caller must hold the queue lock.
func (ws *waiterSet) remove(responseTopic, messageID string) {
	delete(ws.waiters, waiterKey(responseTopic, messageID))
}

// deliver hands a message to a matching waiter, if any. Caller must hold the
// queue lock. Returns true when a waiter consumed the message.
func (ws *waiterSet) deliver(msg *Message) bool {
	if msg.MessageID == "" {
		return false
	}
	key := waiterKey(msg.EventName, msg.MessageID)
	ch, ok := ws.waiters[key]
	if !ok {
		return false
	}
	delete(ws.waiters, key)
	ch <- msg
	return true
}
