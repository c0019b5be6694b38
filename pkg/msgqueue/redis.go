// Copyright 2024-2026 Aiku AI

package msgqueue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisMQ is the broker-backed queue for multi-instance deployments. Topics
// map directly to Redis pub/sub channels and subscription patterns to
// PSUBSCRIBE globs, which gives the same trailing-wildcard semantics as the
// in-process backend. Delivery order is whatever Redis provides; consumers
// must treat handlers as order-independent.
type RedisMQ struct {
	client *redis.Client
	pubsub *redis.PubSub

	mu       sync.Mutex
	handlers map[string][]Handler
	waiters  *waiterSet

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	log    zerolog.Logger
}

var _ MessageQueue = (*RedisMQ)(nil)

// NewRedisMQ connects to the Redis instance at addr and starts the reader.
func NewRedisMQ(addr string, log zerolog.Logger) *RedisMQ {
	ctx, cancel := context.WithCancel(context.Background())
	client := redis.NewClient(&redis.Options{Addr: addr})
	mq := &RedisMQ{
		client:   client,
		handlers: make(map[string][]Handler),
		waiters:  newWaiterSet(),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      log.With().Str("component", "msgqueue").Str("backend", "redis").Logger(),
	}
	// PSubscribe with no patterns establishes the connection; patterns are
	// added per Subscribe call.
	mq.pubsub = client.PSubscribe(ctx)
	go mq.readLoop()
	mq.log.Info().Str("addr", addr).Msg("Connected to Redis message queue")
	return mq
}

func (mq *RedisMQ) Subscribe(topicPattern string) {
	if err := mq.pubsub.PSubscribe(mq.ctx, topicPattern); err != nil {
		mq.log.Error().Err(err).Str("pattern", topicPattern).Msg("Failed to subscribe")
	}
}

func (mq *RedisMQ) On(eventName string, handler Handler) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.handlers[eventName] = append(mq.handlers[eventName], handler)
}

func (mq *RedisMQ) Push(ctx context.Context, msg *Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return mq.client.Publish(ctx, msg.EventName, payload).Err()
}

func (mq *RedisMQ) PushWait(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	responseTopic := ResponseTopic(msg.EventName)
	mq.Subscribe(responseTopic)
	mq.mu.Lock()
	ch := mq.waiters.add(responseTopic, msg.MessageID)
	mq.mu.Unlock()

	if err := mq.Push(ctx, msg); err != nil {
		mq.mu.Lock()
		mq.waiters.remove(responseTopic, msg.MessageID)
		mq.mu.Unlock()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		mq.mu.Lock()
		mq.waiters.remove(responseTopic, msg.MessageID)
		mq.mu.Unlock()
		return nil, ErrTimeout
	case <-ctx.Done():
		mq.mu.Lock()
		mq.waiters.remove(responseTopic, msg.MessageID)
		mq.mu.Unlock()
		return nil, ctx.Err()
	}
}

func (mq *RedisMQ) Stop() {
	mq.cancel()
	if err := mq.pubsub.Close(); err != nil {
		mq.log.Warn().Err(err).Msg("Failed to close pubsub")
	}
	if err := mq.client.Close(); err != nil {
		mq.log.Warn().Err(err).Msg("Failed to close Redis client")
	}
	<-mq.done
}

func (mq *RedisMQ) readLoop() {
	defer close(mq.done)
	ch := mq.pubsub.Channel()
	for {
		select {
		case redisMsg, ok := <-ch:
			if !ok {
				return
			}
			mq.handleIncoming(redisMsg)
		case <-mq.ctx.Done():
			return
		}
	}
}

func (mq *RedisMQ) handleIncoming(redisMsg *redis.Message) {
	var msg Message
	if err := json.Unmarshal([]byte(redisMsg.Payload), &msg); err != nil {
		mq.log.Warn().Err(err).Str("channel", redisMsg.Channel).Msg("Dropping undecodable queue message")
		return
	}
	// The publisher's eventName is authoritative, but fall back to the
	// channel for messages published by other tooling.
	if msg.EventName == "" {
		msg.EventName = redisMsg.Channel
	}

	mq.mu.Lock()
	if mq.waiters.deliver(&msg) {
		mq.mu.Unlock()
		return
	}
	handlers := mq.handlers[msg.EventName]
	mq.mu.Unlock()

	// Broker delivery carries no ordering guarantee, so each handler call
	// gets its own goroutine.
	for _, handler := range handlers {
		go handler(mq.ctx, &msg)
	}
}
