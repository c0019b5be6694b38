// Copyright 2024-2026 Aiku AI

package msgqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// localQueueDepth bounds the in-process delivery buffer. Pushes beyond this
// block until the dispatcher catches up.
const localQueueDepth = 256

// LocalMQ is the in-process queue backend. A single dispatcher goroutine
// drains the buffer, so messages from one publisher on one topic are handed
// to handlers in publish order. Handlers run synchronously on the dispatcher;
// anything slow must fan out to its own goroutines.
type LocalMQ struct {
	mu            sync.Mutex
	subscriptions []string
	handlers      map[string][]Handler
	waiters       *waiterSet

	deliver chan *Message
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	log     zerolog.Logger
}

var _ MessageQueue = (*LocalMQ)(nil)

// NewLocalMQ creates and starts an in-process queue.
func NewLocalMQ(log zerolog.Logger) *LocalMQ {
	ctx, cancel := context.WithCancel(context.Background())
	mq := &LocalMQ{
		handlers: make(map[string][]Handler),
		waiters:  newWaiterSet(),
		deliver:  make(chan *Message, localQueueDepth),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		log:      log.With().Str("component", "msgqueue").Str("backend", "local").Logger(),
	}
	go mq.dispatchLoop()
	return mq
}

func (mq *LocalMQ) Subscribe(topicPattern string) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	for _, existing := range mq.subscriptions {
		if existing == topicPattern {
			return
		}
	}
	mq.subscriptions = append(mq.subscriptions, topicPattern)
}

func (mq *LocalMQ) On(eventName string, handler Handler) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	mq.handlers[eventName] = append(mq.handlers[eventName], handler)
}

func (mq *LocalMQ) Push(_ context.Context, msg *Message) error {
	select {
	case mq.deliver <- msg:
		return nil
	case <-mq.ctx.Done():
		return mq.ctx.Err()
	}
}

func (mq *LocalMQ) PushWait(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.MessageID == "" {
		msg.MessageID = uuid.NewString()
	}
	responseTopic := ResponseTopic(msg.EventName)
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

func (mq *LocalMQ) Stop() {
	mq.cancel()
	<-mq.done
}

func (mq *LocalMQ) dispatchLoop() {
	defer close(mq.done)
	for {
		select {
		case msg := <-mq.deliver:
			mq.dispatch(msg)
		case <-mq.ctx.Done():
			return
		}
	}
}

func (mq *LocalMQ) dispatch(msg *Message) {
	mq.mu.Lock()
	// Request/response waiters bypass subscriptions: the waiter itself is
	// the subscription.
	if mq.waiters.deliver(msg) {
		mq.mu.Unlock()
		return
	}
	subscribed := false
	for _, pattern := range mq.subscriptions {
		if TopicMatches(pattern, msg.EventName) {
			subscribed = true
			break
		}
	}
	handlers := mq.handlers[msg.EventName]
	mq.mu.Unlock()

	if !subscribed {
		return
	}
	for _, handler := range handlers {
		handler(mq.ctx, msg)
	}
}
