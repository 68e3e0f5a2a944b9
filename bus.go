package vansify

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Cross-cutting topics published by the reconcilers and managers. Channel
// specific topics live on each ChannelConfig.
const (
	TopicChannelState = "channel.state"

	TopicChatsLoaded       = "chats.loaded"
	TopicChatUpdated       = "chat.updated"
	TopicChatDeleted       = "chat.deleted"
	TopicChatReadRequest   = "chat.read.request"
	TopicChatDeleteRequest = "chat.delete.request"

	TopicNotificationsLoaded = "notifications.loaded"
	TopicNotificationUpdated = "notification.updated"
	TopicNotificationDeleted = "notification.deleted"

	TopicPresenceUpdated = "presence.updated"

	TopicMutationError = "mutation.error"
	TopicCacheError    = "cache.error"
)

// Event is one bus delivery.
type Event struct {
	Topic   string
	Payload any
}

// Handler receives events for the topics it subscribed to.
type Handler func(Event)

// Subscription identifies one registration. The zero value is never
// registered, so unsubscribing it is a no-op.
type Subscription struct {
	Topic string
	id    uuid.UUID
}

type subscriber struct {
	id      uuid.UUID
	handler Handler
}

// EventBus is an in-process, synchronous publish/subscribe mechanism scoped
// to one application session. Delivery is at-most-once and there is no
// replay for late subscribers.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	logger *zap.Logger
}

// NewEventBus creates an empty bus. A nil logger discards output.
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subs:   make(map[string][]subscriber),
		logger: logger.Named("bus"),
	}
}

// Subscribe registers h for topic and returns the handle used to remove it.
func (b *EventBus) Subscribe(topic string, h Handler) Subscription {
	sub := Subscription{Topic: topic, id: uuid.New()}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], subscriber{id: sub.id, handler: h})
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a registration. Removing one twice is a no-op.
func (b *EventBus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.Topic]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.Topic] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.Topic]) == 0 {
		delete(b.subs, sub.Topic)
	}
}

// Publish delivers payload to every handler currently subscribed to topic,
// in subscription order, on the caller's goroutine. Handlers run without
// the bus lock held, so they may publish or (un)subscribe themselves.
func (b *EventBus) Publish(topic string, payload any) {
	b.mu.RLock()
	handlers := append([]subscriber(nil), b.subs[topic]...)
	b.mu.RUnlock()

	ev := Event{Topic: topic, Payload: payload}
	for _, s := range handlers {
		b.deliver(s.handler, ev)
	}
}

func (b *EventBus) deliver(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("handler panicked", zap.String("topic", ev.Topic), zap.Any("panic", r))
		}
	}()
	h(ev)
}

// SubscriberCount returns the number of handlers registered for topic.
func (b *EventBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Reset drops every registration.
func (b *EventBus) Reset() {
	b.mu.Lock()
	b.subs = make(map[string][]subscriber)
	b.mu.Unlock()
}

// On subscribes a handler that only sees payloads of type T. Payloads of any
// other type published on the topic are skipped.
func On[T any](b *EventBus, topic string, fn func(T)) Subscription {
	return b.Subscribe(topic, func(ev Event) {
		v, ok := ev.Payload.(T)
		if !ok {
			b.logger.Debug("payload type mismatch", zap.String("topic", ev.Topic), zap.Any("payload", ev.Payload))
			return
		}
		fn(v)
	})
}
