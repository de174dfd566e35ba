package events

import (
	"context"
	"sync"
	"time"
)

// Topics the relay publishes on. Config reloads and settings writes fan out
// to the caches; credential topics feed the pool so quarantined entries stop
// receiving traffic without a restart.
const (
	TopicConfigUpdated         = "config.updated"
	TopicSettingsChanged       = "settings.changed"
	TopicCredentialChanged     = "credentials.changed"
	TopicCredentialQuarantined = "credentials.quarantined"
	TopicCredentialRestored    = "credentials.restored"
)

// Event is what subscribers receive: the topic, when it was published, and
// an optional payload (typically a credential ID or a settings key).
type Event struct {
	Topic     string            `json:"topic"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Handler reacts to one event. Handlers run on the publisher's goroutine,
// so they must not block.
type Handler func(context.Context, Event)

// Publisher is the write side of the hub, handed to the registry and the
// settings cache so they don't depend on the full Hub.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, metadata map[string]string)
}

// Subscriber is the read side.
type Subscriber interface {
	Subscribe(topic string, handler Handler) func()
}

// Hub is the in-process pub/sub bus wiring the registry, settings cache,
// and sweepers together. Everything is synchronous and in-memory.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[int64]Handler
	nextID int64
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[int64]Handler),
	}
}

// Subscribe registers a handler for topic and returns its cancel function.
func (h *Hub) Subscribe(topic string, handler Handler) func() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	id := h.nextID

	if _, ok := h.subs[topic]; !ok {
		h.subs[topic] = make(map[int64]Handler)
	}
	h.subs[topic][id] = handler

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if listeners, ok := h.subs[topic]; ok {
			delete(listeners, id)
			if len(listeners) == 0 {
				delete(h.subs, topic)
			}
		}
	}
}

// Publish delivers the event to every current subscriber of the topic,
// in order, on the calling goroutine.
func (h *Hub) Publish(ctx context.Context, topic string, payload any, metadata map[string]string) {
	event := Event{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata:  metadata,
	}

	handlers := h.snapshotHandlers(topic)
	for _, handler := range handlers {
		handler(ctx, event)
	}
}

func (h *Hub) snapshotHandlers(topic string) []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()

	listeners := h.subs[topic]
	if len(listeners) == 0 {
		return nil
	}

	out := make([]Handler, 0, len(listeners))
	for _, handler := range listeners {
		out = append(out, handler)
	}
	return out
}
