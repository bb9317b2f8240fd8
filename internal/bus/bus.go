package bus

import "sync"

// MessageBus is the process-wide EventPublisher. Subscribers register under
// an id (typically a socket client id) and receive every broadcast event;
// filtering internal-only events (e.g. "cache.*") is the subscriber's job.
type MessageBus struct {
	mu          sync.RWMutex
	subscribers map[string]EventHandler
}

// NewMessageBus creates an empty bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{subscribers: make(map[string]EventHandler)}
}

// Subscribe registers handler under id, replacing any prior handler for
// the same id.
func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes the handler registered under id.
func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers event to every current subscriber. Handlers are
// invoked synchronously but must not block for long — the socket hub's
// handlers enqueue onto a per-client send channel rather than writing
// directly to the network.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}
