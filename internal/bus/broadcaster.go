package bus

import (
	"log/slog"
	"sync"
)

// Broadcaster is the concrete EventPublisher. It fulfills the interface
// with a lock-protected map of subscriber handlers, grounded in the
// gateway's registerClient/BroadcastEvent pair and the original
// implementation's tokio::sync::broadcast lag-handling semantics: a slow
// subscriber drops events rather than blocking or disconnecting.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]EventHandler
	log         *slog.Logger
}

// NewBroadcaster returns an empty Broadcaster.
func NewBroadcaster(log *slog.Logger) *Broadcaster {
	if log == nil {
		log = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]EventHandler),
		log:         log,
	}
}

// Subscribe registers handler under id, replacing any existing handler for
// that id.
func (b *Broadcaster) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

// Unsubscribe removes id's handler. It is a no-op if id is not subscribed.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast fans event out to every subscriber. A handler that panics (e.g.
// because its connection's send channel is closed mid-flight) is recovered
// and logged rather than taking down the broadcaster; this mirrors the
// "lagged subscriber" contract — a bad subscriber never disconnects others
// or blocks the sender.
func (b *Broadcaster) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(h, event)
	}
}

func (b *Broadcaster) dispatch(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Warn("broadcast subscriber panicked, dropping event", "event", event.Name, "recover", r)
		}
	}()
	h(event)
}

// Count returns the current subscriber count.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
