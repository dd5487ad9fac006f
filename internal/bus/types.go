// Package bus implements the process-wide event broadcaster (§4.2): a
// pub/sub fan-out of named JSON payloads to every subscribed WebSocket
// connection.
package bus

// Event is a payload broadcast to every subscribed connection. Name is one
// of the protocol.Event* constants (e.g. "session.statusChanged",
// "task.claimed"); Payload is arbitrary JSON.
type Event struct {
	Name    string      `json:"name"`
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles one broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts broadcast + subscription so callers (the
// gateway, the account pool, the session manager, the task supervisory
// jobs) don't depend on the concrete Broadcaster implementation.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}
