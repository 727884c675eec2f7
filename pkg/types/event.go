package types

// EventType is the kind of mutation an Event records.
type EventType string

const (
	EventSessionCreated EventType = "session.created"
	EventSessionUpdated EventType = "session.updated"
	EventSessionClosed  EventType = "session.closed"
	EventAnnotationCreated EventType = "annotation.created"
	EventAnnotationUpdated EventType = "annotation.updated"
	EventAnnotationDeleted EventType = "annotation.deleted"
	EventThreadMessage     EventType = "thread.message"
)

// Event is a durable, ordered record of a single mutation. Sequence is
// assigned by the event bus and is strictly increasing for the life of
// the process; it is never reused, even after retention deletion.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp string    `json:"timestamp"`
	SessionID string    `json:"sessionId"`
	Sequence  uint64    `json:"sequence"`
	Payload   any       `json:"payload"`
}
