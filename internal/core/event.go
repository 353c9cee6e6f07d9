package core

// EventKind is a notification the core emits to clients.
type EventKind int

const (
	// EventRoomMessage delivers a persisted chat message.
	EventRoomMessage EventKind = iota
	// EventUserJoined notifies room members about a user joining.
	EventUserJoined
	// EventUserLeft notifies room members about a user leaving.
	EventUserLeft
	// EventJoined acknowledges a join to the joining client only.
	EventJoined
	// EventLeft acknowledges a leave to the leaving client only.
	EventLeft
	// EventError notifies clients about a domain error.
	EventError
)

// Event is sent to clients to describe what happened in the system.
type Event struct {
	Kind    EventKind
	Room    string
	User    string
	Message Message
	Error   *CoreError
}
