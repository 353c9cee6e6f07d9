package core

// CommandKind describes what the client wants to do.
type CommandKind int

const (
	// CommandSendRoomMessage publishes a chat message to the room.
	CommandSendRoomMessage CommandKind = iota
	// CommandJoinRoom binds the client to a room, leaving any previous one.
	CommandJoinRoom
	// CommandLeaveRoom unbinds the client from its room.
	CommandLeaveRoom
	// CommandAuthenticate attaches a resolved identity to the client.
	CommandAuthenticate
)

// Command represents an action requested by a client.
type Command struct {
	Kind        CommandKind
	Room        string
	Content     string
	ClientNonce string
	Identity    *Identity
}
