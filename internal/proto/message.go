package proto

import (
	"encoding/json"
	"time"
)

// Inbound is the envelope for messages coming from the client.
type Inbound struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

const (
	ProtocolVersion = 1

	InboundTypeHello = "hello"
	InboundTypeJoin  = "join"
	InboundTypeLeave = "leave"
	InboundTypeSend  = "send"

	OutboundTypeEvent = "event"
	OutboundTypeError = "error"

	EventTypeJoined     = "joined"
	EventTypeLeft       = "left"
	EventTypeMessage    = "message"
	EventTypeUserJoined = "user_joined"
	EventTypeUserLeft   = "user_left"

	// ErrCodeUnsupportedVersion is returned for a hello with a different protocol.
	ErrCodeUnsupportedVersion = "unsupported_version"
)

// HelloData is sent by the client to authenticate the connection.
// Token may be omitted when the credential travelled with the upgrade request.
type HelloData struct {
	Token    string `json:"token,omitempty"`
	Protocol int    `json:"protocol,omitempty"`
}

// JoinData requests to join a room (breed channel).
type JoinData struct {
	Room string `json:"room"`
}

// LeaveData requests to leave a room.
type LeaveData struct {
	Room string `json:"room"`
}

// SendData publishes a message. ClientNonce is echoed on the sender's copy
// and on any error caused by this send.
type SendData struct {
	Room        string `json:"room"`
	Content     string `json:"content"`
	ClientNonce string `json:"client_nonce,omitempty"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Event string `json:"event,omitempty"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// EventMessage is a persisted message. It is also the element type of history pages.
type EventMessage struct {
	ID          int64     `json:"id"`
	Room        string    `json:"room"`
	AuthorID    int64     `json:"author_id"`
	Nickname    string    `json:"nickname"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
	ClientNonce string    `json:"client_nonce,omitempty"`
}

// EventRoom acknowledges the caller's own join or leave.
type EventRoom struct {
	Room string `json:"room"`
}

// EventUserJoined notifies that a user joined a room.
type EventUserJoined struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// EventUserLeft notifies that a user left a room.
type EventUserLeft struct {
	Room string `json:"room"`
	User string `json:"user"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code        string `json:"code"`
	Msg         string `json:"msg"`
	ClientNonce string `json:"client_nonce,omitempty"`
}

// DecodeEventMessage decodes the data of a "message" event.
func DecodeEventMessage(out *Outbound) (EventMessage, error) {
	var msg EventMessage
	err := remarshal(out.Data, &msg)
	return msg, err
}

// DecodeEventRoom decodes the data of a "joined" or "left" event.
func DecodeEventRoom(out *Outbound) (EventRoom, error) {
	var ev EventRoom
	err := remarshal(out.Data, &ev)
	return ev, err
}

// Outbound.Data arrives as a generic map after decoding; round-trip it into the concrete type.
func remarshal(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
