package http

import (
	"encoding/json"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
)

// inboundToCommand maps a join, leave or send frame to a hub command.
// Room and content are validated by the hub so that errors carry the send's nonce.
func inboundToCommand(inbound proto.Inbound) (*core.Command, *proto.Error) {
	switch inbound.Type {
	case proto.InboundTypeJoin:
		var join proto.JoinData
		if err := json.Unmarshal(inbound.Data, &join); err != nil {
			return nil, badRequest("malformed join")
		}
		return &core.Command{Kind: core.CommandJoinRoom, Room: join.Room}, nil
	case proto.InboundTypeLeave:
		var leave proto.LeaveData
		if len(inbound.Data) > 0 {
			if err := json.Unmarshal(inbound.Data, &leave); err != nil {
				return nil, badRequest("malformed leave")
			}
		}
		return &core.Command{Kind: core.CommandLeaveRoom, Room: leave.Room}, nil
	case proto.InboundTypeSend:
		var send proto.SendData
		if err := json.Unmarshal(inbound.Data, &send); err != nil {
			return nil, badRequest("malformed send")
		}
		return &core.Command{
			Kind:        core.CommandSendRoomMessage,
			Room:        send.Room,
			Content:     send.Content,
			ClientNonce: send.ClientNonce,
		}, nil
	default:
		return nil, badRequest("unknown message type")
	}
}

func badRequest(msg string) *proto.Error {
	return &proto.Error{Code: core.ErrCodeBadRequest, Msg: msg}
}

func errorFrame(e *proto.Error) proto.Outbound {
	return proto.Outbound{Type: proto.OutboundTypeError, Error: e}
}

func outboundFromEvent(event *core.Event) proto.Outbound {
	switch event.Kind {
	case core.EventRoomMessage:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventTypeMessage,
			Data:  EventMessageFrom(event.Message),
		}
	case core.EventJoined:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventTypeJoined,
			Data:  proto.EventRoom{Room: event.Room},
		}
	case core.EventLeft:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventTypeLeft,
			Data:  proto.EventRoom{Room: event.Room},
		}
	case core.EventUserJoined:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventTypeUserJoined,
			Data:  proto.EventUserJoined{Room: event.Room, User: event.User},
		}
	case core.EventUserLeft:
		return proto.Outbound{
			Type:  proto.OutboundTypeEvent,
			Event: proto.EventTypeUserLeft,
			Data:  proto.EventUserLeft{Room: event.Room, User: event.User},
		}
	case core.EventError:
		if event.Error == nil {
			return errorFrame(&proto.Error{Code: "unknown", Msg: "unknown error"})
		}
		return errorFrame(&proto.Error{
			Code:        event.Error.Code,
			Msg:         event.Error.Message,
			ClientNonce: event.Error.ClientNonce,
		})
	default:
		return proto.Outbound{Type: proto.OutboundTypeEvent}
	}
}

// EventMessageFrom converts a core message to its wire form.
func EventMessageFrom(m core.Message) proto.EventMessage {
	return proto.EventMessage{
		ID:          m.ID,
		Room:        m.Room,
		AuthorID:    m.AuthorID,
		Nickname:    m.AuthorNickname,
		AvatarURL:   m.AuthorAvatarURL,
		Content:     m.Content,
		CreatedAt:   m.CreatedAt,
		ClientNonce: m.ClientNonce,
	}
}
