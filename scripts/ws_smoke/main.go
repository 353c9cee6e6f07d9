package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vovakirdan/breedchat-server/internal/client"
	"github.com/vovakirdan/breedchat-server/internal/proto"
	"github.com/vovakirdan/breedchat-server/internal/utils"
)

func main() {
	if err := run(); err != nil {
		log.Printf("ws_smoke: %v", err)
		os.Exit(1)
	}
}

func run() error {
	server := flag.String("server", "http://localhost:8080", "server base URL")
	nickname := flag.String("nick", "smoke-"+utils.NewID()[20:], "nickname to register")
	room := flag.String("room", "collie", "breed room")
	text := flag.String("text", "hello from smoke test", "message text to send")
	timeout := flag.Duration("timeout", 5*time.Second, "total timeout for the run")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	api, err := client.NewAPI(*server, "", nil)
	if err != nil {
		return err
	}
	token, user, err := api.Register(ctx, *nickname, "smoke-password", *room, "")
	if err != nil {
		return fmt.Errorf("register: %w", err)
	}
	fmt.Printf("Registered %s (id=%d)\n", user.Nickname, user.ID)

	wsURL := "ws" + strings.TrimPrefix(strings.TrimRight(*server, "/"), "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "bye")

	send := func(typ string, data any) error {
		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", typ, err)
		}
		if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
			return fmt.Errorf("send %s: %w", typ, err)
		}
		return nil
	}

	nonce := utils.NewNonce()
	if err := send(proto.InboundTypeHello, proto.HelloData{Token: token, Protocol: proto.ProtocolVersion}); err != nil {
		return err
	}
	if err := send(proto.InboundTypeJoin, proto.JoinData{Room: *room}); err != nil {
		return err
	}
	if err := send(proto.InboundTypeSend, proto.SendData{Room: *room, Content: *text, ClientNonce: nonce}); err != nil {
		return err
	}

	for {
		var outbound proto.Outbound
		if err := wsjson.Read(ctx, conn, &outbound); err != nil {
			return fmt.Errorf("read: %w", err)
		}

		fmt.Printf("Received outbound: type=%s", outbound.Type)
		if outbound.Event != "" {
			fmt.Printf(" event=%s", outbound.Event)
		}
		fmt.Println()

		if outbound.Error != nil {
			return fmt.Errorf("server error %s: %s", outbound.Error.Code, outbound.Error.Msg)
		}
		if outbound.Event != proto.EventTypeMessage {
			continue
		}
		evt, err := proto.DecodeEventMessage(&outbound)
		if err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		fmt.Printf("EventMessage: id=%d room=%s author=%s content=%q created_at=%s\n",
			evt.ID, evt.Room, evt.Nickname, evt.Content, evt.CreatedAt.Format(time.RFC3339Nano))
		if evt.ClientNonce == nonce {
			fmt.Println("Echo confirmed")
			return nil
		}
	}
}
