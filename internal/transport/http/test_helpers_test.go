package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/breedchat-server/internal/auth"
	"github.com/vovakirdan/breedchat-server/internal/config"
	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
	"github.com/vovakirdan/breedchat-server/internal/store"
	"github.com/vovakirdan/breedchat-server/internal/store/memory"
)

type testEnv struct {
	ts    *httptest.Server
	hub   *core.Hub
	store *memory.Store
	auth  *auth.Service
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Addr = ":0"
	cfg.JWTSecret = "test-secret"
	cfg.HistoryLimit = 20
	return cfg
}

// startTestServer wires a hub, an in-memory store and the HTTP server.
func startTestServer(t *testing.T) *testEnv {
	t.Helper()
	return startTestServerWith(t, nil)
}

func startTestServerWith(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	disabledLogger := zerolog.Nop()

	st := memory.New()
	authService := auth.NewService(st, &auth.JWTConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.JWTIssuer,
		Audience: cfg.JWTAudience,
		TTL:      time.Hour,
	})

	hub := core.NewHub(st, authService, core.WithPublishTimeout(time.Second))
	ctx, cancel := context.WithCancel(context.Background())
	hub.Start(ctx)

	server := NewServer(Deps{
		Hub:    hub,
		Auth:   authService,
		Store:  st,
		Config: cfg,
		Logger: &disabledLogger,
	})
	ts := httptest.NewServer(server.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		hub.Stop()
	})

	return &testEnv{ts: ts, hub: hub, store: st, auth: authService}
}

func (e *testEnv) register(t *testing.T, nickname string) (string, *store.User) {
	t.Helper()
	user, token, err := e.auth.Register(context.Background(), auth.RegisterRequest{
		Nickname:  nickname,
		Password:  "password123",
		Breed:     "collie",
		AvatarURL: "https://img.example/" + nickname + ".png",
	})
	if err != nil {
		t.Fatalf("register %s: %v", nickname, err)
	}
	return token, user
}

func (e *testEnv) wsURL() string {
	return strings.Replace(e.ts.URL, "http", "ws", 1) + "/ws"
}

// dial opens a websocket and authenticates with a hello frame.
func (e *testEnv) dial(ctx context.Context, t *testing.T, token string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, e.wsURL(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "done") })
	writeFrame(ctx, t, conn, proto.InboundTypeHello, proto.HelloData{Token: token, Protocol: proto.ProtocolVersion})
	return conn
}

func writeFrame(ctx context.Context, t *testing.T, conn *websocket.Conn, typ string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal %s: %v", typ, err)
	}
	if err := wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload}); err != nil {
		t.Fatalf("write %s: %v", typ, err)
	}
}

// readUntil reads frames until match accepts one, failing on read errors.
func readUntil(ctx context.Context, t *testing.T, conn *websocket.Conn, match func(proto.Outbound) bool) proto.Outbound {
	t.Helper()
	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			t.Fatalf("read outbound: %v", err)
		}
		if match(out) {
			return out
		}
	}
}

func isEvent(name string) func(proto.Outbound) bool {
	return func(out proto.Outbound) bool {
		return out.Type == proto.OutboundTypeEvent && out.Event == name
	}
}

func isError(out proto.Outbound) bool {
	return out.Type == proto.OutboundTypeError
}

func joinRoom(ctx context.Context, t *testing.T, conn *websocket.Conn, room string) {
	t.Helper()
	writeFrame(ctx, t, conn, proto.InboundTypeJoin, proto.JoinData{Room: room})
	out := readUntil(ctx, t, conn, func(o proto.Outbound) bool { return isEvent(proto.EventTypeJoined)(o) || isError(o) })
	if isError(out) {
		t.Fatalf("join %s failed: %+v", room, out.Error)
	}
}

// doJSON performs a request against the test server.
func (e *testEnv) doJSON(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
}
