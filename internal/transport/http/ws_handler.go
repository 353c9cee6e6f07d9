package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	stdhttp "net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/breedchat-server/internal/config"
	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
	"github.com/vovakirdan/breedchat-server/internal/utils"
)

var (
	errUnsupportedVersion = errors.New("unsupported protocol version")
	errClientClosed       = errors.New("client unregistered")
)

// IdentityResolver turns a session credential into an identity.
type IdentityResolver interface {
	ResolveIdentity(ctx context.Context, credential string) (*core.Identity, error)
}

// WSHandler upgrades HTTP connections and bridges them to core.Client.
type WSHandler struct {
	hub           *core.Hub
	identities    IdentityResolver
	maxFrameBytes int64
	clientBuffer  int
	// authTimeout bounds how long a connection may stay unauthenticated.
	authTimeout time.Duration
	log         *zerolog.Logger
}

// NewWSHandler builds a new WebSocket handler.
func NewWSHandler(hub *core.Hub, identities IdentityResolver, cfg config.Config, logger *zerolog.Logger) stdhttp.Handler {
	return &WSHandler{
		hub:           hub,
		identities:    identities,
		maxFrameBytes: cfg.MaxFrameBytes,
		clientBuffer:  cfg.ClientBuffer,
		authTimeout:   cfg.JoinTimeout,
		log:           logger,
	}
}

func (h *WSHandler) ServeHTTP(w stdhttp.ResponseWriter, r *stdhttp.Request) {
	ctx := r.Context()

	// A credential on the upgrade request is checked before accepting,
	// so a bad token never gets a socket.
	var identity *core.Identity
	token, malformed := credentialFrom(r)
	if malformed {
		stdhttp.Error(w, "invalid authorization header format", stdhttp.StatusUnauthorized)
		return
	}
	if token != "" {
		id, err := h.identities.ResolveIdentity(ctx, token)
		if err != nil {
			h.log.Debug().Err(err).Msg("ws upgrade rejected")
			stdhttp.Error(w, err.Error(), statusFor(err))
			return
		}
		identity = id
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ws accept error")
		return
	}
	defer conn.Close(websocket.StatusInternalError, "internal error")
	if h.maxFrameBytes > 0 {
		conn.SetReadLimit(h.maxFrameBytes)
	}

	client := core.NewClient(utils.NewID(), h.clientBuffer)
	if err := h.hub.RegisterClient(client); err != nil {
		conn.Close(websocket.StatusTryAgainLater, "server shutting down")
		return
	}
	defer h.hub.UnregisterClient(client)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if identity != nil {
		if err := submit(ctx, client, &core.Command{Kind: core.CommandAuthenticate, Identity: identity}); err != nil {
			return
		}
	}
	log := h.log.With().Str("client_id", client.ID).Logger()
	log.Debug().Bool("authenticated", identity != nil).Msg("ws connected")

	errCh := make(chan error, 2)
	go func() {
		errCh <- h.readLoop(ctx, conn, client, identity != nil, &log)
	}()
	go func() {
		errCh <- h.writeLoop(ctx, conn, client, &log)
	}()

	err = <-errCh
	cancel() // stop the other goroutine
	<-errCh

	status, reason := closeStatus(err)
	if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
		log.Warn().Err(err).Msg("ws connection closed with error")
	}
	conn.Close(status, reason)
}

// closeStatus picks the close frame for the error that ended the connection.
func closeStatus(err error) (websocket.StatusCode, string) {
	switch {
	case err == nil, errors.Is(err, context.Canceled), errors.Is(err, io.EOF), errors.Is(err, errClientClosed):
		return websocket.StatusNormalClosure, "closing"
	case errors.Is(err, core.ErrHubStopped):
		return websocket.StatusGoingAway, "server shutting down"
	case errors.Is(err, errUnsupportedVersion):
		return websocket.StatusPolicyViolation, err.Error()
	}
	if s := websocket.CloseStatus(err); s == websocket.StatusNormalClosure || s == websocket.StatusGoingAway {
		return s, "closing"
	} else if s != -1 {
		return s, err.Error()
	}
	return websocket.StatusInternalError, err.Error()
}

func (h *WSHandler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, authenticated bool, log *zerolog.Logger) error {
	var authTimer *time.Timer
	if !authenticated && h.authTimeout > 0 {
		authTimer = time.AfterFunc(h.authTimeout, func() {
			log.Debug().Msg("authentication timeout")
			conn.Close(websocket.StatusPolicyViolation, "authentication timeout")
		})
		defer authTimer.Stop()
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		var inbound proto.Inbound
		if typ != websocket.MessageText || json.Unmarshal(data, &inbound) != nil {
			if writeErr := wsjson.Write(ctx, conn, errorFrame(badRequest("malformed frame"))); writeErr != nil {
				return writeErr
			}
			continue
		}

		if inbound.Type == proto.InboundTypeHello {
			ok, err := h.hello(ctx, conn, client, inbound, authenticated, log)
			if err != nil {
				return err
			}
			if ok && authTimer != nil {
				authTimer.Stop()
			}
			authenticated = authenticated || ok
			continue
		}

		cmd, protoErr := inboundToCommand(inbound)
		if protoErr != nil {
			if writeErr := wsjson.Write(ctx, conn, errorFrame(protoErr)); writeErr != nil {
				return writeErr
			}
			continue
		}
		if err := submit(ctx, client, cmd); err != nil {
			return err
		}
	}
}

// hello checks the protocol version and authenticates with the token it carries.
// It reports whether the connection is now authenticated.
func (h *WSHandler) hello(ctx context.Context, conn *websocket.Conn, client *core.Client, inbound proto.Inbound, authenticated bool, log *zerolog.Logger) (bool, error) {
	var hello proto.HelloData
	if err := json.Unmarshal(inbound.Data, &hello); err != nil {
		return false, wsjson.Write(ctx, conn, errorFrame(badRequest("malformed hello")))
	}
	if hello.Protocol != 0 && hello.Protocol != proto.ProtocolVersion {
		if err := wsjson.Write(ctx, conn, errorFrame(&proto.Error{
			Code: proto.ErrCodeUnsupportedVersion,
			Msg:  "unsupported protocol version",
		})); err != nil {
			return false, err
		}
		return false, errUnsupportedVersion
	}

	if hello.Token == "" {
		if authenticated {
			return true, nil
		}
		return false, wsjson.Write(ctx, conn, errorFrame(&proto.Error{Code: core.ErrCodeUnauthorized, Msg: "credential required"}))
	}

	identity, err := h.identities.ResolveIdentity(ctx, hello.Token)
	if err != nil {
		log.Debug().Err(err).Msg("hello rejected")
		msg := "invalid credential"
		var coreErr *core.CoreError
		if errors.As(err, &coreErr) {
			msg = coreErr.Message
		}
		return false, wsjson.Write(ctx, conn, errorFrame(&proto.Error{Code: core.ErrCodeUnauthorized, Msg: msg}))
	}
	if err := submit(ctx, client, &core.Command{Kind: core.CommandAuthenticate, Identity: identity}); err != nil {
		return false, err
	}
	log.Debug().Int64("user_id", identity.ID).Msg("ws authenticated")
	return true, nil
}

func (h *WSHandler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, log *zerolog.Logger) error {
	for {
		select {
		case event := <-client.Events:
			if err := wsjson.Write(ctx, conn, outboundFromEvent(event)); err != nil {
				log.Error().Err(err).Msg("write ws event")
				return err
			}
		case <-client.Done():
			return errClientClosed
		case <-h.hub.Done():
			return core.ErrHubStopped
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// submit hands a command to the hub without outliving the connection.
func submit(ctx context.Context, client *core.Client, cmd *core.Command) error {
	select {
	case client.Commands <- cmd:
		return nil
	case <-client.Done():
		return errClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
