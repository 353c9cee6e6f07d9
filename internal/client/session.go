package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/rs/zerolog"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
)

// State is the lifecycle of a room session.
type State int

const (
	StateDisconnected State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

var (
	// ErrNotJoined is returned by Send and Resend outside StateJoined.
	ErrNotJoined = errors.New("session is not joined")
	// ErrBusy is returned by Join when the session is not disconnected.
	ErrBusy = errors.New("session already active")
)

// Config configures a Session.
type Config struct {
	// ServerURL is the http(s) base URL of the server.
	ServerURL string
	Token     string
	Room      string

	JoinTimeout  time.Duration
	WriteTimeout time.Duration
	// ConfirmTimeout bounds how long a sent entry may wait for its echo or
	// error before it is marked failed. It should cover the server's publish timeout.
	ConfirmTimeout time.Duration
	// MaxReconnects bounds consecutive reconnect attempts after an unexpected disconnect.
	MaxReconnects  int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// HistoryLimit is the page size fetched on every (re)join; 0 uses the server default.
	HistoryLimit int

	HTTPClient *http.Client
	Logger     *zerolog.Logger
}

func (c *Config) applyDefaults() {
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = c.WriteTimeout + 5*time.Second
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = 5
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
}

// Session keeps a View of one room in sync with the server over a websocket,
// reconnecting with backoff when the connection drops.
type Session struct {
	cfg  Config
	api  *API
	log  zerolog.Logger
	self core.Identity
	view *View

	mu     sync.Mutex
	state  State
	conn   *websocket.Conn
	cancel context.CancelFunc
	// gen identifies the current connection so a stale reader cannot trigger a reconnect.
	gen int
	// epoch changes on every Join and Leave so a stale reconnect loop stops.
	epoch    int
	confirms map[string]*confirmTimer

	errs    chan error
	updates chan struct{}
	closed  chan struct{}
	wg      sync.WaitGroup
}

// NewSession creates a disconnected session. Join connects it.
func NewSession(cfg Config) (*Session, error) {
	cfg.applyDefaults()
	room, err := core.NormalizeRoom(cfg.Room)
	if err != nil {
		return nil, err
	}
	cfg.Room = room
	api, err := NewAPI(cfg.ServerURL, cfg.Token, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	return &Session{
		cfg:      cfg,
		api:      api,
		log:      cfg.Logger.With().Str("room", room).Logger(),
		errs:     make(chan error, 16),
		updates:  make(chan struct{}, 1),
		closed:   make(chan struct{}),
		confirms: make(map[string]*confirmTimer),
	}, nil
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// View returns the reconciled view. It is nil before the first Join.
func (s *Session) View() *View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.view
}

// Self returns the local identity resolved on Join.
func (s *Session) Self() core.Identity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

// Errors delivers failures that have no pending entry to attach to, such as
// exhausted reconnects.
func (s *Session) Errors() <-chan error {
	return s.errs
}

// Updates is signalled (coalesced) whenever the view changes.
func (s *Session) Updates() <-chan struct{} {
	return s.updates
}

// Join connects, authenticates, joins the room and loads its history,
// all within JoinTimeout.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateDisconnected {
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateJoining
	s.epoch++
	epoch := s.epoch
	needView := s.view == nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
	defer cancel()

	if needView {
		self, err := s.api.Me(ctx)
		if err != nil {
			s.setState(StateDisconnected)
			return fmt.Errorf("resolve identity: %w", err)
		}
		s.mu.Lock()
		s.self = self
		s.view = NewView(self, s.cfg.Room)
		s.mu.Unlock()
	}

	if err := s.connect(ctx, epoch); err != nil {
		s.setState(StateDisconnected)
		return err
	}
	return nil
}

// connect performs one dial, hello, join and history load. On success the
// session is Joined and a reader goroutine owns the connection. It gives up
// when epoch is no longer current.
func (s *Session) connect(ctx context.Context, epoch int) error {
	s.view.BeginSession()

	conn, _, err := websocket.Dial(ctx, wsURL(s.cfg.ServerURL), &websocket.DialOptions{
		HTTPClient: s.cfg.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + s.cfg.Token}},
	})
	if err != nil {
		return classifyDialError(err)
	}

	if err := writeFrame(ctx, conn, proto.InboundTypeHello, proto.HelloData{Protocol: proto.ProtocolVersion}); err != nil {
		conn.CloseNow()
		return transportError(err)
	}
	if err := writeFrame(ctx, conn, proto.InboundTypeJoin, proto.JoinData{Room: s.cfg.Room}); err != nil {
		conn.CloseNow()
		return transportError(err)
	}
	if err := s.awaitJoined(ctx, conn); err != nil {
		conn.CloseNow()
		return err
	}

	// History is fetched only after the join is acknowledged, so every message
	// persisted later arrives live. Live messages received meanwhile are buffered by the view.
	readCtx, cancelRead := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state != StateJoining || s.epoch != epoch {
		s.mu.Unlock()
		cancelRead()
		conn.Close(websocket.StatusNormalClosure, "leaving")
		return ErrNotJoined
	}
	s.gen++
	gen := s.gen
	s.conn = conn
	s.cancel = cancelRead
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(readCtx, conn, gen)

	history, err := s.api.History(ctx, s.cfg.Room, nil, s.cfg.HistoryLimit)
	if err != nil {
		s.dropConn(gen, websocket.StatusNormalClosure, "history unavailable")
		return fmt.Errorf("load history: %w", err)
	}
	s.view.LoadHistory(history)

	s.mu.Lock()
	if s.gen != gen || s.state != StateJoining || s.epoch != epoch {
		s.mu.Unlock()
		s.dropConn(gen, websocket.StatusNormalClosure, "leaving")
		return transportError(errors.New("connection lost while loading history"))
	}
	s.state = StateJoined
	s.mu.Unlock()

	s.notify()
	s.log.Debug().Int("history", len(history)).Msg("joined")
	return nil
}

// awaitJoined reads frames until the join is acknowledged or refused.
func (s *Session) awaitJoined(ctx context.Context, conn *websocket.Conn) error {
	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			return transportError(err)
		}
		switch {
		case out.Type == proto.OutboundTypeError && out.Error != nil:
			return core.NewError(out.Error.Code, out.Error.Msg)
		case out.Type == proto.OutboundTypeEvent && out.Event == proto.EventTypeJoined:
			return nil
		case out.Type == proto.OutboundTypeEvent && out.Event == proto.EventTypeMessage:
			if msg, err := proto.DecodeEventMessage(&out); err == nil {
				s.view.Live(msg)
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn, gen int) {
	defer s.wg.Done()
	for {
		var out proto.Outbound
		if err := wsjson.Read(ctx, conn, &out); err != nil {
			conn.CloseNow()
			s.connectionLost(gen, err)
			return
		}
		s.handle(&out)
	}
}

func (s *Session) handle(out *proto.Outbound) {
	switch out.Type {
	case proto.OutboundTypeEvent:
		if out.Event != proto.EventTypeMessage {
			return
		}
		msg, err := proto.DecodeEventMessage(out)
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable message event")
			return
		}
		s.disarmConfirm(msg.ClientNonce)
		s.view.Live(msg)
		s.notify()
	case proto.OutboundTypeError:
		if out.Error == nil {
			return
		}
		coreErr := core.NewError(out.Error.Code, out.Error.Msg).WithNonce(out.Error.ClientNonce)
		s.disarmConfirm(out.Error.ClientNonce)
		if out.Error.ClientNonce != "" && s.view.Fail(out.Error.ClientNonce, coreErr) {
			s.notify()
			return
		}
		s.report(coreErr)
	}
}

// connectionLost starts the reconnect path unless the drop was requested.
func (s *Session) connectionLost(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen || s.state == StateLeaving || s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	epoch := s.epoch
	wasJoined := s.state == StateJoined
	s.state = StateJoining
	s.conn = nil
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.mu.Unlock()

	s.log.Warn().Err(err).Msg("connection lost")
	if !wasJoined {
		// connect is still running and will report the failure itself.
		return
	}
	s.wg.Add(1)
	go s.reconnect(epoch)
}

// reconnect retries connect with exponential backoff. History is re-fetched
// from scratch every time; there is no resume cursor.
func (s *Session) reconnect(epoch int) {
	defer s.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.cfg.InitialBackoff
	policy.MaxInterval = s.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempt := 0
	op := func() error {
		attempt++
		if !s.reconnecting(epoch) {
			return backoff.Permanent(ErrNotJoined)
		}
		joinCtx, joinCancel := context.WithTimeout(ctx, s.cfg.JoinTimeout)
		defer joinCancel()
		err := s.connect(joinCtx, epoch)
		if errors.Is(err, core.ErrAuthorization) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.log.Debug().Err(err).Int("attempt", attempt).Msg("reconnect failed")
		}
		return err
	}

	retries := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(s.cfg.MaxReconnects-1)), ctx)
	err := backoff.Retry(op, retries)
	if err == nil {
		s.log.Info().Int("attempts", attempt).Msg("reconnected")
		return
	}
	if errors.Is(err, ErrNotJoined) || ctx.Err() != nil {
		return
	}

	s.mu.Lock()
	if s.epoch != epoch {
		s.mu.Unlock()
		return
	}
	s.state = StateDisconnected
	s.mu.Unlock()

	giveUp := core.NewError(core.ErrCodeConnectionLost, fmt.Sprintf("reconnect failed after %d attempts: %v", attempt, err))
	if errors.Is(err, core.ErrAuthorization) {
		giveUp = core.NewError(core.ErrCodeUnauthorized, err.Error())
	}
	if s.view.FailPending(giveUp) > 0 {
		s.notify()
	}
	s.report(giveUp)
}

func (s *Session) reconnecting(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch == epoch && s.state == StateJoining
}

// Send submits content optimistically and publishes it.
func (s *Session) Send(ctx context.Context, content string) (Entry, error) {
	conn, err := s.joinedConn()
	if err != nil {
		return Entry{}, err
	}
	entry := s.view.Submit(content)
	s.notify()
	return entry, s.publish(ctx, conn, entry)
}

// Resend re-publishes a failed entry under its original nonce.
func (s *Session) Resend(ctx context.Context, nonce string) (Entry, error) {
	conn, err := s.joinedConn()
	if err != nil {
		return Entry{}, err
	}
	entry, ok := s.view.Retry(nonce)
	if !ok {
		return Entry{}, fmt.Errorf("no failed entry for nonce %q", nonce)
	}
	s.notify()
	return entry, s.publish(ctx, conn, entry)
}

func (s *Session) publish(ctx context.Context, conn *websocket.Conn, entry Entry) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	err := writeFrame(ctx, conn, proto.InboundTypeSend, proto.SendData{
		Room:        s.cfg.Room,
		Content:     entry.Message.Content,
		ClientNonce: entry.Nonce,
	})
	if err != nil {
		// The reader notices the broken connection and reconnects; pending
		// entries are then resolved against the fresh history.
		s.view.Fail(entry.Nonce, transportError(err))
		s.notify()
		return transportError(err)
	}
	s.armConfirm(entry.Nonce)
	return nil
}

// confirmTimer is identified by pointer so a re-armed nonce ignores the old timer.
type confirmTimer struct {
	t *time.Timer
}

// armConfirm fails the entry for nonce unless its echo or error arrives within ConfirmTimeout.
// Echoes the hub dropped for a slow connection would otherwise leave it pending forever.
func (s *Session) armConfirm(nonce string) {
	ct := &confirmTimer{}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.confirms[nonce]; ok {
		old.t.Stop()
	}
	s.confirms[nonce] = ct
	ct.t = time.AfterFunc(s.cfg.ConfirmTimeout, func() {
		s.mu.Lock()
		current := s.confirms[nonce] == ct
		if current {
			delete(s.confirms, nonce)
		}
		s.mu.Unlock()
		if !current {
			return
		}
		timeout := core.NewError(core.ErrCodeConnectionLost, "no confirmation from server").WithNonce(nonce)
		if s.view.Fail(nonce, timeout) {
			s.log.Warn().Str("nonce", nonce).Msg("send not confirmed in time")
			s.notify()
		}
	})
}

func (s *Session) disarmConfirm(nonce string) {
	if nonce == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ct, ok := s.confirms[nonce]; ok {
		ct.t.Stop()
		delete(s.confirms, nonce)
	}
}

func (s *Session) joinedConn() (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateJoined || s.conn == nil {
		return nil, ErrNotJoined
	}
	return s.conn, nil
}

// Leave leaves the room and closes the connection. The session can Join again.
func (s *Session) Leave(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateLeaving
	s.epoch++
	conn := s.conn
	gen := s.gen
	s.mu.Unlock()

	var err error
	if conn != nil {
		err = writeFrame(ctx, conn, proto.InboundTypeLeave, proto.LeaveData{Room: s.cfg.Room})
	}
	s.dropConn(gen, websocket.StatusNormalClosure, "leaving")
	s.setState(StateDisconnected)
	return err
}

// Close leaves the room and stops background work for good.
func (s *Session) Close() error {
	err := s.Leave(context.Background())
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
	s.wg.Wait()

	s.mu.Lock()
	for nonce, ct := range s.confirms {
		ct.t.Stop()
		delete(s.confirms, nonce)
	}
	s.mu.Unlock()
	return err
}

func (s *Session) dropConn(gen int, status websocket.StatusCode, reason string) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	conn, cancel := s.conn, s.cancel
	s.gen++
	s.conn, s.cancel = nil, nil
	s.mu.Unlock()

	if conn != nil {
		conn.Close(status, reason)
	}
	if cancel != nil {
		cancel()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) notify() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.log.Warn().Err(err).Msg("error channel full, dropping")
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, typ string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return wsjson.Write(ctx, conn, proto.Inbound{Type: typ, Data: payload})
}

func wsURL(serverURL string) string {
	u := strings.TrimRight(serverURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/ws"
}

func transportError(err error) error {
	return fmt.Errorf("%w: %w", core.ErrTransport, err)
}

// classifyDialError maps a refused upgrade to an authorization error.
func classifyDialError(err error) error {
	if strings.Contains(err.Error(), "401") {
		return core.NewError(core.ErrCodeUnauthorized, "credential rejected")
	}
	return transportError(err)
}
