package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/vovakirdan/breedchat-server/internal/store"
)

const (
	defaultPublishTimeout = 5 * time.Second
	defaultQueueSize      = 256
	presenceTimeout       = 2 * time.Second
	defaultPresenceEvery  = time.Minute
)

// ErrHubStopped is returned when the hub no longer accepts clients.
var ErrHubStopped = errors.New("hub stopped")

// Option customises a Hub.
type Option func(*Hub)

// WithLogger sets the hub logger.
func WithLogger(logger *zerolog.Logger) Option {
	return func(h *Hub) { h.logger = logger }
}

// WithMaxContentBytes bounds message content size.
func WithMaxContentBytes(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.maxContentBytes = n
		}
	}
}

// WithPublishTimeout bounds author lookup plus persistence of one message.
func WithPublishTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.publishTimeout = d
		}
	}
}

// WithQueueSize sets the per-room publish queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// WithPresence mirrors joins and leaves to p.
func WithPresence(p Presence) Option {
	return func(h *Hub) { h.presence = p }
}

// WithPresenceRefresh sets how often joined handles are re-announced to the
// presence mirror. It must be shorter than the mirror's expiry.
func WithPresenceRefresh(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.presenceEvery = d
		}
	}
}

type inbound struct {
	client *Client
	cmd    *Command
}

type presenceUpdate struct {
	joined bool
	room   string
	handle string
}

// Hub owns room membership and serialises publishes per room.
// Membership and routing run on one goroutine; each active room gets one worker
// that persists then fans out, so broadcast order equals persistence order.
type Hub struct {
	log       store.MessageLog
	directory Directory
	presence  Presence
	logger    *zerolog.Logger

	maxContentBytes int
	publishTimeout  time.Duration
	queueSize       int
	presenceEvery   time.Duration

	registry   *Registry
	register   chan *Client
	unregister chan *Client
	inbox      chan inbound
	presenceCh chan presenceUpdate

	// owned by the loop
	baseCtx  context.Context
	clients  map[*Client]struct{}
	workers  map[string]*roomWorker
	retiring map[string]*roomWorker

	workerWG sync.WaitGroup
	cancel   context.CancelFunc
	stopped  chan struct{}
	once     sync.Once
}

// NewHub creates a hub publishing into log and resolving authors through dir.
func NewHub(log store.MessageLog, dir Directory, opts ...Option) *Hub {
	nop := zerolog.Nop()
	h := &Hub{
		log:             log,
		directory:       dir,
		logger:          &nop,
		maxContentBytes: DefaultMaxContentBytes,
		publishTimeout:  defaultPublishTimeout,
		queueSize:       defaultQueueSize,
		presenceEvery:   defaultPresenceEvery,
		registry:        NewRegistry(),
		register:        make(chan *Client),
		unregister:      make(chan *Client),
		inbox:           make(chan inbound, 64),
		presenceCh:      make(chan presenceUpdate, 128),
		clients:         make(map[*Client]struct{}),
		workers:         make(map[string]*roomWorker),
		retiring:        make(map[string]*roomWorker),
		stopped:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start runs the hub in the background until Stop is called or ctx ends.
func (h *Hub) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	go h.Run(ctx)
}

// Stop cancels a hub started with Start and waits for queued publishes to drain.
func (h *Hub) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	<-h.stopped
}

// Done is closed after the hub loop and all room workers have exited.
func (h *Hub) Done() <-chan struct{} {
	return h.stopped
}

// Registry exposes membership for read-only queries such as occupancy.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Occupancy returns the number of handles currently joined to room.
func (h *Hub) Occupancy(_ context.Context, room string) (int, error) {
	return h.registry.Occupancy(room), nil
}

// RegisterClient attaches a client to the hub. Commands sent on client.Commands
// are processed in order until UnregisterClient.
func (h *Hub) RegisterClient(c *Client) error {
	select {
	case h.register <- c:
		return nil
	case <-h.stopped:
		return ErrHubStopped
	}
}

// UnregisterClient detaches a client, performing an implicit leave.
func (h *Hub) UnregisterClient(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.stopped:
	}
}

// Run processes hub traffic until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer h.once.Do(func() { close(h.stopped) })
	h.baseCtx = ctx

	if h.presence != nil {
		go h.runPresence(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.clients[c] = struct{}{}
			go h.pump(ctx, c)
			h.logger.Debug().Str("client_id", c.ID).Msg("client registered")
		case c := <-h.unregister:
			if _, ok := h.clients[c]; !ok {
				continue
			}
			delete(h.clients, c)
			close(c.done)
			h.leave(c, false)
			h.logger.Debug().Str("client_id", c.ID).Msg("client unregistered")
		case in := <-h.inbox:
			if _, ok := h.clients[in.client]; !ok {
				continue
			}
			h.handle(in.client, in.cmd)
		}
	}
}

// pump forwards one client's commands into the hub inbox, preserving their order.
func (h *Hub) pump(ctx context.Context, c *Client) {
	for {
		select {
		case cmd := <-c.Commands:
			if cmd == nil {
				continue
			}
			select {
			case h.inbox <- inbound{client: c, cmd: cmd}:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handle(c *Client, cmd *Command) {
	switch cmd.Kind {
	case CommandAuthenticate:
		if cmd.Identity == nil {
			c.deliver(errorEvent(authorizationError(ErrCodeUnauthorized, "missing identity")))
			return
		}
		id := *cmd.Identity
		c.identity = &id
	case CommandJoinRoom:
		h.join(c, cmd.Room)
	case CommandLeaveRoom:
		h.leave(c, true)
	case CommandSendRoomMessage:
		h.send(c, cmd)
	default:
		c.deliver(errorEvent(validationError(ErrCodeBadRequest, "unknown command")))
	}
}

func (h *Hub) join(c *Client, name string) {
	if c.identity == nil {
		c.deliver(errorEvent(authorizationError(ErrCodeUnauthorized, "authentication required")))
		return
	}
	room, err := NormalizeRoom(name)
	if err != nil {
		var coreErr *CoreError
		errors.As(err, &coreErr)
		c.deliver(errorEvent(coreErr))
		return
	}

	previous, added := h.registry.Join(c, room)
	if previous != "" {
		h.afterLeave(c, previous)
	}
	if added {
		h.broadcast(room, &Event{Kind: EventUserJoined, Room: room, User: c.userName()})
		h.notifyPresence(true, room, c.ID)
		h.logger.Info().Str("client_id", c.ID).Str("room", room).Msg("client joined room")
	}
	c.deliver(&Event{Kind: EventJoined, Room: room, User: c.userName()})
}

// leave unbinds c from its room. ack controls whether the client is told.
func (h *Hub) leave(c *Client, ack bool) {
	room, ok := h.registry.Leave(c)
	if !ok {
		return
	}
	h.afterLeave(c, room)
	if ack {
		c.deliver(&Event{Kind: EventLeft, Room: room, User: c.userName()})
	}
}

func (h *Hub) afterLeave(c *Client, room string) {
	h.broadcast(room, &Event{Kind: EventUserLeft, Room: room, User: c.userName()})
	h.notifyPresence(false, room, c.ID)
	if h.registry.Occupancy(room) == 0 {
		h.retireWorker(room)
	}
	h.logger.Info().Str("client_id", c.ID).Str("room", room).Msg("client left room")
}

func (h *Hub) send(c *Client, cmd *Command) {
	nonce := cmd.ClientNonce
	if err := ValidateContent(cmd.Content, h.maxContentBytes); err != nil {
		var coreErr *CoreError
		errors.As(err, &coreErr)
		c.deliver(errorEvent(coreErr.WithNonce(nonce)))
		return
	}
	if c.identity == nil {
		c.deliver(errorEvent(authorizationError(ErrCodeUnauthorized, "authentication required").WithNonce(nonce)))
		return
	}
	room, err := NormalizeRoom(cmd.Room)
	joined, ok := h.registry.RoomOf(c)
	if err != nil || !ok || joined != room {
		c.deliver(errorEvent(authorizationError(ErrCodeNotInRoom, "not in room").WithNonce(nonce)))
		return
	}

	job := publishJob{
		sender:  c,
		author:  *c.identity,
		content: cmd.Content,
		nonce:   nonce,
	}
	if !h.workerFor(room).enqueue(job) {
		h.logger.Warn().Str("room", room).Msg("room queue full")
		c.deliver(errorEvent(persistenceError(ErrCodeRoomBusy, "room is busy, try again").WithNonce(nonce)))
	}
}

// broadcast sends a membership event to everyone in room without blocking.
func (h *Hub) broadcast(room string, ev *Event) {
	for _, member := range h.registry.MembersOf(room) {
		member.deliver(ev)
	}
}

func (h *Hub) notifyPresence(joined bool, room, handle string) {
	if h.presence == nil {
		return
	}
	select {
	case h.presenceCh <- presenceUpdate{joined: joined, room: room, handle: handle}:
	default:
		h.logger.Warn().Str("room", room).Msg("presence queue full, dropping update")
	}
}

func (h *Hub) runPresence(ctx context.Context) {
	ticker := time.NewTicker(h.presenceEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.refreshPresence(ctx)
		case u := <-h.presenceCh:
			pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
			var err error
			if u.joined {
				err = h.presence.Joined(pctx, u.room, u.handle)
			} else {
				err = h.presence.Left(pctx, u.room, u.handle)
			}
			cancel()
			if err != nil {
				h.logger.Warn().Err(err).Str("room", u.room).Msg("presence update failed")
			}
		}
	}
}

// refreshPresence re-announces every handle joined on this hub.
func (h *Hub) refreshPresence(ctx context.Context) {
	for _, room := range h.registry.Rooms() {
		handles := lo.Map(h.registry.MembersOf(room), func(c *Client, _ int) string { return c.ID })
		if len(handles) == 0 {
			continue
		}
		pctx, cancel := context.WithTimeout(ctx, presenceTimeout)
		err := h.presence.Refresh(pctx, room, handles)
		cancel()
		if err != nil {
			h.logger.Warn().Err(err).Str("room", room).Msg("presence refresh failed")
		}
	}
}

func (h *Hub) shutdown() {
	for room := range h.workers {
		h.retireWorker(room)
	}
	h.workerWG.Wait()
	h.logger.Debug().Msg("hub stopped")
}

func errorEvent(err *CoreError) *Event {
	return &Event{Kind: EventError, Error: err}
}
