// Package client is the chat client tier: a reconciling view of one room and a
// websocket session that keeps it fed.
package client

import (
	"errors"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
	"github.com/vovakirdan/breedchat-server/internal/utils"
)

// DefaultMatchWindow bounds how far a confirmation without nonce may lag its optimistic entry.
const DefaultMatchWindow = 30 * time.Second

// Status is the lifecycle of a displayed entry.
type Status int

const (
	// StatusConfirmed entries are persisted messages from history or the live stream.
	StatusConfirmed Status = iota
	// StatusPending entries were submitted locally and await their echo.
	StatusPending
	// StatusFailed entries were submitted but not persisted; Err says why.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusPending:
		return "pending"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Entry is one line of the displayed sequence.
type Entry struct {
	Status  Status
	Message proto.EventMessage
	// Nonce is set on locally submitted entries.
	Nonce string
	// Err is set when Status is StatusFailed.
	Err error
}

// View merges history, live messages and optimistic submits into one
// order-stable sequence. Live messages keep arrival order; they are not
// re-sorted against history already shown.
type View struct {
	mu sync.Mutex

	self        core.Identity
	room        string
	matchWindow time.Duration
	now         func() time.Time

	entries []*Entry
	seen    map[int64]struct{}
	byNonce map[string]*Entry

	historyLoaded bool
	buffered      []proto.EventMessage
}

// NewView creates an empty view of room for the local user.
func NewView(self core.Identity, room string) *View {
	return &View{
		self:        self,
		room:        room,
		matchWindow: DefaultMatchWindow,
		now:         time.Now,
		seen:        make(map[int64]struct{}),
		byNonce:     make(map[string]*Entry),
	}
}

// Room returns the room the view displays.
func (v *View) Room() string {
	return v.room
}

// BeginSession starts a (re)join: live messages are buffered until LoadHistory.
func (v *View) BeginSession() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.historyLoaded = false
	v.buffered = nil
}

// Submit appends an optimistic entry with a fresh nonce and returns it.
func (v *View) Submit(content string) Entry {
	v.mu.Lock()
	defer v.mu.Unlock()

	e := &Entry{
		Status: StatusPending,
		Nonce:  utils.NewNonce(),
		Message: proto.EventMessage{
			Room:      v.room,
			AuthorID:  v.self.ID,
			Nickname:  v.self.Nickname,
			AvatarURL: v.self.AvatarURL,
			Content:   content,
			CreatedAt: v.now().UTC(),
		},
	}
	e.Message.ClientNonce = e.Nonce
	v.entries = append(v.entries, e)
	v.byNonce[e.Nonce] = e
	return *e
}

// LoadHistory installs a freshly fetched history page, then applies buffered
// live messages. Confirmed entries from a previous session are replaced by the
// page. Unconfirmed entries found in the page or among the buffered live
// messages are replaced by the persisted copy; pending ones found in neither
// are marked failed with a transport error.
func (v *View) LoadHistory(history []proto.EventMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.seen = make(map[int64]struct{}, len(history))
	fresh := make([]*Entry, 0, len(history)+len(v.entries))
	for _, msg := range history {
		if _, dup := v.seen[msg.ID]; dup {
			continue
		}
		v.seen[msg.ID] = struct{}{}
		fresh = append(fresh, &Entry{Status: StatusConfirmed, Message: msg})
	}

	claimed := make(map[int64]struct{})
	var carried []*Entry
	for _, e := range v.entries {
		if e.Status == StatusConfirmed {
			continue
		}
		if awaitingEcho(e) {
			if match, ok := v.matchInHistory(history, e, claimed); ok {
				claimed[match] = struct{}{}
				delete(v.byNonce, e.Nonce)
				continue
			}
		}
		fresh = append(fresh, e)
		if e.Status == StatusPending {
			carried = append(carried, e)
		}
	}
	v.entries = fresh

	v.historyLoaded = true
	buffered := v.buffered
	v.buffered = nil
	for _, msg := range buffered {
		v.applyLive(msg)
	}

	// Whatever the old connection did not confirm by now is failed; a late
	// echo can still confirm it.
	for _, e := range carried {
		if e.Status == StatusPending {
			e.Status = StatusFailed
			e.Err = core.NewError(core.ErrCodeConnectionLost, "connection lost before confirmation").WithNonce(e.Nonce)
		}
	}
}

// awaitingEcho reports whether e may still be confirmed by the server: it is
// pending, or it failed only because the connection could not tell.
func awaitingEcho(e *Entry) bool {
	switch e.Status {
	case StatusPending:
		return true
	case StatusFailed:
		return errors.Is(e.Err, core.ErrTransport)
	default:
		return false
	}
}

// matchInHistory finds the persisted copy of a pending entry submitted before a disconnect.
func (v *View) matchInHistory(history []proto.EventMessage, e *Entry, claimed map[int64]struct{}) (int64, bool) {
	m, ok := lo.Find(history, func(msg proto.EventMessage) bool {
		_, taken := claimed[msg.ID]
		return !taken && v.sameSubmission(e, msg)
	})
	return m.ID, ok
}

func (v *View) sameSubmission(e *Entry, msg proto.EventMessage) bool {
	if msg.AuthorID != v.self.ID || msg.Content != e.Message.Content {
		return false
	}
	lag := msg.CreatedAt.Sub(e.Message.CreatedAt)
	return lag > -v.matchWindow && lag < v.matchWindow
}

// Live applies a message from the broadcast stream. Before history is loaded it is buffered.
func (v *View) Live(msg proto.EventMessage) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.historyLoaded {
		v.buffered = append(v.buffered, msg)
		return
	}
	v.applyLive(msg)
}

func (v *View) applyLive(msg proto.EventMessage) {
	if _, dup := v.seen[msg.ID]; dup {
		return
	}
	v.seen[msg.ID] = struct{}{}

	if e := v.pendingFor(msg); e != nil {
		delete(v.byNonce, e.Nonce)
		e.Status = StatusConfirmed
		e.Err = nil
		e.Message = msg
		return
	}
	v.entries = append(v.entries, &Entry{Status: StatusConfirmed, Message: msg})
}

// pendingFor returns the optimistic entry msg confirms: by nonce, else the
// oldest unconfirmed entry of ours with the same content inside the match window.
// Pending entries are preferred over ones failed for lack of an echo.
func (v *View) pendingFor(msg proto.EventMessage) *Entry {
	if msg.ClientNonce != "" {
		if e, ok := v.byNonce[msg.ClientNonce]; ok && awaitingEcho(e) {
			return e
		}
		return nil
	}
	if e, ok := lo.Find(v.entries, func(e *Entry) bool {
		return e.Status == StatusPending && v.sameSubmission(e, msg)
	}); ok {
		return e
	}
	e, _ := lo.Find(v.entries, func(e *Entry) bool {
		return awaitingEcho(e) && v.sameSubmission(e, msg)
	})
	return e
}

// Fail marks the entry for nonce as failed. It reports whether an unconfirmed
// entry was found. A definitive server error replaces an earlier transport failure.
func (v *View) Fail(nonce string, err error) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.byNonce[nonce]
	if !ok || !awaitingEcho(e) {
		return false
	}
	e.Status = StatusFailed
	e.Err = err
	return true
}

// FailPending marks every pending entry as failed, used when the session gives up.
func (v *View) FailPending(err error) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	n := 0
	for _, e := range v.entries {
		if e.Status == StatusPending {
			e.Status = StatusFailed
			e.Err = err
			n++
		}
	}
	return n
}

// Retry turns a failed entry back into a pending one at the tail of the view.
// The nonce is kept so a late echo still matches.
func (v *View) Retry(nonce string) (Entry, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()

	e, ok := v.byNonce[nonce]
	if !ok || e.Status != StatusFailed {
		return Entry{}, false
	}
	v.entries = lo.Without(v.entries, e)
	e.Status = StatusPending
	e.Err = nil
	e.Message.CreatedAt = v.now().UTC()
	v.entries = append(v.entries, e)
	return *e, true
}

// Entries returns a snapshot of the displayed sequence.
func (v *View) Entries() []Entry {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lo.Map(v.entries, func(e *Entry, _ int) Entry { return *e })
}

// Pending returns the number of entries awaiting confirmation.
func (v *View) Pending() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return lo.CountBy(v.entries, func(e *Entry) bool { return e.Status == StatusPending })
}
