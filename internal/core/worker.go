package core

import (
	"context"
	"errors"

	"github.com/vovakirdan/breedchat-server/internal/store"
)

type publishJob struct {
	sender  *Client
	author  Identity
	content string
	nonce   string
}

// roomWorker drains one room's publish queue in order.
type roomWorker struct {
	room string
	jobs chan publishJob
	done chan struct{}
}

func (w *roomWorker) enqueue(job publishJob) bool {
	select {
	case w.jobs <- job:
		return true
	default:
		return false
	}
}

// workerFor returns the room's worker, starting one if needed. A new worker
// waits for a retired predecessor of the same room so order is kept across restarts.
func (h *Hub) workerFor(room string) *roomWorker {
	if w, ok := h.workers[room]; ok {
		return w
	}
	w := &roomWorker{
		room: room,
		jobs: make(chan publishJob, h.queueSize),
		done: make(chan struct{}),
	}
	var prev <-chan struct{}
	if old, ok := h.retiring[room]; ok {
		prev = old.done
		delete(h.retiring, room)
	}
	h.workers[room] = w
	h.workerWG.Add(1)
	go h.runWorker(w, prev)
	return w
}

// retireWorker stops accepting jobs for room; queued jobs still drain.
func (h *Hub) retireWorker(room string) {
	w, ok := h.workers[room]
	if !ok {
		return
	}
	delete(h.workers, room)
	close(w.jobs)
	h.retiring[room] = w

	for name, old := range h.retiring {
		select {
		case <-old.done:
			delete(h.retiring, name)
		default:
		}
	}
}

func (h *Hub) runWorker(w *roomWorker, prev <-chan struct{}) {
	defer h.workerWG.Done()
	defer close(w.done)

	if prev != nil {
		<-prev
	}
	for job := range w.jobs {
		h.publish(w.room, job)
	}
}

// publish resolves the author, persists, then fans out. Nothing is broadcast
// unless the append succeeded.
func (h *Hub) publish(room string, job publishJob) {
	base := h.baseCtx
	if base == nil {
		base = context.Background()
	}
	// Queued jobs finish even while the hub shuts down.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), h.publishTimeout)
	defer cancel()

	author := job.author
	if h.directory != nil {
		current, err := h.directory.LookupIdentity(ctx, job.author.ID)
		switch {
		case err == nil:
			author = current
		case errors.Is(err, store.ErrNotFound):
			job.sender.deliver(errorEvent(authorizationError(ErrCodeUnauthorized, "unknown author").WithNonce(job.nonce)))
			return
		default:
			h.logger.Warn().Err(err).Int64("user_id", job.author.ID).Msg("author lookup failed, using session identity")
		}
	}

	stored, err := h.log.Append(ctx, room, author.ID, job.content)
	if err != nil {
		h.logger.Error().Err(err).Str("room", room).Int64("user_id", author.ID).Msg("append message")
		job.sender.deliver(errorEvent(persistenceError(ErrCodePersistenceFailed, "message could not be saved").WithNonce(job.nonce)))
		return
	}

	msg := Message{
		ID:              stored.ID,
		Room:            stored.Room,
		AuthorID:        stored.AuthorID,
		AuthorNickname:  author.Nickname,
		AuthorAvatarURL: author.AvatarURL,
		Content:         stored.Content,
		CreatedAt:       stored.CreatedAt,
	}

	dropped := 0
	for _, member := range h.registry.MembersOf(room) {
		ev := &Event{Kind: EventRoomMessage, Room: room, Message: msg}
		if member == job.sender {
			ev.Message.ClientNonce = job.nonce
		}
		if !member.deliver(ev) {
			dropped++
		}
	}
	if dropped > 0 {
		h.logger.Debug().Str("room", room).Int("dropped", dropped).Msg("slow consumers skipped")
	}
}
