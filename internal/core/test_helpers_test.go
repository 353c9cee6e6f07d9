package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/vovakirdan/breedchat-server/internal/store"
	"github.com/vovakirdan/breedchat-server/internal/store/memory"
)

// userDirectory resolves identities straight from a user store.
type userDirectory struct {
	users store.UserStore
}

func (d userDirectory) LookupIdentity(ctx context.Context, id int64) (Identity, error) {
	u, err := d.users.GetUserByID(ctx, id)
	if err != nil {
		return Identity{}, err
	}
	return Identity{ID: u.ID, Nickname: u.Nickname, AvatarURL: u.AvatarURL}, nil
}

func startTestHub(t *testing.T, opts ...Option) (*Hub, *memory.Store) {
	t.Helper()

	st := memory.New()
	hub := NewHub(st, userDirectory{users: st}, opts...)
	hub.Start(context.Background())
	t.Cleanup(hub.Stop)
	return hub, st
}

// connect registers a fresh authenticated client for a newly created user.
func connect(t *testing.T, hub *Hub, st *memory.Store, nickname string) (*Client, Identity) {
	t.Helper()

	u, err := st.CreateUser(context.Background(), &store.User{
		Nickname:  nickname,
		Breed:     "collie",
		AvatarURL: fmt.Sprintf("https://img.example/%s.png", nickname),
	})
	if err != nil {
		t.Fatalf("create user %s: %v", nickname, err)
	}
	id := Identity{ID: u.ID, Nickname: u.Nickname, AvatarURL: u.AvatarURL}

	c := NewClient("h-"+nickname, 64)
	if err := hub.RegisterClient(c); err != nil {
		t.Fatalf("register %s: %v", nickname, err)
	}
	c.Commands <- &Command{Kind: CommandAuthenticate, Identity: &id}
	return c, id
}

func joinRoom(t *testing.T, c *Client, room string) {
	t.Helper()
	c.Commands <- &Command{Kind: CommandJoinRoom, Room: room}
	ev := mustEvent(t, c.Events, EventJoined)
	if want, _ := NormalizeRoom(room); ev.Room != want {
		t.Fatalf("joined %q, want %q", ev.Room, room)
	}
}

func mustEvent(t *testing.T, ch <-chan *Event, kind EventKind) *Event {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ev := <-ch:
			if ev == nil {
				continue
			}
			if ev.Kind == kind {
				return ev
			}
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	t.Fatalf("expected event kind %v not received", kind)
	return nil
}

func expectNoEvent(t *testing.T, ch <-chan *Event, kind EventKind, wait time.Duration) {
	t.Helper()

	deadline := time.After(wait)
	for {
		select {
		case ev := <-ch:
			if ev != nil && ev.Kind == kind {
				t.Fatalf("unexpected event kind %v: %+v", kind, ev)
			}
		case <-deadline:
			return
		}
	}
}
