package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestHubJoinBroadcastAndLeave(t *testing.T) {
	hub, st := startTestHub(t)

	alice, aliceID := connect(t, hub, st, "alice")
	bob, _ := connect(t, hub, st, "bob")

	joinRoom(t, alice, "collie")
	bob.Commands <- &Command{Kind: CommandJoinRoom, Room: "collie"}

	// Bob sees his own join event (broadcast to the room).
	joinEv := mustEvent(t, bob.Events, EventUserJoined)
	if joinEv.User != "bob" || joinEv.Room != "collie" {
		t.Fatalf("unexpected join event: %+v", joinEv)
	}

	alice.Commands <- &Command{
		Kind:        CommandSendRoomMessage,
		Room:        "collie",
		Content:     "hi",
		ClientNonce: "n-1",
	}

	msgEv := mustEvent(t, bob.Events, EventRoomMessage)
	got := msgEv.Message
	if got.Content != "hi" || got.Room != "collie" || got.AuthorID != aliceID.ID {
		t.Fatalf("unexpected message event: %+v", msgEv)
	}
	if got.AuthorNickname != "alice" || got.AuthorAvatarURL != aliceID.AvatarURL {
		t.Fatalf("author metadata not resolved: %+v", got)
	}
	if got.ClientNonce != "" {
		t.Fatalf("nonce leaked to other members: %q", got.ClientNonce)
	}
	if got.ID == 0 || got.CreatedAt.IsZero() {
		t.Fatalf("message not stamped by the log: %+v", got)
	}

	echo := mustEvent(t, alice.Events, EventRoomMessage)
	if echo.Message.ClientNonce != "n-1" || echo.Message.ID != got.ID {
		t.Fatalf("sender echo mismatch: %+v", echo.Message)
	}

	alice.Commands <- &Command{Kind: CommandLeaveRoom, Room: "collie"}
	leftEv := mustEvent(t, bob.Events, EventUserLeft)
	if leftEv.User != "alice" || leftEv.Room != "collie" {
		t.Fatalf("unexpected leave event: %+v", leftEv)
	}
	mustEvent(t, alice.Events, EventLeft)
}

func TestHubDoubleJoinIsIdempotent(t *testing.T) {
	hub, st := startTestHub(t)

	alice, _ := connect(t, hub, st, "alice")
	bob, _ := connect(t, hub, st, "bob")

	joinRoom(t, alice, "collie")
	joinRoom(t, alice, "collie")
	joinRoom(t, bob, "collie")

	if n := hub.Registry().Occupancy("collie"); n != 2 {
		t.Fatalf("occupancy = %d, want 2", n)
	}

	bob.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "collie", Content: "woof"}

	mustEvent(t, alice.Events, EventRoomMessage)
	expectNoEvent(t, alice.Events, EventRoomMessage, 150*time.Millisecond)
}

func TestHubJoinMovesClientBetweenRooms(t *testing.T) {
	hub, st := startTestHub(t)

	alice, _ := connect(t, hub, st, "alice")
	bob, _ := connect(t, hub, st, "bob")
	joinRoom(t, bob, "collie")
	joinRoom(t, alice, "collie")
	joinRoom(t, alice, "Beagle")

	if room, _ := hub.Registry().RoomOf(alice); room != "beagle" {
		t.Fatalf("alice in %q, want beagle", room)
	}
	if n := hub.Registry().Occupancy("collie"); n != 1 {
		t.Fatalf("collie occupancy = %d, want 1", n)
	}

	left := mustEvent(t, bob.Events, EventUserLeft)
	if left.User != "alice" {
		t.Fatalf("unexpected leave event: %+v", left)
	}

	// Messages to the old room are no longer accepted from alice.
	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "collie", Content: "hi", ClientNonce: "n"}
	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error.Code != ErrCodeNotInRoom {
		t.Fatalf("expected not_in_room, got %+v", ev.Error)
	}
}

func TestHubSendWithoutJoinProducesError(t *testing.T) {
	hub, st := startTestHub(t)

	alice, _ := connect(t, hub, st, "alice")
	alice.Commands <- &Command{
		Kind:        CommandSendRoomMessage,
		Room:        "collie",
		Content:     "hi",
		ClientNonce: "n-7",
	}

	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error == nil || ev.Error.Code != ErrCodeNotInRoom {
		t.Fatalf("expected not_in_room error, got %+v", ev)
	}
	if !errors.Is(ev.Error, ErrAuthorization) || ev.Error.ClientNonce != "n-7" {
		t.Fatalf("expected authorization error bound to nonce, got %+v", ev.Error)
	}
}

func TestHubRequiresAuthentication(t *testing.T) {
	hub, _ := startTestHub(t)

	anon := NewClient("anon", 8)
	if err := hub.RegisterClient(anon); err != nil {
		t.Fatalf("register: %v", err)
	}
	anon.Commands <- &Command{Kind: CommandJoinRoom, Room: "collie"}

	ev := mustEvent(t, anon.Events, EventError)
	if ev.Error.Code != ErrCodeUnauthorized {
		t.Fatalf("expected unauthorized, got %+v", ev.Error)
	}
	if n := hub.Registry().Occupancy("collie"); n != 0 {
		t.Fatalf("unauthenticated handle joined: occupancy %d", n)
	}
}

func TestHubRejectsInvalidContentBeforePersistence(t *testing.T) {
	hub, st := startTestHub(t, WithMaxContentBytes(16))

	alice, _ := connect(t, hub, st, "alice")
	joinRoom(t, alice, "collie")

	cases := []struct {
		content string
		code    string
	}{
		{content: "", code: ErrCodeEmptyContent},
		{content: "   \n\t", code: ErrCodeEmptyContent},
		{content: strings.Repeat("a", 17), code: ErrCodeContentTooLong},
	}
	for i, tc := range cases {
		nonce := fmt.Sprintf("n-%d", i)
		alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "collie", Content: tc.content, ClientNonce: nonce}
		ev := mustEvent(t, alice.Events, EventError)
		if ev.Error.Code != tc.code || ev.Error.ClientNonce != nonce {
			t.Fatalf("case %d: got %+v", i, ev.Error)
		}
		if !errors.Is(ev.Error, ErrValidation) {
			t.Fatalf("case %d: expected validation class", i)
		}
	}

	if n := st.Len("collie"); n != 0 {
		t.Fatalf("log grew to %d messages", n)
	}
}

func TestHubPersistenceFailureIsNotBroadcast(t *testing.T) {
	hub, st := startTestHub(t)

	alice, _ := connect(t, hub, st, "alice")
	bob, _ := connect(t, hub, st, "bob")
	joinRoom(t, alice, "collie")
	joinRoom(t, bob, "collie")

	st.SetFailAppend(errors.New("disk full"))
	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "collie", Content: "hi", ClientNonce: "n-1"}

	ev := mustEvent(t, alice.Events, EventError)
	if ev.Error.Code != ErrCodePersistenceFailed || ev.Error.ClientNonce != "n-1" {
		t.Fatalf("expected persistence_failed for n-1, got %+v", ev.Error)
	}
	if !errors.Is(ev.Error, ErrPersistence) {
		t.Fatalf("expected persistence class")
	}
	expectNoEvent(t, bob.Events, EventRoomMessage, 150*time.Millisecond)
}

func TestHubFanoutOrderMatchesPersistenceOrder(t *testing.T) {
	hub, st := startTestHub(t)

	senders := make([]*Client, 0, 3)
	for _, name := range []string{"alice", "carol", "dave"} {
		c, _ := connect(t, hub, st, name)
		joinRoom(t, c, "collie")
		senders = append(senders, c)
	}
	bob, _ := connect(t, hub, st, "bob")
	joinRoom(t, bob, "collie")

	const perSender = 10
	for i := 0; i < perSender; i++ {
		for j, s := range senders {
			s.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "collie", Content: fmt.Sprintf("m-%d-%d", j, i)}
		}
	}

	var received []int64
	for len(received) < perSender*len(senders) {
		ev := mustEvent(t, bob.Events, EventRoomMessage)
		received = append(received, ev.Message.ID)
	}

	persisted, err := st.ListSince(context.Background(), "collie", nil, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(persisted) != len(received) {
		t.Fatalf("persisted %d, received %d", len(persisted), len(received))
	}
	for i, m := range persisted {
		if received[i] != m.ID {
			t.Fatalf("position %d: received id %d, persisted id %d", i, received[i], m.ID)
		}
	}
}

func TestHubUnregisterPerformsImplicitLeave(t *testing.T) {
	hub, st := startTestHub(t)

	alice, _ := connect(t, hub, st, "alice")
	bob, _ := connect(t, hub, st, "bob")
	joinRoom(t, alice, "collie")
	joinRoom(t, bob, "collie")

	hub.UnregisterClient(bob)

	left := mustEvent(t, alice.Events, EventUserLeft)
	if left.User != "bob" {
		t.Fatalf("unexpected leave event: %+v", left)
	}
	if n := hub.Registry().Occupancy("collie"); n != 1 {
		t.Fatalf("occupancy = %d, want 1", n)
	}
	select {
	case <-bob.Done():
	default:
		t.Fatalf("unregistered client not marked done")
	}
}

func TestHubEmptyRoomRestartsWorkerInOrder(t *testing.T) {
	hub, st := startTestHub(t)

	alice, _ := connect(t, hub, st, "alice")
	joinRoom(t, alice, "collie")
	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "collie", Content: "first"}
	mustEvent(t, alice.Events, EventRoomMessage)
	alice.Commands <- &Command{Kind: CommandLeaveRoom, Room: "collie"}
	mustEvent(t, alice.Events, EventLeft)

	if rooms := hub.Registry().Rooms(); len(rooms) != 0 {
		t.Fatalf("empty room kept in memory: %v", rooms)
	}

	joinRoom(t, alice, "collie")
	alice.Commands <- &Command{Kind: CommandSendRoomMessage, Room: "collie", Content: "second"}
	ev := mustEvent(t, alice.Events, EventRoomMessage)
	if ev.Message.Content != "second" {
		t.Fatalf("unexpected message %+v", ev.Message)
	}

	msgs, err := st.ListSince(context.Background(), "collie", nil, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "first" || msgs[1].Content != "second" {
		t.Fatalf("unexpected log: %+v", msgs)
	}
}

func TestHubStopRejectsNewClients(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.Start(context.Background())
	hub.Stop()

	if err := hub.RegisterClient(NewClient("late", 1)); !errors.Is(err, ErrHubStopped) {
		t.Fatalf("expected ErrHubStopped, got %v", err)
	}
}

// recordingPresence keeps the latest known handles per room.
type recordingPresence struct {
	mu        sync.Mutex
	rooms     map[string][]string
	refreshes int
}

func (p *recordingPresence) Joined(_ context.Context, room, handleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !slices.Contains(p.rooms[room], handleID) {
		p.rooms[room] = append(p.rooms[room], handleID)
	}
	return nil
}

func (p *recordingPresence) Left(_ context.Context, room, handleID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rooms[room] = slices.DeleteFunc(p.rooms[room], func(id string) bool { return id == handleID })
	return nil
}

func (p *recordingPresence) Refresh(_ context.Context, room string, handleIDs []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshes++
	p.rooms[room] = slices.Sorted(slices.Values(handleIDs))
	return nil
}

func (p *recordingPresence) snapshot(room string) ([]string, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.rooms[room]), p.refreshes
}

func TestHubRefreshesPresenceWhileJoined(t *testing.T) {
	pres := &recordingPresence{rooms: make(map[string][]string)}
	hub, st := startTestHub(t, WithPresence(pres), WithPresenceRefresh(20*time.Millisecond))

	alice, _ := connect(t, hub, st, "alice")
	bob, _ := connect(t, hub, st, "bob")
	joinRoom(t, alice, "collie")
	joinRoom(t, bob, "collie")

	// Joined alone would be announced once; long-lived handles need repeated refreshes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		handles, refreshes := pres.snapshot("collie")
		if refreshes >= 3 && slices.Equal(handles, []string{"h-alice", "h-bob"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("presence not refreshed: handles=%v refreshes=%d", handles, refreshes)
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.UnregisterClient(bob)
	mustEvent(t, alice.Events, EventUserLeft)
	_, before := pres.snapshot("collie")
	deadline = time.Now().Add(2 * time.Second)
	for {
		handles, refreshes := pres.snapshot("collie")
		if refreshes > before && slices.Equal(handles, []string{"h-alice"}) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("departed handle still refreshed: handles=%v", handles)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
