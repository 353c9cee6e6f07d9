package client

import (
	"errors"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/breedchat-server/internal/core"
	"github.com/vovakirdan/breedchat-server/internal/proto"
)

var (
	alice = core.Identity{ID: 1, Nickname: "alice", AvatarURL: "https://img.example/alice.png"}
	bob   = core.Identity{ID: 2, Nickname: "bob"}
	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

func testView(t *testing.T) *View {
	t.Helper()
	v := NewView(alice, "collie")
	now := epoch
	v.now = func() time.Time {
		now = now.Add(time.Millisecond)
		return now
	}
	return v
}

func msg(id int64, author core.Identity, content string, at time.Time) proto.EventMessage {
	return proto.EventMessage{
		ID:        id,
		Room:      "collie",
		AuthorID:  author.ID,
		Nickname:  author.Nickname,
		Content:   content,
		CreatedAt: at,
	}
}

func contents(entries []Entry) []string {
	return lo.Map(entries, func(e Entry, _ int) string { return e.Message.Content })
}

func statuses(entries []Entry) []Status {
	return lo.Map(entries, func(e Entry, _ int) Status { return e.Status })
}

func TestViewBuffersLiveUntilHistory(t *testing.T) {
	v := testView(t)
	v.BeginSession()

	v.Live(msg(3, bob, "live", epoch.Add(3*time.Second)))
	require.Empty(t, v.Entries())

	v.LoadHistory([]proto.EventMessage{
		msg(1, bob, "first", epoch.Add(time.Second)),
		msg(2, alice, "second", epoch.Add(2*time.Second)),
	})
	require.Equal(t, []string{"first", "second", "live"}, contents(v.Entries()))
}

func TestViewDropsLiveAlreadyInHistory(t *testing.T) {
	v := testView(t)
	v.BeginSession()

	m := msg(1, bob, "hello", epoch)
	v.Live(m)
	v.LoadHistory([]proto.EventMessage{m})
	v.Live(m)

	require.Len(t, v.Entries(), 1)
}

func TestViewConfirmsOptimisticByNonce(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	pending := v.Submit("hi")
	require.Equal(t, StatusPending, pending.Status)
	require.NotEmpty(t, pending.Nonce)
	require.Equal(t, 1, v.Pending())

	v.Live(msg(7, bob, "from bob", epoch.Add(time.Second)))

	confirmed := msg(8, alice, "hi", epoch.Add(2*time.Second))
	confirmed.ClientNonce = pending.Nonce
	v.Live(confirmed)

	entries := v.Entries()
	require.Equal(t, []string{"hi", "from bob"}, contents(entries))
	require.Equal(t, StatusConfirmed, entries[0].Status)
	require.Equal(t, int64(8), entries[0].Message.ID)
	require.Equal(t, confirmed.CreatedAt, entries[0].Message.CreatedAt)
	require.Zero(t, v.Pending())
}

func TestViewConfirmsOptimisticByContent(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	v.Submit("hi")
	v.Submit("hi")

	v.Live(msg(1, alice, "hi", epoch.Add(time.Second)))
	entries := v.Entries()
	require.Equal(t, []Status{StatusConfirmed, StatusPending}, statuses(entries))

	v.Live(msg(2, alice, "hi", epoch.Add(2*time.Second)))
	require.Equal(t, []Status{StatusConfirmed, StatusConfirmed}, statuses(v.Entries()))
}

func TestViewContentMatchRespectsWindow(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	v.Submit("hi")
	v.Live(msg(1, alice, "hi", epoch.Add(time.Hour)))

	require.Equal(t, []Status{StatusPending, StatusConfirmed}, statuses(v.Entries()))
}

func TestViewIgnoresForeignNonce(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	v.Submit("hi")
	other := msg(1, alice, "hi", epoch)
	other.ClientNonce = "not-ours"
	v.Live(other)

	require.Equal(t, []Status{StatusPending, StatusConfirmed}, statuses(v.Entries()))
}

func TestViewFailAndRetry(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	first := v.Submit("one")
	v.Submit("two")

	rejected := core.NewError(core.ErrCodePersistenceFailed, "disk full").WithNonce(first.Nonce)
	require.True(t, v.Fail(first.Nonce, rejected))
	require.False(t, v.Fail(first.Nonce, rejected), "already failed")
	require.False(t, v.Fail("unknown", rejected))

	entries := v.Entries()
	require.Equal(t, StatusFailed, entries[0].Status)
	require.True(t, errors.Is(entries[0].Err, core.ErrPersistence))

	retried, ok := v.Retry(first.Nonce)
	require.True(t, ok)
	require.Equal(t, first.Nonce, retried.Nonce)
	require.Equal(t, StatusPending, retried.Status)
	require.Equal(t, []string{"two", "one"}, contents(v.Entries()))

	_, ok = v.Retry(first.Nonce)
	require.False(t, ok, "pending entries cannot be retried")
}

func TestViewFailPending(t *testing.T) {
	v := testView(t)
	v.LoadHistory([]proto.EventMessage{msg(1, bob, "yo", epoch)})
	v.Submit("a")
	v.Submit("b")

	n := v.FailPending(core.NewError(core.ErrCodeConnectionLost, "gone"))
	require.Equal(t, 2, n)
	require.Equal(t, []Status{StatusConfirmed, StatusFailed, StatusFailed}, statuses(v.Entries()))
}

func TestViewReloadReconcilesPending(t *testing.T) {
	v := testView(t)
	v.LoadHistory([]proto.EventMessage{msg(1, bob, "before", epoch)})

	persisted := v.Submit("made it")
	lost := v.Submit("lost")
	queued := v.Submit("queued")

	// Reconnect: the first submit reached the log, the second did not, and
	// the third was persisted from the old connection's queue while the new
	// session was loading history, so it only arrives live and without nonce.
	v.BeginSession()
	v.Live(msg(5, alice, "queued", queued.Message.CreatedAt.Add(80*time.Millisecond)))
	v.Live(msg(4, bob, "after rejoin", epoch.Add(3*time.Second)))
	v.LoadHistory([]proto.EventMessage{
		msg(1, bob, "before", epoch),
		msg(2, alice, "made it", persisted.Message.CreatedAt.Add(50*time.Millisecond)),
		msg(3, bob, "meanwhile", epoch.Add(2*time.Second)),
	})

	entries := v.Entries()
	require.Equal(t, []string{"before", "made it", "meanwhile", "lost", "queued", "after rejoin"}, contents(entries))
	require.Equal(t, []Status{StatusConfirmed, StatusConfirmed, StatusConfirmed, StatusFailed, StatusConfirmed, StatusConfirmed}, statuses(entries))
	require.Equal(t, lost.Nonce, entries[3].Nonce)
	require.True(t, errors.Is(entries[3].Err, core.ErrTransport))
	require.Equal(t, int64(5), entries[4].Message.ID)
	require.Equal(t, 1, lo.CountBy(entries, func(e Entry) bool { return e.Message.Content == "queued" }))
	require.Zero(t, v.Pending())

	// The failed one can still be resent.
	_, ok := v.Retry(lost.Nonce)
	require.True(t, ok)
}

func TestViewLateEchoConfirmsTransportFailure(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	hi := v.Submit("hi")
	v.BeginSession()
	v.LoadHistory(nil)
	require.Equal(t, []Status{StatusFailed}, statuses(v.Entries()))

	// Persisted after the fresh history was fetched.
	v.Live(msg(7, alice, "hi", hi.Message.CreatedAt.Add(time.Second)))

	entries := v.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, StatusConfirmed, entries[0].Status)
	require.Equal(t, int64(7), entries[0].Message.ID)
	require.NoError(t, entries[0].Err)

	_, ok := v.Retry(hi.Nonce)
	require.False(t, ok, "confirmed entries cannot be retried")
}

func TestViewLateEchoAfterConfirmTimeout(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	hi := v.Submit("hi")
	require.True(t, v.Fail(hi.Nonce, core.NewError(core.ErrCodeConnectionLost, "no confirmation").WithNonce(hi.Nonce)))

	echo := msg(3, alice, "hi", hi.Message.CreatedAt)
	echo.ClientNonce = hi.Nonce
	v.Live(echo)

	require.Equal(t, []Status{StatusConfirmed}, statuses(v.Entries()))
}

func TestViewValidationFailureIsFinal(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	hi := v.Submit("hi")
	require.True(t, v.Fail(hi.Nonce, core.NewError(core.ErrCodeContentTooLong, "too long").WithNonce(hi.Nonce)))

	// A message of ours with the same content is a different submission.
	v.Live(msg(3, alice, "hi", hi.Message.CreatedAt))
	require.Equal(t, []Status{StatusFailed, StatusConfirmed}, statuses(v.Entries()))
}

func TestViewServerErrorReplacesTimeout(t *testing.T) {
	v := testView(t)
	v.LoadHistory(nil)

	hi := v.Submit("hi")
	require.True(t, v.Fail(hi.Nonce, core.NewError(core.ErrCodeConnectionLost, "no confirmation")))
	require.True(t, v.Fail(hi.Nonce, core.NewError(core.ErrCodePersistenceFailed, "disk full")))

	entries := v.Entries()
	require.True(t, errors.Is(entries[0].Err, core.ErrPersistence))
	require.False(t, v.Fail(hi.Nonce, core.NewError(core.ErrCodeConnectionLost, "again")))
}
