package badger

import (
	"context"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"

	"github.com/vovakirdan/breedchat-server/internal/store"
)

func openTestLog(t *testing.T, dir string) *Log {
	t.Helper()
	l, err := Open(dir, nil)
	require.NoError(t, err)
	return l
}

func contents(msgs []*store.Message) []string {
	return lo.Map(msgs, func(m *store.Message, _ int) string { return m.Content })
}

func TestAppendAndListSince(t *testing.T) {
	req := require.New(t)
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	ctx := context.Background()

	var appended []*store.Message
	for _, body := range []string{"one", "two", "three", "four"} {
		msg, err := l.Append(ctx, "collie", 7, body)
		req.NoError(err)
		if n := len(appended); n > 0 {
			req.True(msg.CreatedAt.After(appended[n-1].CreatedAt))
			req.Greater(msg.ID, appended[n-1].ID)
		}
		appended = append(appended, msg)
	}
	_, err := l.Append(ctx, "beagle", 7, "other room")
	req.NoError(err)

	all, err := l.ListSince(ctx, "collie", nil, 0)
	req.NoError(err)
	req.Equal([]string{"one", "two", "three", "four"}, contents(all))
	req.Equal(int64(7), all[0].AuthorID)

	newest, err := l.ListSince(ctx, "collie", nil, 2)
	req.NoError(err)
	req.Equal([]string{"three", "four"}, contents(newest))

	after, err := l.ListSince(ctx, "collie", &appended[1].CreatedAt, 1)
	req.NoError(err)
	req.Equal([]string{"three"}, contents(after))

	none, err := l.ListSince(ctx, "collie", &appended[3].CreatedAt, 0)
	req.NoError(err)
	req.Empty(none)
}

func TestRoomsAreIndexedByActivity(t *testing.T) {
	req := require.New(t)
	l := openTestLog(t, t.TempDir())
	defer l.Close()
	ctx := context.Background()

	room, created, err := l.EnsureRoom(ctx, "beagle")
	req.NoError(err)
	req.True(created)
	req.Nil(room.LastMessageAt)

	_, created, err = l.EnsureRoom(ctx, "beagle")
	req.NoError(err)
	req.False(created)

	time.Sleep(time.Millisecond)
	_, err = l.Append(ctx, "collie", 1, "woof")
	req.NoError(err)
	_, err = l.Append(ctx, "collie", 1, "woof woof")
	req.NoError(err)

	rooms, err := l.ListRooms(ctx)
	req.NoError(err)
	req.Len(rooms, 2)
	req.Equal("collie", rooms[0].Name)
	req.Equal(int64(2), rooms[0].MessageCount)
	req.NotNil(rooms[0].LastMessageAt)
	req.Equal("beagle", rooms[1].Name)
}

func TestReopenKeepsOrder(t *testing.T) {
	req := require.New(t)
	dir := t.TempDir()
	ctx := context.Background()

	l := openTestLog(t, dir)
	first, err := l.Append(ctx, "collie", 1, "before")
	req.NoError(err)
	req.NoError(l.Close())

	l = openTestLog(t, dir)
	defer l.Close()
	second, err := l.Append(ctx, "collie", 1, "after")
	req.NoError(err)
	req.True(second.CreatedAt.After(first.CreatedAt))
	req.Greater(second.ID, first.ID)

	msgs, err := l.ListSince(ctx, "collie", nil, 0)
	req.NoError(err)
	req.Equal([]string{"before", "after"}, contents(msgs))
}

func TestAppendHonoursCancelledContext(t *testing.T) {
	l := openTestLog(t, t.TempDir())
	defer l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Append(ctx, "collie", 1, "never")
	require.ErrorIs(t, err, context.Canceled)
}
