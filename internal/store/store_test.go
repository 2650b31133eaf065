package store_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/store"
)

func newTestStore(t *testing.T, recentLimit int) *store.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return store.New(client, time.Hour, recentLimit)
}

func makeRoom(id, passphrase, shortCode string) *domain.Room {
	return &domain.Room{
		ID:         domain.RoomID(id),
		Passphrase: passphrase,
		ShortCode:  shortCode,
		Name:       "Test Room",
		CreatedAt:  time.Now().UnixMilli(),
		Status:     domain.RoomWaiting,
	}
}

func TestCreateAndGetRoom(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()

	room := makeRoom("r1", "brave-otter-delta-pine-echo", "abc23456")
	require.NoError(t, st.CreateRoom(ctx, room))

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)
	assert.Equal(t, room.Passphrase, got.Passphrase)
	assert.Equal(t, domain.RoomWaiting, got.Status)

	id, err := st.LookupRoomID(ctx, room.Passphrase, "")
	require.NoError(t, err)
	assert.Equal(t, room.ID, id)

	id, err = st.LookupRoomID(ctx, "", room.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, room.ID, id)

	_, err = st.LookupRoomID(ctx, "no-such-phrase", "nope")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	rooms, err := st.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.Contains(t, rooms, room.ID)
}

func TestGetRoomMissing(t *testing.T) {
	st := newTestStore(t, 200)
	_, err := st.GetRoom(context.Background(), "gone")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestNextSeqMonotonic(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()
	room := makeRoom("r-seq", "p-seq", "c-seq")
	require.NoError(t, st.CreateRoom(ctx, room))

	for want := int64(1); want <= 5; want++ {
		seq, err := st.NextSeq(ctx, room.ID)
		require.NoError(t, err)
		assert.Equal(t, want, seq)
	}
}

func TestNextSeqConcurrentNoDuplicates(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()
	room := makeRoom("r-conc", "p-conc", "c-conc")
	require.NoError(t, st.CreateRoom(ctx, room))

	const n = 50
	seqs := make([]int64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			seq, err := st.NextSeq(ctx, room.ID)
			assert.NoError(t, err)
			seqs[i] = seq
		}(i)
	}
	wg.Wait()

	seen := make(map[int64]bool, n)
	for _, seq := range seqs {
		assert.False(t, seen[seq], "seq %d assigned twice", seq)
		seen[seq] = true
		assert.GreaterOrEqual(t, seq, int64(1))
		assert.LessOrEqual(t, seq, int64(n))
	}
}

func TestRegisterMessageIDOnce(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()

	fresh, err := st.RegisterMessageID(ctx, "r1", "client-msg-1")
	require.NoError(t, err)
	assert.True(t, fresh)

	fresh, err = st.RegisterMessageID(ctx, "r1", "client-msg-1")
	require.NoError(t, err)
	assert.False(t, fresh)

	// Same token in another room is a different claim.
	fresh, err = st.RegisterMessageID(ctx, "r2", "client-msg-1")
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestAppendMessageTrimsAndOrders(t *testing.T) {
	st := newTestStore(t, 3)
	ctx := context.Background()
	roomID := domain.RoomID("r-log")

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, st.AppendMessage(ctx, roomID, &domain.Message{
			Seq: seq, ID: domain.MessageID("m" + string(rune('0'+seq))), Text: "hi",
		}))
	}

	msgs, err := st.RecentMessages(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, msgs, 3, "log is trimmed to the recent limit")
	assert.Equal(t, int64(3), msgs[0].Seq)
	assert.Equal(t, int64(4), msgs[1].Seq)
	assert.Equal(t, int64(5), msgs[2].Seq)
}

func TestRecentMessagesSortedBySeq(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()
	roomID := domain.RoomID("r-order")

	// Concurrent senders on different processes can append out of seq
	// order; reads must still come back ascending.
	for _, seq := range []int64{2, 1, 3} {
		require.NoError(t, st.AppendMessage(ctx, roomID, &domain.Message{Seq: seq, Text: "x"}))
	}

	msgs, err := st.RecentMessages(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, int64(1), msgs[0].Seq)
	assert.Equal(t, int64(2), msgs[1].Seq)
	assert.Equal(t, int64(3), msgs[2].Seq)

	missed, err := st.MessagesAfter(ctx, roomID, 1)
	require.NoError(t, err)
	require.Len(t, missed, 2)
	assert.Equal(t, int64(2), missed[0].Seq)
	assert.Equal(t, int64(3), missed[1].Seq)
}

func TestMessagesAfter(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()
	roomID := domain.RoomID("r-after")

	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, st.AppendMessage(ctx, roomID, &domain.Message{Seq: seq, Text: "x"}))
	}

	missed, err := st.MessagesAfter(ctx, roomID, 2)
	require.NoError(t, err)
	require.Len(t, missed, 2)
	assert.Equal(t, int64(3), missed[0].Seq)
	assert.Equal(t, int64(4), missed[1].Seq)

	none, err := st.MessagesAfter(ctx, roomID, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestMembersSortedByJoinedAt(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()
	roomID := domain.RoomID("r-members")

	require.NoError(t, st.PutMember(ctx, roomID, &domain.Member{ID: "b", Name: "Second", JoinedAt: 200}))
	require.NoError(t, st.PutMember(ctx, roomID, &domain.Member{ID: "a", Name: "First", JoinedAt: 100}))
	require.NoError(t, st.PutMember(ctx, roomID, &domain.Member{ID: "c", Name: "Third", JoinedAt: 300}))

	members, err := st.Members(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, domain.MemberID("a"), members[0].ID)
	assert.Equal(t, domain.MemberID("b"), members[1].ID)
	assert.Equal(t, domain.MemberID("c"), members[2].ID)

	_, err = st.GetMember(ctx, roomID, "nobody")
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestMarkPendingFirstWriteWins(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()
	roomID := domain.RoomID("r-pending")

	require.NoError(t, st.MarkPending(ctx, roomID, "m1", 1000))
	// A later re-mark must not move the disconnect time forward.
	require.NoError(t, st.MarkPending(ctx, roomID, "m1", 9000))

	ids, err := st.PendingBefore(ctx, roomID, 1000)
	require.NoError(t, err)
	assert.Equal(t, []domain.MemberID{"m1"}, ids)

	ids, err = st.PendingBefore(ctx, roomID, 999)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, st.ClearPending(ctx, roomID, "m1"))
	ids, err = st.PendingBefore(ctx, roomID, 10000)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestTypingScrubsStaleEntries(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()
	roomID := domain.RoomID("r-typing")
	now := time.Now().UnixMilli()

	require.NoError(t, st.SetTyping(ctx, roomID, domain.TypingEntry{MemberID: "live", Name: "Live", TS: now}))
	require.NoError(t, st.SetTyping(ctx, roomID, domain.TypingEntry{MemberID: "old", Name: "Old", TS: now - 60_000}))

	entries, err := st.Typing(ctx, roomID, 5*time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.MemberID("live"), entries[0].MemberID)

	// The stale entry was deleted, not just filtered.
	entries, err = st.Typing(ctx, roomID, time.Hour)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.MemberID("live"), entries[0].MemberID)
}

func TestScrubExpiredRoom(t *testing.T) {
	st := newTestStore(t, 200)
	ctx := context.Background()

	room := makeRoom("r-scrub", "p-scrub", "c-scrub")
	require.NoError(t, st.CreateRoom(ctx, room))
	require.NoError(t, st.PutMember(ctx, room.ID, &domain.Member{ID: "m1", Name: "A", JoinedAt: 1}))

	require.NoError(t, st.ScrubExpiredRoom(ctx, room.ID))

	rooms, err := st.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.NotContains(t, rooms, room.ID)

	members, err := st.Members(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, members)
}
