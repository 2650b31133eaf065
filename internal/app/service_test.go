package app_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/domain"
	"github.com/dkeye/huddle/internal/fanout"
	"github.com/dkeye/huddle/internal/store"
)

const (
	testStale = 15 * time.Second
	testGrace = 30 * time.Second
)

func newTestService(t *testing.T) (*app.Service, *store.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	st := store.New(client, time.Hour, 200)
	bc := fanout.NewBroadcaster(client, "srv-test")
	return app.NewService(st, bc, "srv-test", "http://test.local", testStale, testGrace), st
}

// joinPair creates a room and joins two members, the first as creator.
// Joins are spaced so joinedAt ordering is deterministic.
func joinPair(t *testing.T, svc *app.Service) (roomID domain.RoomID, admin, member domain.MemberID) {
	t.Helper()
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "Pair Room", "")
	require.NoError(t, err)

	a, err := svc.Join(ctx, room.ID, "conn-a", "Alice", "🦊", true)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := svc.Join(ctx, room.ID, "conn-b", "Bob", "🐼", false)
	require.NoError(t, err)

	require.True(t, a.IsAdmin)
	require.False(t, b.IsAdmin)
	return room.ID, a.MemberID, b.MemberID
}

func TestCreateRoomDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "   ", "")
	require.NoError(t, err)
	assert.Equal(t, domain.DefaultRoomName, room.Name)
	assert.Equal(t, domain.RoomWaiting, room.Status)
	assert.Len(t, strings.Split(room.Passphrase, "-"), 5)
	assert.Len(t, room.ShortCode, 8)
	assert.NotEmpty(t, room.Avatar)
	assert.Empty(t, room.AdminID, "admin is granted on first join, not creation")

	_, err = svc.CreateRoom(ctx, strings.Repeat("x", domain.MaxRoomNameLen+1), "")
	assert.ErrorIs(t, err, domain.ErrNameTooLong)
}

func TestLookupAcceptsSloppyPassphrase(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Lookup Room", "")
	require.NoError(t, err)

	got, err := svc.Lookup(ctx, "  "+strings.ToUpper(room.Passphrase)+"  ")
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	got, err = svc.Lookup(ctx, room.ShortCode)
	require.NoError(t, err)
	assert.Equal(t, room.ID, got.ID)

	_, err = svc.Lookup(ctx, "tiger-mist-canyon-brook-fern")
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)
}

func TestJoinGrantsAdmin(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)

	room, err := st.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, adminID, room.AdminID)
	assert.Equal(t, adminID, room.CreatedBy)

	admin, err := st.GetMember(ctx, roomID, adminID)
	require.NoError(t, err)
	assert.True(t, admin.IsAdmin())
	assert.True(t, admin.Connected())

	member, err := st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
	assert.False(t, member.IsAdmin())
}

func TestJoinAdminlessRoomSelfPromotes(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Empty Room", "")
	require.NoError(t, err)

	// Not the creator, but the room has no admin yet.
	res, err := svc.Join(ctx, room.ID, "conn-1", "Walk-in", "", false)
	require.NoError(t, err)
	assert.True(t, res.IsAdmin)

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, res.MemberID, got.AdminID)
}

func TestJoinValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	room, err := svc.CreateRoom(ctx, "V Room", "")
	require.NoError(t, err)

	_, err = svc.Join(ctx, room.ID, "c", "   ", "", false)
	assert.ErrorIs(t, err, domain.ErrNameEmpty)

	_, err = svc.Join(ctx, room.ID, "c", strings.Repeat("n", domain.MaxMemberNameLen+1), "", false)
	assert.ErrorIs(t, err, domain.ErrNameTooLong)

	_, err = svc.Join(ctx, "no-such-room", "c", "Alice", "", false)
	assert.ErrorIs(t, err, domain.ErrRoomNotFound)

	_, err = svc.Join(ctx, "", "c", "Alice", "", false)
	assert.ErrorIs(t, err, domain.ErrMissingTarget)
}

func TestStartRequiresAdminAndQuorum(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Start Room", "")
	require.NoError(t, err)
	a, err := svc.Join(ctx, room.ID, "conn-a", "Alice", "", true)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Start(ctx, room.ID, a.MemberID), domain.ErrNeedTwoMembers)

	time.Sleep(2 * time.Millisecond)
	b, err := svc.Join(ctx, room.ID, "conn-b", "Bob", "", false)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Start(ctx, room.ID, b.MemberID), domain.ErrNotAdmin)

	require.NoError(t, svc.Start(ctx, room.ID, a.MemberID))
	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomChatting, got.Status)
}

func TestSendAssignsSequentialSeq(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)
	require.NoError(t, svc.Start(ctx, roomID, adminID))

	r1, err := svc.Send(ctx, roomID, adminID, "first", "cid-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), r1.Seq)

	r2, err := svc.Send(ctx, roomID, memberID, "second", "cid-2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), r2.Seq)

	msgs, err := st.RecentMessages(ctx, roomID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "first", msgs[0].Text)
	assert.Equal(t, "second", msgs[1].Text)
	assert.Equal(t, adminID, msgs[0].FromID)
}

func TestSendDuplicateClientMsgID(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, _ := joinPair(t, svc)
	require.NoError(t, svc.Start(ctx, roomID, adminID))

	first, err := svc.Send(ctx, roomID, adminID, "hello", "retry-token")
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// Client retry with the same token: no new seq, no new log entry.
	second, err := svc.Send(ctx, roomID, adminID, "hello", "retry-token")
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Zero(t, second.Seq)

	msgs, err := st.RecentMessages(ctx, roomID)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)

	next, err := svc.Send(ctx, roomID, adminID, "again", "other-token")
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Seq, "duplicate never consumed a seq")
}

func TestSendValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	roomID, adminID, _ := joinPair(t, svc)

	_, err := svc.Send(ctx, roomID, adminID, "too early", "c1")
	assert.ErrorIs(t, err, domain.ErrRoomNotStarted)

	require.NoError(t, svc.Start(ctx, roomID, adminID))

	_, err = svc.Send(ctx, roomID, adminID, "   ", "c2")
	assert.ErrorIs(t, err, domain.ErrTextEmpty)

	_, err = svc.Send(ctx, roomID, adminID, strings.Repeat("a", domain.MaxMessageLen+1), "c3")
	assert.ErrorIs(t, err, domain.ErrTextTooLong)

	_, err = svc.Send(ctx, roomID, "ghost", "hi", "c4")
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestRejoinWithinGrace(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)
	require.NoError(t, svc.Start(ctx, roomID, adminID))

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.Send(ctx, roomID, adminID, text, "cid-"+text)
		require.NoError(t, err)
	}

	require.NoError(t, svc.MarkPendingDisconnect(ctx, roomID, memberID, "conn-b"))
	gone, err := st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
	assert.False(t, gone.Connected())
	assert.NotZero(t, gone.DisconnectedAt)

	res, err := svc.Rejoin(ctx, roomID, memberID, "conn-b2", 1)
	require.NoError(t, err)
	assert.Equal(t, memberID, res.MemberID, "identity survives reconnection")
	assert.False(t, res.IsAdmin)
	require.Len(t, res.Missed, 2)
	assert.Equal(t, int64(2), res.Missed[0].Seq)
	assert.Equal(t, int64(3), res.Missed[1].Seq)

	back, err := st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
	assert.True(t, back.Connected())
	assert.Zero(t, back.DisconnectedAt)

	pending, err := st.PendingBefore(ctx, roomID, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestLateTeardownAfterRejoinIsIgnored(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, _, memberID := joinPair(t, svc)

	// The member reconnects; the dead old connection only times out
	// later and fires its teardown then.
	_, err := svc.Rejoin(ctx, roomID, memberID, "conn-b2", 0)
	require.NoError(t, err)

	require.NoError(t, svc.MarkPendingDisconnect(ctx, roomID, memberID, "conn-b"))

	member, err := st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
	assert.True(t, member.Connected(), "rebound member keeps its live connection")
	assert.Equal(t, domain.ConnID("conn-b2"), member.ConnID)
	assert.Zero(t, member.DisconnectedAt)

	pending, err := st.PendingBefore(ctx, roomID, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The sweep must not evict them either.
	require.NoError(t, svc.Reconcile(ctx))
	_, err = st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
}

func TestEvictSkipsReboundMember(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, _, memberID := joinPair(t, svc)

	// A pending entry left behind by a teardown that raced the rejoin:
	// the member record shows a live connection again.
	old := time.Now().Add(-testGrace - 5*time.Second).UnixMilli()
	require.NoError(t, st.MarkPending(ctx, roomID, memberID, old))

	require.NoError(t, svc.Reconcile(ctx))

	member, err := st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
	assert.True(t, member.Connected())

	pending, err := st.PendingBefore(ctx, roomID, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Empty(t, pending, "orphaned pending entry is cleared, not acted on")
}

func TestRejoinClosedRoom(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)
	require.NoError(t, svc.Close(ctx, roomID, adminID))

	_, err := svc.Rejoin(ctx, roomID, memberID, "conn-b2", 0)
	assert.ErrorIs(t, err, domain.ErrRoomClosed)
}

func TestEvictRotatesAdminToOldestConnected(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Rotation Room", "")
	require.NoError(t, err)
	a, err := svc.Join(ctx, room.ID, "conn-a", "Alice", "", true)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, err := svc.Join(ctx, room.ID, "conn-b", "Bob", "", false)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	c, err := svc.Join(ctx, room.ID, "conn-c", "Carol", "", false)
	require.NoError(t, err)

	require.NoError(t, svc.MarkPendingDisconnect(ctx, room.ID, a.MemberID, "conn-a"))
	require.NoError(t, svc.Evict(ctx, room.ID, a.MemberID))

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, b.MemberID, got.AdminID, "oldest connected member takes over")

	bob, err := st.GetMember(ctx, room.ID, b.MemberID)
	require.NoError(t, err)
	assert.True(t, bob.IsAdmin())

	carol, err := st.GetMember(ctx, room.ID, c.MemberID)
	require.NoError(t, err)
	assert.False(t, carol.IsAdmin())

	_, err = st.GetMember(ctx, room.ID, a.MemberID)
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestEvictNonAdminKeepsAdmin(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)

	require.NoError(t, svc.MarkPendingDisconnect(ctx, roomID, memberID, "conn-b"))
	require.NoError(t, svc.Evict(ctx, roomID, memberID))

	room, err := st.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, adminID, room.AdminID)
}

func TestEvictLastMemberLeavesRoomAdminless(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()

	room, err := svc.CreateRoom(ctx, "Lonely Room", "")
	require.NoError(t, err)
	a, err := svc.Join(ctx, room.ID, "conn-a", "Alice", "", true)
	require.NoError(t, err)

	require.NoError(t, svc.MarkPendingDisconnect(ctx, room.ID, a.MemberID, "conn-a"))
	require.NoError(t, svc.Evict(ctx, room.ID, a.MemberID))

	got, err := st.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.Empty(t, got.AdminID)

	// The next joiner inherits the room.
	res, err := svc.Join(ctx, room.ID, "conn-z", "Zoe", "", false)
	require.NoError(t, err)
	assert.True(t, res.IsAdmin)
}

func TestKick(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)

	assert.ErrorIs(t, svc.Kick(ctx, roomID, memberID, adminID), domain.ErrNotAdmin)
	assert.ErrorIs(t, svc.Kick(ctx, roomID, adminID, adminID), domain.ErrCannotKickAdmin)
	assert.ErrorIs(t, svc.Kick(ctx, roomID, adminID, ""), domain.ErrMissingTarget)

	require.NoError(t, svc.Kick(ctx, roomID, adminID, memberID))
	_, err := st.GetMember(ctx, roomID, memberID)
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)

	// Kicked members cannot slip back in through the grace window.
	_, err = svc.Rejoin(ctx, roomID, memberID, "conn-b2", 0)
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}

func TestPromoteHandsOverAdmin(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)

	assert.ErrorIs(t, svc.Promote(ctx, roomID, adminID, adminID), domain.ErrPromoteSelf)
	assert.ErrorIs(t, svc.Promote(ctx, roomID, memberID, adminID), domain.ErrNotAdmin)

	require.NoError(t, svc.Promote(ctx, roomID, adminID, memberID))

	room, err := st.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, memberID, room.AdminID)

	old, err := st.GetMember(ctx, roomID, adminID)
	require.NoError(t, err)
	assert.False(t, old.IsAdmin(), "previous admin is demoted")

	// The old admin lost its privileges with the role.
	assert.ErrorIs(t, svc.Kick(ctx, roomID, adminID, memberID), domain.ErrNotAdmin)
}

func TestCloseRoom(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)
	require.NoError(t, svc.Start(ctx, roomID, adminID))

	assert.ErrorIs(t, svc.Close(ctx, roomID, memberID), domain.ErrNotAdmin)
	require.NoError(t, svc.Close(ctx, roomID, adminID))

	room, err := st.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoomClosed, room.Status)

	_, err = svc.Join(ctx, roomID, "conn-z", "Late", "", false)
	assert.ErrorIs(t, err, domain.ErrRoomClosed)

	_, err = svc.Send(ctx, roomID, adminID, "too late", "c1")
	assert.ErrorIs(t, err, domain.ErrRoomClosed)

	active, err := st.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, roomID)
}

func TestReconcileMarksStaleHeartbeats(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)

	// Bob's last heartbeat predates the staleness threshold.
	old := time.Now().Add(-testStale - 5*time.Second).UnixMilli()
	require.NoError(t, st.TouchPresence(ctx, roomID, memberID, old))

	require.NoError(t, svc.Reconcile(ctx))

	bob, err := st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
	assert.False(t, bob.Connected())
	assert.NotZero(t, bob.DisconnectedAt)

	alice, err := st.GetMember(ctx, roomID, adminID)
	require.NoError(t, err)
	assert.True(t, alice.Connected(), "fresh heartbeats are untouched")

	pending, err := st.PendingBefore(ctx, roomID, time.Now().Add(time.Hour).UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, []domain.MemberID{memberID}, pending)
}

func TestReconcileEvictsExpiredGraceWindows(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)
	require.NoError(t, svc.Promote(ctx, roomID, adminID, memberID))

	// Simulate an admin that disconnected longer than the grace window ago.
	bob, err := st.GetMember(ctx, roomID, memberID)
	require.NoError(t, err)
	bob.ConnID = ""
	bob.DisconnectedAt = time.Now().Add(-testGrace - 5*time.Second).UnixMilli()
	require.NoError(t, st.PutMember(ctx, roomID, bob))
	require.NoError(t, st.MarkPending(ctx, roomID, memberID, bob.DisconnectedAt))

	require.NoError(t, svc.Reconcile(ctx))

	_, err = st.GetMember(ctx, roomID, memberID)
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)

	room, err := st.GetRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, adminID, room.AdminID, "admin rotated back to the surviving member")
}

func TestReconcileScrubsExpiredRoom(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, _, _ := joinPair(t, svc)

	// Simulate TTL expiry of the room record while siblings linger.
	require.NoError(t, st.Client().Del(ctx, "room:"+string(roomID)).Err())

	require.NoError(t, svc.Reconcile(ctx))

	active, err := st.ActiveRooms(ctx)
	require.NoError(t, err)
	assert.NotContains(t, active, roomID)

	members, err := st.Members(ctx, roomID)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestTypingLifecycle(t *testing.T) {
	svc, st := newTestService(t)
	ctx := context.Background()
	roomID, adminID, memberID := joinPair(t, svc)

	require.NoError(t, svc.TypingStart(ctx, roomID, memberID))
	entries, err := st.Typing(ctx, roomID, time.Minute)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, memberID, entries[0].MemberID)

	require.NoError(t, svc.TypingStop(ctx, roomID, memberID))
	entries, err = st.Typing(ctx, roomID, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// Sending clears the sender's own typing entry.
	require.NoError(t, svc.Start(ctx, roomID, adminID))
	require.NoError(t, svc.TypingStart(ctx, roomID, adminID))
	_, err = svc.Send(ctx, roomID, adminID, "done typing", "c1")
	require.NoError(t, err)
	entries, err = st.Typing(ctx, roomID, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, entries)

	err = svc.TypingStart(ctx, roomID, "ghost")
	assert.ErrorIs(t, err, domain.ErrMemberNotFound)
}
