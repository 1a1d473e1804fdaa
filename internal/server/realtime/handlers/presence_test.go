package handlers

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inline-chat/inline-sub015/internal/server/database"
	"github.com/inline-chat/inline-sub015/wire"
)

type fakeOnline struct {
	online map[int64]bool
}

func (f *fakeOnline) UserOnline(userID int64) bool { return f.online[userID] }

func newTestPresence(t *testing.T) (*Presence, *fakePusher, *fakeOnline, *database.DB) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pusher := newFakePusher()
	online := &fakeOnline{online: make(map[int64]bool)}
	p := NewPresence(db)
	p.Wire(pusher, online)
	p.now = func() time.Time { return time.Unix(1700000000, 0) }

	seedUser(t, db, 1, "alice")
	seedUser(t, db, 2, "bob")
	seedThreadChat(t, db, 10, 1, 2)
	return p, pusher, online, db
}

func TestPresenceBroadcastsStatusToSpaces(t *testing.T) {
	p, pusher, _, db := newTestPresence(t)

	p.SessionActive(1, "s1")

	var online bool
	var lastOnline int64
	require.NoError(t, db.QueryRow(
		`SELECT online, last_online FROM users WHERE id = 1`).Scan(&online, &lastOnline))
	require.True(t, online)
	require.Equal(t, int64(1700000000), lastOnline)

	require.Len(t, pusher.bySpace[10], 1)
	upd := pusher.bySpace[10][0][0]
	require.Equal(t, wire.SpaceBucket(10), upd.Bucket)
	require.Equal(t, int64(1), upd.Seq)
	require.Equal(t, wire.UserStatusChanged{UserID: 1, Online: true, LastOnline: 1700000000}, upd.Payload)
}

func TestPresenceOfflineSequencesAfterOnline(t *testing.T) {
	p, pusher, online, db := newTestPresence(t)

	p.SessionActive(1, "s1")
	online.online[1] = false
	p.SessionInactive(1, "s1")

	var dbOnline bool
	require.NoError(t, db.QueryRow(`SELECT online FROM users WHERE id = 1`).Scan(&dbOnline))
	require.False(t, dbOnline)

	require.Len(t, pusher.bySpace[10], 2)
	upd := pusher.bySpace[10][1][0]
	require.Equal(t, int64(2), upd.Seq)
	require.Equal(t, wire.UserStatusChanged{UserID: 1, Online: false, LastOnline: 1700000000}, upd.Payload)
}

func TestPresenceSkipsOfflineWhileOtherSessionsLive(t *testing.T) {
	p, pusher, online, _ := newTestPresence(t)

	p.SessionActive(1, "s1")
	online.online[1] = true
	p.SessionInactive(1, "s1")

	require.Len(t, pusher.bySpace[10], 1)
}

func TestPresenceRepeatedActiveIsIdempotent(t *testing.T) {
	p, pusher, _, _ := newTestPresence(t)

	p.SessionActive(1, "s1")
	p.SessionActive(1, "s2")

	require.Len(t, pusher.bySpace[10], 1)
}

func TestPresenceUnknownUserIsNoOp(t *testing.T) {
	p, pusher, _, _ := newTestPresence(t)

	p.SessionActive(99, "s1")
	require.Empty(t, pusher.bySpace)
}

func TestSpacesForUser(t *testing.T) {
	p, _, _, db := newTestPresence(t)
	seedThreadChat(t, db, 4, 1)

	ids, err := p.SpacesForUser(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, []int64{4, 10}, ids)
}
