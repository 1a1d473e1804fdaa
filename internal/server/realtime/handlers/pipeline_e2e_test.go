package handlers_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	clientrt "github.com/inline-chat/inline-sub015/internal/client/realtime"
	"github.com/inline-chat/inline-sub015/internal/client/store"
	"github.com/inline-chat/inline-sub015/internal/server/database"
	"github.com/inline-chat/inline-sub015/internal/server/realtime"
	"github.com/inline-chat/inline-sub015/internal/server/realtime/handlers"
	"github.com/inline-chat/inline-sub015/wire"
)

const e2eSecret = "e2e-secret"

// startPipeline wires a real server stack on an in-memory database and
// returns the websocket URL.
func startPipeline(t *testing.T) (string, *database.DB) {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	for _, row := range []struct {
		id   int64
		name string
	}{{1, "alice"}, {2, "bob"}} {
		_, err := db.Exec(`INSERT INTO users (id, username) VALUES (?, ?)`, row.id, row.name)
		require.NoError(t, err)
	}

	presence := handlers.NewPresence(db)
	manager := realtime.NewConnectionManager(presence)
	registry := realtime.NewRegistry()
	server := realtime.NewServer(manager, registry, presence, e2eSecret)
	presence.Wire(server, manager)
	handlers.NewDeps(db, server).RegisterAll(registry)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/realtime", server.HandleWebSocket)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)

	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime", db
}

func startClient(t *testing.T, url string, userID int64, session string) *clientrt.Client {
	t.Helper()
	token, err := realtime.NewSessionToken(e2eSecret, userID, session, time.Hour)
	require.NoError(t, err)

	c := clientrt.NewClient(clientrt.Options{
		Dialer: &clientrt.WebsocketDialer{URL: url},
		Token:  token,
		UserID: userID,
	})
	c.Start()
	t.Cleanup(c.Stop)
	waitForEvent(t, c, clientrt.EventOpen)
	return c
}

func waitForEvent(t *testing.T, c *clientrt.Client, want clientrt.EventType) clientrt.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestPipelineDeliversTailoredMessageBothWays(t *testing.T) {
	url, _ := startPipeline(t)

	alice := startClient(t, url, 1, "alice-phone")
	bob := startClient(t, url, 2, "bob-phone")

	aliceStore := store.New()
	bobStore := store.New()

	raw, err := alice.CallRPC(context.Background(), wire.MethodSendMessage, wire.SendMessageInput{
		PeerID:   wire.UserPeer(2),
		RandomID: 42,
		Text:     "hello bob",
	})
	require.NoError(t, err)

	var res wire.SendMessageResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.Equal(t, int64(1), res.Message.ID)
	require.True(t, res.Message.Out)
	require.Equal(t, wire.UserPeer(2), res.Message.PeerID)

	// The sender sees the reconciliation update before the message itself.
	aliceBatch := waitForEvent(t, alice, clientrt.EventUpdates)
	require.Len(t, aliceBatch.Updates, 2)
	require.Equal(t, wire.UserBucket(1), aliceBatch.Updates[0].Bucket)
	rebind, ok := aliceBatch.Updates[0].Payload.(wire.UpdateMessageID)
	require.True(t, ok)
	require.Equal(t, int64(42), rebind.RandomID)
	require.Equal(t, int64(1), rebind.MessageID)
	sent, ok := aliceBatch.Updates[1].Payload.(wire.NewMessage)
	require.True(t, ok)
	require.True(t, sent.Message.Out)
	aliceStore.ApplyUpdates(aliceBatch.Updates)

	bobBatch := waitForEvent(t, bob, clientrt.EventUpdates)
	require.Len(t, bobBatch.Updates, 1)
	require.Equal(t, wire.UserBucket(2), bobBatch.Updates[0].Bucket)
	recv, ok := bobBatch.Updates[0].Payload.(wire.NewMessage)
	require.True(t, ok)
	require.False(t, recv.Message.Out)
	require.Equal(t, wire.UserPeer(1), recv.Message.PeerID)
	require.Equal(t, "hello bob", recv.Message.Text)
	bobStore.ApplyUpdates(bobBatch.Updates)

	chatID := recv.Message.ChatID
	msgRef := store.MessageRefID(chatID, 1)

	got, ok := aliceStore.Get(aliceStore.Ref(store.KindMessage, msgRef))
	require.True(t, ok)
	require.Equal(t, true, got["out"])

	got, ok = bobStore.Get(bobStore.Ref(store.KindMessage, msgRef))
	require.True(t, ok)
	require.Equal(t, false, got["out"])

	dialog, ok := bobStore.Get(bobStore.Ref(store.KindDialog, strconv.FormatInt(chatID, 10)))
	require.True(t, ok)
	require.Equal(t, 1, dialog["unreadCount"])
}

func TestPipelineCatchUpAfterReconnect(t *testing.T) {
	url, _ := startPipeline(t)

	alice := startClient(t, url, 1, "alice-phone")
	_, err := alice.CallRPC(context.Background(), wire.MethodSendMessage, wire.SendMessageInput{
		PeerID:   wire.UserPeer(2),
		RandomID: 7,
		Text:     "while you were away",
	})
	require.NoError(t, err)

	// Bob connects after the message landed and pulls the backlog.
	bob := startClient(t, url, 2, "bob-laptop")
	raw, err := bob.CallRPC(context.Background(), wire.MethodGetUpdates, wire.GetUpdatesInput{
		LastSeqByBucket: map[string]int64{wire.UserBucket(2).Key(): 0},
	})
	require.NoError(t, err)

	var res wire.GetUpdatesResult
	require.NoError(t, json.Unmarshal(raw, &res))
	require.False(t, res.HasMore)
	require.Len(t, res.Updates, 1)

	recv, ok := res.Updates[0].Payload.(wire.NewMessage)
	require.True(t, ok)
	require.False(t, recv.Message.Out)
	require.Equal(t, "while you were away", recv.Message.Text)

	bobStore := store.New()
	bobStore.ApplyUpdates(res.Updates)
	require.Equal(t, map[string]int64{wire.UserBucket(2).Key(): 1}, bobStore.LastSeqByBucket())
}

func TestPipelinePresenceMarksUsersOnline(t *testing.T) {
	url, db := startPipeline(t)

	alice := startClient(t, url, 1, "alice-phone")

	var online bool
	require.NoError(t, db.QueryRow(`SELECT online FROM users WHERE id = 1`).Scan(&online))
	require.True(t, online)

	alice.Stop()
	require.Eventually(t, func() bool {
		var online bool
		if err := db.QueryRow(`SELECT online FROM users WHERE id = 1`).Scan(&online); err != nil {
			return false
		}
		return !online
	}, 5*time.Second, 50*time.Millisecond)
}
