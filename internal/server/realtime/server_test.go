package realtime

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/inline-chat/inline-sub015/wire"
)

const testSecret = "test-secret"

type staticSpaces struct {
	spaces map[int64][]int64
}

func (s *staticSpaces) SpacesForUser(_ context.Context, userID int64) ([]int64, error) {
	return s.spaces[userID], nil
}

func newTestServer(t *testing.T, registry *Registry) (*Server, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	manager := NewConnectionManager(nil)
	srv := NewServer(manager, registry, &staticSpaces{spaces: map[int64][]int64{7: {100}}}, testSecret)

	router := gin.New()
	router.GET("/realtime", srv.HandleWebSocket)
	ts := httptest.NewServer(router)
	t.Cleanup(ts.Close)
	return srv, ts
}

func dialTest(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/realtime"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readServerMessage(t *testing.T, ws *websocket.Conn) wire.ServerMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var msg wire.ServerMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendClientMessage(t *testing.T, ws *websocket.Conn, msg wire.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, data))
}

func authenticate(t *testing.T, ws *websocket.Conn, userID int64) {
	t.Helper()
	token, err := NewSessionToken(testSecret, userID, "session-1", time.Minute)
	require.NoError(t, err)
	sendClientMessage(t, ws, wire.ClientMessage{
		ID: 1, Seq: 1,
		Body: wire.ConnectionInit{Token: token, UserID: userID},
	})
	open := readServerMessage(t, ws)
	require.IsType(t, wire.ConnectionOpen{}, open.Body)
}

func TestConnectionInitAcceptsValidToken(t *testing.T) {
	srv, ts := newTestServer(t, NewRegistry())
	ws := dialTest(t, ts)
	authenticate(t, ws, 7)

	require.Eventually(t, func() bool {
		return srv.Manager().UserCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestConnectionInitRejectsMismatchedUser(t *testing.T) {
	_, ts := newTestServer(t, NewRegistry())
	ws := dialTest(t, ts)

	token, err := NewSessionToken(testSecret, 7, "session-1", time.Minute)
	require.NoError(t, err)
	sendClientMessage(t, ws, wire.ClientMessage{
		ID: 1, Seq: 1,
		Body: wire.ConnectionInit{Token: token, UserID: 8},
	})

	msg := readServerMessage(t, ws)
	require.IsType(t, wire.ConnectionError{}, msg.Body)
}

func TestConnectionInitRejectsForgedToken(t *testing.T) {
	_, ts := newTestServer(t, NewRegistry())
	ws := dialTest(t, ts)

	token, err := NewSessionToken("wrong-secret", 7, "session-1", time.Minute)
	require.NoError(t, err)
	sendClientMessage(t, ws, wire.ClientMessage{
		ID: 1, Seq: 1,
		Body: wire.ConnectionInit{Token: token, UserID: 7},
	})

	msg := readServerMessage(t, ws)
	require.IsType(t, wire.ConnectionError{}, msg.Body)
}

func TestPingAnswersWithMatchingNonce(t *testing.T) {
	_, ts := newTestServer(t, NewRegistry())
	ws := dialTest(t, ts)
	authenticate(t, ws, 7)

	sendClientMessage(t, ws, wire.ClientMessage{
		ID: 2, Seq: 2,
		Body: wire.Ping{Nonce: 0xdeadbeef},
	})
	msg := readServerMessage(t, ws)
	pong, ok := msg.Body.(wire.Pong)
	require.True(t, ok)
	require.Equal(t, uint64(0xdeadbeef), pong.Nonce)
}

func TestRPCCallAckedThenResolved(t *testing.T) {
	registry := NewRegistry()
	registry.Register("echo", func(_ context.Context, caller Caller, input json.RawMessage) (json.RawMessage, error) {
		require.Equal(t, int64(7), caller.UserID)
		return input, nil
	})
	_, ts := newTestServer(t, registry)
	ws := dialTest(t, ts)
	authenticate(t, ws, 7)

	sendClientMessage(t, ws, wire.ClientMessage{
		ID: 2, Seq: 2,
		Body: wire.RPCCall{Method: "echo", Input: json.RawMessage(`{"x":1}`)},
	})

	ack := readServerMessage(t, ws)
	require.Equal(t, wire.Ack{MsgID: 2}, ack.Body)

	res := readServerMessage(t, ws)
	result, ok := res.Body.(wire.RPCResult)
	require.True(t, ok)
	require.Equal(t, uint64(2), result.ReqMsgID)
	require.JSONEq(t, `{"x":1}`, string(result.Result))
}

func TestRPCCallErrorMapsTypedCode(t *testing.T) {
	registry := NewRegistry()
	registry.Register("boom", func(context.Context, Caller, json.RawMessage) (json.RawMessage, error) {
		return nil, Errorf(wire.RPCErrInvalidPeer, "no such peer")
	})
	_, ts := newTestServer(t, registry)
	ws := dialTest(t, ts)
	authenticate(t, ws, 7)

	sendClientMessage(t, ws, wire.ClientMessage{
		ID: 2, Seq: 2,
		Body: wire.RPCCall{Method: "boom", Input: json.RawMessage(`{}`)},
	})

	ack := readServerMessage(t, ws)
	require.Equal(t, wire.Ack{MsgID: 2}, ack.Body)

	res := readServerMessage(t, ws)
	rpcErr, ok := res.Body.(wire.RPCError)
	require.True(t, ok)
	require.Equal(t, uint64(2), rpcErr.ReqMsgID)
	require.Equal(t, wire.RPCErrInvalidPeer, rpcErr.ErrorCode)
	require.Equal(t, "no such peer", rpcErr.Message)
}

func TestRPCBeforeAuthRejected(t *testing.T) {
	_, ts := newTestServer(t, NewRegistry())
	ws := dialTest(t, ts)

	sendClientMessage(t, ws, wire.ClientMessage{
		ID: 1, Seq: 1,
		Body: wire.RPCCall{Method: "echo", Input: json.RawMessage(`{}`)},
	})

	msg := readServerMessage(t, ws)
	rpcErr, ok := msg.Body.(wire.RPCError)
	require.True(t, ok)
	require.Equal(t, wire.RPCErrNotAuthenticated, rpcErr.ErrorCode)
}

func TestPushToUserReachesSocket(t *testing.T) {
	srv, ts := newTestServer(t, NewRegistry())
	ws := dialTest(t, ts)
	authenticate(t, ws, 7)

	require.Eventually(t, func() bool { return srv.Manager().UserCount() == 1 }, time.Second, 10*time.Millisecond)

	n := srv.PushToUser(7, []wire.Update{{
		Bucket:  wire.UserBucket(7),
		Seq:     1,
		Date:    time.Now().Unix(),
		Payload: wire.MarkUnread{ChatID: 12, Unread: true},
	}})
	require.Equal(t, 1, n)

	msg := readServerMessage(t, ws)
	payload, ok := msg.Body.(wire.UpdatesPayload)
	require.True(t, ok)
	require.Len(t, payload.Updates, 1)
	require.Equal(t, wire.UpdateKindMarkUnread, payload.Updates[0].Payload.UpdateKind())
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	srv := NewServer(NewConnectionManager(nil), NewRegistry(), nil, testSecret)

	token, err := NewSessionToken(testSecret, 42, "sess-9", time.Minute)
	require.NoError(t, err)

	userID, sessionID, err := srv.verifyToken(token)
	require.NoError(t, err)
	require.Equal(t, int64(42), userID)
	require.Equal(t, "sess-9", sessionID)

	_, _, err = srv.verifyToken("not-a-token")
	require.Error(t, err)
}
