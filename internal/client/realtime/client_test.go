package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/inline-chat/inline-sub015/wire"
)

type fakeConn struct {
	mu        sync.Mutex
	incoming  chan wire.ServerMessage
	written   []wire.ClientMessage
	closed    chan struct{}
	closeOnce sync.Once
	// onWrite, when set, lets the fake server script responses.
	onWrite func(*fakeConn, wire.ClientMessage)
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan wire.ServerMessage, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (wire.ServerMessage, error) {
	select {
	case msg := <-f.incoming:
		return msg, nil
	case <-f.closed:
		return wire.ServerMessage{}, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(msg wire.ClientMessage) error {
	select {
	case <-f.closed:
		return errors.New("write on closed connection")
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, msg)
	onWrite := f.onWrite
	f.mu.Unlock()
	if onWrite != nil {
		onWrite(f, msg)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(msg wire.ServerMessage) {
	f.incoming <- msg
}

// acceptAuth answers connectionInit with connectionOpen.
func acceptAuth(f *fakeConn, msg wire.ClientMessage) {
	if _, ok := msg.Body.(wire.ConnectionInit); ok {
		f.push(wire.ServerMessage{ID: 1, Body: wire.ConnectionOpen{}})
	}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.conns) {
		return nil, errors.New("no more connections")
	}
	conn := d.conns[d.next]
	d.next++
	return conn, nil
}

func waitEvent(t *testing.T, c *Client, want EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-c.Events():
			if e.Type == want {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q event", want)
		}
	}
}

func newOpenClient(t *testing.T, conn *fakeConn, opts Options) *Client {
	t.Helper()
	conn.onWrite = acceptAuth
	opts.Dialer = &fakeDialer{conns: []*fakeConn{conn}}
	if opts.Token == "" {
		opts.Token = "token"
	}
	c := NewClient(opts)
	t.Cleanup(c.Stop)
	c.Start()
	waitEvent(t, c, EventOpen)
	return c
}

func TestConnectEmitsConnectingThenOpen(t *testing.T) {
	conn := newFakeConn()
	conn.onWrite = acceptAuth
	c := NewClient(Options{
		Dialer: &fakeDialer{conns: []*fakeConn{conn}},
		Token:  "token",
		UserID: 7,
	})
	defer c.Stop()
	c.Start()

	waitEvent(t, c, EventConnecting)
	waitEvent(t, c, EventOpen)
	require.True(t, c.Authenticated())
	require.Equal(t, StateOpen, c.State())

	conn.mu.Lock()
	init, ok := conn.written[0].Body.(wire.ConnectionInit)
	conn.mu.Unlock()
	require.True(t, ok)
	require.Equal(t, "token", init.Token)
	require.Equal(t, int64(7), init.UserID)
	require.Equal(t, uint32(1), conn.written[0].Seq)
}

func TestCallRPCResolves(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{})

	conn.mu.Lock()
	conn.onWrite = func(f *fakeConn, msg wire.ClientMessage) {
		if call, ok := msg.Body.(wire.RPCCall); ok {
			require.Equal(t, "echo", call.Method)
			f.push(wire.ServerMessage{ID: 2, Body: wire.Ack{MsgID: msg.ID}})
			f.push(wire.ServerMessage{ID: 3, Body: wire.RPCResult{
				ReqMsgID: msg.ID,
				Result:   call.Input,
			}})
		}
	}
	conn.mu.Unlock()

	result, err := c.CallRPC(context.Background(), "echo", map[string]int{"x": 1})
	require.NoError(t, err)
	require.JSONEq(t, `{"x":1}`, string(result))

	ack := waitEvent(t, c, EventAck)
	require.NotZero(t, ack.MsgID)
	waitEvent(t, c, EventRPCResult)
}

func TestCallRPCTypedError(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{})

	conn.mu.Lock()
	conn.onWrite = func(f *fakeConn, msg wire.ClientMessage) {
		if _, ok := msg.Body.(wire.RPCCall); ok {
			f.push(wire.ServerMessage{ID: 2, Body: wire.RPCError{
				ReqMsgID:  msg.ID,
				ErrorCode: wire.RPCErrInvalidPeer,
				Message:   "no such peer",
			}})
		}
	}
	conn.mu.Unlock()

	_, err := c.CallRPC(context.Background(), "sendMessage", struct{}{})
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, wire.RPCErrInvalidPeer, rpcErr.Code)
	require.Contains(t, rpcErr.Error(), "no such peer")
}

func TestCallRPCTimeoutClearsContinuation(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{RPCTimeout: 50 * time.Millisecond})

	_, err := c.CallRPC(context.Background(), "slow", struct{}{})
	require.ErrorIs(t, err, ErrTimeout)

	c.mu.Lock()
	require.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestCallRPCNotConnected(t *testing.T) {
	c := NewClient(Options{Dialer: &fakeDialer{}})
	defer c.Stop()

	_, err := c.CallRPC(context.Background(), "echo", struct{}{})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestReconnectRejectsInFlightRPCs(t *testing.T) {
	first := newFakeConn()
	second := newFakeConn()
	first.onWrite = acceptAuth
	second.onWrite = acceptAuth
	c := NewClient(Options{
		Dialer: &fakeDialer{conns: []*fakeConn{first, second}},
		Token:  "token",
	})
	defer c.Stop()
	c.Start()
	waitEvent(t, c, EventOpen)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallRPC(context.Background(), "slow", struct{}{})
		errCh <- err
	}()

	// Wait for the call to be registered, then kill the connection.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	}, time.Second, 5*time.Millisecond)
	first.Close()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNotConnected)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight rpc was not rejected on reconnect")
	}

	// The client recovers onto the second connection.
	waitEvent(t, c, EventOpen)
	require.True(t, c.Authenticated())
}

func TestStopRejectsPendingAndFutureCalls(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.CallRPC(context.Background(), "slow", struct{}{})
		errCh <- err
	}()
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return len(c.pending) == 1
	}, time.Second, 5*time.Millisecond)

	c.Stop()
	require.ErrorIs(t, <-errCh, ErrStopped)

	_, err := c.CallRPC(context.Background(), "echo", struct{}{})
	require.ErrorIs(t, err, ErrStopped)
}

func TestDuplicateRPCResultDeliversOnce(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{})

	conn.mu.Lock()
	conn.onWrite = func(f *fakeConn, msg wire.ClientMessage) {
		if _, ok := msg.Body.(wire.RPCCall); ok {
			result := json.RawMessage(`{"ok":true}`)
			f.push(wire.ServerMessage{ID: 2, Body: wire.RPCResult{ReqMsgID: msg.ID, Result: result}})
			f.push(wire.ServerMessage{ID: 3, Body: wire.RPCResult{ReqMsgID: msg.ID, Result: result}})
		}
	}
	conn.mu.Unlock()

	result, err := c.CallRPC(context.Background(), "echo", struct{}{})
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(result))

	// The duplicate completion must not leave a stray continuation.
	c.mu.Lock()
	require.Empty(t, c.pending)
	c.mu.Unlock()
}

func TestSendRPCReturnsMsgID(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{})

	id, err := c.SendRPC("composeAction", map[string]string{"action": "typing"})
	require.NoError(t, err)
	require.NotZero(t, id)

	conn.mu.Lock()
	last := conn.written[len(conn.written)-1]
	conn.mu.Unlock()
	require.Equal(t, id, last.ID)
	_, ok := last.Body.(wire.RPCCall)
	require.True(t, ok)
}

func TestUpdatesEventCarriesBatch(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{})

	conn.push(wire.ServerMessage{ID: 5, Body: wire.UpdatesPayload{Updates: []wire.Update{
		{Bucket: wire.UserBucket(7), Seq: 3, Payload: wire.ChatDeleted{ChatID: 9}},
	}}})

	e := waitEvent(t, c, EventUpdates)
	require.Len(t, e.Updates, 1)
	require.Equal(t, int64(3), e.Updates[0].Seq)
}

func TestAuthTimeoutReconnectsWithoutBackoff(t *testing.T) {
	old := authTimeout
	authTimeout = 50 * time.Millisecond
	defer func() { authTimeout = old }()

	silent := newFakeConn() // never answers connectionInit
	second := newFakeConn()
	second.onWrite = acceptAuth
	c := NewClient(Options{
		Dialer: &fakeDialer{conns: []*fakeConn{silent, second}},
		Token:  "token",
	})
	defer c.Stop()

	start := time.Now()
	c.Start()
	waitEvent(t, c, EventOpen)
	// Attempt 1 would normally back off 600ms; the auth timeout path skips it.
	require.Less(t, time.Since(start), 3*time.Second)
}

func TestClientSeqIncrementsPerMessage(t *testing.T) {
	conn := newFakeConn()
	c := newOpenClient(t, conn, Options{})

	_, err := c.SendRPC("a", struct{}{})
	require.NoError(t, err)
	_, err = c.SendRPC("b", struct{}{})
	require.NoError(t, err)

	conn.mu.Lock()
	defer conn.mu.Unlock()
	n := len(conn.written)
	require.Equal(t, conn.written[n-2].Seq+1, conn.written[n-1].Seq)
	require.Greater(t, conn.written[n-1].ID, conn.written[n-2].ID)
}

func TestReconnectDelayBounds(t *testing.T) {
	require.Equal(t, 200*time.Millisecond, reconnectDelay(0, nil))
	require.Equal(t, 600*time.Millisecond, reconnectDelay(1, nil))

	prev := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		d := reconnectDelay(attempt, nil)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, 8*time.Second)
		prev = d
	}

	low := reconnectDelay(9, func() float64 { return 0 })
	high := reconnectDelay(9, func() float64 { return 0.9999 })
	require.Equal(t, 8*time.Second, low)
	require.Less(t, high, 13*time.Second)
	require.Greater(t, high, 12*time.Second)
}
