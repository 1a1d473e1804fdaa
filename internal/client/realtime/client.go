// Package realtime implements the protocol client: connection lifecycle,
// authentication, RPC correlation, and the ordered event stream the rest of
// the client consumes.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inline-chat/inline-sub015/internal/client/heartbeat"
	"github.com/inline-chat/inline-sub015/internal/client/msgid"
	"github.com/inline-chat/inline-sub015/wire"
)

// State is the connection state visible to callers. Authentication is a
// sub-phase of open, tracked separately.
type State string

const (
	StateConnecting State = "connecting"
	StateOpen       State = "open"
)

const (
	defaultRPCTimeout  = 15 * time.Second
	defaultEventBuffer = 64
)

// authTimeout bounds how long the server may take to confirm a connection.
// Variable so tests can tighten it.
var authTimeout = 10 * time.Second

// Options configures a Client.
type Options struct {
	Dialer Dialer
	Token  string
	UserID int64
	// RPCTimeout bounds CallRPC waits; zero means the 15s default.
	RPCTimeout time.Duration
	// EventBuffer sizes the event channel; zero means the default.
	EventBuffer int
}

type rpcOutcome struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	ch chan rpcOutcome
}

// Client is the protocol state machine. One run goroutine owns the
// connection; RPC callers interact through the pending map.
type Client struct {
	opts   Options
	ids    *msgid.Generator
	hb     *heartbeat.Service
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	state    State
	authed   bool
	conn     Conn
	seq      uint32
	pending  map[uint64]*pendingCall
	attempt  int
	skipWait bool
	stopped  bool
	started  bool
	runDone  chan struct{}
}

// NewClient creates a stopped client.
func NewClient(opts Options) *Client {
	if opts.RPCTimeout <= 0 {
		opts.RPCTimeout = defaultRPCTimeout
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:    opts,
		ids:     msgid.New(),
		events:  make(chan Event, opts.EventBuffer),
		ctx:     ctx,
		cancel:  cancel,
		state:   StateConnecting,
		pending: make(map[uint64]*pendingCall),
		runDone: make(chan struct{}),
	}
	c.hb = heartbeat.New(c)
	return c
}

// Events is the ordered event stream: connecting, open, updates, acks, and
// mirrored RPC completions.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the server has confirmed the connection.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

// Start launches the connection loop. Starting twice is a no-op.
func (c *Client) Start() {
	c.mu.Lock()
	if c.started || c.stopped {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

// Stop tears the client down: the connection closes, pending RPCs reject
// with ErrStopped, and the heartbeat halts.
func (c *Client) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	started := c.started
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		conn.Close()
	}
	c.rejectPending(ErrStopped)
	c.hb.Stop()
	if started {
		<-c.runDone
	}
}

func (c *Client) run() {
	defer close(c.runDone)
	for {
		if c.isStopped() {
			return
		}
		c.enterConnecting()
		if !c.waitBackoff() {
			return
		}

		conn, err := c.opts.Dialer.Dial(c.ctx)
		if err != nil {
			if c.isStopped() {
				return
			}
			log.Debug().Err(err).Msg("dial failed")
			c.bumpAttempt()
			continue
		}
		if !c.adoptConn(conn) {
			conn.Close()
			return
		}

		if err := c.sendInit(conn); err != nil {
			log.Debug().Err(err).Msg("connection init failed")
			conn.Close()
			c.bumpAttempt()
			continue
		}

		// The server gets a bounded window to confirm; a silent socket
		// reconnects immediately without backoff.
		authTimer := time.AfterFunc(authTimeout, func() {
			c.mu.Lock()
			stale := c.conn != conn || c.authed
			if !stale {
				c.skipWait = true
			}
			c.mu.Unlock()
			if !stale {
				log.Debug().Msg("authentication timeout, reconnecting")
				conn.Close()
			}
		})

		c.readLoop(conn)

		authTimer.Stop()
		c.hb.Stop()
		c.dropConn(conn)
		c.bumpAttempt()
	}
}

// enterConnecting performs the connecting transition: counters reset,
// pending RPCs reject, the event fires.
func (c *Client) enterConnecting() {
	c.mu.Lock()
	c.state = StateConnecting
	c.authed = false
	c.seq = 0
	c.mu.Unlock()

	c.ids.Reset()
	c.hb.Stop()
	c.rejectPending(ErrNotConnected)
	c.emit(Event{Type: EventConnecting})
}

// waitBackoff sleeps the reconnect delay, skipping it for the first attempt
// and after auth timeouts. Returns false when stopped mid-sleep.
func (c *Client) waitBackoff() bool {
	c.mu.Lock()
	attempt := c.attempt
	skip := c.skipWait
	c.skipWait = false
	c.mu.Unlock()

	if attempt == 0 || skip {
		return !c.isStopped()
	}
	timer := time.NewTimer(ReconnectDelay(attempt))
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *Client) adoptConn(conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return false
	}
	c.conn = conn
	c.seq = 0
	return true
}

func (c *Client) dropConn(conn Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
		c.authed = false
	}
	c.mu.Unlock()
}

func (c *Client) sendInit(conn Conn) error {
	c.mu.Lock()
	c.seq++
	msg := wire.ClientMessage{
		ID:  c.ids.Next(),
		Seq: c.seq,
		Body: wire.ConnectionInit{
			Token:  c.opts.Token,
			UserID: c.opts.UserID,
		},
	}
	c.mu.Unlock()
	return conn.WriteMessage(msg)
}

func (c *Client) readLoop(conn Conn) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleServerMessage(conn, msg)
	}
}

func (c *Client) handleServerMessage(conn Conn, msg wire.ServerMessage) {
	switch body := msg.Body.(type) {
	case wire.ConnectionOpen:
		c.mu.Lock()
		c.state = StateOpen
		c.authed = true
		c.attempt = 0
		c.mu.Unlock()
		c.emit(Event{Type: EventOpen})
		c.hb.Start()

	case wire.UpdatesPayload:
		c.emit(Event{Type: EventUpdates, Updates: body.Updates})

	case wire.RPCResult:
		c.complete(body.ReqMsgID, rpcOutcome{result: body.Result})
		c.emit(Event{Type: EventRPCResult, MsgID: body.ReqMsgID, Result: body.Result})

	case wire.RPCError:
		rpcErr := &RPCError{Code: body.ErrorCode, Message: body.Message, StatusCode: body.Code}
		c.complete(body.ReqMsgID, rpcOutcome{err: rpcErr})
		c.emit(Event{Type: EventRPCError, MsgID: body.ReqMsgID, Err: rpcErr})

	case wire.Ack:
		c.emit(Event{Type: EventAck, MsgID: body.MsgID})

	case wire.Pong:
		c.hb.OnPong(body.Nonce)

	case wire.ConnectionError:
		log.Warn().Str("message", body.Message).Msg("server closed the stream")
		conn.Close()
	}
}

// CallRPC sends a call and waits for exactly one completion: result, typed
// server error, send failure, timeout, or connection loss.
func (c *Client) CallRPC(ctx context.Context, method string, input any) (json.RawMessage, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrStopped
	}
	conn := c.conn
	if conn == nil || !c.authed {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	c.seq++
	msg := wire.ClientMessage{
		ID:   c.ids.Next(),
		Seq:  c.seq,
		Body: wire.RPCCall{Method: method, Input: raw},
	}
	pc := &pendingCall{ch: make(chan rpcOutcome, 1)}
	c.pending[msg.ID] = pc
	c.mu.Unlock()

	if err := conn.WriteMessage(msg); err != nil {
		c.complete(msg.ID, rpcOutcome{err: err})
	}

	timer := time.NewTimer(c.opts.RPCTimeout)
	defer timer.Stop()
	select {
	case out := <-pc.ch:
		return out.result, out.err
	case <-timer.C:
		c.take(msg.ID)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.take(msg.ID)
		return nil, ctx.Err()
	}
}

// SendRPC is the fire-and-forget variant: it returns the message id without
// waiting for completion, so the caller can correlate acks and results off
// the event stream.
func (c *Client) SendRPC(method string, input any) (uint64, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, ErrStopped
	}
	conn := c.conn
	if conn == nil || !c.authed {
		c.mu.Unlock()
		return 0, ErrNotConnected
	}
	c.seq++
	msg := wire.ClientMessage{
		ID:   c.ids.Next(),
		Seq:  c.seq,
		Body: wire.RPCCall{Method: method, Input: raw},
	}
	c.mu.Unlock()

	if err := conn.WriteMessage(msg); err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// complete resolves one pending call at most once: the continuation is
// removed under the lock before the outcome is delivered.
func (c *Client) complete(id uint64, out rpcOutcome) {
	if pc := c.take(id); pc != nil {
		pc.ch <- out
	}
}

func (c *Client) take(id uint64) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	pc := c.pending[id]
	delete(c.pending, id)
	return pc
}

// rejectPending fails every in-flight RPC with err.
func (c *Client) rejectPending(err error) {
	c.mu.Lock()
	taken := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()
	for _, pc := range taken {
		pc.ch <- rpcOutcome{err: err}
	}
}

func (c *Client) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

func (c *Client) bumpAttempt() {
	c.mu.Lock()
	c.attempt++
	c.mu.Unlock()
}

// emit delivers an event without ever blocking the read loop; a full
// channel drops the oldest event first.
func (c *Client) emit(e Event) {
	for {
		select {
		case c.events <- e:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

// SendPing implements heartbeat.Transport.
func (c *Client) SendPing(nonce uint64) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return ErrNotConnected
	}
	c.seq++
	msg := wire.ClientMessage{
		ID:   c.ids.Next(),
		Seq:  c.seq,
		Body: wire.Ping{Nonce: nonce},
	}
	c.mu.Unlock()
	return conn.WriteMessage(msg)
}

// ForceReconnect implements heartbeat.Transport: closing the connection
// makes the read loop fall out and the run loop reconnect.
func (c *Client) ForceReconnect(reason string) {
	log.Warn().Str("reason", reason).Msg("forcing reconnect")
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
