package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/inline-chat/inline-sub015/wire"
)

// Conn is one live transport connection carrying framed protocol messages.
type Conn interface {
	ReadMessage() (wire.ServerMessage, error)
	WriteMessage(msg wire.ClientMessage) error
	Close() error
}

// Dialer opens transport connections. Tests substitute an in-memory one.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// WebsocketDialer dials the server's realtime websocket endpoint.
type WebsocketDialer struct {
	URL    string
	Header http.Header
}

func (d *WebsocketDialer) Dial(ctx context.Context) (Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, errors.Wrap(err, "dial websocket")
	}
	return &wsConn{ws: ws}, nil
}

type wsConn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *wsConn) ReadMessage() (wire.ServerMessage, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.ServerMessage{}, err
	}
	var msg wire.ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return wire.ServerMessage{}, errors.Wrap(err, "decode server frame")
	}
	return msg, nil
}

func (c *wsConn) WriteMessage(msg wire.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encode client frame")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close()
}
