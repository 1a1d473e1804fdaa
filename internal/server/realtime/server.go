package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/inline-chat/inline-sub015/wire"
)

const (
	// authTimeout bounds how long a socket may stay unauthenticated.
	authTimeout = 10 * time.Second
	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second
	// rpcTimeout bounds handler execution for one RPC call.
	rpcTimeout = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // origin policy is enforced by the CORS layer
	},
}

// SpaceLister resolves the spaces a user belongs to, used to index the
// connection for space-bucket routing.
type SpaceLister interface {
	SpacesForUser(ctx context.Context, userID int64) ([]int64, error)
}

// Server accepts websocket connections, authenticates them, dispatches RPC
// calls, and fans updates out through the connection manager.
type Server struct {
	manager   *ConnectionManager
	registry  *Registry
	spaces    SpaceLister
	jwtSecret []byte

	frameID atomic.Uint64
}

// NewServer creates a realtime server.
func NewServer(manager *ConnectionManager, registry *Registry, spaces SpaceLister, jwtSecret string) *Server {
	return &Server{
		manager:   manager,
		registry:  registry,
		spaces:    spaces,
		jwtSecret: []byte(jwtSecret),
	}
}

// Manager exposes the connection manager for the push API.
func (s *Server) Manager() *ConnectionManager { return s.manager }

// nextFrameID returns a fresh server frame id.
func (s *Server) nextFrameID() uint64 { return s.frameID.Add(1) }

// PushToUser encodes nothing; it wraps already-encoded updates in a message
// frame and fans them out to the user's connections.
func (s *Server) PushToUser(userID int64, updates []wire.Update) int {
	if len(updates) == 0 {
		return 0
	}
	return s.manager.PushToUser(userID, wire.ServerMessage{
		ID:   s.nextFrameID(),
		Body: wire.UpdatesPayload{Updates: updates},
	})
}

// PushToSpace fans updates out to every connection indexed under a space.
func (s *Server) PushToSpace(spaceID int64, updates []wire.Update) int {
	if len(updates) == 0 {
		return 0
	}
	return s.manager.PushToSpace(spaceID, wire.ServerMessage{
		ID:   s.nextFrameID(),
		Body: wire.UpdatesPayload{Updates: updates},
	})
}

// wsSender serializes frame writes onto one gorilla connection.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) SendMessage(msg wire.ServerMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (w *wsSender) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Close()
}

// HandleWebSocket upgrades the request and runs the connection until close.
func (s *Server) HandleWebSocket(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	connID := uuid.NewString()
	sender := &wsSender{conn: ws}
	conn := s.manager.Register(connID, sender)
	defer func() {
		s.manager.Remove(connID)
		ws.Close()
	}()

	log.Debug().Str("conn", connID).Msg("socket open")

	// Unauthenticated sockets get a bounded window to present a token.
	authTimer := time.AfterFunc(authTimeout, func() {
		if _, ok := s.manager.Get(connID); ok && !s.manager.IsAuthenticated(connID) {
			log.Debug().Str("conn", connID).Msg("auth timeout, closing")
			_ = sender.SendMessage(wire.ServerMessage{
				ID:   s.nextFrameID(),
				Body: wire.ConnectionError{Message: "authentication timeout"},
			})
			ws.Close()
		}
	})
	defer authTimer.Stop()

	var lastSeq uint32
	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug().Str("conn", connID).Err(err).Msg("socket read error")
			}
			return
		}
		if msgType != websocket.BinaryMessage && msgType != websocket.TextMessage {
			continue
		}

		var msg wire.ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn().Str("conn", connID).Err(err).Msg("malformed client frame")
			_ = sender.SendMessage(wire.ServerMessage{
				ID:   s.nextFrameID(),
				Body: wire.ConnectionError{Message: "malformed message"},
			})
			return
		}

		if msg.Seq != 0 && msg.Seq <= lastSeq {
			log.Warn().Str("conn", connID).Uint32("seq", msg.Seq).Uint32("last", lastSeq).
				Msg("client seq went backwards")
		}
		lastSeq = msg.Seq

		if !s.handleClientMessage(c.Request.Context(), conn, sender, msg) {
			return
		}
	}
}

// handleClientMessage dispatches one frame; false means close the socket.
func (s *Server) handleClientMessage(ctx context.Context, conn *Connection, sender *wsSender, msg wire.ClientMessage) bool {
	switch body := msg.Body.(type) {
	case wire.ConnectionInit:
		return s.handleConnectionInit(ctx, conn, sender, body)

	case wire.Ping:
		_ = sender.SendMessage(wire.ServerMessage{
			ID:   s.nextFrameID(),
			Body: wire.Pong{Nonce: body.Nonce},
		})
		return true

	case wire.RPCCall:
		if !conn.Authenticated() {
			_ = sender.SendMessage(wire.ServerMessage{
				ID: s.nextFrameID(),
				Body: wire.RPCError{
					ReqMsgID:  msg.ID,
					ErrorCode: wire.RPCErrNotAuthenticated,
					Message:   "connection not authenticated",
				},
			})
			return true
		}
		// Ack receipt before processing so the client can stop resending.
		_ = sender.SendMessage(wire.ServerMessage{
			ID:   s.nextFrameID(),
			Body: wire.Ack{MsgID: msg.ID},
		})
		go s.dispatchRPC(conn, sender, msg.ID, body)
		return true

	default:
		log.Warn().Str("conn", conn.ID).Msg("unexpected client message body")
		return true
	}
}

func (s *Server) handleConnectionInit(ctx context.Context, conn *Connection, sender *wsSender, init wire.ConnectionInit) bool {
	userID, sessionID, err := s.verifyToken(init.Token)
	if err != nil || userID != init.UserID {
		log.Warn().Str("conn", conn.ID).Err(err).Msg("connection-init rejected")
		_ = sender.SendMessage(wire.ServerMessage{
			ID:   s.nextFrameID(),
			Body: wire.ConnectionError{Message: "unauthorized"},
		})
		return false
	}

	var spaceIDs []int64
	if s.spaces != nil {
		spaceIDs, err = s.spaces.SpacesForUser(ctx, userID)
		if err != nil {
			log.Error().Int64("user", userID).Err(err).Msg("space lookup failed")
		}
	}

	if !s.manager.Authenticate(conn.ID, userID, sessionID, spaceIDs, time.Now()) {
		return false
	}
	log.Debug().Str("conn", conn.ID).Int64("user", userID).Str("session", sessionID).
		Msg("connection authenticated")

	_ = sender.SendMessage(wire.ServerMessage{
		ID:   s.nextFrameID(),
		Body: wire.ConnectionOpen{},
	})
	return true
}

// verifyToken parses the JWT and returns the subject user and session ids.
func (s *Server) verifyToken(token string) (userID int64, sessionID string, err error) {
	claims := &sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return 0, "", err
	}
	if !parsed.Valid {
		return 0, "", errors.New("invalid token")
	}
	return claims.UserID, claims.SessionID, nil
}

// sessionClaims is the token payload: a user id and a logical session id
// shared by all of a device's connections.
type sessionClaims struct {
	UserID    int64  `json:"uid"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// NewSessionToken mints a token for a user/session pair. The auth service
// owns issuance in production; this is used by tools and tests.
func NewSessionToken(secret string, userID int64, sessionID string, ttl time.Duration) (string, error) {
	claims := sessionClaims{
		UserID:    userID,
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// dispatchRPC runs a handler and writes the result or error frame.
func (s *Server) dispatchRPC(conn *Connection, sender *wsSender, reqMsgID uint64, call wire.RPCCall) {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()

	handler, ok := s.registry.Lookup(call.Method)
	if !ok {
		_ = sender.SendMessage(wire.ServerMessage{
			ID: s.nextFrameID(),
			Body: wire.RPCError{
				ReqMsgID:  reqMsgID,
				ErrorCode: wire.RPCErrBadRequest,
				Message:   "unknown method: " + call.Method,
			},
		})
		return
	}

	caller := Caller{ConnID: conn.ID, UserID: conn.UserID, SessionID: conn.SessionID}
	result, err := handler(ctx, caller, call.Input)
	if err != nil {
		rpcErr := wire.RPCError{ReqMsgID: reqMsgID, ErrorCode: wire.RPCErrInternal, Message: "internal error"}
		var typed *Error
		if errors.As(err, &typed) {
			rpcErr.ErrorCode = typed.Code
			rpcErr.Message = typed.Message
		} else {
			log.Error().Str("method", call.Method).Err(err).Msg("rpc handler failed")
		}
		_ = sender.SendMessage(wire.ServerMessage{ID: s.nextFrameID(), Body: rpcErr})
		return
	}

	_ = sender.SendMessage(wire.ServerMessage{
		ID:   s.nextFrameID(),
		Body: wire.RPCResult{ReqMsgID: reqMsgID, Result: result},
	})
}
