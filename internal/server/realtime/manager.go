package realtime

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/inline-chat/inline-sub015/wire"
)

// Sender delivers one server frame to a connected socket. Implementations
// must be safe for concurrent use.
type Sender interface {
	SendMessage(msg wire.ServerMessage) error
	Close() error
}

// Connection is one live socket. It starts unauthenticated; Authenticate
// binds it to a user and session.
type Connection struct {
	ID              string
	UserID          int64
	SessionID       string
	AuthenticatedAt time.Time
	SpaceIDs        []int64

	sender Sender
}

// Authenticated reports whether connection-init has completed.
func (c *Connection) Authenticated() bool { return !c.AuthenticatedAt.IsZero() }

// PresenceNotifier receives session lifecycle signals: active when the first
// connection of a (user, session) pair authenticates, inactive when the last
// one closes.
type PresenceNotifier interface {
	SessionActive(userID int64, sessionID string)
	SessionInactive(userID int64, sessionID string)
}

type sessionKey struct {
	userID    int64
	sessionID string
}

// ConnectionManager tracks live connections keyed by connection id, with
// secondary indices by user and by space so pushes don't scan the table.
type ConnectionManager struct {
	mu       sync.RWMutex
	conns    map[string]*Connection
	byUser   map[int64]map[string]*Connection
	bySpace  map[int64]map[string]*Connection
	sessions map[sessionKey]int

	presence PresenceNotifier
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager(presence PresenceNotifier) *ConnectionManager {
	return &ConnectionManager{
		conns:    make(map[string]*Connection),
		byUser:   make(map[int64]map[string]*Connection),
		bySpace:  make(map[int64]map[string]*Connection),
		sessions: make(map[sessionKey]int),
		presence: presence,
	}
}

// Register adds a freshly opened, unauthenticated connection.
func (m *ConnectionManager) Register(id string, sender Sender) *Connection {
	conn := &Connection{ID: id, sender: sender}
	m.mu.Lock()
	m.conns[id] = conn
	m.mu.Unlock()
	return conn
}

// Authenticate binds the connection to a user/session and indexes it for
// routing. spaceIDs are the spaces the user belongs to at connect time.
func (m *ConnectionManager) Authenticate(id string, userID int64, sessionID string, spaceIDs []int64, at time.Time) bool {
	m.mu.Lock()

	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return false
	}
	conn.UserID = userID
	conn.SessionID = sessionID
	conn.SpaceIDs = spaceIDs
	conn.AuthenticatedAt = at

	if m.byUser[userID] == nil {
		m.byUser[userID] = make(map[string]*Connection)
	}
	m.byUser[userID][id] = conn
	for _, spaceID := range spaceIDs {
		if m.bySpace[spaceID] == nil {
			m.bySpace[spaceID] = make(map[string]*Connection)
		}
		m.bySpace[spaceID][id] = conn
	}
	key := sessionKey{userID, sessionID}
	firstOfSession := m.sessions[key] == 0
	m.sessions[key]++
	m.mu.Unlock()

	if firstOfSession && m.presence != nil {
		m.presence.SessionActive(userID, sessionID)
	}
	return true
}

// Remove drops a connection and cleans its index entries. When the removed
// connection was the last one for its (user, session) pair, the presence
// notifier is told the session went inactive.
func (m *ConnectionManager) Remove(id string) {
	m.mu.Lock()
	conn, ok := m.conns[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.conns, id)

	var lastOfSession bool
	if conn.Authenticated() {
		if set := m.byUser[conn.UserID]; set != nil {
			delete(set, id)
			if len(set) == 0 {
				delete(m.byUser, conn.UserID)
			}
		}
		for _, spaceID := range conn.SpaceIDs {
			if set := m.bySpace[spaceID]; set != nil {
				delete(set, id)
				if len(set) == 0 {
					delete(m.bySpace, spaceID)
				}
			}
		}
		key := sessionKey{conn.UserID, conn.SessionID}
		m.sessions[key]--
		if m.sessions[key] <= 0 {
			delete(m.sessions, key)
			lastOfSession = true
		}
	}
	m.mu.Unlock()

	if lastOfSession && m.presence != nil {
		m.presence.SessionInactive(conn.UserID, conn.SessionID)
	}
}

// Get returns the connection with the given id, if present.
func (m *ConnectionManager) Get(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return conn, ok
}

// IsAuthenticated reports whether the connection has completed
// connection-init. Unlike Connection.Authenticated it reads under the
// manager lock, so goroutines other than the connection's read loop must use
// it.
func (m *ConnectionManager) IsAuthenticated(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[id]
	return ok && conn.Authenticated()
}

// userConnections returns a snapshot of a user's authenticated connections.
func (m *ConnectionManager) userConnections(userID int64) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.byUser[userID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// spaceConnections returns a snapshot of connections of all space members.
func (m *ConnectionManager) spaceConnections(spaceID int64) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	set := m.bySpace[spaceID]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// push delivers a frame to every connection in the snapshot. Delivery is
// best-effort: a failed socket is closed and removed, never retried.
func (m *ConnectionManager) push(conns []*Connection, msg wire.ServerMessage) int {
	delivered := 0
	for _, conn := range conns {
		if err := conn.sender.SendMessage(msg); err != nil {
			log.Debug().Str("conn", conn.ID).Err(err).Msg("push failed, dropping connection")
			_ = conn.sender.Close()
			m.Remove(conn.ID)
			continue
		}
		delivered++
	}
	return delivered
}

// PushToUser fans a frame out to every authenticated connection of a user.
func (m *ConnectionManager) PushToUser(userID int64, msg wire.ServerMessage) int {
	return m.push(m.userConnections(userID), msg)
}

// PushToSpace fans a frame out to every connection of every space member.
func (m *ConnectionManager) PushToSpace(spaceID int64, msg wire.ServerMessage) int {
	return m.push(m.spaceConnections(spaceID), msg)
}

// ConnectionCount returns the number of live connections.
func (m *ConnectionManager) ConnectionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// UserOnline reports whether the user has at least one authenticated
// connection.
func (m *ConnectionManager) UserOnline(userID int64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID]) > 0
}

// UserCount returns the number of users with authenticated connections.
func (m *ConnectionManager) UserCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser)
}
