package server

import (
	"errors"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/peerchat-io/peerchat/pkg/protocol"
)

var (
	// ErrDuplicateNickname indicates a REGISTER with a nickname already in use.
	ErrDuplicateNickname = errors.New("nickname already registered")
	// ErrNotRegistered indicates an operation that requires a prior REGISTER.
	ErrNotRegistered = errors.New("connection is not registered")
)

// SafeConn wraps a connection so concurrent writers are serialized and Close
// is idempotent. Reads stay unsynchronized: each connection is read by
// exactly one goroutine.
type SafeConn struct {
	conn    net.Conn
	writeMu sync.Mutex
	closeMu sync.Mutex
	closed  bool
}

// NewSafeConn wraps conn.
func NewSafeConn(conn net.Conn) *SafeConn {
	return &SafeConn{conn: conn}
}

// WriteFrame encodes a frame onto the connection under the write lock.
func (c *SafeConn) WriteFrame(frame *protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return protocol.EncodeFrame(c.conn, frame)
}

// Read implements io.Reader for the frame decoder.
func (c *SafeConn) Read(b []byte) (int, error) {
	return c.conn.Read(b)
}

// Close closes the underlying connection once; later calls are no-ops.
func (c *SafeConn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

// RemoteAddr returns the peer address of the underlying connection.
func (c *SafeConn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Session is one connected client. The ID is an opaque identifier assigned at
// accept time; identity (nickname, rendezvous address) is attached by REGISTER
// and detached by UNREGISTER or disconnect.
type Session struct {
	ID   string
	Conn *SafeConn

	mu         sync.RWMutex
	registered bool
	nickname   string
	ip         string
	udpPort    int
}

// Registered reports whether the session holds a registry record.
func (s *Session) Registered() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registered
}

// Entry returns the session's registry record, if any.
func (s *Session) Entry() (protocol.UserEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.registered {
		return protocol.UserEntry{}, false
	}
	return protocol.UserEntry{Nickname: s.nickname, IP: s.ip, UDPPort: s.udpPort}, true
}

// Nickname returns the registered nickname, or "".
func (s *Session) Nickname() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nickname
}

// SessionManager owns the registry: the set of connected sessions and the
// nickname uniqueness invariant. Every mutation and every broadcast snapshot
// goes through the same lock, so membership seen by a fan-out is consistent
// with the instant the snapshot was taken.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	metrics  *Metrics
}

// NewSessionManager creates an empty registry.
func NewSessionManager() *SessionManager {
	return &SessionManager{sessions: make(map[string]*Session)}
}

// SetMetrics attaches metrics to the session manager.
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// Add creates a session for a freshly accepted connection.
func (sm *SessionManager) Add(conn net.Conn) *Session {
	sess := &Session{
		ID:   uuid.NewString(),
		Conn: NewSafeConn(conn),
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionCreated()
	}
	return sess
}

// Register attaches a registry record to the session. Fails without mutating
// anything if the nickname is already held by another session.
func (sm *SessionManager) Register(sess *Session, nickname, ip string, udpPort int) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, other := range sm.sessions {
		if other == sess {
			continue
		}
		other.mu.RLock()
		taken := other.registered && other.nickname == nickname
		other.mu.RUnlock()
		if taken {
			return ErrDuplicateNickname
		}
	}

	sess.mu.Lock()
	sess.registered = true
	sess.nickname = nickname
	sess.ip = ip
	sess.udpPort = udpPort
	sess.mu.Unlock()
	return nil
}

// Unregister detaches the session's registry record, returning it. The
// connection itself stays open.
func (sm *SessionManager) Unregister(sess *Session) (protocol.UserEntry, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.registered {
		return protocol.UserEntry{}, false
	}
	entry := protocol.UserEntry{Nickname: sess.nickname, IP: sess.ip, UDPPort: sess.udpPort}
	sess.registered = false
	sess.nickname = ""
	sess.ip = ""
	sess.udpPort = 0
	return entry, true
}

// Remove drops the session from the registry and closes its connection.
func (sm *SessionManager) Remove(sessionID string) {
	sm.mu.Lock()
	sess, ok := sm.sessions[sessionID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	delete(sm.sessions, sessionID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordActiveSessions(count)
		sm.metrics.RecordSessionDisconnected()
	}

	sess.Conn.Close()
}

// UserList returns the registry records of every registered session except
// the given one.
func (sm *SessionManager) UserList(exclude *Session) []protocol.UserEntry {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	users := make([]protocol.UserEntry, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		if sess == exclude {
			continue
		}
		if entry, ok := sess.Entry(); ok {
			users = append(users, entry)
		}
	}
	return users
}

// Broadcast sends a frame to every registered session except the excluded
// one. Per-recipient failures never abort the fan-out; dead sessions are
// collected and removed afterwards. Returns the number of deliveries.
func (sm *SessionManager) Broadcast(frame *protocol.Frame, exclude *Session) int {
	sm.mu.RLock()
	targets := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		if sess != exclude && sess.Registered() {
			targets = append(targets, sess)
		}
	}
	sm.mu.RUnlock()

	var dead []string
	delivered := 0
	for _, sess := range targets {
		if err := sess.Conn.WriteFrame(frame); err != nil {
			debugLog.Printf("session %s: broadcast of %s failed: %v", sess.ID, frame.Type, err)
			dead = append(dead, sess.ID)
			continue
		}
		delivered++
	}

	for _, id := range dead {
		sm.Remove(id)
	}

	if sm.metrics != nil {
		sm.metrics.RecordBroadcastFanout(frame.Type, delivered)
	}
	return delivered
}

// CountRegistered returns the number of sessions holding registry records.
func (sm *SessionManager) CountRegistered() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	count := 0
	for _, sess := range sm.sessions {
		if sess.Registered() {
			count++
		}
	}
	return count
}

// CloseAll closes every connection and empties the registry.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sess := range sm.sessions {
		sess.Conn.Close()
	}
	sm.sessions = make(map[string]*Session)
}
