package client

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/peerchat-io/peerchat/pkg/protocol"
)

var (
	// ErrUnknownPeer indicates a chat request for a nickname not in the directory.
	ErrUnknownPeer = errors.New("peer not found in directory")
	// ErrChatActive indicates a chat session with that peer already exists.
	ErrChatActive = errors.New("chat with peer already active")
	// ErrNoActiveSession indicates a send/close without an open session.
	ErrNoActiveSession = errors.New("no active chat session with peer")
)

// ChatSession is a live direct TCP channel with one peer, independent of the
// server. Writes are serialized; Close is a no-op after the first call.
type ChatSession struct {
	Peer string

	conn      net.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newChatSession(peer string, conn net.Conn) *ChatSession {
	return &ChatSession{Peer: peer, conn: conn}
}

func (cs *ChatSession) writeFrame(frame *protocol.Frame) error {
	cs.writeMu.Lock()
	defer cs.writeMu.Unlock()
	return protocol.EncodeFrame(cs.conn, frame)
}

// close releases the transport exactly once.
func (cs *ChatSession) close() {
	cs.closeOnce.Do(func() { cs.conn.Close() })
}

// sessionTable holds the at-most-one-session-per-peer invariant. Mutated by
// the UDP listener, the chat-accept listener and the command path.
type sessionTable struct {
	mu       sync.Mutex
	sessions map[string]*ChatSession
}

func newSessionTable() *sessionTable {
	return &sessionTable{sessions: make(map[string]*ChatSession)}
}

// add registers a session; fails if the peer already has one.
func (t *sessionTable) add(cs *ChatSession) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.sessions[cs.Peer]; exists {
		return ErrChatActive
	}
	t.sessions[cs.Peer] = cs
	return nil
}

// get looks up the session for a peer.
func (t *sessionTable) get(peer string) (*ChatSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.sessions[peer]
	return cs, ok
}

// has reports whether a session exists for the peer.
func (t *sessionTable) has(peer string) bool {
	_, ok := t.get(peer)
	return ok
}

// remove detaches the peer's session, reporting whether this call removed it.
// Exactly one caller wins, which keeps teardown single-shot.
func (t *sessionTable) remove(peer string) (*ChatSession, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cs, ok := t.sessions[peer]
	if ok {
		delete(t.sessions, peer)
	}
	return cs, ok
}

// peers returns the nicknames with open sessions, sorted.
func (t *sessionTable) peers() []string {
	t.mu.Lock()
	names := make([]string, 0, len(t.sessions))
	for peer := range t.sessions {
		names = append(names, peer)
	}
	t.mu.Unlock()

	sort.Strings(names)
	return names
}

// closeAll closes every session, best-effort announcing CHAT_CLOSE first.
func (t *sessionTable) closeAll() {
	t.mu.Lock()
	sessions := make([]*ChatSession, 0, len(t.sessions))
	for _, cs := range t.sessions {
		sessions = append(sessions, cs)
	}
	t.sessions = make(map[string]*ChatSession)
	t.mu.Unlock()

	for _, cs := range sessions {
		_ = cs.writeFrame(protocol.NewFrame(protocol.TypeChatClose, nil))
		cs.close()
	}
}

// chatAcceptLoop is the standing TCP listener for inbound chat connections.
// The first frame must be CHAT_HELLO; anything else closes the connection
// without creating a session.
func (c *Client) chatAcceptLoop() {
	defer c.wg.Done()

	for c.running.Load() {
		conn, err := c.chatListener.Accept()
		if err != nil {
			if c.running.Load() {
				log.Printf("chat accept error: %v", err)
			}
			return
		}

		frame, err := protocol.DecodeFrame(conn)
		if err != nil || frame.Type != protocol.TypeChatHello {
			conn.Close()
			continue
		}

		var hello protocol.ChatHelloPayload
		_ = protocol.UnmarshalBody(frame, &hello)
		peer := hello.Nickname
		if peer == "" {
			// older senders put the nickname only in the From header
			peer = frame.Header(protocol.HeaderFrom)
		}
		if peer == "" {
			conn.Close()
			continue
		}

		if err := c.startSession(peer, conn); err != nil {
			log.Printf("rejecting chat connection from %s: %v", peer, err)
			conn.Close()
		}
	}
}

// startSession registers a fresh connection as the peer's chat session and
// launches its receive loop.
func (c *Client) startSession(peer string, conn net.Conn) error {
	cs := newChatSession(peer, conn)
	if err := c.chats.add(cs); err != nil {
		return err
	}
	c.clearPending(peer)

	c.wg.Add(1)
	go c.sessionLoop(cs)

	c.emitChatOpened(peer)
	return nil
}

// sessionLoop reads frames from an established session until CHAT_CLOSE, a
// local close or a transport error. Whatever the exit reason, the session
// entry is removed and the transport closed exactly once.
func (c *Client) sessionLoop(cs *ChatSession) {
	defer c.wg.Done()

	for {
		frame, err := protocol.DecodeFrame(cs.conn)
		if err != nil {
			break
		}

		switch frame.Type {
		case protocol.TypeChatMsg:
			var payload protocol.ChatMsgPayload
			if err := protocol.UnmarshalBody(frame, &payload); err != nil {
				continue
			}
			c.emitChatMessage(cs.Peer, payload.Message, frame.Header(protocol.HeaderTimestamp))
		case protocol.TypeChatClose:
			c.teardownSession(cs.Peer)
			return
		default:
			// anything else on a chat channel is ignored
		}
	}

	c.teardownSession(cs.Peer)
}

// teardownSession removes and closes a session; only the caller that actually
// removed the entry emits the closed event.
func (c *Client) teardownSession(peer string) {
	cs, removed := c.chats.remove(peer)
	if cs != nil {
		cs.close()
	}
	if removed {
		c.emitChatClosed(peer)
	}
}

// SendChatMessage sends text over the established session with the peer.
func (c *Client) SendChatMessage(peer, text string) error {
	cs, ok := c.chats.get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, peer)
	}

	frame, err := protocol.MarshalFrame(protocol.TypeChatMsg, &protocol.ChatMsgPayload{Message: text})
	if err != nil {
		return err
	}
	frame.SetHeader(protocol.HeaderFrom, c.nickname)
	frame.SetHeader(protocol.HeaderTo, peer)
	frame.SetHeader(protocol.HeaderTimestamp, time.Now().Format("15:04:05"))

	return cs.writeFrame(frame)
}

// CloseChat announces CHAT_CLOSE to the peer and tears the session down.
func (c *Client) CloseChat(peer string) error {
	cs, ok := c.chats.get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoActiveSession, peer)
	}

	frame := protocol.NewFrame(protocol.TypeChatClose, nil)
	frame.SetHeader(protocol.HeaderFrom, c.nickname)
	frame.SetHeader(protocol.HeaderTo, peer)
	_ = cs.writeFrame(frame) // the peer may already be gone

	c.teardownSession(peer)
	return nil
}

// ActiveChats returns the peers with open sessions, sorted.
func (c *Client) ActiveChats() []string {
	return c.chats.peers()
}
