package client

import (
	"fmt"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/peerchat-io/peerchat/pkg/protocol"
)

// AcceptPolicy decides whether an inbound chat request from the named peer is
// accepted. The default policy accepts everything; the decision point exists
// so callers can put a real prompt or allowlist behind it.
type AcceptPolicy func(peer string) bool

// pendingRequest tracks an outbound CHAT_REQUEST that has not yet produced a
// session. Unanswered requests expire at the deadline instead of lingering as
// half-open state.
type pendingRequest struct {
	Peer      string
	RequestID string
	Deadline  time.Time
}

type pendingTable struct {
	mu      sync.Mutex
	entries map[string]pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]pendingRequest)}
}

func (t *pendingTable) put(req pendingRequest) {
	t.mu.Lock()
	t.entries[req.Peer] = req
	t.mu.Unlock()
}

func (t *pendingTable) get(peer string) (pendingRequest, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	req, ok := t.entries[peer]
	return req, ok
}

func (t *pendingTable) remove(peer string) {
	t.mu.Lock()
	delete(t.entries, peer)
	t.mu.Unlock()
}

// expired removes and returns every entry past the given instant.
func (t *pendingTable) expired(now time.Time) []pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []pendingRequest
	for peer, req := range t.entries {
		if now.After(req.Deadline) {
			out = append(out, req)
			delete(t.entries, peer)
		}
	}
	return out
}

// RequestChat starts the rendezvous handshake toward a directory peer: a
// CHAT_REQUEST datagram advertising this process's chat listener port. The
// accepting side dials back; this side just waits for the connection.
func (c *Client) RequestChat(peer string) error {
	desc, ok := c.directory.Get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	if c.chats.has(peer) {
		return fmt.Errorf("%w: %s", ErrChatActive, peer)
	}

	requestID := protocol.NewRequestID(c.nickname)
	frame, err := protocol.MarshalFrame(protocol.TypeChatRequest, &protocol.ChatRequestPayload{
		TCPPort: c.tcpPort,
	})
	if err != nil {
		return err
	}
	frame.SetHeader(protocol.HeaderFrom, c.nickname)
	frame.SetHeader(protocol.HeaderTo, peer)
	frame.SetHeader(protocol.HeaderRequestID, requestID)
	frame.SetHeader(protocol.HeaderHost, c.localIP)

	if err := c.sendDatagram(frame, desc.IP, desc.UDPPort); err != nil {
		return fmt.Errorf("failed to send chat request: %w", err)
	}

	c.pending.put(pendingRequest{
		Peer:      peer,
		RequestID: requestID,
		Deadline:  time.Now().Add(c.config.RequestTimeout),
	})
	return nil
}

// clearPending resolves any outstanding request for the peer, typically
// because a session just came up.
func (c *Client) clearPending(peer string) {
	c.pending.remove(peer)
}

// sendDatagram encodes a frame and sends it as one UDP packet.
func (c *Client) sendDatagram(frame *protocol.Frame, ip string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	_, err = c.udpConn.WriteToUDP(frame.Encode(), addr)
	return err
}

// udpLoop receives rendezvous datagrams: inbound CHAT_REQUESTs and responses
// to our own requests. Malformed packets are dropped.
func (c *Client) udpLoop() {
	defer c.wg.Done()

	buf := make([]byte, 4096)
	for c.running.Load() {
		n, addr, err := c.udpConn.ReadFromUDP(buf)
		if err != nil {
			if c.running.Load() {
				log.Printf("udp read error: %v", err)
			}
			return
		}

		frame, err := protocol.DecodeDatagram(buf[:n])
		if err != nil {
			continue
		}

		switch frame.Type {
		case protocol.TypeChatRequest:
			c.handleChatRequest(frame, addr)
		case protocol.TypeChatResponse:
			c.handleChatResponse(frame)
		}
	}
}

// handleChatRequest answers an inbound rendezvous request. Whichever side
// answers becomes the TCP dialer: on accept, this side dials the requester's
// advertised chat port and opens the session with CHAT_HELLO.
func (c *Client) handleChatRequest(frame *protocol.Frame, addr *net.UDPAddr) {
	peer := frame.Header(protocol.HeaderFrom)
	if peer == "" {
		return
	}

	var payload protocol.ChatRequestPayload
	if err := protocol.UnmarshalBody(frame, &payload); err != nil || payload.TCPPort == 0 {
		return
	}

	c.emitChatRequested(peer)
	accepted := c.acceptPolicy == nil || c.acceptPolicy(peer)

	response, err := protocol.MarshalFrame(protocol.TypeChatResponse, &protocol.ChatResponsePayload{
		Accepted: accepted,
		TCPPort:  c.tcpPort,
	})
	if err != nil {
		return
	}
	response.SetHeader(protocol.HeaderFrom, c.nickname)
	response.SetHeader(protocol.HeaderTo, peer)
	response.SetHeader(protocol.HeaderRequestID, frame.Header(protocol.HeaderRequestID))

	if err := c.sendDatagram(response, addr.IP.String(), addr.Port); err != nil {
		log.Printf("failed to answer chat request from %s: %v", peer, err)
		return
	}

	if !accepted {
		return
	}

	target := net.JoinHostPort(addr.IP.String(), strconv.Itoa(payload.TCPPort))
	conn, err := net.DialTimeout("tcp", target, c.config.DialTimeout)
	if err != nil {
		// no session and no retry; the requester's pending entry will expire
		log.Printf("failed to connect to %s at %s: %v", peer, target, err)
		return
	}

	hello, err := protocol.MarshalFrame(protocol.TypeChatHello, &protocol.ChatHelloPayload{Nickname: c.nickname})
	if err != nil {
		conn.Close()
		return
	}
	hello.SetHeader(protocol.HeaderFrom, c.nickname)

	if _, err := conn.Write(hello.Encode()); err != nil {
		conn.Close()
		return
	}

	if err := c.startSession(peer, conn); err != nil {
		log.Printf("chat with %s already open, dropping duplicate connection", peer)
		conn.Close()
	}
}

// handleChatResponse resolves our side of the handshake. The session itself
// arrives through the chat-accept listener once the peer dials back. Responses
// are correlated by Request-ID: a datagram that does not match the outstanding
// request for that peer is stale or spoofed and is dropped, so an arbitrary
// UDP sender cannot cancel a live request.
func (c *Client) handleChatResponse(frame *protocol.Frame) {
	peer := frame.Header(protocol.HeaderFrom)
	if peer == "" {
		peer = frame.Header(protocol.HeaderTo)
	}

	req, ok := c.pending.get(peer)
	if !ok || frame.Header(protocol.HeaderRequestID) != req.RequestID {
		return
	}

	var payload protocol.ChatResponsePayload
	if err := protocol.UnmarshalBody(frame, &payload); err != nil {
		return
	}

	if !payload.Accepted {
		c.clearPending(peer)
	}
	c.emitChatResponse(peer, payload.Accepted)
}

// janitorLoop expires pending chat requests whose deadline passed without a
// session coming up.
func (c *Client) janitorLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			for _, req := range c.pending.expired(now) {
				log.Printf("chat request to %s expired (%s)", req.Peer, req.RequestID)
				c.emitChatRequestExpired(req.Peer)
			}
		}
	}
}
