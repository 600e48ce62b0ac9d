// Package client implements the rendezvous chat client: it registers with
// the server, mirrors the peer directory from server notifications, and
// upgrades directory entries into direct peer-to-peer chat sessions through a
// UDP request/response handshake followed by a TCP dial-back.
package client

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/peerchat-io/peerchat/pkg/protocol"
)

// Events carries the client's outward-facing notifications. Any field may be
// nil; the interactive surface decides what to render.
type Events struct {
	Registered   func(message string)
	Unregistered func(message string)
	ServerError  func(message string)
	Disconnected func()

	UserList   func(peers []PeerDescriptor)
	UserJoined func(peer PeerDescriptor)
	UserLeft   func(nickname string)

	BroadcastReceived func(sender, message string, sentAt float64)
	BroadcastSent     func()
	HistoryReceived   func(entries []protocol.HistoryEntry)

	ChatRequested      func(peer string)
	ChatResponse       func(peer string, accepted bool)
	ChatRequestExpired func(peer string)
	ChatOpened         func(peer string)
	ChatClosed         func(peer string)
	ChatMessage        func(peer, message, timestamp string)
}

// Client is one chat participant process.
type Client struct {
	config       Config
	events       Events
	acceptPolicy AcceptPolicy

	nickname string
	localIP  string
	udpPort  int
	tcpPort  int

	serverConn    net.Conn
	serverWriteMu sync.Mutex
	udpConn       *net.UDPConn
	chatListener  net.Listener

	directory *Directory
	chats     *sessionTable
	pending   *pendingTable

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New creates a client. Start does the actual network setup.
func New(config Config, events Events) *Client {
	config.applyDefaults()
	return &Client{
		config:    config,
		events:    events,
		nickname:  config.Nickname,
		directory: NewDirectory(),
		chats:     newSessionTable(),
		pending:   newPendingTable(),
		done:      make(chan struct{}),
	}
}

// SetAcceptPolicy installs the inbound chat request policy. Must be called
// before Start; a nil policy accepts every request.
func (c *Client) SetAcceptPolicy(policy AcceptPolicy) {
	c.acceptPolicy = policy
}

// Directory exposes the peer directory for the command surface.
func (c *Client) Directory() *Directory {
	return c.directory
}

// Nickname returns the nickname this client registered under.
func (c *Client) Nickname() string {
	return c.nickname
}

// Start connects to the server, binds the rendezvous and chat listeners,
// sends REGISTER, and launches the listener goroutines.
func (c *Client) Start() error {
	if c.nickname == "" {
		return errors.New("nickname is required")
	}

	serverConn, err := net.DialTimeout("tcp", c.config.ServerAddr, c.config.DialTimeout)
	if err != nil {
		return fmt.Errorf("failed to connect to server %s: %w", c.config.ServerAddr, err)
	}
	c.serverConn = serverConn

	if host, _, err := net.SplitHostPort(serverConn.LocalAddr().String()); err == nil {
		c.localIP = host
	}

	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		serverConn.Close()
		return fmt.Errorf("failed to bind rendezvous socket: %w", err)
	}
	c.udpConn = udpConn
	c.udpPort = udpConn.LocalAddr().(*net.UDPAddr).Port

	chatListener, err := net.Listen("tcp", ":0")
	if err != nil {
		serverConn.Close()
		udpConn.Close()
		return fmt.Errorf("failed to bind chat listener: %w", err)
	}
	c.chatListener = chatListener
	c.tcpPort = chatListener.Addr().(*net.TCPAddr).Port

	c.running.Store(true)

	if err := c.register(); err != nil {
		c.Stop()
		return err
	}

	c.wg.Add(4)
	go c.serverLoop()
	go c.udpLoop()
	go c.chatAcceptLoop()
	go c.janitorLoop()

	log.Printf("client %s up (udp %d, chat %d)", c.nickname, c.udpPort, c.tcpPort)
	return nil
}

// Stop tears the client down: close every chat session, best-effort
// UNREGISTER, then close all sockets so the listener goroutines unblock.
func (c *Client) Stop() {
	if !c.running.Swap(false) {
		return
	}
	close(c.done)

	c.chats.closeAll()

	frame := protocol.NewFrame(protocol.TypeUnregister, nil)
	frame.SetHeader(protocol.HeaderHost, c.localIP)
	_ = c.writeServer(frame)

	c.serverConn.Close()
	c.udpConn.Close()
	c.chatListener.Close()

	c.wg.Wait()
}

// register announces this client to the server.
func (c *Client) register() error {
	frame, err := protocol.MarshalFrame(protocol.TypeRegister, &protocol.RegisterPayload{
		Nickname: c.nickname,
		IP:       c.localIP,
		UDPPort:  c.udpPort,
	})
	if err != nil {
		return err
	}
	frame.SetHeader(protocol.HeaderHost, c.localIP)
	return c.writeServer(frame)
}

// Broadcast sends a message to every other registered client via the server.
func (c *Client) Broadcast(message string) error {
	frame, err := protocol.MarshalFrame(protocol.TypeBroadcast, &protocol.BroadcastPayload{Message: message})
	if err != nil {
		return err
	}
	frame.SetHeader(protocol.HeaderHost, c.localIP)
	return c.writeServer(frame)
}

// RequestUsers asks the server for a fresh USER_LIST snapshot.
func (c *Client) RequestUsers() error {
	frame := protocol.NewFrame(protocol.TypeGetUsers, nil)
	frame.SetHeader(protocol.HeaderHost, c.localIP)
	return c.writeServer(frame)
}

// RequestHistory asks the server for recent broadcast history.
func (c *Client) RequestHistory(limit int) error {
	frame, err := protocol.MarshalFrame(protocol.TypeGetHistory, &protocol.GetHistoryPayload{Limit: limit})
	if err != nil {
		return err
	}
	frame.SetHeader(protocol.HeaderHost, c.localIP)
	return c.writeServer(frame)
}

// writeServer serializes writes on the server connection.
func (c *Client) writeServer(frame *protocol.Frame) error {
	c.serverWriteMu.Lock()
	defer c.serverWriteMu.Unlock()
	return protocol.EncodeFrame(c.serverConn, frame)
}

// serverLoop handles frames pushed by the server until the connection drops.
func (c *Client) serverLoop() {
	defer c.wg.Done()

	for c.running.Load() {
		frame, err := protocol.DecodeFrame(c.serverConn)
		if err != nil {
			if c.running.Load() && !errors.Is(err, io.EOF) {
				log.Printf("server connection error: %v", err)
			}
			if c.running.Load() {
				c.emitDisconnected()
			}
			return
		}
		c.handleServerFrame(frame)
	}
}

// handleServerFrame dispatches one frame from the server connection.
func (c *Client) handleServerFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeRegisterOK:
		var payload protocol.AckPayload
		_ = protocol.UnmarshalBody(frame, &payload)
		c.emitRegistered(payload.Message)

	case protocol.TypeUnregisterOK:
		var payload protocol.AckPayload
		_ = protocol.UnmarshalBody(frame, &payload)
		c.emitUnregistered(payload.Message)

	case protocol.TypeUserList:
		var payload protocol.UserListPayload
		if err := protocol.UnmarshalBody(frame, &payload); err != nil {
			return
		}
		c.directory.ReplaceAll(payload.Users)
		c.emitUserList(c.directory.List())

	case protocol.TypeUserJoined:
		var payload protocol.UserEventPayload
		if err := protocol.UnmarshalBody(frame, &payload); err != nil {
			return
		}
		peer := PeerDescriptor{Nickname: payload.Nickname, IP: payload.IP, UDPPort: payload.UDPPort}
		c.directory.Insert(peer)
		c.emitUserJoined(peer)

	case protocol.TypeUserLeft:
		var payload protocol.UserEventPayload
		if err := protocol.UnmarshalBody(frame, &payload); err != nil {
			return
		}
		c.directory.Remove(payload.Nickname)
		// a departed peer cannot keep a chat channel open
		c.teardownSession(payload.Nickname)
		c.clearPending(payload.Nickname)
		c.emitUserLeft(payload.Nickname)

	case protocol.TypeBroadcastMsg:
		var payload protocol.BroadcastMsgPayload
		if err := protocol.UnmarshalBody(frame, &payload); err != nil {
			return
		}
		c.emitBroadcastReceived(payload.Sender, payload.Message, payload.Timestamp)

	case protocol.TypeBroadcastOK:
		c.emitBroadcastSent()

	case protocol.TypeHistoryList:
		var payload protocol.HistoryListPayload
		if err := protocol.UnmarshalBody(frame, &payload); err != nil {
			return
		}
		c.emitHistoryReceived(payload.Messages)

	case protocol.TypeError:
		var payload protocol.AckPayload
		_ = protocol.UnmarshalBody(frame, &payload)
		c.emitServerError(payload.Message)

	default:
		log.Printf("ignoring unexpected server frame %s", frame.Type)
	}
}

// emit helpers: every event field is optional.

func (c *Client) emitRegistered(msg string) {
	if c.events.Registered != nil {
		c.events.Registered(msg)
	}
}

func (c *Client) emitUnregistered(msg string) {
	if c.events.Unregistered != nil {
		c.events.Unregistered(msg)
	}
}

func (c *Client) emitServerError(msg string) {
	if c.events.ServerError != nil {
		c.events.ServerError(msg)
	}
}

func (c *Client) emitDisconnected() {
	if c.events.Disconnected != nil {
		c.events.Disconnected()
	}
}

func (c *Client) emitUserList(peers []PeerDescriptor) {
	if c.events.UserList != nil {
		c.events.UserList(peers)
	}
}

func (c *Client) emitUserJoined(peer PeerDescriptor) {
	if c.events.UserJoined != nil {
		c.events.UserJoined(peer)
	}
}

func (c *Client) emitUserLeft(nickname string) {
	if c.events.UserLeft != nil {
		c.events.UserLeft(nickname)
	}
}

func (c *Client) emitBroadcastReceived(sender, message string, sentAt float64) {
	if c.events.BroadcastReceived != nil {
		c.events.BroadcastReceived(sender, message, sentAt)
	}
}

func (c *Client) emitBroadcastSent() {
	if c.events.BroadcastSent != nil {
		c.events.BroadcastSent()
	}
}

func (c *Client) emitHistoryReceived(entries []protocol.HistoryEntry) {
	if c.events.HistoryReceived != nil {
		c.events.HistoryReceived(entries)
	}
}

func (c *Client) emitChatRequested(peer string) {
	if c.events.ChatRequested != nil {
		c.events.ChatRequested(peer)
	}
}

func (c *Client) emitChatResponse(peer string, accepted bool) {
	if c.events.ChatResponse != nil {
		c.events.ChatResponse(peer, accepted)
	}
}

func (c *Client) emitChatRequestExpired(peer string) {
	if c.events.ChatRequestExpired != nil {
		c.events.ChatRequestExpired(peer)
	}
}

func (c *Client) emitChatOpened(peer string) {
	if c.events.ChatOpened != nil {
		c.events.ChatOpened(peer)
	}
}

func (c *Client) emitChatClosed(peer string) {
	if c.events.ChatClosed != nil {
		c.events.ChatClosed(peer)
	}
}

func (c *Client) emitChatMessage(peer, message, timestamp string) {
	if c.events.ChatMessage != nil {
		c.events.ChatMessage(peer, message, timestamp)
	}
}
