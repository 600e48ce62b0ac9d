package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/peerchat-io/peerchat/pkg/history"
	"github.com/peerchat-io/peerchat/pkg/protocol"
)

// debugLog is discarded unless EnableDebugLogging is called.
var debugLog = log.New(io.Discard, "", log.LstdFlags)

// EnableDebugLogging routes per-frame debug output to the standard logger.
func EnableDebugLogging() {
	debugLog = log.New(log.Writer(), "debug: ", log.LstdFlags|log.Lmicroseconds)
}

// Server is the rendezvous server: it owns the registry of connected clients,
// relays broadcasts, and answers peer-list queries. Clients reach it over raw
// TCP or over WebSocket; both transports carry the same frames.
type Server struct {
	config     Config
	sessions   *SessionManager
	history    *history.Store
	metrics    *Metrics
	registry   *prometheus.Registry
	listener   net.Listener
	httpServer *http.Server
	shutdown   chan struct{}
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

// NewServer creates a server. The history store may be nil, in which case
// broadcasts are not recorded and GET_HISTORY returns an empty list.
func NewServer(config Config, hist *history.Store) *Server {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	sessions := NewSessionManager()
	sessions.SetMetrics(metrics)

	return &Server{
		config:   config,
		sessions: sessions,
		history:  hist,
		metrics:  metrics,
		registry: registry,
		shutdown: make(chan struct{}),
	}
}

// Addr returns the TCP listen address, valid after Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start begins accepting connections. With HTTPPort > 0 an HTTP listener also
// comes up, serving /ws (WebSocket transport) and /metrics (Prometheus).
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("TCP server listening on %s", listener.Addr())

	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

		s.httpServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler: mux,
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			log.Printf("HTTP server listening on %s (/ws, /metrics)", s.httpServer.Addr)
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the listeners and every client connection, then waits for the
// connection goroutines to drain. Safe to call more than once; later calls
// are no-ops.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.shutdown)

		if s.listener != nil {
			s.listener.Close()
		}
		if s.httpServer != nil {
			s.httpServer.Close()
		}

		s.sessions.CloseAll()
		s.wg.Wait()

		if s.history != nil {
			err = s.history.Close()
		}
	})
	return err
}

// acceptLoop accepts TCP connections until shutdown.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				log.Printf("accept error: %v", err)
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(conn)
		}()
	}
}

// handleConnection runs the frame loop for one client connection, regardless
// of transport. A read failure or close on a registered connection is treated
// like UNREGISTER without the confirmation reply.
func (s *Server) handleConnection(conn net.Conn) {
	sess := s.sessions.Add(conn)
	defer s.disconnect(sess)

	debugLog.Printf("new connection from %s (session %s)", conn.RemoteAddr(), sess.ID)

	for {
		frame, err := protocol.DecodeFrame(sess.Conn)
		if err != nil {
			if errors.Is(err, io.EOF) {
				debugLog.Printf("session %s disconnected", sess.ID)
			} else {
				debugLog.Printf("session %s read error: %v", sess.ID, err)
			}
			return
		}

		if s.metrics != nil {
			s.metrics.RecordMessageReceived(frame.Type)
		}
		debugLog.Printf("session %s ← %s (%d body bytes)", sess.ID, frame.Type, len(frame.Body))

		if err := s.handleMessage(sess, frame); err != nil {
			log.Printf("session %s handle %s error: %v", sess.ID, frame.Type, err)
			return
		}
	}
}

// handleMessage dispatches a frame to the appropriate handler.
func (s *Server) handleMessage(sess *Session, frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeRegister:
		return s.handleRegister(sess, frame)
	case protocol.TypeUnregister:
		return s.handleUnregister(sess)
	case protocol.TypeBroadcast:
		return s.handleBroadcast(sess, frame)
	case protocol.TypeGetUsers:
		return s.handleGetUsers(sess)
	case protocol.TypeGetHistory:
		return s.handleGetHistory(sess, frame)
	default:
		return s.sendError(sess, fmt.Sprintf("unknown message type: %s", frame.Type))
	}
}

// disconnect tears down a session. If it was still registered, the remaining
// clients get the same USER_LEFT broadcast a graceful UNREGISTER produces.
func (s *Server) disconnect(sess *Session) {
	entry, wasRegistered := s.sessions.Unregister(sess)
	s.sessions.Remove(sess.ID)

	if wasRegistered {
		log.Printf("client %s disconnected", entry.Nickname)
		s.broadcastUserEvent(protocol.TypeUserLeft, entry, sess)
	}
}

// broadcastUserEvent fans out USER_JOINED / USER_LEFT to every registered
// session except the subject's own.
func (s *Server) broadcastUserEvent(eventType string, entry protocol.UserEntry, exclude *Session) {
	frame, err := protocol.MarshalFrame(eventType, &protocol.UserEventPayload{
		Nickname:  entry.Nickname,
		IP:        entry.IP,
		UDPPort:   entry.UDPPort,
		Timestamp: protocol.UnixNow(),
	})
	if err != nil {
		log.Printf("encode %s: %v", eventType, err)
		return
	}
	s.sessions.Broadcast(frame, exclude)
}

// recordBroadcast appends a relayed broadcast to the history store, if any.
func (s *Server) recordBroadcast(sender, message string, ts float64) {
	if s.history == nil {
		return
	}
	if err := s.history.Append(sender, message, ts); err != nil {
		log.Printf("history append failed: %v", err)
	}
}
