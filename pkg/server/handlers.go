package server

import (
	"fmt"
	"log"
	"net"

	"github.com/peerchat-io/peerchat/pkg/protocol"
)

// handleRegister handles REGISTER: validate, claim the nickname, confirm,
// send the current user list, then announce the newcomer to everyone else.
func (s *Server) handleRegister(sess *Session, frame *protocol.Frame) error {
	var payload protocol.RegisterPayload
	if err := protocol.UnmarshalBody(frame, &payload); err != nil {
		return s.sendError(sess, "invalid REGISTER body")
	}

	ip := frame.Header(protocol.HeaderHost)
	if ip == "" {
		ip = payload.IP
	}
	if ip == "" {
		// last resort: the address the connection arrived from
		if host, _, err := net.SplitHostPort(sess.Conn.RemoteAddr().String()); err == nil {
			ip = host
		}
	}

	if payload.Nickname == "" || ip == "" || payload.UDPPort == 0 {
		return s.sendError(sess, "missing field: nickname, ip and udp_port are required")
	}

	if err := s.sessions.Register(sess, payload.Nickname, ip, payload.UDPPort); err != nil {
		return s.sendError(sess, fmt.Sprintf("nickname %s already exists", payload.Nickname))
	}

	if err := s.sendMessage(sess, protocol.TypeRegisterOK, &protocol.AckPayload{
		Message: fmt.Sprintf("registered as %s", payload.Nickname),
	}); err != nil {
		return err
	}

	if err := s.sendUserList(sess); err != nil {
		return err
	}

	entry := protocol.UserEntry{Nickname: payload.Nickname, IP: ip, UDPPort: payload.UDPPort}
	s.broadcastUserEvent(protocol.TypeUserJoined, entry, sess)

	log.Printf("client %s registered from %s:%d", payload.Nickname, ip, payload.UDPPort)
	return nil
}

// handleUnregister handles UNREGISTER. A connection without a registry record
// is a silent no-op.
func (s *Server) handleUnregister(sess *Session) error {
	entry, ok := s.sessions.Unregister(sess)
	if !ok {
		return nil
	}

	if err := s.sendMessage(sess, protocol.TypeUnregisterOK, &protocol.AckPayload{
		Message: fmt.Sprintf("unregistered %s", entry.Nickname),
	}); err != nil {
		return err
	}

	s.broadcastUserEvent(protocol.TypeUserLeft, entry, sess)
	log.Printf("client %s unregistered", entry.Nickname)
	return nil
}

// handleBroadcast relays a message to every other registered client, then
// confirms to the sender. Per-recipient failures are logged inside Broadcast
// and never fail the operation.
func (s *Server) handleBroadcast(sess *Session, frame *protocol.Frame) error {
	entry, ok := sess.Entry()
	if !ok {
		return s.sendError(sess, "not registered")
	}

	var payload protocol.BroadcastPayload
	if err := protocol.UnmarshalBody(frame, &payload); err != nil {
		return s.sendError(sess, "invalid BROADCAST body")
	}

	if s.config.MaxBodyLength > 0 && len(payload.Message) > s.config.MaxBodyLength {
		return s.sendError(sess, fmt.Sprintf("message too long (max %d bytes)", s.config.MaxBodyLength))
	}

	ts := protocol.UnixNow()
	relay, err := protocol.MarshalFrame(protocol.TypeBroadcastMsg, &protocol.BroadcastMsgPayload{
		Sender:    entry.Nickname,
		Message:   payload.Message,
		Timestamp: ts,
	})
	if err != nil {
		return err
	}

	delivered := s.sessions.Broadcast(relay, sess)
	s.recordBroadcast(entry.Nickname, payload.Message, ts)
	debugLog.Printf("broadcast from %s delivered to %d clients", entry.Nickname, delivered)

	return s.sendMessage(sess, protocol.TypeBroadcastOK, &protocol.AckPayload{Message: "message broadcasted"})
}

// handleGetUsers replies with the registry contents, excluding the caller.
func (s *Server) handleGetUsers(sess *Session) error {
	return s.sendUserList(sess)
}

// handleGetHistory replies with recent recorded broadcasts.
func (s *Server) handleGetHistory(sess *Session, frame *protocol.Frame) error {
	var payload protocol.GetHistoryPayload
	if err := protocol.UnmarshalBody(frame, &payload); err != nil {
		return s.sendError(sess, "invalid GET_HISTORY body")
	}

	limit := payload.Limit
	if limit <= 0 || limit > s.config.HistoryLimit {
		limit = s.config.HistoryLimit
	}

	entries := []protocol.HistoryEntry{}
	if s.history != nil {
		records, err := s.history.Recent(limit)
		if err != nil {
			log.Printf("history query failed: %v", err)
			return s.sendError(sess, "history unavailable")
		}
		for _, rec := range records {
			entries = append(entries, protocol.HistoryEntry{
				Sender:    rec.Sender,
				Message:   rec.Message,
				Timestamp: rec.Timestamp,
			})
		}
	}

	return s.sendMessage(sess, protocol.TypeHistoryList, &protocol.HistoryListPayload{Messages: entries})
}

// sendUserList sends USER_LIST with every registered client except sess.
func (s *Server) sendUserList(sess *Session) error {
	users := s.sessions.UserList(sess)
	return s.sendMessage(sess, protocol.TypeUserList, &protocol.UserListPayload{Users: users})
}

// sendMessage encodes a payload and writes the frame to one session.
func (s *Server) sendMessage(sess *Session, msgType string, payload any) error {
	frame, err := protocol.MarshalFrame(msgType, payload)
	if err != nil {
		return err
	}

	debugLog.Printf("session %s → %s (%d body bytes)", sess.ID, msgType, len(frame.Body))
	if s.metrics != nil {
		s.metrics.RecordMessageSent(msgType)
	}
	return sess.Conn.WriteFrame(frame)
}

// sendError sends an ERROR frame; the connection stays open.
func (s *Server) sendError(sess *Session, message string) error {
	return s.sendMessage(sess, protocol.TypeError, &protocol.AckPayload{Message: message})
}
