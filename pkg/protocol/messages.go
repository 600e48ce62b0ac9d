package protocol

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"
)

// Message types, client → server
const (
	TypeRegister   = "REGISTER"
	TypeUnregister = "UNREGISTER"
	TypeBroadcast  = "BROADCAST"
	TypeGetUsers   = "GET_USERS"
	TypeGetHistory = "GET_HISTORY"
)

// Message types, server → client
const (
	TypeRegisterOK   = "REGISTER_OK"
	TypeUnregisterOK = "UNREGISTER_OK"
	TypeBroadcastOK  = "BROADCAST_OK"
	TypeBroadcastMsg = "BROADCAST_MSG"
	TypeUserList     = "USER_LIST"
	TypeUserJoined   = "USER_JOINED"
	TypeUserLeft     = "USER_LEFT"
	TypeHistoryList  = "HISTORY_LIST"
	TypeError        = "ERROR"
)

// Message types, client ↔ client
const (
	TypeChatRequest  = "CHAT_REQUEST"  // UDP
	TypeChatResponse = "CHAT_RESPONSE" // UDP
	TypeChatHello    = "CHAT_HELLO"    // TCP, first frame of a session
	TypeChatMsg      = "CHAT_MSG"      // TCP
	TypeChatClose    = "CHAT_CLOSE"    // TCP
)

// RegisterPayload is the REGISTER body. The client's perceived IP also
// travels in the Host header; the body ip wins only when the header is empty.
type RegisterPayload struct {
	Nickname string `json:"nickname"`
	IP       string `json:"ip,omitempty"`
	UDPPort  int    `json:"udp_port"`
}

// AckPayload is the body of REGISTER_OK, UNREGISTER_OK, BROADCAST_OK and ERROR.
type AckPayload struct {
	Message string `json:"message"`
}

// BroadcastPayload is the BROADCAST body.
type BroadcastPayload struct {
	Message string `json:"message"`
}

// BroadcastMsgPayload is the BROADCAST_MSG body relayed to every other client.
type BroadcastMsgPayload struct {
	Sender    string  `json:"sender"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"` // unix seconds
}

// UserEntry describes one registered peer.
type UserEntry struct {
	Nickname string `json:"nickname"`
	IP       string `json:"ip"`
	UDPPort  int    `json:"udp_port"`
}

// UserListPayload is the USER_LIST body.
type UserListPayload struct {
	Users []UserEntry `json:"users"`
}

// UserEventPayload is the USER_JOINED / USER_LEFT body.
type UserEventPayload struct {
	Nickname  string  `json:"nickname"`
	IP        string  `json:"ip"`
	UDPPort   int     `json:"udp_port"`
	Timestamp float64 `json:"timestamp"`
}

// GetHistoryPayload is the GET_HISTORY body.
type GetHistoryPayload struct {
	Limit int `json:"limit,omitempty"`
}

// HistoryEntry is one recorded broadcast.
type HistoryEntry struct {
	Sender    string  `json:"sender"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

// HistoryListPayload is the HISTORY_LIST body.
type HistoryListPayload struct {
	Messages []HistoryEntry `json:"messages"`
}

// ChatRequestPayload is the CHAT_REQUEST body. The requester's nickname and
// correlation ID travel in the From and Request-ID headers.
type ChatRequestPayload struct {
	TCPPort int `json:"tcp_port"`
}

// ChatResponsePayload is the CHAT_RESPONSE body.
type ChatResponsePayload struct {
	Accepted bool `json:"accepted"`
	TCPPort  int  `json:"tcp_port"`
}

// ChatHelloPayload identifies the dialer on a fresh chat connection.
type ChatHelloPayload struct {
	Nickname string `json:"nickname"`
}

// ChatMsgPayload is the CHAT_MSG body; the human-readable send time travels
// in the Timestamp header.
type ChatMsgPayload struct {
	Message string `json:"message"`
}

// MarshalFrame builds a frame of the given type with a JSON-encoded body.
func MarshalFrame(msgType string, payload any) (*Frame, error) {
	frame := NewFrame(msgType, nil)
	if payload == nil {
		return frame, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", msgType, err)
	}
	frame.Body = body
	return frame, nil
}

// UnmarshalBody decodes a frame's JSON body into payload. An empty body
// leaves payload at its zero value, matching senders that omit bodies.
func UnmarshalBody(frame *Frame, payload any) error {
	if len(frame.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(frame.Body, payload); err != nil {
		return fmt.Errorf("decode %s body: %w", frame.Type, err)
	}
	return nil
}

// NewRequestID builds the correlation ID carried on CHAT_REQUEST frames:
// {nickname}_{unix-time}_{random 4-digit}.
func NewRequestID(nickname string) string {
	return fmt.Sprintf("%s_%d_%04d", nickname, time.Now().Unix(), 1000+rand.Intn(9000))
}

// UnixNow returns the current time as unix seconds, the timestamp form used
// in message bodies.
func UnixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
