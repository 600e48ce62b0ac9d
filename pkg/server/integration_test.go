package server

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat-io/peerchat/pkg/history"
	"github.com/peerchat-io/peerchat/pkg/protocol"
)

// startTestServer starts a real server on a random port, without HTTP.
func startTestServer(t *testing.T, config Config, hist *history.Store) *Server {
	t.Helper()
	config.TCPPort = 0
	config.HTTPPort = 0
	srv := NewServer(config, hist)
	require.NoError(t, srv.Start())
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func connectTCPClient(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, msgType string, payload any) {
	t.Helper()
	frame, err := protocol.MarshalFrame(msgType, payload)
	require.NoError(t, err)
	require.NoError(t, protocol.EncodeFrame(conn, frame))
}

// readFrame reads one frame with a deadline so a missing reply fails the test
// instead of hanging it.
func readFrame(t *testing.T, conn net.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	frame, err := protocol.DecodeFrame(conn)
	require.NoError(t, err)
	require.NoError(t, conn.SetReadDeadline(time.Time{}))
	return frame
}

// registerClient performs a REGISTER and consumes the REGISTER_OK and
// USER_LIST replies, returning the user list.
func registerClient(t *testing.T, conn net.Conn, nickname string, udpPort int) []protocol.UserEntry {
	t.Helper()
	sendFrame(t, conn, protocol.TypeRegister, &protocol.RegisterPayload{
		Nickname: nickname,
		IP:       "127.0.0.1",
		UDPPort:  udpPort,
	})

	ok := readFrame(t, conn)
	require.Equal(t, protocol.TypeRegisterOK, ok.Type)

	list := readFrame(t, conn)
	require.Equal(t, protocol.TypeUserList, list.Type)

	var payload protocol.UserListPayload
	require.NoError(t, protocol.UnmarshalBody(list, &payload))
	return payload.Users
}

func TestRegisterFlow(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	alice := connectTCPClient(t, srv)
	users := registerClient(t, alice, "alice", 5000)
	assert.Empty(t, users, "first client sees an empty user list")

	bob := connectTCPClient(t, srv)
	users = registerClient(t, bob, "bob", 5001)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Nickname)
	assert.Equal(t, 5000, users[0].UDPPort)

	// alice is told about bob
	joined := readFrame(t, alice)
	require.Equal(t, protocol.TypeUserJoined, joined.Type)
	var event protocol.UserEventPayload
	require.NoError(t, protocol.UnmarshalBody(joined, &event))
	assert.Equal(t, "bob", event.Nickname)
	assert.Equal(t, 5001, event.UDPPort)
}

func TestRegisterDuplicateNickname(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	alice := connectTCPClient(t, srv)
	registerClient(t, alice, "alice", 5000)

	impostor := connectTCPClient(t, srv)
	sendFrame(t, impostor, protocol.TypeRegister, &protocol.RegisterPayload{
		Nickname: "alice",
		IP:       "127.0.0.1",
		UDPPort:  5001,
	})

	reply := readFrame(t, impostor)
	assert.Equal(t, protocol.TypeError, reply.Type)
	var payload protocol.AckPayload
	require.NoError(t, protocol.UnmarshalBody(reply, &payload))
	assert.Contains(t, payload.Message, "alice")

	// the connection survives the rejection and can retry
	sendFrame(t, impostor, protocol.TypeRegister, &protocol.RegisterPayload{
		Nickname: "bob",
		IP:       "127.0.0.1",
		UDPPort:  5001,
	})
	ok := readFrame(t, impostor)
	assert.Equal(t, protocol.TypeRegisterOK, ok.Type)
}

func TestRegisterMissingFields(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	conn := connectTCPClient(t, srv)
	sendFrame(t, conn, protocol.TypeRegister, &protocol.RegisterPayload{
		IP:      "127.0.0.1",
		UDPPort: 5000,
	})

	reply := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, reply.Type)
}

func TestBroadcastReachesEveryoneButSender(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	alice := connectTCPClient(t, srv)
	registerClient(t, alice, "alice", 5000)
	bob := connectTCPClient(t, srv)
	registerClient(t, bob, "bob", 5001)
	carol := connectTCPClient(t, srv)
	registerClient(t, carol, "carol", 5002)

	// drain the USER_JOINED notifications from the later registrations
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, alice).Type)
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, alice).Type)
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, bob).Type)

	sendFrame(t, alice, protocol.TypeBroadcast, &protocol.BroadcastPayload{Message: "hello everyone"})

	for _, conn := range []net.Conn{bob, carol} {
		frame := readFrame(t, conn)
		require.Equal(t, protocol.TypeBroadcastMsg, frame.Type)
		var payload protocol.BroadcastMsgPayload
		require.NoError(t, protocol.UnmarshalBody(frame, &payload))
		assert.Equal(t, "alice", payload.Sender)
		assert.Equal(t, "hello everyone", payload.Message)
		assert.InDelta(t, protocol.UnixNow(), payload.Timestamp, 5)
	}

	// the sender only gets the confirmation
	ok := readFrame(t, alice)
	assert.Equal(t, protocol.TypeBroadcastOK, ok.Type)
}

func TestBroadcastRequiresRegistration(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	conn := connectTCPClient(t, srv)
	sendFrame(t, conn, protocol.TypeBroadcast, &protocol.BroadcastPayload{Message: "hi"})

	reply := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, reply.Type)
	var payload protocol.AckPayload
	require.NoError(t, protocol.UnmarshalBody(reply, &payload))
	assert.Equal(t, "not registered", payload.Message)
}

func TestBroadcastMessageTooLong(t *testing.T) {
	config := DefaultConfig()
	config.MaxBodyLength = 16
	srv := startTestServer(t, config, nil)

	conn := connectTCPClient(t, srv)
	registerClient(t, conn, "alice", 5000)

	sendFrame(t, conn, protocol.TypeBroadcast, &protocol.BroadcastPayload{
		Message: "this message is much longer than sixteen bytes",
	})

	reply := readFrame(t, conn)
	assert.Equal(t, protocol.TypeError, reply.Type)
}

func TestUnregisterAnnouncesDeparture(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	alice := connectTCPClient(t, srv)
	registerClient(t, alice, "alice", 5000)
	bob := connectTCPClient(t, srv)
	registerClient(t, bob, "bob", 5001)
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, alice).Type)

	sendFrame(t, bob, protocol.TypeUnregister, nil)
	ok := readFrame(t, bob)
	require.Equal(t, protocol.TypeUnregisterOK, ok.Type)

	left := readFrame(t, alice)
	require.Equal(t, protocol.TypeUserLeft, left.Type)
	var event protocol.UserEventPayload
	require.NoError(t, protocol.UnmarshalBody(left, &event))
	assert.Equal(t, "bob", event.Nickname)
}

func TestAbruptDisconnectAnnouncesDeparture(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	alice := connectTCPClient(t, srv)
	registerClient(t, alice, "alice", 5000)
	bob := connectTCPClient(t, srv)
	registerClient(t, bob, "bob", 5001)
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, alice).Type)

	bob.Close()

	left := readFrame(t, alice)
	require.Equal(t, protocol.TypeUserLeft, left.Type)
	var event protocol.UserEventPayload
	require.NoError(t, protocol.UnmarshalBody(left, &event))
	assert.Equal(t, "bob", event.Nickname)
}

func TestGetUsersRefreshesSnapshot(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	alice := connectTCPClient(t, srv)
	registerClient(t, alice, "alice", 5000)
	bob := connectTCPClient(t, srv)
	registerClient(t, bob, "bob", 5001)
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, alice).Type)

	sendFrame(t, alice, protocol.TypeGetUsers, nil)
	list := readFrame(t, alice)
	require.Equal(t, protocol.TypeUserList, list.Type)

	var payload protocol.UserListPayload
	require.NoError(t, protocol.UnmarshalBody(list, &payload))
	require.Len(t, payload.Users, 1)
	assert.Equal(t, "bob", payload.Users[0].Nickname)
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	conn := connectTCPClient(t, srv)
	sendFrame(t, conn, "MAKE_COFFEE", nil)

	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeError, reply.Type)
	var payload protocol.AckPayload
	require.NoError(t, protocol.UnmarshalBody(reply, &payload))
	assert.Contains(t, payload.Message, "MAKE_COFFEE")

	// still usable afterwards
	registerClient(t, conn, "alice", 5000)
}

func TestStopIsIdempotent(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	require.NoError(t, srv.Stop())
	assert.NotPanics(t, func() { srv.Stop() })
}

func TestHostileContentLengthOnlyDropsSender(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	alice := connectTCPClient(t, srv)
	registerClient(t, alice, "alice", 5000)

	// a frame declaring an absurd body length fails the decode and costs the
	// sender its connection, nothing more
	hostile := connectTCPClient(t, srv)
	_, err := hostile.Write([]byte("BROADCAST 1.0\r\nContent-Length: 9223372036854775807\r\n\r\n"))
	require.NoError(t, err)

	require.NoError(t, hostile.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1)
	_, err = hostile.Read(buf)
	assert.Error(t, err, "the hostile connection gets closed")

	// the server keeps serving everyone else
	sendFrame(t, alice, protocol.TypeGetUsers, nil)
	list := readFrame(t, alice)
	assert.Equal(t, protocol.TypeUserList, list.Type)

	late := connectTCPClient(t, srv)
	registerClient(t, late, "bob", 5001)
}

func TestGetHistoryWithoutStore(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	conn := connectTCPClient(t, srv)
	registerClient(t, conn, "alice", 5000)

	sendFrame(t, conn, protocol.TypeGetHistory, &protocol.GetHistoryPayload{Limit: 10})
	reply := readFrame(t, conn)
	require.Equal(t, protocol.TypeHistoryList, reply.Type)

	var payload protocol.HistoryListPayload
	require.NoError(t, protocol.UnmarshalBody(reply, &payload))
	assert.Empty(t, payload.Messages)
}

// wsReadFrame reads one WebSocket message and decodes it as a frame. The
// server writes each frame as a single binary message.
func wsReadFrame(t *testing.T, ws *websocket.Conn) *protocol.Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	frame, err := protocol.DecodeDatagram(data)
	require.NoError(t, err)
	return frame
}

func TestWebSocketTransport(t *testing.T) {
	srv := startTestServer(t, DefaultConfig(), nil)

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(httpSrv.Close)

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })

	// register over WebSocket
	frame, err := protocol.MarshalFrame(protocol.TypeRegister, &protocol.RegisterPayload{
		Nickname: "wanda",
		IP:       "127.0.0.1",
		UDPPort:  5000,
	})
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.BinaryMessage, frame.Encode()))

	ok := wsReadFrame(t, ws)
	require.Equal(t, protocol.TypeRegisterOK, ok.Type)
	require.Equal(t, protocol.TypeUserList, wsReadFrame(t, ws).Type)

	// a TCP client and the WebSocket client share one registry
	tcp := connectTCPClient(t, srv)
	users := registerClient(t, tcp, "tom", 5001)
	require.Len(t, users, 1)
	assert.Equal(t, "wanda", users[0].Nickname)

	joined := wsReadFrame(t, ws)
	require.Equal(t, protocol.TypeUserJoined, joined.Type)

	// broadcasts cross the transport boundary in both directions
	sendFrame(t, tcp, protocol.TypeBroadcast, &protocol.BroadcastPayload{Message: "over the wire"})
	require.Equal(t, protocol.TypeBroadcastOK, readFrame(t, tcp).Type)

	msg := wsReadFrame(t, ws)
	require.Equal(t, protocol.TypeBroadcastMsg, msg.Type)
	var payload protocol.BroadcastMsgPayload
	require.NoError(t, protocol.UnmarshalBody(msg, &payload))
	assert.Equal(t, "tom", payload.Sender)
	assert.Equal(t, "over the wire", payload.Message)
}

func TestGetHistoryReturnsRecordedBroadcasts(t *testing.T) {
	hist, err := history.Open(t.TempDir() + "/history.db")
	require.NoError(t, err)

	srv := startTestServer(t, DefaultConfig(), hist)

	alice := connectTCPClient(t, srv)
	registerClient(t, alice, "alice", 5000)
	bob := connectTCPClient(t, srv)
	registerClient(t, bob, "bob", 5001)
	require.Equal(t, protocol.TypeUserJoined, readFrame(t, alice).Type)

	sendFrame(t, alice, protocol.TypeBroadcast, &protocol.BroadcastPayload{Message: "for the record"})
	require.Equal(t, protocol.TypeBroadcastOK, readFrame(t, alice).Type)
	require.Equal(t, protocol.TypeBroadcastMsg, readFrame(t, bob).Type)

	sendFrame(t, bob, protocol.TypeGetHistory, &protocol.GetHistoryPayload{Limit: 10})
	reply := readFrame(t, bob)
	require.Equal(t, protocol.TypeHistoryList, reply.Type)

	var payload protocol.HistoryListPayload
	require.NoError(t, protocol.UnmarshalBody(reply, &payload))
	require.Len(t, payload.Messages, 1)
	assert.Equal(t, "alice", payload.Messages[0].Sender)
	assert.Equal(t, "for the record", payload.Messages[0].Message)
}
