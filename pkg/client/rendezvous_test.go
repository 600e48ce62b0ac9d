package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peerchat-io/peerchat/pkg/protocol"
)

func TestPendingTableExpiry(t *testing.T) {
	table := newPendingTable()
	now := time.Now()

	table.put(pendingRequest{Peer: "bob", RequestID: "r1", Deadline: now.Add(time.Second)})
	table.put(pendingRequest{Peer: "carol", RequestID: "r2", Deadline: now.Add(time.Minute)})

	expired := table.expired(now.Add(2 * time.Second))
	require.Len(t, expired, 1)
	assert.Equal(t, "bob", expired[0].Peer)
	assert.Equal(t, "r1", expired[0].RequestID)

	// expiry is destructive: a second sweep finds nothing
	assert.Empty(t, table.expired(now.Add(2*time.Second)))

	// the not-yet-due entry is still tracked
	expired = table.expired(now.Add(2 * time.Minute))
	require.Len(t, expired, 1)
	assert.Equal(t, "carol", expired[0].Peer)
}

func TestPendingTableRemoveResolvesEntry(t *testing.T) {
	table := newPendingTable()
	table.put(pendingRequest{Peer: "bob", RequestID: "r1", Deadline: time.Now()})
	table.remove("bob")

	assert.Empty(t, table.expired(time.Now().Add(time.Hour)))
}

// responseFrame builds a CHAT_RESPONSE datagram the way a responding peer does.
func responseFrame(t *testing.T, from, requestID string, accepted bool) *protocol.Frame {
	t.Helper()
	frame, err := protocol.MarshalFrame(protocol.TypeChatResponse, &protocol.ChatResponsePayload{
		Accepted: accepted,
		TCPPort:  9000,
	})
	require.NoError(t, err)
	frame.SetHeader(protocol.HeaderFrom, from)
	frame.SetHeader(protocol.HeaderRequestID, requestID)
	return frame
}

func TestChatResponseCorrelation(t *testing.T) {
	responses := make(chan bool, 4)
	c := &Client{
		pending: newPendingTable(),
		chats:   newSessionTable(),
		events: Events{
			ChatResponse: func(peer string, accepted bool) { responses <- accepted },
		},
	}
	c.pending.put(pendingRequest{Peer: "bob", RequestID: "r1", Deadline: time.Now().Add(time.Minute)})

	// a decline with the wrong Request-ID must not cancel the live request
	c.handleChatResponse(responseFrame(t, "bob", "forged", false))
	assert.Empty(t, responses)
	_, ok := c.pending.get("bob")
	assert.True(t, ok, "pending request survives a spoofed decline")

	// a response for a peer with no outstanding request is stale
	c.handleChatResponse(responseFrame(t, "carol", "r9", false))
	assert.Empty(t, responses)

	// the genuine decline resolves the request and surfaces the event
	c.handleChatResponse(responseFrame(t, "bob", "r1", false))
	assert.False(t, <-responses)
	_, ok = c.pending.get("bob")
	assert.False(t, ok)
}

func TestChatResponseAcceptKeepsPending(t *testing.T) {
	responses := make(chan bool, 1)
	c := &Client{
		pending: newPendingTable(),
		chats:   newSessionTable(),
		events: Events{
			ChatResponse: func(peer string, accepted bool) { responses <- accepted },
		},
	}
	c.pending.put(pendingRequest{Peer: "bob", RequestID: "r1", Deadline: time.Now().Add(time.Minute)})

	c.handleChatResponse(responseFrame(t, "bob", "r1", true))
	assert.True(t, <-responses)

	// an acceptance is not a session; the entry waits for the dial-back
	_, ok := c.pending.get("bob")
	assert.True(t, ok)
}

func TestPendingTablePutReplaces(t *testing.T) {
	table := newPendingTable()
	now := time.Now()

	table.put(pendingRequest{Peer: "bob", RequestID: "r1", Deadline: now.Add(-time.Second)})
	table.put(pendingRequest{Peer: "bob", RequestID: "r2", Deadline: now.Add(time.Hour)})

	// the fresh request superseded the stale one
	assert.Empty(t, table.expired(now))
}
