package integration

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/test/testhelpers"
)

// TestGracefulShutdownWithClients verifies that queued traffic is delivered
// and every client is disconnected when the stack stops.
func TestGracefulShutdownWithClients(t *testing.T) {
	stack := testhelpers.StartStack(t, testhelpers.DefaultConfig())

	sender := stack.DialTCP(t)
	tcpPeer := stack.DialTCP(t)
	wsPeer := stack.ConnectWebSocket(t)

	const n = 20
	for i := 0; i < n; i++ {
		sender.Send(t, fmt.Sprintf("burst %02d", i))
	}
	stack.WaitHistory(t, n)

	require.NoError(t, stack.Stop())
	assert.Equal(t, chat.StateStopped, stack.Chat.State())
	assert.Equal(t, chat.BroadcasterStopped, stack.Chat.BroadcasterState())
	assert.Empty(t, stack.Chat.Members())

	got := tcpPeer.ReadN(t, n)
	assert.Equal(t, "client-0.0: burst 00", got[0])
	assert.Equal(t, "client-0.0: burst 19", got[n-1])
	tcpPeer.ExpectClosed(t)
	sender.ExpectClosed(t)

	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("client-0.0: burst %02d", i), testhelpers.ReceiveMessage(t, wsPeer))
	}
	_, _, err := wsPeer.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

// TestNoNewConnectionsAfterShutdown verifies that both listeners are gone.
func TestNoNewConnectionsAfterShutdown(t *testing.T) {
	stack := testhelpers.StartStack(t, testhelpers.DefaultConfig())
	require.NoError(t, stack.Stop())

	_, err := net.DialTimeout("tcp", stack.TCPAddr, time.Second)
	assert.Error(t, err)

	_, err = testhelpers.DialWebSocket(stack.WSURL, testhelpers.TestOrigin)
	assert.Error(t, err)

	assert.ErrorIs(t, stack.Chat.Enqueue([]byte("late"), chat.NoClient), chat.ErrQueueClosed)
}

// TestNoClientsShutdown verifies a quiet server stops promptly.
func TestNoClientsShutdown(t *testing.T) {
	stack := testhelpers.StartStack(t, testhelpers.DefaultConfig())

	start := time.Now()
	require.NoError(t, stack.Stop())
	assert.Less(t, time.Since(start), time.Second)
	assert.NoError(t, stack.Stop(), "second stop is a no-op")
}
