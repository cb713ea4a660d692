// Package testhelpers provides common utilities for the relaychat end-to-end
// tests.
//
// StartStack wires the chat core with both transports on loopback ports the
// same way cmd/server does, and the client helpers speak the TCP line protocol
// and the WebSocket JSON protocol.
package testhelpers

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/server"
)

// TestOrigin is the Origin header sent by WebSocket helpers and allowed by
// DefaultConfig.
const TestOrigin = "http://localhost:8080"

// ReadTimeout bounds every blocking read in the helpers.
const ReadTimeout = 2 * time.Second

// DefaultConfig returns a configuration bound to loopback ephemeral ports with
// a generous rate limit and no history replay.
func DefaultConfig() server.Config {
	cfg := *server.NewConfig()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.HistoryReplay = 0
	cfg.AllowedOrigins = []string{TestOrigin}
	cfg.RateLimit = server.RateLimitConfig{Burst: 1000, RefillInterval: time.Second}
	cfg.ShutdownTimeout = 2 * time.Second
	return cfg
}

// Stack is a running chat server with both transports.
type Stack struct {
	Chat *chat.Server
	TCP  *server.TCPServer
	HTTP *http.Server

	TCPAddr string
	HTTPURL string
	WSURL   string

	cfg    server.Config
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// StartStack starts a stack for cfg and stops it when the test ends.
func StartStack(t *testing.T, cfg server.Config) *Stack {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := &Stack{cfg: cfg}

	var httpLn net.Listener
	s.Chat = chat.New(
		chat.WithCapacity(cfg.MaxClients),
		chat.WithHistorySize(cfg.HistorySize),
		chat.WithEventSink(chat.NewLogSink(log)),
		chat.WithHook(chat.StartHook{
			Name: "tcp listener",
			Fn:   func() error { return s.TCP.Listen() },
			Stop: func() { _ = s.TCP.Close() },
		}),
		chat.WithStartHook("http listener", func() error {
			ln, err := net.Listen("tcp", cfg.HTTPAddr)
			httpLn = ln
			return err
		}),
	)
	s.TCP = server.NewTCPServer(cfg, s.Chat, log)
	require.NoError(t, s.Chat.Start())

	s.TCPAddr = s.TCP.Addr().String()
	s.HTTPURL = "http://" + httpLn.Addr().String()
	s.WSURL = "ws://" + httpLn.Addr().String() + "/ws"
	s.HTTP = server.CreateServer(cfg.HTTPAddr, server.SetupRoutes(server.NewHandlers(cfg, s.Chat, log)))

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		_ = s.TCP.Serve(ctx)
	}()
	go func() {
		defer s.wg.Done()
		_ = server.StartServer(ctx, s.HTTP, httpLn, cfg.ShutdownTimeout, log)
	}()

	t.Cleanup(func() { _ = s.Stop() })
	return s
}

// Stop runs the same shutdown sequence as cmd/server: stop accepting, drain
// the chat server, then close what is left. It is safe to call twice.
func (s *Stack) Stop() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		err = errors.Join(s.Chat.Shutdown(ctx), s.TCP.Close())
	})
	return err
}

// WaitClients waits until exactly n clients are registered.
func (s *Stack) WaitClients(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Chat.Stats().Clients == n },
		ReadTimeout, 5*time.Millisecond, "expected %d clients", n)
}

// WaitHistory waits until the history holds n messages.
func (s *Stack) WaitHistory(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Chat.Stats().History == n },
		ReadTimeout, 5*time.Millisecond, "expected %d messages in history", n)
}

// LineClient is a TCP chat client.
type LineClient struct {
	Conn net.Conn
	r    *bufio.Reader
}

// DialTCP connects to the stack's TCP transport and waits for admission.
func (s *Stack) DialTCP(t *testing.T) *LineClient {
	t.Helper()
	before := s.Chat.Stats().Clients
	conn, err := net.Dial("tcp", s.TCPAddr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	s.WaitClients(t, before+1)
	return &LineClient{Conn: conn, r: bufio.NewReader(conn)}
}

// Send writes one line.
func (c *LineClient) Send(t *testing.T, line string) {
	t.Helper()
	_, err := c.Conn.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

// Read returns the next line without its newline.
func (c *LineClient) Read(t *testing.T) string {
	t.Helper()
	require.NoError(t, c.Conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	line, err := c.r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}

// ReadN returns the next n lines.
func (c *LineClient) ReadN(t *testing.T, n int) []string {
	t.Helper()
	lines := make([]string, n)
	for i := range lines {
		lines[i] = c.Read(t)
	}
	return lines
}

// ExpectClosed asserts that the server closes the connection, after any
// lines still buffered.
func (c *LineClient) ExpectClosed(t *testing.T) {
	t.Helper()
	require.NoError(t, c.Conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	_, err := io.ReadAll(c.r)
	require.NoError(t, err)
}

// ConnectWebSocket opens a WebSocket to the stack and waits for admission.
func (s *Stack) ConnectWebSocket(t *testing.T) *websocket.Conn {
	t.Helper()
	before := s.Chat.Stats().Clients
	conn, err := DialWebSocket(s.WSURL, TestOrigin)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	s.WaitClients(t, before+1)
	return conn
}

// DialWebSocket opens a WebSocket with the given Origin header.
func DialWebSocket(url, origin string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}
	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// SendMessage sends a content frame.
func SendMessage(conn *websocket.Conn, content string) error {
	return conn.WriteJSON(server.Message{Content: content})
}

// SendName sends a name frame.
func SendName(conn *websocket.Conn, name string) error {
	return conn.WriteJSON(server.Message{Name: name})
}

// ReceiveMessage returns the content of the next frame.
func ReceiveMessage(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(ReadTimeout)))
	var msg server.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg.Content
}
