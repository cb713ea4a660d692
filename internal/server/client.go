package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/logger"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// sendBuffer is the number of frames a WebSocket client may have pending
	// before it is dropped.
	sendBuffer = 256

	// frameOverhead leaves room for the JSON envelope around a message.
	frameOverhead = 64
)

var errSendBufferFull = errors.New("send buffer full")

// Client is a WebSocket connection registered with the chat server. It
// implements chat.Conn: Send hands frames to the write pump, so a slow
// browser never blocks the broadcaster.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	srv  *chat.Server
	id   chat.ClientID
	cfg  Config
	log  *slog.Logger

	mu     sync.Mutex
	closed bool
}

// NewClient wraps conn. The client is not registered until it is admitted.
func NewClient(conn *websocket.Conn, srv *chat.Server, cfg Config, log *slog.Logger) *Client {
	if conn != nil {
		conn.SetReadLimit(cfg.MaxMessageSize + frameOverhead)
	}
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		srv:  srv,
		cfg:  cfg,
		log:  log,
	}
}

// Send queues payload for the write pump as a JSON content frame. It fails
// rather than blocks when the client has fallen too far behind, and drops
// the client: the connection is closed, so the read pump removes it.
func (c *Client) Send(payload []byte) error {
	frame, err := json.Marshal(Message{Content: string(payload)})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
	}

	c.closeLocked()
	if c.conn != nil {
		_ = c.conn.Close()
	}
	return errSendBufferFull
}

// Close stops the write pump after it has flushed pending frames.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *Client) closeLocked() {
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn("setting read deadline", logger.Error(err))
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the reason a read loop ends.
func (c *Client) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn("message exceeded maximum size", logger.Count("limit", int(c.cfg.MaxMessageSize)))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseAbnormalClosure):
		c.log.Info("client disconnected", logger.Error(err))
	case isExpectedCloseError(err):
		c.log.Info("connection closed", logger.Error(err))
	default:
		c.log.Warn("websocket read error", logger.Error(err))
	}
}

// processMessage decodes one frame and applies it. It returns false once the
// chat server stops accepting messages.
func (c *Client) processMessage(sess *session, raw []byte) bool {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.log.Warn("invalid message", logger.Error(err))
		return true
	}
	if msg.Name != "" {
		sess.rename(msg.Name)
	}
	if msg.Content == "" {
		return true
	}
	return sess.say(msg.Content)
}

func (c *Client) readPump() {
	start := time.Now()
	defer func() {
		c.srv.Remove(c.id)
		_ = c.Close()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn("closing connection in read pump", logger.Error(err))
		}
		c.log.Debug("read pump finished", logger.Elapsed(start))
	}()

	c.setupReadConnection()
	sess := newSession(c.srv, c.id, c.cfg, c.log)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}
		if !c.processMessage(sess, raw) {
			return
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for c.processWriteEvent(ticker) {
	}
}

// processWriteEvent waits for the next write event and returns false when the
// pump should stop processing.
func (c *Client) processWriteEvent(ticker *time.Ticker) bool {
	select {
	case frame, ok := <-c.send:
		return c.handleFrame(frame, ok)
	case <-ticker.C:
		return c.handlePing()
	}
}

func (c *Client) closeConnection() {
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Warn("closing connection in write pump", logger.Error(err))
	}
}

// handleFrame writes one outgoing frame, or the close frame once the send
// channel is closed.
func (c *Client) handleFrame(frame []byte, ok bool) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if !ok {
		err := c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		if err != nil && !isExpectedCloseError(err) {
			c.log.Warn("writing close message", logger.Error(err))
		}
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing message", logger.Error(err))
		}
		return false
	}
	return true
}

// handlePing sends a ping message to keep the connection alive
func (c *Client) handlePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("writing ping", logger.Error(err))
		}
		return false
	}
	return true
}
