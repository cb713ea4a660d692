package server

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Tyrowin/relaychat/internal/chat"
	"github.com/Tyrowin/relaychat/internal/logger"
)

const (
	// writeWait bounds a single write to a client.
	writeWait = 10 * time.Second

	serverFullReply = "server full\n"

	// acceptBackoff is the pause after a failed Accept that was not caused by
	// the listener closing.
	acceptBackoff = 50 * time.Millisecond
)

// TCPServer accepts line-oriented chat clients. Each line a client sends is
// broadcast to everyone else as "<label>: <line>", and every broadcast
// arrives as a single newline-terminated line.
type TCPServer struct {
	cfg  Config
	chat *chat.Server
	log  *slog.Logger

	mu        sync.Mutex
	ln        net.Listener
	accepting bool
	closed    bool
	conns     map[*tcpConn]struct{}
	readers   sync.WaitGroup
}

// NewTCPServer returns a server that will listen on cfg.TCPAddr and admit
// clients into srv.
func NewTCPServer(cfg Config, srv *chat.Server, log *slog.Logger) *TCPServer {
	return &TCPServer{
		cfg:   cfg,
		chat:  srv,
		log:   log.With(logger.Component("tcp")),
		conns: make(map[*tcpConn]struct{}),
	}
}

// Listen binds the listening socket. It is safe to call more than once and
// is meant to run as a chat start hook, so a bind failure aborts startup.
func (s *TCPServer) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return net.ErrClosed
	}
	if s.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.TCPAddr, err)
	}
	s.ln = ln
	s.accepting = true
	s.log.Info("tcp transport listening", slog.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve runs the accept loop until ctx is done or the server is closed. It
// stops accepting but leaves established connections to the chat server's
// shutdown, so messages still queued can be delivered.
func (s *TCPServer) Serve(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.stopAccepting)
	defer stop()

	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn("accept failed", logger.Error(err))
			time.Sleep(acceptBackoff)
			continue
		}
		s.handle(nc)
	}
}

func (s *TCPServer) stopAccepting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.accepting {
		return
	}
	s.accepting = false
	if err := s.ln.Close(); err != nil && !isExpectedCloseError(err) {
		s.log.Warn("closing listener", logger.Error(err))
	}
}

// Close stops accepting, closes every client connection and waits for their
// readers to finish.
func (s *TCPServer) Close() error {
	s.stopAccepting()

	s.mu.Lock()
	s.closed = true
	conns := make([]*tcpConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	s.readers.Wait()
	return nil
}

func (s *TCPServer) handle(nc net.Conn) {
	conn := newTCPConn(nc)
	log := s.log.With(logger.Conn(conn.label), logger.Remote(nc.RemoteAddr().String()))

	id, err := s.chat.Admit(conn)
	if err != nil {
		if errors.Is(err, chat.ErrCapacityExceeded) {
			_ = nc.SetWriteDeadline(time.Now().Add(writeWait))
			_ = chat.WriteFull(nc, []byte(serverFullReply))
		}
		log.Warn("connection refused", logger.Error(err))
		_ = nc.Close()
		return
	}

	if !s.track(conn) {
		s.chat.Remove(id)
		_ = conn.Close()
		return
	}
	log.Info("client connected", logger.Client(id.String()))
	go s.read(id, conn, log)
}

// track records conn and accounts for its reader. It fails once Close has
// started.
func (s *TCPServer) track(c *tcpConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.readers.Add(1)
	return true
}

func (s *TCPServer) untrack(c *tcpConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *TCPServer) read(id chat.ClientID, c *tcpConn, log *slog.Logger) {
	start := time.Now()
	defer s.readers.Done()
	defer func() {
		s.chat.Remove(id)
		s.untrack(c)
		_ = c.Close()
		log.Info("client disconnected", logger.Elapsed(start))
	}()

	if n := s.cfg.HistoryReplay; n > 0 {
		if _, err := s.chat.Replay(id, n); err != nil {
			log.Warn("history replay failed", logger.Error(err))
			return
		}
	}

	sess := newSession(s.chat, id, s.cfg, log)
	r := bufio.NewReader(c.nc)
	for {
		line, truncated, err := readLine(r, int(s.cfg.MaxMessageSize))
		if truncated {
			log.Debug("line truncated", logger.Count("limit", int(s.cfg.MaxMessageSize)))
		}
		if len(line) > 0 && !sess.line(string(line)) {
			return
		}
		if err != nil {
			if !isExpectedCloseError(err) {
				log.Warn("read failed", logger.Error(err))
			}
			return
		}
	}
}

// readLine returns the next line without its terminator, keeping at most
// limit bytes and discarding the rest of an over-long line. A trailing '\r' is
// dropped. At EOF a partial final line is returned together with the error.
func readLine(r *bufio.Reader, limit int) (line []byte, truncated bool, err error) {
	for {
		frag, rerr := r.ReadSlice('\n')
		complete := rerr == nil
		if complete {
			frag = frag[:len(frag)-1]
		}
		if room := limit - len(line); len(frag) > room {
			frag = frag[:max(room, 0)]
			truncated = true
		}
		line = append(line, frag...)

		switch {
		case complete:
			return bytes.TrimSuffix(line, []byte{'\r'}), truncated, nil
		case errors.Is(rerr, bufio.ErrBufferFull):
			continue
		default:
			return line, truncated, rerr
		}
	}
}

// tcpConn is the chat.Conn for a TCP client.
type tcpConn struct {
	nc        net.Conn
	label     string
	writeWait time.Duration

	// wmu serializes history replay against broadcaster writes.
	wmu       sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newTCPConn(nc net.Conn) *tcpConn {
	return &tcpConn{nc: nc, label: uuid.NewString(), writeWait: writeWait}
}

// Send writes payload as one newline-terminated line. A failed write may
// have left part of the frame on the wire, so the connection is closed and
// the reader removes the client.
func (c *tcpConn) Send(payload []byte) error {
	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	c.wmu.Lock()
	defer c.wmu.Unlock()
	err := c.nc.SetWriteDeadline(time.Now().Add(c.writeWait))
	if err == nil {
		err = chat.WriteFull(c.nc, frame)
	}
	if err != nil {
		_ = c.Close()
	}
	return err
}

func (c *tcpConn) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.nc.Close() })
	return c.closeErr
}
