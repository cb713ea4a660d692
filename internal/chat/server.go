package chat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle phase of a Server.
type State int32

const (
	StateUninitialized State = iota
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// DefaultCapacity is the registry capacity used when none is configured.
const DefaultCapacity = 10

// StartHook runs at the end of Start, after the broadcaster is live. A hook
// error unwinds the whole server. Stop, if set, releases what Fn acquired and
// runs only when a later stage of Start fails.
type StartHook struct {
	Name string
	Fn   func() error
	Stop func()
}

// Option configures a Server.
type Option func(*Server)

// WithCapacity sets the maximum number of simultaneously admitted clients.
func WithCapacity(n int) Option {
	return func(s *Server) { s.capacity = n }
}

// WithHistorySize sets the history ring capacity. Non-positive values select
// DefaultHistorySize.
func WithHistorySize(n int) Option {
	return func(s *Server) { s.historySize = n }
}

// WithEventSink sets the receiver for admission, removal and dispatch events.
func WithEventSink(sink EventSink) Option {
	return func(s *Server) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithStartHook registers fn to run at the end of Start. Hooks run in
// registration order.
func WithStartHook(name string, fn func() error) Option {
	return WithHook(StartHook{Name: name, Fn: fn})
}

// WithHook registers h. Hooks run in registration order; on a failed Start
// the Stop funcs of hooks that already succeeded run in reverse order.
func WithHook(h StartHook) Option {
	return func(s *Server) { s.hooks = append(s.hooks, h) }
}

// Stats is a point-in-time summary of a Server.
type Stats struct {
	State       string `json:"state"`
	Broadcaster string `json:"broadcaster"`
	Clients     int    `json:"clients"`
	Capacity    int    `json:"capacity"`
	Queued      int    `json:"queued"`
	History     int    `json:"history"`
}

// Server ties the registry, queue, history and broadcaster together and owns
// their startup and shutdown ordering.
type Server struct {
	capacity    int
	historySize int
	sink        EventSink
	hooks       []StartHook

	state atomic.Int32
	core  atomic.Pointer[core]

	// lifecycle serializes Start and Shutdown.
	lifecycle sync.Mutex

	// enqueueMu keeps history order identical to broadcast order.
	enqueueMu sync.Mutex

	stopped chan struct{}
}

// core is the shared state built by Start. It is published once and stays in
// place after shutdown, so late callers see closed structures rather than nil.
type core struct {
	registry *Registry
	queue    *Queue[Message]
	history  *History
	bc       *broadcaster
}

// New returns an uninitialized server. Call Start before use.
func New(opts ...Option) *Server {
	s := &Server{
		capacity:    DefaultCapacity,
		historySize: DefaultHistorySize,
		sink:        NopSink{},
		stopped:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start builds the registry, queue and history, launches the broadcaster and
// runs the start hooks. If any stage fails, everything already built is torn
// down again before the *StartupError is returned, and the server ends in
// StateStopped.
func (s *Server) Start() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if State(s.state.Load()) != StateUninitialized {
		return ErrAlreadyStarted
	}

	var undo []func()
	fail := func(stage string, err error) error {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i]()
		}
		s.state.Store(int32(StateStopped))
		close(s.stopped)
		return &StartupError{Stage: stage, Err: err}
	}

	if s.capacity <= 0 {
		return fail("registry", fmt.Errorf("capacity must be positive, got %d", s.capacity))
	}
	c := &core{registry: NewRegistry(s.capacity)}
	undo = append(undo, func() { closeTargets(c.registry.Close()) })

	c.queue = NewQueue[Message]()
	undo = append(undo, func() {
		c.queue.Close()
		c.queue.drain()
	})

	c.history = NewHistory(s.historySize)
	undo = append(undo, c.history.Reset)

	c.bc = newBroadcaster(c.queue, c.registry, s.sink)
	go c.bc.run()
	undo = append(undo, func() {
		c.queue.Close()
		<-c.bc.done
	})

	// Hooks may call back into the server (e.g. a listener that admits), so
	// the server is Running while they execute.
	s.core.Store(c)
	s.state.Store(int32(StateRunning))
	for _, h := range s.hooks {
		if err := h.Fn(); err != nil {
			return fail(h.Name, err)
		}
		if h.Stop != nil {
			undo = append(undo, h.Stop)
		}
	}
	return nil
}

// Shutdown stops the server. It rejects new admissions, closes the queue, and
// waits for the broadcaster to finish delivering everything still queued.
// Remaining client handles are then closed and history is released.
//
// In-flight writes are never interrupted. If ctx ends before the broadcaster
// has drained, Shutdown returns ctx.Err() with the server left in
// StateDraining; calling Shutdown again resumes waiting.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	switch State(s.state.Load()) {
	case StateUninitialized:
		s.state.Store(int32(StateStopped))
		close(s.stopped)
		return nil
	case StateStopped:
		return nil
	}

	c := s.core.Load()
	if State(s.state.Load()) == StateRunning {
		s.state.Store(int32(StateDraining))
		c.registry.closeAdmission()
		c.queue.Close()
	}

	select {
	case <-c.bc.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	remaining := c.registry.Close()
	closeTargets(remaining)
	for i, t := range remaining {
		s.sink.ClientRemoved(t.ID, len(remaining)-i-1)
	}
	c.history.Reset()
	s.state.Store(int32(StateStopped))
	close(s.stopped)
	return nil
}

func closeTargets(targets []Target) {
	for _, t := range targets {
		if t.Conn != nil {
			_ = t.Conn.Close()
		}
	}
}

// State returns the current lifecycle phase.
func (s *Server) State() State { return State(s.state.Load()) }

// BroadcasterState returns the broadcaster's current phase.
func (s *Server) BroadcasterState() BroadcasterState {
	c := s.core.Load()
	if c == nil {
		if s.State() == StateStopped {
			return BroadcasterStopped
		}
		return BroadcasterIdle
	}
	return c.bc.State()
}

// Done is closed once the server has reached StateStopped.
func (s *Server) Done() <-chan struct{} { return s.stopped }

// Admit registers conn. It never blocks; it returns ErrCapacityExceeded when
// the server is full and ErrStopped when it is not running. The caller owns
// conn and must close it on error.
func (s *Server) Admit(conn Conn) (ClientID, error) {
	c := s.core.Load()
	if c == nil || s.State() != StateRunning {
		return 0, ErrStopped
	}
	id, err := c.registry.TryAdmit(conn)
	if err != nil {
		if errors.Is(err, ErrCapacityExceeded) {
			s.sink.AdmissionRejected(c.registry.Capacity())
		}
		return 0, err
	}
	s.sink.ClientAdmitted(id, c.registry.Len())
	return id, nil
}

// Remove unregisters id. It is safe to call on an unknown or already removed
// id. The connection itself is left to the caller.
func (s *Server) Remove(id ClientID) {
	c := s.core.Load()
	if c == nil {
		return
	}
	if _, ok := c.registry.Remove(id); ok {
		s.sink.ClientRemoved(id, c.registry.Len())
	}
}

// SetName attaches a display name to id.
func (s *Server) SetName(id ClientID, name string) error {
	c := s.core.Load()
	if c == nil {
		return ErrNotFound
	}
	return c.registry.SetName(id, name)
}

// Name returns the display name of id, if any.
func (s *Server) Name(id ClientID) (string, bool) {
	c := s.core.Load()
	if c == nil {
		return "", false
	}
	return c.registry.Name(id)
}

// Enqueue records payload in history and queues it for broadcast to every
// client except sender. The payload is copied. Once shutdown has begun it
// returns ErrQueueClosed and history is left untouched.
func (s *Server) Enqueue(payload []byte, sender ClientID) error {
	c := s.core.Load()
	if c == nil {
		return ErrQueueClosed
	}

	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Errorf("chat: allocate message id: %w", err)
	}
	msg := Message{
		ID:      id,
		Payload: append([]byte(nil), payload...),
		Sender:  sender,
		Time:    time.Now(),
	}

	s.enqueueMu.Lock()
	defer s.enqueueMu.Unlock()

	if err := c.queue.Push(msg); err != nil {
		return err
	}
	c.history.Append(msg)
	return nil
}

// ReadLast returns up to k recent messages, oldest first.
func (s *Server) ReadLast(k int) []Message {
	c := s.core.Load()
	if c == nil {
		return nil
	}
	return c.history.ReadLast(k)
}

// Replay sends up to k recent messages directly to id and returns how many
// were written. History is copied under its lock and written afterwards.
//
// Replay is not atomic with live delivery: a message enqueued while Replay
// runs may reach the client twice or, if it lands between admission and the
// history read, only through the live path.
func (s *Server) Replay(id ClientID, k int) (int, error) {
	c := s.core.Load()
	if c == nil {
		return 0, ErrNotFound
	}
	conn, ok := c.registry.Conn(id)
	if !ok {
		return 0, ErrNotFound
	}

	msgs := c.history.ReadLast(k)
	for i, m := range msgs {
		if err := deliver(conn, m.Payload); err != nil {
			return i, &SendError{Target: id, MessageID: m.ID.String(), Err: err}
		}
	}
	return len(msgs), nil
}

// Members lists registered clients.
func (s *Server) Members() []Member {
	c := s.core.Load()
	if c == nil {
		return nil
	}
	return c.registry.Members()
}

// Stats returns a snapshot of server counters.
func (s *Server) Stats() Stats {
	st := Stats{
		State:       s.State().String(),
		Broadcaster: s.BroadcasterState().String(),
		Capacity:    s.capacity,
	}
	if c := s.core.Load(); c != nil {
		st.Clients = c.registry.Len()
		st.Queued = c.queue.Len()
		st.History = c.history.Len()
	}
	return st
}
