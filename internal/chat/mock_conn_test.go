package chat

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type mockConn struct {
	mu       sync.Mutex
	received [][]byte
	closed   bool
	sendErr  error
	panicMsg string

	// block, when set, holds every Send until it is closed.
	block chan struct{}
	// entered is signalled each time Send starts.
	entered chan struct{}
}

func newMockConn() *mockConn {
	return &mockConn{entered: make(chan struct{}, 64)}
}

func (m *mockConn) Send(data []byte) error {
	select {
	case m.entered <- struct{}{}:
	default:
	}
	if m.block != nil {
		<-m.block
	}
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.received = append(m.received, append([]byte(nil), data...))
	return nil
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) getReceived() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.received))
	for i, b := range m.received {
		out[i] = string(b)
	}
	return out
}

func (m *mockConn) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) waitReceived(t *testing.T, n int) []string {
	t.Helper()
	require.Eventually(t, func() bool { return len(m.getReceived()) >= n },
		2*time.Second, 5*time.Millisecond, "expected %d messages", n)
	return m.getReceived()
}

type recordingSink struct {
	mu         sync.Mutex
	admitted   []ClientID
	rejected   int
	removed    []ClientID
	dispatched []dispatchRecord
	failures   []*SendError
}

type dispatchRecord struct {
	payload    string
	sender     ClientID
	recipients int
	failed     int
}

func (s *recordingSink) ClientAdmitted(id ClientID, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admitted = append(s.admitted, id)
}

func (s *recordingSink) AdmissionRejected(int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected++
}

func (s *recordingSink) ClientRemoved(id ClientID, _ int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
}

func (s *recordingSink) Dispatched(msg Message, recipients, failed int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatched = append(s.dispatched, dispatchRecord{
		payload:    string(msg.Payload),
		sender:     msg.Sender,
		recipients: recipients,
		failed:     failed,
	})
}

func (s *recordingSink) SendFailed(err *SendError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, err)
}

func (s *recordingSink) getDispatched() []dispatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]dispatchRecord(nil), s.dispatched...)
}

func (s *recordingSink) getFailures() []*SendError {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*SendError(nil), s.failures...)
}
