package chat

import (
	"errors"
	"fmt"
)

var (
	// ErrCapacityExceeded is returned by admission when every slot is taken.
	ErrCapacityExceeded = errors.New("chat: capacity exceeded")
	// ErrQueueClosed is returned by Push and Pop once the queue is closed
	// (and, for Pop, drained).
	ErrQueueClosed = errors.New("chat: queue closed")
	// ErrNotFound is returned by name operations on an unknown or removed client.
	ErrNotFound = errors.New("chat: client not found")
	// ErrStopped is returned by admission once shutdown has begun.
	ErrStopped = errors.New("chat: server stopped")
	// ErrAlreadyStarted is returned when Start is called more than once.
	ErrAlreadyStarted = errors.New("chat: server already started")
)

// SendError reports a failed write to a single broadcast target. It never
// aborts the rest of a fan-out.
type SendError struct {
	Target    ClientID
	MessageID string
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("chat: send to client %s failed: %v", e.Target, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// StartupError reports which stage of Server.Start failed. Everything built
// before that stage has already been torn down when it is returned.
type StartupError struct {
	Stage string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("chat: startup failed at %s: %v", e.Stage, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }
