package chat

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// BroadcasterState is the observable phase of the broadcaster goroutine.
type BroadcasterState int32

const (
	BroadcasterIdle BroadcasterState = iota
	BroadcasterPopping
	BroadcasterDispatching
	BroadcasterStopped
)

func (s BroadcasterState) String() string {
	switch s {
	case BroadcasterIdle:
		return "idle"
	case BroadcasterPopping:
		return "popping"
	case BroadcasterDispatching:
		return "dispatching"
	case BroadcasterStopped:
		return "stopped"
	default:
		return fmt.Sprintf("BroadcasterState(%d)", int32(s))
	}
}

var errPanicked = errors.New("send panicked")

// broadcaster is the single consumer of the message queue. Its only exit is
// observing ErrQueueClosed from Pop, which happens once the queue is closed
// and fully drained.
type broadcaster struct {
	queue    *Queue[Message]
	registry *Registry
	sink     EventSink
	state    atomic.Int32
	done     chan struct{}
}

func newBroadcaster(q *Queue[Message], r *Registry, sink EventSink) *broadcaster {
	return &broadcaster{
		queue:    q,
		registry: r,
		sink:     sink,
		done:     make(chan struct{}),
	}
}

func (b *broadcaster) run() {
	defer close(b.done)
	defer b.state.Store(int32(BroadcasterStopped))

	for {
		b.state.Store(int32(BroadcasterPopping))
		msg, err := b.queue.Pop()
		if err != nil {
			return
		}

		b.state.Store(int32(BroadcasterDispatching))
		b.dispatch(msg)
		b.state.Store(int32(BroadcasterIdle))
	}
}

// dispatch writes msg to a snapshot of the registry taken at dequeue time.
// The registry lock is not held during writes, so admission and removal are
// never stalled behind a slow target.
func (b *broadcaster) dispatch(msg Message) {
	targets := b.registry.SnapshotExcluding(msg.Sender)

	failed := 0
	for _, t := range targets {
		if err := deliver(t.Conn, msg.Payload); err != nil {
			failed++
			b.sink.SendFailed(&SendError{Target: t.ID, MessageID: msg.ID.String(), Err: err})
		}
	}
	b.sink.Dispatched(msg, len(targets), failed)
}

// deliver calls Send and turns a panicking transport into an ordinary error,
// so one broken handle cannot take the broadcaster down.
func deliver(conn Conn, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanicked, r)
		}
	}()
	return conn.Send(payload)
}

func (b *broadcaster) State() BroadcasterState {
	return BroadcasterState(b.state.Load())
}
