package chat

import (
	"errors"
	"io"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ClientID identifies a registered connection. It packs the registry slot
// index with that slot's generation, so an id handed out for one connection is
// never valid for a later occupant of the same slot.
type ClientID uint64

func newClientID(slot int, gen uint32) ClientID {
	return ClientID(uint64(gen)<<32 | uint64(uint32(slot)))
}

func (id ClientID) slot() int   { return int(uint32(id)) }
func (id ClientID) gen() uint32 { return uint32(id >> 32) }

// String renders the id as "<slot>.<generation>".
func (id ClientID) String() string {
	return strconv.Itoa(id.slot()) + "." + strconv.FormatUint(uint64(id.gen()), 10)
}

// NoClient is a sender id that matches no registered client. Messages sent
// with it reach every client.
const NoClient ClientID = ^ClientID(0)

// Message is a single chat payload together with its sender. Payload must not
// be modified after the message has been enqueued.
type Message struct {
	ID      uuid.UUID
	Payload []byte
	Sender  ClientID
	Time    time.Time
}

// Conn is the transport handle the broadcaster writes to.
//
// Send must write the whole payload or fail; a partial frame on the wire would
// corrupt message boundaries for the receiver. Implementations built on an
// io.Writer should use WriteFull.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

// WriteFull writes p to w, retrying on short writes and on EINTR.
func WriteFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
