package chat

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	id := newClientID(2, 1)

	sink.ClientAdmitted(id, 3)
	sink.AdmissionRejected(10)
	sink.Dispatched(Message{Sender: id}, 4, 1)
	sink.SendFailed(&SendError{Target: id, MessageID: "m-9", Err: errors.New("broken pipe")})
	sink.SendFailed(&SendError{Target: id, Err: fmt.Errorf("%w: boom", errPanicked)})
	sink.ClientRemoved(id, 2)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 6)

	assert.Contains(t, lines[0], "client admitted")
	assert.Contains(t, lines[0], "component=chat")
	assert.Contains(t, lines[0], "client=2.1")
	assert.Contains(t, lines[0], "clients=3")

	assert.Contains(t, lines[1], "level=WARN")
	assert.Contains(t, lines[1], "capacity=10")

	assert.Contains(t, lines[2], "level=WARN", "partial failure is a warning")
	assert.Contains(t, lines[2], "recipients=4")

	assert.Contains(t, lines[3], "level=WARN")
	assert.Contains(t, lines[3], `error="broken pipe"`)
	assert.Contains(t, lines[3], "message_id=m-9")

	assert.Contains(t, lines[4], "level=ERROR", "a panicking transport is an error")

	assert.Contains(t, lines[5], "client removed")
}

func TestNewLogSink_NilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		NewLogSink(nil).ClientAdmitted(newClientID(0, 0), 1)
	})
}
