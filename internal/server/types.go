package server

import (
	"errors"
	"io"
	"net"
	"strings"

	"github.com/Tyrowin/relaychat/internal/chat"
)

// Message is the JSON frame exchanged with WebSocket clients. Incoming frames
// carry either Content (a chat line) or Name (a display name change).
// Outgoing frames only carry Content.
type Message struct {
	Content string `json:"content,omitempty"`
	Name    string `json:"name,omitempty"`
}

// namePrefix introduces a display name change on the line protocol.
const namePrefix = "NAME:"

// label is how a client appears in front of its messages.
func label(srv *chat.Server, id chat.ClientID) string {
	if name, ok := srv.Name(id); ok && name != "" {
		return name
	}
	return "client-" + id.String()
}

// formatLine renders the broadcast payload for text from id.
func formatLine(srv *chat.Server, id chat.ClientID, text string) []byte {
	return []byte(label(srv, id) + ": " + text)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
