// Package server contains the network transports of relaychat and their
// configuration.
//
// Two transports feed the same chat.Server. TCPServer speaks a plain line
// protocol: every line a client sends is broadcast to the others as
// "<label>: <line>", and a line of the form "NAME:<name>" sets the client's
// label instead. The HTTP side upgrades /ws to a WebSocket carrying JSON
// frames ({"content": ...} or {"name": ...}) and serves health and stats
// endpoints. Both transports share rate limiting and message formatting so
// their clients see one conversation.
package server
