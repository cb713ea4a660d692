// Package chat implements the fan-out core of the relaychat server.
//
// A Server owns four pieces of shared state: a capacity-bounded Registry of
// connected clients, an unbounded FIFO Queue of pending messages, a History
// ring of recent traffic, and a single broadcaster goroutine that drains the
// queue and writes every message to all registered clients except its sender.
//
// Transports (TCP, WebSocket) sit outside this package. They admit a
// connection, run one reader goroutine per connection that calls Enqueue, and
// call Remove exactly once when the connection ends. Outgoing writes reach the
// transport through the Conn interface.
package chat
