// Package connection implements the connection manager: one logical,
// auto-reconnecting duplex message connection.
//
// The manager:
//   - Tracks lifecycle state (Closed, Connecting, Open, Closing)
//   - Probes liveness with an optional ping/pong heartbeat
//   - Reconnects with exponential backoff after unexpected drops
//   - Queues outbound payloads while disconnected and flushes them
//     in FIFO order once the transport reopens
//   - Emits typed lifecycle events to registered listeners
package connection
