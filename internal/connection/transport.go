package connection

import "context"

// Transport is the narrow contract the manager needs from an established
// duplex connection.
type Transport interface {
	// Send transmits a raw payload.
	Send(data []byte) error

	// Close requests shutdown with the given code and reason. The
	// transport must still deliver OnClose exactly once afterwards.
	Close(code int, reason string) error
}

// Callbacks receive transport events. OnClose must be called exactly once
// per transport, whether the close was remote, a network failure, or
// locally requested via Transport.Close.
type Callbacks struct {
	// OnMessage delivers one inbound raw message.
	OnMessage func(data []byte)

	// OnError reports a transport-level failure. A failing transport
	// still delivers OnClose afterwards.
	OnError func(err error)

	// OnClose reports that the transport is gone. wasClean is true for
	// a completed close handshake or a locally requested close.
	OnClose func(code int, reason string, wasClean bool)
}

// DialFunc establishes a transport to target and wires its events to cb.
// A non-nil Transport is considered open on return.
type DialFunc func(ctx context.Context, target string, cb Callbacks) (Transport, error)
