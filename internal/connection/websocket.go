package connection

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocketOptions configure the gorilla-backed dialer.
type WebSocketOptions struct {
	// Header is sent with the handshake request, e.g. Authorization.
	Header http.Header

	// HandshakeTimeout bounds the dial. Default 10s.
	HandshakeTimeout time.Duration

	// WriteTimeout is the per-write deadline. Default 5s.
	WriteTimeout time.Duration
}

// NewWebSocketDialer returns a DialFunc backed by gorilla/websocket. The
// returned transport writes text messages and delivers OnClose exactly
// once, whether the peer closed, the network failed, or Close was called
// locally.
func NewWebSocketDialer(opts WebSocketOptions) DialFunc {
	handshake := opts.HandshakeTimeout
	if handshake == 0 {
		handshake = 10 * time.Second
	}
	writeTimeout := opts.WriteTimeout
	if writeTimeout == 0 {
		writeTimeout = 5 * time.Second
	}

	return func(ctx context.Context, target string, cb Callbacks) (Transport, error) {
		dialer := websocket.Dialer{HandshakeTimeout: handshake}

		conn, _, err := dialer.DialContext(ctx, target, opts.Header)
		if err != nil {
			return nil, err
		}

		t := &wsTransport{
			conn:         conn,
			cb:           cb,
			writeTimeout: writeTimeout,
			done:         make(chan struct{}),
		}
		go t.readLoop()
		return t, nil
	}
}

// wsTransport adapts one gorilla connection to the Transport contract.
type wsTransport struct {
	conn *websocket.Conn
	cb   Callbacks

	writeTimeout time.Duration

	// Write serialization
	writeMu sync.Mutex

	closeOnce   sync.Once
	done        chan struct{}
	localCode   int
	localReason string
}

func (t *wsTransport) Send(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame and tears the connection down. The read loop
// notices the closed connection and reports OnClose with the given code.
func (t *wsTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		t.localCode = code
		t.localReason = reason
		close(t.done)

		t.writeMu.Lock()
		t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		t.writeMu.Unlock()

		err = t.conn.Close()
	})
	return err
}

// readLoop delivers inbound messages until the connection dies, then
// reports the close exactly once.
func (t *wsTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			select {
			case <-t.done:
				// Locally requested close.
				t.cb.OnClose(t.localCode, t.localReason, true)
			default:
				code, reason, clean := closeDetails(err)
				if !clean {
					t.cb.OnError(err)
				}
				t.cb.OnClose(code, reason, clean)
			}
			return
		}

		t.cb.OnMessage(data)
	}
}

// closeDetails extracts the close code from a read error. A CloseError
// means the peer completed the close handshake.
func closeDetails(err error) (code int, reason string, wasClean bool) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text, true
	}
	return CloseAbnormal, err.Error(), false
}
