package connection

import (
	"errors"
	"time"
)

// Errors
var (
	ErrDestroyed = errors.New("manager destroyed")
	ErrNoDialer  = errors.New("no dial function configured")
)

// Close codes passed to Transport.Close. 1000/1001 mirror the RFC 6455
// registry; codes >= 4000 are application-defined.
const (
	CloseNormal           = 1000
	CloseGoingAway        = 1001
	CloseAbnormal         = 1006
	CloseHeartbeatTimeout = 4000 // liveness probe expired, forced close
)

// destroyedReason is the close reason used by Destroy.
const destroyedReason = "destroyed"

// State is the externally observable lifecycle state of the manager.
// Reconnecting is not a separate state: while a backoff timer is pending
// the manager reports Closed and IsReconnecting() returns true.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "invalid"
	}
}

// Options configures a Manager. All fields are optional; zero durations
// and counts take the defaults below.
type Options struct {
	// HeartbeatInterval is the time between liveness pings while open.
	HeartbeatInterval time.Duration

	// HeartbeatTimeout is how long to wait for a pong after a ping
	// before force-closing the transport.
	HeartbeatTimeout time.Duration

	// ReconnectBaseInterval is the backoff unit for attempt 0.
	ReconnectBaseInterval time.Duration

	// MaxReconnectInterval caps the exponential backoff delay.
	MaxReconnectInterval time.Duration

	// MaxReconnectAttempts caps reconnect attempts. 0 means unbounded.
	MaxReconnectAttempts int

	// AutoConnect makes NewManager call Connect immediately.
	AutoConnect bool

	// QueueLimit bounds the outbound queue used while disconnected.
	// The oldest payload is dropped when the limit is exceeded.
	QueueLimit int

	// Serialize encodes outgoing payloads. When nil, []byte and string
	// pass through and other values are JSON-encoded.
	Serialize func(v any) ([]byte, error)

	// Deserialize decodes inbound messages before they are forwarded as
	// message events. Decode failures fall back to the raw payload.
	Deserialize func(data []byte) (any, error)

	// GetPingMessage produces the raw ping payload. The heartbeat is
	// disabled entirely unless both GetPingMessage and IsPongMessage
	// are set.
	GetPingMessage func() []byte

	// IsPongMessage reports whether a raw inbound message acknowledges
	// a ping. Matching messages are consumed and never forwarded.
	IsPongMessage func(data []byte) bool

	// Visibility reports whether the host is actively observed. While
	// hidden the heartbeat is paused.
	Visibility Observer

	// Network reports online/offline transitions. Online cancels any
	// pending backoff and connects immediately; offline force-closes
	// the transport.
	Network Observer
}

// DefaultOptions returns the standard manager settings.
func DefaultOptions() Options {
	return Options{
		HeartbeatInterval:     30 * time.Second,
		HeartbeatTimeout:      10 * time.Second,
		ReconnectBaseInterval: 1 * time.Second,
		MaxReconnectInterval:  30 * time.Second,
		AutoConnect:           true,
		QueueLimit:            1024,
	}
}

func (o *Options) applyDefaults() {
	def := DefaultOptions()
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = def.HeartbeatInterval
	}
	if o.HeartbeatTimeout == 0 {
		o.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if o.ReconnectBaseInterval == 0 {
		o.ReconnectBaseInterval = def.ReconnectBaseInterval
	}
	if o.MaxReconnectInterval == 0 {
		o.MaxReconnectInterval = def.MaxReconnectInterval
	}
	if o.QueueLimit == 0 {
		o.QueueLimit = def.QueueLimit
	}
}

// heartbeatEnabled reports whether both halves of the heartbeat capability
// pair are configured.
func (o *Options) heartbeatEnabled() bool {
	return o.GetPingMessage != nil && o.IsPongMessage != nil
}
