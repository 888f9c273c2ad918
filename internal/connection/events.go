package connection

import "time"

// EventType enumerates the manager's lifecycle events.
type EventType int

const (
	// EventConnecting fires when a connection attempt starts.
	EventConnecting EventType = iota

	// EventOpen fires when the transport is established and the
	// outbound queue has been flushed.
	EventOpen

	// EventMessage delivers an inbound message that was not consumed
	// as a heartbeat acknowledgment.
	EventMessage

	// EventClose fires when the transport closes, or when a close is
	// synthesized because no transport existed.
	EventClose

	// EventError reports transport establishment or runtime failures.
	EventError

	// EventStateChange fires on every Closed/Connecting/Open/Closing
	// transition.
	EventStateChange

	// EventReconnectAttempt fires when a backoff timer is scheduled,
	// carrying the attempt number and computed delay.
	EventReconnectAttempt

	// EventReconnectFailed fires exactly once when the reconnect
	// attempt cap is reached.
	EventReconnectFailed
)

func (t EventType) String() string {
	switch t {
	case EventConnecting:
		return "connecting"
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventStateChange:
		return "ready-state-change"
	case EventReconnectAttempt:
		return "reconnect-attempt"
	case EventReconnectFailed:
		return "reconnect-failed"
	default:
		return "invalid"
	}
}

// Event is the tagged union delivered to listeners. Type selects which
// fields are meaningful.
type Event struct {
	Type EventType

	// State is set for EventStateChange.
	State State

	// Message and Raw are set for EventMessage. Message holds the
	// deserialized payload when a Deserialize func is configured and
	// succeeded, otherwise the raw bytes.
	Message any
	Raw     []byte

	// Err is set for EventError.
	Err error

	// Code, Reason and WasClean are set for EventClose.
	Code     int
	Reason   string
	WasClean bool

	// Attempt and Delay are set for EventReconnectAttempt; Attempt is
	// also set for EventReconnectFailed.
	Attempt int
	Delay   time.Duration
}

// Listener receives manager events. Listeners run to completion one at a
// time, in registration order, and may call back into the manager.
type Listener func(Event)

// ListenerHandle identifies one registration. Go functions are not
// comparable, so Off takes the handle returned by On instead of the
// callback itself.
type ListenerHandle struct {
	event EventType
	id    uint64
}

type listenerEntry struct {
	id uint64
	fn Listener
}

// listenerSet is an ordered callback registry keyed by event type.
// Callers synchronize externally.
type listenerSet struct {
	nextID  uint64
	entries map[EventType][]listenerEntry
}

func (s *listenerSet) add(t EventType, fn Listener) ListenerHandle {
	if s.entries == nil {
		s.entries = make(map[EventType][]listenerEntry)
	}
	s.nextID++
	s.entries[t] = append(s.entries[t], listenerEntry{id: s.nextID, fn: fn})
	return ListenerHandle{event: t, id: s.nextID}
}

func (s *listenerSet) remove(h ListenerHandle) {
	list := s.entries[h.event]
	for i, e := range list {
		if e.id == h.id {
			s.entries[h.event] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// snapshot returns the listeners for t in registration order. The returned
// slice is safe to iterate without holding the manager lock.
func (s *listenerSet) snapshot(t EventType) []Listener {
	list := s.entries[t]
	if len(list) == 0 {
		return nil
	}
	fns := make([]Listener, len(list))
	for i, e := range list {
		fns[i] = e.fn
	}
	return fns
}

func (s *listenerSet) clear() {
	s.entries = nil
}
