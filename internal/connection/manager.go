package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Manager owns one logical, auto-reconnecting duplex connection.
//
// All state is guarded by mu. Events are queued under the lock and
// dispatched by exactly one goroutine at a time with the lock released,
// so listeners run to completion in order and may safely call back into
// the manager (the expected reconnect trigger path).
type Manager struct {
	target string
	opts   Options
	dial   DialFunc
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	state     State
	transport Transport

	// gen invalidates callbacks from superseded transports and dials.
	gen uint64

	forcedClose  bool
	reconnecting bool
	attempts     int
	capNotified  bool
	destroyed    bool
	hidden       bool

	queue     *sendQueue
	listeners listenerSet

	hbTimer        *time.Timer // next heartbeat tick
	hbTimeout      *time.Timer // pending pong deadline
	reconnectTimer *time.Timer

	unsubs []func() // observer unsubscribe functions

	pending     []Event
	dispatching bool
}

// ManagerStats is a point-in-time snapshot of the manager.
type ManagerStats struct {
	State             State
	Reconnecting      bool
	ReconnectAttempts int
	QueuedPayloads    int
	DroppedPayloads   int64
}

// NewManager creates a manager for target using dial to establish
// transports. When opts.AutoConnect is set (the default from
// DefaultOptions) the first connection attempt starts immediately.
func NewManager(target string, dial DialFunc, opts Options, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	opts.applyDefaults()

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		target: target,
		opts:   opts,
		dial:   dial,
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queue:  newSendQueue(opts.QueueLimit),
	}

	if opts.Visibility != nil {
		m.unsubs = append(m.unsubs, opts.Visibility.Subscribe(m.onVisibility))
	}
	if opts.Network != nil {
		m.unsubs = append(m.unsubs, opts.Network.Subscribe(m.onNetwork))
	}

	if opts.AutoConnect {
		m.Connect()
	}

	return m
}

// On registers a listener for one event type. Listeners fire in
// registration order.
func (m *Manager) On(t EventType, fn Listener) ListenerHandle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listeners.add(t, fn)
}

// Off removes exactly the registration identified by h.
func (m *Manager) Off(h ListenerHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners.remove(h)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsReconnecting reports whether a backoff timer is pending.
func (m *Manager) IsReconnecting() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnecting
}

// Stats returns a snapshot of manager counters.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		State:             m.state,
		Reconnecting:      m.reconnecting,
		ReconnectAttempts: m.attempts,
		QueuedPayloads:    m.queue.len(),
		DroppedPayloads:   m.queue.totalDropped(),
	}
}

// Connect starts a connection attempt. It is a no-op while already
// Connecting or Open. Calling it clears a previous forced close, cancels
// any pending backoff timer, and resumes reconnection after the attempt
// cap was reached.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.destroyed || m.state == StateConnecting || m.state == StateOpen {
		m.mu.Unlock()
		return
	}
	if m.dial == nil {
		m.emitLocked(Event{Type: EventError, Err: ErrNoDialer})
		m.mu.Unlock()
		m.dispatch()
		return
	}

	m.forcedClose = false
	m.cancelReconnectTimerLocked()
	m.reconnecting = false

	m.gen++
	gen := m.gen
	m.transport = nil // a Closing transport is superseded by this attempt

	m.setStateLocked(StateConnecting)
	m.emitLocked(Event{Type: EventConnecting})
	m.mu.Unlock()
	m.dispatch()

	go m.dialAndAttach(gen)
}

// dialAndAttach runs the blocking dial off the caller's goroutine and
// attaches the resulting transport, unless the attempt was superseded.
func (m *Manager) dialAndAttach(gen uint64) {
	cb := Callbacks{
		OnMessage: func(data []byte) { m.handleMessage(gen, data) },
		OnError:   func(err error) { m.handleTransportError(gen, err) },
		OnClose: func(code int, reason string, wasClean bool) {
			m.handleTransportClose(gen, code, reason, wasClean)
		},
	}

	tr, err := m.dial(m.ctx, m.target, cb)

	m.mu.Lock()
	if m.destroyed || gen != m.gen {
		m.mu.Unlock()
		if err == nil && tr != nil {
			tr.Close(CloseGoingAway, "superseded")
		}
		return
	}

	if err != nil {
		m.logger.Warn("dial failed", "target", m.target, "error", err)
		m.emitLocked(Event{Type: EventError, Err: err})
		m.dropTransportLocked(CloseAbnormal, err.Error(), false)
		m.mu.Unlock()
		m.dispatch()
		return
	}

	m.transport = tr
	m.attempts = 0
	m.capNotified = false
	m.reconnecting = false
	m.setStateLocked(StateOpen)
	m.startHeartbeatLocked()
	m.flushQueueLocked()
	m.emitLocked(Event{Type: EventOpen})
	m.logger.Info("connected", "target", m.target)
	m.mu.Unlock()
	m.dispatch()
}

// Send transmits payload immediately while Open, otherwise queues it for
// the next open transport. Queuing is silent: the only errors returned
// are payload encoding failures and ErrDestroyed. Transmission failures
// after encoding surface via the error event.
func (m *Manager) Send(payload any) error {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return ErrDestroyed
	}

	data, err := m.encode(payload)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("encode payload: %w", err)
	}

	if m.state == StateOpen && m.transport != nil {
		if err := m.transport.Send(data); err != nil {
			m.logger.Warn("send failed, queueing payload", "error", err)
			m.emitLocked(Event{Type: EventError, Err: err})
			m.pushQueueLocked(data)
		}
		m.mu.Unlock()
		m.dispatch()
		return nil
	}

	m.pushQueueLocked(data)
	m.mu.Unlock()
	return nil
}

// Close performs a forced close: reconnection is suppressed until the
// next Connect. When no transport is open, a Closed transition and a
// clean close event are synthesized. Repeated calls are no-ops.
func (m *Manager) Close(code int, reason string) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	wasForced := m.forcedClose
	m.forcedClose = true
	m.stopHeartbeatLocked()
	m.cancelReconnectTimerLocked()
	m.reconnecting = false

	if m.transport != nil {
		tr := m.transport
		m.setStateLocked(StateClosing)
		m.mu.Unlock()
		m.dispatch()
		// The transport's own OnClose completes the Closed transition.
		if err := tr.Close(code, reason); err != nil {
			m.logger.Debug("transport close failed", "error", err)
		}
		return
	}

	// Synthesize the close exactly once: a repeated Close (forcedClose
	// already set) emits nothing.
	if !wasForced {
		m.gen++ // invalidate any in-flight dial
		m.setStateLocked(StateClosed)
		m.emitLocked(Event{Type: EventClose, Code: code, Reason: reason, WasClean: true})
	}
	m.mu.Unlock()
	m.dispatch()
}

// Destroy closes the connection, unregisters observers, and clears the
// queue and all listeners. The manager is not reusable afterwards; no
// timer produces an observable effect once Destroy returns.
func (m *Manager) Destroy() {
	m.Close(CloseGoingAway, destroyedReason)

	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}
	m.destroyed = true
	m.gen++
	m.state = StateClosed // terminal, no event: listeners are cleared below
	m.transport = nil
	m.stopHeartbeatLocked()
	m.cancelReconnectTimerLocked()
	m.reconnecting = false
	m.queue.clear()
	m.listeners.clear()
	m.pending = nil
	unsubs := m.unsubs
	m.unsubs = nil
	m.mu.Unlock()

	m.cancel()
	for _, u := range unsubs {
		u()
	}
}

// encode turns a payload into wire bytes. Without a Serialize option,
// []byte and string pass through and other values are JSON-encoded.
func (m *Manager) encode(v any) ([]byte, error) {
	if m.opts.Serialize != nil {
		return m.opts.Serialize(v)
	}
	switch d := v.(type) {
	case []byte:
		return d, nil
	case string:
		return []byte(d), nil
	default:
		return json.Marshal(v)
	}
}

func (m *Manager) pushQueueLocked(data []byte) {
	if m.queue.push(data) {
		m.logger.Warn("outbound queue full, dropped oldest payload",
			"limit", m.opts.QueueLimit,
			"dropped_total", m.queue.totalDropped(),
		)
	}
}

// flushQueueLocked drains the outbound queue in FIFO order. Each payload
// is popped only after a successful send; on failure the remainder stays
// queued for the next open transport.
func (m *Manager) flushQueueLocked() {
	for {
		data, ok := m.queue.peek()
		if !ok {
			return
		}
		if err := m.transport.Send(data); err != nil {
			m.logger.Warn("queue flush interrupted", "queued", m.queue.len(), "error", err)
			m.emitLocked(Event{Type: EventError, Err: err})
			return
		}
		m.queue.pop()
	}
}

// handleMessage routes one inbound raw message: heartbeat acknowledgments
// are consumed, everything else is decoded and forwarded.
func (m *Manager) handleMessage(gen uint64, data []byte) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen {
		m.mu.Unlock()
		return
	}

	if m.opts.heartbeatEnabled() && m.opts.IsPongMessage(data) {
		if m.hbTimeout != nil {
			m.hbTimeout.Stop()
			m.hbTimeout = nil
		}
		m.mu.Unlock()
		return
	}

	var payload any = data
	if m.opts.Deserialize != nil {
		if v, err := m.opts.Deserialize(data); err != nil {
			m.logger.Debug("deserialize failed, delivering raw payload", "error", err)
		} else {
			payload = v
		}
	}

	m.emitLocked(Event{Type: EventMessage, Message: payload, Raw: data})
	m.mu.Unlock()
	m.dispatch()
}

func (m *Manager) handleTransportError(gen uint64, err error) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("transport error", "error", err)
	m.emitLocked(Event{Type: EventError, Err: err})
	m.mu.Unlock()
	m.dispatch()
}

func (m *Manager) handleTransportClose(gen uint64, code int, reason string, wasClean bool) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.logger.Info("transport closed", "code", code, "reason", reason, "clean", wasClean)
	m.dropTransportLocked(code, reason, wasClean)
	m.mu.Unlock()
	m.dispatch()
}

// dropTransportLocked is the shared path for every transport loss: real
// closes, dial failures, and synthesized offline closes. It emits the
// close event and enters the reconnect path unless the close was forced.
func (m *Manager) dropTransportLocked(code int, reason string, wasClean bool) {
	m.stopHeartbeatLocked()
	m.transport = nil
	m.gen++
	m.setStateLocked(StateClosed)
	m.emitLocked(Event{Type: EventClose, Code: code, Reason: reason, WasClean: wasClean})
	if !m.forcedClose {
		m.scheduleReconnectLocked()
	}
}

// ReconnectDelay returns the backoff delay for the given 0-indexed
// attempt: min(base * 2^attempt, max).
func ReconnectDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max || d < 0 { // overflow lands on the ceiling
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

func (m *Manager) scheduleReconnectLocked() {
	if m.reconnecting || m.destroyed {
		return
	}

	if m.opts.MaxReconnectAttempts > 0 && m.attempts >= m.opts.MaxReconnectAttempts {
		if !m.capNotified {
			m.capNotified = true
			m.logger.Warn("reconnect attempts exhausted", "attempts", m.attempts)
			m.emitLocked(Event{Type: EventReconnectFailed, Attempt: m.attempts})
		}
		return
	}

	delay := ReconnectDelay(m.opts.ReconnectBaseInterval, m.opts.MaxReconnectInterval, m.attempts)
	m.reconnecting = true
	m.logger.Info("scheduling reconnect", "attempt", m.attempts, "delay", delay)
	m.emitLocked(Event{Type: EventReconnectAttempt, Attempt: m.attempts, Delay: delay})
	m.reconnectTimer = time.AfterFunc(delay, m.reconnectFire)
}

func (m *Manager) reconnectFire() {
	m.mu.Lock()
	if m.destroyed || !m.reconnecting || m.forcedClose {
		m.mu.Unlock()
		return
	}
	m.reconnecting = false
	m.attempts++
	m.mu.Unlock()

	m.Connect()
}

func (m *Manager) cancelReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// startHeartbeatLocked arms the first heartbeat tick. No-op unless the
// ping/pong capability pair is configured, and while hidden.
func (m *Manager) startHeartbeatLocked() {
	if !m.opts.heartbeatEnabled() || m.hidden {
		return
	}
	m.stopHeartbeatLocked()
	gen := m.gen
	m.hbTimer = time.AfterFunc(m.opts.HeartbeatInterval, func() { m.heartbeatTick(gen) })
}

func (m *Manager) stopHeartbeatLocked() {
	if m.hbTimer != nil {
		m.hbTimer.Stop()
		m.hbTimer = nil
	}
	if m.hbTimeout != nil {
		m.hbTimeout.Stop()
		m.hbTimeout = nil
	}
}

// heartbeatTick sends one ping, arms the pong deadline, and reschedules
// itself. A pending deadline is never doubled up.
func (m *Manager) heartbeatTick(gen uint64) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen || m.state != StateOpen || m.transport == nil || m.hidden {
		m.mu.Unlock()
		return
	}

	// The deadline is armed even when the write fails: a transport that
	// cannot carry pings is as dead as one that never answers them.
	if err := m.transport.Send(m.opts.GetPingMessage()); err != nil {
		m.logger.Debug("ping send failed", "error", err)
	}
	if m.hbTimeout == nil {
		m.hbTimeout = time.AfterFunc(m.opts.HeartbeatTimeout, func() { m.heartbeatExpired(gen) })
	}

	m.hbTimer = time.AfterFunc(m.opts.HeartbeatInterval, func() { m.heartbeatTick(gen) })
	m.mu.Unlock()
}

// heartbeatExpired force-closes a silently dead transport. The close is
// deliberate rather than an error: the transport's OnClose re-enters the
// normal unexpected-close handling and triggers reconnection.
func (m *Manager) heartbeatExpired(gen uint64) {
	m.mu.Lock()
	if m.destroyed || gen != m.gen || m.state != StateOpen || m.transport == nil {
		m.mu.Unlock()
		return
	}
	m.hbTimeout = nil
	tr := m.transport
	m.logger.Warn("heartbeat timeout, forcing close", "timeout", m.opts.HeartbeatTimeout)
	m.mu.Unlock()

	if err := tr.Close(CloseHeartbeatTimeout, "heartbeat timeout"); err != nil {
		m.logger.Debug("transport close failed", "error", err)
	}
}

// onVisibility pauses the heartbeat while hidden and resumes it on
// restore. A restore with no transport and no reconnect in flight
// connects immediately.
func (m *Manager) onVisibility(visible bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	m.hidden = !visible
	if m.hidden {
		m.stopHeartbeatLocked()
		m.mu.Unlock()
		return
	}

	if m.state == StateOpen {
		m.startHeartbeatLocked()
		m.mu.Unlock()
		return
	}

	connect := m.state == StateClosed && !m.reconnecting && !m.forcedClose
	m.mu.Unlock()
	if connect {
		m.Connect()
	}
}

// onNetwork reacts to online/offline transitions. Online is the fast
// path out of backoff; offline force-closes the transport so its own
// close event drives the normal close handling.
func (m *Manager) onNetwork(online bool) {
	m.mu.Lock()
	if m.destroyed {
		m.mu.Unlock()
		return
	}

	if online {
		m.cancelReconnectTimerLocked()
		m.reconnecting = false
		// Fast path out of any disconnected period, including one whose
		// backoff timer the offline transition already cancelled.
		connect := m.state == StateClosed && !m.forcedClose
		m.mu.Unlock()
		if connect {
			m.Connect()
		}
		return
	}

	m.cancelReconnectTimerLocked()
	m.reconnecting = false

	if m.transport != nil {
		tr := m.transport
		m.mu.Unlock()
		if err := tr.Close(CloseGoingAway, "network offline"); err != nil {
			m.logger.Debug("transport close failed", "error", err)
		}
		return
	}

	if m.state == StateConnecting {
		// Abandon the in-flight dial and synthesize the close.
		m.dropTransportLocked(CloseGoingAway, "network offline", false)
	}
	m.mu.Unlock()
	m.dispatch()
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	m.logger.Debug("state changed", "state", s)
	// Closing is internal; observable ready states are Connecting,
	// Open and Closed.
	if s != StateClosing {
		m.emitLocked(Event{Type: EventStateChange, State: s})
	}
}

func (m *Manager) emitLocked(ev Event) {
	m.pending = append(m.pending, ev)
}

// dispatch delivers queued events in order. Only one dispatcher runs at a
// time; events emitted from within a listener are appended to the same
// queue and delivered by the active dispatcher, giving run-to-completion
// semantics without holding the lock across listener calls.
func (m *Manager) dispatch() {
	m.mu.Lock()
	if m.dispatching {
		m.mu.Unlock()
		return
	}
	m.dispatching = true

	for len(m.pending) > 0 {
		ev := m.pending[0]
		m.pending = m.pending[1:]
		fns := m.listeners.snapshot(ev.Type)
		m.mu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}

		m.mu.Lock()
	}

	m.dispatching = false
	m.mu.Unlock()
}
