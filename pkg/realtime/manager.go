package realtime

import (
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/headlessly/analytics-go/pkg/backoff"
)

// Config configures a Manager.
type Config struct {
	// URL is the WebSocket endpoint.
	URL string
	// APIKey is passed as the token query parameter when present.
	APIKey string
	// HeartbeatInterval is the ping period while connected. Zero disables
	// the heartbeat.
	HeartbeatInterval time.Duration
	// Backoff drives reconnect delays; its MaxAttempts caps consecutive
	// reconnect attempts before settling at disconnected.
	Backoff backoff.Policy
	// Dialer overrides the socket constructor, used by tests.
	Dialer Dialer
}

type subscriber struct {
	fn Handler
}

type stateListener struct {
	fn func(State)
}

// Manager owns a single logical socket session and multiplexes entity-type
// subscriptions over it. All state transitions happen under one mutex; the
// reconnect timer and heartbeat ticker are explicit so Disconnect can cancel
// them deterministically.
type Manager struct {
	cfg    Config
	dialer Dialer
	log    *zap.Logger

	// writeMu serializes outbound frames. gorilla/websocket allows only one
	// concurrent writer per connection, and heartbeats, subscription flushes
	// and caller-driven subscribe/unsubscribe all write from their own
	// goroutines.
	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	conn           Conn
	gen            int
	attempts       int
	closing        bool
	subs           map[string][]*subscriber
	pending        map[string]struct{}
	reconnectTimer *time.Timer
	heartbeatTick  *time.Ticker
	heartbeatStop  chan struct{}
	stateListeners []*stateListener
}

// NewManager creates a disconnected manager.
func NewManager(cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = wsDialer{}
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		log:     log,
		state:   StateDisconnected,
		subs:    make(map[string][]*subscriber),
		pending: make(map[string]struct{}),
	}
}

// wsDialer opens gorilla/websocket sessions.
type wsDialer struct{}

func (wsDialer) Dial(rawURL string) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener invoked on every transition, in
// registration order. The returned disposer removes only this listener.
func (m *Manager) OnStateChange(fn func(State)) func() {
	l := &stateListener{fn: fn}
	m.mu.Lock()
	m.stateListeners = append(m.stateListeners, l)
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, candidate := range m.stateListeners {
			if candidate == l {
				m.stateListeners = append(m.stateListeners[:i:i], m.stateListeners[i+1:]...)
				return
			}
		}
	}
}

// setStateLocked transitions and returns the listener notifications to run
// after the lock is released.
func (m *Manager) setStateLocked(s State) []func() {
	if m.state == s {
		return nil
	}
	m.log.Debug("connection state changed",
		zap.Stringer("from", m.state),
		zap.Stringer("to", s))
	m.state = s

	fns := make([]func(), 0, len(m.stateListeners))
	for _, l := range m.stateListeners {
		fn := l.fn
		fns = append(fns, func() { fn(s) })
	}
	return fns
}

func (m *Manager) notify(fns []func()) {
	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("state listener panicked", zap.Any("panic", r))
				}
			}()
			fn()
		}()
	}
}

func (m *Manager) socketURL() string {
	if m.cfg.APIKey == "" {
		return m.cfg.URL
	}
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return m.cfg.URL
	}
	q := u.Query()
	q.Set("token", m.cfg.APIKey)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the session unless one is already open or underway.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.closing = false
	m.attempts = 0
	fns := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notify(fns)

	go m.dial()
}

// dial opens one socket. A constructor failure is treated identically to a
// connection close and enters the reconnect path.
func (m *Manager) dial() {
	conn, err := m.dialer.Dial(m.socketURL())

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		if err == nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.log.Debug("socket open failed", zap.Error(err))
		fns := m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.notify(fns)
		return
	}

	m.conn = conn
	m.gen++
	gen := m.gen
	m.attempts = 0

	// Flush both previously active and offline-queued subscriptions.
	entities := make([]string, 0, len(m.subs)+len(m.pending))
	seen := make(map[string]struct{}, len(m.subs)+len(m.pending))
	for entity := range m.subs {
		entities = append(entities, entity)
		seen[entity] = struct{}{}
	}
	for entity := range m.pending {
		if _, ok := seen[entity]; !ok {
			entities = append(entities, entity)
		}
	}
	m.pending = make(map[string]struct{})

	m.startHeartbeatLocked(conn)
	fns := m.setStateLocked(StateConnected)
	m.mu.Unlock()
	m.notify(fns)

	sort.Strings(entities)
	for _, entity := range entities {
		m.write(conn, controlMessage{Action: "subscribe", Entity: entity})
	}

	go m.readLoop(conn, gen)
}

func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		var frame Message
		if err := conn.ReadJSON(&frame); err != nil {
			m.socketClosed(gen, err)
			return
		}
		if frame.Type == "pong" {
			continue
		}
		m.dispatch(frame)
	}
}

// socketClosed handles an unrequested close. Stale generations (a socket the
// manager already detached from) are ignored.
func (m *Manager) socketClosed(gen int, cause error) {
	m.mu.Lock()
	if m.closing || gen != m.gen {
		m.mu.Unlock()
		return
	}
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.stopHeartbeatLocked()
	m.log.Debug("socket closed", zap.Error(cause))
	fns := m.scheduleReconnectLocked()
	m.mu.Unlock()
	m.notify(fns)
}

// scheduleReconnectLocked increments the attempt counter, then either gives
// up or arms the reconnect timer with the backoff delay for this attempt.
func (m *Manager) scheduleReconnectLocked() []func() {
	m.attempts++
	if m.cfg.Backoff.MaxAttempts > 0 && m.attempts > m.cfg.Backoff.MaxAttempts {
		m.log.Warn("reconnect attempts exhausted",
			zap.Int("attempts", m.attempts-1))
		return m.setStateLocked(StateDisconnected)
	}

	delay := m.cfg.Backoff.Delay(m.attempts - 1)
	fns := m.setStateLocked(StateReconnecting)
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
	}
	m.reconnectTimer = time.AfterFunc(delay, m.redial)
	return fns
}

func (m *Manager) redial() {
	m.mu.Lock()
	if m.closing || m.state != StateReconnecting {
		m.mu.Unlock()
		return
	}
	fns := m.setStateLocked(StateConnecting)
	m.mu.Unlock()
	m.notify(fns)

	m.dial()
}

func (m *Manager) startHeartbeatLocked(conn Conn) {
	if m.cfg.HeartbeatInterval <= 0 {
		return
	}
	m.heartbeatTick = time.NewTicker(m.cfg.HeartbeatInterval)
	stop := make(chan struct{})
	m.heartbeatStop = stop
	tick := m.heartbeatTick

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				m.write(conn, controlMessage{Type: "ping"})
			}
		}
	}()
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeatTick == nil {
		return
	}
	m.heartbeatTick.Stop()
	close(m.heartbeatStop)
	m.heartbeatTick = nil
	m.heartbeatStop = nil
}

func (m *Manager) write(conn Conn, msg controlMessage) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		m.log.Debug("socket write failed", zap.Error(err))
	}
}

// Subscribe registers handler for entityType (or every entity type when
// entityType is Wildcard). While connected, a newly created bucket sends a
// subscribe control message immediately; otherwise the entity type is queued
// for the next open, and a connect is triggered when fully disconnected. The
// returned closure removes only this handler; an emptied bucket sends an
// unsubscribe control message.
func (m *Manager) Subscribe(entityType string, handler Handler) func() {
	sub := &subscriber{fn: handler}

	m.mu.Lock()
	newBucket := len(m.subs[entityType]) == 0
	m.subs[entityType] = append(m.subs[entityType], sub)

	var conn Conn
	connect := false
	switch m.state {
	case StateConnected:
		if newBucket {
			conn = m.conn
		}
	case StateDisconnected:
		m.pending[entityType] = struct{}{}
		connect = true
	default:
		m.pending[entityType] = struct{}{}
	}
	m.mu.Unlock()

	if conn != nil {
		m.write(conn, controlMessage{Action: "subscribe", Entity: entityType})
	}
	if connect {
		m.Connect()
	}

	return func() { m.unsubscribe(entityType, sub) }
}

func (m *Manager) unsubscribe(entityType string, sub *subscriber) {
	m.mu.Lock()
	ls := m.subs[entityType]
	for i, candidate := range ls {
		if candidate == sub {
			m.subs[entityType] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}

	var conn Conn
	if len(m.subs[entityType]) == 0 {
		delete(m.subs, entityType)
		delete(m.pending, entityType)
		if m.state == StateConnected {
			conn = m.conn
		}
	}
	m.mu.Unlock()

	if conn != nil {
		m.write(conn, controlMessage{Action: "unsubscribe", Entity: entityType})
	}
}

// dispatch fans an inbound data message out to the entity's handlers and to
// wildcard handlers, isolating panics per handler.
func (m *Manager) dispatch(msg Message) {
	m.mu.Lock()
	handlers := make([]Handler, 0, len(m.subs[msg.Entity])+len(m.subs[Wildcard]))
	for _, s := range m.subs[msg.Entity] {
		handlers = append(handlers, s.fn)
	}
	if msg.Entity != Wildcard {
		for _, s := range m.subs[Wildcard] {
			handlers = append(handlers, s.fn)
		}
	}
	m.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("subscription handler panicked",
						zap.String("entity", msg.Entity),
						zap.Any("panic", r))
				}
			}()
			h(msg)
		}()
	}
}

// Disconnect tears the session down: the reconnect timer and heartbeat are
// cancelled, the read loop is detached before the socket closes so teardown
// causes no spurious transitions, and the state settles at disconnected.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closing = true
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.stopHeartbeatLocked()
	m.gen++
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.attempts = 0
	fns := m.setStateLocked(StateDisconnected)
	m.mu.Unlock()
	m.notify(fns)
}
