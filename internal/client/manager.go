// Package client implements the consumer side of the real-time channel:
// a connection manager with heartbeats and bounded reconnection, and a
// view model that turns the event stream into render-ready chat state.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/ktirumal2006/Study-Hub/internal/protocol"
)

// State is the channel manager's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateOpen
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// Reconnection and keepalive tuning. Delays double per attempt from
// BaseDelay up to MaxDelay; after MaxAttempts failed attempts the manager
// stays disconnected until Connect is called again.
const (
	MaxAttempts       = 5
	BaseDelay         = 1000 * time.Millisecond
	MaxDelay          = 30000 * time.Millisecond
	HeartbeatInterval = 30 * time.Second
)

// Listener receives every server event: the type discriminator and the
// raw payload for the listener to decode.
type Listener func(eventType string, payload json.RawMessage)

// Config identifies the server and the session to open.
type Config struct {
	URL         string // base ws:// or wss:// URL of the channel endpoint
	Group       string
	Participant string
}

// Manager owns one logical channel to the server. It dials, reads, fans
// events out to listeners, sends keepalives, and transparently redials
// with exponential backoff when the transport drops.
type Manager struct {
	cfg     Config
	dial    func(ctx context.Context) (net.Conn, error)
	backoff func(attempt int) time.Duration

	mu        sync.Mutex
	state     State
	conn      net.Conn
	attempts  int
	closed    bool // Disconnect was called; suppresses reconnection
	onOpen    func()
	connDone  chan struct{}
	listeners map[int]Listener
	nextID    int
}

// NewManager creates a Manager. It does not dial; call Connect.
func NewManager(cfg Config) *Manager {
	m := &Manager{
		cfg:       cfg,
		listeners: make(map[int]Listener),
	}
	m.dial = m.dialServer
	m.backoff = backoffDelay
	return m
}

func (m *Manager) dialServer(ctx context.Context) (net.Conn, error) {
	u, err := url.Parse(m.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("client: bad url %q: %w", m.cfg.URL, err)
	}
	q := u.Query()
	q.Set("group", m.cfg.Group)
	if m.cfg.Participant != "" {
		q.Set("participant", m.cfg.Participant)
	}
	u.RawQuery = q.Encode()

	conn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", u.Host, err)
	}
	return conn, nil
}

// State reports the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Listen registers a listener for server events and returns a function
// that unsubscribes it. Listeners are invoked from the read goroutine.
func (m *Manager) Listen(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Connect dials the server. On failure the usual backoff schedule starts,
// so a single Connect call is enough even when the server is briefly
// unavailable. onOpen (optional) is invoked every time the channel comes
// up, including after a background reconnect, so callers can flip their
// connected indicator without polling State.
func (m *Manager) Connect(ctx context.Context, onOpen func()) {
	m.mu.Lock()
	if m.state == StateOpen || m.state == StateConnecting {
		m.mu.Unlock()
		return
	}
	m.closed = false
	m.attempts = 0
	m.state = StateConnecting
	m.onOpen = onOpen
	m.mu.Unlock()

	m.establish(ctx)
}

func (m *Manager) establish(ctx context.Context) {
	conn, err := m.dial(ctx)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		m.mu.Unlock()
		log.Printf("client: connect failed: %v", err)
		m.scheduleReconnect()
		return
	}

	m.conn = conn
	m.state = StateOpen
	m.attempts = 0
	done := make(chan struct{})
	m.connDone = done
	onOpen := m.onOpen
	m.mu.Unlock()

	go m.readLoop(conn, done)
	go m.heartbeat(done)

	if onOpen != nil {
		onOpen()
	}
}

// readLoop consumes server frames until the transport fails, then hands
// off to the reconnection path.
func (m *Manager) readLoop(conn net.Conn, done chan struct{}) {
	for {
		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			m.handleDrop(conn, done, err)
			return
		}

		eventType, payload, perr := protocol.ParseEvent(data)
		if perr != nil {
			log.Printf("client: drop malformed event: %v", perr)
			continue
		}

		for _, fn := range m.snapshotListeners() {
			fn(eventType, payload)
		}
	}
}

func (m *Manager) snapshotListeners() []Listener {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Listener, 0, len(m.listeners))
	for _, fn := range m.listeners {
		out = append(out, fn)
	}
	return out
}

func (m *Manager) handleDrop(conn net.Conn, done chan struct{}, cause error) {
	m.mu.Lock()
	if m.connDone == done {
		close(done)
		m.connDone = nil
		m.conn = nil
	}
	closed := m.closed
	m.mu.Unlock()

	conn.Close()

	if closed {
		return
	}
	if cause != io.EOF {
		log.Printf("client: connection dropped: %v", cause)
	}
	m.scheduleReconnect()
}

// scheduleReconnect arms the next redial attempt, doubling the delay each
// time. Attempt n waits min(BaseDelay * 2^(n-1), MaxDelay); after
// MaxAttempts the manager gives up and goes to StateDisconnected.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.attempts++
	if m.attempts > MaxAttempts {
		m.state = StateDisconnected
		m.mu.Unlock()
		log.Printf("client: giving up after %d attempts", MaxAttempts)
		return
	}
	attempt := m.attempts
	m.state = StateReconnecting
	m.mu.Unlock()

	delay := m.backoff(attempt)
	log.Printf("client: reconnecting in %s (attempt %d/%d)", delay, attempt, MaxAttempts)
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		if m.closed || m.state != StateReconnecting {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		m.establish(ctx)
	})
}

// backoffDelay returns the wait before the given 1-based attempt.
func backoffDelay(attempt int) time.Duration {
	d := BaseDelay << (attempt - 1)
	if d > MaxDelay || d <= 0 {
		return MaxDelay
	}
	return d
}

// Send marshals and transmits one client action. When the channel is not
// open the send is dropped with a warning; callers treat delivery as
// best-effort, the same way the UI does.
func (m *Manager) Send(action interface{}) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateOpen || conn == nil {
		log.Printf("client: send skipped, channel %s", state)
		return
	}

	data, err := json.Marshal(action)
	if err != nil {
		log.Printf("client: marshal action: %v", err)
		return
	}
	if err := wsutil.WriteClientMessage(conn, ws.OpText, data); err != nil {
		log.Printf("client: send failed: %v", err)
	}
}

// SendMessage sends a chat message action.
func (m *Manager) SendMessage(text string) {
	m.Send(protocol.SendMessageAction{Action: protocol.ActionSendMessage, Text: &text})
}

// SendTyping sends a typing-indicator action.
func (m *Manager) SendTyping(isTyping bool) {
	m.Send(protocol.TypingAction{Action: protocol.ActionTyping, IsTyping: &isTyping})
}

// heartbeat sends an application-level ping on a fixed cadence while the
// connection is up, keeping intermediaries from idling the channel out.
func (m *Manager) heartbeat(done chan struct{}) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.Send(protocol.PingAction{Action: protocol.ActionPing})
		}
	}
}

// Disconnect closes the channel for good: no reconnection, heartbeat
// stopped, transport closed. A later Connect starts fresh.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.closed = true
	m.attempts = MaxAttempts
	m.state = StateDisconnected
	conn := m.conn
	m.conn = nil
	if m.connDone != nil {
		close(m.connDone)
		m.connDone = nil
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}
