package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dgnsrekt/mirrorsync/internal/changes"
	"github.com/dgnsrekt/mirrorsync/internal/events"
)

const (
	// DefaultKeepAliveInterval is how often the server sends the liveness token.
	DefaultKeepAliveInterval = 30 * time.Second
	// DefaultKeepAliveMargin gives the liveness token time to travel.
	DefaultKeepAliveMargin = 1 * time.Second

	defaultWriteWait      = 10 * time.Second
	defaultMaxMessageSize = 4 << 20
	defaultSendBufferSize = 64
)

// Handler receives every application payload, un-decoded.
type Handler interface {
	HandleMessage(raw []byte, binary bool)
}

// VersionSource reports the mirror version, if one is known yet.
type VersionSource interface {
	MirrorVersion() (int64, bool)
}

// Options configures a Manager.
type Options struct {
	URL               string
	Binary            bool // prefer protobuf+zstd change frames
	KeepAliveInterval time.Duration
	KeepAliveMargin   time.Duration
	HandshakeTimeout  time.Duration
	WriteWait         time.Duration
	MaxMessageSize    int64
	SendBufferSize    int
}

func (o *Options) withDefaults() {
	if o.KeepAliveInterval <= 0 {
		o.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if o.KeepAliveMargin < 0 {
		o.KeepAliveMargin = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteWait <= 0 {
		o.WriteWait = defaultWriteWait
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = defaultMaxMessageSize
	}
	if o.SendBufferSize <= 0 {
		o.SendBufferSize = defaultSendBufferSize
	}
}

// LivenessTimeout is the time without a keep-alive after which the
// connection is considered dead.
func (o Options) LivenessTimeout() time.Duration {
	return o.KeepAliveInterval + o.KeepAliveMargin
}

// Manager owns the single replication connection. It is safe for
// concurrent use; Connect may be called as often as convenient.
type Manager struct {
	opts   Options
	dialer *websocket.Dialer
	bus    *events.Bus
	logger *zap.Logger

	mu       sync.Mutex
	state    State
	conn     *connection
	handler  Handler
	versions VersionSource
	closed   bool

	dials atomic.Int64
	// historyLost is set when the server refused to replay from our version.
	historyLost atomic.Bool
}

// connection is one socket instance. A reconnect creates a new one.
type connection struct {
	id        string
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	timer     *time.Timer
	closeOnce sync.Once
}

// NewManager creates a Manager in the Closed state.
func NewManager(opts Options, bus *events.Bus, logger *zap.Logger) *Manager {
	opts.withDefaults()

	subprotocols := []string{SubprotocolJSON}
	if opts.Binary {
		subprotocols = []string{SubprotocolBinary, SubprotocolJSON}
	}

	return &Manager{
		opts: opts,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
			Subprotocols:     subprotocols,
		},
		bus:    bus,
		logger: logger,
	}
}

// Bind installs the payload handler and the version source consulted on open.
// Call before the first Connect.
func (m *Manager) Bind(h Handler, versions VersionSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handler = h
	m.versions = versions
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Dials returns the number of sockets this manager has tried to open.
func (m *Manager) Dials() int64 {
	return m.dials.Load()
}

// TakeHistoryLost reports, and clears, whether the server closed the last
// connection because it cannot replay from the mirror version. The mirror has
// to be fetched again before reconnecting.
func (m *Manager) TakeHistoryLost() bool {
	return m.historyLost.Swap(false)
}

// MarkHistoryLost puts back a flag taken by TakeHistoryLost whose refresh failed.
func (m *Manager) MarkHistoryLost() {
	m.historyLost.Store(true)
}

// Connect opens a new connection unless one is already open or being opened.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateClosed {
		state := m.state
		m.mu.Unlock()
		m.logger.Debug("connect skipped", zap.Stringer("state", state))
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	m.dials.Add(1)
	m.logger.Info("connecting", zap.String("url", m.opts.URL))

	wsConn, _, err := m.dialer.DialContext(ctx, m.opts.URL, nil)
	if err != nil {
		m.mu.Lock()
		m.state = StateClosed
		m.mu.Unlock()

		m.logger.Warn("connect failed", zap.String("url", m.opts.URL), zap.Error(err))
		m.bus.Publish(events.Event{Kind: events.Offline})
		return fmt.Errorf("dialing %s: %w", m.opts.URL, err)
	}

	c := &connection{
		id:     uuid.New().String(),
		ws:     wsConn,
		send:   make(chan []byte, m.opts.SendBufferSize),
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.state = StateClosed
		m.mu.Unlock()
		_ = wsConn.Close()
		return ErrClosed
	}
	m.conn = c
	m.state = StateOpen
	c.timer = time.AfterFunc(m.opts.LivenessTimeout(), func() { m.expire(c) })
	versions := m.versions
	m.mu.Unlock()

	go m.writePump(c)
	go m.readPump(c)

	m.logger.Info("connected",
		zap.String("connID", c.id),
		zap.String("subprotocol", wsConn.Subprotocol()),
	)
	m.bus.Publish(events.Event{Kind: events.Online})

	// Ask for anything missed while we were offline.
	if versions != nil {
		if v, ok := versions.MirrorVersion(); ok {
			if err := m.enqueue(c, changes.ResyncRequest(v)); err != nil {
				m.logger.Debug("resync on open not sent", zap.Error(err))
			} else {
				m.logger.Debug("resync requested on open", zap.Int64("version", v))
			}
		}
	}

	return nil
}

// Send writes a text message on the open connection.
func (m *Manager) Send(text string) error {
	m.mu.Lock()
	c := m.conn
	open := m.state == StateOpen
	m.mu.Unlock()

	if c == nil || !open {
		return ErrNotConnected
	}
	return m.enqueue(c, text)
}

// Renew restarts the liveness timer of the open connection.
func (m *Manager) Renew() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil {
		return
	}
	m.conn.timer.Stop()
	m.conn.timer.Reset(m.opts.LivenessTimeout())
}

// Disconnect closes the current connection, if any. A later Connect opens a new one.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	c := m.conn
	m.mu.Unlock()

	if c != nil {
		m.shutdownConn(c, "disconnect requested")
	}
}

// Close disconnects and refuses further connects.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	c := m.conn
	m.mu.Unlock()

	if c != nil {
		m.shutdownConn(c, "manager closed")
	}
	return nil
}

func (m *Manager) enqueue(c *connection, text string) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}

	select {
	case c.send <- []byte(text):
		return nil
	case <-c.done:
		return ErrNotConnected
	default:
		return ErrSendBufferFull
	}
}

// expire runs when no keep-alive arrived in time. No close event is
// guaranteed on a silently dead socket, so the handle is torn down here.
func (m *Manager) expire(c *connection) {
	m.mu.Lock()
	current := m.conn == c
	m.mu.Unlock()
	if !current {
		return
	}

	m.logger.Warn("keep-alive timeout, closing connection",
		zap.String("connID", c.id),
		zap.Duration("timeout", m.opts.LivenessTimeout()),
	)
	m.shutdownConn(c, "keep-alive timeout")
}

// shutdownConn tears down c exactly once: timer, socket, state, Offline event.
func (m *Manager) shutdownConn(c *connection, reason string) {
	c.closeOnce.Do(func() {
		if c.timer != nil {
			c.timer.Stop()
		}
		close(c.done)
		_ = c.ws.Close()

		m.mu.Lock()
		if m.conn == c {
			m.conn = nil
			m.state = StateClosed
		}
		m.mu.Unlock()

		m.logger.Info("disconnected",
			zap.String("connID", c.id),
			zap.String("reason", reason),
		)
		m.bus.Publish(events.Event{Kind: events.Offline})
	})
}

// readPump reads messages from the connection until it fails.
func (m *Manager) readPump(c *connection) {
	reason := "connection closed"
	defer func() { m.shutdownConn(c, reason) }()

	c.ws.SetReadLimit(m.opts.MaxMessageSize)

	for {
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == CloseHistoryUnavailable {
				m.logger.Warn("server cannot replay from mirror version",
					zap.String("connID", c.id),
					zap.String("text", ce.Text),
				)
				m.historyLost.Store(true)
				reason = "history unavailable"
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("websocket read error",
					zap.String("connID", c.id),
					zap.Error(err),
				)
				reason = "read error"
			}
			return
		}

		m.mu.Lock()
		h := m.handler
		m.mu.Unlock()

		if h != nil {
			h.HandleMessage(message, isBinary(messageType))
		}
	}
}

// writePump writes queued messages to the connection.
func (m *Manager) writePump(c *connection) {
	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(m.opts.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				m.logger.Debug("websocket write error",
					zap.String("connID", c.id),
					zap.Error(err),
				)
				m.shutdownConn(c, "write error")
				return
			}
		}
	}
}
