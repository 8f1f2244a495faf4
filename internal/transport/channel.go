package transport

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/voiceloop/voiceloop/internal/shared"
)

const (
	writeWait          = 10 * time.Second
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 8 * time.Second
	defaultHeartbeat   = 15 * time.Second
	defaultLiveness    = 60 * time.Second
	maxMessageSize     = 512 * 1024
)

type Config struct {
	URL               string
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
}

type Handler func(Frame)

type StateListener func(ConnectionState)

// Channel is a persistent duplex connection to the backend. Inbound frames
// are dispatched to per-kind handlers in arrival order; connection failures
// trigger reconnection with capped exponential backoff until Disconnect.
type Channel struct {
	cfg    Config
	logger *slog.Logger
	dialer *websocket.Dialer

	mu         sync.Mutex
	state      ConnectionState
	ws         *websocket.Conn
	attempt    int
	suppressed bool
	retryTimer *time.Timer

	handlerMu sync.RWMutex
	handlers  map[FrameKind]Handler
	onState   StateListener

	writeMu sync.Mutex
}

func NewChannel(cfg Config, logger *slog.Logger) *Channel {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = defaultLiveness
	}
	return &Channel{
		cfg:      cfg,
		logger:   logger.With("component", "transport"),
		dialer:   &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		state:    StateDisconnected,
		handlers: make(map[FrameKind]Handler),
	}
}

// OnFrame registers the handler for one inbound frame kind. Handlers run on
// the read loop goroutine, so they must not block.
func (c *Channel) OnFrame(kind FrameKind, h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handlers[kind] = h
}

func (c *Channel) OnStateChange(fn StateListener) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.onState = fn
}

func (c *Channel) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Connect() error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.suppressed = false
	c.mu.Unlock()

	return c.connect()
}

func (c *Channel) connect() error {
	c.setState(StateConnecting)

	ws, _, err := c.dialer.Dial(c.cfg.URL, nil)
	if err != nil {
		c.logger.Error("dial failed", "url", c.cfg.URL, "error", err)
		c.setState(StateErrored)
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout))
	})

	c.mu.Lock()
	c.ws = ws
	c.attempt = 0
	c.mu.Unlock()
	c.setState(StateConnected)
	c.logger.Info("connected", "url", c.cfg.URL)

	go c.readPump(ws)
	go c.heartbeat(ws)
	return nil
}

// Send writes one frame. It fails immediately when the channel is not
// connected; frames are never buffered for later delivery.
func (c *Channel) Send(f Frame) error {
	c.mu.Lock()
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if !connected || ws == nil {
		return shared.ErrNotConnected
	}

	data, err := EncodeFrame(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Disconnect suppresses auto-reconnect and releases the connection.
func (c *Channel) Disconnect() error {
	c.mu.Lock()
	c.suppressed = true
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = ws.Close()
	}
	c.setState(StateDisconnected)
	return nil
}

func (c *Channel) readPump(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleReadFailure(ws, err)
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.LivenessTimeout))

		frame, err := DecodeFrame(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Channel) dispatch(f Frame) {
	c.handlerMu.RLock()
	h := c.handlers[f.Kind]
	c.handlerMu.RUnlock()

	if h == nil {
		c.logger.Debug("no handler for frame kind", "kind", f.Kind)
		return
	}
	h(f)
}

func (c *Channel) handleReadFailure(ws *websocket.Conn, err error) {
	c.mu.Lock()
	stale := c.ws != ws
	suppressed := c.suppressed
	if !stale {
		c.ws = nil
	}
	c.mu.Unlock()

	_ = ws.Close()
	if stale || suppressed {
		return
	}

	c.logger.Error("connection lost", "error", err)
	c.setState(StateErrored)
	c.scheduleReconnect()
}

func (c *Channel) heartbeat(ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for range ticker.C {
		c.mu.Lock()
		active := c.ws == ws
		c.mu.Unlock()
		if !active {
			return
		}

		c.writeMu.Lock()
		err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		c.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (c *Channel) scheduleReconnect() {
	c.mu.Lock()
	if c.suppressed {
		c.mu.Unlock()
		return
	}
	delay := backoffDelay(c.attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
	c.attempt++
	c.retryTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		suppressed := c.suppressed
		c.mu.Unlock()
		if suppressed {
			return
		}
		_ = c.connect()
	})
	c.mu.Unlock()

	c.setState(StateReconnecting)
	c.logger.Info("reconnect scheduled", "delay", delay)
}

func (c *Channel) setState(s ConnectionState) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	c.handlerMu.RLock()
	fn := c.onState
	c.handlerMu.RUnlock()
	if fn != nil {
		fn(s)
	}
}

// backoffDelay returns min(base * 2^attempt, cap) for attempt >= 0.
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt > 30 {
		return cap
	}
	d := base << uint(attempt)
	if d > cap || d <= 0 {
		return cap
	}
	return d
}
