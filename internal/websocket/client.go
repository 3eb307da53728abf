// Package websocket maintains the outbound chunk socket: a single client
// connection to the local listener that is re-dialled after a fixed delay
// whenever it closes.
package websocket

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tabrelay/agent/internal/logging"
)

var log = logging.L("socket")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512 * 1024
	handshakeWait  = 10 * time.Second
)

// ErrNotOpen is returned by SendBinary while no connection is open.
var ErrNotOpen = errors.New("socket is not open")

// Config holds socket client configuration.
type Config struct {
	URL            string
	ReconnectDelay time.Duration
	// MaxReconnects stops the client after that many consecutive failed
	// dials. Zero retries forever.
	MaxReconnects int
}

// Client owns at most one connection at a time.
type Client struct {
	config Config
	dialer websocket.Dialer

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	dials    atomic.Int64

	onText  func(string)
	onState func(open bool)
}

// New creates a client. Call Start to connect.
func New(cfg Config) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 2 * time.Second
	}
	return &Client{
		config: cfg,
		dialer: websocket.Dialer{HandshakeTimeout: handshakeWait},
		done:   make(chan struct{}),
	}
}

// OnText registers a callback for text frames from the listener.
func (c *Client) OnText(fn func(string)) { c.onText = fn }

// OnStateChange registers a callback for open/close transitions.
func (c *Client) OnStateChange(fn func(open bool)) { c.onState = fn }

// Start connects and keeps reconnecting until Stop. It blocks.
func (c *Client) Start() {
	if !c.running.CompareAndSwap(false, true) {
		return
	}
	c.reconnectLoop()
}

// Stop closes the connection and ends the reconnect loop.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.running.Store(false)
		close(c.done)

		c.connMu.Lock()
		conn := c.conn
		c.conn = nil
		c.connMu.Unlock()

		if conn != nil {
			c.writeMu.Lock()
			_ = conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.writeMu.Unlock()
			conn.Close()
		}
		log.Info("socket stopped")
	})
}

// IsOpen reports whether a connection is currently open.
func (c *Client) IsOpen() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.conn != nil
}

// Dials returns how many connection attempts have been made.
func (c *Client) Dials() int64 {
	return c.dials.Load()
}

// SendBinary writes data as one binary frame. Nothing is queued: when the
// socket is not open the frame is dropped and ErrNotOpen returned.
func (c *Client) SendBinary(data []byte) error {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return ErrNotOpen
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		log.Warn("binary write error", "error", err)
		// The read pump sees the close and drives reconnection.
		conn.Close()
		return fmt.Errorf("socket write: %w", err)
	}
	return nil
}

func (c *Client) connect() error {
	c.dials.Add(1)
	conn, _, err := c.dialer.Dial(c.config.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.config.URL, err)
	}

	c.connMu.Lock()
	select {
	case <-c.done:
		c.connMu.Unlock()
		conn.Close()
		return errors.New("socket stopped")
	default:
	}
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("socket connected", "url", c.config.URL)
	c.notify(true)
	return nil
}

func (c *Client) reconnectLoop() {
	failures := 0
	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			failures++
			log.Warn("socket connection failed", "error", err, "attempt", failures)
			if c.config.MaxReconnects > 0 && failures >= c.config.MaxReconnects {
				log.Error("giving up on socket after repeated failures", "attempts", failures)
				return
			}
		} else {
			failures = 0
			stopPing := make(chan struct{})
			go c.pingLoop(stopPing)
			c.readPump()
			close(stopPing)
			c.dropConn()
		}

		if !c.running.Load() {
			return
		}
		log.Info("socket closed, reconnecting", "delay", c.config.ReconnectDelay)
		select {
		case <-c.done:
			return
		case <-time.After(c.config.ReconnectDelay):
		}
	}
}

func (c *Client) dropConn() {
	c.connMu.Lock()
	conn := c.conn
	c.conn = nil
	c.connMu.Unlock()

	if conn != nil {
		conn.Close()
		c.notify(false)
	}
}

func (c *Client) notify(open bool) {
	if c.onState != nil {
		c.onState(open)
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("socket read error", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind == websocket.TextMessage && c.onText != nil {
			c.onText(string(message))
		}
	}
}

func (c *Client) pingLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				return
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}
