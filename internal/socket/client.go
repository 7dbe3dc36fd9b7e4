// Package socket owns the WebSocket connection to the chat gateway. It
// encodes outbound envelopes, surfaces inbound JSON frames, and runs a
// bounded exponential-backoff reconnect loop. It knows nothing about
// conversations or messages.
package socket

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/garagehq/shop-chat/internal/clock"
	"github.com/garagehq/shop-chat/pkg/protocol"
)

// ErrNotConnected is returned by Send when no socket is open. Callers
// must not assume delivery during reconnection windows.
var ErrNotConnected = errors.New("socket: not connected")

// Reconnect defaults.
const (
	DefaultBaseDelay    = 2 * time.Second
	DefaultGrowthFactor = 1.5
	DefaultMaxRetries   = 5

	handshakeTimeout = 10 * time.Second
)

// Config carries the connection parameters for a Client.
type Config struct {
	// URL is the gateway endpoint (ws:// or wss://).
	URL string

	// UserID is appended as the userId query parameter. Both roles send
	// the tenant identity here.
	UserID string

	// Subprotocol carries the SHOP bearer token in the
	// Sec-WebSocket-Protocol offer. Browser sockets cannot set arbitrary
	// headers, so the gateway reads the credential from there. Empty for
	// the CUSTOMER role.
	Subprotocol string

	// BaseDelay, GrowthFactor and MaxRetries tune the reconnect
	// schedule: BaseDelay * GrowthFactor^attempt, at most MaxRetries
	// attempts. Zero values take the defaults above.
	BaseDelay    time.Duration
	GrowthFactor float64
	MaxRetries   int

	Clock  clock.Clock
	Logger *slog.Logger
}

// Client holds at most one WebSocket connection to the gateway at a
// time. All exported methods are safe for concurrent use. Observer
// callbacks run outside the client's locks and may call back into it.
type Client struct {
	cfg Config
	log *slog.Logger
	clk clock.Clock

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	attempts int
	explicit bool // next close was requested by Disconnect
	retry    *clock.Timer

	onOpen    []func()
	onClose   []func()
	onMessage []func(data []byte)
	onError   []func(err error)
	onStatus  []func(s State)

	writeMu sync.Mutex
}

// New creates a Client. Connect must be called before anything can be
// sent.
func New(cfg Config) *Client {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.GrowthFactor <= 1 {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		cfg:   cfg,
		log:   cfg.Logger,
		clk:   cfg.Clock,
		state: Disconnected,
	}
}

// OnOpen registers a callback invoked after each successful connect.
// All registrations are additive: every callback registered for an
// event fires.
func (c *Client) OnOpen(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, fn)
}

// OnClose registers a callback invoked when the connection drops or is
// torn down.
func (c *Client) OnClose(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, fn)
}

// OnMessage registers a callback receiving each inbound text frame that
// is well-formed JSON. The byte slice must not be retained.
func (c *Client) OnMessage(fn func(data []byte)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, fn)
}

// OnError registers a callback for connection-level failures. Errors
// reported here also feed the reconnect path; they are never fatal.
func (c *Client) OnError(fn func(err error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// OnStatusChange registers a callback invoked on every State
// transition.
func (c *Client) OnStatusChange(fn func(s State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect opens a socket to the gateway. It does not block: progress is
// reported through the statusChange, open and error observers. A
// previously held connection is closed first, and the retry counter
// starts fresh.
func (c *Client) Connect() {
	c.mu.Lock()
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	c.explicit = false
	c.attempts = 0
	old := c.conn
	c.conn = nil
	c.mu.Unlock()

	if old != nil {
		old.Close()
	}

	c.setState(Connecting)
	go c.dial()
}

// Disconnect closes the connection and suppresses any reconnect,
// including a retry already scheduled. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.explicit = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
		c.emitClose()
	}
	c.setState(Disconnected)
}

// Send encodes {action, ...fields} as one JSON text frame and writes
// it. Returns ErrNotConnected when no socket is open; the frame is not
// queued.
func (c *Client) Send(action string, fields map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	data, err := protocol.Envelope(action, fields)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write %s frame: %w", action, err)
	}
	return nil
}

// dial performs one connection attempt. Failures are surfaced via the
// error observers and feed the reconnect schedule.
func (c *Client) dial() {
	target, err := c.buildURL()
	if err != nil {
		c.emitError(err)
		c.scheduleReconnect()
		return
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	if c.cfg.Subprotocol != "" {
		dialer.Subprotocols = []string{c.cfg.Subprotocol}
	}

	conn, resp, err := dialer.Dial(target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		c.emitError(fmt.Errorf("dial gateway: %w", err))
		c.scheduleReconnect()
		return
	}

	c.mu.Lock()
	if c.explicit {
		// Disconnect won the race against this dial.
		c.mu.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.attempts = 0
	c.mu.Unlock()

	c.setState(Connected)
	c.emitOpen()
	go c.readLoop(conn)
}

func (c *Client) buildURL() (string, error) {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return "", fmt.Errorf("parse gateway url: %w", err)
	}
	q := u.Query()
	q.Set("userId", c.cfg.UserID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleConnLost(conn, err)
			return
		}
		if !json.Valid(data) {
			// One bad frame never breaks the stream.
			c.log.Warn("dropping malformed frame", "bytes", len(data))
			continue
		}
		c.emitMessage(data)
	}
}

// handleConnLost runs when a read loop exits. A loop whose connection
// was already replaced or torn down does nothing.
func (c *Client) handleConnLost(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	explicit := c.explicit
	c.mu.Unlock()

	conn.Close()
	c.emitClose()

	if explicit {
		return
	}
	c.log.Info("connection lost", "error", err)
	c.scheduleReconnect()
}

// scheduleReconnect books the next attempt at
// BaseDelay * GrowthFactor^attempt, or goes terminal Disconnected once
// MaxRetries attempts have failed. The host may call Connect again for
// a manual retry.
func (c *Client) scheduleReconnect() {
	c.mu.Lock()
	if c.explicit {
		c.mu.Unlock()
		return
	}
	if c.attempts >= c.cfg.MaxRetries {
		c.mu.Unlock()
		c.log.Warn("reconnect attempts exhausted", "attempts", c.cfg.MaxRetries)
		c.setState(Disconnected)
		return
	}
	c.attempts++
	attempt := c.attempts
	delay := time.Duration(float64(c.cfg.BaseDelay) * math.Pow(c.cfg.GrowthFactor, float64(attempt-1)))
	c.retry = c.clk.AfterFunc(delay, c.dial)
	c.mu.Unlock()

	c.setState(Reconnecting)
	c.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	handlers := append([]func(State){}, c.onStatus...)
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(s)
	}
}

func (c *Client) emitOpen() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onOpen...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (c *Client) emitClose() {
	c.mu.Lock()
	handlers := append([]func(){}, c.onClose...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn()
	}
}

func (c *Client) emitMessage(data []byte) {
	c.mu.Lock()
	handlers := append([]func([]byte){}, c.onMessage...)
	c.mu.Unlock()
	for _, fn := range handlers {
		fn(data)
	}
}

func (c *Client) emitError(err error) {
	c.mu.Lock()
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()
	c.log.Error("socket error", "error", err)
	for _, fn := range handlers {
		fn(err)
	}
}
