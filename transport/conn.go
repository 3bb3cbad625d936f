// Package transport is a duplex WebSocket channel that sends binary PCM
// frames and JSON control messages and receives JSON events.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Time allowed to write the close frame to the peer
const closeWait = time.Second

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnusable         = errors.New("connection is no longer usable")
)

type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closing:
		return "closing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler holds the lifecycle callbacks. OnOpen, OnError and OnClose fire at
// most once each, and OnMessage fires in receipt order from a single
// goroutine. Once Connect has been called, OnClose is always the last
// callback, including after a failed dial, so it alone marks the end of the
// connection. Any of them may be nil.
type Handler struct {
	OnOpen    func()
	OnMessage func(data []byte)
	OnError   func(err error)
	OnClose   func()
}

type Option func(*Conn)

func WithDialer(d *websocket.Dialer) Option {
	return func(c *Conn) { c.dialer = d }
}

func WithHeader(h http.Header) Option {
	return func(c *Conn) { c.header = h }
}

// WithStateHook registers fn for every state change. fn must not call back
// into the Conn.
func WithStateHook(fn func(State)) Option {
	return func(c *Conn) { c.onState = fn }
}

// Conn is a single-use connection to one endpoint. Once it has closed or
// failed, a new Conn is needed to reconnect.
type Conn struct {
	ID uuid.UUID

	url     string
	handler Handler
	dialer  *websocket.Dialer
	header  http.Header
	onState func(State)

	mu         sync.Mutex
	state      State
	used       bool
	ws         *websocket.Conn
	dialCancel context.CancelFunc

	writeMu sync.Mutex
	done    chan struct{}
}

func New(url string, handler Handler, opts ...Option) *Conn {
	c := &Conn{
		ID:      uuid.New(),
		url:     url,
		handler: handler,
		dialer:  websocket.DefaultDialer,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Conn) URL() string {
	return c.url
}

func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done is closed once the connection has reached Disconnected for good and
// the final callback has returned.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Connect starts dialing in the background and returns immediately. The
// outcome is reported through the Handler.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.used {
		c.mu.Unlock()
		return ErrUnusable
	}
	c.used = true
	dialCtx, cancel := context.WithCancel(ctx)
	c.dialCancel = cancel
	c.setState(Connecting)
	c.mu.Unlock()

	slog.Debug("Connecting", "url", c.url, "connectionID", c.ID)
	go c.dial(dialCtx, cancel)
	return nil
}

func (c *Conn) dial(ctx context.Context, cancel context.CancelFunc) {
	ws, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	cancel()

	c.mu.Lock()
	if err != nil {
		aborted := c.state == Closing
		c.setState(Disconnected)
		c.mu.Unlock()

		if aborted {
			slog.Debug("Connect aborted", "url", c.url, "connectionID", c.ID)
		} else {
			slog.Error("Failed to connect", "url", c.url, "connectionID", c.ID, "error", err)
			c.fireError(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
		}
		c.fire(c.handler.OnClose)
		close(c.done)
		return
	}

	if c.state == Closing {
		c.setState(Disconnected)
		c.mu.Unlock()
		ws.Close()
		c.fire(c.handler.OnClose)
		close(c.done)
		return
	}

	c.ws = ws
	c.setState(Open)
	c.mu.Unlock()

	slog.Info("Connected", "url", c.url, "connectionID", c.ID)
	c.fire(c.handler.OnOpen)
	c.readLoop(ws)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	defer close(c.done)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			local := c.state == Closing
			c.setState(Closing)
			c.mu.Unlock()

			if !local && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Error("WebSocket read error", "url", c.url, "connectionID", c.ID, "error", err)
				c.fireError(fmt.Errorf("%w: %w", ErrConnectionFailed, err))
			}
			break
		}

		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		if c.handler.OnMessage != nil {
			c.handler.OnMessage(data)
		}
	}

	ws.Close()

	c.mu.Lock()
	c.setState(Disconnected)
	c.mu.Unlock()

	slog.Debug("Connection closed", "url", c.url, "connectionID", c.ID)
	c.fire(c.handler.OnClose)
}

// SendBinary writes one binary frame. It is a silent no-op unless the
// connection is Open; frames are never queued or retried.
func (c *Conn) SendBinary(data []byte) bool {
	return c.send(websocket.BinaryMessage, data)
}

// SendJSON writes v as a text frame, under the same rules as SendBinary.
func (c *Conn) SendJSON(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("Failed to marshal message", "connectionID", c.ID, "error", err)
		return false
	}
	return c.send(websocket.TextMessage, data)
}

func (c *Conn) send(messageType int, data []byte) bool {
	c.mu.Lock()
	if c.state != Open {
		c.mu.Unlock()
		return false
	}
	ws := c.ws
	c.mu.Unlock()

	c.writeMu.Lock()
	err := ws.WriteMessage(messageType, data)
	c.writeMu.Unlock()
	if err != nil {
		slog.Warn("Failed to send message", "connectionID", c.ID, "error", err)
		return false
	}
	return true
}

// Close shuts the connection down. It is idempotent and does not wait for
// OnClose; use Done for that.
func (c *Conn) Close() {
	c.mu.Lock()
	switch c.state {
	case Connecting:
		c.setState(Closing)
		cancel := c.dialCancel
		c.mu.Unlock()
		cancel()

	case Open:
		c.setState(Closing)
		ws := c.ws
		c.mu.Unlock()

		c.writeMu.Lock()
		err := ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWait))
		c.writeMu.Unlock()
		if err != nil {
			slog.Debug("Failed to send close frame", "connectionID", c.ID, "error", err)
		}
		ws.Close()

	default:
		if !c.used {
			c.used = true
			close(c.done)
		}
		c.mu.Unlock()
	}
}

// setState must be called with c.mu held.
func (c *Conn) setState(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.onState != nil {
		c.onState(s)
	}
}

func (c *Conn) fire(fn func()) {
	if fn != nil {
		fn()
	}
}

func (c *Conn) fireError(err error) {
	if c.handler.OnError != nil {
		c.handler.OnError(err)
	}
}
