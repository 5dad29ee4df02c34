// Package relay implements the raw WebSocket connection of spec §4.5: a
// single-URL, non-reconnecting transport that reads text frames and emits
// them as events, leaving reconnection policy to the relayer package.
//
// Grounded on pkg/agent/transport/websocket/client.go's dial-with-timeout
// and background read-loop shape, reworked from a request/response RPC
// transport into a raw publish/subscribe connection: there is no
// per-message pending-response map here, only a single inbound event
// stream and a state machine gating Send.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/walletconnect/relay-core/internal/logger"
	"github.com/walletconnect/relay-core/rcerr"
)

// State is the connection's lifecycle state, per spec §4.5.
type State int

const (
	Disconnected State = iota
	Registering
	Open
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Registering:
		return "registering"
	case Open:
		return "open"
	default:
		return "unknown"
	}
}

// DefaultDialTimeout is the default connect timeout for Open, per spec §4.5.
const DefaultDialTimeout = 60 * time.Second

// Connection is a single WebSocket connection to a relay endpoint. It is
// safe for concurrent use; Send may be called from multiple goroutines.
type Connection struct {
	dialTimeout time.Duration
	log         logger.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn
	// pending holds the in-flight Open call; duplicate Open calls while
	// Registering share this same completion instead of dialing twice.
	pending chan error

	onPayload func(payload string)
	onError   func(cause error)
	onClosed  func()

	writeMu sync.Mutex
}

// New creates a Connection in the Disconnected state.
func New() *Connection {
	return &Connection{
		dialTimeout: DefaultDialTimeout,
		log:         logger.GetDefaultLogger(),
		state:       Disconnected,
	}
}

// WithDialTimeout overrides the default dial timeout. Must be called
// before Open.
func (c *Connection) WithDialTimeout(d time.Duration) *Connection {
	c.dialTimeout = d
	return c
}

// OnPayload registers the callback for inbound text frames.
func (c *Connection) OnPayload(fn func(payload string)) { c.onPayload = fn }

// OnError registers the callback fired when the connection drops with a
// non-empty cause, immediately before OnClosed.
func (c *Connection) OnError(fn func(cause error)) { c.onError = fn }

// OnClosed registers the callback fired whenever the connection
// transitions back to Disconnected, whether cleanly or not.
func (c *Connection) OnClosed(fn func()) { c.onClosed = fn }

// State returns the connection's current state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Open dials url and transitions Disconnected -> Registering -> Open. A
// call made while already Registering blocks on and shares the pending
// dial's result rather than starting a second one.
func (c *Connection) Open(ctx context.Context, url string) error {
	c.mu.Lock()
	switch c.state {
	case Open:
		c.mu.Unlock()
		return nil
	case Registering:
		pending := c.pending
		c.mu.Unlock()
		return <-pending
	}
	c.state = Registering
	pending := make(chan error, 1)
	c.pending = pending
	c.mu.Unlock()

	err := c.dial(ctx, url)

	c.mu.Lock()
	if err != nil {
		c.state = Disconnected
	} else {
		c.state = Open
	}
	c.pending = nil
	c.mu.Unlock()

	pending <- err
	close(pending)
	return err
}

func (c *Connection) dial(ctx context.Context, url string) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.dialTimeout)
	defer cancel()

	dialer := &websocket.Dialer{HandshakeTimeout: c.dialTimeout}
	conn, resp, err := dialer.DialContext(dialCtx, url, nil)
	if err != nil {
		if isUnavailable(err) {
			if resp != nil {
				return fmt.Errorf("%w: dial %s (HTTP %d): %v", rcerr.ErrTransportUnavailable, url, resp.StatusCode, err)
			}
			return fmt.Errorf("%w: dial %s: %v", rcerr.ErrTransportUnavailable, url, err)
		}
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

// isUnavailable maps well-known DNS/refusal substrings to Unavailable,
// per spec §4.5.
func isUnavailable(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "ENOTFOUND") ||
		strings.Contains(msg, "ECONNREFUSED") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout")
}

func (c *Connection) readLoop(conn *websocket.Conn) {
	var closeCause error
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				closeCause = err
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if c.onPayload != nil {
			c.onPayload(string(data))
		}
	}
	c.teardown(conn, closeCause)
}

func (c *Connection) teardown(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.state = Disconnected
	c.mu.Unlock()

	_ = conn.Close()

	if cause != nil {
		c.log.Warn("relay connection closed with error", logger.Error(cause))
		if c.onError != nil {
			c.onError(cause)
		}
	}
	if c.onClosed != nil {
		c.onClosed()
	}
}

// Send serializes v as JSON and writes it as a single text frame. On
// failure, rather than returning only an error, it also synthesizes a
// JSON-RPC error payload bound to requestID and delivers it through
// OnPayload, so a Relayer's correlation table wakes the original waiter
// with a transport error instead of hanging forever.
func (c *Connection) Send(requestID uint64, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal outbound payload: %w", err)
	}

	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()

	if state != Open || conn == nil {
		c.deliverSendFailure(requestID, rcerr.ErrTransportUnavailable)
		return rcerr.ErrTransportUnavailable
	}

	c.writeMu.Lock()
	writeErr := conn.WriteMessage(websocket.TextMessage, payload)
	c.writeMu.Unlock()

	if writeErr != nil {
		c.deliverSendFailure(requestID, writeErr)
		return writeErr
	}
	return nil
}

func (c *Connection) deliverSendFailure(requestID uint64, cause error) {
	if c.onPayload == nil {
		return
	}
	synth, err := json.Marshal(map[string]any{
		"id":      requestID,
		"jsonrpc": "2.0",
		"error": map[string]any{
			"code":    -32000,
			"message": cause.Error(),
		},
	})
	if err != nil {
		return
	}
	c.onPayload(string(synth))
}

// Close tears down the connection, if open, and transitions to Disconnected.
func (c *Connection) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.state = Disconnected
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return conn.Close()
}
