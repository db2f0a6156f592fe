// Package client provides an event-driven SockJS client for the websocket
// transport. It notifies callers of connection state changes, received
// messages and errors via registered handlers, and can reconnect on its own,
// opening a fresh session each time.
package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-sockjs/frame"
)

var (
	// ErrClientClosed is returned by Connect after Close.
	ErrClientClosed = errors.New("client is closed")
	// ErrAlreadyConnected is returned by Connect while a session is open or
	// being opened.
	ErrAlreadyConnected = errors.New("already connected or connecting")
	// ErrNotConnected is returned by Send when no session is open.
	ErrNotConnected = errors.New("not connected")
)

// ConnectionState represents the current state of the client's session.
type ConnectionState int

const (
	Disconnected ConnectionState = iota // No session and not attempting to open one
	Connecting                          // Dialled, waiting for the open frame
	Connected                           // Open frame received; Send is allowed
	Reconnecting                        // Waiting to open a new session (when AutoReconnect is enabled)
	Closed                              // Client has been closed and will not reconnect
)

// String returns a human-readable name for the connection state.
func (cs ConnectionState) String() string {
	switch cs {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Reconnecting:
		return "Reconnecting"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// CloseError carries the close frame a server ended a session with.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("session closed by server: %d %s", e.Code, e.Reason)
}

// ConnectionStateEvent is emitted when the connection state changes.
type ConnectionStateEvent struct {
	State     ConnectionState
	SessionID string
	Timestamp time.Time
	// Error is non-nil if the change was caused by an error. It is a
	// *CloseError when the server closed the session.
	Error error
}

// MessageEvent is emitted for every message the server sends.
type MessageEvent struct {
	SessionID string
	Message   string
	Timestamp time.Time
}

// ErrorEvent is emitted when a read, write, dial or protocol error occurs.
type ErrorEvent struct {
	Error     error
	Timestamp time.Time
}

// ConnectionStateHandler is called when the connection state changes.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ConnectionStateHandler func(event ConnectionStateEvent)

// MessageHandler is called on the client's read goroutine, once per message
// and in the order the server sent them. It may call Send but must not call
// Close.
type MessageHandler func(event MessageEvent)

// ErrorHandler is called when an error occurs.
// Handlers are invoked from goroutines; implementations must be safe for concurrent use.
type ErrorHandler func(event ErrorEvent)

// Config holds configuration for the client.
type Config struct {
	// BaseURL is the websocket URL of the server prefix, e.g.
	// "ws://localhost:8080/echo".
	BaseURL string
	// AutoReconnect opens a new session when the current one ends for any
	// reason other than Close or Disconnect.
	AutoReconnect bool
	// ReconnectInterval is the delay between reconnection attempts.
	ReconnectInterval time.Duration
	// HandshakeTimeout bounds the websocket handshake and the wait for the
	// open frame.
	HandshakeTimeout time.Duration
	// WriteTimeout is the max duration for a single write; 0 means no timeout.
	WriteTimeout time.Duration
	// Header is sent with every handshake, e.g. a sticky-session cookie.
	Header http.Header
}

// DefaultConfig returns a Config with default values for the given base URL.
// AutoReconnect is false; override fields as needed before passing to New.
//
// Parameters:
//   - baseURL: The websocket URL of the server prefix
//
// Returns:
//   - A Config with defaults: ReconnectInterval 5s, HandshakeTimeout 10s,
//     WriteTimeout 10s.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:           baseURL,
		ReconnectInterval: 5 * time.Second,
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
}

// Client is a SockJS websocket client. Register handlers with
// OnConnectionState, OnMessage and OnError, then call Connect. It is safe for
// concurrent use.
type Client struct {
	config Config
	dialer websocket.Dialer

	conn      *websocket.Conn
	sessionID string
	state     ConnectionState

	onConnectionState ConnectionStateHandler
	onMessage         MessageHandler
	onError           ErrorHandler

	mu               sync.RWMutex
	writeMu          sync.Mutex
	stopChan         chan struct{}
	reconnectChan    chan struct{}
	wg               sync.WaitGroup
	closed           bool
	reconnecting     bool
	reconnectStarted bool
}

// New creates a client with the given config. The client starts in
// Disconnected state; call Connect to open a session.
//
// Parameters:
//   - config: Connection and behavior settings (e.g. from DefaultConfig)
//
// Returns:
//   - A new *Client; call Close when done to release resources.
func New(config Config) *Client {
	return &Client{
		config:        config,
		dialer:        websocket.Dialer{HandshakeTimeout: config.HandshakeTimeout},
		state:         Disconnected,
		stopChan:      make(chan struct{}),
		reconnectChan: make(chan struct{}, 1),
	}
}

// OnConnectionState registers the handler for connection state changes,
// replacing any previous one. Pass nil to clear it.
func (c *Client) OnConnectionState(handler ConnectionStateHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnectionState = handler
}

// OnMessage registers the handler for server messages, replacing any previous
// one. Pass nil to clear it.
func (c *Client) OnMessage(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = handler
}

// OnError registers the handler for errors, replacing any previous one. Pass
// nil to clear it.
func (c *Client) OnError(handler ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = handler
}

// Connect opens a new session and waits for the server's open frame.
//
// Returns:
//   - nil once the session is open
//   - ErrClientClosed, ErrAlreadyConnected, a dial error, or a *CloseError if
//     the server rejected the session
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}

	if c.state == Connected || c.state == Connecting {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}

	if c.config.AutoReconnect && !c.reconnectStarted {
		c.reconnectStarted = true
		c.wg.Add(1)
		go c.reconnectHandler()
	}
	c.mu.Unlock()

	return c.connect()
}

// Disconnect closes the current connection and moves to Disconnected state
// without reconnecting. The server keeps the session until its disconnect
// timeout. Connect may be called again.
//
// Returns:
//   - nil if already disconnected, or the error from closing the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	err := c.closeConn(conn)
	c.setState(Disconnected, nil)
	return err
}

// Close shuts down the client and stops all goroutines. Idempotent.
//
// Returns:
//   - nil
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = c.closeConn(conn)
	}

	close(c.stopChan)
	c.wg.Wait()

	c.setState(Closed, nil)

	return nil
}

// Send delivers msgs to the server as one batch.
//
// Parameters:
//   - msgs: Messages in the order the application should receive them
//
// Returns:
//   - nil on success or for an empty batch; ErrNotConnected, a
//     *frame.ProtocolError for text that is not valid UTF-8, or a write error
//     otherwise.
func (c *Client) Send(msgs ...string) error {
	if len(msgs) == 0 {
		return nil
	}

	if err := frame.ValidateMessages(msgs); err != nil {
		return err
	}

	c.mu.RLock()
	conn := c.conn
	state := c.state
	c.mu.RUnlock()

	if state != Connected || conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(msgs)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.WriteTimeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout)); err != nil {
			return err
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		c.emitError(err)
		c.triggerReconnect()
		return err
	}

	return nil
}

// GetState returns the current connection state.
func (c *Client) GetState() ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns true if a session is open.
func (c *Client) IsConnected() bool {
	return c.GetState() == Connected
}

// SessionID returns the id of the current or most recent session.
func (c *Client) SessionID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionID
}

func (c *Client) sessionURL(sessionID string) string {
	serverID := fmt.Sprintf("%03d", rand.IntN(1000))
	return strings.TrimSuffix(c.config.BaseURL, "/") + "/" + serverID + "/" + sessionID + "/websocket"
}

func (c *Client) connect() error {
	sessionID := uuid.NewString()

	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	c.setState(Connecting, nil)

	conn, _, err := c.dialer.Dial(c.sessionURL(sessionID), c.config.Header)
	if err != nil {
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	if err := c.awaitOpen(conn); err != nil {
		_ = conn.Close()
		c.setState(Disconnected, err)
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrClientClosed
	}

	c.conn = conn
	c.wg.Add(1)
	c.mu.Unlock()

	c.setState(Connected, nil)

	go c.readLoop(conn, sessionID)

	return nil
}

// awaitOpen reads the first frame, which must be the open frame.
func (c *Client) awaitOpen(conn *websocket.Conn) error {
	if c.config.HandshakeTimeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(c.config.HandshakeTimeout)); err != nil {
			return err
		}
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		return err
	}

	f, err := frame.Parse(data)
	if err != nil {
		return err
	}

	switch f.Kind {
	case frame.KindOpen:
		return conn.SetReadDeadline(time.Time{})
	case frame.KindClose:
		return &CloseError{Code: f.Code, Reason: f.Reason}
	default:
		return &frame.ProtocolError{Reason: "expected open frame, got " + f.Kind.String()}
	}
}

func (c *Client) readLoop(conn *websocket.Conn, sessionID string) {
	defer c.wg.Done()

	var cause error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if cause == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				cause = err
			}

			break
		}

		f, err := frame.Parse(data)
		if err != nil {
			c.emitError(err)
			continue
		}

		switch f.Kind {
		case frame.KindMessage:
			c.emitMessages(sessionID, f.Messages)
		case frame.KindClose:
			cause = &CloseError{Code: f.Code, Reason: f.Reason}
		}
	}

	if c.isClosed() || !c.dropConn(conn) {
		return
	}

	_ = conn.Close()

	var closeErr *CloseError
	if cause != nil && !errors.As(cause, &closeErr) {
		c.emitError(cause)
	}

	c.setState(Disconnected, cause)
	c.triggerReconnect()
}

// dropConn clears conn if it is still the current connection.
func (c *Client) dropConn(conn *websocket.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return false
	}

	c.conn = nil
	return true
}

func (c *Client) closeConn(conn *websocket.Conn) error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return conn.Close()
}

func (c *Client) reconnectHandler() {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			return
		case <-c.reconnectChan:
			c.mu.Lock()
			if c.reconnecting {
				c.mu.Unlock()
				continue
			}
			c.reconnecting = true
			c.mu.Unlock()

			if err := c.Disconnect(); err != nil {
				c.emitError(err)
			}

			c.setState(Reconnecting, nil)

			select {
			case <-c.stopChan:
				c.mu.Lock()
				c.reconnecting = false
				c.mu.Unlock()
				return
			case <-time.After(c.config.ReconnectInterval):
			}

			if c.isClosed() {
				c.mu.Lock()
				c.reconnecting = false
				c.mu.Unlock()
				return
			}

			err := c.connect()

			c.mu.Lock()
			c.reconnecting = false
			c.mu.Unlock()

			if err != nil && !errors.Is(err, ErrClientClosed) {
				select {
				case c.reconnectChan <- struct{}{}:
				default:
				}
			}
		}
	}
}

func (c *Client) triggerReconnect() {
	if !c.config.AutoReconnect || c.isClosed() {
		return
	}

	select {
	case c.reconnectChan <- struct{}{}:
	default:
	}
}

func (c *Client) setState(state ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	sessionID := c.sessionID
	c.mu.Unlock()

	c.emitConnectionState(state, sessionID, err)
}

func (c *Client) emitConnectionState(state ConnectionState, sessionID string, err error) {
	c.mu.RLock()
	handler := c.onConnectionState
	c.mu.RUnlock()

	if handler != nil {
		event := ConnectionStateEvent{
			State:     state,
			SessionID: sessionID,
			Timestamp: time.Now(),
			Error:     err,
		}

		go handler(event)
	}
}

func (c *Client) emitMessages(sessionID string, msgs []string) {
	c.mu.RLock()
	handler := c.onMessage
	c.mu.RUnlock()

	if handler == nil {
		return
	}

	now := time.Now()
	for _, msg := range msgs {
		handler(MessageEvent{SessionID: sessionID, Message: msg, Timestamp: now})
	}
}

func (c *Client) emitError(err error) {
	c.mu.RLock()
	handler := c.onError
	c.mu.RUnlock()

	if handler != nil {
		event := ErrorEvent{
			Error:     err,
			Timestamp: time.Now(),
		}

		go handler(event)
	}
}

func (c *Client) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}
