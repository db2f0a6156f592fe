package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
)

// DefaultWriteWait bounds a single websocket write.
const DefaultWriteWait = 10 * time.Second

// WebsocketOptions configures the websocket transport.
type WebsocketOptions struct {
	// WriteWait is the deadline for each write. Zero means DefaultWriteWait.
	WriteWait time.Duration
	// ReadLimit caps the size of a client message. Zero leaves gorilla's
	// default of no limit.
	ReadLimit int64
	// CheckOrigin decides whether an upgrade is accepted. Nil accepts every
	// origin, since SockJS clients are cross-origin by nature.
	CheckOrigin func(r *http.Request) bool
}

// Websocket is the duplex transport. A connection stays attached for its
// whole lifetime and carries client messages as well.
type Websocket struct {
	reg      *session.Registry
	opts     WebsocketOptions
	log      logger.Logger
	upgrader websocket.Upgrader
}

// NewWebsocket creates the websocket handler.
//
// Parameters:
//   - reg: The registry sessions are looked up in or created in
//   - opts: Websocket options, copied
//   - log: Logger for transport events
//
// Returns:
//   - A Websocket handler
func NewWebsocket(reg *session.Registry, opts WebsocketOptions, log logger.Logger) *Websocket {
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}

	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}

	return &Websocket{
		reg:  reg,
		opts: opts,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
	}
}

func (t *Websocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, `Can "Upgrade" only to "WebSocket".`, http.StatusBadRequest)
		return
	}

	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debug("websocket upgrade failed", append(requestFields(r, "websocket"), logger.Field{Key: "error", Value: err.Error()})...)
		return
	}
	defer conn.Close()

	if t.opts.ReadLimit > 0 {
		conn.SetReadLimit(t.opts.ReadLimit)
	}

	c := &socketConsumer{conn: conn, writeWait: t.opts.WriteWait, closed: make(chan struct{})}

	s, closed, err := lookupOrCreate(r.Context(), t.reg, sessionID(r))
	switch {
	case err != nil:
		t.log.Warn("websocket session lookup failed", append(requestFields(r, "websocket"), logger.Field{Key: "error", Value: err.Error()})...)
		c.terminate(websocket.CloseInternalServerErr, "")
		return
	case closed:
		c.reject(frame.GoAway())
		return
	}

	if err := s.Attach(c); err != nil {
		if errors.Is(err, session.ErrAlreadyAttached) {
			c.reject(frame.AnotherConnection())
		} else {
			c.reject(frame.GoAway())
		}

		return
	}

	t.serve(r, s, c)
}

type socketEvent struct {
	data []byte
	err  error
}

// serve owns the connection after a successful attach. Client messages come
// in on a channel fed by the read loop and are handed to the session in order.
func (t *Websocket) serve(r *http.Request, s *session.Session, c *socketConsumer) {
	events := make(chan socketEvent)
	quit := make(chan struct{})
	defer close(quit)

	go c.readLoop(events, quit)

	for {
		select {
		case <-c.closed:
			c.terminate(websocket.CloseNormalClosure, "")
			return
		case ev := <-events:
			if ev.err != nil {
				s.Detach(c)
				if !websocket.IsCloseError(ev.err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
					t.log.Debug("websocket read failed", append(requestFields(r, "websocket"), logger.Field{Key: "error", Value: ev.err.Error()})...)
				}

				return
			}

			t.receive(s, ev.data)
		}
	}
}

func (t *Websocket) receive(s *session.Session, data []byte) {
	msgs, err := frame.DecodeMessages(data)
	switch {
	case errors.Is(err, frame.ErrPayloadExpected):
		return
	case err != nil:
		s.Close(frame.CodeBrokenJSON, frame.ReasonBrokenJSON)
		return
	}

	// A closed session also closes c, which ends serve.
	_ = s.ReceiveMessages(msgs...)
}

// socketConsumer pushes frames to a websocket, one frame per text message.
type socketConsumer struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu sync.Mutex

	closed chan struct{}
	once   sync.Once
}

func (c *socketConsumer) Name() string { return "websocket" }
func (c *socketConsumer) Shape() session.Shape { return session.ShapeDuplex }

func (c *socketConsumer) Send(frames []frame.Frame) (bool, error) {
	for _, f := range frames {
		b, err := BareEncoder(f)
		if err != nil {
			return false, err
		}

		if err := c.write(b); err != nil {
			return false, err
		}
	}

	return false, nil
}

func (c *socketConsumer) Close() {
	c.once.Do(func() { close(c.closed) })
}

func (c *socketConsumer) write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// reject sends f to a connection that never attached and closes it.
func (c *socketConsumer) reject(f frame.Frame) {
	if b, err := BareEncoder(f); err == nil {
		_ = c.write(b)
	}

	c.terminate(websocket.CloseNormalClosure, "")
}

func (c *socketConsumer) terminate(code int, text string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	msg := websocket.FormatCloseMessage(code, text)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeWait))
}

func (c *socketConsumer) readLoop(events chan<- socketEvent, quit <-chan struct{}) {
	for {
		_, data, err := c.conn.ReadMessage()
		select {
		case events <- socketEvent{data: data, err: err}:
		case <-quit:
			return
		}

		if err != nil {
			return
		}
	}
}
