package transport

import (
	"bytes"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
)

// DefaultResponseLimit is the number of frame bytes a streaming response
// carries before the client is made to reconnect.
const DefaultResponseLimit = 128 * 1024

// StreamingOptions configures the xhr_streaming and eventsource transports.
type StreamingOptions struct {
	// ResponseLimit is the byte quota per response. Zero means
	// DefaultResponseLimit.
	ResponseLimit int
	// MaxDuration ends a response after this long regardless of traffic.
	// Zero disables the time budget.
	MaxDuration time.Duration
	// WriteWait is the deadline for each batch written to the response. Zero
	// means DefaultWriteWait.
	WriteWait time.Duration
}

// Streaming holds one response open and writes batches as they are produced
// until its byte or time budget runs out.
type Streaming struct {
	name        string
	contentType string
	prelude     []byte
	enc         Encoder

	reg  *session.Registry
	opts StreamingOptions
	log  logger.Logger
}

// xhrPrelude makes browsers that buffer the first 2KB of a response start
// delivering at once.
var xhrPrelude = append(bytes.Repeat([]byte{'h'}, 2048), '\n')

// NewXHRStreaming creates the xhr_streaming handler.
//
// Parameters:
//   - reg: The registry sessions are looked up in or created in
//   - opts: Budget options, copied
//   - log: Logger for transport events
//
// Returns:
//   - A Streaming handler writing newline-terminated frames
func NewXHRStreaming(reg *session.Registry, opts StreamingOptions, log logger.Logger) *Streaming {
	return newStreaming("xhr_streaming", contentTypeJavascript, xhrPrelude, LineEncoder, reg, opts, log)
}

// NewEventSource creates the eventsource handler.
//
// Parameters:
//   - reg: The registry sessions are looked up in or created in
//   - opts: Budget options, copied
//   - log: Logger for transport events
//
// Returns:
//   - A Streaming handler writing server-sent events
func NewEventSource(reg *session.Registry, opts StreamingOptions, log logger.Logger) *Streaming {
	return newStreaming("eventsource", contentTypeEventSource, []byte("\r\n"), EventSourceEncoder, reg, opts, log)
}

func newStreaming(name, contentType string, prelude []byte, enc Encoder, reg *session.Registry, opts StreamingOptions, log logger.Logger) *Streaming {
	if opts.ResponseLimit <= 0 {
		opts.ResponseLimit = DefaultResponseLimit
	}

	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}

	return &Streaming{
		name:        name,
		contentType: contentType,
		prelude:     prelude,
		enc:         enc,
		reg:         reg,
		opts:        opts,
		log:         log,
	}
}

// Name returns the transport name, "xhr_streaming" or "eventsource".
func (t *Streaming) Name() string {
	return t.name
}

func (t *Streaming) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported.", http.StatusInternalServerError)
		return
	}

	s, closed, err := lookupOrCreate(r.Context(), t.reg, sessionID(r))
	if err != nil {
		t.log.Warn("stream failed", append(requestFields(r, t.name), logger.Field{Key: "error", Value: err.Error()})...)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if closed {
		writeSingleFrame(w, http.StatusGone, t.contentType, t.enc, frame.GoAway())
		return
	}

	w.Header().Set("Content-Type", t.contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(t.prelude); err != nil {
		return
	}

	flusher.Flush()

	c := &streamConsumer{
		name:      t.name,
		w:         w,
		rc:        http.NewResponseController(w),
		enc:       t.enc,
		limit:     t.opts.ResponseLimit,
		writeWait: t.opts.WriteWait,
		done:      make(chan struct{}),
	}

	if err := s.Attach(c); err != nil {
		f := frame.GoAway()
		if errors.Is(err, session.ErrAlreadyAttached) {
			f = frame.AnotherConnection()
		}

		if b, err := t.enc(f); err == nil {
			_, _ = w.Write(b)
		}

		return
	}

	var deadline <-chan time.Time
	if t.opts.MaxDuration > 0 {
		timer := time.NewTimer(t.opts.MaxDuration)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case <-c.done:
	case <-deadline:
	case <-r.Context().Done():
	}

	s.Detach(c)
	c.finish()
}

// streamConsumer writes batches to a held-open response until it has
// written limit bytes.
type streamConsumer struct {
	name      string
	w         http.ResponseWriter
	rc        *http.ResponseController
	enc       Encoder
	limit     int
	writeWait time.Duration

	mu       sync.Mutex
	sent     int
	finished bool

	done chan struct{}
	once sync.Once
}

func (c *streamConsumer) Name() string { return c.name }
func (c *streamConsumer) Shape() session.Shape { return session.ShapeStreaming }

func (c *streamConsumer) Send(frames []frame.Frame) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.finished {
		return true, session.ErrTransportShape
	}

	b, err := encodeBatch(c.enc, frames)
	if err != nil {
		return true, err
	}

	if err := writeWithDeadline(c.w, c.rc, c.writeWait, b); err != nil {
		c.finished = true
		c.signal()
		return true, err
	}

	c.sent += len(b)
	if c.sent >= c.limit {
		c.finished = true
		c.signal()
		return true, nil
	}

	return false, nil
}

func (c *streamConsumer) Close() {
	c.signal()
}

func (c *streamConsumer) signal() {
	c.once.Do(func() { close(c.done) })
}

func (c *streamConsumer) finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.finished = true
}
