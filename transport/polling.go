package transport

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
)

// PollingOptions configures the xhr polling transport.
type PollingOptions struct {
	// Timeout bounds how long a poll with nothing to deliver waits before it
	// is answered with a heartbeat frame. Zero waits for the scheduler's
	// heartbeat or the request's cancellation.
	Timeout time.Duration
	// WriteWait is the deadline for writing the response batch. Zero means
	// DefaultWriteWait.
	WriteWait time.Duration
}

// Polling is the one-shot xhr transport. Each request attaches, receives one
// batch and detaches.
type Polling struct {
	reg  *session.Registry
	opts PollingOptions
	log  logger.Logger
}

// NewPolling creates the xhr polling handler.
//
// Parameters:
//   - reg: The registry sessions are looked up in or created in
//   - opts: Polling options, copied
//   - log: Logger for transport events
//
// Returns:
//   - A Polling handler
func NewPolling(reg *session.Registry, opts PollingOptions, log logger.Logger) *Polling {
	if opts.WriteWait <= 0 {
		opts.WriteWait = DefaultWriteWait
	}

	return &Polling{reg: reg, opts: opts, log: log}
}

func (p *Polling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, closed, err := lookupOrCreate(r.Context(), p.reg, sessionID(r))
	if err != nil {
		p.log.Warn("poll failed", append(requestFields(r, "xhr"), logger.Field{Key: "error", Value: err.Error()})...)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if closed {
		writeSingleFrame(w, http.StatusGone, contentTypeJavascript, LineEncoder, frame.GoAway())
		return
	}

	c := newPollConsumer(w, p.opts.WriteWait)
	if err := s.Attach(c); err != nil {
		switch {
		case errors.Is(err, session.ErrAlreadyAttached):
			writeSingleFrame(w, http.StatusOK, contentTypeJavascript, LineEncoder, frame.AnotherConnection())
		case errors.Is(err, session.ErrSessionClosed):
			writeSingleFrame(w, http.StatusGone, contentTypeJavascript, LineEncoder, frame.GoAway())
		default:
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}

		return
	}

	var timeout <-chan time.Time
	if p.opts.Timeout > 0 {
		timer := time.NewTimer(p.opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.done:
	case <-timeout:
	case <-r.Context().Done():
	}

	s.Detach(c)
	if c.finish() || r.Context().Err() != nil {
		return
	}

	writeSingleFrame(w, http.StatusOK, contentTypeJavascript, LineEncoder, frame.Heartbeat())
}

// pollConsumer writes exactly one batch as the response body.
type pollConsumer struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	writeWait time.Duration

	mu       sync.Mutex
	written  bool
	finished bool

	done chan struct{}
	once sync.Once
}

func newPollConsumer(w http.ResponseWriter, writeWait time.Duration) *pollConsumer {
	return &pollConsumer{
		w:         w,
		rc:        http.NewResponseController(w),
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
}

func (c *pollConsumer) Name() string { return "xhr" }
func (c *pollConsumer) Shape() session.Shape { return session.ShapeOneShot }

func (c *pollConsumer) Send(frames []frame.Frame) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.written || c.finished {
		return true, session.ErrTransportShape
	}

	b, err := encodeBatch(LineEncoder, frames)
	if err != nil {
		return true, err
	}

	c.written = true
	defer c.signal()

	c.w.Header().Set("Content-Type", contentTypeJavascript)
	c.w.WriteHeader(http.StatusOK)
	return true, writeWithDeadline(c.w, c.rc, c.writeWait, b)
}

func (c *pollConsumer) Close() {
	c.signal()
}

func (c *pollConsumer) signal() {
	c.once.Do(func() { close(c.done) })
}

// finish stops the consumer from accepting further batches and reports
// whether a response has already been written.
func (c *pollConsumer) finish() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.finished = true
	return c.written
}
