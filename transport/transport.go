// Package transport implements the HTTP and WebSocket connection shapes that
// attach to sessions as consumers: xhr polling, xhr_send, xhr_streaming,
// eventsource and websocket.
package transport

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
)

// ParamSession is the chi URL parameter holding the session id.
const ParamSession = "session"

const (
	contentTypeJavascript  = "application/javascript; charset=UTF-8"
	contentTypePlain       = "text/plain; charset=UTF-8"
	contentTypeEventSource = "text/event-stream; charset=UTF-8"
)

// Encoder turns one frame into the bytes a transport writes for it.
type Encoder func(f frame.Frame) ([]byte, error)

// LineEncoder terminates each frame with a newline, as xhr transports do.
func LineEncoder(f frame.Frame) ([]byte, error) {
	b, err := frame.Encode(f)
	if err != nil {
		return nil, err
	}

	return append(b, '\n'), nil
}

// EventSourceEncoder wraps each frame in a server-sent event.
func EventSourceEncoder(f frame.Frame) ([]byte, error) {
	b, err := frame.Encode(f)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(b) + 10)
	buf.WriteString("data: ")
	buf.Write(b)
	buf.WriteString("\r\n\r\n")
	return buf.Bytes(), nil
}

// BareEncoder writes the frame as is, one frame per websocket message.
func BareEncoder(f frame.Frame) ([]byte, error) {
	return frame.Encode(f)
}

// encodeBatch concatenates the encoding of every frame in frames. Nothing is
// returned if any frame fails to encode.
func encodeBatch(enc Encoder, frames []frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	for _, f := range frames {
		b, err := enc(f)
		if err != nil {
			return nil, err
		}

		buf.Write(b)
	}

	return buf.Bytes(), nil
}

// sessionID returns the session id captured by the router.
func sessionID(r *http.Request) string {
	return chi.URLParam(r, ParamSession)
}

// lookupOrCreate resolves the session a receiving transport attaches to.
// closed is true when the id belongs to a recently finalized session.
func lookupOrCreate(ctx context.Context, reg *session.Registry, id string) (s *session.Session, closed bool, err error) {
	s, _, err = reg.LookupOrCreate(ctx, id)
	if errors.Is(err, session.ErrSessionClosed) {
		return nil, true, nil
	}

	return s, false, err
}

// writeWithDeadline writes b and flushes it to the client, failing if the
// client does not take the bytes within wait. Consumers write with the
// session lock held, so a stalled client must not block them for longer.
// Writers without deadline support, such as test recorders, write unbounded.
func writeWithDeadline(w http.ResponseWriter, rc *http.ResponseController, wait time.Duration, b []byte) error {
	_ = rc.SetWriteDeadline(time.Now().Add(wait))
	defer func() { _ = rc.SetWriteDeadline(time.Time{}) }()

	if _, err := w.Write(b); err != nil {
		return err
	}

	if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return err
	}

	return nil
}

// writeSingleFrame answers a request with a single frame, used for the
// go-away and another-connection replies.
func writeSingleFrame(w http.ResponseWriter, status int, contentType string, enc Encoder, f frame.Frame) {
	b, err := enc(f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

func requestFields(r *http.Request, name string) []logger.Field {
	return []logger.Field{
		{Key: "transport", Value: name},
		{Key: "session_id", Value: sessionID(r)},
		{Key: "remote_addr", Value: r.RemoteAddr},
	}
}
