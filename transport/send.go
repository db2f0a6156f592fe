package transport

import (
	"errors"
	"io"
	"net/http"

	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/session"
)

// DefaultMaxBodySize caps xhr_send request bodies.
const DefaultMaxBodySize = 1 << 20

// SendOptions configures the xhr_send transport.
type SendOptions struct {
	// MaxBodySize is the largest accepted request body. Zero means
	// DefaultMaxBodySize.
	MaxBodySize int64
}

// Send accepts client messages posted alongside a receiving transport.
type Send struct {
	reg  *session.Registry
	opts SendOptions
	log  logger.Logger
}

// NewSend creates the xhr_send handler.
func NewSend(reg *session.Registry, opts SendOptions, log logger.Logger) *Send {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}

	return &Send{reg: reg, opts: opts, log: log}
}

func (t *Send) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s, ok := t.reg.Lookup(sessionID(r))
	if !ok {
		http.NotFound(w, r)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.opts.MaxBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Payload too large.", http.StatusRequestEntityTooLarge)
			return
		}

		http.Error(w, "Failed to read payload.", http.StatusInternalServerError)
		return
	}

	msgs, err := frame.DecodeMessages(body)
	switch {
	case errors.Is(err, frame.ErrPayloadExpected):
		http.Error(w, "Payload expected.", http.StatusInternalServerError)
		return
	case err != nil:
		t.log.Debug("broken payload", append(requestFields(r, "xhr_send"), logger.Field{Key: "error", Value: err.Error()})...)
		s.Close(frame.CodeBrokenJSON, frame.ReasonBrokenJSON)
		http.Error(w, "Broken JSON encoding.", http.StatusInternalServerError)
		return
	}

	if err := s.ReceiveMessages(msgs...); err != nil {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", contentTypePlain)
	w.WriteHeader(http.StatusNoContent)
}
