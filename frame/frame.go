// Package frame encodes the protocol-level frames a server pushes to SockJS
// clients and decodes the message payloads clients send back.
//
// Wire format, one frame per write:
//
//	o                  open
//	h                  heartbeat
//	a["m1","m2"]       message batch
//	c[3000,"Go away!"] close
package frame

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"unicode/utf8"
)

// Kind identifies the variant a Frame carries.
type Kind int

const (
	KindOpen Kind = iota
	KindHeartbeat
	KindMessage
	KindClose
)

// String returns the lower-case name of the kind, used in logs and metric labels.
func (k Kind) String() string {
	switch k {
	case KindOpen:
		return "open"
	case KindHeartbeat:
		return "heartbeat"
	case KindMessage:
		return "message"
	case KindClose:
		return "close"
	default:
		return "unknown"
	}
}

// Close codes and reasons the server emits on its own.
const (
	CodeGoAway              = 3000
	ReasonGoAway            = "Go away!"
	CodeAnotherConnection   = 2010
	ReasonAnotherConnection = "Another connection still open"
	CodeBrokenJSON          = 1002
	ReasonBrokenJSON        = "Broken JSON encoding"
)

// Frame is one unit of protocol data. Messages is set only for KindMessage;
// Code and Reason only for KindClose.
type Frame struct {
	Kind     Kind
	Messages []string
	Code     int
	Reason   string
}

// Open returns the open frame.
func Open() Frame { return Frame{Kind: KindOpen} }

// Heartbeat returns the heartbeat frame.
func Heartbeat() Frame { return Frame{Kind: KindHeartbeat} }

// Messages returns a message frame carrying msgs in the given order. The slice
// is copied so later mutation by the caller does not leak into buffered frames.
func Messages(msgs ...string) Frame {
	cp := make([]string, len(msgs))
	copy(cp, msgs)
	return Frame{Kind: KindMessage, Messages: cp}
}

// Close returns a close frame.
func Close(code int, reason string) Frame {
	return Frame{Kind: KindClose, Code: code, Reason: reason}
}

// GoAway is the close frame sent for abandoned sessions and for any request
// naming a session that has already been closed.
func GoAway() Frame { return Close(CodeGoAway, ReasonGoAway) }

// AnotherConnection is the close frame sent to a connection that lost an
// attach race.
func AnotherConnection() Frame { return Close(CodeAnotherConnection, ReasonAnotherConnection) }


// Encode renders f in wire format.
//
// Parameters:
//   - f: The frame to encode
//
// Returns:
//   - The encoded bytes, without any transport-level line terminator
//   - A *ProtocolError if f is an empty message batch, carries text that is
//     not valid UTF-8, or has an unknown kind; no partial output is returned
//     in that case
func Encode(f Frame) ([]byte, error) {
	switch f.Kind {
	case KindOpen:
		return []byte{'o'}, nil
	case KindHeartbeat:
		return []byte{'h'}, nil
	case KindMessage:
		if len(f.Messages) == 0 {
			return nil, &ProtocolError{Reason: "empty message batch"}
		}

		if err := ValidateMessages(f.Messages); err != nil {
			return nil, err
		}

		payload, err := marshal(f.Messages)
		if err != nil {
			return nil, &ProtocolError{Reason: "message not serializable", Err: err}
		}

		return append([]byte{'a'}, payload...), nil
	case KindClose:
		if !utf8.ValidString(f.Reason) {
			return nil, &ProtocolError{Reason: "close reason is not valid UTF-8"}
		}

		reason, err := marshal(f.Reason)
		if err != nil {
			return nil, &ProtocolError{Reason: "close reason not serializable", Err: err}
		}

		out := make([]byte, 0, len(reason)+16)
		out = append(out, 'c', '[')
		out = strconv.AppendInt(out, int64(f.Code), 10)
		out = append(out, ',')
		out = append(out, reason...)
		return append(out, ']'), nil
	default:
		return nil, &ProtocolError{Reason: fmt.Sprintf("unknown frame kind %d", f.Kind)}
	}
}

// ValidateMessages checks that every message can travel as JSON text
// unchanged.
//
// Returns:
//   - A *ProtocolError naming the first message that is not valid UTF-8
func ValidateMessages(msgs []string) error {
	for i, msg := range msgs {
		if !utf8.ValidString(msg) {
			return &ProtocolError{Reason: fmt.Sprintf("message %d is not valid UTF-8", i)}
		}
	}

	return nil
}

// Coalesce merges runs of adjacent message frames into single batches, keeping
// every message and every other frame in its original position. Empty message
// frames are dropped.
func Coalesce(frames []Frame) []Frame {
	out := make([]Frame, 0, len(frames))
	for _, f := range frames {
		if f.Kind != KindMessage {
			out = append(out, f)
			continue
		}

		if len(f.Messages) == 0 {
			continue
		}

		if n := len(out); n > 0 && out[n-1].Kind == KindMessage {
			out[n-1].Messages = append(out[n-1].Messages, f.Messages...)
			continue
		}

		out = append(out, Messages(f.Messages...))
	}

	return out
}

// marshal is json.Marshal without HTML escaping, so payloads reach the client
// as the application produced them.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return bytes.TrimSuffix(buf.Bytes(), []byte{'\n'}), nil
}
