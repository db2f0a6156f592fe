package frame

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPayloadExpected is returned by DecodeMessages for an empty payload.
var ErrPayloadExpected = errors.New("payload expected")

// ProtocolError reports data that cannot be represented on, or parsed from,
// the wire.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Reason, e.Err)
	}

	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// DecodeMessages parses a client payload. Clients send either a JSON array of
// strings or, over websockets, a single JSON string.
//
// Parameters:
//   - data: The raw request body or websocket message
//
// Returns:
//   - The messages in the order the client sent them
//   - ErrPayloadExpected if data is empty, or a *ProtocolError if it is not
//     a JSON string or array of strings
func DecodeMessages(data []byte) ([]string, error) {
	if len(data) == 0 {
		return nil, ErrPayloadExpected
	}

	var msgs []string
	if err := json.Unmarshal(data, &msgs); err == nil && msgs != nil {
		return msgs, nil
	}

	var single string
	if trimmed := bytes.TrimSpace(data); len(trimmed) == 0 || trimmed[0] != '"' {
		return nil, &ProtocolError{Reason: ReasonBrokenJSON}
	}

	if err := json.Unmarshal(data, &single); err != nil {
		return nil, &ProtocolError{Reason: ReasonBrokenJSON, Err: err}
	}

	return []string{single}, nil
}

// Parse decodes one server frame, the inverse of Encode. Surrounding
// whitespace such as a transport line terminator is ignored.
//
// Parameters:
//   - data: One encoded frame
//
// Returns:
//   - The decoded frame
//   - A *ProtocolError if data is not a well-formed frame
func Parse(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{}, &ProtocolError{Reason: "empty frame"}
	}

	body := data[1:]
	switch data[0] {
	case 'o', 'h':
		if len(body) != 0 {
			return Frame{}, &ProtocolError{Reason: fmt.Sprintf("trailing data after %q", data[0])}
		}

		if data[0] == 'o' {
			return Open(), nil
		}

		return Heartbeat(), nil
	case 'a':
		var msgs []string
		if err := json.Unmarshal(body, &msgs); err != nil {
			return Frame{}, &ProtocolError{Reason: "malformed message frame", Err: err}
		}

		if len(msgs) == 0 {
			return Frame{}, &ProtocolError{Reason: "empty message batch"}
		}

		return Frame{Kind: KindMessage, Messages: msgs}, nil
	case 'c':
		var parts []json.RawMessage
		if err := json.Unmarshal(body, &parts); err != nil || len(parts) != 2 {
			return Frame{}, &ProtocolError{Reason: "malformed close frame", Err: err}
		}

		var f Frame
		f.Kind = KindClose
		if err := json.Unmarshal(parts[0], &f.Code); err != nil {
			return Frame{}, &ProtocolError{Reason: "malformed close code", Err: err}
		}

		if err := json.Unmarshal(parts[1], &f.Reason); err != nil {
			return Frame{}, &ProtocolError{Reason: "malformed close reason", Err: err}
		}

		return f, nil
	default:
		return Frame{}, &ProtocolError{Reason: fmt.Sprintf("unknown frame type %q", data[0])}
	}
}
