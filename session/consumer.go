package session

import "github.com/cyberinferno/go-sockjs/frame"

// State is a session lifecycle state. States only move forward.
type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Shape is the delivery capability of a transport connection.
type Shape int

const (
	// ShapeOneShot services one batch per request, then detaches.
	ShapeOneShot Shape = iota
	// ShapeStreaming keeps flushing until a byte or time budget runs out.
	ShapeStreaming
	// ShapeDuplex stays attached for the connection's lifetime and carries
	// client messages too.
	ShapeDuplex
)

func (s Shape) String() string {
	switch s {
	case ShapeOneShot:
		return "one-shot"
	case ShapeStreaming:
		return "streaming"
	case ShapeDuplex:
		return "duplex"
	default:
		return "unknown"
	}
}

// Consumer is a transport connection that can be attached to a session as
// its sole live receiver of frames.
//
// Send and Close are called with the session's lock held. Implementations
// must not call back into the session from them.
type Consumer interface {
	// Name is the transport name used in logs and metrics, e.g. "xhr".
	Name() string

	// Shape reports the consumer's delivery capability.
	Shape() Shape

	// Send writes frames to the client in order.
	//
	// Parameters:
	//   - frames: A non-empty batch, message runs already coalesced
	//
	// Returns:
	//   - done: true when the consumer has used up its budget and must be
	//     detached after this batch
	//   - err: non-nil if the batch was not delivered; the session keeps the
	//     frames for the next consumer and detaches this one
	Send(frames []frame.Frame) (done bool, err error)

	// Close terminates the physical connection. It is called once the
	// session's close frame has been flushed, or could not be.
	Close()
}
