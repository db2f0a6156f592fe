package session

import "errors"

var (
	// ErrDuplicateSession is returned by Registry.Create when a live session
	// already holds the id.
	ErrDuplicateSession = errors.New("session already exists")

	// ErrSessionClosed is returned for operations on a closing or closed
	// session, and by Registry.Create for recently closed ids.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNotOpen is returned when sending or receiving before the session has
	// been opened by its first consumer.
	ErrNotOpen = errors.New("session is not open")

	// ErrAlreadyOpen is returned by Open on a session past the connecting state.
	ErrAlreadyOpen = errors.New("session already opened")

	// ErrAlreadyAttached is returned by Attach while another consumer holds
	// the session. The loser must be sent frame.AnotherConnection.
	ErrAlreadyAttached = errors.New("another connection still open")

	// ErrTransportShape is returned by consumers asked to do something their
	// shape cannot, such as a one-shot consumer receiving a second batch.
	ErrTransportShape = errors.New("operation not supported by transport")

	// ErrInvalidSessionID is returned for empty session ids.
	ErrInvalidSessionID = errors.New("invalid session id")
)
