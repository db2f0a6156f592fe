// Package session holds the server-side state of SockJS sessions: the
// lifecycle state machine, inbound and outbound buffering, arbitration between
// transport connections competing to deliver a session's frames, and the
// heartbeat/expiry sweep.
package session

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/logger"
)

// Session is one logical client connection, addressed by id, that survives
// transport reconnects. All methods are safe for concurrent use.
type Session struct {
	id  string
	reg *Registry
	log logger.Logger

	// recvMu serialises inbound delivery so the application sees messages in
	// receipt order without mu being held during its callback.
	recvMu sync.Mutex

	mu          sync.Mutex
	state       State
	inbound     []string
	outbound    []frame.Frame
	consumer    Consumer
	closeCode   int
	closeReason string
	lastSeenAt  time.Time
	lastSentAt  time.Time
	done        chan struct{}
}

func newSession(id string, reg *Registry) *Session {
	return &Session{
		id:         id,
		reg:        reg,
		log:        reg.log.With(logger.Field{Key: "session_id", Value: id}),
		state:      StateConnecting,
		lastSeenAt: reg.now(),
		done:       make(chan struct{}),
	}
}

// ID returns the session id.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CloseInfo returns the code and reason the session was closed with. ok is
// false until Close has been called.
func (s *Session) CloseInfo() (code int, reason string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCode, s.closeReason, s.state >= StateClosing
}

// Done is closed once the session has been finalized.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Attached reports whether a consumer is currently attached.
func (s *Session) Attached() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer != nil
}

// Buffered returns the number of frames waiting for a consumer.
func (s *Session) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbound)
}

// Open moves a connecting session to open and buffers the open frame, or
// flushes it if a consumer is attached. Attach opens sessions implicitly, so
// callers only need Open to open a session before any transport arrives.
//
// Returns:
//   - ErrAlreadyOpen if the session is open, ErrSessionClosed if it is closing or closed
func (s *Session) Open() error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
	case StateOpen:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyOpen, s.id)
	default:
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}

	s.openLocked()
	s.flushLocked()
	s.mu.Unlock()

	s.opened()
	return nil
}

// Send queues msgs for the client as one message frame. The frame is flushed
// to the attached consumer straight away, or buffered until one attaches.
// An empty msgs is a no-op.
//
// Parameters:
//   - msgs: Messages in the order the client should receive them
//
// Returns:
//   - ErrNotOpen before the session is opened, ErrSessionClosed once closing
//   - A *frame.ProtocolError if a message is not valid UTF-8; nothing is
//     queued in that case
func (s *Session) Send(msgs ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkOpenLocked(); err != nil {
		return err
	}

	if len(msgs) == 0 {
		return nil
	}

	if err := frame.ValidateMessages(msgs); err != nil {
		return err
	}

	s.outbound = append(s.outbound, frame.Messages(msgs...))
	s.flushLocked()
	return nil
}

// ReceiveMessages queues messages from the client and hands them to the
// application's OnMessage, in order, before returning. Concurrent callers are
// delivered one batch after the other.
//
// OnMessage may call Send and Close but must not call ReceiveMessages.
//
// Returns:
//   - ErrNotOpen before the session is opened, ErrSessionClosed once closing
func (s *Session) ReceiveMessages(msgs ...string) error {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()

	s.mu.Lock()
	if err := s.checkOpenLocked(); err != nil {
		s.mu.Unlock()
		return err
	}

	s.inbound = append(s.inbound, msgs...)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.inbound) == 0 || s.state != StateOpen {
			s.mu.Unlock()
			return nil
		}

		msg := s.inbound[0]
		s.inbound = s.inbound[1:]
		s.mu.Unlock()

		s.reg.metrics.MessageReceived()
		s.reg.app.OnMessage(s, msg)
	}
}

// Close begins closing the session with code and reason. Buffered messages
// are flushed ahead of the close frame, the attached consumer is terminated
// and the session is finalized. Only the first call has any effect. Invalid
// UTF-8 in reason is replaced with U+FFFD.
func (s *Session) Close(code int, reason string) {
	reason = strings.ToValidUTF8(reason, "\uFFFD")

	s.mu.Lock()
	finalized := s.closeLocked(code, reason)
	s.mu.Unlock()

	if finalized {
		s.finalized()
	}
}

// Attach makes c the session's live consumer and immediately flushes the
// open frame (for a connecting session) and everything buffered, as one batch.
//
// Parameters:
//   - c: The consumer to attach
//
// Returns:
//   - ErrAlreadyAttached if another consumer holds the session; that
//     attachment is left untouched
//   - ErrSessionClosed if the session is closing or closed
func (s *Session) Attach(c Consumer) error {
	s.mu.Lock()

	if s.state >= StateClosing {
		s.mu.Unlock()
		s.reg.metrics.AttachRefused(c.Name(), "closed")
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}

	if s.consumer != nil {
		current := s.consumer.Name()
		s.mu.Unlock()
		s.reg.metrics.AttachRefused(c.Name(), "already_attached")
		s.log.Debug("attach refused", logger.Field{Key: "transport", Value: c.Name()}, logger.Field{Key: "attached", Value: current})
		return fmt.Errorf("%w: %s", ErrAlreadyAttached, s.id)
	}

	s.consumer = c
	s.lastSentAt = s.reg.now()

	opened := false
	if s.state == StateConnecting {
		s.openLocked()
		opened = true
	}

	s.flushLocked()
	s.mu.Unlock()

	s.log.Debug("consumer attached", logger.Field{Key: "transport", Value: c.Name()}, logger.Field{Key: "shape", Value: c.Shape().String()})
	if opened {
		s.opened()
	}

	return nil
}

// Detach releases c. It is a no-op if c is not the attached consumer, which
// covers stale detaches from superseded connections and consumers the session
// already let go of. Buffered frames stay for the next consumer.
func (s *Session) Detach(c Consumer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.consumer != c {
		return
	}

	s.detachLocked()
}

// Drain removes and returns all buffered frames. No producer can add a frame
// between the read and the reset.
func (s *Session) Drain() []frame.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.outbound
	s.outbound = nil
	return out
}

func (s *Session) checkOpenLocked() error {
	switch s.state {
	case StateOpen:
		return nil
	case StateConnecting:
		return fmt.Errorf("%w: %s", ErrNotOpen, s.id)
	default:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.id)
	}
}

// openLocked puts the open frame at the head of the buffer so it precedes
// anything produced before the first flush.
func (s *Session) openLocked() {
	s.state = StateOpen
	s.outbound = append([]frame.Frame{frame.Open()}, s.outbound...)
}

func (s *Session) opened() {
	s.reg.metrics.SessionOpened()
	s.log.Info("session opened")
	s.reg.app.OnOpen(s)
}

// flushLocked hands the whole buffer to the attached consumer. On failure the
// frames go back to the buffer untouched and the consumer is detached.
func (s *Session) flushLocked() {
	if s.consumer == nil || len(s.outbound) == 0 {
		return
	}

	pending := s.outbound
	s.outbound = nil
	s.deliverLocked(frame.Coalesce(pending), pending)
}

// deliverLocked sends batch to the attached consumer. retain is what goes
// back into the buffer if the send fails. A one-shot consumer is released
// after its batch whatever Send reports.
func (s *Session) deliverLocked(batch, retain []frame.Frame) {
	c := s.consumer
	done, err := c.Send(batch)
	if err != nil {
		s.outbound = append(retain, s.outbound...)
		s.reg.metrics.FlushFailed(c.Name())
		s.log.Debug("flush failed", logger.Field{Key: "transport", Value: c.Name()}, logger.Field{Key: "error", Value: err.Error()})
		s.detachLocked()
		return
	}

	s.lastSentAt = s.reg.now()
	for _, f := range batch {
		s.reg.metrics.FrameSent(c.Name(), f.Kind.String())
	}

	if done || c.Shape() == ShapeOneShot {
		s.detachLocked()
	}
}

func (s *Session) detachLocked() {
	s.consumer = nil
	s.lastSeenAt = s.reg.now()
}

// closeLocked reports whether the session was finalized and finalized()
// must run once mu is released.
func (s *Session) closeLocked(code int, reason string) bool {
	if s.state >= StateClosing {
		return false
	}

	s.state = StateClosing
	s.closeCode = code
	s.closeReason = reason
	s.outbound = append(s.outbound, frame.Close(code, reason))

	if c := s.consumer; c != nil {
		s.flushLocked()
		c.Close()
		s.consumer = nil
	}

	s.state = StateClosed
	s.inbound = nil
	s.outbound = nil
	close(s.done)
	return true
}

func (s *Session) finalized() {
	s.reg.remove(s)
	s.reg.metrics.SessionFinalized(strconv.Itoa(s.closeCode))
	s.log.Info("session closed", logger.Field{Key: "code", Value: s.closeCode}, logger.Field{Key: "reason", Value: s.closeReason})
	s.reg.app.OnClose(s)
}

// tick runs one scheduler pass over the session: a heartbeat for an idle
// attached consumer, or expiry for a session left unattached too long.
// It reports whether the session expired. A session whose lock is held, such
// as one with a consumer mid-write, is skipped until the next sweep.
func (s *Session) tick(now time.Time, heartbeat, disconnect time.Duration) bool {
	if !s.mu.TryLock() {
		return false
	}

	if s.state >= StateClosing {
		s.mu.Unlock()
		return false
	}

	if s.consumer != nil {
		if heartbeat > 0 && now.Sub(s.lastSentAt) >= heartbeat {
			s.deliverLocked([]frame.Frame{frame.Heartbeat()}, nil)
		}

		s.mu.Unlock()
		return false
	}

	if disconnect <= 0 || now.Sub(s.lastSeenAt) < disconnect {
		s.mu.Unlock()
		return false
	}

	finalized := s.closeLocked(frame.CodeGoAway, frame.ReasonGoAway)
	s.mu.Unlock()

	if finalized {
		s.finalized()
	}

	return finalized
}
