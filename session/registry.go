package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/go-sockjs/logger"
	"github.com/cyberinferno/go-sockjs/metrics"
	"github.com/cyberinferno/go-sockjs/safemap"
	"github.com/cyberinferno/go-sockjs/tombstone"
)

// Application receives session lifecycle events and client messages.
// Callbacks run on the goroutine that caused the event and never with a
// session lock held.
type Application interface {
	OnOpen(s *Session)
	OnMessage(s *Session, msg string)
	OnClose(s *Session)
}

// Callbacks adapts plain functions to Application. Nil fields are skipped.
type Callbacks struct {
	Open    func(s *Session)
	Message func(s *Session, msg string)
	Close   func(s *Session)
}

func (c Callbacks) OnOpen(s *Session) {
	if c.Open != nil {
		c.Open(s)
	}
}

func (c Callbacks) OnMessage(s *Session, msg string) {
	if c.Message != nil {
		c.Message(s, msg)
	}
}

func (c Callbacks) OnClose(s *Session) {
	if c.Close != nil {
		c.Close(s)
	}
}

// RegistryConfig holds a Registry's collaborators. Only Application is
// commonly set; everything else has a working default.
type RegistryConfig struct {
	// Application receives events for every session in the registry.
	Application Application
	// Tombstones remembers finalized ids. Defaults to an in-memory store
	// with tombstone.DefaultTTL.
	Tombstones tombstone.Store
	// Logger defaults to a no-op logger.
	Logger logger.Logger
	// Metrics may be nil.
	Metrics *metrics.Metrics
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Registry maps session ids to live sessions. It is the only structure shared
// across sessions; lookups never contend with a session's own lock.
type Registry struct {
	sessions *safemap.SafeMap[string, *Session]
	closed   tombstone.Store
	app      Application
	log      logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRegistry creates an empty Registry.
//
// Parameters:
//   - cfg: Collaborators; zero values are replaced by defaults
//
// Returns:
//   - A Registry ready for concurrent use
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		sessions: safemap.NewSafeMap[string, *Session](),
		closed:   cfg.Tombstones,
		app:      cfg.Application,
		log:      cfg.Logger,
		metrics:  cfg.Metrics,
		now:      cfg.Clock,
	}

	if r.closed == nil {
		r.closed = tombstone.NewMemoryStore(tombstone.DefaultTTL, tombstone.DefaultTTL)
	}

	if r.app == nil {
		r.app = Callbacks{}
	}

	if r.log == nil {
		r.log = logger.NewNopLogger()
	}

	if r.now == nil {
		r.now = time.Now
	}

	if err := r.metrics.ObserveTombstones(r.countTombstones); err != nil {
		r.log.Warn("tombstone gauge not registered", logger.Field{Key: "error", Value: err.Error()})
	}

	return r
}

// countTombstones reports the tombstone store's live marks for the metrics
// gauge. A store that fails to count reports what it counted so far.
func (r *Registry) countTombstones() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := r.closed.Count(ctx)
	if err != nil {
		r.log.Debug("failed to count tombstones", logger.Field{Key: "error", Value: err.Error()})
	}

	return float64(n)
}

// Create registers a new connecting session under id. Concurrent calls for
// the same id produce exactly one session.
//
// Parameters:
//   - ctx: Bounds the tombstone lookup
//   - id: The session id taken from the request path
//
// Returns:
//   - The new session
//   - ErrDuplicateSession if a live session holds id, ErrSessionClosed if id
//     was closed recently, ErrInvalidSessionID for an empty id, or the
//     tombstone store's error
func (r *Registry) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidSessionID
	}

	closed, err := r.closed.IsClosed(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to check session %s: %w", id, err)
	}

	if closed {
		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}

	s := newSession(id, r)
	if existing, loaded := r.sessions.LoadOrStore(id, s); loaded {
		if existing.State() == StateClosed {
			return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
		}

		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}

	// A session finalized between the first check and LoadOrStore has been
	// tombstoned before it left the map, so a second check sees it.
	closed, err = r.closed.IsClosed(ctx, id)
	if err != nil || closed {
		r.sessions.CompareAndDelete(id, s)
		if err != nil {
			return nil, fmt.Errorf("failed to check session %s: %w", id, err)
		}

		return nil, fmt.Errorf("%w: %s", ErrSessionClosed, id)
	}

	r.metrics.SessionCreated()
	s.log.Debug("session created")
	return s, nil
}

// Lookup returns the live session for id.
func (r *Registry) Lookup(id string) (*Session, bool) {
	return r.sessions.Load(id)
}

// LookupOrCreate returns the live session for id, creating it if absent.
// created reports which happened. Losing a creation race to another request
// yields that request's session.
func (r *Registry) LookupOrCreate(ctx context.Context, id string) (s *Session, created bool, err error) {
	for {
		if s, ok := r.Lookup(id); ok {
			if s.State() == StateClosed {
				return nil, false, fmt.Errorf("%w: %s", ErrSessionClosed, id)
			}

			return s, false, nil
		}

		s, err := r.Create(ctx, id)
		if errors.Is(err, ErrDuplicateSession) {
			continue
		}

		if err != nil {
			return nil, false, err
		}

		return s, true, nil
	}
}

// IsClosed reports whether id belongs to a recently finalized session.
func (r *Registry) IsClosed(ctx context.Context, id string) (bool, error) {
	return r.closed.IsClosed(ctx, id)
}

// Range calls fn for each live session until fn returns false.
func (r *Registry) Range(fn func(s *Session) bool) {
	r.sessions.Range(func(_ string, s *Session) bool {
		return fn(s)
	})
}

// Len counts live sessions. It walks the whole registry.
func (r *Registry) Len() int {
	return r.sessions.Len()
}

// CloseAll closes every live session with code and reason. Used on shutdown.
func (r *Registry) CloseAll(code int, reason string) {
	r.Range(func(s *Session) bool {
		s.Close(code, reason)
		return true
	})
}

// remove tombstones the id of s and then drops s from the map, unless the id
// has since been taken by a newer session. Until the mark is written the
// closed session stays in the map, where Create reports it as closed.
func (r *Registry) remove(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.closed.Mark(ctx, s.id); err != nil {
		s.log.Warn("failed to tombstone session", logger.Field{Key: "error", Value: err.Error()})
	}

	r.sessions.CompareAndDelete(s.id, s)
}
