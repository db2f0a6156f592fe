package session

import (
	"sync"
	"testing"
	"time"

	"github.com/cyberinferno/go-sockjs/frame"
	"github.com/cyberinferno/go-sockjs/tombstone"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeConsumer struct {
	name  string
	shape Shape

	mu      sync.Mutex
	batches [][]frame.Frame
	failErr error
	closed  int
}

func newFakeConsumer(shape Shape) *fakeConsumer {
	return &fakeConsumer{name: "fake-" + shape.String(), shape: shape}
}

func (f *fakeConsumer) Name() string { return f.name }
func (f *fakeConsumer) Shape() Shape { return f.shape }

func (f *fakeConsumer) Send(frames []frame.Frame) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failErr != nil {
		err := f.failErr
		f.failErr = nil
		return false, err
	}

	cp := make([]frame.Frame, len(frames))
	copy(cp, frames)
	f.batches = append(f.batches, cp)
	return f.shape == ShapeOneShot, nil
}

func (f *fakeConsumer) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
}

func (f *fakeConsumer) failNextSend(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failErr = err
}

func (f *fakeConsumer) Batches() [][]frame.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]frame.Frame, len(f.batches))
	copy(out, f.batches)
	return out
}

func (f *fakeConsumer) Closed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// recorder is an Application that records every event.
type recorder struct {
	mu       sync.Mutex
	opened   []string
	messages []string
	closed   []string
	onMsg    func(s *Session, msg string)
}

func (r *recorder) OnOpen(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opened = append(r.opened, s.ID())
}

func (r *recorder) OnMessage(s *Session, msg string) {
	r.mu.Lock()
	r.messages = append(r.messages, msg)
	hook := r.onMsg
	r.mu.Unlock()

	if hook != nil {
		hook(s, msg)
	}
}

func (r *recorder) OnClose(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, s.ID())
}

func (r *recorder) Messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.messages...)
}

func (r *recorder) Closed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.closed...)
}

func (r *recorder) Opened() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.opened...)
}

func newTestRegistry(t *testing.T) (*Registry, *recorder, *fakeClock) {
	t.Helper()

	app := &recorder{}
	clock := newFakeClock()
	reg := NewRegistry(RegistryConfig{
		Application: app,
		Tombstones:  tombstone.NewMemoryStore(time.Minute, 0),
		Clock:       clock.Now,
	})

	return reg, app, clock
}

// openSession creates id and opens it through a one-shot consumer, which
// leaves the session open and unattached.
func openSession(t *testing.T, reg *Registry, id string) *Session {
	t.Helper()

	s, err := reg.Create(t.Context(), id)
	if err != nil {
		t.Fatalf("create %s: %v", id, err)
	}

	if err := s.Attach(newFakeConsumer(ShapeOneShot)); err != nil {
		t.Fatalf("attach %s: %v", id, err)
	}

	return s
}

// blockingConsumer accepts sends until arm is called, then blocks every send
// until release.
type blockingConsumer struct {
	armed   chan struct{}
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingConsumer() *blockingConsumer {
	return &blockingConsumer{
		armed:   make(chan struct{}),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *blockingConsumer) Name() string { return "blocking" }
func (b *blockingConsumer) Shape() Shape { return ShapeStreaming }

func (b *blockingConsumer) Send([]frame.Frame) (bool, error) {
	select {
	case <-b.armed:
	default:
		return false, nil
	}

	select {
	case b.entered <- struct{}{}:
	default:
	}

	<-b.release
	return false, nil
}

func (b *blockingConsumer) Close() {}

func (b *blockingConsumer) arm() { close(b.armed) }

func (b *blockingConsumer) unblock() { b.once.Do(func() { close(b.release) }) }
