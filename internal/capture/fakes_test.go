package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/domain"
)

// fakeHost records installed callbacks so tests can drive them directly.
type fakeHost struct {
	mu       sync.Mutex
	console  func(ConsoleCall)
	network  func(NetworkCall)
	errs     func(PageError)
	dom      func(DOMEvent)
	installs int
	restores int
}

func (h *fakeHost) HookConsole(fn func(ConsoleCall)) (Restore, error) {
	return h.install(func() { h.console = fn }, func() { h.console = nil })
}

func (h *fakeHost) HookNetwork(fn func(NetworkCall)) (Restore, error) {
	return h.install(func() { h.network = fn }, func() { h.network = nil })
}

func (h *fakeHost) HookErrors(fn func(PageError)) (Restore, error) {
	return h.install(func() { h.errs = fn }, func() { h.errs = nil })
}

func (h *fakeHost) HookDOM(fn func(DOMEvent)) (Restore, error) {
	return h.install(func() { h.dom = fn }, func() { h.dom = nil })
}

func (h *fakeHost) install(set, unset func()) (Restore, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set()
	h.installs++
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		unset()
		h.restores++
	}, nil
}

func (h *fakeHost) logConsole(level domain.LogLevel, args ...any) {
	h.mu.Lock()
	fn := h.console
	h.mu.Unlock()
	if fn != nil {
		fn(ConsoleCall{Level: level, Args: args})
	}
}

func (h *fakeHost) request(call NetworkCall) {
	h.mu.Lock()
	fn := h.network
	h.mu.Unlock()
	if fn != nil {
		fn(call)
	}
}

func (h *fakeHost) raise(e PageError) {
	h.mu.Lock()
	fn := h.errs
	h.mu.Unlock()
	if fn != nil {
		fn(e)
	}
}

func (h *fakeHost) fire(ev DOMEvent) {
	h.mu.Lock()
	fn := h.dom
	h.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (h *fakeHost) counts() (installs, restores int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.installs, h.restores
}

var errSinkDown = errors.New("sink down")

// fakeSink collects flushed events. failNext makes the next n pushes fail.
type fakeSink struct {
	mu       sync.Mutex
	events   []domain.Event
	pushes   []int
	failNext int
	flags    []string
}

func (s *fakeSink) AddEvents(_ context.Context, evs []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errSinkDown
	}
	s.events = append(s.events, evs...)
	s.pushes = append(s.pushes, len(evs))
	return nil
}

func (s *fakeSink) AddFlag(_ context.Context, eventID, note string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flags = append(s.flags, eventID+":"+note)
	return "flag-1", nil
}

func (s *fakeSink) snapshot() ([]domain.Event, []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Event(nil), s.events...), append([]int(nil), s.pushes...)
}

func (s *fakeSink) failTimes(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

func newTestCollector(t *testing.T, p Policy, opts ...Option) (*Collector, *fakeHost, *fakeSink) {
	t.Helper()
	logger := zerolog.New(io.Discard)
	host, sink := &fakeHost{}, &fakeSink{}
	c := NewCollector(p, host, sink, &logger, opts...)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = c.Stop(context.Background()) })
	return c, host, sink
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}
