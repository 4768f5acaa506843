package agent

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/adapters/storage/memory"
	"exploratory-testing-support/internal/usecase"
)

type fakeCapturer struct {
	mu     sync.Mutex
	on     bool
	starts int
	stops  int
}

func (f *fakeCapturer) Start(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.on {
		f.starts++
	}
	f.on = true
	return nil
}

func (f *fakeCapturer) Stop(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.on {
		f.stops++
	}
	f.on = false
	return nil
}

func (f *fakeCapturer) Collecting() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.on
}

type harness struct {
	agent     *Agent
	capturer  *fakeCapturer
	store     *memory.Store
	page      *usecase.SessionMachine // the page context's own view
	popup     *usecase.SessionMachine // the coordinator's view
	indicator chan bool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	logger := zerolog.New(io.Discard)
	store := memory.NewStore()
	h := &harness{
		capturer:  &fakeCapturer{},
		store:     store,
		page:      usecase.NewSessionMachine(store, &logger),
		popup:     usecase.NewSessionMachine(store, &logger),
		indicator: make(chan bool, 100),
	}
	ind := IndicatorFunc(func(active bool) {
		select {
		case h.indicator <- active:
		default:
		}
	})
	h.agent = New(store, h.page, h.capturer, ind, &logger, opts...)
	t.Cleanup(func() {
		_ = h.agent.Close(context.Background())
		_ = store.Close()
	})
	return h
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

func TestInitPicksUpExistingSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if _, err := h.popup.Start(ctx, "", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := h.agent.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if !h.capturer.Collecting() || !h.agent.Active() {
		t.Fatal("agent did not start capture for an active session")
	}
}

func TestFollowsStoreChanges(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	if err := h.agent.Init(ctx); err != nil {
		t.Fatal(err)
	}
	if h.capturer.Collecting() {
		t.Fatal("collecting without a session")
	}

	if _, err := h.popup.Start(ctx, "", "", nil); err != nil {
		t.Fatal(err)
	}
	eventually(t, h.capturer.Collecting, "capture never started after start in another context")
	if active, _ := h.page.IsActive(ctx); !active {
		t.Fatal("page context does not see the session as active")
	}

	if err := h.popup.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return !h.capturer.Collecting() }, "capture kept running while paused")

	if err := h.popup.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, h.capturer.Collecting, "capture did not resume")

	if _, err := h.popup.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	eventually(t, func() bool { return !h.capturer.Collecting() }, "capture kept running after stop")
}

func TestIgnoresUnrelatedKeys(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_ = h.agent.Init(ctx)
	<-h.indicator
	_ = h.store.Set(ctx, usecase.KeyAccessToken, []byte("t"))
	select {
	case v := <-h.indicator:
		t.Fatalf("indicator touched (%v) on unrelated key", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDirectCommandIsReconciled(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithReconcileDelay(20*time.Millisecond))
	_ = h.agent.Init(ctx)

	// a stale "started" hint with no session in the store
	if err := h.agent.HandleCommand(ctx, CommandSessionStarted); err != nil {
		t.Fatal(err)
	}
	if !h.capturer.Collecting() {
		t.Fatal("direct command not applied immediately")
	}
	eventually(t, func() bool { return !h.capturer.Collecting() }, "reconcile did not undo the stale hint")
}

func TestToggleAndRepeatedCommands(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithReconcileDelay(time.Hour))
	for i := 0; i < 3; i++ {
		_ = h.agent.HandleCommand(ctx, CommandSessionStarted)
	}
	if h.capturer.starts != 1 {
		t.Fatalf("starts = %d, want 1", h.capturer.starts)
	}
	_ = h.agent.HandleCommand(ctx, CommandToggle)
	if h.capturer.Collecting() {
		t.Fatal("toggle did not stop")
	}
	if err := h.agent.HandleCommand(ctx, "reload"); err == nil {
		t.Fatal("unknown command accepted")
	}
}

func TestCloseStopsCapture(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithReconcileDelay(time.Hour))
	_, _ = h.popup.Start(ctx, "", "", nil)
	_ = h.agent.Init(ctx)
	_ = h.agent.HandleCommand(ctx, CommandSessionStarted)
	if err := h.agent.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if h.capturer.Collecting() {
		t.Fatal("capture survived close")
	}
	// notifications after close are ignored
	_, _ = h.popup.Stop(ctx)
	_, _ = h.popup.Start(ctx, "", "", nil)
	time.Sleep(30 * time.Millisecond)
	if h.capturer.Collecting() {
		t.Fatal("closed agent restarted capture")
	}
}

// gatedStatus stalls the first read after arm() until release is closed,
// returning the value it sampled before stalling.
type gatedStatus struct {
	inner   StatusReader
	mu      sync.Mutex
	armed   bool
	sampled chan struct{}
	release chan struct{}
}

func (g *gatedStatus) arm() {
	g.mu.Lock()
	g.armed = true
	g.mu.Unlock()
}

func (g *gatedStatus) IsActive(ctx context.Context) (bool, error) {
	v, err := g.inner.IsActive(ctx)
	g.mu.Lock()
	stall := g.armed
	g.armed = false
	g.mu.Unlock()
	if stall {
		close(g.sampled)
		<-g.release
	}
	return v, err
}

func TestStaleReadCannotOverrideLaterChange(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	logger := zerolog.New(io.Discard)
	gate := &gatedStatus{inner: h.page, sampled: make(chan struct{}), release: make(chan struct{})}
	h.agent = New(h.store, gate, h.capturer, nil, &logger, WithReconcileDelay(10*time.Millisecond))

	if _, err := h.popup.Start(ctx, "", "", nil); err != nil {
		t.Fatal(err)
	}
	if err := h.agent.Init(ctx); err != nil {
		t.Fatal(err)
	}
	gate.arm()
	_ = h.agent.HandleCommand(ctx, CommandSessionStarted)
	select {
	case <-gate.sampled:
	case <-time.After(2 * time.Second):
		t.Fatal("delayed reconcile never read the store")
	}

	if _, err := h.popup.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	close(gate.release)

	eventually(t, func() bool { return !h.capturer.Collecting() && !h.agent.Active() }, "agent kept capturing after stop")
	time.Sleep(50 * time.Millisecond)
	if h.capturer.Collecting() || h.agent.Active() {
		t.Fatal("stale read restarted capture after stop")
	}
}

func TestConcurrentTogglesDoNotCollapse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, WithReconcileDelay(time.Hour))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.agent.HandleCommand(ctx, CommandToggle)
		}()
	}
	wg.Wait()
	if h.agent.Active() || h.capturer.Collecting() {
		t.Fatal("an even number of toggles left capture on")
	}
	h.capturer.mu.Lock()
	defer h.capturer.mu.Unlock()
	if h.capturer.starts != 25 || h.capturer.stops != 25 {
		t.Fatalf("starts=%d stops=%d, want 25 each", h.capturer.starts, h.capturer.stops)
	}
}
