package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/domain"
)

func TestStartIsIdempotentAndStopRestores(t *testing.T) {
	c, host, _ := newTestCollector(t, FullPolicy)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if installs, _ := host.counts(); installs != 4 {
		t.Fatalf("installs = %d, want 4", installs)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, restores := host.counts(); restores != 4 {
		t.Fatalf("restores = %d, want 4", restores)
	}
	if c.Collecting() {
		t.Fatal("still collecting after stop")
	}
}

func TestMinimalInstallsNoDOMHook(t *testing.T) {
	c, host, _ := newTestCollector(t, MinimalPolicy)
	if installs, _ := host.counts(); installs != 3 {
		t.Fatalf("installs = %d, want 3", installs)
	}
	host.fire(DOMEvent{Type: domain.EventClick, Target: Element{Tag: "button"}})
	if c.Pending() != 0 {
		t.Fatal("minimal captured a DOM event")
	}
}

func TestCapacityFlush(t *testing.T) {
	c, host, sink := newTestCollector(t, LightweightPolicy)
	for i := 0; i < 60; i++ {
		host.logConsole(domain.LevelError, fmt.Sprintf("err %d", i))
	}
	eventually(t, func() bool { evs, _ := sink.snapshot(); return len(evs) == 50 }, "capacity flush never arrived")
	_, pushes := sink.snapshot()
	if len(pushes) != 1 || pushes[0] != 50 {
		t.Fatalf("pushes = %v, want one push of 50", pushes)
	}
	if got := c.Pending(); got != 10 {
		t.Fatalf("pending = %d, want 10", got)
	}
	evs, _ := sink.snapshot()
	if evs[0].Data["message"] != "err 0" || evs[49].Data["message"] != "err 49" {
		t.Fatalf("flush out of order: first=%v last=%v", evs[0].Data, evs[49].Data)
	}
}

func TestFailedFlushIsRetriedInOrder(t *testing.T) {
	ctx := context.Background()
	c, host, sink := newTestCollector(t, FullPolicy)
	sink.failTimes(1)
	for i := 0; i < 3; i++ {
		host.logConsole(domain.LevelInfo, fmt.Sprintf("a%d", i))
	}
	if err := c.Flush(ctx); !errors.Is(err, errSinkDown) {
		t.Fatalf("flush err = %v", err)
	}
	if c.Pending() != 3 {
		t.Fatalf("failed records not requeued, pending=%d", c.Pending())
	}
	for i := 0; i < 2; i++ {
		host.logConsole(domain.LevelInfo, fmt.Sprintf("b%d", i))
	}
	if err := c.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	evs, _ := sink.snapshot()
	var got []string
	for _, e := range evs {
		got = append(got, e.Data["message"].(string))
	}
	if strings.Join(got, ",") != "a0,a1,a2,b0,b1" {
		t.Fatalf("events = %v", got)
	}
}

func TestRequeueTrimsOldest(t *testing.T) {
	p := FullPolicy
	p.BufferCapacity = 5
	p.FlushInterval = time.Hour
	c, host, sink := newTestCollector(t, p)
	sink.failTimes(1)
	for i := 0; i < 4; i++ {
		host.logConsole(domain.LevelInfo, fmt.Sprintf("old%d", i))
	}
	if err := c.Flush(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	for i := 0; i < 3; i++ {
		host.logConsole(domain.LevelInfo, fmt.Sprintf("new%d", i))
	}
	// capacity pushes back off after a failure, so everything stays buffered
	if got := c.Pending(); got != 5 {
		t.Fatalf("pending = %d, want 5", got)
	}
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	evs, _ := sink.snapshot()
	if len(evs) != 5 || evs[0].Data["message"] != "old2" || evs[4].Data["message"] != "new2" {
		t.Fatalf("events = %+v", evs)
	}
}

func TestStopFlushesRemainder(t *testing.T) {
	c, host, sink := newTestCollector(t, FullPolicy)
	host.raise(PageError{Message: "TypeError: x is undefined", Source: "app.js", Line: 3})
	host.request(NetworkCall{Method: "post", URL: "https://api.test/login?token=abc", Status: 500})
	if err := c.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	evs, _ := sink.snapshot()
	if len(evs) != 2 {
		t.Fatalf("events = %d", len(evs))
	}
	if evs[0].Type != domain.EventError || evs[1].Type != domain.EventNetworkError {
		t.Fatalf("types = %s, %s", evs[0].Type, evs[1].Type)
	}
	if url := evs[1].Data["url"].(string); strings.Contains(url, "abc") {
		t.Fatalf("token leaked into url %s", url)
	}
	host.logConsole(domain.LevelError, "after stop")
	if c.Pending() != 0 {
		t.Fatal("records admitted after stop")
	}
}

func TestStopDiscardsOnFinalFailure(t *testing.T) {
	c, host, sink := newTestCollector(t, FullPolicy)
	host.logConsole(domain.LevelWarn, "pending")
	sink.failTimes(1)
	if err := c.Stop(context.Background()); err == nil {
		t.Fatal("expected final flush error")
	}
	if c.Pending() != 0 {
		t.Fatal("records kept after failed final flush")
	}
}

func TestTimedFlush(t *testing.T) {
	p := FullPolicy
	p.FlushInterval = 20 * time.Millisecond
	_, host, sink := newTestCollector(t, p)
	host.logConsole(domain.LevelLog, "tick")
	eventually(t, func() bool { evs, _ := sink.snapshot(); return len(evs) == 1 }, "timer never flushed")
}

func TestMouseMoveSampling(t *testing.T) {
	p := FullPolicy
	p.BufferCapacity = 20000
	p.FlushInterval = time.Hour
	c, host, _ := newTestCollector(t, p)
	const n = 10000
	for i := 0; i < n; i++ {
		host.fire(DOMEvent{Type: domain.EventMouseMove, X: i, Y: i})
	}
	got := c.Pending()
	if got < 800 || got > 1200 {
		t.Fatalf("sampled %d of %d mouse moves, want 8-12%%", got, n)
	}
}

func TestLightweightFilters(t *testing.T) {
	c, host, sink := newTestCollector(t, LightweightPolicy)
	host.logConsole(domain.LevelLog, "noise")
	host.logConsole(domain.LevelWarn, "careful")
	host.request(NetworkCall{Method: "GET", URL: "https://x/ok", Status: 200})
	host.request(NetworkCall{Method: "GET", URL: "https://x/down", Err: "connection refused"})
	host.fire(DOMEvent{Type: domain.EventClick, Target: Element{Tag: "div"}})
	host.fire(DOMEvent{Type: domain.EventClick, Target: Element{Tag: "button", ID: "buy"}, X: 10, Y: 20})
	host.fire(DOMEvent{Type: domain.EventKeydown, Key: "k"})
	host.fire(DOMEvent{Type: domain.EventKeydown, Key: "Escape"})
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	evs, _ := sink.snapshot()
	var types []string
	for _, e := range evs {
		types = append(types, string(e.Type))
	}
	if strings.Join(types, ",") != "console,network_error,click,keydown" {
		t.Fatalf("captured %v", types)
	}
	if evs[2].Data["target"] != "button#buy" {
		t.Fatalf("click target = %v", evs[2].Data["target"])
	}
}

func TestConsoleArgsRedacted(t *testing.T) {
	c, host, sink := newTestCollector(t, FullPolicy)
	host.logConsole(domain.LevelInfo, "login", map[string]any{"user": "ann", "password": "hunter2"})
	_ = c.Flush(context.Background())
	evs, _ := sink.snapshot()
	msg := evs[0].Data["message"].(string)
	if strings.Contains(msg, "hunter2") || !strings.Contains(msg, "ann") {
		t.Fatalf("message = %s", msg)
	}
}

func TestFlagEventGoesToSink(t *testing.T) {
	c, _, sink := newTestCollector(t, FullPolicy)
	if _, err := c.FlagEvent(context.Background(), "e1", "looks wrong"); err != nil {
		t.Fatal(err)
	}
	if len(sink.flags) != 1 || sink.flags[0] != "e1:looks wrong" {
		t.Fatalf("flags = %v", sink.flags)
	}
}

// blockingSink holds the first push until release is closed.
type blockingSink struct {
	fakeSink
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSink) AddEvents(ctx context.Context, evs []domain.Event) error {
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.fakeSink.AddEvents(ctx, evs)
}

func TestStopWaitsForInflightFlush(t *testing.T) {
	p := FullPolicy
	p.BufferCapacity = 3
	p.FlushInterval = time.Hour
	logger := zerolog.New(io.Discard)
	host := &fakeHost{}
	sink := &blockingSink{entered: make(chan struct{}), release: make(chan struct{})}
	c := NewCollector(p, host, sink, &logger)
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		host.logConsole(domain.LevelLog, fmt.Sprintf("batch%d", i))
	}
	select {
	case <-sink.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("capacity flush never started")
	}
	host.logConsole(domain.LevelLog, "before-stop")

	stopped := make(chan error, 1)
	go func() { stopped <- c.Stop(context.Background()) }()
	eventually(t, func() bool { return !c.Collecting() }, "stop never began")

	host.logConsole(domain.LevelLog, "after-stop")
	c.onConsole(ConsoleCall{Level: domain.LevelLog, Args: []any{"after-stop"}})
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-stopped:
		t.Fatal("stop returned while a flush was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(sink.release)
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	evs, _ := sink.snapshot()
	var got []string
	for _, e := range evs {
		got = append(got, e.Data["message"].(string))
	}
	if strings.Join(got, ",") != "batch0,batch1,batch2,before-stop" {
		t.Fatalf("persisted = %v", got)
	}
}

func TestFlushAfterStopIsNoop(t *testing.T) {
	c, _, sink := newTestCollector(t, FullPolicy)
	_ = c.Stop(context.Background())
	c.onConsole(ConsoleCall{Level: domain.LevelError, Args: []any{"late"}})
	if err := c.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if evs, _ := sink.snapshot(); len(evs) != 0 {
		t.Fatalf("events = %v", evs)
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes each
	got := truncate(s, 5)
	if !utf8.ValidString(got) {
		t.Fatalf("invalid utf-8: %q", got)
	}
	if got != "éé…" {
		t.Fatalf("got %q", got)
	}
	if truncate("short", 10) != "short" {
		t.Fatal("short string changed")
	}
}
