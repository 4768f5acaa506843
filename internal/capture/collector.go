package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/domain"
	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/pkg/shared/redact"
)

const (
	flushTimeout     = 10 * time.Second
	maxMessageLength = 2000
	maxStackLength   = 4000
)

// Sink receives flushed records. SessionMachine satisfies it.
type Sink interface {
	AddEvents(ctx context.Context, evs []domain.Event) error
	AddFlag(ctx context.Context, eventID, note string) (string, error)
}

// Collector observes a Host through its interception hooks and buffers
// admitted observations. The buffer is swapped out and pushed to the Sink
// when it reaches capacity or when the flush timer fires.
//
// At most one push is in flight. A failed push puts its records back in
// front of the live buffer, trimmed from the oldest end to capacity, and
// capacity-triggered flushes back off for one flush interval.
type Collector struct {
	policy  Policy
	host    Host
	sink    Sink
	logger  *zerolog.Logger
	metrics *obs.Metrics
	roll    func() float64
	now     func() time.Time

	life sync.Mutex // serializes Start and Stop

	mu         sync.Mutex
	buf        []domain.LogRecord
	collecting bool
	inflight   bool
	retryAfter time.Time
	restores   []Restore
	stopTick   chan struct{}

	loops   sync.WaitGroup
	flushes sync.WaitGroup
}

type Option func(*Collector)

// WithSampler replaces the uniform random source used for sampling.
func WithSampler(roll func() float64) Option { return func(c *Collector) { c.roll = roll } }

func WithClock(now func() time.Time) Option { return func(c *Collector) { c.now = now } }

func WithMetrics(m *obs.Metrics) Option { return func(c *Collector) { c.metrics = m } }

func NewCollector(policy Policy, host Host, sink Sink, logger *zerolog.Logger, opts ...Option) *Collector {
	if logger == nil {
		logger = obs.Nop()
	}
	policy = policy.normalized()
	c := &Collector{
		policy: policy,
		host:   host,
		sink:   sink,
		logger: logger,
		roll:   rand.Float64,
		now:    time.Now,
		buf:    make([]domain.LogRecord, 0, policy.BufferCapacity),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Collector) Policy() Policy { return c.policy }

func (c *Collector) Collecting() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collecting
}

// Pending is the number of records waiting in the live buffer.
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// Start installs the hooks and the flush timer. Calling it while already
// collecting does nothing.
func (c *Collector) Start(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	c.mu.Lock()
	if c.collecting {
		c.mu.Unlock()
		return nil
	}
	c.collecting = true
	c.retryAfter = time.Time{}
	c.mu.Unlock()

	restores, err := c.install()
	if err != nil {
		c.mu.Lock()
		c.collecting = false
		c.mu.Unlock()
		undo(restores)
		return fmt.Errorf("install hooks: %w", err)
	}
	stop := make(chan struct{})
	c.mu.Lock()
	c.restores = restores
	c.stopTick = stop
	c.mu.Unlock()

	c.loops.Add(1)
	go c.tickLoop(stop)
	c.logger.Debug().Str("policy", c.policy.String()).Msg("collector started")
	return nil
}

// Stop removes the hooks, cancels the timer and flushes what is left. An
// in-flight flush is allowed to finish first; nothing new is admitted once
// Stop has been called. Records whose final flush fails are discarded.
func (c *Collector) Stop(ctx context.Context) error {
	c.life.Lock()
	defer c.life.Unlock()
	c.mu.Lock()
	if !c.collecting {
		c.mu.Unlock()
		return nil
	}
	c.collecting = false
	restores, stop := c.restores, c.stopTick
	c.restores, c.stopTick = nil, nil
	c.mu.Unlock()

	close(stop)
	undo(restores)
	c.loops.Wait()
	c.flushes.Wait()

	c.mu.Lock()
	batch := c.takeLocked()
	c.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	if err := c.push(ctx, batch, false); err != nil {
		c.metrics.ObserveDropped("stopped", len(batch))
		c.logger.Warn().Err(err).Int("records", len(batch)).Msg("final flush failed, records discarded")
		return err
	}
	c.logger.Debug().Msg("collector stopped")
	return nil
}

// Flush pushes the live buffer now. It is a no-op while another flush is
// in flight, the buffer is empty or the collector is stopped.
func (c *Collector) Flush(ctx context.Context) error {
	c.mu.Lock()
	if !c.collecting || c.inflight || len(c.buf) == 0 {
		c.mu.Unlock()
		return nil
	}
	batch := c.takeLocked()
	c.mu.Unlock()
	return c.push(ctx, batch, true)
}

// FlagEvent annotates a captured event, flushed or not.
func (c *Collector) FlagEvent(ctx context.Context, eventID, note string) (string, error) {
	return c.sink.AddFlag(ctx, eventID, note)
}

func (c *Collector) install() ([]Restore, error) {
	var rs []Restore
	hook := func(r Restore, err error) error {
		if err != nil {
			return err
		}
		if r != nil {
			rs = append(rs, r)
		}
		return nil
	}
	if c.policy.CaptureConsole {
		if err := hook(c.host.HookConsole(c.onConsole)); err != nil {
			return rs, err
		}
	}
	if c.policy.CaptureNetwork {
		if err := hook(c.host.HookNetwork(c.onNetwork)); err != nil {
			return rs, err
		}
	}
	if c.policy.CaptureErrors {
		if err := hook(c.host.HookErrors(c.onError)); err != nil {
			return rs, err
		}
	}
	if c.policy.CaptureDOM {
		if err := hook(c.host.HookDOM(c.onDOM)); err != nil {
			return rs, err
		}
	}
	return rs, nil
}

func undo(rs []Restore) {
	for i := len(rs) - 1; i >= 0; i-- {
		rs[i]()
	}
}

func (c *Collector) tickLoop(stop <-chan struct{}) {
	defer c.loops.Done()
	t := time.NewTicker(c.policy.FlushInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			if err := c.Flush(ctx); err != nil {
				c.logger.Debug().Err(err).Msg("timed flush failed")
			}
			cancel()
		}
	}
}

func (c *Collector) onConsole(call ConsoleCall) {
	if !c.policy.AdmitConsole(call.Level) {
		c.metrics.ObserveDropped("filtered", 1)
		return
	}
	rec := domain.NewLogRecord(domain.LogConsole, domain.EventConsole, c.at(call.At))
	rec.Level = call.Level
	rec.Message = truncate(formatArgs(call.Args), maxMessageLength)
	c.record(rec)
}

func (c *Collector) onNetwork(call NetworkCall) {
	if !c.policy.AdmitNetwork(call) {
		c.metrics.ObserveDropped("filtered", 1)
		return
	}
	typ, level := domain.EventNetwork, domain.LevelInfo
	if call.Failed() {
		typ, level = domain.EventNetworkError, domain.LevelError
	}
	method := strings.ToUpper(call.Method)
	if method == "" {
		method = "GET"
	}
	url := redact.RedactURL(call.URL)
	rec := domain.NewLogRecord(domain.LogNetwork, typ, c.at(call.At))
	rec.Level = level
	rec.Data["method"] = method
	rec.Data["url"] = url
	rec.Data["status"] = call.Status
	rec.Data["durationMs"] = call.Duration.Milliseconds()
	if call.Err != "" {
		rec.Data["error"] = call.Err
		rec.Message = fmt.Sprintf("%s %s failed: %s", method, url, call.Err)
	} else {
		rec.Message = fmt.Sprintf("%s %s -> %d", method, url, call.Status)
	}
	c.record(rec)
}

func (c *Collector) onError(e PageError) {
	rec := domain.NewLogRecord(domain.LogError, domain.EventError, c.at(e.At))
	rec.Level = domain.LevelError
	rec.Message = truncate(e.Message, maxMessageLength)
	if e.Source != "" {
		rec.Data["source"] = e.Source
		rec.Data["line"] = e.Line
		rec.Data["column"] = e.Column
	}
	if e.Stack != "" {
		rec.Data["stack"] = truncate(e.Stack, maxStackLength)
	}
	rec.Data["rejection"] = e.Rejection
	c.record(rec)
}

func (c *Collector) onDOM(ev DOMEvent) {
	if !c.policy.AdmitDOM(ev, c.roll()) {
		c.metrics.ObserveDropped("sampled", 1)
		return
	}
	rec := domain.NewLogRecord(domain.LogDOM, ev.Type, c.at(ev.At))
	if ev.Target.Tag != "" {
		rec.Data["target"] = ev.Target.Descriptor()
		rec.Data["element"] = ev.Target
	}
	switch ev.Type {
	case domain.EventClick, domain.EventMouseMove:
		rec.Data["x"] = ev.X
		rec.Data["y"] = ev.Y
		rec.Data["viewport"] = map[string]int{"width": ev.ViewportW, "height": ev.ViewportH}
	case domain.EventKeydown:
		rec.Data["key"] = ev.Key
		rec.Data["ctrl"] = ev.Ctrl
		rec.Data["alt"] = ev.Alt
		rec.Data["meta"] = ev.Meta
		rec.Data["shift"] = ev.Shift
	}
	if ev.URL != "" {
		rec.Data["url"] = redact.RedactURL(ev.URL)
	}
	c.record(rec)
}

// record is the hot path: one append under the lock, plus a buffer swap
// when capacity is reached. The push itself runs on its own goroutine.
func (c *Collector) record(rec domain.LogRecord) {
	c.mu.Lock()
	if !c.collecting {
		c.mu.Unlock()
		return
	}
	overflow := 0
	if len(c.buf) >= c.policy.BufferCapacity {
		// only reachable while a flush is in flight or backing off
		overflow = len(c.buf) - c.policy.BufferCapacity + 1
		c.buf = append(c.buf[:0], c.buf[overflow:]...)
	}
	c.buf = append(c.buf, rec)
	var batch []domain.LogRecord
	if len(c.buf) >= c.policy.BufferCapacity && !c.inflight && !c.now().Before(c.retryAfter) {
		batch = c.takeLocked()
	}
	c.mu.Unlock()

	c.metrics.ObserveCaptured(string(rec.Kind))
	c.metrics.ObserveDropped("overflow", overflow)
	if batch != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
			defer cancel()
			if err := c.push(ctx, batch, true); err != nil {
				c.logger.Debug().Err(err).Msg("capacity flush failed")
			}
		}()
	}
}

// takeLocked swaps the live buffer for an empty one and marks a flush in
// flight. Caller holds c.mu and must call push with the result.
func (c *Collector) takeLocked() []domain.LogRecord {
	if len(c.buf) == 0 {
		return nil
	}
	batch := c.buf
	c.buf = make([]domain.LogRecord, 0, c.policy.BufferCapacity)
	c.inflight = true
	c.flushes.Add(1)
	return batch
}

func (c *Collector) push(ctx context.Context, batch []domain.LogRecord, requeue bool) error {
	defer c.flushes.Done()
	evs := make([]domain.Event, len(batch))
	for i, r := range batch {
		evs[i] = r.Event()
	}
	err := c.sink.AddEvents(ctx, evs)

	c.mu.Lock()
	c.inflight = false
	lost := 0
	if err != nil && requeue {
		c.buf, lost = requeueRecords(batch, c.buf, c.policy.BufferCapacity)
		c.retryAfter = c.now().Add(c.policy.FlushInterval)
	}
	c.mu.Unlock()

	if err != nil {
		c.metrics.ObserveFlush("error", len(batch))
		c.metrics.ObserveDropped("overflow", lost)
		c.logger.Warn().Err(err).Int("records", len(batch)).Int("lost", lost).Msg("flush failed")
		return err
	}
	c.metrics.ObserveFlush("ok", len(batch))
	c.logger.Debug().Int("records", len(batch)).Msg("flushed")
	return nil
}

// requeueRecords puts failed records back ahead of the live ones, keeping
// the newest capacity records.
func requeueRecords(failed, live []domain.LogRecord, capacity int) ([]domain.LogRecord, int) {
	combined := make([]domain.LogRecord, 0, len(failed)+len(live))
	combined = append(combined, failed...)
	combined = append(combined, live...)
	lost := 0
	if len(combined) > capacity {
		lost = len(combined) - capacity
		combined = combined[lost:]
	}
	return combined, lost
}

func (c *Collector) at(t time.Time) time.Time {
	if t.IsZero() {
		return c.now()
	}
	return t
}

func formatArgs(args []any) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		switch v := a.(type) {
		case string:
			if s := strings.TrimSpace(v); strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[") {
				v = redact.RedactJSON(s)
			}
			parts = append(parts, v)
		case nil:
			parts = append(parts, "null")
		case error:
			parts = append(parts, v.Error())
		case map[string]any, []any:
			b, err := json.Marshal(v)
			if err != nil {
				parts = append(parts, fmt.Sprint(v))
				continue
			}
			parts = append(parts, redact.RedactJSON(string(b)))
		default:
			parts = append(parts, fmt.Sprint(v))
		}
	}
	return strings.Join(parts, " ")
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}
