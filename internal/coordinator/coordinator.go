// Package coordinator is the privileged, page-independent side of the
// system. It is the only writer of lifecycle transitions and answers the
// popup's queries from the shared store.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/domain"
	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/internal/usecase"
)

// Notification names sent to page contexts on the best-effort path.
const (
	NotifySessionStarted = "session_started"
	NotifySessionStopped = "session_stopped"
	NotifySessionCleared = "session_cleared"
)

const pendingWriteTimeout = 5 * time.Second

// Screenshotter captures the visible page as an image data URL.
type Screenshotter interface {
	Capture(ctx context.Context) (string, error)
}

// Remote is the read side of the backend: sessions it already holds and
// the reports it renders for them.
type Remote interface {
	GetSession(ctx context.Context, id string) (domain.Session, error)
	DeleteSession(ctx context.Context, id string) error
	GenerateReport(ctx context.Context, id, format string) (string, error)
}

type Coordinator struct {
	machine *usecase.SessionMachine
	store   usecase.SharedStore
	backend usecase.BackendSink
	remote  Remote
	shots   Screenshotter
	notify  func(event string)
	logger  *zerolog.Logger
	metrics *obs.Metrics

	syncOnStop  bool
	syncTimeout time.Duration

	pendingMu sync.Mutex
	wg        sync.WaitGroup
}

type Option func(*Coordinator)

// WithBackend enables hand-off of completed sessions.
func WithBackend(b usecase.BackendSink) Option {
	return func(c *Coordinator) { c.backend = b; c.syncOnStop = b != nil }
}

func WithRemote(r Remote) Option { return func(c *Coordinator) { c.remote = r } }

func WithScreenshotter(s Screenshotter) Option { return func(c *Coordinator) { c.shots = s } }

// WithNotifier registers a best-effort push to page contexts. It must not
// block.
func WithNotifier(fn func(event string)) Option { return func(c *Coordinator) { c.notify = fn } }

func WithMetrics(m *obs.Metrics) Option { return func(c *Coordinator) { c.metrics = m } }

func WithSyncTimeout(d time.Duration) Option { return func(c *Coordinator) { c.syncTimeout = d } }

// WithSyncOnStop toggles the automatic hand-off; SyncPending still works.
func WithSyncOnStop(on bool) Option { return func(c *Coordinator) { c.syncOnStop = on } }

func New(machine *usecase.SessionMachine, store usecase.SharedStore, logger *zerolog.Logger, opts ...Option) *Coordinator {
	if logger == nil {
		logger = obs.Nop()
	}
	c := &Coordinator{
		machine:     machine,
		store:       store,
		logger:      logger,
		syncTimeout: 30 * time.Second,
		notify:      func(string) {},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) Start(ctx context.Context, name, description string, metadata map[string]string) (string, error) {
	id, err := c.machine.Start(ctx, name, description, metadata)
	if err != nil {
		return "", err
	}
	c.notify(NotifySessionStarted)
	return id, nil
}

// Stop completes the session locally, then hands it to the backend in the
// background. A failed hand-off never undoes the local stop.
func (c *Coordinator) Stop(ctx context.Context) (domain.Session, error) {
	s, err := c.machine.Stop(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	c.notify(NotifySessionStopped)
	c.handOff(s)
	return s, nil
}

func (c *Coordinator) Cancel(ctx context.Context) (domain.Session, error) {
	s, err := c.machine.Cancel(ctx)
	if err != nil {
		return domain.Session{}, err
	}
	c.notify(NotifySessionStopped)
	return s, nil
}

func (c *Coordinator) Pause(ctx context.Context) error {
	if err := c.machine.Pause(ctx); err != nil {
		return err
	}
	c.notify(NotifySessionStopped)
	return nil
}

func (c *Coordinator) Resume(ctx context.Context) error {
	if err := c.machine.Resume(ctx); err != nil {
		return err
	}
	c.notify(NotifySessionStarted)
	return nil
}

// Toggle stops an open session or starts a new one. started reports which
// happened.
func (c *Coordinator) Toggle(ctx context.Context, name, description string, metadata map[string]string) (started bool, id string, err error) {
	cur, ok, err := c.machine.Current(ctx)
	if err != nil && !errors.Is(err, domain.ErrStore) {
		return false, "", err
	}
	if err == nil && ok && cur.Status.Open() {
		s, err := c.Stop(ctx)
		return false, s.ID, err
	}
	id, err = c.Start(ctx, name, description, metadata)
	return err == nil, id, err
}

func (c *Coordinator) Update(ctx context.Context, name, description string) error {
	return c.machine.Update(ctx, name, description)
}

func (c *Coordinator) Stats(ctx context.Context) (domain.Stats, error) {
	return c.machine.Stats(ctx)
}

func (c *Coordinator) AddEvent(ctx context.Context, ev domain.Event) error {
	if ev.Type == "" {
		return fmt.Errorf("%w: event type required", ErrBadRequest)
	}
	now := time.Now()
	if ev.ID == "" {
		ev.ID = domain.NewEventID(now)
	}
	if ev.Timestamp == "" {
		ev.Timestamp = domain.FormatTimestamp(now)
	}
	return c.machine.AddEvent(ctx, ev)
}

func (c *Coordinator) FlagEvent(ctx context.Context, eventID, note string) (string, error) {
	return c.machine.AddFlag(ctx, eventID, note)
}

func (c *Coordinator) AddScreenshot(ctx context.Context, data string) (string, error) {
	if data == "" {
		return "", fmt.Errorf("%w: screenshot data required", ErrBadRequest)
	}
	return c.machine.AddScreenshot(ctx, data)
}

// TakeScreenshot captures the page and attaches it to the active session.
func (c *Coordinator) TakeScreenshot(ctx context.Context) (string, error) {
	if c.shots == nil {
		return "", fmt.Errorf("%w: screenshots unavailable", ErrBadRequest)
	}
	active, err := c.machine.IsActive(ctx)
	if err != nil {
		return "", err
	}
	if !active {
		return "", fmt.Errorf("%w: no active session", domain.ErrNotFound)
	}
	data, err := c.shots.Capture(ctx)
	if err != nil {
		return "", fmt.Errorf("capture screenshot: %w", err)
	}
	return c.machine.AddScreenshot(ctx, data)
}

// Clear drops the session entirely, open or not.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.machine.Clear(ctx); err != nil {
		return err
	}
	c.notify(NotifySessionCleared)
	return nil
}

// Wait blocks until background hand-offs finish or ctx ends.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) handOff(s domain.Session) {
	if c.backend == nil || !c.syncOnStop {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.syncTimeout)
		err := c.send(ctx, s)
		cancel()
		if err == nil {
			return
		}
		c.logger.Error().Err(err).Str("session", s.ID).Msg("backend hand-off failed, queued for retry")
		// the send context may be spent already
		qctx, qcancel := context.WithTimeout(context.Background(), pendingWriteTimeout)
		defer qcancel()
		if err := c.enqueuePending(qctx, s.ID); err != nil {
			c.logger.Error().Err(err).Str("session", s.ID).Msg("queue pending sync failed")
		}
	}()
}

func (c *Coordinator) send(ctx context.Context, s domain.Session) error {
	if err := c.backend.SaveSession(ctx, s); err != nil {
		c.metrics.ObserveRemoteSync("error")
		return fmt.Errorf("%w: session %s: %w", domain.ErrRemoteSync, s.ID, err)
	}
	c.metrics.ObserveRemoteSync("ok")
	c.logger.Info().Str("session", s.ID).Msg("session handed to backend")
	return nil
}

// PendingSync lists sessions whose hand-off failed.
func (c *Coordinator) PendingSync(ctx context.Context) ([]string, error) {
	raw, ok, err := c.store.Get(ctx, usecase.KeyPendingSync)
	if err != nil {
		return nil, fmt.Errorf("%w: read pending: %w", domain.ErrStore, err)
	}
	if !ok {
		return nil, nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		c.logger.Warn().Err(err).Msg("discarding malformed pending sync list")
		return nil, nil
	}
	return ids, nil
}

// SyncPending resends queued sessions and returns how many went through.
func (c *Coordinator) SyncPending(ctx context.Context) (int, error) {
	if c.backend == nil {
		return 0, fmt.Errorf("%w: no backend configured", ErrBadRequest)
	}
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	ids, err := c.PendingSync(ctx)
	if err != nil {
		return 0, err
	}
	sent := 0
	var errs []error
	for _, id := range ids {
		s, ok, err := c.machine.Archived(ctx, id)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			if err := c.send(ctx, s); err != nil {
				errs = append(errs, err)
				continue
			}
			sent++
		}
		if err := c.editPending(ctx, func(ids []string) []string { return without(ids, id) }); err != nil {
			errs = append(errs, err)
		}
	}
	return sent, errors.Join(errs...)
}

func (c *Coordinator) enqueuePending(ctx context.Context, id string) error {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.editPending(ctx, func(ids []string) []string {
		return append(without(ids, id), id)
	})
}

func (c *Coordinator) editPending(ctx context.Context, edit func([]string) []string) error {
	err := c.store.Update(ctx, usecase.KeyPendingSync, func(old []byte, ok bool) ([]byte, error) {
		var ids []string
		if ok {
			if err := json.Unmarshal(old, &ids); err != nil {
				c.logger.Warn().Err(err).Msg("discarding malformed pending sync list")
				ids = nil
			}
		}
		ids = edit(ids)
		if len(ids) == 0 {
			return nil, nil
		}
		return json.Marshal(ids)
	})
	if err != nil {
		return fmt.Errorf("%w: update pending: %w", domain.ErrStore, err)
	}
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
