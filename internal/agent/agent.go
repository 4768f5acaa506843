// Package agent runs in the page context. It mirrors the session status
// held in the shared store onto a collector and a visual indicator.
//
// The store subscription is the authoritative signal. Direct commands are a
// best-effort shortcut: they act at once and are followed by a delayed
// re-read of the store that undoes them if they were wrong.
package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	obs "exploratory-testing-support/internal/infrastructure/observability"
	"exploratory-testing-support/internal/usecase"
)

type Command string

const (
	CommandSessionStarted Command = "session_started"
	CommandSessionStopped Command = "session_stopped"
	CommandToggle         Command = "toggle"
)

// Capturer is the part of a collector the agent drives. Start and Stop
// must be idempotent.
type Capturer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Collecting() bool
}

type StatusReader interface {
	IsActive(ctx context.Context) (bool, error)
}

type Indicator interface {
	SetActive(active bool)
}

type IndicatorFunc func(active bool)

func (f IndicatorFunc) SetActive(active bool) { f(active) }

const (
	defaultReconcileDelay = time.Second
	notifyTimeout         = 5 * time.Second
)

type Agent struct {
	store     usecase.SharedStore
	status    StatusReader
	collector Capturer
	indicator Indicator
	logger    *zerolog.Logger

	reconcileDelay time.Duration

	// reconcileMu orders store reads with the applies they feed, so an
	// older read can never land after a newer one.
	reconcileMu sync.Mutex

	mu      sync.Mutex
	active  bool
	closed  bool
	unsub   func()
	pending *time.Timer
	wg      sync.WaitGroup
}

type Option func(*Agent)

// WithReconcileDelay sets how long after a direct command the store is
// re-read.
func WithReconcileDelay(d time.Duration) Option { return func(a *Agent) { a.reconcileDelay = d } }

func New(store usecase.SharedStore, status StatusReader, collector Capturer, indicator Indicator, logger *zerolog.Logger, opts ...Option) *Agent {
	if logger == nil {
		logger = obs.Nop()
	}
	if indicator == nil {
		indicator = IndicatorFunc(func(bool) {})
	}
	a := &Agent{
		store:          store,
		status:         status,
		collector:      collector,
		indicator:      indicator,
		logger:         logger,
		reconcileDelay: defaultReconcileDelay,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Init subscribes to the session key and then reads the status once.
// Subscribing first means no transition can slip between the two.
func (a *Agent) Init(ctx context.Context) error {
	a.mu.Lock()
	if a.unsub == nil && !a.closed {
		a.unsub = a.store.Subscribe(a.onChange)
	}
	a.mu.Unlock()
	return a.Reconcile(ctx)
}

func (a *Agent) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Reconcile re-reads the store and applies what it says.
func (a *Agent) Reconcile(ctx context.Context) error {
	a.reconcileMu.Lock()
	defer a.reconcileMu.Unlock()
	active, err := a.status.IsActive(ctx)
	if err != nil {
		return fmt.Errorf("read session status: %w", err)
	}
	return a.apply(ctx, func(bool) bool { return active })
}

// HandleCommand applies a direct hint and schedules a reconcile.
func (a *Agent) HandleCommand(ctx context.Context, cmd Command) error {
	var err error
	switch cmd {
	case CommandSessionStarted:
		err = a.apply(ctx, func(bool) bool { return true })
	case CommandSessionStopped:
		err = a.apply(ctx, func(bool) bool { return false })
	case CommandToggle:
		err = a.apply(ctx, func(cur bool) bool { return !cur })
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	a.scheduleReconcile()
	return err
}

// Close unsubscribes, cancels a pending reconcile and stops the collector.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	if a.unsub != nil {
		a.unsub()
		a.unsub = nil
	}
	if a.pending != nil && a.pending.Stop() {
		a.wg.Done()
	}
	a.pending = nil
	a.mu.Unlock()
	a.wg.Wait()
	err := a.collector.Stop(ctx)
	a.indicator.SetActive(false)
	return err
}

func (a *Agent) onChange(c usecase.Change) {
	if c.Key != usecase.KeyCurrentSession {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := a.Reconcile(ctx); err != nil {
		// the page must never notice sync problems
		a.logger.Debug().Err(err).Msg("reconcile after change failed")
	}
}

func (a *Agent) scheduleReconcile() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	if a.pending != nil && a.pending.Stop() {
		a.wg.Done()
	}
	a.wg.Add(1)
	a.pending = time.AfterFunc(a.reconcileDelay, func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		if err := a.Reconcile(ctx); err != nil {
			a.logger.Debug().Err(err).Msg("delayed reconcile failed")
		}
	})
}

// apply sets the state next(current) under the lock. It is idempotent:
// repeated signals settle on the last value applied.
func (a *Agent) apply(ctx context.Context, next func(current bool) bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	active := next(a.active)
	changed := a.active != active
	a.active = active
	var err error
	if active {
		err = a.collector.Start(ctx)
	} else {
		err = a.collector.Stop(ctx)
	}
	a.indicator.SetActive(active)
	if changed {
		a.logger.Debug().Bool("active", active).Msg("capture toggled")
	}
	return err
}
