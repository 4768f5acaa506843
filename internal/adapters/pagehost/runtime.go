// Package pagehost is a scriptable page environment built on an embedded
// JavaScript engine. It gives the collector something real to hook: a
// console, a fetch backed by net/http, uncaught errors and a small DOM
// event surface driven by page scripts.
package pagehost

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dop251/goja"
	"github.com/dop251/goja_nodejs/console"
	"github.com/dop251/goja_nodejs/eventloop"
	"github.com/dop251/goja_nodejs/require"
	"github.com/rs/zerolog"

	"exploratory-testing-support/internal/capture"
	obs "exploratory-testing-support/internal/infrastructure/observability"
)

var ErrClosed = errors.New("page runtime closed")

// Runtime owns one JS VM driven by an event loop. Every VM access goes
// through the loop goroutine.
type Runtime struct {
	loop   *eventloop.EventLoop
	client *http.Client
	logger *zerolog.Logger
	now    func() time.Time
	// hookTimeout bounds installing and removing the console hook.
	hookTimeout time.Duration

	mu         sync.Mutex
	closed     bool
	url        string
	nextID     int
	network    map[int]func(capture.NetworkCall)
	errs       map[int]func(capture.PageError)
	dom        map[int]func(capture.DOMEvent)
	rejections map[*goja.Promise]struct{}
	sweeping   bool
}

type Option func(*Runtime)

func WithHTTPClient(c *http.Client) Option { return func(r *Runtime) { r.client = c } }

func WithClock(now func() time.Time) Option { return func(r *Runtime) { r.now = now } }

func WithURL(u string) Option { return func(r *Runtime) { r.url = u } }

// New starts the event loop and installs the page globals.
func New(logger *zerolog.Logger, opts ...Option) (*Runtime, error) {
	if logger == nil {
		logger = obs.Nop()
	}
	r := &Runtime{
		client:      &http.Client{Timeout: 30 * time.Second},
		logger:      logger,
		now:         time.Now,
		hookTimeout: defaultHookTimeout,
		url:         "about:blank",
		network:     map[int]func(capture.NetworkCall){},
		errs:        map[int]func(capture.PageError){},
		dom:         map[int]func(capture.DOMEvent){},
		rejections:  map[*goja.Promise]struct{}{},
	}
	for _, o := range opts {
		o(r)
	}

	registry := new(require.Registry)
	registry.RegisterNativeModule(console.ModuleName, console.RequireWithPrinter(consolePrinter{logger}))
	r.loop = eventloop.NewEventLoop(eventloop.WithRegistry(registry))
	r.loop.Start()

	err := r.Do(context.Background(), func(vm *goja.Runtime) error {
		vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
		vm.SetPromiseRejectionTracker(r.trackRejection)
		if err := vm.Set("fetch", r.fetch(vm)); err != nil {
			return err
		}
		page := vm.NewObject()
		if err := page.Set("dispatch", r.dispatch(vm)); err != nil {
			return err
		}
		if err := page.DefineAccessorProperty("url", vm.ToValue(func() string { return r.URL() }), nil, goja.FLAG_FALSE, goja.FLAG_TRUE); err != nil {
			return err
		}
		if err := vm.Set("page", page); err != nil {
			return err
		}
		return vm.Set("captureActive", false)
	})
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("init page runtime: %w", err)
	}
	logger.Debug().Str("url", r.url).Msg("page runtime started")
	return r, nil
}

// Do runs fn on the loop and waits for it. A panic inside fn is returned as
// an error instead of killing the loop.
func (r *Runtime) Do(ctx context.Context, fn func(vm *goja.Runtime) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.mu.Unlock()

	done := make(chan error, 1)
	r.loop.RunOnLoop(func(vm *goja.Runtime) {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("recovered panic on page loop")
				done <- fmt.Errorf("panic on page loop: %v", p)
			}
		}()
		done <- fn(vm)
	})
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunScript evaluates src as a page script. An uncaught exception is
// reported to the error hooks and returned.
func (r *Runtime) RunScript(ctx context.Context, name, src string) error {
	return r.Do(ctx, func(vm *goja.Runtime) error {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctx.Done():
				vm.Interrupt(ctx.Err())
			case <-stop:
			}
		}()
		_, err := vm.RunScript(name, src)
		vm.ClearInterrupt()
		if err == nil {
			return nil
		}
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			return fmt.Errorf("script %s interrupted: %w", name, ctx.Err())
		}
		r.emitError(pageError(err, name, r.now()))
		return fmt.Errorf("script %s: %w", name, err)
	})
}

// Navigate changes the page URL, reporting an unload of the old page and a
// load of the new one.
func (r *Runtime) Navigate(ctx context.Context, url string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	prev := r.url
	r.url = url
	r.mu.Unlock()
	now := r.now()
	r.emitDOM(capture.DOMEvent{Type: "page_unload", URL: prev, At: now})
	r.emitDOM(capture.DOMEvent{Type: "page_load", URL: url, At: now})
	return nil
}

func (r *Runtime) URL() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.url
}

// Close stops the loop. Pending fetches are dropped.
func (r *Runtime) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()
	r.loop.Stop()
}

// SetActive exposes the capture state to page scripts as the global
// captureActive. It implements the agent's indicator.
func (r *Runtime) SetActive(active bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Do(ctx, func(vm *goja.Runtime) error { return vm.Set("captureActive", active) }); err != nil && !errors.Is(err, ErrClosed) {
		r.logger.Debug().Err(err).Msg("set capture indicator")
	}
}

func (r *Runtime) register(add func(id int)) capture.Restore {
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	add(id)
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.network, id)
		delete(r.errs, id)
		delete(r.dom, id)
		r.mu.Unlock()
	}
}

func (r *Runtime) emitNetwork(call capture.NetworkCall) {
	r.mu.Lock()
	fns := make([]func(capture.NetworkCall), 0, len(r.network))
	for _, fn := range r.network {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(call)
	}
}

func (r *Runtime) emitError(e capture.PageError) {
	r.mu.Lock()
	fns := make([]func(capture.PageError), 0, len(r.errs))
	for _, fn := range r.errs {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(e)
	}
}

func (r *Runtime) emitDOM(ev capture.DOMEvent) {
	r.mu.Lock()
	fns := make([]func(capture.DOMEvent), 0, len(r.dom))
	for _, fn := range r.dom {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type consolePrinter struct{ logger *zerolog.Logger }

func (p consolePrinter) Log(s string) { p.logger.Debug().Str("source", "page").Msg(s) }
func (p consolePrinter) Warn(s string) {
	p.logger.Debug().Str("source", "page").Str("level", "warn").Msg(s)
}
func (p consolePrinter) Error(s string) {
	p.logger.Debug().Str("source", "page").Str("level", "error").Msg(s)
}
