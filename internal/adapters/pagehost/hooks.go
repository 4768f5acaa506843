package pagehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"exploratory-testing-support/internal/capture"
	"exploratory-testing-support/internal/domain"
)

const defaultHookTimeout = 5 * time.Second

var consoleLevels = []domain.LogLevel{domain.LevelDebug, domain.LevelLog, domain.LevelInfo, domain.LevelWarn, domain.LevelError}

// HookConsole replaces each console method with a wrapper that reports the
// call and then invokes whatever was installed before.
func (r *Runtime) HookConsole(fn func(capture.ConsoleCall)) (capture.Restore, error) {
	type saved struct {
		name string
		orig goja.Value
	}
	var (
		mu        sync.Mutex
		prev      []saved
		abandoned bool
	)
	restore := func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.hookTimeout)
		defer cancel()
		mu.Lock()
		old := prev
		prev = nil
		mu.Unlock()
		if len(old) == 0 {
			return
		}
		err := r.Do(ctx, func(vm *goja.Runtime) error {
			con := vm.Get("console").ToObject(vm)
			for _, s := range old {
				if err := con.Set(s.name, s.orig); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrClosed) {
			r.logger.Warn().Err(err).Msg("restore console hooks failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.hookTimeout)
	defer cancel()
	err := r.Do(ctx, func(vm *goja.Runtime) error {
		mu.Lock()
		defer mu.Unlock()
		if abandoned {
			return nil
		}
		obj := vm.Get("console")
		if obj == nil || goja.IsUndefined(obj) || goja.IsNull(obj) {
			return errors.New("page has no console")
		}
		con := obj.ToObject(vm)
		for _, level := range consoleLevels {
			name := string(level)
			orig := con.Get(name)
			call, ok := goja.AssertFunction(orig)
			if !ok {
				continue
			}
			wrapper := func(c goja.FunctionCall) goja.Value {
				args := make([]any, len(c.Arguments))
				for i, a := range c.Arguments {
					args[i] = a.Export()
				}
				fn(capture.ConsoleCall{Level: level, Args: args, At: r.now()})
				v, err := call(c.This, c.Arguments...)
				if err != nil {
					panic(err)
				}
				return v
			}
			if err := con.Set(name, wrapper); err != nil {
				return err
			}
			prev = append(prev, saved{name, orig})
		}
		return nil
	})
	if err != nil {
		// a late install must not leave wrappers nobody can remove
		mu.Lock()
		abandoned = true
		installed := len(prev) > 0
		mu.Unlock()
		if installed {
			go restore()
		}
		return nil, fmt.Errorf("hook console: %w", err)
	}
	return restore, nil
}

func (r *Runtime) HookNetwork(fn func(capture.NetworkCall)) (capture.Restore, error) {
	return r.register(func(id int) { r.network[id] = fn }), nil
}

func (r *Runtime) HookErrors(fn func(capture.PageError)) (capture.Restore, error) {
	return r.register(func(id int) { r.errs[id] = fn }), nil
}

func (r *Runtime) HookDOM(fn func(capture.DOMEvent)) (capture.Restore, error) {
	return r.register(func(id int) { r.dom[id] = fn }), nil
}

// fetch is a minimal window.fetch: fetch(url, {method, body, headers})
// resolves to {status, ok, url, text()} and rejects on transport errors.
func (r *Runtime) fetch(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		url := call.Argument(0).String()
		method, body := http.MethodGet, ""
		headers := map[string]string{}
		if opts, ok := call.Argument(1).Export().(map[string]any); ok {
			if m, ok := opts["method"].(string); ok && m != "" {
				method = strings.ToUpper(m)
			}
			if b, ok := opts["body"].(string); ok {
				body = b
			}
			if h, ok := opts["headers"].(map[string]any); ok {
				for k, v := range h {
					headers[k] = fmt.Sprint(v)
				}
			}
		}
		promise, resolve, reject := vm.NewPromise()
		start := r.now()
		go func() {
			status, text, err := r.roundTrip(method, url, body, headers)
			nc := capture.NetworkCall{Method: method, URL: url, Status: status, Duration: r.now().Sub(start), At: start}
			if err != nil {
				nc.Err = err.Error()
			}
			r.emitNetwork(nc)
			r.loop.RunOnLoop(func(vm *goja.Runtime) {
				if err != nil {
					reject(vm.NewGoError(err))
					return
				}
				resp := vm.NewObject()
				_ = resp.Set("status", status)
				_ = resp.Set("ok", status >= 200 && status < 300)
				_ = resp.Set("url", url)
				_ = resp.Set("text", func() string { return text })
				resolve(resp)
			})
		}()
		return vm.ToValue(promise)
	}
}

func (r *Runtime) roundTrip(method, url, body string, headers map[string]string) (int, string, error) {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		return 0, "", err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, "", err
	}
	return resp.StatusCode, string(b), nil
}

// dispatch backs page.dispatch(type, {target, key, ctrlKey, x, y, ...}).
func (r *Runtime) dispatch(vm *goja.Runtime) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		typ := call.Argument(0).String()
		if typ == "" || goja.IsUndefined(call.Argument(0)) {
			panic(vm.NewTypeError("page.dispatch needs an event type"))
		}
		props, _ := call.Argument(1).Export().(map[string]any)
		ev := capture.DOMEvent{
			Type:      domain.EventType(typ),
			Key:       str(props, "key"),
			Ctrl:      flag(props, "ctrlKey"),
			Alt:       flag(props, "altKey"),
			Meta:      flag(props, "metaKey"),
			Shift:     flag(props, "shiftKey"),
			X:         num(props, "x"),
			Y:         num(props, "y"),
			ViewportW: num(props, "viewportWidth"),
			ViewportH: num(props, "viewportHeight"),
			URL:       r.URL(),
			At:        r.now(),
		}
		if t, ok := props["target"].(map[string]any); ok {
			ev.Target = element(t)
		}
		r.emitDOM(ev)
		return goja.Undefined()
	}
}

// trackRejection reports rejections still unhandled once the current job
// queue has drained.
func (r *Runtime) trackRejection(p *goja.Promise, op goja.PromiseRejectionOperation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch op {
	case goja.PromiseRejectionReject:
		r.rejections[p] = struct{}{}
		if !r.sweeping {
			r.sweeping = true
			r.loop.SetTimeout(func(*goja.Runtime) { r.sweepRejections() }, 0)
		}
	case goja.PromiseRejectionHandle:
		delete(r.rejections, p)
	}
}

func (r *Runtime) sweepRejections() {
	r.mu.Lock()
	var unhandled []*goja.Promise
	for p := range r.rejections {
		unhandled = append(unhandled, p)
	}
	r.rejections = map[*goja.Promise]struct{}{}
	r.sweeping = false
	r.mu.Unlock()
	for _, p := range unhandled {
		msg := "unhandled rejection"
		if v := p.Result(); v != nil {
			msg = v.String()
		}
		r.emitError(capture.PageError{Message: msg, Rejection: true, At: r.now()})
	}
}

func pageError(err error, source string, at time.Time) capture.PageError {
	pe := capture.PageError{Message: err.Error(), Source: source, At: at}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		if v := ex.Value(); v != nil {
			pe.Message = v.String()
		}
		pe.Stack = ex.String()
		if frames := ex.Stack(); len(frames) > 0 {
			pos := frames[0].Position()
			pe.Line, pe.Column = pos.Line, pos.Column
		}
	}
	return pe
}

func element(m map[string]any) capture.Element {
	el := capture.Element{
		Tag:    str(m, "tag"),
		ID:     str(m, "id"),
		Role:   str(m, "role"),
		Type:   str(m, "type"),
		Text:   str(m, "text"),
		TestID: str(m, "testId"),
	}
	if cs, ok := m["classes"].([]any); ok {
		for _, c := range cs {
			el.Classes = append(el.Classes, fmt.Sprint(c))
		}
	}
	if attrs, ok := m["attrs"].(map[string]any); ok {
		el.Attrs = make(map[string]string, len(attrs))
		for k, v := range attrs {
			el.Attrs[k] = fmt.Sprint(v)
		}
	}
	return el
}

func str(m map[string]any, k string) string {
	if v, ok := m[k].(string); ok {
		return v
	}
	return ""
}

func flag(m map[string]any, k string) bool {
	v, _ := m[k].(bool)
	return v
}

func num(m map[string]any, k string) int {
	switch v := m[k].(type) {
	case int64:
		return int(v)
	case float64:
		return int(v)
	case int:
		return v
	}
	return 0
}
