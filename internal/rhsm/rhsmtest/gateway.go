// Package rhsmtest provides an in-memory rhsm.Gateway for tests.
package rhsmtest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rcourtman/quartermaster/internal/rhsm"
)

// Handler answers one method call.
type Handler func(ctx context.Context, args []interface{}) ([]interface{}, error)

// Call is one recorded method call.
type Call struct {
	Target    rhsm.Target
	Opts      rhsm.ConnOptions
	Method    string
	Args      []interface{}
	Signature string
}

// Gateway is a scriptable rhsm.Gateway. Methods without a handler fail.
type Gateway struct {
	mu         sync.Mutex
	handlers   map[string]Handler
	calls      []Call
	listeners  map[int]rhsm.SignalListener
	nextID     int
	open       int
	acquireErr error
	readyErr   error
}

// New returns an empty gateway.
func New() *Gateway {
	return &Gateway{
		handlers:  make(map[string]Handler),
		listeners: make(map[int]rhsm.SignalListener),
	}
}

// On installs the handler for method.
func (g *Gateway) On(method string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[method] = h
}

// Reply makes method return body.
func (g *Gateway) Reply(method string, body ...interface{}) {
	g.On(method, func(context.Context, []interface{}) ([]interface{}, error) {
		return body, nil
	})
}

// Fail makes method return err.
func (g *Gateway) Fail(method string, err error) {
	g.On(method, func(context.Context, []interface{}) ([]interface{}, error) {
		return nil, err
	})
}

// Block makes method wait until its context ends.
func (g *Gateway) Block(method string) {
	g.On(method, func(ctx context.Context, _ []interface{}) ([]interface{}, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
}

// FailAcquire makes every Acquire fail with err.
func (g *Gateway) FailAcquire(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acquireErr = err
}

// FailReady makes every AwaitReady fail with err.
func (g *Gateway) FailReady(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.readyErr = err
}

// Calls returns a copy of all recorded calls.
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallsTo returns the recorded calls of one method.
func (g *Gateway) CallsTo(method string) []Call {
	var out []Call
	for _, c := range g.Calls() {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Listeners returns the number of installed signal listeners.
func (g *Gateway) Listeners() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.listeners)
}

// OpenHandles returns the number of acquired, unclosed handles.
func (g *Gateway) OpenHandles() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Emit delivers a signal to every listener, synchronously.
func (g *Gateway) Emit(name string, args ...interface{}) {
	g.mu.Lock()
	listeners := make([]rhsm.SignalListener, 0, len(g.listeners))
	for _, l := range g.listeners {
		listeners = append(listeners, l)
	}
	g.mu.Unlock()

	for _, l := range listeners {
		l(name, args)
	}
}

// Acquire implements rhsm.Gateway.
func (g *Gateway) Acquire(ctx context.Context, target rhsm.Target, opts rhsm.ConnOptions) (rhsm.Handle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.acquireErr != nil {
		return nil, g.acquireErr
	}
	if opts.Bus == rhsm.BusNone && opts.Address == "" {
		return nil, errors.New("rhsmtest: peer connection without address")
	}
	g.open++
	return &handle{gw: g, target: target, opts: opts}, nil
}

type handle struct {
	gw     *Gateway
	target rhsm.Target
	opts   rhsm.ConnOptions
	closed bool
}

func (h *handle) Call(ctx context.Context, method string, args []interface{}, signature string) ([]interface{}, error) {
	if err := rhsm.CheckSignature(method, args, signature); err != nil {
		return nil, err
	}

	h.gw.mu.Lock()
	h.gw.calls = append(h.gw.calls, Call{Target: h.target, Opts: h.opts, Method: method, Args: args, Signature: signature})
	fn, ok := h.gw.handlers[method]
	h.gw.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("rhsmtest: no handler for %s", method)
	}
	return fn(ctx, args)
}

func (h *handle) AwaitReady(ctx context.Context) error {
	h.gw.mu.Lock()
	err := h.gw.readyErr
	h.gw.mu.Unlock()
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (h *handle) OnSignal(listener rhsm.SignalListener) func() {
	h.gw.mu.Lock()
	id := h.gw.nextID
	h.gw.nextID++
	h.gw.listeners[id] = listener
	h.gw.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.gw.mu.Lock()
			delete(h.gw.listeners, id)
			h.gw.mu.Unlock()
		})
	}
}

func (h *handle) Close() error {
	h.gw.mu.Lock()
	defer h.gw.mu.Unlock()
	if !h.closed {
		h.closed = true
		h.gw.open--
	}
	return nil
}
