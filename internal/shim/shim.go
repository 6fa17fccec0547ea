// Package shim embeds the web-side runtime and injects the `bridge`
// object web content calls. Each WebView owns one goja runtime driven
// by a single loop goroutine; every script, promise settlement, and
// listener invocation happens on that goroutine, so content never sees
// concurrent access to its own state.
package shim

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/config"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/shared/id"
	"github.com/bytedance/sonic"
	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// localGrace pads the web-side deadline past the host's. The host is
// the canonical timeout authority; the local timer is only a backstop
// for a response envelope that never arrives.
const localGrace = 2 * time.Second

// readyWait bounds how long whenReady() holds out before resolving
// anyway. Content polling a never-ready bridge would otherwise hang
// its startup forever.
const readyWait = 5 * time.Second

var errViewClosed = errors.New("web view closed")

// Submitter ships one outbound REQUEST envelope toward the host. The
// answer comes back later through Deliver; Submit must not wait for it.
type Submitter func(bridge.Envelope) error

// WebView is one embedded web content instance. It implements the
// engine's Sink: delivered envelopes are marshaled onto the runtime
// loop before they touch any JavaScript state.
type WebView struct {
	id      id.ViewID
	log     *logging.Logger
	cfg     config.Source
	vm      *goja.Runtime
	submit  Submitter
	pending map[string]*jsPending

	listeners map[string][]goja.Value

	ready        bool
	readyWaiters []func()

	jobs   chan func()
	done   chan struct{}
	closed atomic.Bool
}

// jsPending is one in-flight bridge.call promise.
type jsPending struct {
	action  string
	resolve func(interface{})
	reject  func(interface{})
	timer   *time.Timer
}

// NewWebView creates the runtime, injects the bridge object, and starts
// the loop. submit may be nil at construction and wired later through
// UseInterceptor or UseQueue.
func NewWebView(cfg config.Source, submit Submitter, log *logging.Logger) *WebView {
	w := &WebView{
		id:        id.NewViewID(),
		log:       log.Named("shim"),
		cfg:       cfg,
		vm:        goja.New(),
		submit:    submit,
		pending:   make(map[string]*jsPending),
		listeners: make(map[string][]goja.Value),
		jobs:      make(chan func(), 1024),
		done:      make(chan struct{}),
	}
	w.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	w.install()
	go w.run()
	return w
}

// ID identifies this view in the engine's sink table.
func (w *WebView) ID() string {
	return w.id.String()
}

// run is the runtime loop. Nothing else may touch w.vm or the maps.
func (w *WebView) run() {
	for {
		select {
		case <-w.done:
			return
		case fn := <-w.jobs:
			w.guard(fn)
		}
	}
}

func (w *WebView) guard(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("panic on runtime loop",
				zap.String("view", w.ID()),
				zap.Any("panic", r))
		}
	}()
	fn()
}

// post enqueues fn on the runtime loop.
func (w *WebView) post(fn func()) error {
	if w.closed.Load() {
		return errViewClosed
	}
	select {
	case w.jobs <- fn:
		return nil
	case <-w.done:
		return errViewClosed
	}
}

// install builds the injected bridge object. Runs before the loop
// starts, so direct vm access is safe here.
func (w *WebView) install() {
	obj := w.vm.NewObject()
	obj.Set("call", w.jsCall)
	obj.Set("on", w.jsOn)
	obj.Set("off", w.jsOff)
	obj.Set("isReady", func() bool { return w.ready })
	obj.Set("whenReady", w.jsWhenReady)
	w.vm.Set("bridge", obj)

	// Host → runtime entry points for embedders that push completions
	// through injected script instead of Deliver.
	w.vm.Set("__bridgeHandleResponse", func(call goja.FunctionCall) goja.Value {
		w.handleResponse(bridge.Envelope{
			CorrelationID: call.Argument(0).String(),
			Kind:          bridge.KindResponse,
			Payload:       []byte(call.Argument(1).String()),
		})
		return goja.Undefined()
	})
	w.vm.Set("__bridgeHandleEvent", func(call goja.FunctionCall) goja.Value {
		w.handleEvent(bridge.Envelope{
			Kind:    bridge.KindEvent,
			Name:    call.Argument(0).String(),
			Payload: []byte(call.Argument(1).String()),
		})
		return goja.Undefined()
	})
}

// jsCall implements bridge.call(action, payload?) -> Promise. Executes
// on the runtime loop, like all JavaScript.
func (w *WebView) jsCall(call goja.FunctionCall) goja.Value {
	promise, resolve, reject := w.vm.NewPromise()

	action := call.Argument(0).String()
	if action == "" {
		reject(w.failureValue(bridge.MalformedPayload("", errors.New("action name required"))))
		return w.vm.ToValue(promise)
	}

	var payload []byte
	if arg := call.Argument(1); !goja.IsUndefined(arg) && !goja.IsNull(arg) {
		data, err := sonic.Marshal(arg.Export())
		if err != nil {
			reject(w.failureValue(bridge.MalformedPayload(action, err)))
			return w.vm.ToValue(promise)
		}
		payload = data
	}

	if w.submit == nil {
		reject(w.failureValue(bridge.Unreachable(action, errors.New("no transport bound"))))
		return w.vm.ToValue(promise)
	}

	correlationID := id.NewCorrelationID().String()
	p := &jsPending{
		action:  action,
		resolve: func(v interface{}) { resolve(v) },
		reject:  func(v interface{}) { reject(v) },
	}
	p.timer = time.AfterFunc(w.cfg.RequestTimeout()+localGrace, func() {
		_ = w.post(func() {
			if _, ok := w.pending[correlationID]; ok {
				delete(w.pending, correlationID)
				p.reject(w.failureValue(bridge.TimeoutFailure(action)))
			}
		})
	})
	w.pending[correlationID] = p

	if err := w.submit(bridge.NewRequest(correlationID, action, payload)); err != nil {
		delete(w.pending, correlationID)
		p.timer.Stop()
		reject(w.failureValue(bridge.Unreachable(action, err)))
	}

	return w.vm.ToValue(promise)
}

// jsOn subscribes a listener. Duplicate subscriptions of the same
// function are collapsed.
func (w *WebView) jsOn(call goja.FunctionCall) goja.Value {
	event := call.Argument(0).String()
	fn := call.Argument(1)
	if _, ok := goja.AssertFunction(fn); !ok {
		panic(w.vm.NewTypeError("bridge.on requires a function"))
	}
	for _, existing := range w.listeners[event] {
		if existing.StrictEquals(fn) {
			return goja.Undefined()
		}
	}
	w.listeners[event] = append(w.listeners[event], fn)
	return goja.Undefined()
}

// jsOff removes a listener; removing an unknown one is a no-op.
func (w *WebView) jsOff(call goja.FunctionCall) goja.Value {
	event := call.Argument(0).String()
	fn := call.Argument(1)
	list := w.listeners[event]
	for i, existing := range list {
		if existing.StrictEquals(fn) {
			w.listeners[event] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(w.listeners[event]) == 0 {
		delete(w.listeners, event)
	}
	return goja.Undefined()
}

// jsWhenReady returns a promise that resolves once the host marks the
// view ready, or after a bounded wait regardless.
func (w *WebView) jsWhenReady(goja.FunctionCall) goja.Value {
	promise, resolve, _ := w.vm.NewPromise()
	if w.ready {
		resolve(goja.Undefined())
		return w.vm.ToValue(promise)
	}

	settled := false
	fire := func() {
		if !settled {
			settled = true
			resolve(goja.Undefined())
		}
	}
	w.readyWaiters = append(w.readyWaiters, fire)
	time.AfterFunc(readyWait, func() {
		_ = w.post(fire)
	})
	return w.vm.ToValue(promise)
}

// MarkReady flips the ready flag and releases whenReady waiters. The
// host calls this once the transport is bound and content may start
// issuing calls.
func (w *WebView) MarkReady() {
	_ = w.post(func() {
		w.ready = true
		for _, fire := range w.readyWaiters {
			fire()
		}
		w.readyWaiters = nil
	})
}

// Deliver routes one host-originated envelope onto the runtime loop.
// Implements the engine's Sink.
func (w *WebView) Deliver(env bridge.Envelope) error {
	switch env.Kind {
	case bridge.KindResponse:
		return w.post(func() { w.handleResponse(env) })
	case bridge.KindEvent:
		return w.post(func() { w.handleEvent(env) })
	default:
		return fmt.Errorf("undeliverable envelope kind %q", env.Kind)
	}
}

// handleResponse settles the matching promise. A response with no
// pending entry already timed out locally; drop it quietly.
func (w *WebView) handleResponse(env bridge.Envelope) {
	p, ok := w.pending[env.CorrelationID]
	if !ok {
		w.log.Debug("response for settled call discarded",
			zap.String("correlation_id", env.CorrelationID))
		return
	}
	delete(w.pending, env.CorrelationID)
	p.timer.Stop()

	res, err := bridge.DecodeResult(env.Payload)
	if err != nil {
		p.reject(w.failureValue(bridge.MalformedPayload(p.action, err)))
		return
	}
	if !res.Success {
		p.reject(w.failureValue(res.Failure(p.action)))
		return
	}
	p.resolve(w.jsonValue(res.Data))
}

// handleEvent invokes every subscribed listener. One throwing listener
// is logged and the rest still run.
func (w *WebView) handleEvent(env bridge.Envelope) {
	list := w.listeners[env.Name]
	if len(list) == 0 {
		return
	}
	value := w.jsonValue(env.Payload)
	for _, fn := range append([]goja.Value(nil), list...) {
		callable, ok := goja.AssertFunction(fn)
		if !ok {
			continue
		}
		if _, err := callable(goja.Undefined(), value); err != nil {
			w.log.Warn("event listener threw",
				zap.String("view", w.ID()),
				zap.String("event", env.Name),
				zap.Error(err))
		}
	}
}

// jsonValue converts raw JSON into a runtime value; nil or unparseable
// input becomes null.
func (w *WebView) jsonValue(data []byte) goja.Value {
	if len(data) == 0 {
		return goja.Null()
	}
	var v interface{}
	if err := sonic.Unmarshal(data, &v); err != nil {
		w.log.Warn("unparseable payload handed to runtime", zap.Error(err))
		return goja.Null()
	}
	return w.vm.ToValue(v)
}

// failureValue shapes a typed failure into the {code, message} object
// rejections carry.
func (w *WebView) failureValue(f *bridge.Failure) goja.Value {
	obj := w.vm.NewObject()
	obj.Set("code", string(f.Code))
	obj.Set("message", f.Message)
	if f.Action != "" {
		obj.Set("action", f.Action)
	}
	return obj
}

// RunScript executes src on the runtime loop and waits for the value.
func (w *WebView) RunScript(name, src string) (goja.Value, error) {
	type outcome struct {
		value goja.Value
		err   error
	}
	ch := make(chan outcome, 1)
	if err := w.post(func() {
		v, err := w.vm.RunScript(name, src)
		ch <- outcome{v, err}
	}); err != nil {
		return nil, err
	}
	out := <-ch
	return out.value, out.err
}

// Close stops the loop and rejects every unsettled promise. Safe to
// call more than once.
func (w *WebView) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}

	rejected := make(chan int, 1)
	w.jobs <- func() {
		n := len(w.pending)
		for correlationID, p := range w.pending {
			delete(w.pending, correlationID)
			p.timer.Stop()
			p.reject(w.failureValue(bridge.Cancelled(p.action, "web view closed")))
		}
		rejected <- n
		close(w.done)
	}
	n := <-rejected
	if n > 0 {
		w.log.Info("view closed with calls in flight",
			zap.String("view", w.ID()),
			zap.Int("rejected", n))
	}
	return nil
}
