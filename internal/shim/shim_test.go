package shim

import (
	"testing"
	"time"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/config"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func testCfg(timeout time.Duration) config.Static {
	return config.Static{
		Timeout:    timeout,
		MaxBytes:   1 << 20,
		MaxEvBytes: 64 << 10,
	}
}

// newEchoView answers every call with its own payload from another
// goroutine, exercising the loop marshaling path.
func newEchoView(t *testing.T) *WebView {
	t.Helper()
	var web *WebView
	submit := func(env bridge.Envelope) error {
		go func() {
			_ = web.Deliver(bridge.NewResponse(env.CorrelationID, env.Name, bridge.OK(env.Payload)))
		}()
		return nil
	}
	web = NewWebView(testCfg(time.Second), submit, logging.NewNop())
	t.Cleanup(func() { _ = web.Close() })
	return web
}

// evalBool runs an expression on the loop and reports its truthiness.
// Errors read as false so it can sit inside Eventually conditions.
func evalBool(t *testing.T, w *WebView, expr string) bool {
	t.Helper()
	v, err := w.RunScript("eval", expr)
	if err != nil {
		return false
	}
	return v.ToBoolean()
}

func TestCallResolvesWithHandlerData(t *testing.T) {
	w := newEchoView(t)

	_, err := w.RunScript("setup", `
		globalThis.out = null;
		bridge.call("echo", {n: 7}).then(
			r => { globalThis.out = r.n; },
			e => { globalThis.out = "rejected:" + e.code; });
	`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return evalBool(t, w, `out === 7`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallRejectsWithTypedFailure(t *testing.T) {
	var web *WebView
	submit := func(env bridge.Envelope) error {
		go func() {
			res := bridge.Fail(bridge.NoSuchAction(env.Name))
			_ = web.Deliver(bridge.NewResponse(env.CorrelationID, env.Name, res))
		}()
		return nil
	}
	web = NewWebView(testCfg(time.Second), submit, logging.NewNop())
	t.Cleanup(func() { _ = web.Close() })

	_, err := web.RunScript("setup", `
		globalThis.code = null;
		bridge.call("nope").catch(e => { globalThis.code = e.code; });
	`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return evalBool(t, web, `code === "no_such_action"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCallTimesOutLocally(t *testing.T) {
	// A transport that swallows requests; only the local backstop can
	// settle the promise.
	silent := func(bridge.Envelope) error { return nil }
	w := NewWebView(testCfg(50*time.Millisecond), silent, logging.NewNop())
	t.Cleanup(func() { _ = w.Close() })

	_, err := w.RunScript("setup", `
		globalThis.code = null;
		bridge.call("black.hole").catch(e => { globalThis.code = e.code; });
	`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return evalBool(t, w, `code === "timeout"`)
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCallWithoutTransportRejects(t *testing.T) {
	w := NewWebView(testCfg(time.Second), nil, logging.NewNop())
	t.Cleanup(func() { _ = w.Close() })

	_, err := w.RunScript("setup", `
		globalThis.code = null;
		bridge.call("x").catch(e => { globalThis.code = e.code; });
	`)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return evalBool(t, w, `code === "unreachable"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEventListeners(t *testing.T) {
	w := newEchoView(t)

	_, err := w.RunScript("setup", `
		globalThis.count = 0;
		globalThis.h = function(p) { globalThis.count += p.inc; };
		bridge.on("tick", h);
		bridge.on("tick", h); // duplicate collapses
	`)
	require.NoError(t, err)

	require.NoError(t, w.Deliver(bridge.NewEvent("tick", []byte(`{"inc":2}`))))
	require.NoError(t, w.Deliver(bridge.NewEvent("tick", []byte(`{"inc":3}`))))

	assert.Eventually(t, func() bool {
		return evalBool(t, w, `count === 5`)
	}, 2*time.Second, 10*time.Millisecond)

	_, err = w.RunScript("off", `bridge.off("tick", h); bridge.off("tick", h);`)
	require.NoError(t, err)

	require.NoError(t, w.Deliver(bridge.NewEvent("tick", []byte(`{"inc":100}`))))
	time.Sleep(50 * time.Millisecond)
	assert.True(t, evalBool(t, w, `count === 5`))
}

func TestThrowingListenerDoesNotStopOthers(t *testing.T) {
	w := newEchoView(t)

	_, err := w.RunScript("setup", `
		globalThis.second = false;
		bridge.on("e", function() { throw new Error("listener bug"); });
		bridge.on("e", function() { globalThis.second = true; });
	`)
	require.NoError(t, err)

	require.NoError(t, w.Deliver(bridge.NewEvent("e", nil)))
	assert.Eventually(t, func() bool {
		return evalBool(t, w, `second === true`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestReadiness(t *testing.T) {
	w := NewWebView(testCfg(time.Second), nil, logging.NewNop())
	t.Cleanup(func() { _ = w.Close() })

	assert.False(t, evalBool(t, w, `bridge.isReady()`))

	_, err := w.RunScript("setup", `
		globalThis.fired = false;
		bridge.whenReady().then(() => { globalThis.fired = true; });
	`)
	require.NoError(t, err)

	w.MarkReady()
	assert.Eventually(t, func() bool {
		return evalBool(t, w, `fired === true && bridge.isReady()`)
	}, 2*time.Second, 10*time.Millisecond)

	// Already-ready views resolve immediately.
	_, err = w.RunScript("again", `
		globalThis.fired2 = false;
		bridge.whenReady().then(() => { globalThis.fired2 = true; });
	`)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return evalBool(t, w, `fired2 === true`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInjectedEntryPoints(t *testing.T) {
	w := newEchoView(t)

	_, err := w.RunScript("setup", `
		globalThis.got = null;
		bridge.on("push", p => { globalThis.got = p.v; });
		__bridgeHandleEvent("push", '{"v":"direct"}');
	`)
	require.NoError(t, err)
	assert.True(t, evalBool(t, w, `got === "direct"`))
}

func TestCloseRejectsInFlightCalls(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	log := &logging.Logger{Logger: zap.New(core)}

	silent := func(bridge.Envelope) error { return nil }
	w := NewWebView(testCfg(time.Minute), silent, log)

	_, err := w.RunScript("setup", `bridge.call("never.answered");`)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	require.NoError(t, w.Close()) // idempotent

	entries := logs.FilterMessage("view closed with calls in flight").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1), entries[0].ContextMap()["rejected"])
}

func TestDeliverAfterCloseFails(t *testing.T) {
	w := newEchoView(t)
	require.NoError(t, w.Close())
	assert.Error(t, w.Deliver(bridge.NewEvent("tick", nil)))
}

func TestRunScriptAfterCloseFails(t *testing.T) {
	w := newEchoView(t)
	require.NoError(t, w.Close())
	_, err := w.RunScript("late", `1 + 1`)
	assert.Error(t, err)
}
