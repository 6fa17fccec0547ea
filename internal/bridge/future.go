package bridge

import (
	"errors"
	"sync"
	"time"
)

var (
	errDispatchKind = errors.New("dispatch expects a REQUEST envelope")
	errNoRelay      = errors.New("no authority relay configured")
)

// Future is the host-side handle on an outbound request. It settles
// exactly once: with the authority's reply, a Timeout failure, or a
// Cancelled failure.
type Future struct {
	once sync.Once
	ch   chan Result
}

func newFuture() *Future {
	return &Future{ch: make(chan Result, 1)}
}

// settle resolves the future. Later calls are no-ops, which is what
// makes duplicate completions (reply racing a timeout) harmless.
func (f *Future) settle(res Result) {
	f.once.Do(func() {
		f.ch <- res
	})
}

// Done exposes the settlement channel for select loops.
func (f *Future) Done() <-chan Result {
	return f.ch
}

// AwaitTimeout blocks until the future settles or d elapses. The engine
// always settles pending requests, so hitting d indicates lost
// bookkeeping; the failure names that explicitly.
func (f *Future) AwaitTimeout(d time.Duration) Result {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case res := <-f.ch:
		return res
	case <-timer.C:
		return Fail(&Failure{Code: CodeTimeout, Message: "completion never delivered"})
	}
}
