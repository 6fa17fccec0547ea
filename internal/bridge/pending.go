package bridge

import (
	"sync"
	"time"
)

// pending is one in-flight outbound request. complete fires exactly
// once; the table removes the entry before invoking it.
type pending struct {
	correlationID string
	action        string
	origin        string // issuing web-view instance, empty for host-originated calls
	deadline      time.Time
	timer         *time.Timer
	complete      func(Result)
}

// pendingTable maps correlationId to waiter. Completion is
// remove-then-fire under a single lock acquisition, which is what makes
// duplicate and post-timeout replies harmless no-ops.
type pendingTable struct {
	mu sync.Mutex
	m  map[string]*pending
}

func newPendingTable() *pendingTable {
	return &pendingTable{m: make(map[string]*pending)}
}

func (t *pendingTable) insert(p *pending) {
	t.mu.Lock()
	t.m[p.correlationID] = p
	t.mu.Unlock()
}

// arm attaches the deadline timer to an entry still in the table. If
// the entry is already gone the timer is stopped instead; it has
// nothing left to expire.
func (t *pendingTable) arm(correlationID string, timer *time.Timer) {
	t.mu.Lock()
	p := t.m[correlationID]
	if p != nil {
		p.timer = timer
	}
	t.mu.Unlock()
	if p == nil {
		timer.Stop()
	}
}

// take removes and returns the entry, or nil if it was already
// completed, timed out, or never existed.
func (t *pendingTable) take(correlationID string) *pending {
	t.mu.Lock()
	p := t.m[correlationID]
	if p != nil {
		delete(t.m, correlationID)
	}
	t.mu.Unlock()
	return p
}

// takeByOrigin removes and returns every entry issued by one web-view
// instance, used when that instance is torn down.
func (t *pendingTable) takeByOrigin(origin string) []*pending {
	t.mu.Lock()
	var taken []*pending
	for id, p := range t.m {
		if p.origin == origin {
			taken = append(taken, p)
			delete(t.m, id)
		}
	}
	t.mu.Unlock()
	return taken
}

// drain removes and returns all entries, used at shutdown.
func (t *pendingTable) drain() []*pending {
	t.mu.Lock()
	taken := make([]*pending, 0, len(t.m))
	for _, p := range t.m {
		taken = append(taken, p)
	}
	t.m = make(map[string]*pending)
	t.mu.Unlock()
	return taken
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}

// finish stops the deadline timer and fires the completion callback.
// Callers must have removed p from the table first; timer reads are
// safe because arm and take synchronize on the table lock.
func (p *pending) finish(res Result) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.complete(res)
}
