package transport

import (
	"errors"
	"sync"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/infrastructure/monitoring"
	"go.uber.org/zap"
)

// DefaultQueueCapacity bounds each direction's queue.
const DefaultQueueCapacity = 1024

var errQueueClosed = errors.New("polling queue closed")

// PollingQueue is the pull-based transport strategy, used when the
// interception hook cannot be registered early enough in the host's
// startup sequence. The shim enqueues outbound request envelopes; the
// host drains them on Pump (periodic or explicitly triggered) and
// pushes results back through a callback the shim exposes into the
// runtime. Each direction is independently bounded; when a queue is
// full the new entry is dropped with a warning, never blocking the
// producer.
type PollingQueue struct {
	dispatch Dispatcher
	log      *logging.Logger
	metrics  *monitoring.Metrics
	origin   string

	requests  chan bridge.Envelope
	responses chan bridge.Envelope
	events    chan bridge.Envelope

	mu       sync.RWMutex
	callback func(bridge.Envelope) error // shim-exposed push into the runtime
	closed   bool
}

// NewPollingQueue creates the polling transport for one web-view
// instance. origin identifies that instance in the engine's pending
// table so teardown can cancel its in-flight requests.
func NewPollingQueue(origin string, capacity int, d Dispatcher, m *monitoring.Metrics, log *logging.Logger) *PollingQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &PollingQueue{
		dispatch:  d,
		log:       log.Named("queue"),
		metrics:   m,
		origin:    origin,
		requests:  make(chan bridge.Envelope, capacity),
		responses: make(chan bridge.Envelope, capacity),
		events:    make(chan bridge.Envelope, capacity),
	}
}

// BindRuntime wires the callback the shim exposes for pushed envelopes.
func (q *PollingQueue) BindRuntime(callback func(bridge.Envelope) error) {
	q.mu.Lock()
	q.callback = callback
	q.mu.Unlock()
}

// SubmitRequest enqueues an outbound request from the runtime.
func (q *PollingQueue) SubmitRequest(env bridge.Envelope) {
	q.offer(q.requests, env, "request")
}

// Deliver enqueues a host-originated RESPONSE or EVENT envelope for the
// next flush toward the runtime.
func (q *PollingQueue) Deliver(env bridge.Envelope) error {
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return errQueueClosed
	}

	switch env.Kind {
	case bridge.KindEvent:
		q.offer(q.events, env, "event")
	default:
		q.offer(q.responses, env, "response")
	}
	return nil
}

// offer is the non-blocking enqueue shared by both directions.
func (q *PollingQueue) offer(ch chan bridge.Envelope, env bridge.Envelope, queue string) {
	select {
	case ch <- env:
	default:
		if q.metrics != nil {
			q.metrics.QueueDrops.WithLabelValues(queue).Inc()
		}
		q.log.Warn("queue full, envelope dropped",
			zap.String("queue", queue),
			zap.String("name", env.Name))
	}
}

// Pump drains up to max pending requests through the engine, then
// flushes queued responses and events into the runtime. It returns the
// number of requests processed. Call it from a periodic scheduler tick
// or an explicit trigger.
func (q *PollingQueue) Pump(max int) int {
	processed := 0
	for processed < max {
		select {
		case env := <-q.requests:
			req := env
			q.dispatch.DispatchAsync(req, q.origin, func(res bridge.Result) {
				resp := bridge.NewResponse(req.CorrelationID, req.Name, res)
				q.offer(q.responses, resp, "response")
				q.Flush()
			})
			processed++
		default:
			q.Flush()
			return processed
		}
	}
	q.Flush()
	return processed
}

// Flush pushes queued responses and events into the runtime through
// the bound callback. Without a callback the envelopes stay queued.
func (q *PollingQueue) Flush() {
	q.mu.RLock()
	callback := q.callback
	closed := q.closed
	q.mu.RUnlock()
	if callback == nil || closed {
		return
	}

	for {
		select {
		case env := <-q.responses:
			q.push(callback, env)
		case env := <-q.events:
			q.push(callback, env)
		default:
			return
		}
	}
}

// push delivers one envelope, dropping it on error; a malformed or
// rejected envelope must not abort the rest of the flush.
func (q *PollingQueue) push(callback func(bridge.Envelope) error, env bridge.Envelope) {
	if err := callback(env); err != nil {
		q.log.Warn("runtime push failed, envelope dropped",
			zap.String("name", env.Name),
			zap.Error(err))
	}
}

// Depths reports current queue occupancy for diagnostics.
func (q *PollingQueue) Depths() (requests, responses, events int) {
	return len(q.requests), len(q.responses), len(q.events)
}

// Close releases the transport. Queued envelopes are discarded.
func (q *PollingQueue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.callback = nil
	q.mu.Unlock()
	return nil
}
