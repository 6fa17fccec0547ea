// Package bridge implements the correlation engine at the center of the
// host: the registry of local action handlers, the table of in-flight
// requests awaiting an authority reply, timeout enforcement, and event
// fan-out to attached web-view instances.
package bridge

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bridgelabs/webbridge/internal/infrastructure/config"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"github.com/bridgelabs/webbridge/internal/infrastructure/monitoring"
	"github.com/bridgelabs/webbridge/internal/sched"
	"github.com/bridgelabs/webbridge/internal/shared/id"
	"go.uber.org/zap"
)

// AuthorityPrefix marks actions that must be executed by the remote
// authority rather than a local handler.
const AuthorityPrefix = "server:"

// NeedsAuthority reports whether an action is authority-only.
func NeedsAuthority(action string) bool {
	return strings.HasPrefix(action, AuthorityPrefix)
}

// Sink is an attached web-view instance eligible to receive envelopes.
// Deliver is invoked outside engine locks and may be called from any
// goroutine; implementations marshal onto their own runtime loop.
type Sink interface {
	ID() string
	Deliver(Envelope) error
}

// RelaySender ships an outbound request to the authority. It must not
// block on the reply; the engine holds the pending waiter.
type RelaySender interface {
	Send(correlationID, action string, payload []byte, sessionID string) error
}

// Engine is the correlation engine. One instance per host process;
// construct it explicitly and inject it where needed.
type Engine struct {
	log     *logging.Logger
	cfg     config.Source
	metrics *monitoring.Metrics
	sched   *sched.Scheduler

	registry *Registry
	pending  *pendingTable
	relay    RelaySender
	session  id.SessionID

	mu    sync.RWMutex
	sinks map[string]Sink

	closed atomic.Bool
}

// NewEngine creates the correlation engine. relay may be nil when the
// host runs without an authority link; authority-only actions then fail
// with Unreachable.
func NewEngine(cfg config.Source, s *sched.Scheduler, relay RelaySender, m *monitoring.Metrics, log *logging.Logger) *Engine {
	return &Engine{
		log:      log.Named("bridge"),
		cfg:      cfg,
		metrics:  m,
		sched:    s,
		registry: NewRegistry(log),
		pending:  newPendingTable(),
		relay:    relay,
		session:  id.NewSessionID(),
		sinks:    make(map[string]Sink),
	}
}

// Registry exposes the handler registry for integrators.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Session returns the host's session identity with the authority.
func (e *Engine) Session() id.SessionID {
	return e.session
}

// SetRelay wires the authority relay after construction; the relay
// needs the engine for completions, so one side is attached late.
func (e *Engine) SetRelay(r RelaySender) {
	e.relay = r
}

// HandleLocal executes a local action synchronously in the calling
// context. Missing handlers, oversized payloads, and handler panics all
// come back as typed failures; nothing propagates raw.
func (e *Engine) HandleLocal(action string, payload []byte) Result {
	if limit := e.cfg.MaxPayloadSize(); limit > 0 && len(payload) > limit {
		return Fail(PayloadTooLarge(action, len(payload), limit))
	}

	handler, ok := e.registry.Lookup(action)
	if !ok {
		e.log.Debug("no such action", zap.String("action", action))
		return Fail(NoSuchAction(action))
	}

	if e.cfg.VerboseLogging() {
		e.log.Info("handling action",
			zap.String("action", action),
			zap.ByteString("payload", payload))
	}

	start := time.Now()
	data, err := e.invoke(action, handler, payload)
	if e.metrics != nil {
		e.metrics.RequestDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
		e.metrics.PayloadBytes.WithLabelValues(string(KindRequest)).Observe(float64(len(payload)))
	}

	if err != nil {
		f := AsFailure(action, err)
		if f.Code == CodeInternalHandlerFault {
			e.log.Error("handler fault",
				zap.String("action", action),
				zap.String("error", f.Message))
		}
		e.count(action, string(f.Code))
		return Fail(f)
	}

	e.count(action, "ok")
	return OK(data)
}

// invoke runs one handler with panic isolation.
func (e *Engine) invoke(action string, h Handler, payload []byte) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			data, err = nil, InternalHandlerFault(action, r)
		}
	}()
	return h(payload)
}

// Dispatch answers one inbound REQUEST envelope synchronously. Local
// actions run in the calling context; authority actions block the
// caller (a transport worker, never an affinity loop) until the reply
// or the deadline. origin is the sink that issued the request, so a
// detach can cancel what it left in flight.
func (e *Engine) Dispatch(env Envelope, origin string) Result {
	if env.Kind != KindRequest {
		return Fail(MalformedPayload(env.Name, errDispatchKind))
	}
	if !NeedsAuthority(env.Name) {
		return e.HandleLocal(env.Name, env.Payload)
	}

	future := e.CallAuthority(env.CorrelationID, origin, env.Name, env.Payload)
	// The engine always completes the pending entry, via reply, timeout,
	// or teardown; the extra grace only covers a lost completion bug.
	return future.AwaitTimeout(e.cfg.RequestTimeout() + 5*time.Second)
}

// DispatchAsync answers one inbound REQUEST envelope through a
// callback, used by the polling-queue transport. complete is invoked
// exactly once, possibly synchronously.
func (e *Engine) DispatchAsync(env Envelope, origin string, complete func(Result)) {
	if env.Kind != KindRequest {
		complete(Fail(MalformedPayload(env.Name, errDispatchKind)))
		return
	}
	if !NeedsAuthority(env.Name) {
		complete(e.HandleLocal(env.Name, env.Payload))
		return
	}

	future := e.CallAuthority(env.CorrelationID, origin, env.Name, env.Payload)
	go func() {
		complete(future.AwaitTimeout(e.cfg.RequestTimeout() + 5*time.Second))
	}()
}

// CallAuthority issues an outbound request to the authority and
// returns immediately. The deadline timer lives on the scheduler's
// timer plane, so a wedged relay cannot starve timeout delivery.
// correlationID may be empty, in which case a fresh one is generated.
func (e *Engine) CallAuthority(correlationID, origin, action string, payload []byte) *Future {
	future := newFuture()

	if e.closed.Load() {
		future.settle(Fail(Cancelled(action, "bridge shutting down")))
		return future
	}
	if limit := e.cfg.MaxPayloadSize(); limit > 0 && len(payload) > limit {
		future.settle(Fail(PayloadTooLarge(action, len(payload), limit)))
		return future
	}
	if e.relay == nil {
		e.count(action, string(CodeUnreachable))
		future.settle(Fail(Unreachable(action, errNoRelay)))
		return future
	}

	if correlationID == "" {
		correlationID = id.NewCorrelationID().String()
	}

	p := &pending{
		correlationID: correlationID,
		action:        action,
		origin:        origin,
		deadline:      time.Now().Add(e.cfg.RequestTimeout()),
		complete:      future.settle,
	}
	// Insert before arming the deadline. With a very short timeout the
	// timer could otherwise fire before the entry exists and leak it.
	e.pending.insert(p)
	timer := e.sched.After(e.cfg.RequestTimeout(), func() {
		if expired := e.pending.take(correlationID); expired != nil {
			if e.metrics != nil {
				e.metrics.Timeouts.Inc()
				e.metrics.PendingInflight.Dec()
			}
			e.log.Warn("outbound request timed out",
				zap.String("correlation_id", correlationID),
				zap.String("action", expired.action))
			expired.complete(Fail(TimeoutFailure(expired.action)))
		}
	})
	e.pending.arm(correlationID, timer)
	if e.metrics != nil {
		e.metrics.PendingInflight.Inc()
	}

	if err := e.relay.Send(correlationID, action, payload, e.session.String()); err != nil {
		if taken := e.pending.take(correlationID); taken != nil {
			if e.metrics != nil {
				e.metrics.RelayErrors.Inc()
				e.metrics.PendingInflight.Dec()
			}
			e.log.Error("authority unreachable",
				zap.String("action", action),
				zap.Error(err))
			taken.finish(Fail(Unreachable(action, err)))
		}
	}

	return future
}

// Complete resolves the pending request matching a RESPONSE. Unknown
// correlation ids are expected races (duplicate or post-timeout
// replies) and only logged at debug level.
func (e *Engine) Complete(correlationID string, res Result) {
	p := e.pending.take(correlationID)
	if p == nil {
		e.log.Debug("late or unknown response discarded",
			zap.String("correlation_id", correlationID))
		return
	}
	if e.metrics != nil {
		e.metrics.PendingInflight.Dec()
	}
	if e.cfg.VerboseLogging() {
		e.log.Info("completing request",
			zap.String("correlation_id", correlationID),
			zap.String("action", p.action),
			zap.Bool("success", res.Success))
	}
	p.finish(res)
}

// Broadcast delivers one EVENT envelope to every attached sink. The
// sink list is copied under the lock and delivery happens outside it,
// so one slow or failing sink cannot delay or prevent the others.
func (e *Engine) Broadcast(event string, payload []byte) {
	if e.closed.Load() {
		return
	}
	if limit := e.cfg.MaxEventSize(); limit > 0 && len(payload) > limit {
		e.log.Warn("event payload over ceiling, dropped",
			zap.String("event", event),
			zap.Int("size", len(payload)))
		return
	}

	env := NewEvent(event, payload)

	e.mu.RLock()
	targets := make([]Sink, 0, len(e.sinks))
	for _, s := range e.sinks {
		targets = append(targets, s)
	}
	e.mu.RUnlock()

	if e.cfg.EventLogging() {
		e.log.Info("broadcasting event",
			zap.String("event", event),
			zap.Int("sinks", len(targets)),
			zap.ByteString("payload", payload))
	}
	if e.metrics != nil {
		e.metrics.Broadcasts.Inc()
		e.metrics.PayloadBytes.WithLabelValues(string(KindEvent)).Observe(float64(len(payload)))
	}

	for _, target := range targets {
		e.deliverIsolated(target, env)
	}
}

// deliverIsolated delivers to one sink, containing errors and panics so
// the rest of the fan-out proceeds.
func (e *Engine) deliverIsolated(target Sink, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			if e.metrics != nil {
				e.metrics.DeliveryErrors.Inc()
			}
			e.log.Warn("sink panicked during delivery",
				zap.String("sink", target.ID()),
				zap.Any("panic", r))
		}
	}()
	if err := target.Deliver(env); err != nil {
		if e.metrics != nil {
			e.metrics.DeliveryErrors.Inc()
		}
		e.log.Warn("event delivery failed",
			zap.String("sink", target.ID()),
			zap.String("event", env.Name),
			zap.Error(err))
	}
}

// AttachSink makes a web-view instance eligible for event delivery.
func (e *Engine) AttachSink(s Sink) {
	e.mu.Lock()
	e.sinks[s.ID()] = s
	count := len(e.sinks)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.SinksAttached.Set(float64(count))
	}
	e.log.Info("sink attached", zap.String("sink", s.ID()))
}

// DetachSink removes a web-view instance and synchronously fails every
// pending request it originated, so no promise outlives its owner.
func (e *Engine) DetachSink(sinkID string) {
	e.mu.Lock()
	delete(e.sinks, sinkID)
	count := len(e.sinks)
	e.mu.Unlock()

	orphans := e.pending.takeByOrigin(sinkID)
	for _, p := range orphans {
		if e.metrics != nil {
			e.metrics.PendingInflight.Dec()
		}
		p.finish(Fail(Cancelled(p.action, "web view detached")))
	}

	if e.metrics != nil {
		e.metrics.SinksAttached.Set(float64(count))
	}
	e.log.Info("sink detached",
		zap.String("sink", sinkID),
		zap.Int("cancelled_pending", len(orphans)))
}

// Shutdown stops accepting new requests, waits for in-flight ones to
// drain until ctx expires, then fails the stragglers. Transports are
// released by the owning server after this returns.
func (e *Engine) Shutdown(ctx context.Context) {
	if !e.closed.CompareAndSwap(false, true) {
		return
	}

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for e.pending.len() > 0 {
		select {
		case <-ctx.Done():
			remaining := e.pending.drain()
			for _, p := range remaining {
				p.finish(Fail(Cancelled(p.action, "bridge shutting down")))
			}
			e.log.Warn("shutdown flush timed out",
				zap.Int("cancelled_pending", len(remaining)))
			return
		case <-ticker.C:
		}
	}
	e.log.Info("bridge drained")
}

// Stats returns a snapshot of bridge counters for the debug endpoint.
func (e *Engine) Stats() map[string]interface{} {
	e.mu.RLock()
	sinks := len(e.sinks)
	e.mu.RUnlock()

	return map[string]interface{}{
		"handlers":        e.registry.Len(),
		"pending":         e.pending.len(),
		"sinks_attached":  sinks,
		"session_id":      e.session.String(),
		"accepting":       !e.closed.Load(),
		"request_timeout": e.cfg.RequestTimeout().String(),
	}
}

func (e *Engine) count(action, outcome string) {
	if e.metrics != nil {
		e.metrics.RequestsTotal.WithLabelValues(action, outcome).Inc()
	}
}
