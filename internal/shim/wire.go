package shim

import (
	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/bridge/transport"
	"github.com/bridgelabs/webbridge/internal/sched"
)

// UseInterceptor binds the view to the interception transport. Each
// bridge.call becomes a bridge://api/{action} request handled off the
// runtime loop; the serialized result comes back as the RESPONSE
// envelope settling the promise.
func (w *WebView) UseInterceptor(i *transport.Interceptor, s *sched.Scheduler) {
	i.BindRuntime(w.Deliver)
	_ = w.post(func() {
		w.submit = func(env bridge.Envelope) error {
			url := transport.Scheme + "api/" + env.Name
			body, err := env.Encode()
			if err != nil {
				return err
			}
			s.Submit(func() {
				data := i.Intercept(url, body)
				res, err := bridge.DecodeResult(data)
				if err != nil {
					res = bridge.Fail(bridge.MalformedPayload(env.Name, err))
				}
				_ = w.Deliver(bridge.NewResponse(env.CorrelationID, env.Name, res))
			})
			return nil
		}
	})
	w.MarkReady()
}

// UseQueue binds the view to the polling transport. Outbound requests
// are enqueued for the host's next Pump; responses and events arrive
// through the queue's flush callback.
func (w *WebView) UseQueue(q *transport.PollingQueue) {
	q.BindRuntime(w.Deliver)
	_ = w.post(func() {
		w.submit = func(env bridge.Envelope) error {
			q.SubmitRequest(env)
			return nil
		}
	})
	w.MarkReady()
}
