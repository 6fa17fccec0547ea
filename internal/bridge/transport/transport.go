// Package transport moves envelopes between the embedded web runtime
// and host logic. Two interchangeable strategies implement the same
// contract: synchronous interception of bridge:// requests, and a
// polling queue for hosts where the interception hook cannot be
// registered early enough. Both preserve ordering per correlation id
// (each id appears at most once) and neither blocks its producer.
package transport

import (
	"github.com/bridgelabs/webbridge/internal/bridge"
)

// Dispatcher is the slice of the correlation engine a transport needs.
// origin identifies the web view the request came from; the engine uses
// it to cancel in-flight work when that view detaches.
type Dispatcher interface {
	Dispatch(env bridge.Envelope, origin string) bridge.Result
	DispatchAsync(env bridge.Envelope, origin string, complete func(bridge.Result))
}

// Transport is the host-side end of one channel into an embedded
// runtime. Deliver pushes a RESPONSE or EVENT envelope toward the
// runtime; Close releases the channel.
type Transport interface {
	Deliver(bridge.Envelope) error
	Close() error
}
