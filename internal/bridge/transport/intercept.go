package transport

import (
	"errors"
	"strings"
	"sync"

	"github.com/bridgelabs/webbridge/internal/bridge"
	"github.com/bridgelabs/webbridge/internal/infrastructure/logging"
	"go.uber.org/zap"
)

// Scheme is the reserved URI prefix intercepted by the host.
const Scheme = "bridge://"

// apiPrefix is the conventional path segment ahead of the action name.
const apiPrefix = "api/"

var errInterceptorClosed = errors.New("interceptor closed")

// Interceptor is the push-based transport strategy: well-formed
// bridge://api/{action} requests from the embedded runtime are handled
// synchronously at the moment they occur, and the engine's answer is
// returned as the reply to that same interception. To the web content
// this looks like an ordinary request/response exchange.
type Interceptor struct {
	origin   string // web-view instance this channel serves
	dispatch Dispatcher
	log      *logging.Logger

	mu      sync.RWMutex
	deliver func(bridge.Envelope) error // host → runtime path for events
	closed  bool
}

// NewInterceptor creates the interception transport for one web view.
func NewInterceptor(origin string, d Dispatcher, log *logging.Logger) *Interceptor {
	return &Interceptor{
		origin:   origin,
		dispatch: d,
		log:      log.Named("intercept"),
	}
}

// BindRuntime wires the host → runtime delivery path. The shim installs
// this when its channel becomes usable.
func (i *Interceptor) BindRuntime(deliver func(bridge.Envelope) error) {
	i.mu.Lock()
	i.deliver = deliver
	i.mu.Unlock()
}

// ParseAction extracts the action name from an intercepted URL:
// strip the scheme, leading slashes, the api/ segment, and any query
// string. An empty result means the URL was not a bridge request.
func ParseAction(url string) string {
	path := url
	if !strings.HasPrefix(path, Scheme) {
		return ""
	}
	path = strings.TrimPrefix(path, Scheme)
	path = strings.TrimLeft(path, "/")
	path = strings.TrimPrefix(path, apiPrefix)
	if q := strings.IndexByte(path, '?'); q >= 0 {
		path = path[:q]
	}
	return path
}

// Intercept handles one intercepted request synchronously and returns
// the serialized Result. body is the serialized REQUEST envelope the
// shim built for this call; the URL's action must match the envelope's.
func (i *Interceptor) Intercept(url string, body []byte) []byte {
	action := ParseAction(url)
	if action == "" {
		i.log.Warn("unroutable intercepted request", zap.String("url", url))
		return bridge.Fail(bridge.MalformedPayload("", errNotBridgeURL)).Encode()
	}

	env, err := bridge.DecodeEnvelope(body, 0)
	if err != nil {
		i.log.Warn("undecodable intercepted request",
			zap.String("url", url), zap.Error(err))
		return bridge.Fail(bridge.AsFailure(action, err)).Encode()
	}
	if env.Name != action {
		return bridge.Fail(bridge.MalformedPayload(action, errActionMismatch)).Encode()
	}

	res := i.dispatch.Dispatch(env, i.origin)
	return res.Encode()
}

var (
	errNotBridgeURL   = errors.New("url does not match bridge://api/{action}")
	errActionMismatch = errors.New("envelope action does not match url")
)

// Deliver pushes a RESPONSE or EVENT envelope into the runtime. With
// interception, responses flow back synchronously, so this path mostly
// carries events.
func (i *Interceptor) Deliver(env bridge.Envelope) error {
	i.mu.RLock()
	deliver := i.deliver
	closed := i.closed
	i.mu.RUnlock()

	if closed {
		return errInterceptorClosed
	}
	if deliver == nil {
		return errors.New("runtime not bound")
	}
	return deliver(env)
}

// Close releases the channel into the runtime.
func (i *Interceptor) Close() error {
	i.mu.Lock()
	i.closed = true
	i.deliver = nil
	i.mu.Unlock()
	return nil
}
